// Package upstream sends queries to the resolvers of an upstream group
// with sequential failover and optional DNSSEC validation.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/xlh001/oxide-wdns/util"
	"github.com/xlh001/oxide-wdns/view"
	"golang.org/x/time/rate"
)

// Options configure a Dispatcher.
type Options struct {
	// UserAgent is sent with DoH requests.
	UserAgent string
	// TLSConfig is the base client configuration for dot, doh and doq.
	TLSConfig *tls.Config
	Clock     clockwork.Clock

	// HTTPTimeout bounds one DoH request, zero leaves it to the context.
	HTTPTimeout  time.Duration
	IdleTimeout  time.Duration
	MaxIdleConns int
}

// Dispatcher resolves queries against upstream groups. Transports are
// created on first use and shared by every group naming the resolver.
type Dispatcher struct {
	opts      Options
	validator *Validator

	mu         sync.Mutex
	transports map[view.Endpoint]exchanger

	logSample rate.Sometimes
}

// New returns a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Dispatcher{
		opts:       opts,
		validator:  NewValidator(opts.Clock),
		transports: make(map[view.Endpoint]exchanger),
		logSample:  rate.Sometimes{First: 10, Interval: 10 * time.Second},
	}
}

// Resolve sends req to the resolvers of g in order until one answers.
// Every attempt is bounded by the group timeout. SERVFAIL and REFUSED
// answers, transport errors and failed DNSSEC validation move on to the
// next resolver. When all fail, the error is an *ExhaustedError.
func (d *Dispatcher) Resolve(ctx context.Context, req *dns.Msg, g *view.Group) (*dns.Msg, error) {
	if len(req.Question) == 0 {
		return nil, errors.New("query without question")
	}

	exhausted := &ExhaustedError{Group: g.Name}
	validate := g.DNSSEC && !req.CheckingDisabled

	for _, ep := range g.Resolvers {
		if err := ctx.Err(); err != nil {
			exhausted.Attempts = append(exhausted.Attempts, &AttemptError{Resolver: ep.String(), Kind: KindTimeout, Err: err})
			return nil, exhausted
		}

		resp, err := d.attempt(ctx, req, ep, g, validate)
		if err == nil {
			upstreamAttempts.WithLabelValues(g.Name, ep.String(), "success").Inc()
			resp.Id = req.Id
			return resp, nil
		}

		var aerr *AttemptError
		if !errors.As(err, &aerr) {
			aerr = &AttemptError{Resolver: ep.String(), Kind: KindTransport, Err: err}
		}
		exhausted.Attempts = append(exhausted.Attempts, aerr)
		upstreamAttempts.WithLabelValues(g.Name, ep.String(), aerr.Kind.String()).Inc()

		d.logSample.Do(func() {
			zlog.Warn("Upstream attempt failed", "query", util.FormatQuestion(req.Question[0]), "group", g.Name, "resolver", ep.String(), "kind", aerr.Kind.String(), "error", aerr.Err.Error())
		})
	}

	return nil, exhausted
}

func (d *Dispatcher) attempt(ctx context.Context, req *dns.Msg, ep view.Endpoint, g *view.Group, validate bool) (*dns.Msg, error) {
	t, err := d.transport(ep)
	if err != nil {
		return nil, &AttemptError{Resolver: ep.String(), Kind: KindTransport, Err: err}
	}

	actx := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	m := req.Copy()
	m.Id = dns.Id()
	m.RecursionDesired = true
	if validate {
		setDO(m)
	}

	start := d.opts.Clock.Now()
	resp, err := t.Exchange(actx, m)
	upstreamDuration.WithLabelValues(ep.Protocol.String()).Observe(d.opts.Clock.Since(start).Seconds())

	if err != nil {
		return nil, &AttemptError{Resolver: ep.String(), Kind: classify(err), Err: err}
	}

	if resp.Rcode == dns.RcodeServerFailure || resp.Rcode == dns.RcodeRefused {
		return nil, &AttemptError{Resolver: ep.String(), Kind: KindRcode, Err: errors.Join(errRcode, errors.New(dns.RcodeToString[resp.Rcode]))}
	}

	if !validate {
		if req.CheckingDisabled {
			resp.AuthenticatedData = false
		}
		return resp, nil
	}

	exchange := func(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
		q.Id = dns.Id()
		return t.Exchange(ctx, q)
	}

	secure, err := d.validator.Validate(actx, ep.String(), exchange, resp)
	if err != nil {
		return nil, &AttemptError{Resolver: ep.String(), Kind: KindDNSSEC, Err: err}
	}
	resp.AuthenticatedData = secure

	return resp, nil
}

func (d *Dispatcher) transport(ep view.Endpoint) (exchanger, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.transports[ep]; ok {
		return t, nil
	}

	var (
		t   exchanger
		err error
	)

	switch ep.Protocol {
	case view.DoH:
		t, err = newDoHTransport(ep, d.opts)
	case view.DoQ:
		t = newDoQTransport(ep, d.opts.TLSConfig)
	default:
		t = newDNSTransport(ep, d.opts.TLSConfig)
	}
	if err != nil {
		return nil, err
	}

	d.transports[ep] = t

	return t, nil
}

// Close releases every transport.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for ep, t := range d.transports {
		errs = append(errs, t.Close())
		delete(d.transports, ep)
	}

	return errors.Join(errs...)
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}

	return KindTransport
}

func setDO(m *dns.Msg) {
	if opt := m.IsEdns0(); opt != nil {
		opt.SetDo()
		return
	}
	m.SetEdns0(util.DefaultMsgSize, true)
}
