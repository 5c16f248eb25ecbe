// Package resolver is the query engine: it routes a query to an upstream
// group, applies the group's client subnet policy, answers from the
// cache when it can and dispatches upstream when it cannot.
package resolver

import (
	"context"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/xlh001/oxide-wdns/cache"
	"github.com/xlh001/oxide-wdns/config"
	"github.com/xlh001/oxide-wdns/ecs"
	"github.com/xlh001/oxide-wdns/router"
	"github.com/xlh001/oxide-wdns/util"
	"github.com/xlh001/oxide-wdns/view"
	"golang.org/x/sync/singleflight"
)

// Dispatcher sends a query to the resolvers of one group.
type Dispatcher interface {
	Resolve(ctx context.Context, req *dns.Msg, g *view.Group) (*dns.Msg, error)
}

// Query is a parsed inbound query.
type Query struct {
	Name     string
	Type     uint16
	Class    uint16
	ClientIP netip.Addr
	// ECS is the subnet option sent by the client, if any.
	ECS *dns.EDNS0_SUBNET
	DO  bool
	CD  bool
}

// QueryFromMsg builds a Query from the first question of req.
func QueryFromMsg(req *dns.Msg, client netip.Addr) Query {
	q := req.Question[0]

	return Query{
		Name:     q.Name,
		Type:     q.Qtype,
		Class:    q.Qclass,
		ClientIP: client,
		ECS:      ecs.FromMsg(req),
		DO:       util.IsDO(req),
		CD:       req.CheckingDisabled,
	}
}

// Response is the engine's answer. Msg is owned by the caller.
type Response struct {
	Msg       *dns.Msg
	Group     string
	Cached    bool
	Blackhole bool
	// ECS is the subnet option to echo to the client, nil when the
	// client sent none.
	ECS *dns.EDNS0_SUBNET
}

// Engine resolves queries. It is safe for concurrent use.
type Engine struct {
	routing    atomic.Pointer[Routing]
	cache      *cache.Cache
	dispatcher Dispatcher

	flight singleflight.Group
}

// New returns an engine. c may be nil to disable caching.
func New(r *Routing, c *cache.Cache, d Dispatcher) *Engine {
	e := &Engine{cache: c, dispatcher: d}
	e.routing.Store(r)
	return e
}

// Routing returns the active routing generation.
func (e *Engine) Routing() *Routing {
	return e.routing.Load()
}

// Swap installs r and returns the previous generation. Cached answers
// are dropped since they were resolved under the old group settings.
func (e *Engine) Swap(r *Routing) *Routing {
	old := e.routing.Swap(r)
	if e.cache != nil {
		e.cache.Purge()
	}
	return old
}

// Cache returns the response cache, nil when disabled.
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

// Resolve answers q. A blackholed name gets REFUSED without upstream
// traffic. When every resolver of the group fails, a SERVFAIL is
// cached for the negative TTL and the dispatch error is returned.
func (e *Engine) Resolve(ctx context.Context, q Query) (*Response, error) {
	r := e.routing.Load()

	question := dns.Question{Name: dns.Fqdn(q.Name), Qtype: q.Type, Qclass: q.Class}
	if question.Qclass == 0 {
		question.Qclass = dns.ClassINET
	}

	dest := r.Router.Route(question.Name)

	if dest.Kind == router.Blackhole {
		return e.blackhole(question, q), nil
	}

	g := r.group(dest)
	groupName := dest.String()

	clientECS := q.ECS
	if g.ECS.Strategy == ecs.Disabled {
		clientECS = nil
	}

	subnet := ecs.Apply(q.ClientIP, q.ECS, g.ECS)
	key := cache.NewKey(question, q.CD, subnet)

	if e.cache != nil {
		if ans, ok := e.cache.Get(key); ok {
			queries.WithLabelValues(groupName, "cache").Inc()
			return &Response{
				Msg:    ans.Msg,
				Group:  ans.Group,
				Cached: true,
				ECS:    echo(clientECS, ans.Msg),
			}, nil
		}
	}

	req := upstreamRequest(question, q.CD, subnet)

	flightKey := groupName + "|" + strconv.FormatUint(key.Hash(), 16)
	ch := e.flight.DoChan(flightKey, func() (any, error) {
		// shared by every waiting caller, so no single caller may cancel it
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flightBudget(g))
		defer cancel()
		return e.dispatch(dctx, req, g, groupName, key)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if res.Err != nil {
		return nil, res.Err
	}

	msg := res.Val.(*dns.Msg).Copy()
	queries.WithLabelValues(groupName, "upstream").Inc()

	return &Response{
		Msg:   msg,
		Group: groupName,
		ECS:   echo(clientECS, msg),
	}, nil
}

// Echo returns the subnet option a failure answer to q carries: the
// client's option with scope zero, or nil when the client sent none or
// its group has ECS disabled.
func (e *Engine) Echo(q Query) *dns.EDNS0_SUBNET {
	r := e.routing.Load()

	dest := r.Router.Lookup(dns.Fqdn(q.Name))
	if dest.Kind != router.Blackhole && r.group(dest).ECS.Strategy == ecs.Disabled {
		return nil
	}

	return ecs.Echo(q.ECS, 0)
}

const fallbackAttemptTimeout = 5 * time.Second

// flightBudget bounds a shared dispatch: one attempt timeout per
// resolver of the group.
func flightBudget(g *view.Group) time.Duration {
	per := g.Timeout
	if per <= 0 {
		per = fallbackAttemptTimeout
	}

	n := len(g.Resolvers)
	if n == 0 {
		n = 1
	}

	return per * time.Duration(n)
}

func (e *Engine) dispatch(ctx context.Context, req *dns.Msg, g *view.Group, groupName string, key cache.Key) (*dns.Msg, error) {
	resp, err := e.dispatcher.Resolve(ctx, req, g)
	if err != nil {
		queries.WithLabelValues(groupName, "failure").Inc()

		if ctx.Err() != nil {
			return nil, err
		}

		zlog.Debug("Upstream group exhausted", "query", util.FormatQuestion(req.Question[0]), "group", groupName, "error", err.Error())

		if e.cache != nil {
			code, text := util.ErrorToEDE(err)
			e.cache.Put(key, util.SetRcodeWithEDE(req, dns.RcodeServerFailure, true, code, text), groupName)
		}

		return nil, err
	}

	if e.cache != nil {
		e.cache.Put(key, resp, groupName)
	}

	return resp, nil
}

func (e *Engine) blackhole(question dns.Question, q Query) *Response {
	req := new(dns.Msg)
	req.Question = []dns.Question{question}
	req.CheckingDisabled = q.CD

	msg := util.SetRcode(req, dns.RcodeRefused, false)

	if e.cache != nil {
		key := cache.NewKey(question, q.CD, nil)
		if _, ok := e.cache.Get(key); !ok {
			e.cache.Put(key, msg, config.BlackholeGroup)
		}
	}

	queries.WithLabelValues(config.BlackholeGroup, "blackhole").Inc()

	return &Response{
		Msg:       msg,
		Group:     config.BlackholeGroup,
		Blackhole: true,
		ECS:       ecs.Echo(q.ECS, 0),
	}
}

// upstreamRequest builds the query sent to the group. The DO bit is
// always set; the answer is stripped for clients that did not ask.
func upstreamRequest(question dns.Question, cd bool, subnet *dns.EDNS0_SUBNET) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(question.Name, question.Qtype)
	req.Question[0].Qclass = question.Qclass
	req.RecursionDesired = true
	req.CheckingDisabled = cd
	req.SetEdns0(util.DefaultMsgSize, true)
	ecs.Set(req, subnet)

	return req
}

// echo returns the option echoed to a client that sent incoming, with
// the scope the upstream answered with.
func echo(incoming *dns.EDNS0_SUBNET, resp *dns.Msg) *dns.EDNS0_SUBNET {
	if incoming == nil {
		return nil
	}

	var scope uint8
	if s := ecs.FromMsg(resp); s != nil {
		scope = s.SourceScope
	}

	return ecs.Echo(incoming, scope)
}
