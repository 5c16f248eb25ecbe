package forwarder

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xlh001/oxide-wdns/cache"
	"github.com/xlh001/oxide-wdns/config"
	"github.com/xlh001/oxide-wdns/middleware"
	"github.com/xlh001/oxide-wdns/middleware/edns"
	"github.com/xlh001/oxide-wdns/mock"
	"github.com/xlh001/oxide-wdns/resolver"
	"github.com/xlh001/oxide-wdns/upstream"
	"github.com/xlh001/oxide-wdns/view"
)

type fakeDispatcher struct {
	fail  bool
	err   error
	delay time.Duration
}

func (f *fakeDispatcher) Resolve(_ context.Context, req *dns.Msg, g *view.Group) (*dns.Msg, error) {
	time.Sleep(f.delay)

	if f.err != nil {
		return nil, f.err
	}
	if f.fail {
		return nil, &upstream.ExhaustedError{Group: g.Name, Attempts: []*upstream.AttemptError{
			{Resolver: "udp://192.0.2.53:53", Kind: upstream.KindTimeout, Err: context.DeadlineExceeded},
		}}
	}

	m := new(dns.Msg)
	m.SetReply(req)
	m.Answer = append(m.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP("192.0.2.1").To4(),
	})
	m.SetEdns0(4096, true)
	if subnet := req.IsEdns0(); subnet != nil {
		for _, o := range subnet.Option {
			if s, ok := o.(*dns.EDNS0_SUBNET); ok {
				echo := *s
				echo.SourceScope = 24
				m.IsEdns0().Option = append(m.IsEdns0().Option, &echo)
			}
		}
	}
	return m, nil
}

func newChain(t *testing.T, d resolver.Dispatcher) *middleware.Chain {
	t.Helper()

	strategy, disabled := "forward", "disabled"

	cfg := new(config.Config)
	cfg.Upstream.Resolvers = []config.Resolver{{Address: "192.0.2.53:53"}}
	cfg.Groups = []config.Group{
		{Name: "fwd", ECS: &config.ECSOverride{Strategy: &strategy}},
		{Name: "off", ECS: &config.ECSOverride{Strategy: &disabled}},
	}
	cfg.Rules = []config.Rule{
		{Match: config.Match{Type: "exact", Values: []string{"ads.example"}}, UpstreamGroup: config.BlackholeGroup},
		{Match: config.Match{Type: "wildcard", Values: []string{"*.fwd.example"}}, UpstreamGroup: "fwd"},
		{Match: config.Match{Type: "wildcard", Values: []string{"*.off.example"}}, UpstreamGroup: "off"},
	}
	cfg.SetDefaults()

	r, err := resolver.NewRouting(cfg)
	require.NoError(t, err)

	c := cache.New(cache.Options{Size: 100, MaxTTL: time.Hour, NegativeTTL: time.Minute})

	f := New(resolver.New(r, c, d))
	assert.Equal(t, "forwarder", f.Name())

	return middleware.NewChain([]middleware.Handler{edns.New(), f})
}

func exchange(ch *middleware.Chain, req *dns.Msg) *dns.Msg {
	mw := mock.NewWriter("udp", "203.0.113.9:5353")
	ch.Reset(mw, req)
	ch.Next(context.Background())
	return mw.Msg()
}

func Test_Forward(t *testing.T) {
	ch := newChain(t, &fakeDispatcher{})

	req := new(dns.Msg)
	req.SetQuestion("WWW.Example.com.", dns.TypeA)
	req.Id = 777

	resp := exchange(ch, req)
	require.NotNil(t, resp)
	assert.Equal(t, uint16(777), resp.Id)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Equal(t, "WWW.Example.com.", resp.Question[0].Name)
	require.Len(t, resp.Answer, 1)
	assert.Nil(t, resp.IsEdns0(), "client sent no OPT")

	// second query is served from cache
	req.Id = 778
	resp = exchange(ch, req)
	require.NotNil(t, resp)
	assert.Equal(t, uint16(778), resp.Id)
	require.Len(t, resp.Answer, 1)
}

func Test_ForwardECSEcho(t *testing.T) {
	ch := newChain(t, &fakeDispatcher{})

	req := new(dns.Msg)
	req.SetQuestion("a.fwd.example.", dns.TypeA)
	req.SetEdns0(1232, false)
	req.IsEdns0().Option = append(req.IsEdns0().Option,
		&dns.EDNS0_SUBNET{Code: dns.EDNS0SUBNET, Family: 1, SourceNetmask: 24, Address: net.ParseIP("198.51.100.0").To4()})

	resp := exchange(ch, req)
	require.NotNil(t, resp)

	opt := resp.IsEdns0()
	require.NotNil(t, opt)
	require.Len(t, opt.Option, 1)
	subnet := opt.Option[0].(*dns.EDNS0_SUBNET)
	assert.Equal(t, uint8(24), subnet.SourceNetmask)
	assert.Equal(t, uint8(24), subnet.SourceScope)
	assert.Equal(t, "198.51.100.0", subnet.Address.String())
}

func Test_ForwardBlackhole(t *testing.T) {
	ch := newChain(t, &fakeDispatcher{fail: true})

	req := new(dns.Msg)
	req.SetQuestion("ads.example.", dns.TypeA)

	resp := exchange(ch, req)
	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)
}

func Test_ForwardServfail(t *testing.T) {
	ch := newChain(t, &fakeDispatcher{fail: true})

	req := new(dns.Msg)
	req.SetQuestion("down.example.", dns.TypeA)
	req.SetEdns0(1232, true)

	resp := exchange(ch, req)
	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)

	opt := resp.IsEdns0()
	require.NotNil(t, opt)
	require.Len(t, opt.Option, 1)
	ede, ok := opt.Option[0].(*dns.EDNS0_EDE)
	require.True(t, ok)
	assert.Equal(t, dns.ExtendedErrorCodeNoReachableAuthority, ede.InfoCode)
}

func Test_ForwardFormErr(t *testing.T) {
	ch := newChain(t, &fakeDispatcher{})

	req := new(dns.Msg)
	resp := exchange(ch, req)
	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeFormatError, resp.Rcode)

	req = new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeAXFR)
	resp = exchange(ch, req)
	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeNotImplemented, resp.Rcode)
}

func withSubnet(name string) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(name, dns.TypeA)
	req.SetEdns0(1232, false)
	req.IsEdns0().Option = append(req.IsEdns0().Option,
		&dns.EDNS0_SUBNET{Code: dns.EDNS0SUBNET, Family: 1, SourceNetmask: 24, Address: net.ParseIP("198.51.100.0").To4()})
	return req
}

func subnetOf(m *dns.Msg) *dns.EDNS0_SUBNET {
	if opt := m.IsEdns0(); opt != nil {
		for _, o := range opt.Option {
			if s, ok := o.(*dns.EDNS0_SUBNET); ok {
				return s
			}
		}
	}
	return nil
}

func Test_ForwardECSDisabledNotEchoed(t *testing.T) {
	ch := newChain(t, &fakeDispatcher{})

	resp := exchange(ch, withSubnet("a.off.example."))
	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Nil(t, subnetOf(resp))

	ch = newChain(t, &fakeDispatcher{fail: true})

	resp = exchange(ch, withSubnet("b.off.example."))
	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	assert.Nil(t, subnetOf(resp))

	// strip still echoes with scope zero
	resp = exchange(ch, withSubnet("down.example."))
	require.NotNil(t, resp)
	s := subnetOf(resp)
	require.NotNil(t, s)
	assert.Equal(t, uint8(0), s.SourceScope)
}

func Test_ForwardCanceledUpstreamIsServfail(t *testing.T) {
	ch := newChain(t, &fakeDispatcher{err: context.Canceled})

	req := new(dns.Msg)
	req.SetQuestion("shared.example.", dns.TypeA)

	resp := exchange(ch, req)
	require.NotNil(t, resp, "a live client always gets an answer")
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func Test_ForwardClientGone(t *testing.T) {
	ch := newChain(t, &fakeDispatcher{delay: 200 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req := new(dns.Msg)
	req.SetQuestion("gone.example.", dns.TypeA)

	mw := mock.NewWriter("doh", "203.0.113.9:443")
	ch.Reset(mw, req)
	ch.Next(ctx)

	assert.False(t, mw.Written())
}
