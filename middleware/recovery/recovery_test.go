package recovery

import (
	"context"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/xlh001/oxide-wdns/middleware"
	"github.com/xlh001/oxide-wdns/mock"
)

type panics struct{}

func (p *panics) Name() string { return "panics" }

func (p *panics) ServeDNS(context.Context, *middleware.Chain) { panic("boom") }

func Test_recoveryDNS(t *testing.T) {
	r := New()
	assert.Equal(t, "recovery", r.Name())

	ch := middleware.NewChain([]middleware.Handler{r, &panics{}})

	mw := mock.NewWriter("udp", "127.0.0.1:0")
	req := new(dns.Msg)
	req.SetQuestion("test.com.", dns.TypeA)

	ch.Reset(mw, req)

	assert.NotPanics(t, func() { ch.Next(context.Background()) })
	assert.True(t, mw.Written())
	assert.Equal(t, dns.RcodeServerFailure, mw.Msg().Rcode)

	// nil handler panics too
	ch = middleware.NewChain([]middleware.Handler{r, nil})
	mw = mock.NewWriter("udp", "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())
	assert.Equal(t, dns.RcodeServerFailure, mw.Msg().Rcode)

	ch = middleware.NewChain([]middleware.Handler{r})
	mw = mock.NewWriter("udp", "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())
	assert.False(t, mw.Written())
}
