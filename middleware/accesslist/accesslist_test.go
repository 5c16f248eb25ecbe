package accesslist

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/xlh001/oxide-wdns/middleware"
	"github.com/xlh001/oxide-wdns/mock"
)

type answer struct{}

func (answer) Name() string { return "answer" }

func (answer) ServeDNS(_ context.Context, ch *middleware.Chain) {
	m := new(dns.Msg)
	m.SetReply(ch.Request)
	_ = ch.Writer.WriteMsg(m)
}

func serve(a *AccessList, addr string) *mock.Writer {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	mw := mock.NewWriter("udp", addr)
	ch := middleware.NewChain([]middleware.Handler{a, answer{}})
	ch.Reset(mw, req)
	ch.Next(context.Background())

	return mw
}

func Test_AccesslistDefaults(t *testing.T) {
	a := New(nil)
	assert.Equal(t, "accesslist", a.Name())

	assert.True(t, serve(a, "8.8.8.8:0").Written())

	// invalid entries only, still open
	a = New([]string{"garbage"})
	assert.True(t, serve(a, "8.8.8.8:0").Written())
}

func Test_Accesslist(t *testing.T) {
	a := New([]string{"127.0.0.1/32", "10.0.0.0/8", "2001:db8::/32", "192.0.2.7", "1"})

	assert.True(t, serve(a, "127.0.0.1:5353").Written())
	assert.True(t, serve(a, "10.20.30.40:0").Written())
	assert.True(t, serve(a, "[2001:db8::53]:0").Written())
	assert.True(t, serve(a, "192.0.2.7:0").Written())

	assert.False(t, serve(a, "192.0.2.8:0").Written())
	assert.False(t, serve(a, "8.8.8.8:0").Written())
	assert.False(t, serve(a, "[2001:4860::1]:0").Written())

	assert.True(t, a.Allowed(net.ParseIP("::ffff:10.1.1.1")))
	assert.False(t, a.Allowed(nil))
}
