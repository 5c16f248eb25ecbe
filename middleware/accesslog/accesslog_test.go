package accesslog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xlh001/oxide-wdns/middleware"
	"github.com/xlh001/oxide-wdns/mock"
)

type servfail struct{}

func (servfail) Name() string { return "servfail" }

func (servfail) ServeDNS(_ context.Context, ch *middleware.Chain) {
	resp := new(dns.Msg)
	resp.SetRcode(ch.Request, dns.RcodeServerFailure)
	resp.CheckingDisabled = true
	_ = ch.Writer.WriteMsg(resp)
}

func Test_accesslog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")

	a := New(path)
	assert.Equal(t, "accesslog", a.Name())
	require.NotNil(t, a.logFile)

	req := new(dns.Msg)
	req.SetQuestion("Test.com.", dns.TypeA)

	ch := middleware.NewChain([]middleware.Handler{a, servfail{}})
	ch.Reset(mock.NewWriter("udp", "192.0.2.4:0"), req)
	ch.Next(context.Background())

	require.NoError(t, a.Close())

	// closed log is a no-op
	ch.Reset(mock.NewWriter("udp", "192.0.2.4:0"), req)
	ch.Next(context.Background())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "192.0.2.4 - ["))
	assert.Contains(t, lines[0], `"test.com. IN A" udp +cd SERVFAIL`)
}

func Test_accesslogDisabled(t *testing.T) {
	a := New("")
	assert.Nil(t, a.logFile)
	assert.NoError(t, a.Close())

	a = New(filepath.Join(t.TempDir(), "missing", "access.log"))
	assert.Nil(t, a.logFile)
}
