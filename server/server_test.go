package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xlh001/oxide-wdns/config"
	"github.com/xlh001/oxide-wdns/middleware"
	"github.com/xlh001/oxide-wdns/server/doh"
)

type answer struct{}

func (answer) Name() string { return "answer" }

func (answer) ServeDNS(_ context.Context, ch *middleware.Chain) {
	req := ch.Request
	if req.Question[0].Name == "drop.example." {
		ch.Cancel()
		return
	}

	m := new(dns.Msg)
	m.SetReply(req)
	m.Answer = append(m.Answer, &dns.TXT{
		Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
		Txt: []string{ch.Writer.Proto()},
	})
	_ = ch.Writer.WriteMsg(m)
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()

	s := New(cfg, []middleware.Handler{answer{}})
	require.NoError(t, s.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	return s
}

func txt(t *testing.T, m *dns.Msg) string {
	t.Helper()
	require.Len(t, m.Answer, 1)
	return m.Answer[0].(*dns.TXT).Txt[0]
}

func Test_ServerDNS(t *testing.T) {
	s := startServer(t, &config.Config{Bind: "127.0.0.1:0"})

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeTXT)

	for _, network := range []string{"udp", "tcp"} {
		addr := s.Addr(network)
		require.NotNil(t, addr)

		c := &dns.Client{Net: network, Timeout: 2 * time.Second}
		resp, _, err := c.Exchange(req, addr.String())
		require.NoError(t, err, network)
		assert.Equal(t, network, txt(t, resp))
	}
}

func Test_ServerDoH(t *testing.T) {
	s := startServer(t, &config.Config{BindDOH: "127.0.0.1:0", DOHPath: "/q"})

	base := "http://" + s.Addr("http").String()

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeTXT)
	data, err := req.Pack()
	require.NoError(t, err)

	resp, err := http.Post(base+"/q", doh.MediaType, bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(body))
	assert.Equal(t, "doh", txt(t, msg))

	// dropped query
	req.SetQuestion("drop.example.", dns.TypeTXT)
	data, err = req.Pack()
	require.NoError(t, err)
	resp2, err := http.Post(base+"/q", doh.MediaType, bytes.NewReader(data))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)

	metrics, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)

	notFound, err := http.Get(base + "/other")
	require.NoError(t, err)
	notFound.Body.Close()
	assert.Equal(t, http.StatusNotFound, notFound.StatusCode)
}

func Test_ServerHealth(t *testing.T) {
	s := startServer(t, &config.Config{BindDOH: "127.0.0.1:0"})

	base := "http://" + s.Addr("http").String()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))

	post, err := http.Post(base+"/health", "text/plain", strings.NewReader(""))
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func Test_ServerHealthNotLimited(t *testing.T) {
	s := New(&config.Config{}, []middleware.Handler{&limited{}})

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.RemoteAddr = "192.0.2.7:5000"

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func Test_ServerHTTPTimeout(t *testing.T) {
	s := New(&config.Config{}, nil)
	assert.Equal(t, 30*time.Second, s.timeout)

	cfg := &config.Config{}
	cfg.HTTPTimeout.Duration = 10 * time.Second
	s = New(cfg, nil)
	assert.Equal(t, 10*time.Second, s.timeout)
}

type limited struct {
	answer
	allow bool
	seen  []string
}

func (l *limited) Allow(ip net.IP, proto string) bool {
	l.seen = append(l.seen, ip.String()+"/"+proto)
	return l.allow
}

func Test_ServerDoHRateLimit(t *testing.T) {
	l := &limited{}
	s := New(&config.Config{}, []middleware.Handler{l})

	r := httptest.NewRequest(http.MethodGet, "/dns-query?name=example.com&type=TXT", nil)
	r.RemoteAddr = "192.0.2.7:5000"

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, []string{"192.0.2.7/doh"}, l.seen)

	l.allow = true
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func Test_ServerDoHTLS(t *testing.T) {
	certPath, keyPath := writeTestCert(t, "doh.example")

	s := startServer(t, &config.Config{BindDOH: "127.0.0.1:0", TLSCertificate: certPath, TLSPrivateKey: keyPath})

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
		ForceAttemptHTTP2: true,
	}}

	resp, err := client.Get("https://" + s.Addr("https").String() + "/dns-query?name=example.com&type=TXT")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, resp.ProtoMajor)
	assert.Equal(t, "doh.example", resp.TLS.PeerCertificates[0].Subject.CommonName)
}

func Test_ServerNoBind(t *testing.T) {
	s := New(&config.Config{}, nil)
	assert.Error(t, s.Start())
}

func Test_ServerBindFail(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	s := New(&config.Config{BindDOH: l.Addr().String()}, nil)
	err = s.Start()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "listen"))

	s = New(&config.Config{BindDOH: "127.0.0.1:0", TLSCertificate: "/nonexistent/cert.pem", TLSPrivateKey: "/nonexistent/key.pem"}, nil)
	assert.Error(t, s.Start())
}

func Test_ServerShutdown(t *testing.T) {
	s := New(&config.Config{Bind: "127.0.0.1:0", BindDOH: "127.0.0.1:0"}, []middleware.Handler{answer{}})
	require.NoError(t, s.Start())

	addr := s.Addr("tcp").String()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.Nil(t, s.Addr("tcp"))

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func Test_errorLog(t *testing.T) {
	line := []byte("http: TLS handshake error from 127.0.0.1:1: EOF\n")
	n, err := errorLog{}.Write(line)
	assert.NoError(t, err)
	assert.Equal(t, len(line), n)
}
