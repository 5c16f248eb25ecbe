package upstream

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xlh001/oxide-wdns/view"
)

const testServerName = "dns.test"

// testCertificate returns a self-signed certificate for testServerName
// and a pool trusting it.
func testCertificate(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: testServerName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{testServerName},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}, pool
}

func startDoT(t *testing.T, cert tls.Certificate, h dns.HandlerFunc) string {
	t.Helper()

	l, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{Listener: l, Net: "tcp-tls", Handler: h, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started

	t.Cleanup(func() { _ = srv.Shutdown() })

	return l.Addr().String()
}

// startDoQ answers every stream with reply, framed with the two byte
// length prefix.
func startDoQ(t *testing.T, cert tls.Certificate, reply func(*dns.Msg) *dns.Msg) string {
	t.Helper()

	ln, err := quic.ListenAddr("127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{doqALPN},
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				return
			}

			go func() {
				for {
					stream, err := conn.AcceptStream(ctx)
					if err != nil {
						return
					}
					go serveDoQStream(stream, reply)
				}
			}()
		}
	}()

	return ln.Addr().String()
}

func serveDoQStream(stream *quic.Stream, reply func(*dns.Msg) *dns.Msg) {
	defer stream.Close()

	var length uint16
	if err := binary.Read(stream, binary.BigEndian, &length); err != nil {
		return
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return
	}

	req := new(dns.Msg)
	if err := req.Unpack(buf); err != nil {
		return
	}

	out, err := reply(req).Pack()
	if err != nil {
		return
	}

	frame := make([]byte, 2+len(out))
	binary.BigEndian.PutUint16(frame, uint16(len(out)))
	copy(frame[2:], out)
	_, _ = stream.Write(frame)
}

func Test_ResolveDoT(t *testing.T) {
	cert, pool := testCertificate(t)
	addr := startDoT(t, cert, answerA("192.0.2.10"))

	d := New(Options{TLSConfig: &tls.Config{RootCAs: pool}})
	defer d.Close()

	g := &view.Group{Name: "dot", Timeout: 2 * time.Second, Resolvers: []view.Endpoint{
		{Address: addr, Protocol: view.DoT, ServerName: testServerName},
	}}

	resp, err := d.Resolve(context.Background(), query("example.com"), g)
	require.NoError(t, err)
	assert.Equal(t, uint16(4242), resp.Id)
	assert.Equal(t, "192.0.2.10", firstA(t, resp))
}

func Test_ResolveDoTUntrustedCertificate(t *testing.T) {
	cert, _ := testCertificate(t)
	addr := startDoT(t, cert, answerA("192.0.2.10"))

	d := New(Options{})
	defer d.Close()

	g := &view.Group{Name: "dot", Timeout: time.Second, Resolvers: []view.Endpoint{
		{Address: addr, Protocol: view.DoT, ServerName: testServerName},
	}}

	_, err := d.Resolve(context.Background(), query("example.com"), g)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExhausted))

	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	require.Len(t, ex.Attempts, 1)
	assert.Equal(t, KindTransport, ex.Attempts[0].Kind)
}

func Test_ResolveDoTFailoverToUDP(t *testing.T) {
	cert, pool := testCertificate(t)

	var dotHits atomic.Int32
	dot := startDoT(t, cert, func(w dns.ResponseWriter, r *dns.Msg) {
		dotHits.Add(1)
		answerRcode(dns.RcodeServerFailure)(w, r)
	})

	// nothing listens here once the listener is closed
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	refused := l.Addr().String()
	require.NoError(t, l.Close())

	good := startUDP(t, answerA("192.0.2.11"))

	d := New(Options{TLSConfig: &tls.Config{RootCAs: pool}})
	defer d.Close()

	g := &view.Group{Name: "mixed", Timeout: time.Second, Resolvers: []view.Endpoint{
		{Address: refused, Protocol: view.DoT, ServerName: testServerName},
		{Address: dot, Protocol: view.DoT, ServerName: testServerName},
		{Address: good, Protocol: view.UDP},
	}}

	resp, err := d.Resolve(context.Background(), query("example.com"), g)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.11", firstA(t, resp))
	assert.Equal(t, int32(1), dotHits.Load())
}

func Test_ResolveDoQ(t *testing.T) {
	cert, pool := testCertificate(t)

	var wireID atomic.Int32
	wireID.Store(-1)
	addr := startDoQ(t, cert, func(req *dns.Msg) *dns.Msg {
		wireID.Store(int32(req.Id))

		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.ParseIP("192.0.2.12").To4(),
		})
		return m
	})

	d := New(Options{TLSConfig: &tls.Config{RootCAs: pool}})
	defer d.Close()

	g := &view.Group{Name: "doq", Timeout: 2 * time.Second, Resolvers: []view.Endpoint{
		{Address: addr, Protocol: view.DoQ, ServerName: testServerName},
	}}

	resp, err := d.Resolve(context.Background(), query("example.com"), g)
	require.NoError(t, err)
	assert.Equal(t, uint16(4242), resp.Id)
	assert.Equal(t, "192.0.2.12", firstA(t, resp))
	// the message id is zero on the wire
	assert.Equal(t, int32(0), wireID.Load())

	// a second query reuses the connection on a new stream
	resp, err = d.Resolve(context.Background(), query("example.org"), g)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.12", firstA(t, resp))
}

func Test_ResolveDoQFailoverToUDP(t *testing.T) {
	cert, pool := testCertificate(t)
	doq := startDoQ(t, cert, func(req *dns.Msg) *dns.Msg {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeServerFailure)
		return m
	})
	good := startUDP(t, answerA("192.0.2.13"))

	d := New(Options{TLSConfig: &tls.Config{RootCAs: pool}})
	defer d.Close()

	g := &view.Group{Name: "mixed", Timeout: 2 * time.Second, Resolvers: []view.Endpoint{
		{Address: doq, Protocol: view.DoQ, ServerName: testServerName},
		{Address: good, Protocol: view.UDP},
	}}

	resp, err := d.Resolve(context.Background(), query("example.com"), g)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.13", firstA(t, resp))
}
