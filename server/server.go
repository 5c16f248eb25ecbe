// Package server runs the inbound listeners: plain DNS over UDP and TCP
// and DNS over HTTPS. Every query is walked through the middleware chain.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/zlog/v2"
	"github.com/xlh001/oxide-wdns/config"
	"github.com/xlh001/oxide-wdns/middleware"
	"github.com/xlh001/oxide-wdns/mock"
	"github.com/xlh001/oxide-wdns/server/doh"
	"golang.org/x/sync/errgroup"
)

// Server type.
type Server struct {
	addr     string
	dohAddr  string
	dohPath  string
	certFile string
	keyFile  string
	timeout  time.Duration

	chainPool sync.Pool
	limiter   limiter

	mu         sync.Mutex
	dnsServers []*dns.Server
	httpServer *http.Server
	certs      *CertManager
	bound      map[string]net.Addr
}

// limiter is implemented by a handler that also limits DoH clients.
type limiter interface {
	Allow(ip net.IP, proto string) bool
}

// New returns a server running handlers for every query.
func New(cfg *config.Config, handlers []middleware.Handler) *Server {
	s := &Server{
		addr:     cfg.Bind,
		dohAddr:  cfg.BindDOH,
		dohPath:  cfg.DOHPath,
		certFile: cfg.TLSCertificate,
		keyFile:  cfg.TLSPrivateKey,
		timeout:  cfg.HTTPTimeout.Duration,
		bound:    make(map[string]net.Addr),
	}

	if s.dohPath == "" {
		s.dohPath = "/dns-query"
	}

	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}

	for _, h := range handlers {
		if l, ok := h.(limiter); ok {
			s.limiter = l
		}
	}

	s.chainPool.New = func() any {
		return middleware.NewChain(handlers)
	}

	return s
}

// ServeDNS implements the dns.Handler interface.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	s.serve(context.Background(), w, r)
}

func (s *Server) serve(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) {
	ch := s.chainPool.Get().(*middleware.Chain)

	ch.Reset(w, r)
	ch.Next(ctx)

	s.chainPool.Put(ch)
}

// ServeHTTP implements the http.Handler interface for the DoH endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(remoteIP(r.RemoteAddr), "doh") {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Rate limit exceeded, please slow down and retry later.", http.StatusTooManyRequests)
		return
	}

	handle := func(req *dns.Msg) *dns.Msg {
		mw := mock.NewWriter("doh", r.RemoteAddr)
		s.serve(r.Context(), mw, req)

		if !mw.Written() {
			return nil
		}

		return mw.Msg()
	}

	doh.Handler(handle)(w, r)
}

func remoteIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.ParseIP(host)
}

// Handler returns the HTTP mux: the DoH endpoint and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.dohPath, s)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", health)
	return mux
}

// health reports liveness once the DoH listener is serving.
func health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

// Start binds every configured listener and serves in the background.
// A bind failure closes what was already opened.
func (s *Server) Start() error {
	if s.addr == "" && s.dohAddr == "" {
		return errors.New("server: no listen address configured")
	}

	if s.addr != "" {
		for _, network := range []string{"udp", "tcp"} {
			if err := s.startDNS(network); err != nil {
				_ = s.Shutdown(context.Background())
				return err
			}
		}
	}

	if s.dohAddr != "" {
		if err := s.startHTTP(); err != nil {
			_ = s.Shutdown(context.Background())
			return err
		}
	}

	return nil
}

func (s *Server) startDNS(network string) error {
	srv := &dns.Server{
		Net:           network,
		Handler:       s,
		MaxTCPQueries: 2048,
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  5 * time.Second,
	}

	var local net.Addr
	switch network {
	case "udp":
		pc, err := net.ListenPacket("udp", s.addr)
		if err != nil {
			return fmt.Errorf("listen %s %s: %w", network, s.addr, err)
		}
		srv.PacketConn, local = pc, pc.LocalAddr()
	default:
		l, err := net.Listen("tcp", s.addr)
		if err != nil {
			return fmt.Errorf("listen %s %s: %w", network, s.addr, err)
		}
		srv.Listener, local = l, l.Addr()
	}

	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }

	errc := make(chan error, 1)
	go func() { errc <- srv.ActivateAndServe() }()

	select {
	case <-started:
	case err := <-errc:
		return fmt.Errorf("serve %s %s: %w", network, local, err)
	}

	go func() {
		if err := <-errc; err != nil {
			zlog.Error("DNS listener failed", "net", network, "addr", local.String(), "error", err.Error())
		}
	}()

	zlog.Info("DNS server listening...", "net", network, "addr", local.String())

	s.mu.Lock()
	s.dnsServers = append(s.dnsServers, srv)
	s.bound[network] = local
	s.mu.Unlock()

	return nil
}

func (s *Server) startHTTP() error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.timeout,
		WriteTimeout:      s.timeout,
		ErrorLog:          log.New(errorLog{}, "", 0),
	}

	tlsEnabled := s.certFile != "" && s.keyFile != ""
	if tlsEnabled {
		certs, err := NewCertManager(s.certFile, s.keyFile)
		if err != nil {
			return err
		}
		srv.TLSConfig = certs.TLSConfig()

		s.mu.Lock()
		s.certs = certs
		s.mu.Unlock()
	}

	l, err := net.Listen("tcp", s.dohAddr)
	if err != nil {
		return fmt.Errorf("listen https %s: %w", s.dohAddr, err)
	}

	network := "http"
	if tlsEnabled {
		network = "https"
	}

	go func() {
		var err error
		if tlsEnabled {
			err = srv.ServeTLS(l, "", "")
		} else {
			err = srv.Serve(l)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("DoH listener failed", "net", network, "addr", l.Addr().String(), "error", err.Error())
		}
	}()

	zlog.Info("DNS server listening...", "net", network, "addr", l.Addr().String(), "path", s.dohPath)

	s.mu.Lock()
	s.httpServer = srv
	s.bound[network] = l.Addr()
	s.mu.Unlock()

	return nil
}

// Addr returns the bound address of a listener: udp, tcp, http or https.
func (s *Server) Addr(network string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound[network]
}

// Shutdown stops every listener and waits for in-flight queries until
// ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers, httpServer, certs := s.dnsServers, s.httpServer, s.certs
	s.dnsServers, s.httpServer, s.certs = nil, nil, nil
	s.bound = make(map[string]net.Addr)
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range servers {
		g.Go(func() error { return srv.ShutdownContext(ctx) })
	}

	if httpServer != nil {
		g.Go(func() error { return httpServer.Shutdown(ctx) })
	}

	err := g.Wait()

	if certs != nil {
		certs.Stop()
	}

	return err
}

// errorLog forwards net/http server errors to the logger.
type errorLog struct{}

func (errorLog) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		zlog.Warn("Client http socket failed", "net", "https", "error", msg)
	}
	return len(p), nil
}
