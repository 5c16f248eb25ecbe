// Package ratelimit limits queries per client IP. UDP and TCP clients
// over the limit get no reply; DoH requests are limited by the HTTP
// handler before they reach the chain.
package ratelimit

import (
	"context"
	"net"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xlh001/oxide-wdns/config"
	"github.com/xlh001/oxide-wdns/middleware"
	"golang.org/x/time/rate"
)

var dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "dns_ratelimit_dropped_total",
	Help: "Queries rejected by the per client rate limit",
}, []string{"proto"})

func init() {
	prometheus.MustRegister(dropped)
}

// RateLimit type.
type RateLimit struct {
	clock clockwork.Clock
	store *limiterStore
}

// New returns a rate limiter. A disabled limiter allows everything.
func New(cfg config.RateLimit) *RateLimit {
	r := &RateLimit{clock: clockwork.NewRealClock()}

	if !cfg.Enabled || cfg.PerIPRate <= 0 {
		return r
	}

	burst := cfg.PerIPBurst
	if burst <= 0 {
		burst = 1
	}

	r.store = newLimiterStore(cfg.MaxClients, rate.Limit(cfg.PerIPRate), burst)

	return r
}

// Name return middleware name
func (r *RateLimit) Name() string { return name }

// Allow takes one token from the bucket of ip. Clients without an
// address are not limited.
func (r *RateLimit) Allow(ip net.IP, proto string) bool {
	if r.store == nil || ip == nil {
		return true
	}

	key := xxhash.Sum64(ip.To16())

	if r.store.get(key, r.clock.Now()).AllowN(r.clock.Now(), 1) {
		return true
	}

	dropped.WithLabelValues(proto).Inc()

	return false
}

// ServeDNS implements the Handle interface.
func (r *RateLimit) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w := ch.Writer

	if w.Proto() == "doh" {
		ch.Next(ctx)
		return
	}

	if !r.Allow(w.RemoteIP(), w.Proto()) {
		// no reply to client
		ch.Cancel()
		return
	}

	ch.Next(ctx)
}

const name = "ratelimit"
