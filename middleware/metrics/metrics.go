// Package metrics counts answered queries by type, rcode and transport.
package metrics

import (
	"context"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xlh001/oxide-wdns/middleware"
)

var (
	queries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dns_queries_total",
			Help: "How many DNS queries processed",
		},
		[]string{"qtype", "rcode", "proto"},
	)

	duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dns_query_duration_seconds",
			Help:    "Time to answer a query",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"proto"},
	)
)

func init() {
	prometheus.MustRegister(queries, duration)
}

// Metrics type.
type Metrics struct{}

// New returns metrics.
func New() *Metrics {
	return &Metrics{}
}

// Name returns the middleware name.
func (m *Metrics) Name() string { return name }

// ServeDNS implements the Handler interface.
func (m *Metrics) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	start := time.Now()

	ch.Next(ctx)

	w := ch.Writer
	if !w.Written() || len(ch.Request.Question) == 0 {
		return
	}

	qtype := dns.TypeToString[ch.Request.Question[0].Qtype]
	if qtype == "" {
		qtype = "OTHER"
	}

	queries.WithLabelValues(qtype, dns.RcodeToString[w.Rcode()], w.Proto()).Inc()
	duration.WithLabelValues(w.Proto()).Observe(time.Since(start).Seconds())
}

const name = "metrics"
