package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	upstreamAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dns_upstream_attempts_total",
		Help: "Total number of upstream attempts by group, resolver and outcome",
	}, []string{"group", "resolver", "outcome"})

	upstreamDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dns_upstream_duration_seconds",
		Help:    "Upstream exchange latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"protocol"})

	dnssecResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dns_dnssec_validation_total",
		Help: "Total number of DNSSEC validations by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(upstreamAttempts)
	prometheus.MustRegister(upstreamDuration)
	prometheus.MustRegister(dnssecResults)
}
