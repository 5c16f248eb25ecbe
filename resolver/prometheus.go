package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
)

var queries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "dns_resolver_queries_total",
	Help: "Total number of resolved queries by group and source",
}, []string{"group", "source"})

func init() {
	prometheus.MustRegister(queries)
}
