package listsource

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	listEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dns_list_source_entries",
		Help: "Number of patterns in the current list snapshot",
	}, []string{"source"})

	listRefreshFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dns_list_source_refresh_failures_total",
		Help: "Total number of failed list refreshes",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(listEntries)
	prometheus.MustRegister(listRefreshFailures)
}
