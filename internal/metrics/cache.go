package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(cacheLookups)
}

var cacheLookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "insight_cache_lookups_total",
		Help: "Insight cache lookups by result (hit/miss/error).",
	},
	[]string{"result"},
)

func IncCacheLookup(result string) {
	cacheLookups.WithLabelValues(norm(result)).Inc()
}
