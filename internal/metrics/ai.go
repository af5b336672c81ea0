package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(aiTokensTotal, aiCallsLatencyMs, analysisFallbacks)
}

var (
	aiTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_total",
			Help: "Sum of total tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	aiCallsLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_calls_latency_ms",
			Help:    "AI call latency distribution in milliseconds.",
			Buckets: []float64{50, 100, 200, 400, 800, 1600, 3000, 5000, 10000, 15000},
		},
		[]string{"provider", "model", "success"},
	)

	analysisFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_fallbacks_total",
			Help: "Analyses answered by the local fallback instead of the model, per task.",
		},
		[]string{"task"},
	)
)

func ObserveAICall(provider, model string, totalTokens int, latency time.Duration, success bool) {
	aiTokensTotal.WithLabelValues(norm(provider), norm(model)).Add(float64(totalTokens))
	aiCallsLatencyMs.WithLabelValues(norm(provider), norm(model), strconv.FormatBool(success)).
		Observe(float64(latency.Milliseconds()))
}

func IncAnalysisFallback(task string) {
	analysisFallbacks.WithLabelValues(norm(task)).Inc()
}
