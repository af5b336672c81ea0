package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(webhookDispatches)
}

var webhookDispatches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_dispatches_total",
		Help: "Negative-feedback webhook dispatches by outcome (sent/failed/throttled).",
	},
	[]string{"outcome"},
)

func IncWebhookDispatch(outcome string) {
	webhookDispatches.WithLabelValues(norm(outcome)).Inc()
}
