package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(jobsEnqueued, jobsFinished, jobDurationSeconds)
}

var (
	jobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Jobs accepted by the queue per kind and priority.",
		},
		[]string{"kind", "priority"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_attempts_total",
			Help: "Handler attempts per kind and outcome (completed/retry/failed/cancelled).",
		},
		[]string{"kind", "outcome"},
	)

	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Handler execution time per kind.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func IncJobEnqueued(kind, priority string) {
	jobsEnqueued.WithLabelValues(norm(kind), priority).Inc()
}

func ObserveJobAttempt(kind, outcome string, elapsed time.Duration) {
	jobsFinished.WithLabelValues(norm(kind), norm(outcome)).Inc()
	jobDurationSeconds.WithLabelValues(norm(kind)).Observe(elapsed.Seconds())
}
