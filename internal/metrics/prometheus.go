package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksFinishedTotal counts tasks that reached a terminal status.
	TasksFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrelay_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal status.",
		},
		[]string{"status"},
	)

	// TasksClaimedTotal counts successful claims.
	TasksClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrelay_tasks_claimed_total",
			Help: "Total number of tasks claimed by workers.",
		},
	)

	// DeliveryAttemptsTotal counts delivery attempts by outcome.
	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrelay_delivery_attempts_total",
			Help: "Total number of delivery attempts.",
		},
		[]string{"outcome"},
	)

	// ProcessDurationSeconds is a histogram for one Process call end to end.
	ProcessDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskrelay_process_duration_seconds",
			Help:    "Duration of task processing in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)
