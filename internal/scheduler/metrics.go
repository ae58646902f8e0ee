package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler metrics, labelled by scheduler name.
var (
	inFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_tasks_in_flight",
			Help: "Number of admitted tasks currently running",
		},
		[]string{"scheduler"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_queue_depth",
			Help: "Number of submitted tasks waiting for admission",
		},
		[]string{"scheduler"},
	)

	submittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
		[]string{"scheduler"},
	)

	admittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_tasks_admitted_total",
			Help: "Total number of tasks admitted into execution",
		},
		[]string{"scheduler"},
	)

	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_rate_limited_total",
			Help: "Number of admission passes stopped by the rate limit",
		},
		[]string{"scheduler"},
	)

	idleSignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_idle_signals_total",
			Help: "Number of idle notifications broadcast",
		},
		[]string{"scheduler"},
	)

	panicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_task_panics_total",
			Help: "Number of tasks that panicked",
		},
		[]string{"scheduler"},
	)

	queueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_queue_wait_seconds",
			Help:    "Time a task spent queued before admission",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheduler"},
	)
)
