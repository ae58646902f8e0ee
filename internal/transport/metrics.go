package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_messages_total",
			Help: "Total number of messages by outcome",
		},
		[]string{"backend", "status"}, // sent, failed
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transport_delivery_duration_seconds",
			Help:    "Time from admission to SES ack",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	verifyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_verify_total",
			Help: "Total number of backend probes by result",
		},
		[]string{"result"},
	)
)
