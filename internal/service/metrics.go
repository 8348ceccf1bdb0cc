package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics
var (
	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_sends_total",
			Help: "Recipient send outcomes by account and result",
		},
		[]string{"account", "result"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broadcast_send_duration_seconds",
			Help:    "Duration of provider send calls",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"account"},
	)

	rateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broadcast_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a send token",
			Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"account"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_transitions_total",
			Help: "Broadcast lifecycle transitions by target status",
		},
		[]string{"to"},
	)

	schedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_scheduler_ticks_total",
			Help: "Scheduler ticks by outcome",
		},
		[]string{"outcome"},
	)

	staleRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_stale_recipients_recovered_total",
			Help: "In-flight recipients failed after their claim expired",
		},
	)

	workerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_worker_panics_total",
			Help: "Panics recovered inside sender workers",
		},
	)
)
