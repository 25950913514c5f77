package poll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "profile_notifier",
			Name:      "cycles_total",
			Help:      "Completed poll cycles",
		},
		[]string{"loop", "outcome"}, // outcome: "ok", "error", "skipped"
	)

	cycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "profile_notifier",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of poll cycles in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
		[]string{"loop"},
	)

	identityChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "profile_notifier",
			Name:      "identity_checks_total",
			Help:      "Per-identity checks",
		},
		[]string{"loop", "outcome"},
	)

	schedulerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "profile_notifier",
			Name:      "scheduler_state",
			Help:      "Scheduler state (0 stopped, 1 initializing, 2 running)",
		},
	)
)
