package ociauth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatch metrics
	dispatchCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ociauth_dispatch_calls_total",
			Help: "Total dispatched calls by terminal path and status",
		},
		[]string{"path", "status"}, // path: rest or cli; status: success or failure
	)

	restFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ociauth_rest_fallbacks_total",
			Help: "Total REST attempts abandoned in favor of the CLI path",
		},
	)

	// Validity probe metrics
	probeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ociauth_probe_duration_seconds",
			Help:    "Duration of context validity probes in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	probeResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ociauth_probe_results_total",
			Help: "Total validity probe results",
		},
		[]string{"result"}, // valid or invalid
	)
)
