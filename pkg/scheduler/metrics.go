package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "egr_outcomes_total",
			Help: "Identifiers by terminal outcome",
		},
		[]string{"outcome"},
	)

	batchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "egr_batch_duration_seconds",
			Help:    "Time to fetch and write one batch",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	inflightLookups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "egr_inflight_lookups",
			Help: "Identifiers currently being fetched",
		},
	)

	progressIdentifiers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "egr_progress_identifiers",
			Help: "Identifiers dispatched in the current run",
		},
	)
)
