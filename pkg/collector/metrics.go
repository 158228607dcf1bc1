package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flinkwatch_collection_cycle_duration_seconds",
			Help:    "Time taken to collect all active clusters",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)

	clusterResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flinkwatch_cluster_collections_total",
			Help: "Total number of per-cluster collections by outcome",
		},
		[]string{"status"}, // healthy, unhealthy, error
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flinkwatch_jobs_processed_total",
			Help: "Total number of job snapshots persisted",
		},
		[]string{"cluster"},
	)

	jobsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flinkwatch_jobs_skipped_total",
			Help: "Total number of listed jobs that could not be persisted",
		},
		[]string{"cluster"},
	)

	sanitizerWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flinkwatch_sanitizer_dropped_fields_total",
			Help: "Total number of job fields dropped by the sanitizer",
		},
		[]string{"field"},
	)
)
