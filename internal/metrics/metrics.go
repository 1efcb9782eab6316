// Package metrics exposes Prometheus instrumentation for all quiver
// components. Every metric is registered at init via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NormalizeOperationsTotal counts vector normalizations by input variant
	NormalizeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_normalize_operations_total",
			Help: "Total vector column normalizations by input variant and status",
		},
		[]string{"variant", "status"},
	)

	// SanityChecksTotal counts index sanity checks by outcome
	SanityChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_index_sanity_checks_total",
			Help: "Total vector index sanity checks by outcome",
		},
		[]string{"dataset", "outcome"},
	)

	// SanityCheckQueriesTotal counts self-queries issued during sanity checks
	SanityCheckQueriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_sanity_check_queries_total",
			Help: "Total self-queries issued while sanity checking indexes",
		},
	)

	// SanityCheckSkippedRowsTotal counts sampled rows dropped for NaN values
	SanityCheckSkippedRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_sanity_check_skipped_rows_total",
			Help: "Total sampled rows skipped during sanity checks due to NaN values",
		},
	)

	// SanityCheckDurationSeconds measures full sanity check latency
	SanityCheckDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quiver_sanity_check_duration_seconds",
			Help:    "Duration of vector index sanity checks",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// IndexBuildLatency measures the time taken to build or rebuild a vector index
var IndexBuildLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "quiver_index_build_latency_seconds",
		Help:    "Latency of vector index build operations",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
	},
)

// IndexSearchDurationSeconds measures nearest neighbour query latency
var IndexSearchDurationSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "quiver_index_search_duration_seconds",
		Help:    "Duration of nearest neighbour queries by dataset",
		Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
	},
	[]string{"dataset"},
)

// VectorIndexSize tracks the number of vectors in each index
var VectorIndexSize = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "quiver_vector_index_size",
		Help: "Current number of vectors per index",
	},
	[]string{"dataset"},
)

// DatasetRows tracks the number of materialized rows per dataset
var DatasetRows = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "quiver_dataset_rows",
		Help: "Number of rows held per dataset",
	},
	[]string{"dataset"},
)

// KMeansTrainDurationSeconds measures clustering fit latency
var KMeansTrainDurationSeconds = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "quiver_kmeans_train_duration_seconds",
		Help:    "Duration of k-means training runs",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
	},
)

// SnapshotTotal counts snapshot operations
var SnapshotTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quiver_snapshot_operations_total",
		Help: "Total number of snapshot operations",
	},
	[]string{"status"},
)

// SnapshotWriteDurationSeconds measures time to write a Parquet snapshot
var SnapshotWriteDurationSeconds = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "quiver_snapshot_write_duration_seconds",
		Help:    "Duration of Parquet snapshot write operations",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	},
)

// SnapshotSizeBytes tracks the size of generated snapshots
var SnapshotSizeBytes = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "quiver_snapshot_size_bytes",
		Help:    "Size of generated Parquet snapshots in bytes",
		Buckets: []float64{1e4, 1e5, 1e6, 1e7, 1e8, 1e9}, // 10KB to 1GB
	},
)

// ScanDurationSeconds measures DuckDB scan latency when loading snapshots
var ScanDurationSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "quiver_scan_duration_seconds",
		Help:    "Duration of DuckDB scans over snapshot files",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	},
	[]string{"source"},
)

// TagOperationsTotal counts tag mutations and listings
var TagOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quiver_tag_operations_total",
		Help: "Total tag operations by kind and status",
	},
	[]string{"operation", "status"},
)
