package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReductionRunsTotal counts reduction runs by algorithm and outcome
	ReductionRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morpho_reduction_runs_total",
			Help: "The total number of dimensionality reduction runs",
		},
		[]string{"algorithm", "status"},
	)

	// ReductionDurationSeconds measures end-to-end run latency per algorithm
	ReductionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "morpho_reduction_duration_seconds",
			Help:    "Duration of dimensionality reduction runs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"algorithm"},
	)

	// EmbeddingColumnsWritten counts output columns merged back into tables
	EmbeddingColumnsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morpho_embedding_columns_written_total",
			Help: "Total number of embedding columns merged into measurement tables",
		},
		[]string{"algorithm"},
	)

	// TableMergesTotal counts merge transactions against measurement tables
	TableMergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morpho_table_merges_total",
			Help: "Total number of atomic merge operations on measurement tables",
		},
		[]string{"status"},
	)

	// ActiveTables tracks the number of measurement tables held in memory
	ActiveTables = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "morpho_active_tables",
			Help: "Current number of measurement tables in memory",
		},
	)

	// FlightOperationsTotal counts the number of Flight operations (DoGet, DoPut, DoAction)
	FlightOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morpho_flight_operations_total",
			Help: "The total number of processed Arrow Flight operations",
		},
		[]string{"method", "status"},
	)

	// FlightDurationSeconds measures the latency of Flight operations
	FlightDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "morpho_flight_duration_seconds",
			Help:    "Duration of Arrow Flight operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// SnapshotTotal counts Parquet snapshot operations by outcome
	SnapshotTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morpho_snapshot_operations_total",
			Help: "Total number of table snapshot operations",
		},
		[]string{"status"},
	)

	// SnapshotBytesWritten tracks bytes written to Parquet snapshots
	SnapshotBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "morpho_snapshot_bytes_written_total",
			Help: "Total bytes written to Parquet table snapshots",
		},
	)

	// RateLimitRequestsTotal counts requests through the rate limiter
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "morpho_rate_limit_requests_total",
			Help: "Total requests seen by the rate limiter, by outcome",
		},
		[]string{"outcome"},
	)
)
