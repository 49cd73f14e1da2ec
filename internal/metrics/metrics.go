// Package metrics defines the prometheus instrumentation for the ingest
// pipeline and the /metrics handler served by the status API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fetch metrics
	ScanRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cantonscan_scan_requests_total",
			Help: "Scan API calls by outcome (success, throttle, error)",
		},
		[]string{"outcome"},
	)

	FetchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cantonscan_fetch_latency_seconds",
			Help:    "Scan API call latency",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	ParallelFetches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cantonscan_parallel_fetches",
			Help: "Current auto-tuned fetch concurrency",
		},
	)

	// Writer metrics
	RecordsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cantonscan_records_written_total",
			Help: "Records written to durable files by kind and backend",
		},
		[]string{"kind", "backend"},
	)

	BytesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cantonscan_bytes_written_total",
			Help: "Bytes written to durable files by backend",
		},
		[]string{"backend"},
	)

	WriterQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cantonscan_writer_queue_depth",
			Help: "Writer jobs queued or running",
		},
	)

	BufferedRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cantonscan_buffered_records",
			Help: "Records buffered in memory awaiting a write job",
		},
	)

	// Cursor metrics
	CursorLastBefore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cantonscan_cursor_last_before_seconds",
			Help: "Backfill cursor position (unix seconds) per migration/synchronizer/shard",
		},
		[]string{"migration", "synchronizer", "shard"},
	)

	CursorsComplete = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cantonscan_cursors_complete",
			Help: "Number of backfill cursors marked complete",
		},
	)

	LiveRecordTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cantonscan_live_record_time_seconds",
			Help: "Live tail cursor record_time (unix seconds)",
		},
	)
)

// NewRegistry builds a registry with every pipeline metric plus the standard
// process/go collectors registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		ScanRequestsTotal,
		FetchLatency,
		ParallelFetches,
		RecordsWrittenTotal,
		BytesWrittenTotal,
		WriterQueueDepth,
		BufferedRecords,
		CursorLastBefore,
		CursorsComplete,
		LiveRecordTime,
	)
	return reg
}

// Handler returns the /metrics HTTP handler for a registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
