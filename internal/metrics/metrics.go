// Package metrics declares the process's Prometheus collectors and a
// small Timer helper for histogram observations. Grounded on the
// teacher's pkg/metrics/metrics.go: package-level collectors registered
// once in init, renamed from the teacher's cluster/raft/scheduler
// domain to this module's workspace/media/access/notify domain.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Orchestrator-level request counters and latencies, one pair per
	// facade method family.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstore_operations_total",
			Help: "Total number of orchestrator operations by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netstore_operation_duration_seconds",
			Help:    "Orchestrator operation duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Storage shape gauges.
	FilesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netstore_files_total",
			Help: "Total number of live file/space records by kind",
		},
		[]string{"kind"},
	)

	MediaBytesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netstore_media_bytes_total",
			Help: "Total bytes currently stored across all media records",
		},
	)

	BinItemsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netstore_bin_items_total",
			Help: "Total number of soft-deleted items awaiting purge",
		},
	)

	// Access resolution.
	AccessCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netstore_access_cache_hits_total",
			Help: "Total number of AccessResolver role cache hits",
		},
	)

	AccessCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netstore_access_cache_misses_total",
			Help: "Total number of AccessResolver role cache misses",
		},
	)

	AccessChecksDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstore_access_checks_denied_total",
			Help: "Total number of CheckAccess calls that were denied",
		},
		[]string{"reason"},
	)

	// NotificationBus.
	NotifyChannelsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netstore_notify_channels_open",
			Help: "Current number of registered WebSocket channels",
		},
	)

	NotifyEventsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstore_notify_events_sent_total",
			Help: "Total number of events delivered to WebSocket channels by operation",
		},
		[]string{"operation"},
	)

	NotifyWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netstore_notify_write_failures_total",
			Help: "Total number of channel writes that failed and were closed",
		},
	)

	// Full-text search (appstore + history).
	SearchQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstore_search_queries_total",
			Help: "Total number of full-text search queries by store",
		},
		[]string{"store"},
	)

	SearchQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netstore_search_query_duration_seconds",
			Help:    "Full-text search query duration in seconds by store",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store"},
	)
)

func init() {
	prometheus.MustRegister(
		OperationsTotal,
		OperationDuration,
		FilesTotal,
		MediaBytesTotal,
		BinItemsTotal,
		AccessCacheHits,
		AccessCacheMisses,
		AccessChecksDenied,
		NotifyChannelsOpen,
		NotifyEventsSent,
		NotifyWriteFailures,
		SearchQueriesTotal,
		SearchQueryDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation and records it against a histogram (or
// histogram vec) on ObserveDuration/ObserveDurationVec.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time against histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time against histogram with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the Timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
