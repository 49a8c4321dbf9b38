// Package metrics exposes the Prometheus collectors used throughout the
// core: shard-level gauges, query latency histograms, cache hit/miss
// counters, and sync engine/coordinator statistics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Shard metrics
	ShardVectorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmem_shard_vectors_total",
			Help: "Number of vector records currently stored per shard",
		},
		[]string{"shard"},
	)

	ShardBytesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmem_shard_bytes_total",
			Help: "Approximate bytes stored per shard",
		},
		[]string{"shard"},
	)

	// Query engine metrics
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmem_query_duration_seconds",
			Help:    "Time taken to evaluate a k-NN search, by candidate path",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"}, // "hnsw" or "scan"
	)

	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmem_queries_total",
			Help: "Total number of k-NN queries evaluated, by result",
		},
		[]string{"result"}, // "ok" or "error"
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmem_cache_hits_total",
			Help: "Total number of query-result cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmem_cache_misses_total",
			Help: "Total number of query-result cache misses",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmem_cache_evictions_total",
			Help: "Total number of LRU evictions from the query-result cache",
		},
	)

	// HNSW metrics
	HNSWBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentmem_hnsw_build_duration_seconds",
			Help:    "Time taken to build and flush an HNSW index",
			Buckets: prometheus.DefBuckets,
		},
	)

	HNSWNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmem_hnsw_nodes_total",
			Help: "Number of nodes in the HNSW graph per shard",
		},
		[]string{"shard"},
	)

	// Sync engine metrics
	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmem_sync_duration_seconds",
			Help:    "Time taken for one sync() call, by shard",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shard"},
	)

	SyncChangesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmem_sync_changes_applied_total",
			Help: "Total number of remote changes applied locally, by shard",
		},
		[]string{"shard"},
	)

	SyncConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmem_sync_conflicts_total",
			Help: "Total number of conflicts detected during sync, by resolution",
		},
		[]string{"resolution"}, // "resolved" or "unresolved"
	)

	SyncBytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmem_sync_bytes_sent_total",
			Help: "Total bytes sent by the sync transport",
		},
	)

	SyncBytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmem_sync_bytes_received_total",
			Help: "Total bytes received by the sync transport",
		},
	)

	// Coordinator metrics
	CoordinatorActiveSyncs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmem_coordinator_active_syncs",
			Help: "Number of sync tasks currently in flight",
		},
	)

	CoordinatorQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmem_coordinator_queue_depth",
			Help: "Number of sync tasks waiting to be scheduled",
		},
	)
)

func init() {
	prometheus.MustRegister(ShardVectorsTotal)
	prometheus.MustRegister(ShardBytesTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheEvictionsTotal)
	prometheus.MustRegister(HNSWBuildDuration)
	prometheus.MustRegister(HNSWNodesTotal)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(SyncChangesApplied)
	prometheus.MustRegister(SyncConflictsTotal)
	prometheus.MustRegister(SyncBytesSent)
	prometheus.MustRegister(SyncBytesReceived)
	prometheus.MustRegister(CoordinatorActiveSyncs)
	prometheus.MustRegister(CoordinatorQueueDepth)
}

// Handler returns the Prometheus HTTP handler for a host process to mount.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
