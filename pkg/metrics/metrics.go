package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openset_nodes_total",
			Help: "Total number of nodes by state",
		},
		[]string{"state"},
	)

	PartitionsOwned = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openset_partitions_owned",
			Help: "Number of partitions owned, cloned, or placeholder per node",
		},
		[]string{"node_id", "state"},
	)

	SentinelTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "openset_sentinel_ticks_total",
			Help: "Total number of sentinel state-machine ticks run by this node",
		},
	)

	SentinelIsActing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "openset_sentinel_is_acting",
			Help: "Whether this node is the acting sentinel (1) or not (0)",
		},
	)

	// Async pool / loop metrics
	AsyncLoopBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openset_async_loop_backlog",
			Help: "Number of queued cells per partition loop",
		},
		[]string{"partition"},
	)

	AsyncSliceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openset_async_slice_duration_seconds",
			Help:    "Wall time spent in a single cell run() slice",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cell_type", "priority"},
	)

	AsyncBypassActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openset_async_bypass_active",
			Help: "Whether a partition loop is currently in background-bypass mode",
		},
		[]string{"partition"},
	)

	// Bitmap index metrics
	IndexLRUHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "openset_index_lru_hits_total",
			Help: "Attribute bitmap LRU cache hits",
		},
	)

	IndexLRUMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "openset_index_lru_misses_total",
			Help: "Attribute bitmap LRU cache misses",
		},
	)

	IndexLRUEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "openset_index_lru_evictions_total",
			Help: "Attribute bitmaps evicted and recompressed from the LRU cache",
		},
	)

	// Insert / side log metrics
	SideLogBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openset_sidelog_backlog",
			Help: "Pending rows in the side log per (table, partition)",
		},
		[]string{"table", "partition"},
	)

	InsertRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openset_insert_rows_total",
			Help: "Total rows inserted, by outcome",
		},
		[]string{"table", "outcome"},
	)

	// Segment metrics
	SegmentRefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openset_segment_refresh_duration_seconds",
			Help:    "Time taken to refresh a segment bitmap",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table", "segment", "mode"},
	)

	SegmentChangeMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openset_segment_change_messages_total",
			Help: "Segment enter/exit change messages emitted",
		},
		[]string{"table", "segment", "state"},
	)

	// Query metrics
	QueryForkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openset_query_fork_duration_seconds",
			Help:    "Time from originator fork to merged result",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table", "kind"},
	)

	QueryForkRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "openset_query_fork_retries_total",
			Help: "Query forks reissued due to partition_migrated during dispatch",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		PartitionsOwned,
		SentinelTicksTotal,
		SentinelIsActing,
		AsyncLoopBacklog,
		AsyncSliceDuration,
		AsyncBypassActive,
		IndexLRUHits,
		IndexLRUMisses,
		IndexLRUEvictions,
		SideLogBacklog,
		InsertRowsTotal,
		SegmentRefreshDuration,
		SegmentChangeMessagesTotal,
		QueryForkDuration,
		QueryForkRetriesTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
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
