package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Block layer metrics
	BlockReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoutfs_block_reads_total",
			Help: "Total number of block reads by outcome",
		},
		[]string{"outcome"}, // hit, miss, stale, io_error
	)

	BlockCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scoutfs_block_cache_entries",
			Help: "Number of blocks currently resident in the cache",
		},
	)

	DirtySetSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scoutfs_dirty_set_blocks",
			Help: "Number of blocks in the current transaction's dirty set",
		},
	)

	StaleRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scoutfs_stale_retries_total",
			Help: "Total number of stale-block read retries",
		},
	)

	// Allocator metrics
	AllocAvailBlocks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scoutfs_alloc_avail_blocks",
			Help: "Blocks available to allocate, by pool and owner",
		},
		[]string{"pool", "owner"}, // pool: meta|data, owner: server|total
	)

	AllocFreedBlocks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scoutfs_alloc_freed_blocks",
			Help: "Blocks freed this transaction and not yet reusable, by pool and owner",
		},
		[]string{"pool", "owner"},
	)

	// Commit coordinator metrics
	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scoutfs_commit_duration_seconds",
			Help:    "Time taken for a full commit batch (drain, write, publish)",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scoutfs_commit_batch_waiters",
			Help:    "Number of waiters folded into a single commit batch",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoutfs_commits_total",
			Help: "Total number of commit batches by result",
		},
		[]string{"result"}, // ok, error
	)

	// RPC dispatch metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoutfs_rpc_requests_total",
			Help: "Total number of RPC requests by command and error code",
		},
		[]string{"cmd", "error"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scoutfs_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds by command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cmd"},
	)

	// Client lifecycle metrics
	MountedClientsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scoutfs_mounted_clients",
			Help: "Number of clients currently registered as mounted",
		},
	)

	ClientsRecoveringTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scoutfs_clients_recovering",
			Help: "Number of clients still outstanding in the recovery window",
		},
	)

	FencesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scoutfs_fences_total",
			Help: "Total number of clients fenced due to recovery timeout",
		},
	)

	FarewellsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoutfs_farewells_total",
			Help: "Total number of farewells processed by outcome",
		},
		[]string{"outcome"}, // immediate, held, reclaimed
	)
)

func init() {
	prometheus.MustRegister(
		BlockReadsTotal,
		BlockCacheSize,
		DirtySetSize,
		StaleRetriesTotal,
		AllocAvailBlocks,
		AllocFreedBlocks,
		CommitDuration,
		CommitBatchSize,
		CommitsTotal,
		RPCRequestsTotal,
		RPCRequestDuration,
		MountedClientsTotal,
		ClientsRecoveringTotal,
		FencesTotal,
		FarewellsTotal,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
