// Package metrics defines the Prometheus collectors for the connection pools.
// Every collector is registered upfront and labelled by pool name.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolSize tracks the number of live physical connections per pool.
	PoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hikari_pool_size",
		Help: "Number of live physical connections per pool",
	}, []string{"pool"})

	// IdleEntries tracks the number of entries buffered in the bag.
	IdleEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hikari_pool_idle_entries",
		Help: "Number of idle entries buffered per pool",
	}, []string{"pool"})

	// MaxSize tracks the configured maximum pool size.
	MaxSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hikari_pool_max_size",
		Help: "Configured maximum pool size",
	}, []string{"pool"})

	// AcquireTotal counts acquisitions by result.
	AcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hikari_pool_acquire_total",
		Help: "Total connection acquisitions",
	}, []string{"pool", "result"})

	// AcquireWait tracks the time spent inside GetConnection.
	AcquireWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hikari_pool_acquire_wait_seconds",
		Help:    "Time spent acquiring a connection",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"pool"})

	// EntriesCreated counts physical connections opened.
	EntriesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hikari_pool_entries_created_total",
		Help: "Total physical connections opened",
	}, []string{"pool"})

	// EntriesClosed counts physical connections closed.
	EntriesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hikari_pool_entries_closed_total",
		Help: "Total physical connections closed",
	}, []string{"pool"})

	// CreationErrors counts failed physical connection attempts.
	CreationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hikari_pool_creation_errors_total",
		Help: "Total failed physical connection attempts",
	}, []string{"pool"})

	// LeakWarnings counts suspected connection leaks.
	LeakWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hikari_pool_leak_warnings_total",
		Help: "Total suspected connection leaks",
	}, []string{"pool"})

	// EntryTransitions counts entry state transitions by target state.
	EntryTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hikari_pool_entry_transitions_total",
		Help: "Total entry state transitions",
	}, []string{"pool", "state"})

	// BucketPurges counts entries invalidated by idle-bucket purges.
	BucketPurges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hikari_pool_bucket_purged_entries_total",
		Help: "Total entries invalidated by idle-bucket purges",
	}, []string{"pool"})

	// EventsDropped counts diagnostics events dropped on a full buffer.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hikari_pool_events_dropped_total",
		Help: "Total diagnostics events dropped",
	}, []string{"pool"})

	// RedisOperations counts Redis operations issued by diagnostics.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hikari_redis_operations_total",
		Help: "Total Redis operations",
	}, []string{"operation", "status"})
)
