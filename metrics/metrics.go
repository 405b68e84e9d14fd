package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var IndexUpdates = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "index_updates",
		Help: "Per-input index updates, by whether the input data changed",
	},
	[]string{"index", "changed"},
)

var IndexUpdateLatencyHistogram = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "index_update_latency_histogram",
		Help:    "Latency of applying one input update to the inverted and forward index",
		Buckets: prometheus.ExponentialBuckets(0.000001, 10, 10),
	},
	[]string{"index"},
)

var IndexMappingFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "index_mapping_failures",
		Help: "Failures of the data indexer while mapping an input",
	},
	[]string{"index"},
)

var IndexRebuildRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "index_rebuild_requests",
		Help: "Full index rebuilds requested after a storage failure",
	},
	[]string{"index"},
)

var StorageCacheLookups = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "storage_cache_lookups",
		Help: "Value container cache lookups, by result (hit/miss)",
	},
	[]string{"storage", "result"},
)

// StorageWrites counts how evicted or flushed containers reached the backing
// map: append (diff), put (full rewrite), remove, or skip (clean).
var StorageWrites = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "storage_writes",
		Help: "Value containers written to the backing map, by write mode",
	},
	[]string{"storage", "mode"},
)

var StorageFlushLatencyHistogram = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "storage_flush_latency_histogram",
		Help:    "Latency of flushing dirty value containers",
		Buckets: prometheus.ExponentialBuckets(0.00001, 10, 8),
	},
	[]string{"storage"},
)

var CachedContainers = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "storage_cached_containers",
		Help: "Value containers currently held in the storage cache",
	},
	[]string{"storage"},
)

// ConsistencyErrors counts anomalies found by the debug checks.
var ConsistencyErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "index_consistency_errors",
		Help: "Anomalies reported by the debug consistency checks",
	},
	[]string{"kind"},
)

var LowMemoryEvents = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "low_memory_events",
		Help: "Times the low memory watcher notified its listeners",
	},
)
