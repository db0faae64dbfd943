// Package stats provides a unified interface for collecting metrics.
package stats

// Metric names emitted by the cache engine.
const (
	// Tier outcomes.
	MetricL1Hits    = "tiercache_l1_hits_total"
	MetricL2Hits    = "tiercache_l2_hits_total"
	MetricMisses    = "tiercache_misses_total"
	MetricEvictions = "tiercache_evictions_total"

	// Load path.
	MetricLoads        = "tiercache_loads_total"
	MetricLoadErrors   = "tiercache_load_errors_total"
	MetricCoalesced    = "tiercache_coalesced_total"
	MetricRefreshes    = "tiercache_refreshes_total"
	MetricLoadDuration = "tiercache_load_duration_seconds"

	// Backend health and sizes.
	MetricBackendErrors = "tiercache_backend_errors_total"
	MetricL1Size        = "tiercache_l1_size"
	MetricTags          = "tiercache_tags"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncCounter increments a counter metric by delta.
	IncCounter(name string, delta int64)

	// SetGauge sets a gauge metric to value.
	SetGauge(name string, value int64)

	// ObserveHistogram records a value in a histogram metric.
	ObserveHistogram(name string, value float64)
}
