package tiercache

import (
	"sync/atomic"
	"time"

	"github.com/discochess/tiercache/internal/stats"
)

// Metrics is a point-in-time snapshot of engine counters. All counters only
// grow over the life of an engine.
type Metrics struct {
	L1Hits    int64
	L2Hits    int64
	Misses    int64
	Evictions int64

	// Loads counts loader invocations, including refresh-ahead loads.
	Loads      int64
	LoadErrors int64
	// Coalesced counts misses that were served by another caller's load
	// after waiting on the key lock.
	Coalesced     int64
	Refreshes     int64
	BackendErrors int64
}

// HitRate returns the fraction of lookups answered by L1 or L2 without
// waiting on a load. It returns 0 before the first lookup.
func (m Metrics) HitRate() float64 {
	total := m.L1Hits + m.L2Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.L1Hits+m.L2Hits) / float64(total)
}

// metrics keeps the engine's counters and mirrors every change to a
// stats.Collector.
type metrics struct {
	stats stats.Collector

	l1Hits        atomic.Int64
	l2Hits        atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	loads         atomic.Int64
	loadErrors    atomic.Int64
	coalesced     atomic.Int64
	refreshes     atomic.Int64
	backendErrors atomic.Int64
}

func newMetrics(c stats.Collector) *metrics {
	return &metrics{stats: c}
}

func (m *metrics) inc(counter *atomic.Int64, name string) {
	counter.Add(1)
	m.stats.IncCounter(name, 1)
}

func (m *metrics) l1Hit()        { m.inc(&m.l1Hits, stats.MetricL1Hits) }
func (m *metrics) l2Hit()        { m.inc(&m.l2Hits, stats.MetricL2Hits) }
func (m *metrics) miss()         { m.inc(&m.misses, stats.MetricMisses) }
func (m *metrics) evict()        { m.inc(&m.evictions, stats.MetricEvictions) }
func (m *metrics) load()         { m.inc(&m.loads, stats.MetricLoads) }
func (m *metrics) loadError()    { m.inc(&m.loadErrors, stats.MetricLoadErrors) }
func (m *metrics) coalesce()     { m.inc(&m.coalesced, stats.MetricCoalesced) }
func (m *metrics) refresh()      { m.inc(&m.refreshes, stats.MetricRefreshes) }
func (m *metrics) backendError() { m.inc(&m.backendErrors, stats.MetricBackendErrors) }

func (m *metrics) observeLoad(d time.Duration) {
	m.stats.ObserveHistogram(stats.MetricLoadDuration, d.Seconds())
}

func (m *metrics) setL1Size(n int) {
	m.stats.SetGauge(stats.MetricL1Size, int64(n))
}

func (m *metrics) setTags(n int) {
	m.stats.SetGauge(stats.MetricTags, int64(n))
}

func (m *metrics) snapshot() Metrics {
	return Metrics{
		L1Hits:        m.l1Hits.Load(),
		L2Hits:        m.l2Hits.Load(),
		Misses:        m.misses.Load(),
		Evictions:     m.evictions.Load(),
		Loads:         m.loads.Load(),
		LoadErrors:    m.loadErrors.Load(),
		Coalesced:     m.coalesced.Load(),
		Refreshes:     m.refreshes.Load(),
		BackendErrors: m.backendErrors.Load(),
	}
}
