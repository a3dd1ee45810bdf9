// Package metrics exports janitor and store counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"cachejanitor/internal/janitor"
	"cachejanitor/internal/storage"
)

const namespace = "cachejanitor"

// JanitorSource provides janitor snapshots.
type JanitorSource interface {
	Stats() janitor.Stats
}

// StoreSource lists the stores to report on.
type StoreSource func() []*storage.MemoryStore

// Collector reads fresh snapshots on every scrape rather than mirroring
// counters into Prometheus vectors.
type Collector struct {
	janitor JanitorSource
	stores  StoreSource

	running       *prometheus.Desc
	registered    *prometheus.Desc
	interval      *prometheus.Desc
	maxRate       *prometheus.Desc
	cycles        *prometheus.Desc
	lowCycles     *prometheus.Desc
	sweeps        *prometheus.Desc
	freed         *prometheus.Desc
	freeFailures  *prometheus.Desc
	sizeFailures  *prometheus.Desc
	panics        *prometheus.Desc
	sampleErrors  *prometheus.Desc
	heapTotal     *prometheus.Desc
	heapFree      *prometheus.Desc
	memoryLow     *prometheus.Desc
	storeItems    *prometheus.Desc
	storeBytes    *prometheus.Desc
	storeHits     *prometheus.Desc
	storeMisses   *prometheus.Desc
	storeEvicted  *prometheus.Desc
	storeExpired  *prometheus.Desc
	storePressure *prometheus.Desc
}

// NewCollector creates a collector. stores may be nil.
func NewCollector(j JanitorSource, stores StoreSource) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		janitor: j,
		stores:  stores,

		running:      desc("janitor", "running", "1 while the janitor loop is active."),
		registered:   desc("janitor", "registered_stores", "Stores currently registered for eviction."),
		interval:     desc("janitor", "interval_seconds", "Current sleep between cycles."),
		maxRate:      desc("janitor", "max_allocation_rate_bytes", "Highest smoothed allocation rate seen, bytes per second."),
		cycles:       desc("janitor", "cycles_total", "Cycles run, warm-up included."),
		lowCycles:    desc("janitor", "low_memory_cycles_total", "Cycles that found memory low."),
		sweeps:       desc("janitor", "sweeps_total", "Eviction sweeps performed."),
		freed:        desc("janitor", "entries_freed_total", "Successful Free calls."),
		freeFailures: desc("janitor", "free_failures_total", "Free calls that failed or panicked."),
		sizeFailures: desc("janitor", "size_failures_total", "Size calls that panicked or returned a negative size."),
		panics:       desc("janitor", "recovered_panics_total", "Panics recovered in the janitor loop."),
		sampleErrors: desc("heap", "sample_failures_total", "Memory readings the provider could not take."),
		heapTotal:    desc("heap", "total_bytes", "Heap size as seen by the memory source."),
		heapFree:     desc("heap", "free_bytes", "Free heap as seen by the memory source."),
		memoryLow:    desc("heap", "low", "1 when memory is below the configured headroom."),

		storeItems:    desc("store", "items", "Entries held.", "store"),
		storeBytes:    desc("store", "bytes", "Value bytes held.", "store"),
		storeHits:     desc("store", "hits_total", "Lookup hits.", "store"),
		storeMisses:   desc("store", "misses_total", "Lookup misses.", "store"),
		storeEvicted:  desc("store", "evictions_total", "Entries evicted.", "store"),
		storeExpired:  desc("store", "expirations_total", "Entries expired.", "store"),
		storePressure: desc("store", "budget_pressure", "Budget usage ratio.", "store"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.running, c.registered, c.interval, c.maxRate, c.cycles, c.lowCycles,
		c.sweeps, c.freed, c.freeFailures, c.sizeFailures, c.panics, c.sampleErrors,
		c.heapTotal, c.heapFree, c.memoryLow,
		c.storeItems, c.storeBytes, c.storeHits, c.storeMisses,
		c.storeEvicted, c.storeExpired, c.storePressure,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.janitor.Stats()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.running, boolValue(s.Running))
	gauge(c.registered, float64(s.RegisteredStores))
	gauge(c.interval, s.CurrentInterval.Seconds())
	gauge(c.maxRate, float64(s.MaxRateBytesSec))
	counter(c.cycles, float64(s.Cycles))
	counter(c.lowCycles, float64(s.LowMemoryCycles))
	counter(c.sweeps, float64(s.Sweeps))
	counter(c.freed, float64(s.EntriesFreed))
	counter(c.freeFailures, float64(s.FreeFailures))
	counter(c.sizeFailures, float64(s.SizeFailures))
	counter(c.panics, float64(s.RecoveredPanics))
	counter(c.sampleErrors, float64(s.SampleFailures))
	gauge(c.heapTotal, float64(s.HeapTotal))
	gauge(c.heapFree, float64(s.HeapFree))
	gauge(c.memoryLow, boolValue(s.MemoryLow))

	if c.stores == nil {
		return
	}
	for _, store := range c.stores() {
		st := store.Stats()
		gauge(c.storeItems, float64(st.Items), st.Name)
		gauge(c.storeBytes, float64(st.Memory), st.Name)
		counter(c.storeHits, float64(st.Hits), st.Name)
		counter(c.storeMisses, float64(st.Misses), st.Name)
		counter(c.storeEvicted, float64(st.Evictions), st.Name)
		counter(c.storeExpired, float64(st.Expirations), st.Name)
		if st.Budget != nil {
			gauge(c.storePressure, st.Budget.Pressure, st.Name)
		}
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
