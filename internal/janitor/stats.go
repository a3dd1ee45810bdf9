package janitor

import "time"

// Stats is a point-in-time view of the janitor for monitoring.
type Stats struct {
	Running          bool          `json:"running"`
	RegisteredStores int           `json:"registered_stores"`
	Strategy         string        `json:"strategy"`
	CurrentInterval  time.Duration `json:"current_interval_ns"`
	MaxRateBytesSec  int64         `json:"max_rate_bytes_per_sec"`
	Cycles           uint64        `json:"cycles"`
	LowMemoryCycles  uint64        `json:"low_memory_cycles"`
	Sweeps           uint64        `json:"sweeps"`
	EntriesFreed     uint64        `json:"entries_freed"`
	FreeFailures     uint64        `json:"free_failures"`
	SizeFailures     uint64        `json:"size_failures"`
	RecoveredPanics  uint64        `json:"recovered_panics"`
	SampleFailures   uint64        `json:"sample_failures"`
	HeapTotal        int64         `json:"heap_total_bytes"`
	HeapFree         int64         `json:"heap_free_bytes"`
	MemoryLow        bool          `json:"memory_low"`
}

// Stats samples the heap and collects the janitor's counters. Counters are
// read individually, so a snapshot taken mid-cycle may mix two cycles. A
// panicking provider yields zero heap figures.
func (j *Janitor) Stats() Stats {
	sample := j.safeSample()
	return Stats{
		Running:          j.Running(),
		RegisteredStores: j.registry.Len(),
		Strategy:         j.cfg.Strategy.String(),
		CurrentInterval:  j.CurrentInterval(),
		MaxRateBytesSec:  j.maxRate.Load(),
		Cycles:           j.cycles.Load(),
		LowMemoryCycles:  j.lowCycles.Load(),
		Sweeps:           j.sweeps.Load(),
		EntriesFreed:     j.evicted.Load(),
		FreeFailures:     j.freeFailures.Load(),
		SizeFailures:     j.sizeFailures.Load(),
		RecoveredPanics:  j.panics.Load(),
		SampleFailures:   j.monitor.Failures(),
		HeapTotal:        sample.Total,
		HeapFree:         sample.Free,
		MemoryLow:        j.monitor.isLow(sample),
	}
}
