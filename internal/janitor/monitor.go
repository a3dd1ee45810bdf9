package janitor

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/mem"

	"cachejanitor/internal/logging"
)

// HeapStats reports how much memory the process holds and how much of it is
// unused.
type HeapStats interface {
	TotalAllocatedBytes() int64
	FreeBytes() int64
}

// Reclaimer is implemented by HeapStats providers that can ask the runtime
// to collect garbage. RequestReclaim may block.
type Reclaimer interface {
	RequestReclaim()
}

// Sampler is implemented by providers that read total and free memory in a
// single call. The monitor prefers it, and logs its errors.
type Sampler interface {
	ReadSample() (Sample, error)
}

// RuntimeHeapStats reads the Go runtime heap.
//
// Total is the heap obtained from the OS and not yet returned to it; free is
// the part of that not occupied by live or unswept objects.
type RuntimeHeapStats struct{}

func (RuntimeHeapStats) read() (total, free int64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total = int64(m.HeapSys - m.HeapReleased)
	free = total - int64(m.HeapAlloc)
	if free < 0 {
		free = 0
	}
	return total, free
}

// ReadSample reads total and free from one MemStats snapshot.
func (h RuntimeHeapStats) ReadSample() (Sample, error) {
	total, free := h.read()
	return Sample{Total: total, Free: free}, nil
}

func (h RuntimeHeapStats) TotalAllocatedBytes() int64 {
	total, _ := h.read()
	return total
}

func (h RuntimeHeapStats) FreeBytes() int64 {
	_, free := h.read()
	return free
}

// RequestReclaim runs a full collection and returns freed spans to the OS.
func (RuntimeHeapStats) RequestReclaim() {
	runtime.GC()
	debug.FreeOSMemory()
}

// SystemMemoryStats reads host-wide memory through gopsutil. It suits
// deployments where the cache shares a container memory limit with other
// processes.
type SystemMemoryStats struct{}

// ReadSample reads total and available memory from one gopsutil call.
func (SystemMemoryStats) ReadSample() (Sample, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Sample{}, fmt.Errorf("read virtual memory: %w", err)
	}
	return Sample{Total: int64(vm.Total), Free: int64(vm.Available)}, nil
}

// TotalAllocatedBytes returns 0 when memory cannot be read; use ReadSample
// to see the error.
func (s SystemMemoryStats) TotalAllocatedBytes() int64 {
	sample, _ := s.ReadSample()
	return sample.Total
}

func (s SystemMemoryStats) FreeBytes() int64 {
	sample, _ := s.ReadSample()
	return sample.Free
}

func (SystemMemoryStats) RequestReclaim() {
	runtime.GC()
}

// NewHeapStats returns the provider for a memorysource value.
func NewHeapStats(source string) HeapStats {
	if source == MemorySourceSystem {
		return SystemMemoryStats{}
	}
	return RuntimeHeapStats{}
}

// Sample is one reading of the heap.
type Sample struct {
	Total int64
	Free  int64
}

// Used is total minus free.
func (s Sample) Used() int64 {
	return s.Total - s.Free
}

// Monitor judges memory pressure against the configured thresholds.
type Monitor struct {
	stats         HeapStats
	maxHeapSize   int64
	minFreeMemory int64
	failures      atomic.Uint64
}

// NewMonitor builds a monitor over stats using cfg's thresholds.
func NewMonitor(stats HeapStats, cfg Config) *Monitor {
	return &Monitor{
		stats:         stats,
		maxHeapSize:   cfg.MaxHeapSize,
		minFreeMemory: cfg.MinFreeMemory,
	}
}

// Sample reads total and free memory. A provider error is logged and
// yields a zero sample, which never counts as low.
func (m *Monitor) Sample() Sample {
	s, _ := m.read()
	return s
}

func (m *Monitor) read() (Sample, error) {
	sampler, ok := m.stats.(Sampler)
	if !ok {
		return Sample{
			Total: m.stats.TotalAllocatedBytes(),
			Free:  m.stats.FreeBytes(),
		}, nil
	}

	s, err := sampler.ReadSample()
	if err != nil {
		n := m.failures.Add(1)
		logging.Warn(context.Background(), logging.ComponentMonitor, logging.ActionSample, "Memory sample failed, pressure check skipped", logging.Fields{
			"error":    err.Error(),
			"failures": n,
		})
		return Sample{}, err
	}
	return s, nil
}

// Failures counts samples the provider could not read.
func (m *Monitor) Failures() uint64 { return m.failures.Load() }

// UsedBytes is total allocated minus free.
func (m *Monitor) UsedBytes() int64 {
	return m.Sample().Used()
}

// IsLow reports whether the heap has grown to the configured size and the
// free part has dropped below the configured minimum. A heap that can still
// grow is never low.
func (m *Monitor) IsLow() bool {
	return m.isLow(m.Sample())
}

func (m *Monitor) isLow(s Sample) bool {
	return s.Total >= m.maxHeapSize && s.Free < m.minFreeMemory
}

// ForceReclaim asks the provider to collect garbage. It reports false when
// the provider cannot reclaim.
func (m *Monitor) ForceReclaim() bool {
	r, ok := m.stats.(Reclaimer)
	if !ok {
		return false
	}
	r.RequestReclaim()
	return true
}
