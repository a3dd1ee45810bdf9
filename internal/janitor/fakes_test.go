package janitor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeHeap reports whatever the test sets.
type fakeHeap struct {
	mu        sync.Mutex
	total     int64
	free      int64
	reclaims  int
	onReclaim func(h *fakeHeap)
}

func newFakeHeap(total, free int64) *fakeHeap {
	return &fakeHeap{total: total, free: free}
}

func (h *fakeHeap) set(total, free int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total, h.free = total, free
}

func (h *fakeHeap) TotalAllocatedBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

func (h *fakeHeap) FreeBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.free
}

func (h *fakeHeap) RequestReclaim() {
	h.mu.Lock()
	h.reclaims++
	fn := h.onReclaim
	h.mu.Unlock()
	if fn != nil {
		fn(h)
	}
}

func (h *fakeHeap) reclaimCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reclaims
}

// panickyHeap panics once on its next read after being armed.
type panickyHeap struct {
	*fakeHeap
	armed atomic.Bool
}

func (h *panickyHeap) TotalAllocatedBytes() int64 {
	if h.armed.CompareAndSwap(true, false) {
		panic("heap stats unavailable")
	}
	return h.fakeHeap.TotalAllocatedBytes()
}

// plainHeap has no reclaim support.
type plainHeap struct{ total, free int64 }

func (h plainHeap) TotalAllocatedBytes() int64 { return h.total }
func (h plainHeap) FreeBytes() int64           { return h.free }

var errFreeFailed = errors.New("free failed")

// countingStore counts Free calls. A successful Free shrinks it by one
// unless fixedSize is set.
type countingStore struct {
	name       string
	size       atomic.Int64
	fixedSize  bool
	frees      atomic.Int64
	attempts   atomic.Int64
	clears     atomic.Int64
	failFree   bool
	panicFree  bool
	panicSize  bool
	beforeFree func(s *countingStore)
}

func newStore(name string, size int) *countingStore {
	s := &countingStore{name: name}
	s.size.Store(int64(size))
	return s
}

func (s *countingStore) Name() string { return s.name }

func (s *countingStore) Size() int {
	if s.panicSize {
		panic("size exploded")
	}
	return int(s.size.Load())
}

func (s *countingStore) Free() error {
	s.attempts.Add(1)
	if s.beforeFree != nil {
		s.beforeFree(s)
	}
	if s.panicFree {
		panic("free exploded")
	}
	if s.failFree {
		return errFreeFailed
	}
	s.frees.Add(1)
	if !s.fixedSize && s.size.Load() > 0 {
		s.size.Add(-1)
	}
	return nil
}

func (s *countingStore) Clear() error {
	s.clears.Add(1)
	s.size.Store(0)
	return nil
}

func (s *countingStore) freed() int { return int(s.frees.Load()) }

// fakeClock hands control of every sleep to the test.
type fakeClock struct {
	slept chan time.Duration
	tick  chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		slept: make(chan time.Duration, 1024),
		tick:  make(chan time.Time),
	}
}

func (c *fakeClock) Now() time.Time { return time.Now() }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.slept <- d
	return c.tick
}

// waitSleep blocks until the loop finishes a cycle and starts sleeping.
func (c *fakeClock) waitSleep(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-c.slept:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("janitor loop did not reach its sleep")
		return 0
	}
}

func (c *fakeClock) advance() {
	c.tick <- time.Now()
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.FreeMemory = 1000
	opts.HeapSize = 5000
	opts.PercentToFree = 50
	opts.FreeingAlgorithm = "all-stores"
	return opts
}

func newTestJanitor(t *testing.T, opts Options, heap HeapStats, extra ...Option) *Janitor {
	t.Helper()
	cfg, err := NewConfig(opts)
	require.NoError(t, err)
	j, err := New(cfg, append([]Option{WithHeapStats(heap)}, extra...)...)
	require.NoError(t, err)
	return j
}

// runCycles drives n cycles by hand, as the loop would.
func runCycles(j *Janitor, n int) {
	for i := 0; i < n; i++ {
		j.safeCycle()
	}
}

var errMemoryUnavailable = errors.New("memory stats unavailable")

// flakySampler reads both figures in one call and fails while failing is set.
type flakySampler struct {
	mu      sync.Mutex
	sample  Sample
	failing bool
}

func (f *flakySampler) set(total, free int64, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sample = Sample{Total: total, Free: free}
	f.failing = failing
}

func (f *flakySampler) ReadSample() (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return Sample{}, errMemoryUnavailable
	}
	return f.sample, nil
}

func (f *flakySampler) TotalAllocatedBytes() int64 {
	s, _ := f.ReadSample()
	return s.Total
}

func (f *flakySampler) FreeBytes() int64 {
	s, _ := f.ReadSample()
	return s.Free
}
