package janitor

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachejanitor/internal/logging"
)

func monitorFor(t *testing.T, heap HeapStats) *Monitor {
	t.Helper()
	cfg, err := NewConfig(testOptions()) // freememory=1000 heapsize=5000
	require.NoError(t, err)
	return NewMonitor(heap, cfg)
}

func TestMonitor_IsLowRequiresFullHeap(t *testing.T) {
	cases := []struct {
		name        string
		total, free int64
		low         bool
	}{
		{"heap can still grow, no free memory", 4999, 0, false},
		{"heap can still grow, plenty free", 1000, 900, false},
		{"exactly at heap size, below free threshold", 5000, 999, true},
		{"exactly at heap size, at free threshold", 5000, 1000, false},
		{"beyond heap size, below free threshold", 8000, 10, true},
		{"beyond heap size, plenty free", 8000, 4000, false},
	}

	for _, tc := range cases {
		m := monitorFor(t, plainHeap{total: tc.total, free: tc.free})
		assert.Equal(t, tc.low, m.IsLow(), tc.name)
	}
}

func TestMonitor_UsedBytes(t *testing.T) {
	m := monitorFor(t, plainHeap{total: 5000, free: 1200})
	assert.Equal(t, int64(3800), m.UsedBytes())

	s := m.Sample()
	assert.Equal(t, int64(5000), s.Total)
	assert.Equal(t, int64(1200), s.Free)
	assert.Equal(t, int64(3800), s.Used())
}

func TestMonitor_ForceReclaim(t *testing.T) {
	heap := newFakeHeap(5000, 0)
	m := monitorFor(t, heap)
	assert.True(t, m.ForceReclaim())
	assert.Equal(t, 1, heap.reclaimCount())

	assert.False(t, monitorFor(t, plainHeap{}).ForceReclaim())
}

func TestRuntimeHeapStats_Consistent(t *testing.T) {
	var h RuntimeHeapStats
	total, free := h.read()
	assert.Greater(t, total, int64(0))
	assert.GreaterOrEqual(t, free, int64(0))
	assert.LessOrEqual(t, free, total)

	assert.NotPanics(t, h.RequestReclaim)
}

func TestNewHeapStats(t *testing.T) {
	assert.IsType(t, RuntimeHeapStats{}, NewHeapStats(MemorySourceRuntime))
	assert.IsType(t, RuntimeHeapStats{}, NewHeapStats(""))
	assert.IsType(t, SystemMemoryStats{}, NewHeapStats(MemorySourceSystem))
}

func TestMonitor_SamplerErrorIsLoggedAndCounted(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: logging.DEBUG, Writers: []io.Writer{&buf}})
	logging.SetGlobalLogger(logger)
	defer logging.SetGlobalLogger(nil)

	provider := &flakySampler{}
	provider.set(5000, 0, true)
	m := monitorFor(t, provider)

	assert.Equal(t, Sample{}, m.Sample())
	assert.False(t, m.IsLow(), "an unreadable provider never reports low memory")
	assert.EqualValues(t, 2, m.Failures())

	logger.Close()
	out := buf.String()
	assert.Contains(t, out, `"component":"monitor"`)
	assert.Contains(t, out, "Memory sample failed")
	assert.Contains(t, out, errMemoryUnavailable.Error())

	provider.set(5000, 0, false)
	assert.Equal(t, Sample{Total: 5000, Free: 0}, m.Sample())
	assert.True(t, m.IsLow())
	assert.EqualValues(t, 2, m.Failures())
}

func TestRuntimeHeapStats_ReadSampleIsConsistent(t *testing.T) {
	s, err := RuntimeHeapStats{}.ReadSample()
	require.NoError(t, err)
	assert.Positive(t, s.Total)
	assert.GreaterOrEqual(t, s.Free, int64(0))
	assert.LessOrEqual(t, s.Free, s.Total)
}
