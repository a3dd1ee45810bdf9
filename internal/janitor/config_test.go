package janitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, int64(1024*1024), cfg.MinFreeMemory)
	assert.Equal(t, int64(64000000), cfg.MaxHeapSize)
	assert.Equal(t, 10*time.Second, cfg.FixedInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.MinInterval)
	assert.False(t, cfg.Adaptive)
	assert.Equal(t, 5, cfg.ThreadPriority)
	assert.InDelta(t, 0.1, cfg.FractionToFree, 1e-9)
	assert.Equal(t, RoundRobin, cfg.Strategy)
	assert.False(t, cfg.InvokeGC)
	assert.Equal(t, MemorySourceRuntime, cfg.MemorySource)
}

func TestNewConfig_RejectsOutOfRangeValues(t *testing.T) {
	cases := []struct {
		option string
		mutate func(*Options)
	}{
		{OptFreeMemory, func(o *Options) { o.FreeMemory = 0 }},
		{OptHeapSize, func(o *Options) { o.HeapSize = -1 }},
		{OptThreadInterval, func(o *Options) { o.CleanupThreadInterval = 0 }},
		{OptThreadPriority, func(o *Options) { o.ThreadPriority = 0 }},
		{OptThreadPriority, func(o *Options) { o.ThreadPriority = 11 }},
		{OptPercentToFree, func(o *Options) { o.PercentToFree = 0 }},
		{OptPercentToFree, func(o *Options) { o.PercentToFree = 101 }},
		{OptAlgorithm, func(o *Options) { o.FreeingAlgorithm = "lru" }},
		{OptMemorySource, func(o *Options) { o.MemorySource = "disk" }},
	}

	for _, tc := range cases {
		opts := DefaultOptions()
		tc.mutate(&opts)

		_, err := NewConfig(opts)
		require.Error(t, err, tc.option)
		assert.ErrorIs(t, err, ErrInvalidConfig)

		var cerr *ConfigError
		require.True(t, errors.As(err, &cerr))
		assert.Equal(t, tc.option, cerr.Option)
	}
}

func TestNewConfig_Boundaries(t *testing.T) {
	opts := DefaultOptions()
	opts.PercentToFree = 100
	opts.ThreadPriority = 10
	opts.CleanupThreadInterval = 1
	cfg, err := NewConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, 1.0, cfg.FractionToFree)
	assert.Equal(t, time.Second, cfg.FixedInterval)

	opts.PercentToFree = 1
	opts.ThreadPriority = 1
	cfg, err = NewConfig(opts)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, cfg.FractionToFree, 1e-9)
}

func TestOptionsFromParameters(t *testing.T) {
	opts, err := OptionsFromParameters(map[string]string{
		"freememory":             "2MiB",
		"heapsize":               "128MB",
		"cleanupthreadinterval":  "3",
		"adaptivethreadinterval": "true",
		"threadpriority":         "7",
		"percent_to_free":        "25",
		"invokegc":               "yes-please",
	})
	require.Error(t, err, "invokegc is not a boolean")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	opts, err = OptionsFromParameters(map[string]string{
		"freememory":             "2MiB",
		"heapsize":               "128MB",
		"cleanupthreadinterval":  "3",
		"adaptivethreadinterval": "true",
		"threadpriority":         "7",
		"percent_to_free":        " 25 ",
		"invokegc":               "1",
		"freeingalgorithm":       "all-stores",
		"memorysource":           "system",
		"unrelated":              "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2*1024*1024), opts.FreeMemory)
	assert.Equal(t, int64(128_000_000), opts.HeapSize)
	assert.Equal(t, 3, opts.CleanupThreadInterval)
	assert.True(t, opts.AdaptiveThreadInterval)
	assert.Equal(t, 7, opts.ThreadPriority)
	assert.Equal(t, 25, opts.PercentToFree)
	assert.True(t, opts.InvokeGC)

	cfg, err := NewConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, AllStores, cfg.Strategy)
	assert.Equal(t, MemorySourceSystem, cfg.MemorySource)
}

func TestOptionsFromParameters_PlainIntegersAndErrors(t *testing.T) {
	opts, err := OptionsFromParameters(map[string]string{"freememory": "1000", "heapsize": "5000"})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), opts.FreeMemory)
	assert.Equal(t, int64(5000), opts.HeapSize)

	_, err = OptionsFromParameters(map[string]string{"heapsize": "lots"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = OptionsFromParameters(map[string]string{"percent_to_free": "ten"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("ROUND-ROBIN")
	require.NoError(t, err)
	assert.Equal(t, RoundRobin, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, RoundRobin, s)

	s, err = ParseStrategy("all-stores")
	require.NoError(t, err)
	assert.Equal(t, AllStores, s)
	assert.Equal(t, "all-stores", s.String())

	_, err = ParseStrategy("random")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
