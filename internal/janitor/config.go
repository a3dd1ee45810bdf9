package janitor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrInvalidConfig is matched by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid janitor configuration")

// ConfigError names the option that failed validation.
type ConfigError struct {
	Option string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("janitor option %q = %v: %s", e.Option, e.Value, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidConfig) match any ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Option names as they appear in parameters and YAML.
const (
	OptFreeMemory     = "freememory"
	OptHeapSize       = "heapsize"
	OptThreadInterval = "cleanupthreadinterval"
	OptAdaptive       = "adaptivethreadinterval"
	OptThreadPriority = "threadpriority"
	OptPercentToFree  = "percent_to_free"
	OptInvokeGC       = "invokegc"
	OptAlgorithm      = "freeingalgorithm"
	OptMemorySource   = "memorysource"
)

// Defaults for Options.
const (
	DefaultFreeMemory     = 1024 * 1024
	DefaultHeapSize       = 64000000
	DefaultThreadInterval = 10
	DefaultThreadPriority = 5
	DefaultPercentToFree  = 10

	// MinInterval is the floor applied to the adaptive sleep interval.
	MinInterval = 500 * time.Millisecond
)

// Memory sources selectable with the memorysource option.
const (
	MemorySourceRuntime = "runtime"
	MemorySourceSystem  = "system"
)

// Options is the raw, unvalidated janitor configuration.
type Options struct {
	FreeMemory             int64  `yaml:"freememory"`
	HeapSize               int64  `yaml:"heapsize"`
	CleanupThreadInterval  int    `yaml:"cleanupthreadinterval"` // seconds
	AdaptiveThreadInterval bool   `yaml:"adaptivethreadinterval"`
	ThreadPriority         int    `yaml:"threadpriority"`
	PercentToFree          int    `yaml:"percent_to_free"`
	InvokeGC               bool   `yaml:"invokegc"`
	FreeingAlgorithm       string `yaml:"freeingalgorithm"`
	MemorySource           string `yaml:"memorysource"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		FreeMemory:            DefaultFreeMemory,
		HeapSize:              DefaultHeapSize,
		CleanupThreadInterval: DefaultThreadInterval,
		ThreadPriority:        DefaultThreadPriority,
		PercentToFree:         DefaultPercentToFree,
		FreeingAlgorithm:      RoundRobin.String(),
		MemorySource:          MemorySourceRuntime,
	}
}

// OptionsFromParameters reads string parameters on top of the defaults.
// Byte options accept plain integers or sizes such as "1MiB" or "64MB".
// Unknown keys are ignored.
func OptionsFromParameters(params map[string]string) (Options, error) {
	opts := DefaultOptions()

	for key, raw := range params {
		value := strings.TrimSpace(raw)
		switch strings.ToLower(key) {
		case OptFreeMemory:
			n, err := parseBytes(key, value)
			if err != nil {
				return opts, err
			}
			opts.FreeMemory = n
		case OptHeapSize:
			n, err := parseBytes(key, value)
			if err != nil {
				return opts, err
			}
			opts.HeapSize = n
		case OptThreadInterval:
			n, err := parseInt(key, value)
			if err != nil {
				return opts, err
			}
			opts.CleanupThreadInterval = n
		case OptThreadPriority:
			n, err := parseInt(key, value)
			if err != nil {
				return opts, err
			}
			opts.ThreadPriority = n
		case OptPercentToFree:
			n, err := parseInt(key, value)
			if err != nil {
				return opts, err
			}
			opts.PercentToFree = n
		case OptAdaptive:
			b, err := parseBool(key, value)
			if err != nil {
				return opts, err
			}
			opts.AdaptiveThreadInterval = b
		case OptInvokeGC:
			b, err := parseBool(key, value)
			if err != nil {
				return opts, err
			}
			opts.InvokeGC = b
		case OptAlgorithm:
			opts.FreeingAlgorithm = value
		case OptMemorySource:
			opts.MemorySource = value
		}
	}

	return opts, nil
}

func parseBytes(key, value string) (int64, error) {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, &ConfigError{Option: key, Value: value, Reason: "not a byte size"}
	}
	if n > uint64(1<<63-1) {
		return 0, &ConfigError{Option: key, Value: value, Reason: "byte size overflows int64"}
	}
	return int64(n), nil
}

func parseInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &ConfigError{Option: key, Value: value, Reason: "not an integer"}
	}
	return n, nil
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, &ConfigError{Option: key, Value: value, Reason: "not a boolean"}
	}
	return b, nil
}

// Config is the validated, immutable janitor configuration.
type Config struct {
	MinFreeMemory  int64
	MaxHeapSize    int64
	FixedInterval  time.Duration
	MinInterval    time.Duration
	Adaptive       bool
	ThreadPriority int
	FractionToFree float64
	Strategy       Strategy
	InvokeGC       bool
	MemorySource   string
}

// NewConfig validates opts. No Config is returned on error.
func NewConfig(opts Options) (Config, error) {
	if opts.FreeMemory <= 0 {
		return Config{}, &ConfigError{Option: OptFreeMemory, Value: opts.FreeMemory, Reason: "must be greater than 0"}
	}
	if opts.HeapSize <= 0 {
		return Config{}, &ConfigError{Option: OptHeapSize, Value: opts.HeapSize, Reason: "must be greater than 0"}
	}
	if opts.CleanupThreadInterval < 1 {
		return Config{}, &ConfigError{Option: OptThreadInterval, Value: opts.CleanupThreadInterval, Reason: "must be at least 1 second"}
	}
	if opts.ThreadPriority < 1 || opts.ThreadPriority > 10 {
		return Config{}, &ConfigError{Option: OptThreadPriority, Value: opts.ThreadPriority, Reason: "must be between 1 and 10"}
	}
	if opts.PercentToFree < 1 || opts.PercentToFree > 100 {
		return Config{}, &ConfigError{Option: OptPercentToFree, Value: opts.PercentToFree, Reason: "must be between 1 and 100"}
	}

	strategy, err := ParseStrategy(opts.FreeingAlgorithm)
	if err != nil {
		return Config{}, err
	}

	source := strings.ToLower(strings.TrimSpace(opts.MemorySource))
	switch source {
	case "":
		source = MemorySourceRuntime
	case MemorySourceRuntime, MemorySourceSystem:
	default:
		return Config{}, &ConfigError{Option: OptMemorySource, Value: opts.MemorySource, Reason: "must be runtime or system"}
	}

	return Config{
		MinFreeMemory:  opts.FreeMemory,
		MaxHeapSize:    opts.HeapSize,
		FixedInterval:  time.Duration(opts.CleanupThreadInterval) * time.Second,
		MinInterval:    MinInterval,
		Adaptive:       opts.AdaptiveThreadInterval,
		ThreadPriority: opts.ThreadPriority,
		FractionToFree: float64(opts.PercentToFree) / 100,
		Strategy:       strategy,
		InvokeGC:       opts.InvokeGC,
		MemorySource:   source,
	}, nil
}

// validate re-checks a Config that was built by hand rather than through
// NewConfig.
func (c Config) validate() error {
	switch {
	case c.MinFreeMemory <= 0:
		return &ConfigError{Option: OptFreeMemory, Value: c.MinFreeMemory, Reason: "must be greater than 0"}
	case c.MaxHeapSize <= 0:
		return &ConfigError{Option: OptHeapSize, Value: c.MaxHeapSize, Reason: "must be greater than 0"}
	case c.FixedInterval <= 0:
		return &ConfigError{Option: OptThreadInterval, Value: c.FixedInterval, Reason: "must be greater than 0"}
	case c.MinInterval <= 0 || c.MinInterval > c.FixedInterval:
		return &ConfigError{Option: "mininterval", Value: c.MinInterval, Reason: "must be in (0, fixed interval]"}
	case c.ThreadPriority < 1 || c.ThreadPriority > 10:
		return &ConfigError{Option: OptThreadPriority, Value: c.ThreadPriority, Reason: "must be between 1 and 10"}
	case c.FractionToFree <= 0 || c.FractionToFree > 1:
		return &ConfigError{Option: OptPercentToFree, Value: c.FractionToFree, Reason: "fraction must be in (0, 1]"}
	case c.Strategy != RoundRobin && c.Strategy != AllStores:
		return &ConfigError{Option: OptAlgorithm, Value: c.Strategy, Reason: "unknown strategy"}
	}
	return nil
}
