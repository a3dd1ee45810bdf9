package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"cachejanitor/internal/janitor"
	"cachejanitor/internal/logging"
	"cachejanitor/internal/storage"
)

// Config represents the main configuration structure
type Config struct {
	Node    NodeConfig        `yaml:"node"`
	HTTP    HTTPConfig        `yaml:"http"`
	Logging logging.LogConfig `yaml:"logging"`
	Janitor JanitorConfig     `yaml:"janitor"`
	Stores  []StoreConfig     `yaml:"stores"`
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	ID string `yaml:"id"`
}

// HTTPConfig configures the stats, metrics and cache API listener
type HTTPConfig struct {
	BindAddr        string        `yaml:"bind_addr"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.BindAddr, h.Port)
}

// JanitorConfig mirrors janitor.Options with human-readable sizes
// ("1MiB", "64MB" or plain byte counts).
type JanitorConfig struct {
	FreeMemory             string `yaml:"freememory"`
	HeapSize               string `yaml:"heapsize"`
	CleanupThreadInterval  int    `yaml:"cleanupthreadinterval"` // seconds
	AdaptiveThreadInterval bool   `yaml:"adaptivethreadinterval"`
	ThreadPriority         int    `yaml:"threadpriority"`
	PercentToFree          int    `yaml:"percent_to_free"`
	InvokeGC               bool   `yaml:"invokegc"`
	FreeingAlgorithm       string `yaml:"freeingalgorithm"`
	MemorySource           string `yaml:"memorysource"`
}

// StoreConfig represents configuration for individual stores
type StoreConfig struct {
	Name            string        `yaml:"name"`
	Shards          int           `yaml:"shards"`
	MaxItems        int           `yaml:"max_items"`
	MaxMemory       string        `yaml:"max_memory"` // empty = unbounded
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID: "cachejanitor-1",
		},
		HTTP: HTTPConfig{
			BindAddr:        "0.0.0.0",
			Port:            9080,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: logging.LogConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			BufferSize:    1000,
			LogDir:        "logs",
		},
		Janitor: JanitorConfig{
			FreeMemory:            "1MiB",
			HeapSize:              "64MB",
			CleanupThreadInterval: janitor.DefaultThreadInterval,
			ThreadPriority:        janitor.DefaultThreadPriority,
			PercentToFree:         janitor.DefaultPercentToFree,
			FreeingAlgorithm:      janitor.RoundRobin.String(),
			MemorySource:          janitor.MemorySourceRuntime,
		},
		Stores: []StoreConfig{
			{
				Name:            "default",
				Shards:          16,
				MaxMemory:       "256MiB",
				DefaultTTL:      time.Hour,
				CleanupInterval: time.Minute,
			},
			{
				Name:            "sessions",
				Shards:          8,
				MaxItems:        100000,
				DefaultTTL:      30 * time.Minute,
				CleanupInterval: 30 * time.Second,
			},
		},
	}
}

// Load reads and parses the configuration file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "configuration file %s not found, using defaults\n", path)
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data, config)
}

// Parse overlays YAML data on base and validates the result.
func Parse(data []byte, base *Config) (*Config, error) {
	if err := yaml.Unmarshal(data, base); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return base, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}

	opts, err := c.Janitor.ToOptions()
	if err != nil {
		return err
	}
	if _, err := janitor.NewConfig(opts); err != nil {
		return fmt.Errorf("janitor: %w", err)
	}

	// Validate store configurations
	storeNames := make(map[string]bool)
	for _, store := range c.Stores {
		if store.Name == "" {
			return fmt.Errorf("store name cannot be empty")
		}
		if strings.Contains(store.Name, "/") {
			return fmt.Errorf("store name %q cannot contain '/'", store.Name)
		}
		if storeNames[store.Name] {
			return fmt.Errorf("duplicate store name: %s", store.Name)
		}
		storeNames[store.Name] = true

		if _, err := store.ToStoreConfig(); err != nil {
			return err
		}
	}

	return nil
}

// ToOptions converts the janitor section to janitor.Options.
func (j JanitorConfig) ToOptions() (janitor.Options, error) {
	freeMemory, err := parseSize("janitor.freememory", j.FreeMemory)
	if err != nil {
		return janitor.Options{}, err
	}
	heapSize, err := parseSize("janitor.heapsize", j.HeapSize)
	if err != nil {
		return janitor.Options{}, err
	}

	return janitor.Options{
		FreeMemory:             freeMemory,
		HeapSize:               heapSize,
		CleanupThreadInterval:  j.CleanupThreadInterval,
		AdaptiveThreadInterval: j.AdaptiveThreadInterval,
		ThreadPriority:         j.ThreadPriority,
		PercentToFree:          j.PercentToFree,
		InvokeGC:               j.InvokeGC,
		FreeingAlgorithm:       j.FreeingAlgorithm,
		MemorySource:           j.MemorySource,
	}, nil
}

// ToStoreConfig converts a store section to storage.MemoryStoreConfig.
func (s StoreConfig) ToStoreConfig() (storage.MemoryStoreConfig, error) {
	if s.Shards < 0 || s.MaxItems < 0 {
		return storage.MemoryStoreConfig{}, fmt.Errorf("store %s: shards and max_items cannot be negative", s.Name)
	}
	if s.DefaultTTL < 0 || s.CleanupInterval < 0 {
		return storage.MemoryStoreConfig{}, fmt.Errorf("store %s: durations cannot be negative", s.Name)
	}

	var maxMemory int64
	if s.MaxMemory != "" {
		n, err := parseSize("stores."+s.Name+".max_memory", s.MaxMemory)
		if err != nil {
			return storage.MemoryStoreConfig{}, err
		}
		maxMemory = n
	}

	return storage.MemoryStoreConfig{
		Name:            s.Name,
		Shards:          s.Shards,
		MaxItems:        s.MaxItems,
		MaxMemory:       maxMemory,
		DefaultTTL:      s.DefaultTTL,
		CleanupInterval: s.CleanupInterval,
	}, nil
}

func parseSize(field, value string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid size %q: %w", field, value, err)
	}
	if n > uint64(1<<62) {
		return 0, fmt.Errorf("%s: size %q too large", field, value)
	}
	return int64(n), nil
}
