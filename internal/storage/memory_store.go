package storage

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"cachejanitor/internal/janitor"
	"cachejanitor/internal/logging"
)

var (
	// ErrNotFound is returned for missing or expired keys.
	ErrNotFound = errors.New("key not found")
	// ErrStoreClosed is returned by writes after Close.
	ErrStoreClosed = errors.New("store closed")
)

// Registrar is where a store announces itself so memory pressure can shrink
// it. *janitor.Janitor satisfies it.
type Registrar interface {
	Register(s janitor.Store)
	Unregister(s janitor.Store)
}

// MemoryStoreConfig holds configuration for MemoryStore
type MemoryStoreConfig struct {
	Name            string
	Shards          int           // rounded up to a power of two, default 16
	MaxItems        int           // 0 = unbounded
	MaxMemory       int64         // value bytes, 0 = unbounded
	DefaultTTL      time.Duration // 0 = no expiry
	CleanupInterval time.Duration // 0 = no background expiry
}

// MemoryStoreStats holds counters for a MemoryStore
type MemoryStoreStats struct {
	Name        string       `json:"name"`
	ID          string       `json:"id"`
	Items       int          `json:"items"`
	Memory      int64        `json:"memory_bytes"`
	Hits        uint64       `json:"hits"`
	Misses      uint64       `json:"misses"`
	Evictions   uint64       `json:"evictions"`
	Expirations uint64       `json:"expirations"`
	CreatedAt   time.Time    `json:"created_at"`
	Budget      *BudgetStats `json:"budget,omitempty"`
}

// HitRate returns hits as a percentage of lookups.
func (s MemoryStoreStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

type item struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func (it *item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// shard is one lock domain: a map plus recency order, most recent at front.
type shard struct {
	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List
}

func (sh *shard) removeElement(el *list.Element) *item {
	it := el.Value.(*item)
	sh.order.Remove(el)
	delete(sh.items, it.key)
	return it
}

// MemoryStore is a sharded in-memory LRU cache of byte values. It implements
// janitor.Store: Free drops the least recently used entry of the fullest
// shard.
type MemoryStore struct {
	id        string
	config    MemoryStoreConfig
	shards    []*shard
	mask      uint64
	count     atomic.Int64
	budget    *MemoryBudget
	registrar Registrar
	createdAt time.Time

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64

	closed      atomic.Bool
	closeOnce   sync.Once
	stopCleanup chan struct{}
	relieving   atomic.Bool
}

// NewMemoryStore creates a store and, when registrar is non-nil, registers
// it. Close unregisters it again.
func NewMemoryStore(config MemoryStoreConfig, registrar Registrar) (*MemoryStore, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("store name cannot be empty")
	}
	if config.MaxItems < 0 {
		return nil, fmt.Errorf("max items cannot be negative: %d", config.MaxItems)
	}
	if config.Shards <= 0 {
		config.Shards = 16
	}
	n := 1
	for n < config.Shards {
		n <<= 1
	}
	config.Shards = n

	s := &MemoryStore{
		id:          uuid.NewString(),
		config:      config,
		shards:      make([]*shard, n),
		mask:        uint64(n - 1),
		registrar:   registrar,
		createdAt:   time.Now(),
		stopCleanup: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]*list.Element), order: list.New()}
	}

	if config.MaxMemory > 0 {
		budget, err := NewMemoryBudget(config.Name, config.MaxMemory)
		if err != nil {
			return nil, err
		}
		budget.SetHandlers(
			func(p float64) { s.handlePressure("warning", p) },
			func(p float64) { s.handlePressure("critical", p) },
		)
		s.budget = budget
	}

	if config.CleanupInterval > 0 {
		go s.cleanupExpiredItems()
	}

	if registrar != nil {
		registrar.Register(s)
	}

	logging.Info(context.Background(), logging.ComponentStorage, logging.ActionStart, "Memory store created", logging.Fields{
		"store":      config.Name,
		"id":         s.id,
		"shards":     n,
		"max_items":  config.MaxItems,
		"max_memory": config.MaxMemory,
	})

	return s, nil
}

// Name returns the configured store name.
func (s *MemoryStore) Name() string { return s.config.Name }

// ID returns the unique instance ID.
func (s *MemoryStore) ID() string { return s.id }

func (s *MemoryStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)&s.mask]
}

// Set stores value under key. ttl <= 0 falls back to the default TTL.
func (s *MemoryStore) Set(key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}

	size := int64(len(value))
	if s.budget != nil {
		if err := s.reserve(key, size); err != nil {
			return err
		}
	}

	data := make([]byte, len(value))
	copy(data, value)

	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	if el, ok := sh.items[key]; ok {
		old := el.Value.(*item)
		s.releaseBytes(int64(len(old.value)))
		old.value = data
		old.expiresAt = expiresAt
		sh.order.MoveToFront(el)
		sh.mu.Unlock()
		return nil
	}
	sh.items[key] = sh.order.PushFront(&item{key: key, value: data, expiresAt: expiresAt})
	sh.mu.Unlock()

	if count := s.count.Add(1); s.config.MaxItems > 0 && int(count) > s.config.MaxItems {
		s.evictLRU(int(count) - s.config.MaxItems)
	}
	return nil
}

// reserve claims budget for a value, evicting least recently used entries
// until it fits.
func (s *MemoryStore) reserve(key string, size int64) error {
	if size > s.budget.MaxSize() {
		return fmt.Errorf("value for %s is larger than the store budget: %d > %d", key, size, s.budget.MaxSize())
	}
	for s.budget.Reserve(size) != nil {
		if s.evictLRU(1) == 0 {
			return fmt.Errorf("insufficient memory: need %d bytes, available %d", size, s.budget.Available())
		}
	}
	return nil
}

func (s *MemoryStore) releaseBytes(n int64) {
	if s.budget != nil {
		s.budget.Release(n)
	}
}

// Get returns a copy of the value stored under key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	el, ok := sh.items[key]
	if !ok {
		sh.mu.Unlock()
		s.misses.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	it := el.Value.(*item)
	if it.expired(time.Now()) {
		sh.removeElement(el)
		sh.mu.Unlock()
		s.dropped(it)
		s.expirations.Add(1)
		s.misses.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	sh.order.MoveToFront(el)
	out := make([]byte, len(it.value))
	copy(out, it.value)
	sh.mu.Unlock()

	s.hits.Add(1)
	return out, nil
}

// Delete removes key.
func (s *MemoryStore) Delete(key string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	el, ok := sh.items[key]
	if !ok {
		sh.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	it := sh.removeElement(el)
	sh.mu.Unlock()

	s.dropped(it)
	return nil
}

func (s *MemoryStore) dropped(it *item) {
	s.count.Add(-1)
	s.releaseBytes(int64(len(it.value)))
}

// Size returns the number of entries.
func (s *MemoryStore) Size() int {
	return int(s.count.Load())
}

// Memory returns the value bytes held.
func (s *MemoryStore) Memory() int64 {
	var total int64
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, el := range sh.items {
			total += int64(len(el.Value.(*item).value))
		}
		sh.mu.Unlock()
	}
	return total
}

// Free evicts one entry. It is a no-op on an empty store.
func (s *MemoryStore) Free() error {
	s.evictLRU(1)
	return nil
}

// evictLRU drops up to n least recently used entries, each from the fullest
// shard at the time, and returns how many went.
func (s *MemoryStore) evictLRU(n int) int {
	evicted := 0
	for evicted < n {
		var target *shard
		longest := 0
		for _, sh := range s.shards {
			sh.mu.Lock()
			l := sh.order.Len()
			sh.mu.Unlock()
			if l > longest {
				longest, target = l, sh
			}
		}
		if target == nil {
			break
		}

		target.mu.Lock()
		el := target.order.Back()
		if el == nil {
			// emptied since it was measured
			target.mu.Unlock()
			continue
		}
		it := target.removeElement(el)
		target.mu.Unlock()

		s.dropped(it)
		s.evictions.Add(1)
		evicted++
	}
	return evicted
}

// Clear removes every entry. Only the bytes of removed entries go back to
// the budget, so reservations made by concurrent writers survive.
func (s *MemoryStore) Clear() error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		removed := sh.order.Len()
		var bytes int64
		for _, el := range sh.items {
			bytes += int64(len(el.Value.(*item).value))
		}
		sh.items = make(map[string]*list.Element)
		sh.order.Init()
		sh.mu.Unlock()

		s.count.Add(int64(-removed))
		s.releaseBytes(bytes)
	}
	return nil
}

// Stats returns counters for the store.
func (s *MemoryStore) Stats() MemoryStoreStats {
	stats := MemoryStoreStats{
		Name:        s.config.Name,
		ID:          s.id,
		Items:       s.Size(),
		Memory:      s.Memory(),
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Evictions:   s.evictions.Load(),
		Expirations: s.expirations.Load(),
		CreatedAt:   s.createdAt,
	}
	if s.budget != nil {
		b := s.budget.Stats()
		stats.Budget = &b
	}
	return stats
}

// Close stops background expiry, unregisters the store and drops its
// entries.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopCleanup)
		if s.registrar != nil {
			s.registrar.Unregister(s)
		}
		s.Clear()
		logging.Info(context.Background(), logging.ComponentStorage, logging.ActionStop, "Memory store closed", logging.Fields{
			"store": s.config.Name,
			"id":    s.id,
		})
	})
	return nil
}

// handlePressure trims the store when its own budget runs hot. It runs on
// a separate goroutine so the writer that crossed the threshold is not held.
func (s *MemoryStore) handlePressure(level string, pressure float64) {
	if !s.relieving.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.relieving.Store(false)

		expired := s.evictExpired()
		var trimmed int
		if level == "critical" {
			trimmed = s.evictLRU(max(1, s.Size()/20))
		}
		logging.Debug(context.Background(), logging.ComponentStorage, logging.ActionPressure, "Store budget pressure relieved", logging.Fields{
			"store":    s.config.Name,
			"level":    level,
			"pressure": pressure,
			"expired":  expired,
			"trimmed":  trimmed,
		})
	}()
}

// evictExpired drops every expired entry.
func (s *MemoryStore) evictExpired() int {
	now := time.Now()
	removed := 0
	for _, sh := range s.shards {
		var dead []*item
		sh.mu.Lock()
		for _, el := range sh.items {
			if el.Value.(*item).expired(now) {
				dead = append(dead, sh.removeElement(el))
			}
		}
		sh.mu.Unlock()
		for _, it := range dead {
			s.dropped(it)
		}
		removed += len(dead)
	}
	s.expirations.Add(uint64(removed))
	return removed
}

func (s *MemoryStore) cleanupExpiredItems() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.evictExpired(); n > 0 {
				logging.Debug(context.Background(), logging.ComponentStorage, logging.ActionCleanup, "Expired entries removed", logging.Fields{
					"store":   s.config.Name,
					"removed": n,
				})
			}
		case <-s.stopCleanup:
			return
		}
	}
}
