package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryBudget tracks how many value bytes a store holds against a limit and
// reports pressure when usage crosses its thresholds.
type MemoryBudget struct {
	name    string
	maxSize int64
	used    atomic.Int64

	mu                sync.RWMutex
	warningThreshold  float64 // 0.85 - start trimming expired entries
	criticalThreshold float64 // 0.95 - trim least recently used entries
	onWarning         func(float64)
	onCritical        func(float64)

	reservations atomic.Int64
	rejections   atomic.Int64
}

// NewMemoryBudget creates a budget of maxSize bytes with default thresholds
// and no handlers.
func NewMemoryBudget(name string, maxSize int64) (*MemoryBudget, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("invalid budget size: %d", maxSize)
	}
	return &MemoryBudget{
		name:              name,
		maxSize:           maxSize,
		warningThreshold:  0.85,
		criticalThreshold: 0.95,
	}, nil
}

// Reserve claims size bytes. It fails without side effects when the claim
// would exceed the budget.
func (b *MemoryBudget) Reserve(size int64) error {
	if size < 0 {
		return fmt.Errorf("invalid reservation size: %d", size)
	}
	for {
		current := b.used.Load()
		if current+size > b.maxSize {
			b.rejections.Add(1)
			return fmt.Errorf("budget %s exceeded: %d + %d > %d", b.name, current, size, b.maxSize)
		}
		if b.used.CompareAndSwap(current, current+size) {
			b.reservations.Add(1)
			b.checkPressure(float64(current+size) / float64(b.maxSize))
			return nil
		}
	}
}

// Release returns size bytes to the budget.
func (b *MemoryBudget) Release(size int64) {
	if b.used.Add(-size) < 0 {
		b.used.Store(0)
	}
}

// Used returns the bytes currently reserved.
func (b *MemoryBudget) Used() int64 { return b.used.Load() }

// MaxSize returns the budget limit.
func (b *MemoryBudget) MaxSize() int64 { return b.maxSize }

// Available returns the bytes that can still be reserved.
func (b *MemoryBudget) Available() int64 { return b.maxSize - b.used.Load() }

// Pressure is used/max in [0, 1].
func (b *MemoryBudget) Pressure() float64 {
	return float64(b.used.Load()) / float64(b.maxSize)
}

func (b *MemoryBudget) checkPressure(pressure float64) {
	b.mu.RLock()
	warning, critical := b.warningThreshold, b.criticalThreshold
	onWarning, onCritical := b.onWarning, b.onCritical
	b.mu.RUnlock()

	if pressure >= critical && onCritical != nil {
		onCritical(pressure)
	} else if pressure >= warning && onWarning != nil {
		onWarning(pressure)
	}
}

// SetThresholds changes the pressure levels.
func (b *MemoryBudget) SetThresholds(warning, critical float64) error {
	if warning <= 0 || warning > 1 || critical <= 0 || critical > 1 {
		return fmt.Errorf("thresholds must be in (0, 1]")
	}
	if warning >= critical {
		return fmt.Errorf("thresholds must be ordered: warning < critical")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.warningThreshold = warning
	b.criticalThreshold = critical
	return nil
}

// SetHandlers installs pressure callbacks. They run on the reserving
// goroutine and must not call back into Reserve.
func (b *MemoryBudget) SetHandlers(onWarning, onCritical func(float64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onWarning = onWarning
	b.onCritical = onCritical
}

// BudgetStats is a snapshot of budget counters.
type BudgetStats struct {
	Name         string  `json:"name"`
	MaxSize      int64   `json:"max_size"`
	Used         int64   `json:"used"`
	Pressure     float64 `json:"pressure"`
	Reservations int64   `json:"reservations"`
	Rejections   int64   `json:"rejections"`
}

// Stats returns a snapshot of the budget.
func (b *MemoryBudget) Stats() BudgetStats {
	return BudgetStats{
		Name:         b.name,
		MaxSize:      b.maxSize,
		Used:         b.used.Load(),
		Pressure:     b.Pressure(),
		Reservations: b.reservations.Load(),
		Rejections:   b.rejections.Load(),
	}
}
