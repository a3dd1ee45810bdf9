// Package janitor watches memory pressure and shrinks registered cache
// stores when the heap runs low.
//
// A Janitor owns a Registry of stores and a Monitor over a HeapStats
// provider. Once started, its loop wakes every interval, checks the monitor
// and, when memory is low, frees a fraction of the entries of one store
// (round-robin) or of every store (all-stores). With adaptive intervals the
// sleep shrinks as the observed allocation rate grows.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"cachejanitor/internal/logging"
)

var (
	// ErrAlreadyStarted is returned by Start on a running janitor.
	ErrAlreadyStarted = errors.New("janitor already started")
	// ErrStopped is returned by Start after Stop; a janitor runs once.
	ErrStopped = errors.New("janitor stopped")
)

// warmupCycles is the number of cycles after start that neither measure the
// allocation rate nor evict, so start-up bursts are not mistaken for
// pressure.
const warmupCycles = 2

// Option customises a Janitor.
type Option func(*Janitor)

// WithHeapStats replaces the provider selected by Config.MemorySource.
func WithHeapStats(stats HeapStats) Option {
	return func(j *Janitor) { j.heapStats = stats }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(j *Janitor) { j.clock = c }
}

// WithExecutor replaces the dedicated goroutine launcher.
func WithExecutor(e Executor) Option {
	return func(j *Janitor) { j.executor = e }
}

// WithRegistry shares an existing registry.
func WithRegistry(r *Registry) Option {
	return func(j *Janitor) { j.registry = r }
}

// schedulerState is owned by the loop goroutine.
type schedulerState struct {
	cycles   int
	lastUsed int64
	interval time.Duration
	cursor   int
	maxRate  int64 // bytes per second

	// set after a failed sample; the next cycle skips the rate
	staleLastUsed bool
}

// Janitor coordinates eviction across registered stores.
type Janitor struct {
	cfg       Config
	registry  *Registry
	heapStats HeapStats
	monitor   *Monitor
	clock     Clock
	executor  Executor

	lifecycle sync.Mutex
	started   bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	running   atomic.Bool

	state schedulerState

	// published copies of loop state and counters
	interval     atomic.Int64
	maxRate      atomic.Int64
	cycles       atomic.Uint64
	lowCycles    atomic.Uint64
	sweeps       atomic.Uint64
	evicted      atomic.Uint64
	freeFailures atomic.Uint64
	sizeFailures atomic.Uint64
	panics       atomic.Uint64
}

// New validates cfg and builds a stopped janitor.
func New(cfg Config, opts ...Option) (*Janitor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	j := &Janitor{
		cfg:      cfg,
		clock:    realClock{},
		executor: DedicatedExecutor{},
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.registry == nil {
		j.registry = NewRegistry()
	}
	if j.heapStats == nil {
		j.heapStats = NewHeapStats(cfg.MemorySource)
	}
	j.monitor = NewMonitor(j.heapStats, cfg)
	j.state.interval = cfg.FixedInterval
	j.interval.Store(int64(cfg.FixedInterval))

	return j, nil
}

// Config returns the configuration the janitor was built with.
func (j *Janitor) Config() Config { return j.cfg }

// Registry returns the janitor's store registry.
func (j *Janitor) Registry() *Registry { return j.registry }

// Monitor returns the janitor's memory monitor.
func (j *Janitor) Monitor() *Monitor { return j.monitor }

// Register adds a store to the set the janitor may shrink.
func (j *Janitor) Register(s Store) {
	j.registry.Register(s)
	logging.Debug(context.Background(), logging.ComponentRegistry, logging.ActionRegister, "Store registered", logging.Fields{
		"store":      storeName(s),
		"registered": j.registry.Len(),
	})
}

// Unregister removes a store. Once it returns, the janitor makes no further
// Free calls on s.
func (j *Janitor) Unregister(s Store) {
	removed := j.registry.Unregister(s)
	logging.Debug(context.Background(), logging.ComponentRegistry, logging.ActionUnregister, "Store unregistered", logging.Fields{
		"store":      storeName(s),
		"removed":    removed,
		"registered": j.registry.Len(),
	})
}

// RegisteredCount returns the number of registered stores.
func (j *Janitor) RegisteredCount() int { return j.registry.Len() }

// CurrentInterval returns the sleep the loop will use next.
func (j *Janitor) CurrentInterval() time.Duration {
	return time.Duration(j.interval.Load())
}

// Running reports whether the loop is active.
func (j *Janitor) Running() bool { return j.running.Load() }

// Start launches the background loop.
func (j *Janitor) Start() error {
	j.lifecycle.Lock()
	defer j.lifecycle.Unlock()

	select {
	case <-j.stopCh:
		return ErrStopped
	default:
	}
	if j.started {
		return ErrAlreadyStarted
	}
	j.started = true
	j.running.Store(true)

	logging.Info(context.Background(), logging.ComponentJanitor, logging.ActionStart, "Store janitor starting", logging.Fields{
		"strategy":        j.cfg.Strategy.String(),
		"adaptive":        j.cfg.Adaptive,
		"interval":        j.cfg.FixedInterval.String(),
		"min_free_memory": humanize.IBytes(uint64(j.cfg.MinFreeMemory)),
		"max_heap_size":   humanize.IBytes(uint64(j.cfg.MaxHeapSize)),
		"percent_to_free": int(math.Round(j.cfg.FractionToFree * 100)),
		"invoke_gc":       j.cfg.InvokeGC,
		"thread_priority": j.cfg.ThreadPriority,
		"memory_source":   j.cfg.MemorySource,
	})

	j.executor.Go(j.run)
	return nil
}

// Stop asks the loop to exit. It does not wait; use Done for that. An
// in-flight sweep runs to completion. Stopping a janitor that never started
// closes Done immediately.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		j.lifecycle.Lock()
		defer j.lifecycle.Unlock()

		close(j.stopCh)
		if !j.started {
			close(j.done)
		}
		logging.Info(context.Background(), logging.ComponentJanitor, logging.ActionStop, "Store janitor stopping")
	})
}

// Done is closed once the loop has exited.
func (j *Janitor) Done() <-chan struct{} { return j.done }

func (j *Janitor) stopping() bool {
	select {
	case <-j.stopCh:
		return true
	default:
		return false
	}
}

func (j *Janitor) run() {
	defer close(j.done)
	defer j.running.Store(false)

	for !j.stopping() {
		j.safeCycle()

		select {
		case <-j.clock.After(j.state.interval):
		case <-j.stopCh:
			return
		}
	}
}

// safeCycle keeps the loop alive across panics from stores or providers.
func (j *Janitor) safeCycle() {
	defer j.recoverPanic("Janitor cycle panicked")
	j.cycle()
}

// safeSample reads the heap outside the loop, returning a zero sample if
// the provider panics.
func (j *Janitor) safeSample() (s Sample) {
	defer j.recoverPanic("Heap sample panicked")
	return j.monitor.Sample()
}

func (j *Janitor) recoverPanic(message string) {
	if r := recover(); r != nil {
		j.panics.Add(1)
		logging.Error(context.Background(), logging.ComponentJanitor, logging.ActionRecover, message, fmt.Errorf("%v", r))
	}
}

// cycle is one wake-up of the loop. The last sample it takes becomes
// lastUsed, so the next cycle's change spans exactly the sleep in between.
func (j *Janitor) cycle() {
	ctx := logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())
	j.cycles.Add(1)

	sample, err := j.monitor.read()
	if err != nil {
		// lastUsed no longer spans one interval
		j.state.staleLastUsed = true
		return
	}
	warm := j.state.cycles < warmupCycles
	j.state.cycles++

	if warm {
		logging.Debug(ctx, logging.ComponentMonitor, logging.ActionSample, "Warm-up cycle, pressure check skipped", logging.Fields{
			"cycle": j.state.cycles,
			"used":  sample.Used(),
		})
		j.state.lastUsed = sample.Used()
		j.state.staleLastUsed = false
		j.setInterval(ctx, j.nextInterval(sample.Free))
		return
	}

	if j.cfg.Adaptive && !j.state.staleLastUsed {
		rate := allocationRate(sample.Used()-j.state.lastUsed, j.state.interval.Milliseconds())
		j.state.maxRate = raiseMaxRate(j.state.maxRate, rate)
		j.maxRate.Store(j.state.maxRate)
	}

	if j.monitor.isLow(sample) {
		j.lowCycles.Add(1)
		logging.Info(ctx, logging.ComponentMonitor, logging.ActionPressure, "Memory is low", logging.Fields{
			"total": humanize.IBytes(uint64(sample.Total)),
			"free":  humanize.IBytes(uint64(sample.Free)),
		})

		stillLow := true
		if j.cfg.InvokeGC && j.monitor.ForceReclaim() {
			sample = j.resample(sample)
			stillLow = j.monitor.isLow(sample)
			logging.Debug(ctx, logging.ComponentMonitor, logging.ActionReclaim, "Reclaim requested", logging.Fields{
				"free":      humanize.IBytes(uint64(sample.Free)),
				"still_low": stillLow,
			})
		}

		if stillLow && j.registry.Len() > 0 {
			j.sweep(ctx)
			j.state.cursor++
			sample = j.resample(sample)
		}
	}

	j.state.lastUsed = sample.Used()
	j.state.staleLastUsed = false
	j.setInterval(ctx, j.nextInterval(sample.Free))
}

// resample reads the heap again, keeping prev if the provider fails.
func (j *Janitor) resample(prev Sample) Sample {
	if s, err := j.monitor.read(); err == nil {
		return s
	}
	return prev
}

func (j *Janitor) setInterval(ctx context.Context, d time.Duration) {
	if d != j.state.interval {
		logging.Debug(ctx, logging.ComponentJanitor, logging.ActionInterval, "Cleanup interval changed", logging.Fields{
			"from": j.state.interval.String(),
			"to":   d.String(),
		})
	}
	j.state.interval = d
	j.interval.Store(int64(d))
}

func (j *Janitor) nextInterval(free int64) time.Duration {
	if !j.cfg.Adaptive {
		return j.cfg.FixedInterval
	}
	return adaptiveInterval(free, j.state.maxRate, j.cfg.MinInterval, j.cfg.FixedInterval)
}

// sweep frees entries from the stores chosen by the configured strategy.
// Sizes are read under the registry lock; Free runs outside it.
func (j *Janitor) sweep(ctx context.Context) {
	victims, cursor := j.registry.plan(j.cfg.Strategy, j.state.cursor, j.sizeOf)
	j.state.cursor = cursor
	j.sweeps.Add(1)

	var total int
	for _, v := range victims {
		name := storeName(v.store)
		if v.size < 0 {
			logging.Warn(ctx, logging.ComponentJanitor, logging.ActionSweep, "Store size unknown, skipped", logging.Fields{
				"store": name,
				"size":  v.size,
			})
			continue
		}

		count := evictionCount(v.size, j.cfg.FractionToFree)
		freed := 0
		for i := 0; i < count; i++ {
			if !j.registry.Contains(v.store) {
				logging.Debug(ctx, logging.ComponentJanitor, logging.ActionSweep, "Store unregistered during sweep", logging.Fields{
					"store": name,
				})
				break
			}
			if err := j.freeOne(v.store); err != nil {
				j.freeFailures.Add(1)
				logging.Warn(ctx, logging.ComponentStorage, logging.ActionEvict, "Store failed to free an entry", logging.Fields{
					"store": name,
					"error": err.Error(),
				})
				continue
			}
			freed++
		}

		j.evicted.Add(uint64(freed))
		total += freed
		logging.Debug(ctx, logging.ComponentJanitor, logging.ActionEvict, "Freed entries from store", logging.Fields{
			"store":   name,
			"size":    v.size,
			"planned": count,
			"freed":   freed,
		})
	}

	logging.Info(ctx, logging.ComponentJanitor, logging.ActionSweep, "Eviction sweep finished", logging.Fields{
		"strategy": j.cfg.Strategy.String(),
		"stores":   len(victims),
		"freed":    total,
	})
}

// sizeOf treats a panicking Size as an empty store.
func (j *Janitor) sizeOf(s Store) (size int) {
	defer func() {
		if r := recover(); r != nil {
			j.sizeFailures.Add(1)
			logging.Warn(context.Background(), logging.ComponentStorage, logging.ActionSweep, "Store size panicked, treated as empty", logging.Fields{
				"store": storeName(s),
				"panic": fmt.Sprint(r),
			})
			size = 0
		}
	}()
	return s.Size()
}

func (j *Janitor) freeOne(s Store) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("free panicked: %v", r)
		}
	}()
	return s.Free()
}

// allocationRate converts a change in used bytes over intervalMillis into
// bytes per second. A non-positive interval yields a saturated rate carrying
// the sign of the change.
func allocationRate(change, intervalMillis int64) int64 {
	if intervalMillis <= 0 {
		switch {
		case change > 0:
			return math.MaxInt64
		case change < 0:
			return math.MinInt64
		default:
			return 0
		}
	}
	rate := float64(change) * 1000 / float64(intervalMillis)
	switch {
	case rate >= math.MaxInt64:
		return math.MaxInt64
	case rate <= math.MinInt64:
		return math.MinInt64
	}
	return int64(rate)
}

// raiseMaxRate moves the high-water mark halfway towards rate when rate
// exceeds it, rounding the midpoint up. Operands are halved first so the
// sum cannot overflow.
func raiseMaxRate(current, rate int64) int64 {
	if rate <= current {
		return current
	}
	return current/2 + rate/2 + (current%2+rate%2+1)/2
}

// adaptiveInterval is half the time until free memory runs out at maxRate,
// clamped to [floor, ceiling]. Without a positive rate the ceiling is used.
func adaptiveInterval(free, maxRate int64, floor, ceiling time.Duration) time.Duration {
	if maxRate <= 0 {
		return ceiling
	}
	if free <= 0 {
		return floor
	}

	millis := float64(free) / float64(maxRate) * 1000 / 2
	if millis >= float64(ceiling.Milliseconds()) {
		return ceiling
	}
	d := time.Duration(millis * float64(time.Millisecond))
	if d < floor {
		return floor
	}
	return d
}
