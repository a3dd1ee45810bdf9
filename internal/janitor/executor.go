package janitor

import (
	"time"

	"golang.org/x/sync/errgroup"
)

// Clock provides time operations for the janitor loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Executor launches the janitor loop.
type Executor interface {
	Go(fn func())
}

// DedicatedExecutor runs the loop on its own goroutine.
type DedicatedExecutor struct{}

func (DedicatedExecutor) Go(fn func()) { go fn() }

// GroupExecutor runs the loop on a caller-owned errgroup so the caller can
// wait for it alongside its other workers.
type GroupExecutor struct {
	Group *errgroup.Group
}

func (e GroupExecutor) Go(fn func()) {
	e.Group.Go(func() error {
		fn()
		return nil
	})
}
