package janitor

import "sync"

// Registry is the insertion-ordered set of stores the janitor watches.
// A single mutex guards the list; it is the only lock shared between
// registering goroutines and the janitor loop.
type Registry struct {
	mu     sync.Mutex
	stores []Store
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends s. Registering the same store twice keeps two entries.
func (r *Registry) Register(s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores = append(r.stores, s)
}

// Unregister removes the first entry identical to s. It reports whether an
// entry was removed.
func (r *Registry) Unregister(s Store) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.stores {
		if existing == s {
			copy(r.stores[i:], r.stores[i+1:])
			r.stores[len(r.stores)-1] = nil
			r.stores = r.stores[:len(r.stores)-1]
			return true
		}
	}
	return false
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}

// At returns the store at index i.
func (r *Registry) At(i int) (Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.stores) {
		return nil, false
	}
	return r.stores[i], true
}

// Contains reports whether s is currently registered.
func (r *Registry) Contains(s Store) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.stores {
		if existing == s {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the registered stores.
func (r *Registry) Snapshot() []Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Store, len(r.stores))
	copy(out, r.stores)
	return out
}

// plan selects victims and snapshots their sizes while holding the lock.
func (r *Registry) plan(strategy Strategy, cursor int, sizeOf func(Store) int) ([]victim, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return selectVictims(r.stores, strategy, cursor, sizeOf)
}
