package janitor

// Store is a cache the janitor can shrink.
//
// Implementations must be comparable (typically pointers) since registration
// is tracked by identity.
type Store interface {
	// Size returns the number of entries, or a negative value when unknown.
	Size() int
	// Free evicts one entry chosen by the store's own policy. Freeing an
	// empty store is a no-op.
	Free() error
	// Clear removes every entry.
	Clear() error
}

// Named is implemented by stores that want a readable name in logs and stats.
type Named interface {
	Name() string
}

func storeName(s Store) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return "unnamed"
}
