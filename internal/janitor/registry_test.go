package janitor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := NewRegistry()
	a, b := newStore("a", 1), newStore("b", 2)

	r.Register(a)
	r.Register(b)
	require.Equal(t, 2, r.Len())

	got, ok := r.At(1)
	require.True(t, ok)
	assert.Same(t, b, got)

	_, ok = r.At(2)
	assert.False(t, ok)
	_, ok = r.At(-1)
	assert.False(t, ok)

	assert.True(t, r.Unregister(a))
	assert.False(t, r.Unregister(a), "removing a non-member is a no-op")
	assert.False(t, r.Contains(a))
	assert.True(t, r.Contains(b))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DuplicateRegistrationRemovesOneAtATime(t *testing.T) {
	r := NewRegistry()
	a := newStore("a", 1)

	r.Register(a)
	r.Register(a)
	require.Equal(t, 2, r.Len())

	r.Unregister(a)
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Contains(a))

	r.Unregister(a)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	a := newStore("a", 1)
	r.Register(a)

	snap := r.Snapshot()
	r.Unregister(a)

	require.Len(t, snap, 1)
	assert.Same(t, a, snap[0])
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_PreservesInsertionOrder(t *testing.T) {
	r := NewRegistry()
	stores := []*countingStore{newStore("a", 1), newStore("b", 1), newStore("c", 1), newStore("d", 1)}
	for _, s := range stores {
		r.Register(s)
	}
	r.Unregister(stores[1])

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Same(t, stores[0], snap[0])
	assert.Same(t, stores[2], snap[1])
	assert.Same(t, stores[3], snap[2])
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s := newStore("s", i)
				r.Register(s)
				r.Len()
				r.Snapshot()
				r.Unregister(s)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
}

func TestSelectVictims(t *testing.T) {
	a, b := newStore("a", 10), newStore("b", 20)
	stores := []Store{a, b}
	size := func(s Store) int { return s.Size() }

	victims, cursor := selectVictims(stores, AllStores, 7, size)
	require.Len(t, victims, 2)
	assert.Equal(t, 7, cursor, "all-stores leaves the cursor alone")
	assert.Equal(t, 10, victims[0].size)
	assert.Equal(t, 20, victims[1].size)

	victims, cursor = selectVictims(stores, RoundRobin, 1, size)
	require.Len(t, victims, 1)
	assert.Equal(t, 1, cursor)
	assert.Same(t, b, victims[0].store)

	victims, cursor = selectVictims(stores, RoundRobin, 5, size)
	require.Len(t, victims, 1)
	assert.Equal(t, 0, cursor)
	assert.Same(t, a, victims[0].store)

	victims, _ = selectVictims(nil, RoundRobin, 0, size)
	assert.Empty(t, victims)
}

func TestEvictionCount(t *testing.T) {
	assert.Equal(t, 10, evictionCount(100, 0.1))
	assert.Equal(t, 5, evictionCount(50, 0.1))
	assert.Equal(t, 0, evictionCount(0, 0.1))
	assert.Equal(t, 0, evictionCount(-3, 0.5))
	assert.Equal(t, 0, evictionCount(9, 0.1), "floor")
	assert.Equal(t, 7, evictionCount(7, 1))
}
