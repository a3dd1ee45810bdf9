package janitor

import (
	"fmt"
	"math"
	"strings"
)

// Strategy selects which registered stores are shrunk on a low-memory cycle.
type Strategy int

const (
	// RoundRobin frees from one store per cycle, cycling through the registry.
	RoundRobin Strategy = iota
	// AllStores frees a fraction of every registered store per cycle.
	AllStores
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round-robin"
	case AllStores:
		return "all-stores"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy maps a freeingalgorithm value to a Strategy. The empty
// string selects RoundRobin.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "round-robin":
		return RoundRobin, nil
	case "all-stores":
		return AllStores, nil
	default:
		return 0, &ConfigError{Option: OptAlgorithm, Value: name, Reason: "must be round-robin or all-stores"}
	}
}

// victim is one store chosen for a sweep along with how many entries to free.
type victim struct {
	store Store
	size  int
	count int
}

// evictionCount is floor(size * fraction); unknown sizes free nothing.
func evictionCount(size int, fraction float64) int {
	if size <= 0 {
		return 0
	}
	return int(math.Floor(float64(size) * fraction))
}

// selectVictims picks the stores for one sweep. It must be called with the
// registry lock held. cursor is only consulted for RoundRobin; the returned
// cursor is the index actually used, after any reset to 0.
func selectVictims(stores []Store, strategy Strategy, cursor int, sizeOf func(Store) int) ([]victim, int) {
	if len(stores) == 0 {
		return nil, cursor
	}

	switch strategy {
	case AllStores:
		victims := make([]victim, 0, len(stores))
		for _, s := range stores {
			victims = append(victims, victim{store: s, size: sizeOf(s)})
		}
		return victims, cursor
	default:
		if cursor < 0 || cursor >= len(stores) {
			cursor = 0
		}
		s := stores[cursor]
		return []victim{{store: s, size: sizeOf(s)}}, cursor
	}
}
