package exchange

import (
	"sort"
	"sync"
)

// Locks serializes mutation of each unit's ledger.
// Every writer (gate, cancellation, admin adjustments, settlement) holds the lock of
// every unit it touches for the whole read-check-commit sequence.
type Locks struct {
	mu    sync.Mutex
	units map[string]*sync.Mutex
}

// NewLocks creates an empty lock table
func NewLocks() *Locks {
	return &Locks{units: make(map[string]*sync.Mutex)}
}

func (l *Locks) get(name string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.units[name]
	if !ok {
		m = &sync.Mutex{}
		l.units[name] = m
	}
	return m
}

// Lock acquires the locks of the named units and returns the release function.
// Names are deduplicated and taken in sorted order so two writers locking the same
// pair of units cannot deadlock.
func (l *Locks) Lock(names ...string) (release func()) {
	uniq := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			uniq = append(uniq, n)
		}
	}
	sort.Strings(uniq)

	held := make([]*sync.Mutex, 0, len(uniq))
	for _, n := range uniq {
		m := l.get(n)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
