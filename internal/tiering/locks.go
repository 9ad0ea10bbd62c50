package tiering

import "sync"

// MarketLocks serialises read-modify-write work on a single market record.
// Entries are reference counted and dropped once no goroutine holds or waits
// on them, so the map stays proportional to in-flight work.
type MarketLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewMarketLocks constructs an empty lock set.
func NewMarketLocks() *MarketLocks {
	return &MarketLocks{entries: make(map[string]*lockEntry)}
}

// Lock blocks until the market's lock is held and returns its release func.
func (l *MarketLocks) Lock(marketID string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.entries[marketID]
	if !ok {
		e = &lockEntry{}
		l.entries[marketID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, marketID)
		}
		l.mu.Unlock()
	}
}

func (l *MarketLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
