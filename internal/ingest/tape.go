package ingest

import (
	"sync"
	"time"
)

const tapeSlots = 24

type hourSlot struct {
	hour  int64
	count int64
}

// TradeTape counts trades per market over a rolling 24 hour window in hourly
// slots. The catalog feed carries no trade count, so the poller reads it here.
type TradeTape struct {
	mu      sync.Mutex
	markets map[string]*[tapeSlots]hourSlot
}

// NewTradeTape returns an empty tape.
func NewTradeTape() *TradeTape {
	return &TradeTape{markets: make(map[string]*[tapeSlots]hourSlot)}
}

// Observe records one trade.
func (t *TradeTape) Observe(marketID string, at time.Time) {
	if marketID == "" || at.IsZero() {
		return
	}
	hour := at.Unix() / 3600
	t.mu.Lock()
	defer t.mu.Unlock()
	slots, ok := t.markets[marketID]
	if !ok {
		slots = &[tapeSlots]hourSlot{}
		t.markets[marketID] = slots
	}
	slot := &slots[hour%tapeSlots]
	if slot.hour != hour {
		slot.hour = hour
		slot.count = 0
	}
	slot.count++
}

// Count24h returns trades observed in the 24 hours ending at now.
func (t *TradeTape) Count24h(marketID string, now time.Time) int64 {
	current := now.Unix() / 3600
	t.mu.Lock()
	defer t.mu.Unlock()
	slots, ok := t.markets[marketID]
	if !ok {
		return 0
	}
	var total int64
	for _, s := range slots {
		if s.hour > current-tapeSlots && s.hour <= current {
			total += s.count
		}
	}
	return total
}
