package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-tiers/internal/market"
	"market-tiers/internal/storage"
)

// DefaultStripes is the lock stripe count used when none is configured.
const DefaultStripes = 64

var (
	// ErrAlreadyTriggered is returned by Record when the key already holds a
	// trigger. Callers treat it as a duplicate, not a failure.
	ErrAlreadyTriggered = errors.New("ledger: already triggered")
)

// Ledger de-duplicates triggers on (token, market, threshold).
//
// Check-then-act is made atomic per key by holding the key's stripe lock
// (Lock) across HasTriggered and Record. Stripes are chosen by hashing
// (token, market), so evaluations for unrelated keys proceed in parallel and
// every threshold of the same pair shares one stripe.
type Ledger struct {
	store   storage.TriggerStore
	stripes []sync.Mutex
	logger  zerolog.Logger
}

// New constructs a Ledger with the given number of lock stripes.
func New(store storage.TriggerStore, stripes int, logger zerolog.Logger) *Ledger {
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	return &Ledger{
		store:   store,
		stripes: make([]sync.Mutex, stripes),
		logger:  logger.With().Str("component", "ledger").Logger(),
	}
}

// Lock acquires the stripe guarding key and returns its release func.
func (l *Ledger) Lock(key market.TriggerKey) (unlock func()) {
	mu := &l.stripes[l.stripe(key)]
	mu.Lock()
	return mu.Unlock
}

func (l *Ledger) stripe(key market.TriggerKey) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.TokenID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.MarketID))
	return int(h.Sum32() % uint32(len(l.stripes)))
}

// HasTriggered reports whether a trigger exists for key.
func (l *Ledger) HasTriggered(ctx context.Context, key market.TriggerKey) (bool, error) {
	ok, err := l.store.HasTrigger(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check trigger: %w", err)
	}
	return ok, nil
}

// Record appends a trigger. A uniqueness collision, which can only happen
// when another process raced past its own check, yields ErrAlreadyTriggered.
func (l *Ledger) Record(ctx context.Context, t market.Trigger) error {
	inserted, err := l.store.InsertTrigger(ctx, t)
	if err != nil {
		return fmt.Errorf("record trigger: %w", err)
	}
	if !inserted {
		l.logger.Warn().
			Str("token_id", t.TokenID).
			Str("market_id", t.MarketID).
			Str("threshold", t.Threshold.String()).
			Msg("trigger already recorded by a concurrent evaluation")
		return ErrAlreadyTriggered
	}
	return nil
}

// Recent lists triggers recorded at or after since.
func (l *Ledger) Recent(ctx context.Context, since time.Time, limit int) ([]market.Trigger, error) {
	return l.store.ListTriggers(ctx, since, limit)
}
