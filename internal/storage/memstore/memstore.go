// Package memstore is an in-process storage.Repository used by tests, the
// simulate command and deployments that run without a database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"market-tiers/internal/market"
	"market-tiers/internal/storage"
)

type candleKey struct {
	marketID string
	tokenID  string
	res      market.Resolution
	bucket   int64
}

type requestKey struct {
	strategy string
	marketID string
}

// Store keeps every table in maps guarded by a single RWMutex.
type Store struct {
	mu         sync.RWMutex
	markets    map[string]market.Record
	snapshots  map[string][]market.PriceSnapshot
	candles    map[candleKey]market.Candle
	orderbooks map[string][]market.OrderbookSnapshot
	requests   map[requestKey]market.TierRequest
	triggers   map[string]market.Trigger
	now        func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		markets:    make(map[string]market.Record),
		snapshots:  make(map[string][]market.PriceSnapshot),
		candles:    make(map[candleKey]market.Candle),
		orderbooks: make(map[string][]market.OrderbookSnapshot),
		requests:   make(map[requestKey]market.TierRequest),
		triggers:   make(map[string]market.Trigger),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Put stores a full record, tier fields included. Tests use it to seed state.
func (s *Store) Put(rec market.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Tier == 0 {
		rec.Tier = market.TierCatalog
	}
	s.markets[rec.ID] = cloneRecord(rec)
}

// UpsertSnapshot implements storage.MarketStore.
func (s *Store) UpsertSnapshot(_ context.Context, rec market.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	existing, ok := s.markets[rec.ID]
	if !ok {
		fresh := cloneRecord(rec)
		fresh.Tier = market.TierCatalog
		fresh.TierChangedAt = updatedAt
		fresh.Score = 0
		fresh.PinnedTier = nil
		fresh.LastStrategySignalAt = nil
		fresh.BelowRetentionSince = nil
		fresh.UpdatedAt = updatedAt
		s.markets[rec.ID] = fresh
		return nil
	}

	existing.Question = rec.Question
	existing.Category = rec.Category
	existing.EndTime = rec.EndTime
	existing.Tokens = append([]market.OutcomeToken(nil), rec.Tokens...)
	existing.LastPrice = rec.LastPrice
	existing.BestBid = rec.BestBid
	existing.BestAsk = rec.BestAsk
	existing.Spread = rec.Spread
	existing.Volume24h = rec.Volume24h
	existing.Liquidity = rec.Liquidity
	existing.Change1h = rec.Change1h
	existing.Change24h = rec.Change24h
	existing.TradeCount24h = rec.TradeCount24h
	existing.Resolved = rec.Resolved
	existing.UpdatedAt = updatedAt
	s.markets[rec.ID] = existing
	return nil
}

// GetMarket implements storage.MarketStore.
func (s *Store) GetMarket(_ context.Context, id string) (market.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.markets[id]
	if !ok {
		return market.Record{}, storage.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// ListMarkets implements storage.MarketStore.
func (s *Store) ListMarkets(_ context.Context, filter storage.MarketFilter) ([]market.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]market.Record, 0, len(s.markets))
	for _, rec := range s.markets {
		if rec.Resolved && !filter.IncludeResolved {
			continue
		}
		if filter.Tier != nil && rec.Tier != *filter.Tier {
			continue
		}
		if filter.MinTier > 0 && rec.Tier < filter.MinTier {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountByTier implements storage.MarketStore.
func (s *Store) CountByTier(_ context.Context) (map[market.Tier]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[market.Tier]int64, 3)
	for _, rec := range s.markets {
		if rec.Resolved {
			continue
		}
		counts[rec.Tier]++
	}
	return counts, nil
}

// UpdateScore implements storage.MarketStore.
func (s *Store) UpdateScore(_ context.Context, id string, score float64) error {
	return s.mutate(id, func(rec *market.Record) error {
		rec.Score = score
		return nil
	})
}

// MarkBelowRetention implements storage.MarketStore.
func (s *Store) MarkBelowRetention(_ context.Context, id string, since *time.Time) error {
	return s.mutate(id, func(rec *market.Record) error {
		rec.BelowRetentionSince = cloneTime(since)
		return nil
	})
}

// UpdateTier implements storage.MarketStore.
func (s *Store) UpdateTier(_ context.Context, id string, from, to market.Tier, at time.Time) error {
	return s.mutate(id, func(rec *market.Record) error {
		if rec.Tier != from {
			return storage.ErrTierConflict
		}
		rec.Tier = to
		rec.TierChangedAt = at.UTC()
		rec.BelowRetentionSince = nil
		return nil
	})
}

// SetPinnedTier implements storage.MarketStore.
func (s *Store) SetPinnedTier(_ context.Context, id string, pinned *market.Tier) error {
	return s.mutate(id, func(rec *market.Record) error {
		if pinned == nil {
			rec.PinnedTier = nil
			return nil
		}
		p := *pinned
		rec.PinnedTier = &p
		return nil
	})
}

// MarkStrategySignal implements storage.MarketStore.
func (s *Store) MarkStrategySignal(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, func(rec *market.Record) error {
		at = at.UTC()
		if rec.LastStrategySignalAt == nil || at.After(*rec.LastStrategySignalAt) {
			rec.LastStrategySignalAt = &at
		}
		return nil
	})
}

func (s *Store) mutate(id string, fn func(rec *market.Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.markets[id]
	if !ok {
		return storage.ErrNotFound
	}
	if err := fn(&rec); err != nil {
		return err
	}
	s.markets[id] = rec
	return nil
}

// InsertPriceSnapshot implements storage.SnapshotStore.
func (s *Store) InsertPriceSnapshot(_ context.Context, snap market.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	series := s.snapshots[snap.MarketID]
	for i := range series {
		if series[i].SnapshotAt.Equal(snap.SnapshotAt) {
			series[i] = snap
			return nil
		}
	}
	series = append(series, snap)
	sort.Slice(series, func(i, j int) bool { return series[i].SnapshotAt.Before(series[j].SnapshotAt) })
	s.snapshots[snap.MarketID] = series
	return nil
}

// PriceAt implements storage.SnapshotStore.
func (s *Store) PriceAt(_ context.Context, marketID string, at time.Time) (market.PriceSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.snapshots[marketID]
	for i := len(series) - 1; i >= 0; i-- {
		if !series[i].SnapshotAt.After(at) {
			return series[i], true, nil
		}
	}
	return market.PriceSnapshot{}, false, nil
}

// DeletePriceSnapshotsBefore implements storage.SnapshotStore.
func (s *Store) DeletePriceSnapshotsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, series := range s.snapshots {
		kept := series[:0]
		for _, snap := range series {
			if snap.SnapshotAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, snap)
		}
		s.snapshots[id] = kept
	}
	return deleted, nil
}

// UpsertCandle implements storage.CandleStore.
func (s *Store) UpsertCandle(_ context.Context, c market.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[keyOf(c.MarketID, c.TokenID, c.Resolution, c.BucketStart)] = c
	return nil
}

// GetCandle implements storage.CandleStore.
func (s *Store) GetCandle(_ context.Context, marketID, tokenID string, res market.Resolution, bucket time.Time) (market.Candle, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.candles[keyOf(marketID, tokenID, res, bucket)]
	return c, ok, nil
}

// ListCandles implements storage.CandleStore.
func (s *Store) ListCandles(_ context.Context, marketID, tokenID string, res market.Resolution, from, to time.Time) ([]market.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.Candle, 0)
	for k, c := range s.candles {
		if k.marketID != marketID || k.tokenID != tokenID || k.res != res {
			continue
		}
		if c.BucketStart.Before(from) || !c.BucketStart.Before(to) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

// DeleteCandlesBefore implements storage.CandleStore.
func (s *Store) DeleteCandlesBefore(_ context.Context, res market.Resolution, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for k, c := range s.candles {
		if k.res == res && c.BucketStart.Before(cutoff) {
			delete(s.candles, k)
			deleted++
		}
	}
	return deleted, nil
}

// CandleCount returns the number of stored candles of a resolution.
func (s *Store) CandleCount(res market.Resolution) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.candles {
		if k.res == res {
			n++
		}
	}
	return n
}

// InsertOrderbook implements storage.OrderbookStore.
func (s *Store) InsertOrderbook(_ context.Context, snap market.OrderbookSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	series := append(s.orderbooks[snap.TokenID], snap)
	sort.Slice(series, func(i, j int) bool { return series[i].SnapshotAt.Before(series[j].SnapshotAt) })
	s.orderbooks[snap.TokenID] = series
	return nil
}

// LatestOrderbook implements storage.OrderbookStore.
func (s *Store) LatestOrderbook(_ context.Context, tokenID string) (market.OrderbookSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.orderbooks[tokenID]
	if len(series) == 0 {
		return market.OrderbookSnapshot{}, false, nil
	}
	return series[len(series)-1], true, nil
}

// DeleteOrderbooksBefore implements storage.OrderbookStore.
func (s *Store) DeleteOrderbooksBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for token, series := range s.orderbooks {
		kept := series[:0]
		for _, snap := range series {
			if snap.SnapshotAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, snap)
		}
		s.orderbooks[token] = kept
	}
	return deleted, nil
}

// UpsertTierRequest implements storage.TierRequestStore.
func (s *Store) UpsertTierRequest(_ context.Context, req market.TierRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[req.MarketID]; !ok {
		return storage.ErrNotFound
	}
	s.requests[requestKey{strategy: req.Strategy, marketID: req.MarketID}] = req
	return nil
}

// ListLiveTierRequests implements storage.TierRequestStore.
func (s *Store) ListLiveTierRequests(_ context.Context, now time.Time) ([]market.TierRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.TierRequest, 0, len(s.requests))
	for _, req := range s.requests {
		if req.Live(now) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].Strategy < out[j].Strategy
	})
	return out, nil
}

// DeleteTierRequest implements storage.TierRequestStore.
func (s *Store) DeleteTierRequest(_ context.Context, strategy, marketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := requestKey{strategy: strategy, marketID: marketID}
	if _, ok := s.requests[k]; !ok {
		return storage.ErrNotFound
	}
	delete(s.requests, k)
	return nil
}

// DeleteExpiredTierRequests implements storage.TierRequestStore.
func (s *Store) DeleteExpiredTierRequests(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for k, req := range s.requests {
		if !req.Live(now) {
			delete(s.requests, k)
			deleted++
		}
	}
	return deleted, nil
}

// RequestCount returns the number of stored requests, expired included.
func (s *Store) RequestCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// HasTrigger implements storage.TriggerStore.
func (s *Store) HasTrigger(_ context.Context, key market.TriggerKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.triggers[key.String()]
	return ok, nil
}

// InsertTrigger implements storage.TriggerStore.
func (s *Store) InsertTrigger(_ context.Context, t market.Trigger) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := t.Key().String()
	if _, ok := s.triggers[k]; ok {
		return false, nil
	}
	s.triggers[k] = t
	return true, nil
}

// ListTriggers implements storage.TriggerStore.
func (s *Store) ListTriggers(_ context.Context, since time.Time, limit int) ([]market.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.Trigger, 0)
	for _, t := range s.triggers {
		if t.TriggeredAt.Before(since) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func keyOf(marketID, tokenID string, res market.Resolution, bucket time.Time) candleKey {
	return candleKey{marketID: marketID, tokenID: tokenID, res: res, bucket: bucket.UTC().UnixNano()}
}

func cloneRecord(rec market.Record) market.Record {
	out := rec
	out.Tokens = append([]market.OutcomeToken(nil), rec.Tokens...)
	if rec.PinnedTier != nil {
		p := *rec.PinnedTier
		out.PinnedTier = &p
	}
	out.LastStrategySignalAt = cloneTime(rec.LastStrategySignalAt)
	out.BelowRetentionSince = cloneTime(rec.BelowRetentionSince)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ storage.Repository = (*Store)(nil)
