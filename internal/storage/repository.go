package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"market-tiers/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a market does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrTierConflict is returned when a tier compare-and-set lost a race.
	ErrTierConflict = errors.New("storage: tier changed concurrently")
)

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// MarketFilter narrows ListMarkets.
type MarketFilter struct {
	Tier            *market.Tier
	MinTier         market.Tier
	IncludeResolved bool
	Limit           int
}

// MarketStore is the tier-1 universe.
type MarketStore interface {
	UpsertSnapshot(ctx context.Context, rec market.Record) error
	GetMarket(ctx context.Context, id string) (market.Record, error)
	ListMarkets(ctx context.Context, filter MarketFilter) ([]market.Record, error)
	CountByTier(ctx context.Context) (map[market.Tier]int64, error)
	UpdateScore(ctx context.Context, id string, score float64) error
	MarkBelowRetention(ctx context.Context, id string, since *time.Time) error
	UpdateTier(ctx context.Context, id string, from, to market.Tier, at time.Time) error
	SetPinnedTier(ctx context.Context, id string, pinned *market.Tier) error
	MarkStrategySignal(ctx context.Context, id string, at time.Time) error
}

// SnapshotStore keeps the rolling price history used for change deltas.
type SnapshotStore interface {
	InsertPriceSnapshot(ctx context.Context, snap market.PriceSnapshot) error
	PriceAt(ctx context.Context, marketID string, at time.Time) (market.PriceSnapshot, bool, error)
	DeletePriceSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CandleStore keeps tier-2 candle history.
type CandleStore interface {
	UpsertCandle(ctx context.Context, c market.Candle) error
	GetCandle(ctx context.Context, marketID, tokenID string, res market.Resolution, bucket time.Time) (market.Candle, bool, error)
	ListCandles(ctx context.Context, marketID, tokenID string, res market.Resolution, from, to time.Time) ([]market.Candle, error)
	DeleteCandlesBefore(ctx context.Context, res market.Resolution, cutoff time.Time) (int64, error)
}

// OrderbookStore keeps tier-3 depth snapshots.
type OrderbookStore interface {
	InsertOrderbook(ctx context.Context, snap market.OrderbookSnapshot) error
	LatestOrderbook(ctx context.Context, tokenID string) (market.OrderbookSnapshot, bool, error)
	DeleteOrderbooksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TierRequestStore keeps strategy promotion requests.
type TierRequestStore interface {
	UpsertTierRequest(ctx context.Context, req market.TierRequest) error
	ListLiveTierRequests(ctx context.Context, now time.Time) ([]market.TierRequest, error)
	DeleteTierRequest(ctx context.Context, strategy, marketID string) error
	DeleteExpiredTierRequests(ctx context.Context, now time.Time) (int64, error)
}

// TriggerStore is the append-only trigger ledger table.
type TriggerStore interface {
	HasTrigger(ctx context.Context, key market.TriggerKey) (bool, error)
	// InsertTrigger returns false when a trigger with the same key already exists.
	InsertTrigger(ctx context.Context, t market.Trigger) (bool, error)
	ListTriggers(ctx context.Context, since time.Time, limit int) ([]market.Trigger, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository aggregates every table the service touches.
type Repository interface {
	MarketStore
	SnapshotStore
	CandleStore
	OrderbookStore
	TierRequestStore
	TriggerStore
}

// Store is the PostgreSQL Repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock also drops when the connection closes
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func parseDecimal(field, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

var (
	_ Repository     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
