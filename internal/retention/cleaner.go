package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-tiers/internal/market"
	"market-tiers/internal/metrics"
	"market-tiers/internal/storage"
)

// Config holds per-table retention windows. A zero window keeps rows forever.
type Config struct {
	PriceSnapshots time.Duration
	Candles        map[market.Resolution]time.Duration
	Orderbooks     time.Duration
}

// DefaultConfig returns the documented windows.
func DefaultConfig() Config {
	return Config{
		PriceSnapshots: 24 * time.Hour,
		Candles: map[market.Resolution]time.Duration{
			market.Resolution5m: 7 * 24 * time.Hour,
			market.Resolution1h: 90 * 24 * time.Hour,
			market.Resolution1d: 0,
		},
		Orderbooks: 7 * 24 * time.Hour,
	}
}

// Store is the subset of the repository cleanup touches.
type Store interface {
	storage.SnapshotStore
	storage.CandleStore
	storage.OrderbookStore
}

// RequestPurger deletes expired tier requests.
type RequestPurger interface {
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// Table names used in reports and metrics.
const (
	TablePriceSnapshots = "price_snapshots"
	TableOrderbooks     = "orderbook_snapshots"
	TableTierRequests   = "strategy_tier_requests"
)

// CandleTable names the candle rows of one resolution.
func CandleTable(res market.Resolution) string {
	return "price_candles_" + string(res)
}

// Cutoff is the delete-before boundary of a table.
type Cutoff struct {
	Table  string
	Before time.Time
}

// Report summarises a cleanup run.
type Report struct {
	RanAt   time.Time
	Cutoffs []Cutoff
	Deleted map[string]int64
}

// Total returns the number of deleted rows.
func (r Report) Total() int64 {
	var n int64
	for _, v := range r.Deleted {
		n += v
	}
	return n
}

// Cleaner prunes time-series tables per retention window.
type Cleaner struct {
	cfg      Config
	store    Store
	requests RequestPurger
	guard    sync.Locker
	logger   zerolog.Logger
}

// New constructs a Cleaner. guard, when set, is held for the whole run; pass
// the same lock the tier evaluation cycle holds so cleanup never interleaves
// with an evaluation.
func New(cfg Config, store Store, requests RequestPurger, guard sync.Locker, logger zerolog.Logger) *Cleaner {
	return &Cleaner{
		cfg:      cfg,
		store:    store,
		requests: requests,
		guard:    guard,
		logger:   logger.With().Str("component", "retention").Logger(),
	}
}

// Cutoffs lists the boundaries a run at now would apply. Tables with an
// unbounded window are omitted.
func (c *Cleaner) Cutoffs(now time.Time) []Cutoff {
	var out []Cutoff
	if c.cfg.PriceSnapshots > 0 {
		out = append(out, Cutoff{Table: TablePriceSnapshots, Before: now.Add(-c.cfg.PriceSnapshots)})
	}
	for _, res := range market.Resolutions {
		if window := c.cfg.Candles[res]; window > 0 {
			out = append(out, Cutoff{Table: CandleTable(res), Before: now.Add(-window)})
		}
	}
	if c.cfg.Orderbooks > 0 {
		out = append(out, Cutoff{Table: TableOrderbooks, Before: now.Add(-c.cfg.Orderbooks)})
	}
	if c.requests != nil {
		out = append(out, Cutoff{Table: TableTierRequests, Before: now})
	}
	return out
}

// Run deletes every row older than its table's cutoff. It is idempotent; a
// failure on one table is logged and the remaining tables are still pruned.
func (c *Cleaner) Run(ctx context.Context, now time.Time) (Report, error) {
	if c.guard != nil {
		c.guard.Lock()
		defer c.guard.Unlock()
	}

	report := Report{RanAt: now, Cutoffs: c.Cutoffs(now), Deleted: make(map[string]int64)}
	var errs []error
	for _, cut := range report.Cutoffs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		n, err := c.prune(ctx, cut, now)
		if err != nil {
			c.logger.Warn().Err(err).Str("table", cut.Table).Msg("cleanup failed")
			errs = append(errs, fmt.Errorf("%s: %w", cut.Table, err))
			continue
		}
		report.Deleted[cut.Table] = n
		if n > 0 {
			metrics.CleanupDeleted.WithLabelValues(cut.Table).Add(float64(n))
		}
	}

	c.logger.Info().
		Int64("deleted", report.Total()).
		Int("tables", len(report.Cutoffs)).
		Msg("retention cleanup complete")
	return report, errors.Join(errs...)
}

func (c *Cleaner) prune(ctx context.Context, cut Cutoff, now time.Time) (int64, error) {
	switch cut.Table {
	case TablePriceSnapshots:
		return c.store.DeletePriceSnapshotsBefore(ctx, cut.Before)
	case TableOrderbooks:
		return c.store.DeleteOrderbooksBefore(ctx, cut.Before)
	case TableTierRequests:
		return c.requests.Purge(ctx, now)
	}
	for _, res := range market.Resolutions {
		if cut.Table == CandleTable(res) {
			return c.store.DeleteCandlesBefore(ctx, res, cut.Before)
		}
	}
	return 0, fmt.Errorf("unknown table %q", cut.Table)
}
