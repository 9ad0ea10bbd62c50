package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"market-tiers/internal/market"
	"market-tiers/internal/metrics"
	"market-tiers/internal/storage"
)

// DefaultConcurrency bounds concurrent upstream fetches.
const DefaultConcurrency = 10

// Catalog is the upstream market listing.
type Catalog interface {
	ListMarkets(ctx context.Context, offset, limit int) ([]GammaMarket, error)
	GetMarket(ctx context.Context, id string) (GammaMarket, error)
}

// Locker serialises writes to one market record.
type Locker interface {
	Lock(marketID string) (unlock func())
}

// SnapshotWriter is the storage the poller writes.
type SnapshotWriter interface {
	storage.SnapshotStore
	UpsertSnapshot(ctx context.Context, rec market.Record) error
}

// PollerOptions tune catalog paging and fan-out.
type PollerOptions struct {
	Concurrency int
	PageSize    int
	MaxPages    int
}

// SyncReport summarises one catalog pass.
type SyncReport struct {
	Listed  int
	Written int
	Failed  int
}

// Poller keeps the universe store in step with the catalog.
type Poller struct {
	catalog Catalog
	store   SnapshotWriter
	locks   Locker
	tape    *TradeTape
	sem     *semaphore.Weighted
	opts    PollerOptions
	logger  zerolog.Logger
}

// NewPoller constructs a Poller. locks and tape may be nil.
func NewPoller(catalog Catalog, store SnapshotWriter, locks Locker, tape *TradeTape, opts PollerOptions, logger zerolog.Logger) *Poller {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 50
	}
	return &Poller{
		catalog: catalog,
		store:   store,
		locks:   locks,
		tape:    tape,
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
		opts:    opts,
		logger:  logger.With().Str("component", "catalog_poller").Logger(),
	}
}

// Sync pages through the catalog, fetches each market's detail with bounded
// concurrency and writes its snapshot. A failed detail fetch skips that
// market only; a failed page listing aborts the pass.
func (p *Poller) Sync(ctx context.Context, now time.Time) (SyncReport, error) {
	ids, err := p.listIDs(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	report := SyncReport{Listed: len(ids)}

	var (
		wg      sync.WaitGroup
		written atomic.Int64
		failed  atomic.Int64
	)
	for _, id := range ids {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer p.sem.Release(1)
			if err := p.syncOne(ctx, id, now); err != nil {
				failed.Add(1)
				metrics.IngestErrors.WithLabelValues("gamma").Inc()
				p.logger.Warn().Err(err).Str("market_id", id).Msg("market sync failed; skipped this cycle")
				return
			}
			written.Add(1)
		}(id)
	}
	wg.Wait()

	report.Written = int(written.Load())
	report.Failed = int(failed.Load())
	metrics.IngestMarkets.Add(float64(report.Written))
	p.logger.Info().
		Int("listed", report.Listed).
		Int("written", report.Written).
		Int("failed", report.Failed).
		Msg("catalog sync complete")
	return report, ctx.Err()
}

func (p *Poller) listIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	for page := 0; page < p.opts.MaxPages; page++ {
		batch, err := p.catalog.ListMarkets(ctx, page*p.opts.PageSize, p.opts.PageSize)
		if err != nil {
			metrics.IngestErrors.WithLabelValues("gamma_list").Inc()
			return nil, fmt.Errorf("list catalog page %d: %w", page, err)
		}
		for _, m := range batch {
			if m.ID == "" {
				continue
			}
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			ids = append(ids, m.ID)
		}
		if len(batch) < p.opts.PageSize {
			break
		}
	}
	return ids, nil
}

func (p *Poller) syncOne(ctx context.Context, id string, now time.Time) error {
	detail, err := p.catalog.GetMarket(ctx, id)
	if err != nil {
		return err
	}
	rec, err := detail.Record(now)
	if err != nil {
		return err
	}
	if p.tape != nil {
		rec.TradeCount24h = p.tape.Count24h(rec.ID, now)
	}
	if rec.Change1h, err = p.change(ctx, rec, now.Add(-time.Hour)); err != nil {
		return err
	}
	if rec.Change24h, err = p.change(ctx, rec, now.Add(-24*time.Hour)); err != nil {
		return err
	}

	if p.locks != nil {
		unlock := p.locks.Lock(rec.ID)
		defer unlock()
	}
	if err := p.store.UpsertSnapshot(ctx, rec); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	snap := market.PriceSnapshot{MarketID: rec.ID, SnapshotAt: now, Price: rec.LastPrice, Volume24h: rec.Volume24h}
	if err := p.store.InsertPriceSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("insert price snapshot: %w", err)
	}
	return nil
}

// change is the price move since the latest snapshot at or before at; zero
// when no history reaches back that far.
func (p *Poller) change(ctx context.Context, rec market.Record, at time.Time) (decimal.Decimal, error) {
	past, ok, err := p.store.PriceAt(ctx, rec.ID, at)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price history: %w", err)
	}
	if !ok || past.Price.IsZero() {
		return decimal.Zero, nil
	}
	return rec.LastPrice.Sub(past.Price), nil
}
