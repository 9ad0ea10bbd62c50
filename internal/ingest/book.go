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

	"market-tiers/internal/metrics"
	"market-tiers/internal/storage"
)

// BookFetcher returns a live orderbook for a token.
type BookFetcher interface {
	Book(ctx context.Context, tokenID string) (Book, error)
}

// BookOptions tune depth capture and the mid cache.
type BookOptions struct {
	Concurrency int
	Depth       int
	// MidMaxAge bounds how stale a cached mid may be before Mid refetches.
	MidMaxAge time.Duration
}

type cachedMid struct {
	mid decimal.Decimal
	at  time.Time
}

// BookPoller captures tier-3 orderbooks and serves live mid prices to the
// hard filter gate.
type BookPoller struct {
	clob   BookFetcher
	store  storage.OrderbookStore
	depth  *DepthSet
	sem    *semaphore.Weighted
	opts   BookOptions
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	mids map[string]cachedMid
}

// NewBookPoller constructs a BookPoller.
func NewBookPoller(clob BookFetcher, store storage.OrderbookStore, depth *DepthSet, opts BookOptions, logger zerolog.Logger) *BookPoller {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Depth <= 0 {
		opts.Depth = 10
	}
	if opts.MidMaxAge <= 0 {
		opts.MidMaxAge = time.Minute
	}
	return &BookPoller{
		clob:   clob,
		store:  store,
		depth:  depth,
		sem:    semaphore.NewWeighted(int64(opts.Concurrency)),
		opts:   opts,
		logger: logger.With().Str("component", "book_poller").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		mids:   make(map[string]cachedMid),
	}
}

// Capture stores a depth snapshot for every token the depth set enables.
// Per-token failures are logged and skipped.
func (b *BookPoller) Capture(ctx context.Context, now time.Time) (int, error) {
	refs := b.depth.OrderbookTokens()
	var (
		wg       sync.WaitGroup
		captured atomic.Int64
	)
	for _, ref := range refs {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(ref TokenRef) {
			defer wg.Done()
			defer b.sem.Release(1)
			book, err := b.clob.Book(ctx, ref.TokenID)
			if err != nil {
				metrics.IngestErrors.WithLabelValues("clob").Inc()
				b.logger.Warn().Err(err).Str("market_id", ref.MarketID).Str("token_id", ref.TokenID).Msg("book fetch failed")
				return
			}
			snap := book.Snapshot(ref.MarketID, b.opts.Depth, now)
			if snap.Mid.IsPositive() {
				b.remember(ref.TokenID, snap.Mid, now)
			}
			if err := b.store.InsertOrderbook(ctx, snap); err != nil {
				b.logger.Warn().Err(err).Str("token_id", ref.TokenID).Msg("store orderbook failed")
				return
			}
			captured.Add(1)
		}(ref)
	}
	wg.Wait()

	n := int(captured.Load())
	b.logger.Debug().Int("tokens", len(refs)).Int("captured", n).Msg("orderbook capture complete")
	return n, ctx.Err()
}

// Mid returns the live top-of-book mid for a token. A cached value younger
// than MidMaxAge is served; otherwise the book is fetched.
func (b *BookPoller) Mid(ctx context.Context, tokenID string) (decimal.Decimal, bool, error) {
	now := b.now()
	b.mu.RLock()
	cached, ok := b.mids[tokenID]
	b.mu.RUnlock()
	if ok && now.Sub(cached.at) <= b.opts.MidMaxAge {
		return cached.mid, true, nil
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return decimal.Zero, false, err
	}
	book, err := b.clob.Book(ctx, tokenID)
	b.sem.Release(1)
	if err != nil {
		metrics.IngestErrors.WithLabelValues("clob").Inc()
		return decimal.Zero, false, fmt.Errorf("live mid: %w", err)
	}
	mid, ok := book.Mid()
	if !ok {
		return decimal.Zero, false, nil
	}
	b.remember(tokenID, mid, now)
	return mid, true, nil
}

func (b *BookPoller) remember(tokenID string, mid decimal.Decimal, at time.Time) {
	b.mu.Lock()
	b.mids[tokenID] = cachedMid{mid: mid, at: at}
	b.mu.Unlock()
}
