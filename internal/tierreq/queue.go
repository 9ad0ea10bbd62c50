package tierreq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-tiers/internal/market"
	"market-tiers/internal/storage"
)

// DefaultTTL is the lifetime of a request submitted without one.
const DefaultTTL = time.Hour

var (
	// ErrInvalidRequest is returned for malformed submissions.
	ErrInvalidRequest = errors.New("tierreq: invalid request")
)

// Request is a strategy's ask for temporary promotion of a market.
type Request struct {
	Strategy string
	MarketID string
	Tier     market.Tier
	Reason   string
	TTL      time.Duration
}

// Options tune the queue.
type Options struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// Queue stores strategy tier requests keyed by (strategy, market).
type Queue struct {
	store  storage.TierRequestStore
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Queue.
func New(store storage.TierRequestStore, opts Options, logger zerolog.Logger) *Queue {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	return &Queue{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "tier_requests").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates and stores a request. A later submission for the same
// (strategy, market) pair overwrites the earlier one, tier and expiry included.
func (q *Queue) Submit(ctx context.Context, req Request) (market.TierRequest, error) {
	strategy := strings.TrimSpace(req.Strategy)
	marketID := strings.TrimSpace(req.MarketID)
	if strategy == "" {
		return market.TierRequest{}, fmt.Errorf("%w: strategy is required", ErrInvalidRequest)
	}
	if marketID == "" {
		return market.TierRequest{}, fmt.Errorf("%w: market id is required", ErrInvalidRequest)
	}
	if req.Tier != market.TierCandles && req.Tier != market.TierOrderbook {
		return market.TierRequest{}, fmt.Errorf("%w: requested tier must be 2 or 3, got %d", ErrInvalidRequest, int(req.Tier))
	}
	if req.TTL < 0 {
		return market.TierRequest{}, fmt.Errorf("%w: ttl cannot be negative", ErrInvalidRequest)
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = q.opts.DefaultTTL
	}
	if q.opts.MaxTTL > 0 && ttl > q.opts.MaxTTL {
		ttl = q.opts.MaxTTL
	}

	now := q.now()
	stored := market.TierRequest{
		Strategy:      strategy,
		MarketID:      marketID,
		RequestedTier: req.Tier,
		Reason:        strings.TrimSpace(req.Reason),
		RequestedAt:   now,
		ExpiresAt:     now.Add(ttl),
	}
	if err := q.store.UpsertTierRequest(ctx, stored); err != nil {
		return market.TierRequest{}, fmt.Errorf("store tier request: %w", err)
	}

	q.logger.Info().
		Str("strategy", stored.Strategy).
		Str("market_id", stored.MarketID).
		Int("tier", int(stored.RequestedTier)).
		Time("expires_at", stored.ExpiresAt).
		Msg("tier request accepted")
	return stored, nil
}

// Cancel drops the request held by strategy for marketID.
func (q *Queue) Cancel(ctx context.Context, strategy, marketID string) error {
	if err := q.store.DeleteTierRequest(ctx, strategy, marketID); err != nil {
		return fmt.Errorf("cancel tier request: %w", err)
	}
	return nil
}

// LiveByMarket returns, per market, the highest tier requested by any
// unexpired request at now.
func (q *Queue) LiveByMarket(ctx context.Context, now time.Time) (map[string]market.Tier, error) {
	requests, err := q.store.ListLiveTierRequests(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list live tier requests: %w", err)
	}
	out := make(map[string]market.Tier, len(requests))
	for _, req := range requests {
		// the store filters on expiry; re-check so a lagging clock never honours a dead request
		if !req.Live(now) || !req.RequestedTier.Valid() {
			continue
		}
		if req.RequestedTier > out[req.MarketID] {
			out[req.MarketID] = req.RequestedTier
		}
	}
	return out, nil
}

// LiveTier returns the highest live requested tier for one market.
func (q *Queue) LiveTier(ctx context.Context, marketID string, now time.Time) (market.Tier, bool, error) {
	byMarket, err := q.LiveByMarket(ctx, now)
	if err != nil {
		return 0, false, err
	}
	tier, ok := byMarket[marketID]
	return tier, ok, nil
}

// Purge deletes expired requests.
func (q *Queue) Purge(ctx context.Context, now time.Time) (int64, error) {
	n, err := q.store.DeleteExpiredTierRequests(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("purge tier requests: %w", err)
	}
	return n, nil
}
