package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"market-tiers/internal/api"
	"market-tiers/internal/ingest"
	"market-tiers/internal/market"
	"market-tiers/internal/pipeline"
	"market-tiers/internal/retention"
	"market-tiers/internal/scheduler"
	"market-tiers/internal/storage"
	"market-tiers/internal/tiering"
)

// Components are the long-running parts the service drives. Stream, API and
// Locker are optional.
type Components struct {
	TierScheduler   *scheduler.Scheduler
	IngestScheduler *scheduler.Scheduler
	BookScheduler   *scheduler.Scheduler

	Tiers    *tiering.Manager
	Poller   *ingest.Poller
	Books    *ingest.BookPoller
	Stream   *ingest.TradeStream
	Cleanup  *retention.Runner
	Pipeline *pipeline.Pipeline
	API      *api.Server

	// EvalMu is shared with the retention cleaner so cleanup never
	// interleaves with a tier evaluation cycle.
	EvalMu  *sync.Mutex
	Locker  storage.AdvisoryLocker
	LockKey int64
}

// Options carry the service settings taken from configuration.
type Options struct {
	ListenAddr string
	Thresholds []decimal.Decimal
}

// Service orchestrates ingestion, tier evaluation, depth capture, the trade
// pipeline, retention and the report API.
//
// With an advisory lock configured, only the instance that won the latest
// tier cycle folds streamed trades into candles and evaluates them. The
// others keep ingesting the catalog but drop trades, so shared candle rows
// are written by a single instance.
type Service struct {
	c      Components
	opts   Options
	leader atomic.Bool
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs the service.
func New(c Components, opts Options, logger zerolog.Logger) (*Service, error) {
	if c.TierScheduler == nil || c.IngestScheduler == nil || c.BookScheduler == nil {
		return nil, fmt.Errorf("scheduler not configured")
	}
	if c.Tiers == nil || c.Poller == nil || c.Books == nil || c.Cleanup == nil || c.Pipeline == nil {
		return nil, fmt.Errorf("service components incomplete")
	}
	if c.EvalMu == nil {
		c.EvalMu = &sync.Mutex{}
	}
	return &Service{
		c:      c,
		opts:   opts,
		logger: logger.With().Str("component", "service").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run reconciles data depth with the persisted tiers and then runs every
// loop until ctx is cancelled or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	if err := s.c.Tiers.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile data depth: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.c.IngestScheduler.Run(ctx, s.SyncUniverse) })
	g.Go(func() error { return s.c.TierScheduler.Run(ctx, s.EvaluateTiers) })
	g.Go(func() error { return s.c.BookScheduler.Run(ctx, s.CaptureBooks) })
	g.Go(func() error { return s.c.Cleanup.Run(ctx) })
	g.Go(func() error { return s.c.Pipeline.Run(ctx) })
	if s.c.Stream != nil {
		g.Go(func() error { return s.c.Stream.Run(ctx, s.HandleTrade) })
	}
	if s.c.API != nil && s.opts.ListenAddr != "" {
		g.Go(func() error { return s.c.API.Run(ctx, s.opts.ListenAddr) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// SyncUniverse refreshes the tier-1 catalog.
func (s *Service) SyncUniverse(ctx context.Context, bucket time.Time) error {
	report, err := s.c.Poller.Sync(ctx, s.now())
	if err != nil {
		return fmt.Errorf("sync universe: %w", err)
	}
	s.logger.Debug().Time("bucket", bucket).
		Int("listed", report.Listed).
		Int("written", report.Written).
		Int("failed", report.Failed).
		Msg("universe synced")
	return nil
}

// EvaluateTiers 执行一次分层评估；仅持有 advisory lock 的实例执行。
func (s *Service) EvaluateTiers(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		if s.leader.Swap(false) {
			s.logger.Info().Msg("advisory lock held elsewhere; streamed trades are now ignored here")
		}
		s.logger.Debug().Time("bucket", bucket).Msg("skip tier cycle because advisory lock held elsewhere")
		return nil
	}
	if !s.leader.Swap(true) && s.locked() {
		s.logger.Info().Msg("advisory lock acquired; processing streamed trades")
	}
	if unlock != nil {
		defer unlock()
	}

	s.c.EvalMu.Lock()
	defer s.c.EvalMu.Unlock()

	cycle, err := s.c.Tiers.Evaluate(ctx, s.now())
	if err != nil {
		return fmt.Errorf("tier cycle: %w", err)
	}
	for _, id := range cycle.Halted {
		s.logger.Error().Str("market_id", id).Time("bucket", bucket).Msg("market halted: demotion would orphan open exposure")
	}
	return nil
}

// CaptureBooks stores orderbook depth for tier-3 markets.
func (s *Service) CaptureBooks(ctx context.Context, bucket time.Time) error {
	n, err := s.c.Books.Capture(ctx, s.now())
	if err != nil {
		return err
	}
	s.logger.Debug().Time("bucket", bucket).Int("captured", n).Msg("orderbooks captured")
	return nil
}

// HandleTrade feeds one streamed trade through the pipeline. Trades are
// dropped while another instance holds the tier cycle lock.
func (s *Service) HandleTrade(ctx context.Context, trade market.TradeEvent) {
	if s.locked() && !s.leader.Load() {
		return
	}
	if _, err := s.c.Pipeline.OnPrice(ctx, trade, s.opts.Thresholds); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).
			Str("market_id", trade.MarketID).
			Str("token_id", trade.TokenID).
			Msg("trade evaluation failed")
	}
}

func (s *Service) locked() bool {
	return s.c.LockKey != 0 && s.c.Locker != nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if !s.locked() {
		return nil, true, nil
	}
	unlock, acquired, err := s.c.Locker.TryAdvisoryLock(ctx, s.c.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
