package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-tiers/internal/alerting"
	"market-tiers/internal/api"
	"market-tiers/internal/config"
	"market-tiers/internal/filter"
	"market-tiers/internal/ingest"
	"market-tiers/internal/ledger"
	"market-tiers/internal/market"
	"market-tiers/internal/pipeline"
	"market-tiers/internal/retention"
	"market-tiers/internal/scheduler"
	"market-tiers/internal/scoring"
	"market-tiers/internal/service"
	"market-tiers/internal/storage"
	"market-tiers/internal/storage/memstore"
	"market-tiers/internal/tiering"
	"market-tiers/internal/tierreq"
	"market-tiers/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; os.Stdout by default.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// backend is the repository the commands run against. pg is nil when the
// in-memory store stands in for PostgreSQL.
type backend struct {
	repo   storage.Repository
	locker storage.AdvisoryLocker
	pg     *storage.Store
	close  func()
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openBackend opens PostgreSQL, falling back to the in-memory store when no
// DSN is configured.
func (a *App) openBackend(ctx context.Context) (backend, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return backend{}, err
	}
	if store == nil {
		return backend{repo: memstore.New(), close: func() {}}, nil
	}
	return backend{repo: store, locker: store, pg: store, close: closeStore}, nil
}

// requireDatabase opens PostgreSQL or fails; commands that inspect or change
// persisted state have nothing to work on without it.
func (a *App) requireDatabase(ctx context.Context, action string) (backend, error) {
	be, err := a.openBackend(ctx)
	if err != nil {
		return backend{}, err
	}
	if be.pg == nil {
		return backend{}, errors.New("database not configured; cannot " + action)
	}
	return be, nil
}

func (a *App) scoringWeights() scoring.Weights {
	s := a.Config.Scoring
	return scoring.Weights{
		Volume:          s.VolumeWeight,
		Trades:          s.TradeWeight,
		Spread:          s.SpreadWeight,
		VolumeScale:     s.VolumeScale,
		TradeScale:      s.TradeScale,
		MaxSpread:       s.MaxSpread,
		MinHorizonHours: s.MinHorizonHours,
	}
}

func (a *App) tieringConfig() tiering.Config {
	t := a.Config.Tiering
	return tiering.Config{
		PromoteTier2:  t.PromoteTier2,
		PromoteTier3:  t.PromoteTier3,
		RetainTier2:   t.RetainTier2,
		RetainTier3:   t.RetainTier3,
		DemotionDwell: t.DemotionDwell,
		SignalRecency: t.SignalRecency,
		AlertCooldown: a.Config.Alerting.Cooldown,
		LiveTrading:   a.Config.App.LiveTrading,
	}
}

func (a *App) filterConfig() filter.Config {
	f := a.Config.Filters
	return filter.Config{
		MaxTradeAge:          f.MaxTradeAge,
		WeatherWords:         f.WeatherWords,
		MinHoursToResolution: f.MinHoursToResolution,
		MinTradeSize:         decimal.NewFromFloat(f.MinTradeSize),
		BlockedCategories:    f.BlockedCategories,
		MaxBookDeviation:     decimal.NewFromFloat(f.MaxBookDeviation),
	}
}

func (a *App) retentionConfig() retention.Config {
	r := a.Config.Retention
	return retention.Config{
		PriceSnapshots: r.PriceSnapshots,
		Candles: map[market.Resolution]time.Duration{
			market.Resolution5m: r.Candles5m,
			market.Resolution1h: r.Candles1h,
			market.Resolution1d: r.Candles1d,
		},
		Orderbooks: r.Orderbooks,
	}
}

func (a *App) thresholds() []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(a.Config.Pipeline.Thresholds))
	for _, th := range a.Config.Pipeline.Thresholds {
		out = append(out, decimal.NewFromFloat(th))
	}
	return out
}

func (a *App) requestQueue(repo storage.TierRequestStore) *tierreq.Queue {
	return tierreq.New(repo, tierreq.Options{
		DefaultTTL: a.Config.Tiering.RequestTTL,
		MaxTTL:     a.Config.Tiering.MaxRequestTTL,
	}, a.Logger)
}

func (a *App) clientOptions() ingest.ClientOptions {
	return ingest.ClientOptions{
		Timeout:    a.Config.Ingest.RequestTimeout,
		RetryCount: a.Config.Ingest.RetryCount,
		UserAgent:  a.Config.Ingest.UserAgent,
	}
}

func (a *App) newScheduler(name string, interval time.Duration) *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Name:         name,
		Interval:     interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		MaxBackoff:   a.Config.Scheduler.MaxBackoff,
	}, a.Logger)
}

// stack is every long-running component wired against one backend.
type stack struct {
	service.Components
	Queue   *tierreq.Queue
	Reports *pipeline.Reports
	Cleaner *retention.Cleaner
}

func (a *App) newTiers(repo storage.Repository, queue *tierreq.Queue, depth *ingest.DepthSet) (*tiering.Manager, error) {
	return tiering.New(a.tieringConfig(), tiering.Options{
		Store:    repo,
		Scorer:   scoring.New(a.scoringWeights()),
		Requests: queue,
		Exposure: tiering.NoExposure{},
		Depth:    depth,
		Notifier: a.newNotifier(),
	}, a.Logger)
}

func (a *App) buildStack(be backend) (*stack, error) {
	cfg := a.Config
	depth := ingest.NewDepthSet()
	tape := ingest.NewTradeTape()
	queue := a.requestQueue(be.repo)

	tiers, err := a.newTiers(be.repo, queue, depth)
	if err != nil {
		return nil, err
	}

	gamma := ingest.NewGammaClient(cfg.Ingest.GammaBaseURL, a.clientOptions())
	clob := ingest.NewClobClient(cfg.Ingest.ClobBaseURL, a.clientOptions())
	poller := ingest.NewPoller(gamma, be.repo, tiers.Locks(), tape, ingest.PollerOptions{
		Concurrency: cfg.Ingest.Concurrency,
		PageSize:    cfg.Ingest.PageSize,
		MaxPages:    cfg.Ingest.MaxPages,
	}, a.Logger)
	books := ingest.NewBookPoller(clob, be.repo, depth, ingest.BookOptions{
		Concurrency: cfg.Ingest.Concurrency,
		Depth:       cfg.Ingest.BookDepth,
		MidMaxAge:   cfg.Ingest.MidMaxAge,
	}, a.Logger)

	evalMu := &sync.Mutex{}
	cleaner := retention.New(a.retentionConfig(), be.repo, queue, evalMu, a.Logger)
	cleanup, err := retention.NewRunner(cfg.Scheduler.CleanupSpec, cleaner, a.Logger)
	if err != nil {
		return nil, err
	}

	led := ledger.New(be.repo, cfg.Pipeline.LedgerStripes, a.Logger)
	gate, err := filter.New(a.filterConfig(), led, books, a.Logger)
	if err != nil {
		return nil, err
	}
	reports := pipeline.NewReports(cfg.Pipeline.RejectionLimit, decimal.NewFromFloat(cfg.Pipeline.NearBand)).
		KeepFor(cfg.Pipeline.ReportWindow)
	pipe, err := pipeline.New(pipeline.Options{
		Markets:       be.repo,
		Gate:          gate,
		Ledger:        led,
		Signals:       tiers,
		Halts:         tiers,
		Candles:       ingest.NewCandleAggregator(be.repo, depth, tape),
		Reports:       reports,
		HandoffBuffer: cfg.Pipeline.HandoffBuffer,
	}, a.Logger)
	if err != nil {
		return nil, err
	}

	s := &stack{
		Components: service.Components{
			TierScheduler:   a.newScheduler("tiers", cfg.Scheduler.TierInterval),
			IngestScheduler: a.newScheduler("ingest", cfg.Scheduler.IngestInterval),
			BookScheduler:   a.newScheduler("books", cfg.Scheduler.BookInterval),
			Tiers:           tiers,
			Poller:          poller,
			Books:           books,
			Cleanup:         cleanup,
			Pipeline:        pipe,
			EvalMu:          evalMu,
			LockKey:         cfg.Scheduler.AdvisoryLockKey,
		},
		Queue:   queue,
		Reports: reports,
		Cleaner: cleaner,
	}
	if be.locker != nil {
		s.Locker = be.locker
	}
	if cfg.Ingest.StreamEnabled {
		s.Stream = ingest.NewTradeStream(depth, ingest.StreamOptions{URL: cfg.Ingest.StreamURL}, a.Logger)
	}
	if cfg.API.Enabled {
		s.API = api.New(api.Options{
			Reports:        reports,
			Tiers:          be.repo,
			Requests:       queue,
			Window:         cfg.Pipeline.ReportWindow,
			RejectionLimit: cfg.Pipeline.RejectionLimit,
			Debug:          cfg.Logging.Level == "debug",
		}, a.Logger)
	}
	return s, nil
}

// Run executes the long-running tiering service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	be, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer be.close()
	if be.pg == nil {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store, nothing survives a restart")
	}

	s, err := a.buildStack(be)
	if err != nil {
		return err
	}

	opts := service.Options{Thresholds: a.thresholds()}
	if a.Config.API.Enabled {
		opts.ListenAddr = a.Config.API.ListenAddr
	}
	svc, err := service.New(s.Components, opts, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("version", version.String()).
		Bool("live_trading", a.Config.App.LiveTrading).
		Bool("stream", s.Stream != nil).
		Str("listen_addr", opts.ListenAddr).
		Msg("starting tiering service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("tiering service stopped")
	return nil
}

// ExportOptions hold parameters for exporting candle history.
type ExportOptions struct {
	MarketID   string
	TokenID    string
	Resolution market.Resolution
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Tier  *market.Tier
	Limit int
}
