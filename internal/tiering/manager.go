package tiering

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-tiers/internal/alerting"
	"market-tiers/internal/market"
	"market-tiers/internal/metrics"
	"market-tiers/internal/storage"
)

var (
	// ErrOrphanedExposure is returned for a market whose demotion was refused
	// because the execution side still holds exposure on it.
	ErrOrphanedExposure = errors.New("tiering: demotion would orphan open exposure")
	// ErrInvalidTier is returned for tier values outside 1..3.
	ErrInvalidTier = errors.New("tiering: invalid tier")
)

// Config holds promotion and demotion policy.
type Config struct {
	PromoteTier2  float64
	PromoteTier3  float64
	RetainTier2   float64
	RetainTier3   float64
	DemotionDwell time.Duration
	SignalRecency time.Duration
	AlertCooldown time.Duration
	LiveTrading   bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		PromoteTier2:  0.45,
		PromoteTier3:  0.70,
		RetainTier2:   0.35,
		RetainTier3:   0.60,
		DemotionDwell: 30 * time.Minute,
		SignalRecency: 15 * time.Minute,
		AlertCooldown: 30 * time.Minute,
	}
}

// Validate checks threshold ordering.
func (c Config) Validate() error {
	if c.PromoteTier3 <= c.PromoteTier2 {
		return fmt.Errorf("promote tier3 threshold %.3f must exceed tier2 threshold %.3f", c.PromoteTier3, c.PromoteTier2)
	}
	if c.RetainTier2 > c.PromoteTier2 || c.RetainTier3 > c.PromoteTier3 {
		return fmt.Errorf("retention thresholds cannot exceed promotion thresholds")
	}
	if c.DemotionDwell < 0 || c.SignalRecency < 0 || c.AlertCooldown < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	return nil
}

// Scorer computes the interestingness score of a market.
type Scorer interface {
	Score(rec market.Record, now time.Time) float64
}

// RequestSource reports, per market, the highest tier asked for by a live
// strategy request.
type RequestSource interface {
	LiveByMarket(ctx context.Context, now time.Time) (map[string]market.Tier, error)
}

// ExposureChecker reports whether the execution side holds open exposure on
// a market.
type ExposureChecker interface {
	HasOpenExposure(ctx context.Context, marketID string) (bool, error)
}

// NoExposure is the checker used when no execution collaborator is wired.
type NoExposure struct{}

// HasOpenExposure always reports false.
func (NoExposure) HasOpenExposure(context.Context, string) (bool, error) { return false, nil }

// DataDepthController starts and stops the tier-2 and tier-3 feeds.
type DataDepthController interface {
	EnableCandles(ctx context.Context, rec market.Record) error
	DisableCandles(ctx context.Context, marketID string) error
	EnableOrderbook(ctx context.Context, rec market.Record) error
	DisableOrderbook(ctx context.Context, marketID string) error
}

// Transition is a single recorded one-step tier change.
type Transition struct {
	MarketID string
	From     market.Tier
	To       market.Tier
	Reason   string
	At       time.Time
}

// Cycle summarises one evaluation pass.
type Cycle struct {
	StartedAt   time.Time
	FinishedAt  time.Time
	Evaluated   int
	Failed      int
	Transitions []Transition
	Halted      []string
}

// Manager owns tier transitions on market records.
type Manager struct {
	cfg      Config
	store    storage.MarketStore
	scorer   Scorer
	requests RequestSource
	exposure ExposureChecker
	depth    DataDepthController
	notifier alerting.Notifier
	locks    *MarketLocks
	logger   zerolog.Logger

	haltMu sync.RWMutex
	halts  map[string]*halt
}

// halt marks a market whose demotion was refused for open exposure. It stays
// until a cycle finds the exposure closed.
type halt struct {
	since     time.Time
	alertedAt time.Time
}

// Options carries the Manager collaborators. Exposure, Depth and Notifier are
// optional.
type Options struct {
	Store    storage.MarketStore
	Scorer   Scorer
	Requests RequestSource
	Exposure ExposureChecker
	Depth    DataDepthController
	Notifier alerting.Notifier
	Locks    *MarketLocks
}

// New constructs a Manager.
func New(cfg Config, opts Options, logger zerolog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tiering config: %w", err)
	}
	if opts.Store == nil || opts.Scorer == nil || opts.Requests == nil {
		return nil, errors.New("tiering: store, scorer and requests are required")
	}
	if opts.Exposure == nil {
		opts.Exposure = NoExposure{}
	}
	if opts.Locks == nil {
		opts.Locks = NewMarketLocks()
	}
	return &Manager{
		cfg:      cfg,
		store:    opts.Store,
		scorer:   opts.Scorer,
		requests: opts.Requests,
		exposure: opts.Exposure,
		depth:    opts.Depth,
		notifier: opts.Notifier,
		locks:    opts.Locks,
		logger:   logger.With().Str("component", "tier_manager").Logger(),
		halts:    make(map[string]*halt),
	}, nil
}

// Locks exposes the per-market lock set so ingestion can serialise snapshot
// writes against tier evaluation.
func (m *Manager) Locks() *MarketLocks {
	return m.locks
}

// Evaluate runs one pass over the universe. Each market is an independent
// unit of work: a failure or cancellation leaves transitions already
// committed for other markets in place. Only a failure to load the universe
// or the live requests aborts the pass.
func (m *Manager) Evaluate(ctx context.Context, now time.Time) (Cycle, error) {
	cycle := Cycle{StartedAt: now}
	started := time.Now()
	defer func() {
		metrics.TierCycleSeconds.Observe(time.Since(started).Seconds())
	}()

	requested, err := m.requests.LiveByMarket(ctx, now)
	if err != nil {
		return cycle, fmt.Errorf("load tier requests: %w", err)
	}

	records, err := m.universe(ctx)
	if err != nil {
		return cycle, err
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			cycle.FinishedAt = time.Now().UTC()
			return cycle, err
		}
		cycle.Evaluated++

		transitions, err := m.evaluateMarket(ctx, rec.ID, requested[rec.ID], now)
		cycle.Transitions = append(cycle.Transitions, transitions...)
		switch {
		case err == nil:
			if m.Halted(rec.ID) {
				cycle.Halted = append(cycle.Halted, rec.ID)
			}
		case errors.Is(err, ErrOrphanedExposure):
			cycle.Halted = append(cycle.Halted, rec.ID)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			cycle.FinishedAt = time.Now().UTC()
			return cycle, err
		default:
			cycle.Failed++
			m.logger.Warn().Err(err).Str("market_id", rec.ID).Msg("tier evaluation failed; market skipped")
		}
	}

	m.publishCounts(ctx)
	cycle.FinishedAt = time.Now().UTC()
	m.logger.Info().
		Int("evaluated", cycle.Evaluated).
		Int("transitions", len(cycle.Transitions)).
		Int("halted", len(cycle.Halted)).
		Int("failed", cycle.Failed).
		Msg("tier cycle complete")
	return cycle, nil
}

// universe lists unresolved markets plus resolved ones still holding a
// promoted tier, so those drain back to tier 1.
func (m *Manager) universe(ctx context.Context) ([]market.Record, error) {
	open, err := m.store.ListMarkets(ctx, storage.MarketFilter{})
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	promoted, err := m.store.ListMarkets(ctx, storage.MarketFilter{MinTier: market.TierCandles, IncludeResolved: true})
	if err != nil {
		return nil, fmt.Errorf("list promoted markets: %w", err)
	}
	seen := make(map[string]struct{}, len(open))
	for _, rec := range open {
		seen[rec.ID] = struct{}{}
	}
	for _, rec := range promoted {
		if _, ok := seen[rec.ID]; !ok {
			open = append(open, rec)
		}
	}
	return open, nil
}

func (m *Manager) evaluateMarket(ctx context.Context, marketID string, requested market.Tier, now time.Time) ([]Transition, error) {
	unlock := m.locks.Lock(marketID)
	defer unlock()

	// re-read under the lock; ingestion may have written since the listing
	rec, err := m.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("load market: %w", err)
	}
	if !rec.Tier.Valid() {
		return nil, fmt.Errorf("%w: market %s holds tier %d", ErrInvalidTier, rec.ID, int(rec.Tier))
	}
	if err := m.recheckHalt(ctx, rec.ID, now); err != nil {
		return nil, err
	}

	score := m.scorer.Score(rec, now)
	if score != rec.Score {
		if err := m.store.UpdateScore(ctx, rec.ID, score); err != nil {
			return nil, fmt.Errorf("update score: %w", err)
		}
		rec.Score = score
	}

	target := m.promotionTarget(rec, score, requested)
	if target > rec.Tier {
		return m.climb(ctx, &rec, target, promotionReason(rec, score, requested, target), now)
	}
	if rec.Tier == market.TierCatalog {
		return nil, nil
	}
	return m.considerDemotion(ctx, &rec, score, requested, now)
}

// promotionTarget is the highest tier the market is entitled to right now:
// score thresholds, a live request, or the pinned floor.
func (m *Manager) promotionTarget(rec market.Record, score float64, requested market.Tier) market.Tier {
	target := market.TierCatalog
	switch {
	case score > m.cfg.PromoteTier3:
		target = market.TierOrderbook
	case score > m.cfg.PromoteTier2:
		target = market.TierCandles
	}
	if requested.Valid() && requested > target {
		target = requested
	}
	if rec.PinnedTier != nil && rec.PinnedTier.Valid() && *rec.PinnedTier > target {
		target = *rec.PinnedTier
	}
	return target
}

func promotionReason(rec market.Record, score float64, requested, target market.Tier) string {
	switch {
	case rec.PinnedTier != nil && *rec.PinnedTier >= target:
		return "pinned"
	case requested >= target:
		return "strategy_request"
	default:
		return "score " + strconv.FormatFloat(score, 'f', 3, 64)
	}
}

// climb promotes one tier at a time so every intermediate tier is recorded.
func (m *Manager) climb(ctx context.Context, rec *market.Record, target market.Tier, reason string, now time.Time) ([]Transition, error) {
	var out []Transition
	for rec.Tier < target {
		tr, err := m.step(ctx, rec, rec.Tier+1, reason, now)
		if err != nil {
			return out, err
		}
		out = append(out, tr)
	}
	return out, nil
}

func (m *Manager) considerDemotion(ctx context.Context, rec *market.Record, score float64, requested market.Tier, now time.Time) ([]Transition, error) {
	if score >= m.retentionThreshold(rec.Tier) {
		if rec.BelowRetentionSince != nil {
			if err := m.store.MarkBelowRetention(ctx, rec.ID, nil); err != nil {
				return nil, fmt.Errorf("clear retention mark: %w", err)
			}
		}
		return nil, nil
	}

	if rec.BelowRetentionSince == nil {
		since := now
		if err := m.store.MarkBelowRetention(ctx, rec.ID, &since); err != nil {
			return nil, fmt.Errorf("set retention mark: %w", err)
		}
		return nil, nil
	}
	if now.Sub(*rec.BelowRetentionSince) < m.cfg.DemotionDwell {
		return nil, nil
	}

	log := m.logger.With().Str("market_id", rec.ID).Int("tier", int(rec.Tier)).Logger()
	if requested.Valid() && requested >= rec.Tier {
		log.Debug().Int("requested", int(requested)).Msg("demotion held by strategy request")
		return nil, nil
	}
	if rec.PinnedTier != nil && *rec.PinnedTier >= rec.Tier {
		log.Debug().Int("pinned", int(*rec.PinnedTier)).Msg("demotion held by pin")
		return nil, nil
	}
	if rec.LastStrategySignalAt != nil && now.Sub(*rec.LastStrategySignalAt) < m.cfg.SignalRecency {
		log.Debug().Time("last_signal", *rec.LastStrategySignalAt).Msg("demotion held by recent strategy signal")
		return nil, nil
	}

	exposed, err := m.exposure.HasOpenExposure(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("check open exposure: %w", err)
	}
	if exposed {
		return nil, m.refuseOrphaningDemotion(ctx, *rec, now)
	}

	tr, err := m.step(ctx, rec, rec.Tier-1, "below retention for "+now.Sub(*rec.BelowRetentionSince).Truncate(time.Second).String(), now)
	if err != nil {
		return nil, err
	}
	return []Transition{tr}, nil
}

func (m *Manager) retentionThreshold(t market.Tier) float64 {
	if t == market.TierOrderbook {
		return m.cfg.RetainTier3
	}
	return m.cfg.RetainTier2
}

func (m *Manager) refuseOrphaningDemotion(ctx context.Context, rec market.Record, now time.Time) error {
	fresh, alert := m.markHalted(rec.ID, now)
	if fresh {
		metrics.TierHalted.Inc()
		m.logger.Error().
			Str("market_id", rec.ID).
			Int("tier", int(rec.Tier)).
			Bool("live_trading", m.cfg.LiveTrading).
			Msg("demotion refused: market still carries open exposure; halting trigger processing")
	}

	if alert && m.notifier != nil {
		severity := alerting.SeverityWarning
		if m.cfg.LiveTrading {
			severity = alerting.SeverityCritical
		}
		note := alerting.Notification{
			At:       now,
			Severity: severity,
			Kind:     "orphaned_exposure",
			MarketID: rec.ID,
			Question: rec.Question,
			Title:    "tier demotion blocked by open exposure",
			Fields: map[string]string{
				"from_tier":    strconv.Itoa(int(rec.Tier)),
				"to_tier":      strconv.Itoa(int(rec.Tier - 1)),
				"score":        strconv.FormatFloat(rec.Score, 'f', 3, 64),
				"halted_since": m.haltedSince(rec.ID).Format(time.RFC3339),
			},
		}
		if err := m.notifier.Notify(ctx, note); err != nil {
			m.logger.Warn().Err(err).Str("market_id", rec.ID).Msg("failed to deliver exposure alert")
		}
	}
	return fmt.Errorf("%w: market %s", ErrOrphanedExposure, rec.ID)
}

// markHalted records the halt and reports whether it is new and whether the
// alert cooldown has elapsed.
func (m *Manager) markHalted(marketID string, now time.Time) (fresh, alert bool) {
	m.haltMu.Lock()
	defer m.haltMu.Unlock()
	h, ok := m.halts[marketID]
	if !ok {
		h = &halt{since: now}
		m.halts[marketID] = h
	}
	if h.alertedAt.IsZero() || now.Sub(h.alertedAt) >= m.cfg.AlertCooldown {
		h.alertedAt = now
		alert = true
	}
	return !ok, alert
}

func (m *Manager) haltedSince(marketID string) time.Time {
	m.haltMu.RLock()
	defer m.haltMu.RUnlock()
	if h, ok := m.halts[marketID]; ok {
		return h.since
	}
	return time.Time{}
}

// recheckHalt lifts the halt on a market once its exposure has closed.
func (m *Manager) recheckHalt(ctx context.Context, marketID string, now time.Time) error {
	if !m.Halted(marketID) {
		return nil
	}
	exposed, err := m.exposure.HasOpenExposure(ctx, marketID)
	if err != nil {
		return fmt.Errorf("check open exposure: %w", err)
	}
	if exposed {
		return nil
	}
	since := m.haltedSince(marketID)
	m.haltMu.Lock()
	delete(m.halts, marketID)
	m.haltMu.Unlock()
	m.logger.Info().Str("market_id", marketID).Dur("halted_for", now.Sub(since)).Msg("exposure closed; halt lifted")
	return nil
}

// Halted reports whether trigger processing for the market is halted.
func (m *Manager) Halted(marketID string) bool {
	m.haltMu.RLock()
	defer m.haltMu.RUnlock()
	_, ok := m.halts[marketID]
	return ok
}

// step commits one adjacent transition, then starts or stops the feed it
// governs. A feed failure is logged; the transition stays committed and
// Reconcile re-applies the feed on the next start.
func (m *Manager) step(ctx context.Context, rec *market.Record, to market.Tier, reason string, now time.Time) (Transition, error) {
	from := rec.Tier
	if err := m.store.UpdateTier(ctx, rec.ID, from, to, now); err != nil {
		return Transition{}, fmt.Errorf("update tier %d->%d: %w", int(from), int(to), err)
	}
	rec.Tier = to
	rec.TierChangedAt = now
	rec.BelowRetentionSince = nil

	metrics.TierTransitions.WithLabelValues(strconv.Itoa(int(from)), strconv.Itoa(int(to))).Inc()
	m.logger.Info().
		Str("market_id", rec.ID).
		Int("from", int(from)).
		Int("to", int(to)).
		Str("reason", reason).
		Msg("tier transition")

	if err := m.applyDepth(ctx, *rec, from, to); err != nil {
		m.logger.Warn().Err(err).Str("market_id", rec.ID).Msg("data depth change failed")
	}
	return Transition{MarketID: rec.ID, From: from, To: to, Reason: reason, At: now}, nil
}

func (m *Manager) applyDepth(ctx context.Context, rec market.Record, from, to market.Tier) error {
	if m.depth == nil {
		return nil
	}
	switch {
	case from == market.TierCatalog && to == market.TierCandles:
		return m.depth.EnableCandles(ctx, rec)
	case from == market.TierCandles && to == market.TierOrderbook:
		return m.depth.EnableOrderbook(ctx, rec)
	case from == market.TierOrderbook && to == market.TierCandles:
		return m.depth.DisableOrderbook(ctx, rec.ID)
	case from == market.TierCandles && to == market.TierCatalog:
		return m.depth.DisableCandles(ctx, rec.ID)
	}
	return nil
}

// Reconcile enables the feeds for every promoted market. Run it at startup so
// the data depth controller matches the persisted tiers.
func (m *Manager) Reconcile(ctx context.Context) error {
	if m.depth == nil {
		return nil
	}
	promoted, err := m.store.ListMarkets(ctx, storage.MarketFilter{MinTier: market.TierCandles})
	if err != nil {
		return fmt.Errorf("list promoted markets: %w", err)
	}
	for _, rec := range promoted {
		if err := m.depth.EnableCandles(ctx, rec); err != nil {
			return fmt.Errorf("enable candles for %s: %w", rec.ID, err)
		}
		if rec.Tier == market.TierOrderbook {
			if err := m.depth.EnableOrderbook(ctx, rec); err != nil {
				return fmt.Errorf("enable orderbook for %s: %w", rec.ID, err)
			}
		}
	}
	m.logger.Info().Int("promoted", len(promoted)).Msg("data depth reconciled")
	return nil
}

// Pin sets or clears (pinned == nil) the manual tier floor. A market below
// its new floor is raised immediately, one recorded step at a time.
func (m *Manager) Pin(ctx context.Context, marketID string, pinned *market.Tier, now time.Time) (market.Record, []Transition, error) {
	if pinned != nil && !pinned.Valid() {
		return market.Record{}, nil, fmt.Errorf("%w: %d", ErrInvalidTier, int(*pinned))
	}

	unlock := m.locks.Lock(marketID)
	defer unlock()

	if err := m.store.SetPinnedTier(ctx, marketID, pinned); err != nil {
		return market.Record{}, nil, fmt.Errorf("set pinned tier: %w", err)
	}
	rec, err := m.store.GetMarket(ctx, marketID)
	if err != nil {
		return market.Record{}, nil, fmt.Errorf("load market: %w", err)
	}

	if pinned == nil {
		m.logger.Info().Str("market_id", marketID).Msg("tier pin cleared")
		return rec, nil, nil
	}
	m.logger.Info().Str("market_id", marketID).Int("pinned", int(*pinned)).Msg("tier pinned")

	transitions, err := m.climb(ctx, &rec, *pinned, "pinned", now)
	return rec, transitions, err
}

// MarkSignal records that a strategy acted on the market at at, exempting it
// from demotion for the signal recency window.
func (m *Manager) MarkSignal(ctx context.Context, marketID string, at time.Time) error {
	if err := m.store.MarkStrategySignal(ctx, marketID, at); err != nil {
		return fmt.Errorf("mark strategy signal: %w", err)
	}
	return nil
}

func (m *Manager) publishCounts(ctx context.Context) {
	counts, err := m.store.CountByTier(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("count by tier failed")
		return
	}
	for _, t := range []market.Tier{market.TierCatalog, market.TierCandles, market.TierOrderbook} {
		metrics.TierMarkets.WithLabelValues(strconv.Itoa(int(t))).Set(float64(counts[t]))
	}
}
