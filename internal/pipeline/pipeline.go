// Package pipeline runs each incoming trade through the hard filter gate and
// the trigger ledger, and hands accepted triggers to execution without
// waiting on it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-tiers/internal/filter"
	"market-tiers/internal/ledger"
	"market-tiers/internal/market"
	"market-tiers/internal/metrics"
	"market-tiers/internal/storage"
)

// DefaultHandoffBuffer is the hand-off queue depth used when none is set.
const DefaultHandoffBuffer = 256

// MarketSource loads universe records.
type MarketSource interface {
	GetMarket(ctx context.Context, id string) (market.Record, error)
}

// Gate evaluates a candidate against the hard filters.
type Gate interface {
	Evaluate(ctx context.Context, c filter.Candidate) filter.Decision
}

// TriggerLedger serialises and records triggers per key.
type TriggerLedger interface {
	Lock(key market.TriggerKey) (unlock func())
	Record(ctx context.Context, t market.Trigger) error
}

// SignalMarker stamps the market's last strategy signal.
type SignalMarker interface {
	MarkSignal(ctx context.Context, marketID string, at time.Time) error
}

// HaltChecker reports markets whose trigger processing is halted.
type HaltChecker interface {
	Halted(marketID string) bool
}

// CandleSink folds the trade into candle history.
type CandleSink interface {
	Apply(ctx context.Context, trade market.TradeEvent) (bool, error)
}

// Handoff is an accepted trigger passed to execution.
type Handoff struct {
	EvaluationID string
	Trigger      market.Trigger
	Market       market.Record
}

// Executor is the order-side collaborator.
type Executor interface {
	Execute(ctx context.Context, h Handoff) error
}

// LogExecutor only logs hand-offs. It is used when no execution
// collaborator is wired in.
type LogExecutor struct {
	Logger zerolog.Logger
}

// Execute logs the hand-off.
func (e LogExecutor) Execute(_ context.Context, h Handoff) error {
	e.Logger.Info().
		Str("evaluation_id", h.EvaluationID).
		Str("market_id", h.Trigger.MarketID).
		Str("token_id", h.Trigger.TokenID).
		Str("threshold", h.Trigger.Threshold.String()).
		Str("price", h.Trigger.TriggerPrice.String()).
		Msg("trigger handed off")
	return nil
}

// Options wires the pipeline collaborators. Signals, Halts, Candles and
// Reports are optional.
type Options struct {
	Markets       MarketSource
	Gate          Gate
	Ledger        TriggerLedger
	Signals       SignalMarker
	Halts         HaltChecker
	Candles       CandleSink
	Executor      Executor
	Reports       *Reports
	HandoffBuffer int
}

// Outcome is the result of one OnTrade call.
type Outcome struct {
	EvaluationID string
	Decision     filter.Decision
	Trigger      *market.Trigger
}

// Pipeline is the event-driven path for price updates.
type Pipeline struct {
	markets  MarketSource
	gate     Gate
	ledger   TriggerLedger
	signals  SignalMarker
	halts    HaltChecker
	candles  CandleSink
	executor Executor
	reports  *Reports
	handoff  chan Handoff
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs a Pipeline.
func New(opts Options, logger zerolog.Logger) (*Pipeline, error) {
	if opts.Markets == nil || opts.Gate == nil || opts.Ledger == nil {
		return nil, errors.New("pipeline: markets, gate and ledger are required")
	}
	logger = logger.With().Str("component", "pipeline").Logger()
	if opts.Executor == nil {
		opts.Executor = LogExecutor{Logger: logger}
	}
	if opts.HandoffBuffer <= 0 {
		opts.HandoffBuffer = DefaultHandoffBuffer
	}
	return &Pipeline{
		markets:  opts.Markets,
		gate:     opts.Gate,
		ledger:   opts.Ledger,
		signals:  opts.Signals,
		halts:    opts.Halts,
		candles:  opts.Candles,
		executor: opts.Executor,
		reports:  opts.Reports,
		handoff:  make(chan Handoff, opts.HandoffBuffer),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Reports returns the report ring, or nil when none is configured.
func (p *Pipeline) Reports() *Reports {
	return p.reports
}

// OnTrade evaluates one trade event against a strategy threshold.
//
// The ledger stripe for the candidate key is held from the gate's duplicate
// check until the trigger is recorded. A uniqueness collision on record is
// reported as a duplicate_trigger rejection. An error is returned only when
// the trigger could not be recorded or handed off.
func (p *Pipeline) OnTrade(ctx context.Context, trade market.TradeEvent, threshold decimal.Decimal, modelScore float64) (Outcome, error) {
	p.applyCandles(ctx, trade)
	rec := p.lookup(ctx, trade.MarketID)
	return p.evaluate(ctx, trade, rec, threshold, modelScore)
}

// OnPrice evaluates a trade against every level it reaches, using the
// market's interestingness score as the model score. Levels above the trade
// price are not evaluated; they are reported as price observations so markets
// approaching a level show up as candidates.
func (p *Pipeline) OnPrice(ctx context.Context, trade market.TradeEvent, levels []decimal.Decimal) ([]Outcome, error) {
	p.applyCandles(ctx, trade)
	rec := p.lookup(ctx, trade.MarketID)
	score := 0.0
	if rec != nil {
		score = rec.Score
	}

	var (
		outcomes []Outcome
		errs     []error
	)
	question := ""
	if rec != nil {
		question = rec.Question
	}
	for _, level := range levels {
		if trade.Price.LessThan(level) {
			if p.reports != nil {
				p.reports.ObservePrice(trade.TokenID, trade.MarketID, question, trade.Price, level, p.now())
			}
			continue
		}
		out, err := p.evaluate(ctx, trade, rec, level, score)
		outcomes = append(outcomes, out)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return outcomes, errors.Join(errs...)
}

func (p *Pipeline) applyCandles(ctx context.Context, trade market.TradeEvent) {
	if p.candles == nil {
		return
	}
	if _, err := p.candles.Apply(ctx, trade); err != nil {
		p.logger.Warn().Err(err).Str("market_id", trade.MarketID).Str("token_id", trade.TokenID).Msg("candle update failed")
	}
}

func (p *Pipeline) lookup(ctx context.Context, marketID string) *market.Record {
	rec, err := p.markets.GetMarket(ctx, marketID)
	switch {
	case err == nil:
		return &rec
	case errors.Is(err, storage.ErrNotFound):
		p.logger.Debug().Str("market_id", marketID).Msg("trade for unknown market")
	default:
		p.logger.Warn().Err(err).Str("market_id", marketID).Msg("market lookup failed; evaluating without record")
	}
	return nil
}

func (p *Pipeline) evaluate(ctx context.Context, trade market.TradeEvent, rec *market.Record, threshold decimal.Decimal, modelScore float64) (Outcome, error) {
	out := Outcome{EvaluationID: uuid.NewString()}
	log := p.logger.With().
		Str("evaluation_id", out.EvaluationID).
		Str("market_id", trade.MarketID).
		Str("token_id", trade.TokenID).
		Logger()

	cand := filter.Candidate{Trade: trade, Threshold: threshold, ModelScore: modelScore, Market: rec}
	if p.halts != nil && p.halts.Halted(trade.MarketID) {
		out.Decision = filter.Decision{
			RuleID:  filter.RuleMarketHalted,
			Reason:  filter.ReasonMarketHalted,
			Context: map[string]string{"market_id": trade.MarketID},
		}
		p.observe(out.EvaluationID, cand, out.Decision)
		metrics.PipelineEvaluations.WithLabelValues("rejected").Inc()
		metrics.PipelineRejections.WithLabelValues(string(filter.RuleMarketHalted)).Inc()
		log.Debug().Msg("market halted; trade not evaluated")
		return out, nil
	}
	trigger, decision, err := p.decide(ctx, cand)
	out.Decision = decision
	if err != nil {
		metrics.PipelineEvaluations.WithLabelValues("error").Inc()
		return out, err
	}
	p.observe(out.EvaluationID, cand, decision)

	if !decision.Accepted {
		metrics.PipelineEvaluations.WithLabelValues("rejected").Inc()
		metrics.PipelineRejections.WithLabelValues(string(decision.RuleID)).Inc()
		return out, nil
	}
	metrics.PipelineEvaluations.WithLabelValues("accepted").Inc()
	out.Trigger = &trigger

	if p.signals != nil {
		if err := p.signals.MarkSignal(ctx, trade.MarketID, trigger.TriggeredAt); err != nil {
			log.Warn().Err(err).Msg("mark strategy signal failed")
		}
	}

	h := Handoff{EvaluationID: out.EvaluationID, Trigger: trigger}
	if rec != nil {
		h.Market = *rec
	}
	select {
	case p.handoff <- h:
	case <-ctx.Done():
		log.Error().Msg("trigger recorded but hand-off abandoned")
		return out, fmt.Errorf("hand off trigger: %w", ctx.Err())
	}
	log.Info().Str("threshold", threshold.String()).Str("price", trade.Price.String()).Msg("candidate accepted")
	return out, nil
}

func (p *Pipeline) decide(ctx context.Context, cand filter.Candidate) (market.Trigger, filter.Decision, error) {
	unlock := p.ledger.Lock(cand.Key())
	defer unlock()

	decision := p.gate.Evaluate(ctx, cand)
	if !decision.Accepted {
		return market.Trigger{}, decision, nil
	}

	trigger := market.Trigger{
		TokenID:      cand.Trade.TokenID,
		MarketID:     cand.Trade.MarketID,
		Threshold:    cand.Threshold,
		TriggerPrice: cand.Trade.Price,
		ModelScore:   cand.ModelScore,
		TriggeredAt:  p.now(),
	}
	if cand.Trade.Size != nil {
		trigger.TradeSize = *cand.Trade.Size
	}

	if err := p.ledger.Record(ctx, trigger); err != nil {
		if errors.Is(err, ledger.ErrAlreadyTriggered) {
			return market.Trigger{}, filter.Decision{
				RuleID:  filter.RuleDuplicateTrigger,
				Reason:  filter.ReasonAlreadyTriggered,
				Context: map[string]string{"key": cand.Key().String(), "ledger": "conflict"},
			}, nil
		}
		return market.Trigger{}, decision, err
	}
	return trigger, decision, nil
}

func (p *Pipeline) observe(id string, cand filter.Candidate, d filter.Decision) {
	if p.reports == nil {
		return
	}
	e := Evaluation{
		ID:         id,
		At:         p.now(),
		TokenID:    cand.Trade.TokenID,
		MarketID:   cand.Trade.MarketID,
		Price:      cand.Trade.Price,
		Threshold:  cand.Threshold,
		ModelScore: cand.ModelScore,
		Accepted:   d.Accepted,
		RuleID:     d.RuleID,
		Reason:     d.Reason,
		Context:    d.Context,
	}
	if cand.Market != nil {
		e.Question = cand.Market.Question
	}
	p.reports.Observe(e)
}

// Run drains the hand-off queue into the executor until ctx is cancelled.
// Execution errors are logged; the trigger stays recorded.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(p.handoff); n > 0 {
				p.logger.Warn().Int("pending", n).Msg("pipeline stopped with pending hand-offs")
			}
			return ctx.Err()
		case h := <-p.handoff:
			if err := p.executor.Execute(ctx, h); err != nil {
				p.logger.Error().Err(err).
					Str("evaluation_id", h.EvaluationID).
					Str("market_id", h.Trigger.MarketID).
					Msg("execution hand-off failed")
			}
		}
	}
}
