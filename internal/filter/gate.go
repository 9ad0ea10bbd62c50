package filter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-tiers/internal/market"
)

// RuleID names a hard filter.
type RuleID string

const (
	RuleTradeAge            RuleID = "trade_age"
	RuleWeatherGuard        RuleID = "weather_guard"
	RuleTimeToResolution    RuleID = "time_to_resolution"
	RuleMinTradeSize        RuleID = "min_trade_size"
	RuleCategoryBlocklist   RuleID = "category_blocklist"
	RuleDuplicateTrigger    RuleID = "duplicate_trigger"
	RuleOrderbookDivergence RuleID = "orderbook_divergence"
	// RuleInternal is reported if a rule panics; the candidate is rejected.
	RuleInternal RuleID = "internal"
	// RuleMarketHalted is reported by the pipeline, ahead of the gate, for a
	// market whose demotion was refused because of open exposure.
	RuleMarketHalted RuleID = "market_halted"
)

// Order lists the rules in evaluation order.
var Order = []RuleID{
	RuleTradeAge,
	RuleWeatherGuard,
	RuleTimeToResolution,
	RuleMinTradeSize,
	RuleCategoryBlocklist,
	RuleDuplicateTrigger,
	RuleOrderbookDivergence,
}

// Reason texts reported for each rule.
const (
	ReasonTradeTooOld      = "trade too old"
	ReasonWeatherMarket    = "weather market"
	ReasonResolvesTooSoon  = "resolves too soon"
	ReasonTradeTooSmall    = "trade size too small"
	ReasonCategoryBlocked  = "category blocked"
	ReasonAlreadyTriggered = "already triggered"
	ReasonBookDivergence   = "orderbook divergence"
	ReasonMarketHalted     = "market halted"
)

// Config holds the thresholds of every rule. It is passed by value into New;
// nothing in this package reads process-wide state.
type Config struct {
	MaxTradeAge          time.Duration
	WeatherWords         []string
	MinHoursToResolution float64
	MinTradeSize         decimal.Decimal
	BlockedCategories    []string
	MaxBookDeviation     decimal.Decimal
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxTradeAge:          300 * time.Second,
		WeatherWords:         []string{"rain", "snow", "temperature", "weather", "hurricane"},
		MinHoursToResolution: 6,
		MinTradeSize:         decimal.NewFromInt(50),
		MaxBookDeviation:     decimal.RequireFromString("0.10"),
	}
}

// Candidate is a trade that may become a trigger.
type Candidate struct {
	Trade      market.TradeEvent
	Threshold  decimal.Decimal
	ModelScore float64
	// Market is the universe record for Trade.MarketID; nil when unknown.
	Market *market.Record
}

// Key is the de-duplication key of the candidate.
func (c Candidate) Key() market.TriggerKey {
	return market.TriggerKey{TokenID: c.Trade.TokenID, MarketID: c.Trade.MarketID, Threshold: c.Threshold}
}

// Decision is the gate's verdict.
type Decision struct {
	Accepted bool
	RuleID   RuleID
	Reason   string
	Context  map[string]string
}

// Accept is the passing decision.
func Accept() Decision {
	return Decision{Accepted: true}
}

func reject(id RuleID, reason string, kv ...string) Decision {
	ctx := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		ctx[kv[i]] = kv[i+1]
	}
	return Decision{RuleID: id, Reason: reason, Context: ctx}
}

// DuplicateChecker answers whether a key was already triggered.
type DuplicateChecker interface {
	HasTriggered(ctx context.Context, key market.TriggerKey) (bool, error)
}

// BookSource provides the live top-of-book mid price of an outcome token.
type BookSource interface {
	Mid(ctx context.Context, tokenID string) (mid decimal.Decimal, ok bool, err error)
}

type rule struct {
	id    RuleID
	check func(ctx context.Context, c Candidate, now time.Time) (Decision, bool)
}

// Gate is the ordered, short-circuiting hard filter chain.
type Gate struct {
	cfg     Config
	weather *regexp.Regexp
	blocked map[string]struct{}
	ledger  DuplicateChecker
	books   BookSource
	rules   []rule
	logger  zerolog.Logger
	now     func() time.Time
}

// New constructs a Gate. ledger and books may be nil, in which case the
// corresponding rules reject every candidate.
func New(cfg Config, ledger DuplicateChecker, books BookSource, logger zerolog.Logger) (*Gate, error) {
	weather, err := compileWordList(cfg.WeatherWords)
	if err != nil {
		return nil, fmt.Errorf("compile weather words: %w", err)
	}

	blocked := make(map[string]struct{}, len(cfg.BlockedCategories))
	for _, c := range cfg.BlockedCategories {
		blocked[normalizeCategory(c)] = struct{}{}
	}

	g := &Gate{
		cfg:     cfg,
		weather: weather,
		blocked: blocked,
		ledger:  ledger,
		books:   books,
		logger:  logger.With().Str("component", "hard_filter").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	g.rules = []rule{
		{RuleTradeAge, g.checkTradeAge},
		{RuleWeatherGuard, g.checkWeather},
		{RuleTimeToResolution, g.checkTimeToResolution},
		{RuleMinTradeSize, g.checkTradeSize},
		{RuleCategoryBlocklist, g.checkCategory},
		{RuleDuplicateTrigger, g.checkDuplicate},
		{RuleOrderbookDivergence, g.checkDivergence},
	}
	return g, nil
}

// compileWordList builds a case-insensitive whole-word alternation, so "rain"
// matches "Will it rain in Paris?" but not "Rainbow Six".
func compileWordList(words []string) (*regexp.Regexp, error) {
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(w))
	}
	if len(quoted) == 0 {
		return nil, nil
	}
	return regexp.Compile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

func normalizeCategory(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

// Evaluate runs the chain. The first rule that fires rejects the candidate
// and the remaining rules are skipped. Evaluate never panics.
func (g *Gate) Evaluate(ctx context.Context, c Candidate) (d Decision) {
	now := g.now()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().Interface("panic", r).
				Str("token_id", c.Trade.TokenID).
				Str("market_id", c.Trade.MarketID).
				Msg("hard filter panicked; rejecting candidate")
			d = reject(RuleInternal, "internal filter error")
		}
	}()

	for _, r := range g.rules {
		if decision, rejected := r.check(ctx, c, now); rejected {
			g.logger.Debug().
				Str("rule", string(decision.RuleID)).
				Str("reason", decision.Reason).
				Str("token_id", c.Trade.TokenID).
				Str("market_id", c.Trade.MarketID).
				Msg("candidate rejected")
			return decision
		}
	}
	return Accept()
}

func (g *Gate) checkTradeAge(_ context.Context, c Candidate, now time.Time) (Decision, bool) {
	maxAge := strconv.FormatFloat(g.cfg.MaxTradeAge.Seconds(), 'f', 0, 64)
	if c.Trade.Timestamp.IsZero() {
		return reject(RuleTradeAge, ReasonTradeTooOld, "trade_age_s", "unknown", "max_age_s", maxAge), true
	}
	age := now.Sub(c.Trade.Timestamp)
	if age > g.cfg.MaxTradeAge {
		return reject(RuleTradeAge, ReasonTradeTooOld,
			"trade_age_s", strconv.FormatFloat(age.Seconds(), 'f', 0, 64),
			"max_age_s", maxAge,
		), true
	}
	return Decision{}, false
}

func (g *Gate) checkWeather(_ context.Context, c Candidate, _ time.Time) (Decision, bool) {
	if c.Market == nil {
		return reject(RuleWeatherGuard, "market question unavailable"), true
	}
	if g.weather == nil {
		return Decision{}, false
	}
	if match := g.weather.FindString(c.Market.Question); match != "" {
		return reject(RuleWeatherGuard, ReasonWeatherMarket, "matched", strings.ToLower(match), "question", c.Market.Question), true
	}
	return Decision{}, false
}

func (g *Gate) checkTimeToResolution(_ context.Context, c Candidate, now time.Time) (Decision, bool) {
	minHours := strconv.FormatFloat(g.cfg.MinHoursToResolution, 'f', 1, 64)
	if c.Market == nil {
		return reject(RuleTimeToResolution, ReasonResolvesTooSoon, "hours_left", "unknown", "min_hours", minHours), true
	}
	hours, ok := c.Market.HoursToResolution(now)
	if !ok {
		return reject(RuleTimeToResolution, ReasonResolvesTooSoon, "hours_left", "unknown", "min_hours", minHours), true
	}
	if hours < g.cfg.MinHoursToResolution {
		return reject(RuleTimeToResolution, ReasonResolvesTooSoon,
			"hours_left", strconv.FormatFloat(hours, 'f', 1, 64),
			"min_hours", minHours,
		), true
	}
	return Decision{}, false
}

func (g *Gate) checkTradeSize(_ context.Context, c Candidate, _ time.Time) (Decision, bool) {
	if c.Trade.Size == nil {
		return reject(RuleMinTradeSize, ReasonTradeTooSmall, "size", "unknown", "min_size", g.cfg.MinTradeSize.String()), true
	}
	if c.Trade.Size.LessThan(g.cfg.MinTradeSize) {
		return reject(RuleMinTradeSize, ReasonTradeTooSmall, "size", c.Trade.Size.String(), "min_size", g.cfg.MinTradeSize.String()), true
	}
	return Decision{}, false
}

func (g *Gate) checkCategory(_ context.Context, c Candidate, _ time.Time) (Decision, bool) {
	if c.Market == nil {
		return reject(RuleCategoryBlocklist, ReasonCategoryBlocked, "category", "unknown"), true
	}
	category := normalizeCategory(c.Market.Category)
	if _, blocked := g.blocked[category]; blocked {
		return reject(RuleCategoryBlocklist, ReasonCategoryBlocked, "category", c.Market.Category), true
	}
	return Decision{}, false
}

func (g *Gate) checkDuplicate(ctx context.Context, c Candidate, _ time.Time) (Decision, bool) {
	key := c.Key()
	if key.TokenID == "" || key.MarketID == "" {
		return reject(RuleDuplicateTrigger, ReasonAlreadyTriggered, "key", "incomplete"), true
	}
	if g.ledger == nil {
		return reject(RuleDuplicateTrigger, ReasonAlreadyTriggered, "key", key.String(), "ledger", "unavailable"), true
	}
	done, err := g.ledger.HasTriggered(ctx, key)
	if err != nil {
		g.logger.Warn().Err(err).Str("key", key.String()).Msg("ledger check failed; failing closed")
		return reject(RuleDuplicateTrigger, ReasonAlreadyTriggered, "key", key.String(), "ledger", "error"), true
	}
	if done {
		return reject(RuleDuplicateTrigger, ReasonAlreadyTriggered, "key", key.String()), true
	}
	return Decision{}, false
}

func (g *Gate) checkDivergence(ctx context.Context, c Candidate, _ time.Time) (Decision, bool) {
	maxDev := g.cfg.MaxBookDeviation.String()
	price := c.Trade.Price
	if !price.IsPositive() {
		return reject(RuleOrderbookDivergence, ReasonBookDivergence, "trade_price", price.String(), "max_deviation", maxDev), true
	}
	if g.books == nil {
		return reject(RuleOrderbookDivergence, ReasonBookDivergence, "book", "unavailable", "max_deviation", maxDev), true
	}
	mid, ok, err := g.books.Mid(ctx, c.Trade.TokenID)
	if err != nil || !ok || !mid.IsPositive() {
		if err != nil {
			g.logger.Warn().Err(err).Str("token_id", c.Trade.TokenID).Msg("book lookup failed; failing closed")
		}
		return reject(RuleOrderbookDivergence, ReasonBookDivergence, "book", "unavailable", "max_deviation", maxDev), true
	}
	deviation := Deviation(price, mid)
	if deviation.GreaterThan(g.cfg.MaxBookDeviation) {
		return reject(RuleOrderbookDivergence, ReasonBookDivergence,
			"trade_price", price.String(),
			"book_mid", mid.String(),
			"deviation", deviation.StringFixed(4),
			"max_deviation", maxDev,
		), true
	}
	return Decision{}, false
}

// Deviation is |mid - price| / price.
func Deviation(price, mid decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.NewFromInt(1)
	}
	return mid.Sub(price).Abs().Div(price)
}
