package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tier is the data depth assigned to a market.
type Tier int

const (
	// TierCatalog keeps only the lightweight universe snapshot.
	TierCatalog Tier = 1
	// TierCandles adds multi-resolution candle history.
	TierCandles Tier = 2
	// TierOrderbook adds orderbook depth snapshots.
	TierOrderbook Tier = 3
)

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t >= TierCatalog && t <= TierOrderbook
}

func (t Tier) String() string {
	return fmt.Sprintf("tier%d", int(t))
}

// ParseTier converts an integer into a Tier.
func ParseTier(v int) (Tier, error) {
	t := Tier(v)
	if !t.Valid() {
		return 0, fmt.Errorf("tier must be 1, 2 or 3, got %d", v)
	}
	return t, nil
}

// OutcomeToken is one tradable outcome of a market.
type OutcomeToken struct {
	Index   int    `json:"index"`
	TokenID string `json:"token_id"`
	Label   string `json:"label"`
}

// Record is the tier-1 universe entry for a market.
type Record struct {
	ID                   string
	Question             string
	Category             string
	EndTime              time.Time
	Tokens               []OutcomeToken
	LastPrice            decimal.Decimal
	BestBid              decimal.Decimal
	BestAsk              decimal.Decimal
	Spread               decimal.Decimal
	Volume24h            decimal.Decimal
	Liquidity            decimal.Decimal
	Change1h             decimal.Decimal
	Change24h            decimal.Decimal
	TradeCount24h        int64
	Score                float64
	Tier                 Tier
	TierChangedAt        time.Time
	PinnedTier           *Tier
	LastStrategySignalAt *time.Time
	BelowRetentionSince  *time.Time
	Resolved             bool
	UpdatedAt            time.Time
}

// HoursToResolution returns hours remaining before EndTime. ok is false when
// the end time is unknown.
func (r Record) HoursToResolution(now time.Time) (hours float64, ok bool) {
	if r.EndTime.IsZero() {
		return 0, false
	}
	return r.EndTime.Sub(now).Hours(), true
}

// TokenIDs lists the outcome token ids in index order.
func (r Record) TokenIDs() []string {
	ids := make([]string, 0, len(r.Tokens))
	for _, tok := range r.Tokens {
		ids = append(ids, tok.TokenID)
	}
	return ids
}

// PriceSnapshot is a rolling price/volume observation used for change deltas.
type PriceSnapshot struct {
	MarketID   string
	SnapshotAt time.Time
	Price      decimal.Decimal
	Volume24h  decimal.Decimal
}

// Resolution is a candle bucket width.
type Resolution string

const (
	Resolution5m Resolution = "5m"
	Resolution1h Resolution = "1h"
	Resolution1d Resolution = "1d"
)

// Resolutions lists every supported candle resolution, finest first.
var Resolutions = []Resolution{Resolution5m, Resolution1h, Resolution1d}

// Duration returns the bucket width.
func (r Resolution) Duration() time.Duration {
	switch r {
	case Resolution5m:
		return 5 * time.Minute
	case Resolution1h:
		return time.Hour
	case Resolution1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// ParseResolution validates a resolution label.
func ParseResolution(v string) (Resolution, error) {
	r := Resolution(v)
	if r.Duration() == 0 {
		return "", fmt.Errorf("unknown resolution %q", v)
	}
	return r, nil
}

// Candle is an OHLCV bucket for one outcome token.
type Candle struct {
	MarketID    string
	TokenID     string
	Resolution  Resolution
	BucketStart time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	TradeCount  int64
	VWAP        decimal.Decimal
}

// Level is a single orderbook price level.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderbookSnapshot is a tier-3 depth capture for one outcome token.
type OrderbookSnapshot struct {
	MarketID     string
	TokenID      string
	SnapshotAt   time.Time
	BestBid      decimal.Decimal
	BestAsk      decimal.Decimal
	Spread       decimal.Decimal
	Mid          decimal.Decimal
	Bids         []Level
	Asks         []Level
	BidDepth5Pct decimal.Decimal
	AskDepth5Pct decimal.Decimal
}

// TierRequest asks for temporary promotion of a market on behalf of a strategy.
type TierRequest struct {
	Strategy      string
	MarketID      string
	RequestedTier Tier
	Reason        string
	RequestedAt   time.Time
	ExpiresAt     time.Time
}

// Live reports whether the request is still honoured at now.
func (r TierRequest) Live(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// TriggerKey identifies a trigger for de-duplication.
type TriggerKey struct {
	TokenID   string
	MarketID  string
	Threshold decimal.Decimal
}

func (k TriggerKey) String() string {
	return k.TokenID + "|" + k.MarketID + "|" + k.Threshold.String()
}

// Trigger records a candidate that passed every hard filter.
type Trigger struct {
	TokenID      string
	MarketID     string
	Threshold    decimal.Decimal
	TriggerPrice decimal.Decimal
	TradeSize    decimal.Decimal
	ModelScore   float64
	TriggeredAt  time.Time
}

// Key returns the de-duplication key of the trigger.
func (t Trigger) Key() TriggerKey {
	return TriggerKey{TokenID: t.TokenID, MarketID: t.MarketID, Threshold: t.Threshold}
}

// TradeEvent is an inbound trade/price update.
type TradeEvent struct {
	TokenID   string
	MarketID  string
	Price     decimal.Decimal
	Size      *decimal.Decimal
	Timestamp time.Time
}
