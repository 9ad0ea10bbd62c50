package ingest

import (
	"context"
	"sort"
	"sync"

	"market-tiers/internal/market"
)

// TokenRef names one outcome token of a market.
type TokenRef struct {
	MarketID string
	TokenID  string
}

// DepthSet tracks which markets receive candle and orderbook writes. The tier
// manager drives it; the candle aggregator and book poller read it.
type DepthSet struct {
	mu        sync.RWMutex
	candles   map[string][]string
	orderbook map[string][]string
}

// NewDepthSet returns an empty set: every market starts at catalog depth.
func NewDepthSet() *DepthSet {
	return &DepthSet{
		candles:   make(map[string][]string),
		orderbook: make(map[string][]string),
	}
}

// EnableCandles starts candle aggregation for the market.
func (d *DepthSet) EnableCandles(_ context.Context, rec market.Record) error {
	d.mu.Lock()
	d.candles[rec.ID] = rec.TokenIDs()
	d.mu.Unlock()
	return nil
}

// DisableCandles stops candle aggregation for the market.
func (d *DepthSet) DisableCandles(_ context.Context, marketID string) error {
	d.mu.Lock()
	delete(d.candles, marketID)
	d.mu.Unlock()
	return nil
}

// EnableOrderbook starts depth capture for every outcome token of the market.
func (d *DepthSet) EnableOrderbook(_ context.Context, rec market.Record) error {
	d.mu.Lock()
	d.orderbook[rec.ID] = rec.TokenIDs()
	d.mu.Unlock()
	return nil
}

// DisableOrderbook stops depth capture for the market.
func (d *DepthSet) DisableOrderbook(_ context.Context, marketID string) error {
	d.mu.Lock()
	delete(d.orderbook, marketID)
	d.mu.Unlock()
	return nil
}

// CandlesEnabled reports whether trades for the market are aggregated.
func (d *DepthSet) CandlesEnabled(marketID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.candles[marketID]
	return ok
}

// CandleTokens lists every token of a candle-enabled market, ordered by market.
func (d *DepthSet) CandleTokens() []TokenRef {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return flatten(d.candles)
}

// OrderbookTokens lists every token whose book is captured, ordered by market.
func (d *DepthSet) OrderbookTokens() []TokenRef {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return flatten(d.orderbook)
}

func flatten(byMarket map[string][]string) []TokenRef {
	out := make([]TokenRef, 0, len(byMarket)*2)
	for marketID, tokens := range byMarket {
		for _, tok := range tokens {
			out = append(out, TokenRef{MarketID: marketID, TokenID: tok})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].TokenID < out[j].TokenID
	})
	return out
}
