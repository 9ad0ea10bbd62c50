package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"market-tiers/internal/market"
	"market-tiers/internal/storage"
)

// CandleAggregator folds trades into 5m, 1h and 1d candles for markets the
// depth set has enabled. Every trade is also counted on the tape.
type CandleAggregator struct {
	store storage.CandleStore
	depth *DepthSet
	tape  *TradeTape
	mu    sync.Mutex
}

// NewCandleAggregator constructs a CandleAggregator. tape may be nil.
func NewCandleAggregator(store storage.CandleStore, depth *DepthSet, tape *TradeTape) *CandleAggregator {
	return &CandleAggregator{store: store, depth: depth, tape: tape}
}

// Apply records the trade. It returns true when candles were written.
// Trades are folded in arrival order; a trade with no size moves price but
// adds no volume.
func (a *CandleAggregator) Apply(ctx context.Context, trade market.TradeEvent) (bool, error) {
	if a.tape != nil {
		a.tape.Observe(trade.MarketID, trade.Timestamp)
	}
	if !a.depth.CandlesEnabled(trade.MarketID) {
		return false, nil
	}
	if trade.TokenID == "" || trade.Timestamp.IsZero() || !trade.Price.IsPositive() {
		return false, fmt.Errorf("trade for %s is missing token, time or price", trade.MarketID)
	}

	size := decimal.Zero
	if trade.Size != nil && trade.Size.IsPositive() {
		size = *trade.Size
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, res := range market.Resolutions {
		bucket := trade.Timestamp.UTC().Truncate(res.Duration())
		current, ok, err := a.store.GetCandle(ctx, trade.MarketID, trade.TokenID, res, bucket)
		if err != nil {
			return false, fmt.Errorf("load %s candle: %w", res, err)
		}
		if !ok {
			current = market.Candle{
				MarketID:    trade.MarketID,
				TokenID:     trade.TokenID,
				Resolution:  res,
				BucketStart: bucket,
				Open:        trade.Price,
				High:        trade.Price,
				Low:         trade.Price,
				Volume:      decimal.Zero,
				VWAP:        trade.Price,
			}
		}
		fold(&current, trade.Price, size)
		if err := a.store.UpsertCandle(ctx, current); err != nil {
			return false, fmt.Errorf("store %s candle: %w", res, err)
		}
	}
	return true, nil
}

func fold(c *market.Candle, price, size decimal.Decimal) {
	if price.GreaterThan(c.High) {
		c.High = price
	}
	if price.LessThan(c.Low) {
		c.Low = price
	}
	c.Close = price
	c.TradeCount++

	total := c.Volume.Add(size)
	if total.IsPositive() {
		c.VWAP = c.VWAP.Mul(c.Volume).Add(price.Mul(size)).Div(total)
	}
	c.Volume = total
}
