package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"market-tiers/internal/market"
)

type bookLevel struct {
	Price number `json:"price"`
	Size  number `json:"size"`
}

type bookPayload struct {
	Market  string      `json:"market"`
	AssetID string      `json:"asset_id"`
	Bids    []bookLevel `json:"bids"`
	Asks    []bookLevel `json:"asks"`
}

// Book is a normalised orderbook: bids best (highest) first, asks best
// (lowest) first.
type Book struct {
	TokenID string
	Bids    []market.Level
	Asks    []market.Level
}

// BestBid returns the top bid, ok=false on an empty side.
func (b Book) BestBid() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 {
		return decimal.Zero, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the top ask, ok=false on an empty side.
func (b Book) BestAsk() (decimal.Decimal, bool) {
	if len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	return b.Asks[0].Price, true
}

// Mid is the midpoint of the top of book. With one side empty the other
// side's best price is returned; ok is false when both are empty.
func (b Book) Mid() (decimal.Decimal, bool) {
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	switch {
	case hasBid && hasAsk:
		return bid.Add(ask).Div(decimal.NewFromInt(2)), true
	case hasBid:
		return bid, true
	case hasAsk:
		return ask, true
	}
	return decimal.Zero, false
}

var fivePct = decimal.RequireFromString("0.05")

// Snapshot converts the book into a stored depth snapshot keeping at most
// depth levels per side. Aggregate depth counts size within 5% of each side's
// best price.
func (b Book) Snapshot(marketID string, depth int, at time.Time) market.OrderbookSnapshot {
	snap := market.OrderbookSnapshot{
		MarketID:     marketID,
		TokenID:      b.TokenID,
		SnapshotAt:   at,
		Bids:         truncateLevels(b.Bids, depth),
		Asks:         truncateLevels(b.Asks, depth),
		BidDepth5Pct: decimal.Zero,
		AskDepth5Pct: decimal.Zero,
	}
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	snap.BestBid = bid
	snap.BestAsk = ask
	if hasBid && hasAsk {
		snap.Spread = ask.Sub(bid)
	}
	snap.Mid, _ = b.Mid()

	if hasBid {
		floor := bid.Mul(decimal.NewFromInt(1).Sub(fivePct))
		for _, lvl := range b.Bids {
			if lvl.Price.LessThan(floor) {
				break
			}
			snap.BidDepth5Pct = snap.BidDepth5Pct.Add(lvl.Size)
		}
	}
	if hasAsk {
		ceiling := ask.Mul(decimal.NewFromInt(1).Add(fivePct))
		for _, lvl := range b.Asks {
			if lvl.Price.GreaterThan(ceiling) {
				break
			}
			snap.AskDepth5Pct = snap.AskDepth5Pct.Add(lvl.Size)
		}
	}
	return snap
}

func truncateLevels(levels []market.Level, depth int) []market.Level {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return append([]market.Level(nil), levels...)
}

// ClobClient reads orderbooks from the CLOB REST API.
type ClobClient struct {
	client *resty.Client
}

// NewClobClient constructs a CLOB client.
func NewClobClient(baseURL string, opts ClientOptions) *ClobClient {
	if baseURL == "" {
		baseURL = "https://clob.polymarket.com"
	}
	return &ClobClient{client: newRestyClient(baseURL, opts)}
}

// Book fetches the orderbook of one outcome token.
func (c *ClobClient) Book(ctx context.Context, tokenID string) (Book, error) {
	if tokenID == "" {
		return Book{}, fmt.Errorf("token_id is required")
	}
	var payload bookPayload
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&payload).
		Get("/book")
	if err != nil {
		return Book{}, fmt.Errorf("get book %s: %w", tokenID, err)
	}
	if err := checkResponse(resp); err != nil {
		return Book{}, fmt.Errorf("get book %s: %w", tokenID, err)
	}
	return normaliseBook(tokenID, payload), nil
}

func normaliseBook(tokenID string, p bookPayload) Book {
	book := Book{TokenID: tokenID}
	for _, l := range p.Bids {
		if l.Price.IsPositive() && l.Size.IsPositive() {
			book.Bids = append(book.Bids, market.Level{Price: l.Price.Decimal, Size: l.Size.Decimal})
		}
	}
	for _, l := range p.Asks {
		if l.Price.IsPositive() && l.Size.IsPositive() {
			book.Asks = append(book.Asks, market.Level{Price: l.Price.Decimal, Size: l.Size.Decimal})
		}
	}
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price.GreaterThan(book.Bids[j].Price) })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price.LessThan(book.Asks[j].Price) })
	return book
}
