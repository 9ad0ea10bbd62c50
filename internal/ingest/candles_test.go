package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-tiers/internal/market"
	"market-tiers/internal/storage/memstore"
)

func trade(price, size string, at time.Time) market.TradeEvent {
	ev := market.TradeEvent{TokenID: "tok", MarketID: "m1", Price: dec(price), Timestamp: at}
	if size != "" {
		s := dec(size)
		ev.Size = &s
	}
	return ev
}

func TestCandleAggregatorOnlyWritesEnabledMarkets(t *testing.T) {
	store := memstore.New()
	depth := NewDepthSet()
	agg := NewCandleAggregator(store, depth, nil)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 10, 2, 0, 0, time.UTC)

	wrote, err := agg.Apply(ctx, trade("0.5", "10", at))
	if err != nil || wrote {
		t.Fatalf("tier-1 market must not get candles, wrote=%v err=%v", wrote, err)
	}
	if store.CandleCount(market.Resolution5m) != 0 {
		t.Fatal("no candle expected")
	}

	if err := depth.EnableCandles(ctx, market.Record{ID: "m1"}); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if wrote, err := agg.Apply(ctx, trade("0.5", "10", at)); err != nil || !wrote {
		t.Fatalf("expected a write, wrote=%v err=%v", wrote, err)
	}
	for _, res := range market.Resolutions {
		if store.CandleCount(res) != 1 {
			t.Fatalf("%s candle missing", res)
		}
	}

	_ = depth.DisableCandles(ctx, "m1")
	if wrote, _ := agg.Apply(ctx, trade("0.5", "10", at)); wrote {
		t.Fatal("demoted market must stop receiving candles")
	}
}

func TestCandleAggregatorFoldsOHLCV(t *testing.T) {
	store := memstore.New()
	depth := NewDepthSet()
	_ = depth.EnableCandles(context.Background(), market.Record{ID: "m1"})
	agg := NewCandleAggregator(store, depth, nil)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for _, ev := range []market.TradeEvent{
		trade("0.50", "10", base.Add(30*time.Second)),
		trade("0.60", "30", base.Add(1*time.Minute)),
		trade("0.45", "", base.Add(2*time.Minute)),
		trade("0.55", "10", base.Add(4*time.Minute)),
	} {
		if _, err := agg.Apply(ctx, ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	c, ok, err := store.GetCandle(ctx, "m1", "tok", market.Resolution5m, base)
	if err != nil || !ok {
		t.Fatalf("candle: ok=%v err=%v", ok, err)
	}
	if !c.Open.Equal(dec("0.5")) || !c.High.Equal(dec("0.6")) || !c.Low.Equal(dec("0.45")) || !c.Close.Equal(dec("0.55")) {
		t.Fatalf("unexpected OHLC %s/%s/%s/%s", c.Open, c.High, c.Low, c.Close)
	}
	if !c.Volume.Equal(dec("50")) || c.TradeCount != 4 {
		t.Fatalf("volume %s trades %d", c.Volume, c.TradeCount)
	}
	// (0.5*10 + 0.6*30 + 0.55*10) / 50
	if !c.VWAP.Equal(dec("0.57")) {
		t.Fatalf("vwap %s", c.VWAP)
	}

	// the next 5m bucket opens a fresh candle while the hourly keeps folding
	if _, err := agg.Apply(ctx, trade("0.40", "5", base.Add(6*time.Minute))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if store.CandleCount(market.Resolution5m) != 2 || store.CandleCount(market.Resolution1h) != 1 {
		t.Fatalf("bucket split wrong: 5m=%d 1h=%d", store.CandleCount(market.Resolution5m), store.CandleCount(market.Resolution1h))
	}
	hourly, _, _ := store.GetCandle(ctx, "m1", "tok", market.Resolution1h, base)
	if hourly.TradeCount != 5 || !hourly.Low.Equal(dec("0.4")) {
		t.Fatalf("hourly candle %+v", hourly)
	}
}

func TestCandleAggregatorCountsEveryTradeOnTape(t *testing.T) {
	tape := NewTradeTape()
	agg := NewCandleAggregator(memstore.New(), NewDepthSet(), tape)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	_, _ = agg.Apply(context.Background(), trade("0.5", "1", at))
	if tape.Count24h("m1", at) != 1 {
		t.Fatal("tier-1 trades still count toward the 24h trade count")
	}
}

type stubBooks struct {
	mu    sync.Mutex
	books map[string]Book
	calls int
}

func (s *stubBooks) Book(_ context.Context, tokenID string) (Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	b, ok := s.books[tokenID]
	if !ok {
		return Book{}, errors.New("no book")
	}
	return b, nil
}

func level(price, size string) market.Level {
	return market.Level{Price: dec(price), Size: dec(size)}
}

func TestBookPollerCapturesEnabledTokensAndCachesMid(t *testing.T) {
	ctx := context.Background()
	books := &stubBooks{books: map[string]Book{
		"yes": {TokenID: "yes", Bids: []market.Level{level("0.60", "10")}, Asks: []market.Level{level("0.62", "10")}},
	}}
	store := memstore.New()
	depth := NewDepthSet()
	_ = depth.EnableOrderbook(ctx, market.Record{ID: "m1", Tokens: []market.OutcomeToken{{TokenID: "yes"}, {Index: 1, TokenID: "no"}}})

	poller := NewBookPoller(books, store, depth, BookOptions{Concurrency: 2, MidMaxAge: time.Minute}, zerolog.Nop())
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	poller.now = func() time.Time { return now }

	n, err := poller.Capture(ctx, now)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if n != 1 {
		t.Fatalf("one token has a book, the other fails and is skipped; captured %d", n)
	}
	snap, ok, _ := store.LatestOrderbook(ctx, "yes")
	if !ok || !snap.Mid.Equal(dec("0.61")) {
		t.Fatalf("stored snapshot %+v", snap)
	}

	calls := books.calls
	mid, ok, err := poller.Mid(ctx, "yes")
	if err != nil || !ok || !mid.Equal(dec("0.61")) {
		t.Fatalf("cached mid %s ok=%v err=%v", mid, ok, err)
	}
	if books.calls != calls {
		t.Fatal("a fresh cached mid must not refetch")
	}

	now = now.Add(2 * time.Minute)
	if _, _, err := poller.Mid(ctx, "yes"); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if books.calls != calls+1 {
		t.Fatal("a stale mid must be refetched")
	}

	if _, ok, err := poller.Mid(ctx, "no"); err == nil && ok {
		t.Fatal("a token without a book must not report a mid")
	}
}

func TestBookMidOneSided(t *testing.T) {
	b := Book{Asks: []market.Level{level("0.3", "1")}}
	if mid, ok := b.Mid(); !ok || !mid.Equal(decimal.RequireFromString("0.3")) {
		t.Fatalf("one-sided mid %s ok=%v", mid, ok)
	}
	if _, ok := (Book{}).Mid(); ok {
		t.Fatal("empty book has no mid")
	}
}
