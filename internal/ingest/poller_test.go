package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-tiers/internal/market"
	"market-tiers/internal/storage/memstore"
)

type fakeCatalog struct {
	ids      []string
	prices   map[string]string
	failing  map[string]bool
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeCatalog) ListMarkets(_ context.Context, offset, limit int) ([]GammaMarket, error) {
	var out []GammaMarket
	for i := offset; i < len(f.ids) && i < offset+limit; i++ {
		out = append(out, GammaMarket{ID: f.ids[i]})
	}
	return out, nil
}

func (f *fakeCatalog) GetMarket(_ context.Context, id string) (GammaMarket, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	if f.failing[id] {
		return GammaMarket{}, errors.New("upstream timeout")
	}
	price := "0.5"
	if p, ok := f.prices[id]; ok {
		price = p
	}
	return GammaMarket{
		ID:             id,
		Question:       "Question " + id,
		EndDate:        "2026-12-31T00:00:00Z",
		ClobTokenIDs:   fmt.Sprintf(`["%s-yes","%s-no"]`, id, id),
		LastTradePrice: number{decimal.RequireFromString(price)},
	}, nil
}

type countingLocks struct {
	mu    sync.Mutex
	calls int
}

func (c *countingLocks) Lock(string) func() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return func() {}
}

func TestSyncBoundsConcurrencyAndSkipsFailures(t *testing.T) {
	catalog := &fakeCatalog{failing: map[string]bool{"m3": true}}
	for i := 0; i < 25; i++ {
		catalog.ids = append(catalog.ids, fmt.Sprintf("m%d", i))
	}
	store := memstore.New()
	locks := &countingLocks{}
	poller := NewPoller(catalog, store, locks, nil, PollerOptions{Concurrency: 4, PageSize: 10}, zerolog.Nop())

	report, err := poller.Sync(context.Background(), time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Listed != 25 || report.Written != 24 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if peak := catalog.peak.Load(); peak > 4 {
		t.Fatalf("fan-out exceeded the limit: %d", peak)
	}
	if _, err := store.GetMarket(context.Background(), "m3"); err == nil {
		t.Fatal("the failing market must be skipped")
	}
	rec, err := store.GetMarket(context.Background(), "m7")
	if err != nil {
		t.Fatalf("get m7: %v", err)
	}
	if rec.Tier != market.TierCatalog || len(rec.Tokens) != 2 {
		t.Fatalf("new markets enter at tier 1 with tokens, got %+v", rec)
	}
	if locks.calls != 24 {
		t.Fatalf("every snapshot write takes the market lock, got %d", locks.calls)
	}
}

func TestSyncDerivesChangesFromHistory(t *testing.T) {
	catalog := &fakeCatalog{ids: []string{"m1"}, prices: map[string]string{"m1": "0.40"}}
	store := memstore.New()
	tape := NewTradeTape()
	poller := NewPoller(catalog, store, nil, tape, PollerOptions{}, zerolog.Nop())
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	if _, err := poller.Sync(ctx, start); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	catalog.prices["m1"] = "0.55"
	tape.Observe("m1", start.Add(90*time.Minute))
	tape.Observe("m1", start.Add(100*time.Minute))
	if _, err := poller.Sync(ctx, start.Add(2*time.Hour)); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	rec, err := store.GetMarket(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.Change1h.Equal(decimal.RequireFromString("0.15")) {
		t.Fatalf("1h change %s, want 0.15", rec.Change1h)
	}
	if !rec.Change24h.IsZero() {
		t.Fatalf("no 24h history yet, got %s", rec.Change24h)
	}
	if rec.TradeCount24h != 2 {
		t.Fatalf("trade count from tape %d", rec.TradeCount24h)
	}
}

type failingList struct{ fakeCatalog }

func (f *failingList) ListMarkets(context.Context, int, int) ([]GammaMarket, error) {
	return nil, errors.New("gamma down")
}

func TestSyncAbortsWhenListingFails(t *testing.T) {
	poller := NewPoller(&failingList{}, memstore.New(), nil, nil, PollerOptions{}, zerolog.Nop())
	if _, err := poller.Sync(context.Background(), time.Now()); err == nil {
		t.Fatal("a listing failure is systemic and must be returned")
	}
}

func TestTradeTapeRollsOff(t *testing.T) {
	tape := NewTradeTape()
	base := time.Date(2026, 5, 1, 0, 30, 0, 0, time.UTC)
	tape.Observe("m1", base)
	tape.Observe("m1", base.Add(23*time.Hour))
	if got := tape.Count24h("m1", base.Add(23*time.Hour)); got != 2 {
		t.Fatalf("both trades are inside the window, got %d", got)
	}
	if got := tape.Count24h("m1", base.Add(25*time.Hour)); got != 1 {
		t.Fatalf("the first trade should roll off, got %d", got)
	}
	// a new trade in the recycled slot replaces the stale count
	tape.Observe("m1", base.Add(48*time.Hour))
	if got := tape.Count24h("m1", base.Add(48*time.Hour)); got != 1 {
		t.Fatalf("recycled slot, got %d", got)
	}
}
