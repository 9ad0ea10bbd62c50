package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-tiers/internal/config"
	"market-tiers/internal/filter"
	"market-tiers/internal/market"
	"market-tiers/internal/retention"
	"market-tiers/internal/service"
	"market-tiers/internal/storage/memstore"
)

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("app:\n  name: test\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func seeded() *memstore.Store {
	store := memstore.New()
	store.Put(market.Record{
		ID:       "m1",
		Question: "Will the bill pass?",
		EndTime:  time.Now().UTC().Add(30 * 24 * time.Hour),
		Tokens:   []market.OutcomeToken{{TokenID: "m1-yes"}, {Index: 1, TokenID: "m1-no"}},
		Score:    0.2,
		Tier:     market.TierCatalog,
	})
	store.Put(market.Record{
		ID:       "m2",
		Question: "Will the launch slip?",
		EndTime:  time.Now().UTC().Add(10 * 24 * time.Hour),
		Tokens:   []market.OutcomeToken{{TokenID: "m2-yes"}},
		Score:    0.6,
		Tier:     market.TierCandles,
	})
	return store
}

func TestSimulateTradeAcceptsThenReportsDuplicate(t *testing.T) {
	a, out := newTestApp(t)
	outcomes, err := a.SimulateTrade(context.Background(), SimulateOptions{
		Question: "Will the merger close?",
		EndsIn:   30 * 24 * time.Hour,
		Price:    d("0.93"),
		Size:     d("100"),
		Repeat:   2,
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if len(outcomes) != 2 || !outcomes[0].Decision.Accepted {
		t.Fatalf("first trade should pass every filter: %+v", outcomes)
	}
	if outcomes[1].Decision.RuleID != filter.RuleDuplicateTrigger {
		t.Fatalf("second trade should be a duplicate, got %s", outcomes[1].Decision.RuleID)
	}
	if !strings.Contains(out.String(), "#1 accepted") || !strings.Contains(out.String(), "rule=duplicate_trigger") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestSimulateTradeRejections(t *testing.T) {
	cases := []struct {
		name string
		opts SimulateOptions
		want filter.RuleID
	}{
		{
			name: "weather",
			opts: SimulateOptions{Question: "Will it rain in London tomorrow?", EndsIn: 48 * time.Hour, Price: d("0.9"), Size: d("100")},
			want: filter.RuleWeatherGuard,
		},
		{
			name: "stale",
			opts: SimulateOptions{Question: "Will the vote pass?", EndsIn: 48 * time.Hour, Price: d("0.9"), Size: d("100"), Age: time.Hour},
			want: filter.RuleTradeAge,
		},
		{
			name: "small",
			opts: SimulateOptions{Question: "Will the vote pass?", EndsIn: 48 * time.Hour, Price: d("0.9"), Size: d("5")},
			want: filter.RuleMinTradeSize,
		},
		{
			name: "no book",
			opts: SimulateOptions{Question: "Will the vote pass?", EndsIn: 48 * time.Hour, Price: d("0.9"), Size: d("100"), NoBook: true},
			want: filter.RuleOrderbookDivergence,
		},
		{
			name: "diverged",
			opts: SimulateOptions{Question: "Will the vote pass?", EndsIn: 48 * time.Hour, Price: d("0.5"), Size: d("100"), Mid: d("0.8")},
			want: filter.RuleOrderbookDivergence,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := newTestApp(t)
			outcomes, err := a.SimulateTrade(context.Background(), tc.opts)
			if err != nil {
				t.Fatalf("simulate: %v", err)
			}
			if got := outcomes[0].Decision.RuleID; got != tc.want {
				t.Fatalf("rule = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestSimulateTradeRequiresPrice(t *testing.T) {
	a, _ := newTestApp(t)
	if _, err := a.SimulateTrade(context.Background(), SimulateOptions{}); err == nil {
		t.Fatal("expected an error without a price")
	}
}

func TestPrintMarketsOrdersByTierThenScore(t *testing.T) {
	a, out := newTestApp(t)
	if err := a.printMarkets(context.Background(), seeded(), ShowOptions{}); err != nil {
		t.Fatalf("show: %v", err)
	}
	text := out.String()
	if strings.Index(text, "m2") > strings.Index(text, "m1") {
		t.Fatalf("the tier-2 market should be listed first:\n%s", text)
	}
	if !strings.Contains(text, "tier1=1 tier2=1 tier3=0") {
		t.Fatalf("missing tier summary:\n%s", text)
	}
}

func TestExportCandlesWritesDownsampledCSV(t *testing.T) {
	a, _ := newTestApp(t)
	store := seeded()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Hour)
	for i, v := range []string{"0.51", "0.52", "0.53"} {
		price := d(v)
		if err := store.UpsertCandle(ctx, market.Candle{
			MarketID:    "m1",
			TokenID:     "m1-yes",
			Resolution:  market.Resolution1h,
			BucketStart: base.Add(-time.Duration(i+1) * time.Hour),
			Open:        price,
			High:        price,
			Low:         price,
			Close:       price,
			Volume:      decimal.NewFromInt(10),
			TradeCount:  1,
			VWAP:        price,
		}); err != nil {
			t.Fatalf("seed candle: %v", err)
		}
	}

	from := base.Add(-10 * time.Hour)
	to := base.Add(time.Hour)
	path := filepath.Join(t.TempDir(), "out", "m1.csv")
	err := a.exportCandles(ctx, store, ExportOptions{
		MarketID:   "m1",
		Resolution: market.Resolution1h,
		From:       &from,
		To:         &to,
		CSVPath:    path,
		MaxPoints:  2,
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[1][2] != "m1-yes" || rows[1][7] != "0.53" || rows[2][7] != "0.51" {
		t.Fatalf("first token, oldest and newest candle expected, got %v", rows[1:])
	}
}

func TestDownsampleCandlesKeepsEnds(t *testing.T) {
	candles := make([]market.Candle, 10)
	for i := range candles {
		candles[i].TradeCount = int64(i)
	}
	got := downsampleCandles(candles, 4)
	if len(got) != 4 || got[0].TradeCount != 0 || got[3].TradeCount != 9 {
		t.Fatalf("unexpected sample %+v", got)
	}
	if len(downsampleCandles(candles, 20)) != 10 {
		t.Fatal("short series are returned unchanged")
	}
}

func TestCleanupDryRunPrintsCutoffs(t *testing.T) {
	a, out := newTestApp(t)
	if err := a.Cleanup(context.Background(), CleanupOptions{DryRun: true}); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	text := out.String()
	for _, table := range []string{retention.TablePriceSnapshots, retention.CandleTable(market.Resolution5m), retention.TableTierRequests} {
		if !strings.Contains(text, table) {
			t.Fatalf("missing %s:\n%s", table, text)
		}
	}
	if strings.Contains(text, retention.CandleTable(market.Resolution1d)) {
		t.Fatalf("daily candles are kept forever:\n%s", text)
	}
}

func TestRunCleanupPrunesOldSnapshots(t *testing.T) {
	a, out := newTestApp(t)
	store := seeded()
	ctx := context.Background()
	now := time.Now().UTC()
	for _, at := range []time.Time{now.Add(-48 * time.Hour), now.Add(-time.Hour)} {
		if err := store.InsertPriceSnapshot(ctx, market.PriceSnapshot{MarketID: "m1", SnapshotAt: at, Price: d("0.5")}); err != nil {
			t.Fatalf("seed snapshot: %v", err)
		}
	}
	if err := a.runCleanup(ctx, store, now); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, ok, _ := store.PriceAt(ctx, "m1", now.Add(-47*time.Hour)); ok {
		t.Fatal("the two-day-old snapshot should be gone")
	}
	if !strings.Contains(out.String(), retention.TablePriceSnapshots) {
		t.Fatalf("missing report:\n%s", out.String())
	}
}

func TestSubmitAndCancelTierRequest(t *testing.T) {
	a, out := newTestApp(t)
	store := seeded()
	ctx := context.Background()
	opts := RequestTierOptions{Strategy: "momentum", MarketID: "m1", Tier: market.TierOrderbook, TTL: 2 * time.Hour}
	if err := a.submitRequest(ctx, store, opts); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if store.RequestCount() != 1 || !strings.Contains(out.String(), "requested tier3 for m1") {
		t.Fatalf("request not stored: %s", out.String())
	}

	opts.MarketID = "missing"
	if err := a.submitRequest(ctx, store, opts); err == nil {
		t.Fatal("a request for an unknown market should fail")
	}

	if err := a.submitRequest(ctx, store, RequestTierOptions{Strategy: "momentum", MarketID: "m1", Cancel: true}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if store.RequestCount() != 0 {
		t.Fatal("cancel should drop the request")
	}
}

func TestPinRaisesTier(t *testing.T) {
	a, out := newTestApp(t)
	store := seeded()
	ctx := context.Background()
	tier := market.TierOrderbook
	if err := a.pin(ctx, store, "m1", &tier); err != nil {
		t.Fatalf("pin: %v", err)
	}
	rec, err := store.GetMarket(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Tier != market.TierOrderbook || rec.PinnedTier == nil {
		t.Fatalf("pinned market should sit at tier 3: %+v", rec)
	}
	if !strings.Contains(out.String(), "m1 pinned to tier3") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	if err := a.pin(ctx, store, "m1", nil); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	rec, _ = store.GetMarket(ctx, "m1")
	if rec.PinnedTier != nil {
		t.Fatal("pin should be cleared")
	}
}

func TestBuildStackWiresService(t *testing.T) {
	a, _ := newTestApp(t)
	s, err := a.buildStack(backend{repo: seeded(), close: func() {}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if s.Stream == nil || s.API == nil {
		t.Fatal("stream and api are enabled by default")
	}
	if s.Locker != nil {
		t.Fatal("the in-memory backend has no advisory lock")
	}
	if _, err := service.New(s.Components, service.Options{Thresholds: a.thresholds()}, zerolog.Nop()); err != nil {
		t.Fatalf("service: %v", err)
	}
	if got := a.thresholds(); len(got) != 2 || !got[0].Equal(d("0.9")) {
		t.Fatalf("thresholds %v", got)
	}
}

func TestCommandsNeedDatabase(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	if err := a.Show(ctx, ShowOptions{}); err == nil {
		t.Fatal("show without a database should fail")
	}
	if err := a.Migrate(ctx); err == nil {
		t.Fatal("migrate without a database should fail")
	}
}
