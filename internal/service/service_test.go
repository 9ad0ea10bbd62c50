package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-tiers/internal/filter"
	"market-tiers/internal/ingest"
	"market-tiers/internal/ledger"
	"market-tiers/internal/market"
	"market-tiers/internal/pipeline"
	"market-tiers/internal/retention"
	"market-tiers/internal/scheduler"
	"market-tiers/internal/scoring"
	"market-tiers/internal/storage/memstore"
	"market-tiers/internal/tiering"
	"market-tiers/internal/tierreq"
)

type fakeLocker struct {
	acquired bool
	unlocked int
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.unlocked++ }, true, nil
}

type flatBook struct{}

func (flatBook) Mid(context.Context, string) (decimal.Decimal, bool, error) {
	return decimal.RequireFromString("0.93"), true, nil
}

func build(t *testing.T, locker *fakeLocker) (*Service, *memstore.Store, *pipeline.Reports) {
	t.Helper()
	log := zerolog.Nop()
	store := memstore.New()
	store.Put(market.Record{
		ID:            "hot",
		Question:      "Will the bill pass the senate?",
		EndTime:       time.Now().UTC().Add(30 * 24 * time.Hour),
		Tokens:        []market.OutcomeToken{{TokenID: "hot-yes"}, {Index: 1, TokenID: "hot-no"}},
		Volume24h:     decimal.NewFromInt(5_000_000),
		TradeCount24h: 20_000,
		Spread:        decimal.RequireFromString("0.01"),
		Tier:          market.TierCatalog,
	})

	depth := ingest.NewDepthSet()
	queue := tierreq.New(store, tierreq.Options{}, log)
	tiers, err := tiering.New(tiering.DefaultConfig(), tiering.Options{
		Store:    store,
		Scorer:   scoring.New(scoring.DefaultWeights()),
		Requests: queue,
		Depth:    depth,
	}, log)
	if err != nil {
		t.Fatalf("tiering: %v", err)
	}

	mu := &sync.Mutex{}
	cleanup, err := retention.NewRunner("@hourly", retention.New(retention.DefaultConfig(), store, queue, mu, log), log)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}

	led := ledger.New(store, 4, log)
	gate, err := filter.New(filter.DefaultConfig(), led, flatBook{}, log)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	reports := pipeline.NewReports(10, decimal.RequireFromString("0.05"))
	pipe, err := pipeline.New(pipeline.Options{
		Markets: store,
		Gate:    gate,
		Ledger:  led,
		Signals: tiers,
		Candles: ingest.NewCandleAggregator(store, depth, nil),
		Reports: reports,
	}, log)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}

	clientOpts := ingest.ClientOptions{Timeout: time.Second}
	every := scheduler.Options{Interval: time.Minute}
	c := Components{
		TierScheduler:   scheduler.New(every, log),
		IngestScheduler: scheduler.New(every, log),
		BookScheduler:   scheduler.New(every, log),
		Tiers:           tiers,
		Poller:          ingest.NewPoller(ingest.NewGammaClient("http://127.0.0.1:1", clientOpts), store, tiers.Locks(), nil, ingest.PollerOptions{}, log),
		Books:           ingest.NewBookPoller(ingest.NewClobClient("http://127.0.0.1:1", clientOpts), store, depth, ingest.BookOptions{}, log),
		Cleanup:         cleanup,
		Pipeline:        pipe,
		EvalMu:          mu,
	}
	if locker != nil {
		c.Locker = locker
		c.LockKey = 42
	}
	svc, err := New(c, Options{Thresholds: []decimal.Decimal{decimal.RequireFromString("0.90")}}, log)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return svc, store, reports
}

func TestNewRequiresComponents(t *testing.T) {
	if _, err := New(Components{}, Options{}, zerolog.Nop()); err == nil {
		t.Fatal("expected an error without schedulers")
	}
}

func TestEvaluateTiersSkipsWithoutAdvisoryLock(t *testing.T) {
	locker := &fakeLocker{}
	svc, store, _ := build(t, locker)
	if err := svc.EvaluateTiers(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	rec, _ := store.GetMarket(context.Background(), "hot")
	if rec.Tier != market.TierCatalog || rec.Score != 0 {
		t.Fatalf("another instance holds the lock; nothing should change: %+v", rec)
	}
}

func TestEvaluateTiersPromotesAndReleasesLock(t *testing.T) {
	locker := &fakeLocker{acquired: true}
	svc, store, _ := build(t, locker)
	if err := svc.EvaluateTiers(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	rec, _ := store.GetMarket(context.Background(), "hot")
	if rec.Tier < market.TierCandles || rec.Score <= 0 {
		t.Fatalf("an active market should be promoted: tier=%d score=%v", rec.Tier, rec.Score)
	}
	if locker.unlocked != 1 {
		t.Fatalf("advisory lock must be released, unlocked=%d", locker.unlocked)
	}
}

func TestEvaluateTiersWaitsForCleanup(t *testing.T) {
	svc, _, _ := build(t, nil)
	svc.c.EvalMu.Lock()
	done := make(chan struct{})
	go func() {
		_ = svc.EvaluateTiers(context.Background(), time.Now().UTC())
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("tier cycle ran while cleanup held the evaluation mutex")
	case <-time.After(50 * time.Millisecond):
	}
	svc.c.EvalMu.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tier cycle never ran")
	}
}

func TestHandleTradeFeedsPipeline(t *testing.T) {
	svc, store, reports := build(t, nil)
	ctx := context.Background()
	if err := svc.EvaluateTiers(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	size := decimal.NewFromInt(100)
	svc.HandleTrade(ctx, market.TradeEvent{
		TokenID:   "hot-yes",
		MarketID:  "hot",
		Price:     decimal.RequireFromString("0.92"),
		Size:      &size,
		Timestamp: time.Now().UTC(),
	})

	totals := reports.Totals(time.Hour)
	if totals.Evaluated != 1 || totals.Accepted != 1 {
		t.Fatalf("one level reached and accepted, got %+v", totals)
	}
	rec, _ := store.GetMarket(ctx, "hot")
	if rec.LastStrategySignalAt == nil {
		t.Fatal("an accepted trigger marks the strategy signal")
	}
	if store.CandleCount(market.Resolution5m) != 1 {
		t.Fatal("a promoted market's trade is folded into candles")
	}
}

func TestHandleTradeOnlyOnLockHolder(t *testing.T) {
	locker := &fakeLocker{}
	svc, store, reports := build(t, locker)
	ctx := context.Background()
	size := decimal.NewFromInt(100)
	trade := market.TradeEvent{
		TokenID:   "hot-yes",
		MarketID:  "hot",
		Price:     decimal.RequireFromString("0.92"),
		Size:      &size,
		Timestamp: time.Now().UTC(),
	}

	svc.HandleTrade(ctx, trade)
	if err := svc.EvaluateTiers(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	svc.HandleTrade(ctx, trade)
	if got := reports.Totals(time.Hour).Evaluated; got != 0 {
		t.Fatalf("an instance without the lock must not evaluate trades, got %d", got)
	}
	if store.CandleCount(market.Resolution5m) != 0 {
		t.Fatal("an instance without the lock must not write candles")
	}

	locker.acquired = true
	if err := svc.EvaluateTiers(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	svc.HandleTrade(ctx, trade)
	if got := reports.Totals(time.Hour).Evaluated; got != 1 {
		t.Fatalf("the lock holder evaluates trades, got %d", got)
	}
	if store.CandleCount(market.Resolution5m) != 1 {
		t.Fatal("the lock holder folds trades into candles")
	}
}
