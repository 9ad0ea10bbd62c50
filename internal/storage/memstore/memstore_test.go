package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"market-tiers/internal/market"
	"market-tiers/internal/storage"
)

func TestUpsertSnapshotKeepsTierState(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.UpsertSnapshot(ctx, market.Record{ID: "m1", Question: "q", Tier: market.TierOrderbook, Score: 0.9}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec, _ := s.GetMarket(ctx, "m1")
	if rec.Tier != market.TierCatalog || rec.Score != 0 {
		t.Fatalf("a new market enters at tier 1 with no score: %+v", rec)
	}

	if err := s.UpdateTier(ctx, "m1", market.TierCatalog, market.TierCandles, time.Now()); err != nil {
		t.Fatalf("update tier: %v", err)
	}
	if err := s.UpsertSnapshot(ctx, market.Record{ID: "m1", Question: "q2"}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	rec, _ = s.GetMarket(ctx, "m1")
	if rec.Tier != market.TierCandles || rec.Question != "q2" {
		t.Fatalf("a refresh updates catalog fields only: %+v", rec)
	}

	if _, err := s.GetMarket(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListMarketsFilters(t *testing.T) {
	s := New()
	s.Put(market.Record{ID: "a", Tier: market.TierCatalog, Score: 0.1})
	s.Put(market.Record{ID: "b", Tier: market.TierCandles, Score: 0.5})
	s.Put(market.Record{ID: "c", Tier: market.TierOrderbook, Score: 0.9})
	s.Put(market.Record{ID: "d", Tier: market.TierOrderbook, Resolved: true})

	got, _ := s.ListMarkets(context.Background(), storage.MarketFilter{MinTier: market.TierCandles})
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("unexpected listing %+v", got)
	}
	got, _ = s.ListMarkets(context.Background(), storage.MarketFilter{MinTier: market.TierOrderbook, IncludeResolved: true})
	if len(got) != 2 {
		t.Fatalf("resolved markets are listed on request, got %d", len(got))
	}
}

func TestInsertTriggerIsFirstWriterWins(t *testing.T) {
	s := New()
	ctx := context.Background()
	tr := market.Trigger{TokenID: "t", MarketID: "m", Threshold: decimal.RequireFromString("0.90"), TriggeredAt: time.Now()}
	if ok, _ := s.InsertTrigger(ctx, tr); !ok {
		t.Fatal("first insert should win")
	}
	tr.Threshold = decimal.RequireFromString("0.9")
	if ok, _ := s.InsertTrigger(ctx, tr); ok {
		t.Fatal("an equal threshold written differently is the same key")
	}
	if done, _ := s.HasTrigger(ctx, tr.Key()); !done {
		t.Fatal("key should be recorded")
	}
}
