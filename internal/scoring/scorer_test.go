package scoring

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"market-tiers/internal/market"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func baseRecord() market.Record {
	return market.Record{
		ID:            "m1",
		EndTime:       now.Add(72 * time.Hour),
		BestBid:       decimal.RequireFromString("0.48"),
		BestAsk:       decimal.RequireFromString("0.50"),
		Spread:        decimal.RequireFromString("0.02"),
		Volume24h:     decimal.NewFromInt(50_000),
		TradeCount24h: 400,
		Tier:          market.TierCandles,
	}
}

func TestScoreDeterministicAndBounded(t *testing.T) {
	s := New(DefaultWeights())
	rec := baseRecord()
	a := s.Score(rec, now)
	b := s.Score(rec, now)
	if a != b {
		t.Fatalf("score not deterministic: %v vs %v", a, b)
	}
	if a <= 0 || a > 1 {
		t.Fatalf("score out of bounds: %v", a)
	}

	rec.Volume24h = decimal.NewFromInt(1_000_000_000)
	rec.TradeCount24h = 10_000_000
	rec.Spread = decimal.Zero
	if got := s.Score(rec, now); got > 1 {
		t.Fatalf("score must be capped at 1, got %v", got)
	}
}

func TestScoreMonotonicity(t *testing.T) {
	s := New(DefaultWeights())
	rec := baseRecord()
	base := s.Score(rec, now)

	more := rec
	more.Volume24h = decimal.NewFromInt(200_000)
	if s.Score(more, now) <= base {
		t.Fatal("higher volume must raise the score")
	}

	busier := rec
	busier.TradeCount24h = 2_000
	if s.Score(busier, now) <= base {
		t.Fatal("higher trade count must raise the score")
	}

	wide := rec
	wide.Spread = decimal.RequireFromString("0.08")
	if s.Score(wide, now) >= base {
		t.Fatal("wider spread must lower the score")
	}

	soon := rec
	soon.EndTime = now.Add(3 * time.Hour)
	sooner := rec
	sooner.EndTime = now.Add(1 * time.Hour)
	if s.Score(soon, now) >= base {
		t.Fatal("inside the minimum horizon the score must decay")
	}
	if s.Score(sooner, now) >= s.Score(soon, now) {
		t.Fatal("closer to resolution must score lower")
	}

	far := rec
	far.EndTime = now.Add(30 * 24 * time.Hour)
	if s.Score(far, now) != base {
		t.Fatal("beyond the minimum horizon time left must not change the score")
	}
}

func TestScoreMalformedIsMinimum(t *testing.T) {
	s := New(DefaultWeights())
	cases := map[string]func(r *market.Record){
		"negative volume": func(r *market.Record) { r.Volume24h = decimal.NewFromInt(-1) },
		"negative trades": func(r *market.Record) { r.TradeCount24h = -5 },
		"no end time":     func(r *market.Record) { r.EndTime = time.Time{} },
		"resolved":        func(r *market.Record) { r.Resolved = true },
		"already ended":   func(r *market.Record) { r.EndTime = now.Add(-time.Hour) },
	}
	for name, mutate := range cases {
		rec := baseRecord()
		mutate(&rec)
		if got := s.Score(rec, now); got != Min {
			t.Fatalf("%s: expected minimum score, got %v", name, got)
		}
	}
}

func TestCatalogTierLeavesOutTradeTerm(t *testing.T) {
	s := New(DefaultWeights())
	rec := baseRecord()
	rec.Tier = market.TierCatalog
	rec.TradeCount24h = 0
	quiet := s.Score(rec, now)

	rec.TradeCount24h = 5_000
	if got := s.Score(rec, now); got != quiet {
		t.Fatalf("tier-1 trade counts are not observed and must not move the score: %v vs %v", got, quiet)
	}

	// volume and spread alone can carry a tier-1 market past the tier-2 bar
	rec.Volume24h = decimal.NewFromInt(1_000_000)
	rec.Spread = decimal.RequireFromString("0.01")
	if got := s.Score(rec, now); got <= 0.45 {
		t.Fatalf("an active tier-1 market should be able to reach tier 2, got %v", got)
	}

	tradesOnly := New(Weights{Trades: 1})
	if got := tradesOnly.Score(rec, now); got != Min {
		t.Fatalf("with only a trade weight a tier-1 market scores the minimum, got %v", got)
	}
}
