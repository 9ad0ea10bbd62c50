package pipeline

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"market-tiers/internal/filter"
)

func eval(id string, at time.Time, price, threshold string, accepted bool, rule filter.RuleID) Evaluation {
	return Evaluation{
		ID:        id,
		At:        at,
		TokenID:   "tok-" + id,
		MarketID:  "m-" + id,
		Price:     decimal.RequireFromString(price),
		Threshold: decimal.RequireFromString(threshold),
		Accepted:  accepted,
		RuleID:    rule,
	}
}

func TestFunnelFollowsGateOrder(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewReports(50, decimal.RequireFromString("0.05"))
	r.now = func() time.Time { return now }

	r.Observe(eval("a", now.Add(-2*time.Hour), "0.5", "0.5", false, filter.RuleTradeAge))
	r.Observe(eval("b", now.Add(-10*time.Minute), "0.5", "0.5", false, filter.RuleTradeAge))
	r.Observe(eval("c", now.Add(-9*time.Minute), "0.5", "0.5", false, filter.RuleMinTradeSize))
	r.Observe(eval("d", now.Add(-8*time.Minute), "0.5", "0.5", false, filter.RuleOrderbookDivergence))
	r.Observe(eval("e", now.Add(-7*time.Minute), "0.5", "0.5", true, ""))

	f := r.Funnel(time.Hour)
	if f.Evaluated != 4 || f.Accepted != 1 {
		t.Fatalf("the window must exclude the 2h old evaluation: %+v", f)
	}
	if len(f.Stages) != len(filter.Order) {
		t.Fatalf("one stage per rule, got %d", len(f.Stages))
	}
	if f.Stages[0].Name != string(filter.RuleTradeAge) || f.Stages[0].Rejected != 1 || f.Stages[0].Remaining != 3 {
		t.Fatalf("first stage %+v", f.Stages[0])
	}
	last := f.Stages[len(f.Stages)-1]
	if last.Remaining != f.Accepted {
		t.Fatalf("the funnel should end at the accepted count: %+v", last)
	}
}

func TestCandidatesNearBandAndTriggered(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewReports(50, decimal.RequireFromString("0.05"))
	r.now = func() time.Time { return now }

	r.Observe(eval("near", now, "0.47", "0.50", false, filter.RuleMinTradeSize))
	r.Observe(eval("far", now, "0.20", "0.50", false, filter.RuleMinTradeSize))
	r.Observe(eval("done", now, "0.10", "0.50", false, filter.RuleDuplicateTrigger))
	r.Observe(eval("hit", now, "0.50", "0.50", true, ""))

	got := r.Candidates(0)
	if len(got) != 3 {
		t.Fatalf("expected near, done and hit, got %+v", got)
	}
	if got[0].MarketID != "m-hit" || !got[0].Triggered {
		t.Fatalf("closest first: %+v", got[0])
	}
	if got[1].MarketID != "m-near" || got[1].Triggered || !got[1].Distance.Equal(decimal.RequireFromString("0.03")) {
		t.Fatalf("near candidate %+v", got[1])
	}
	if got[2].MarketID != "m-done" || !got[2].Triggered {
		t.Fatalf("already triggered market is listed regardless of distance: %+v", got[2])
	}
	if len(r.Candidates(1)) != 1 {
		t.Fatal("limit not applied")
	}
}

func TestCandidatesUseLatestPrice(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewReports(50, decimal.RequireFromString("0.05"))
	r.now = func() time.Time { return now.Add(time.Minute) }
	r.Observe(eval("x", now, "0.49", "0.50", false, filter.RuleMinTradeSize))
	r.Observe(eval("x", now.Add(time.Minute), "0.30", "0.50", false, filter.RuleMinTradeSize))
	if got := r.Candidates(0); len(got) != 0 {
		t.Fatalf("a market that moved away is no longer near: %+v", got)
	}
}

func TestReportsRingEvictsOldest(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewReports(3, decimal.Zero)
	for i, id := range []string{"a", "b", "c", "d"} {
		r.Observe(eval(id, now.Add(time.Duration(i)*time.Second), "0.5", "0.5", false, filter.RuleTradeAge))
	}
	rej := r.Rejections(0)
	if len(rej) != 3 || rej[0].ID != "d" || rej[2].ID != "b" {
		t.Fatalf("unexpected ring contents %+v", rej)
	}
	if len(r.Rejections(2)) != 2 {
		t.Fatal("limit not applied")
	}
}

func TestTotalsBoundedByWindowNotCapacity(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewReports(10, decimal.Zero).KeepFor(24 * time.Hour)
	r.now = func() time.Time { return now }

	for i := 0; i < 2000; i++ {
		at := now.Add(-time.Duration(i) * time.Second)
		r.Observe(eval("x", at, "0.5", "0.5", i%4 == 0, filter.RuleTradeAge))
	}
	r.Observe(eval("old", now.Add(-30*time.Hour), "0.5", "0.5", false, filter.RuleTradeAge))

	totals := r.Totals(24 * time.Hour)
	if totals.Evaluated != 2000 || totals.Accepted != 500 || totals.ByRule[filter.RuleTradeAge] != 1500 {
		t.Fatalf("every evaluation inside the window counts: %+v", totals)
	}
	if f := r.Funnel(48 * time.Hour); f.Evaluated != 2000 {
		t.Fatalf("counts older than the horizon are pruned, got %d", f.Evaluated)
	}
	// The ring holds the last ten: i=1999..1991 (two accepted) and "old".
	if got := len(r.Rejections(0)); got != 8 {
		t.Fatalf("rejection details stay capped at capacity, got %d", got)
	}
}

func TestObservePriceTracksNearKeysOnly(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewReports(10, decimal.RequireFromString("0.05"))
	r.now = func() time.Time { return now }
	level := decimal.RequireFromString("0.95")

	r.ObservePrice("t1", "m1", "Q1", decimal.RequireFromString("0.80"), level, now)
	if got := r.Candidates(0); len(got) != 0 {
		t.Fatalf("a far price is not tracked: %+v", got)
	}

	r.ObservePrice("t1", "m1", "Q1", decimal.RequireFromString("0.93"), level, now)
	got := r.Candidates(0)
	if len(got) != 1 || got[0].Triggered || got[0].Question != "Q1" || !got[0].Distance.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("near price should be listed: %+v", got)
	}

	r.ObservePrice("t1", "m1", "Q1", decimal.RequireFromString("0.70"), level, now.Add(time.Second))
	if got := r.Candidates(0); len(got) != 0 {
		t.Fatalf("a tracked key moving away drops out: %+v", got)
	}
	if f := r.Funnel(time.Hour); f.Evaluated != 0 {
		t.Fatalf("price observations are not evaluations: %+v", f)
	}
}
