package tiering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"market-tiers/internal/alerting"
	"market-tiers/internal/market"
	"market-tiers/internal/storage/memstore"
)

type fixedScores map[string]float64

func (f fixedScores) Score(rec market.Record, _ time.Time) float64 { return f[rec.ID] }

type staticRequests map[string]market.Tier

func (s staticRequests) LiveByMarket(context.Context, time.Time) (map[string]market.Tier, error) {
	out := make(map[string]market.Tier, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

type exposure map[string]bool

func (e exposure) HasOpenExposure(_ context.Context, id string) (bool, error) { return e[id], nil }

type depthLog struct {
	mu    sync.Mutex
	calls []string
}

func (d *depthLog) add(s string) {
	d.mu.Lock()
	d.calls = append(d.calls, s)
	d.mu.Unlock()
}

func (d *depthLog) EnableCandles(_ context.Context, rec market.Record) error {
	d.add("candles+" + rec.ID)
	return nil
}
func (d *depthLog) DisableCandles(_ context.Context, id string) error {
	d.add("candles-" + id)
	return nil
}
func (d *depthLog) EnableOrderbook(_ context.Context, rec market.Record) error {
	d.add("book+" + rec.ID)
	return nil
}
func (d *depthLog) DisableOrderbook(_ context.Context, id string) error {
	d.add("book-" + id)
	return nil
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.notes = append(r.notes, n)
	return nil
}

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memstore.Store
	scores   fixedScores
	requests staticRequests
	exposure exposure
	depth    *depthLog
	notifier *recordingNotifier
	mgr      *Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:    memstore.New(),
		scores:   fixedScores{},
		requests: staticRequests{},
		exposure: exposure{},
		depth:    &depthLog{},
		notifier: &recordingNotifier{},
	}
	mgr, err := New(cfg, Options{
		Store:    f.store,
		Scorer:   f.scores,
		Requests: f.requests,
		Exposure: f.exposure,
		Depth:    f.depth,
		Notifier: f.notifier,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	f.mgr = mgr
	return f
}

func (f *fixture) tier(t *testing.T, id string) market.Tier {
	t.Helper()
	rec, err := f.store.GetMarket(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec.Tier
}

func (f *fixture) run(t *testing.T, now time.Time) Cycle {
	t.Helper()
	cycle, err := f.mgr.Evaluate(context.Background(), now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	return cycle
}

func TestPromotionFromOneToThreeIsTwoAdjacentSteps(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store.Put(market.Record{ID: "hot"})
	f.scores["hot"] = 0.9

	cycle := f.run(t, t0)

	if got := f.tier(t, "hot"); got != market.TierOrderbook {
		t.Fatalf("expected tier 3, got %s", got)
	}
	if len(cycle.Transitions) != 2 {
		t.Fatalf("expected two transitions, got %+v", cycle.Transitions)
	}
	for _, tr := range cycle.Transitions {
		if tr.To-tr.From != 1 {
			t.Fatalf("transition %d->%d is not adjacent", tr.From, tr.To)
		}
	}
	if cycle.Transitions[0].To != market.TierCandles {
		t.Fatalf("the intermediate tier 2 must be recorded first: %+v", cycle.Transitions)
	}
	want := []string{"candles+hot", "book+hot"}
	if len(f.depth.calls) != 2 || f.depth.calls[0] != want[0] || f.depth.calls[1] != want[1] {
		t.Fatalf("unexpected depth calls %v", f.depth.calls)
	}
}

func TestStrategyRequestPromotesWithoutScore(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store.Put(market.Record{ID: "m1"})
	f.requests["m1"] = market.TierCandles

	f.run(t, t0)
	if got := f.tier(t, "m1"); got != market.TierCandles {
		t.Fatalf("request for tier 2 should promote, got %s", got)
	}

	// request gone: score 0 keeps it in place until the dwell elapses
	delete(f.requests, "m1")
	f.run(t, t0.Add(5*time.Minute))
	if got := f.tier(t, "m1"); got != market.TierCandles {
		t.Fatalf("demotion must wait for the dwell period, got %s", got)
	}
	f.run(t, t0.Add(40*time.Minute))
	if got := f.tier(t, "m1"); got != market.TierCatalog {
		t.Fatalf("after dwell the market should drop to tier 1, got %s", got)
	}
}

func TestDemotionRequiresContinuousDwell(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store.Put(market.Record{ID: "m1", Tier: market.TierCandles})

	f.scores["m1"] = 0.1
	f.run(t, t0)
	// recovers above retention mid-dwell: the clock resets
	f.scores["m1"] = 0.4
	f.run(t, t0.Add(20*time.Minute))
	f.scores["m1"] = 0.1
	f.run(t, t0.Add(25*time.Minute))
	f.run(t, t0.Add(40*time.Minute))
	if got := f.tier(t, "m1"); got != market.TierCandles {
		t.Fatalf("dwell restarted at 25m; no demotion expected at 40m, got %s", got)
	}
	f.run(t, t0.Add(56*time.Minute))
	if got := f.tier(t, "m1"); got != market.TierCatalog {
		t.Fatalf("expected demotion after a continuous dwell, got %s", got)
	}
}

func TestDemotionIsOneTierPerCycle(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store.Put(market.Record{ID: "m1", Tier: market.TierOrderbook})
	f.scores["m1"] = 0

	f.run(t, t0)
	cycle := f.run(t, t0.Add(31*time.Minute))
	if got := f.tier(t, "m1"); got != market.TierCandles {
		t.Fatalf("expected 3->2, got %s", got)
	}
	if len(cycle.Transitions) != 1 {
		t.Fatalf("expected a single step, got %+v", cycle.Transitions)
	}
}

func TestPinnedTierIsAFloor(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	pin := market.TierCandles
	f.store.Put(market.Record{ID: "m1", Tier: market.TierOrderbook, PinnedTier: &pin})

	scores := []float64{0.9, 0, 0.1, 0, 0.5, 0, 0, 0}
	now := t0
	for _, s := range scores {
		f.scores["m1"] = s
		f.run(t, now)
		if got := f.tier(t, "m1"); got < pin {
			t.Fatalf("tier %s fell below pin %s at score %.2f", got, pin, s)
		}
		now = now.Add(time.Hour)
	}
	if got := f.tier(t, "m1"); got != market.TierCandles {
		t.Fatalf("expected to rest at the pinned tier, got %s", got)
	}
}

func TestPinRaisesImmediately(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store.Put(market.Record{ID: "m1"})

	pin := market.TierOrderbook
	rec, transitions, err := f.mgr.Pin(context.Background(), "m1", &pin, t0)
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	if rec.Tier != market.TierOrderbook || len(transitions) != 2 {
		t.Fatalf("pin should raise 1->2->3, got tier %s transitions %+v", rec.Tier, transitions)
	}

	if _, _, err := f.mgr.Pin(context.Background(), "m1", nil, t0); err != nil {
		t.Fatalf("clear pin: %v", err)
	}
	bad := market.Tier(7)
	if _, _, err := f.mgr.Pin(context.Background(), "m1", &bad, t0); !errors.Is(err, ErrInvalidTier) {
		t.Fatalf("expected ErrInvalidTier, got %v", err)
	}
}

func TestRecentSignalExemptsFromDemotion(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store.Put(market.Record{ID: "m1", Tier: market.TierOrderbook})

	f.run(t, t0)
	if err := f.mgr.MarkSignal(context.Background(), "m1", t0.Add(30*time.Minute)); err != nil {
		t.Fatalf("mark signal: %v", err)
	}
	f.run(t, t0.Add(35*time.Minute))
	if got := f.tier(t, "m1"); got != market.TierOrderbook {
		t.Fatalf("recent signal must hold the tier, got %s", got)
	}
	f.run(t, t0.Add(50*time.Minute))
	if got := f.tier(t, "m1"); got != market.TierCandles {
		t.Fatalf("after the recency window the demotion proceeds, got %s", got)
	}
}

func TestOpenExposureBlocksDemotionAndAlerts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LiveTrading = true
	f := newFixture(t, cfg)
	f.store.Put(market.Record{ID: "held", Tier: market.TierOrderbook})
	f.store.Put(market.Record{ID: "free", Tier: market.TierOrderbook})
	f.exposure["held"] = true

	f.run(t, t0)
	cycle := f.run(t, t0.Add(31*time.Minute))

	if got := f.tier(t, "held"); got != market.TierOrderbook {
		t.Fatalf("exposed market must not be demoted, got %s", got)
	}
	if got := f.tier(t, "free"); got != market.TierCandles {
		t.Fatalf("other markets are unaffected, got %s", got)
	}
	if len(cycle.Halted) != 1 || cycle.Halted[0] != "held" {
		t.Fatalf("expected held to be reported halted, got %v", cycle.Halted)
	}
	if len(f.notifier.notes) != 1 {
		t.Fatalf("expected one alert, got %d", len(f.notifier.notes))
	}
	if note := f.notifier.notes[0]; note.Severity != alerting.SeverityCritical || note.MarketID != "held" {
		t.Fatalf("unexpected alert %+v", note)
	}
}

func TestHaltPersistsWithAlertCooldownUntilExposureCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LiveTrading = true
	cfg.AlertCooldown = 3 * time.Hour
	f := newFixture(t, cfg)
	f.store.Put(market.Record{ID: "held", Tier: market.TierOrderbook})
	f.exposure["held"] = true

	f.run(t, t0)
	for i := 1; i <= 12; i++ {
		cycle := f.run(t, t0.Add(31*time.Minute+time.Duration(i-1)*time.Hour))
		if len(cycle.Halted) != 1 {
			t.Fatalf("cycle %d: held should stay halted, got %v", i, cycle.Halted)
		}
	}
	if !f.mgr.Halted("held") {
		t.Fatal("halt must outlive the cycle that raised it")
	}
	// alerts at +31m, +3h31m, +6h31m, +9h31m
	if got := len(f.notifier.notes); got != 4 {
		t.Fatalf("expected alerts spaced by the cooldown, got %d", got)
	}

	f.exposure["held"] = false
	cycle := f.run(t, t0.Add(13*time.Hour))
	if f.mgr.Halted("held") || len(cycle.Halted) != 0 {
		t.Fatal("halt should lift once exposure closes")
	}
	if got := f.tier(t, "held"); got != market.TierCandles {
		t.Fatalf("demotion resumes after the halt lifts, got %s", got)
	}
}

func TestScoreIsPersisted(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store.Put(market.Record{ID: "m1"})
	f.scores["m1"] = 0.3
	f.run(t, t0)
	rec, _ := f.store.GetMarket(context.Background(), "m1")
	if rec.Score != 0.3 {
		t.Fatalf("score should be stored, got %v", rec.Score)
	}
}

func TestCancelledCycleKeepsCommittedTransitions(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store.Put(market.Record{ID: "a"})
	f.scores["a"] = 0.5

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.mgr.Evaluate(ctx, t0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := f.tier(t, "a"); got != market.TierCatalog {
		t.Fatalf("nothing should run after cancellation, got %s", got)
	}

	f.run(t, t0)
	if got := f.tier(t, "a"); got != market.TierCandles {
		t.Fatalf("expected promotion on the next cycle, got %s", got)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PromoteTier3 = cfg.PromoteTier2
	if err := cfg.Validate(); err == nil {
		t.Fatal("tier3 threshold must exceed tier2")
	}
}

func TestMarketLocksReleaseEntries(t *testing.T) {
	locks := NewMarketLocks()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("m1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("lost updates under the market lock: %d", counter)
	}
	if locks.size() != 0 {
		t.Fatalf("lock entries should be released, %d left", locks.size())
	}
}
