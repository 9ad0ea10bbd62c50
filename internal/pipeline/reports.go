package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"market-tiers/internal/filter"
)

const (
	// DefaultReportCapacity bounds the rejection details kept for reporting.
	DefaultReportCapacity = 10000
	// DefaultReportHorizon is how long counts and candidates are kept.
	DefaultReportHorizon = 24 * time.Hour
)

// Evaluation is the recorded outcome of one candidate.
type Evaluation struct {
	ID         string            `json:"id"`
	At         time.Time         `json:"at"`
	TokenID    string            `json:"token_id"`
	MarketID   string            `json:"market_id"`
	Question   string            `json:"question,omitempty"`
	Price      decimal.Decimal   `json:"price"`
	Threshold  decimal.Decimal   `json:"threshold"`
	ModelScore float64           `json:"model_score"`
	Accepted   bool              `json:"accepted"`
	RuleID     filter.RuleID     `json:"rule_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}

func (e Evaluation) key() string {
	return e.TokenID + "|" + e.MarketID + "|" + e.Threshold.String()
}

// triggered reports whether the evaluation shows the key holding a trigger.
func (e Evaluation) triggered() bool {
	return e.Accepted || e.RuleID == filter.RuleDuplicateTrigger
}

// Stage is one step of the rejection funnel.
type Stage struct {
	Name      string `json:"name"`
	Rejected  int    `json:"rejected"`
	Remaining int    `json:"remaining"`
}

// Funnel counts candidates surviving each gate rule.
type Funnel struct {
	Window    time.Duration `json:"window"`
	Evaluated int           `json:"evaluated"`
	Stages    []Stage       `json:"stages"`
	Accepted  int           `json:"accepted"`
}

// Candidate is a market near, or already past, its trigger threshold.
type Candidate struct {
	TokenID    string          `json:"token_id"`
	MarketID   string          `json:"market_id"`
	Question   string          `json:"question,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Threshold  decimal.Decimal `json:"threshold"`
	Distance   decimal.Decimal `json:"distance"`
	Triggered  bool            `json:"triggered"`
	LastSeenAt time.Time       `json:"last_seen_at"`
}

// Totals aggregates rejections per category.
type Totals struct {
	Window    time.Duration         `json:"window"`
	Evaluated int                   `json:"evaluated"`
	Accepted  int                   `json:"accepted"`
	Rejected  int                   `json:"rejected"`
	ByRule    map[filter.RuleID]int `json:"by_rule"`
}

// Reports derives the dashboard views from pipeline activity. Counts are kept
// in per-minute buckets pruned at the horizon, so windowed totals do not
// depend on how many evaluations happened. A bounded ring keeps rejection
// details, and candidates are tracked per key from both evaluations and
// plain price observations.
type Reports struct {
	mu         sync.RWMutex
	ring       []Evaluation
	next       int
	full       bool
	buckets    map[int64]*bucket
	candidates map[string]*Candidate
	nearBand   decimal.Decimal
	horizon    time.Duration
	now        func() time.Time
}

type bucket struct {
	start     time.Time
	evaluated int
	accepted  int
	rejected  map[filter.RuleID]int
}

// NewReports constructs Reports keeping up to capacity rejection details.
// nearBand is the largest |price - threshold| at which an untriggered market
// is listed as a candidate.
func NewReports(capacity int, nearBand decimal.Decimal) *Reports {
	if capacity <= 0 {
		capacity = DefaultReportCapacity
	}
	return &Reports{
		ring:       make([]Evaluation, capacity),
		buckets:    make(map[int64]*bucket),
		candidates: make(map[string]*Candidate),
		nearBand:   nearBand,
		horizon:    DefaultReportHorizon,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// KeepFor sets how long counts and candidates are retained. It bounds the
// widest window Funnel and Totals can answer.
func (r *Reports) KeepFor(horizon time.Duration) *Reports {
	if horizon > 0 {
		r.mu.Lock()
		r.horizon = horizon
		r.mu.Unlock()
	}
	return r
}

// Observe records an evaluation.
func (r *Reports) Observe(e Evaluation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ring[r.next] = e
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}

	minute := e.At.Truncate(time.Minute)
	b, ok := r.buckets[minute.Unix()]
	if !ok {
		b = &bucket{start: minute, rejected: make(map[filter.RuleID]int)}
		r.buckets[minute.Unix()] = b
	}
	b.evaluated++
	if e.Accepted {
		b.accepted++
	} else {
		b.rejected[e.RuleID]++
	}

	c := r.touch(e.key(), e.TokenID, e.MarketID, e.Question, e.Price, e.Threshold, e.At)
	if e.triggered() {
		c.Triggered = true
	}
	r.prune()
}

// ObservePrice records a price seen for a key without an evaluation, as for
// a level the trade has not reached yet. Keys already tracked take the new
// price. Untracked keys are only added when they sit within the near band.
func (r *Reports) ObservePrice(tokenID, marketID, question string, price, threshold decimal.Decimal, at time.Time) {
	key := Evaluation{TokenID: tokenID, MarketID: marketID, Threshold: threshold}.key()
	r.mu.Lock()
	defer r.mu.Unlock()
	_, tracked := r.candidates[key]
	if !tracked && price.Sub(threshold).Abs().GreaterThan(r.nearBand) {
		return
	}
	r.touch(key, tokenID, marketID, question, price, threshold, at)
	r.prune()
}

// touch updates the candidate for key with a newer price. Callers hold r.mu.
func (r *Reports) touch(key, tokenID, marketID, question string, price, threshold decimal.Decimal, at time.Time) *Candidate {
	c, ok := r.candidates[key]
	if !ok {
		c = &Candidate{TokenID: tokenID, MarketID: marketID, Threshold: threshold}
		r.candidates[key] = c
	}
	if !ok || !at.Before(c.LastSeenAt) {
		c.Price = price
		c.Distance = price.Sub(threshold).Abs()
		c.LastSeenAt = at
		if question != "" {
			c.Question = question
		}
	}
	return c
}

// prune drops buckets and candidates older than the horizon. Callers hold r.mu.
func (r *Reports) prune() {
	since := r.now().Add(-r.horizon)
	for k, b := range r.buckets {
		if b.start.Add(time.Minute).Before(since) {
			delete(r.buckets, k)
		}
	}
	for k, c := range r.candidates {
		if c.LastSeenAt.Before(since) {
			delete(r.candidates, k)
		}
	}
}

// snapshot returns ring evaluations newest first. Callers hold r.mu.
func (r *Reports) snapshot() []Evaluation {
	n := r.next
	if r.full {
		n = len(r.ring)
	}
	out := make([]Evaluation, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}

// sum adds up the minute buckets inside the window. A non-positive window, or
// one wider than the horizon, covers the horizon.
func (r *Reports) sum(window time.Duration) bucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if window <= 0 || window > r.horizon {
		window = r.horizon
	}
	since := r.now().Add(-window).Truncate(time.Minute)
	total := bucket{rejected: make(map[filter.RuleID]int)}
	for _, b := range r.buckets {
		if b.start.Before(since) {
			continue
		}
		total.evaluated += b.evaluated
		total.accepted += b.accepted
		for id, n := range b.rejected {
			total.rejected[id] += n
		}
	}
	return total
}

// Funnel counts evaluations over the window, at minute resolution, and how
// many each rule removed, in gate order.
func (r *Reports) Funnel(window time.Duration) Funnel {
	b := r.sum(window)
	f := Funnel{Window: window, Evaluated: b.evaluated, Accepted: b.accepted}
	remaining := b.evaluated
	if n := b.rejected[filter.RuleMarketHalted]; n > 0 {
		remaining -= n
		f.Stages = append(f.Stages, Stage{Name: string(filter.RuleMarketHalted), Rejected: n, Remaining: remaining})
	}
	for _, id := range filter.Order {
		remaining -= b.rejected[id]
		f.Stages = append(f.Stages, Stage{Name: string(id), Rejected: b.rejected[id], Remaining: remaining})
	}
	if n := b.rejected[filter.RuleInternal]; n > 0 {
		remaining -= n
		f.Stages = append(f.Stages, Stage{Name: string(filter.RuleInternal), Rejected: n, Remaining: remaining})
	}
	return f
}

// Rejections returns the most recent rejection details, newest first.
func (r *Reports) Rejections(limit int) []Evaluation {
	r.mu.RLock()
	all := r.snapshot()
	r.mu.RUnlock()

	var out []Evaluation
	for _, e := range all {
		if e.Accepted {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Candidates lists keys that are triggered or whose last price sits within the
// near band of the threshold, closest first.
func (r *Reports) Candidates(limit int) []Candidate {
	r.mu.RLock()
	since := r.now().Add(-r.horizon)
	out := make([]Candidate, 0, len(r.candidates))
	for _, c := range r.candidates {
		if c.LastSeenAt.Before(since) {
			continue
		}
		if c.Triggered || c.Distance.LessThanOrEqual(r.nearBand) {
			out = append(out, *c)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Distance.Equal(out[j].Distance) {
			return out[i].Distance.LessThan(out[j].Distance)
		}
		return out[i].MarketID < out[j].MarketID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Totals aggregates rejections per rule over the window.
func (r *Reports) Totals(window time.Duration) Totals {
	b := r.sum(window)
	t := Totals{Window: window, Evaluated: b.evaluated, Accepted: b.accepted, ByRule: make(map[filter.RuleID]int)}
	for id, n := range b.rejected {
		t.Rejected += n
		t.ByRule[id] = n
	}
	return t
}
