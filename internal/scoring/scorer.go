package scoring

import (
	"math"
	"time"

	"market-tiers/internal/market"
)

// Weights parameterise the interestingness score.
type Weights struct {
	Volume          float64
	Trades          float64
	Spread          float64
	VolumeScale     float64
	TradeScale      float64
	MaxSpread       float64
	MinHorizonHours float64
}

// DefaultWeights mirrors the configuration defaults.
func DefaultWeights() Weights {
	return Weights{
		Volume:          0.5,
		Trades:          0.3,
		Spread:          0.2,
		VolumeScale:     1_000_000,
		TradeScale:      5_000,
		MaxSpread:       0.10,
		MinHorizonHours: 6,
	}
}

// Scorer ranks markets by how much data depth they deserve.
//
// Score is a pure function of the record and the evaluation time. It is
// bounded to [0, 1], increases with 24h volume and trade count, decreases
// with spread, and decays linearly to zero once the market is closer to
// resolution than MinHorizonHours.
//
// Trades are only counted for markets on the trade stream (tier 2 and up).
// Below that the trade term is left out and the other weights are
// renormalised, so an unobserved count does not hold a market at tier 1.
type Scorer struct {
	w Weights
}

// New constructs a Scorer. Non-positive scales fall back to the defaults.
func New(w Weights) *Scorer {
	def := DefaultWeights()
	if w.VolumeScale <= 0 {
		w.VolumeScale = def.VolumeScale
	}
	if w.TradeScale <= 0 {
		w.TradeScale = def.TradeScale
	}
	if w.MaxSpread <= 0 {
		w.MaxSpread = def.MaxSpread
	}
	if w.MinHorizonHours < 0 {
		w.MinHorizonHours = 0
	}
	if w.Volume < 0 {
		w.Volume = 0
	}
	if w.Trades < 0 {
		w.Trades = 0
	}
	if w.Spread < 0 {
		w.Spread = 0
	}
	if w.Volume+w.Trades+w.Spread == 0 {
		w.Volume, w.Trades, w.Spread = def.Volume, def.Trades, def.Spread
	}
	return &Scorer{w: w}
}

// Min is the score assigned to malformed or finished markets.
const Min = 0.0

// Score computes the interestingness of rec at now.
func (s *Scorer) Score(rec market.Record, now time.Time) float64 {
	if rec.Resolved || rec.EndTime.IsZero() {
		return Min
	}
	volume, _ := rec.Volume24h.Float64()
	spread, _ := rec.Spread.Float64()
	if volume < 0 || spread < 0 || rec.TradeCount24h < 0 || !finite(volume) || !finite(spread) {
		return Min
	}
	if rec.BestBid.IsZero() && rec.BestAsk.IsZero() && rec.Spread.IsZero() {
		// no quote at all; treat the spread as maximally wide
		spread = s.w.MaxSpread
	}

	volTerm := logRatio(volume, s.w.VolumeScale)
	tradeTerm := logRatio(float64(rec.TradeCount24h), s.w.TradeScale)
	spreadTerm := 1 - math.Min(spread/s.w.MaxSpread, 1)

	total := s.w.Volume + s.w.Spread
	sum := s.w.Volume*volTerm + s.w.Spread*spreadTerm
	if rec.Tier >= market.TierCandles {
		total += s.w.Trades
		sum += s.w.Trades * tradeTerm
	}
	if total == 0 {
		return Min
	}
	base := sum / total

	return clamp(base * s.horizonFactor(rec.EndTime.Sub(now).Hours()))
}

func (s *Scorer) horizonFactor(hoursLeft float64) float64 {
	if hoursLeft <= 0 {
		return 0
	}
	if s.w.MinHorizonHours == 0 || hoursLeft >= s.w.MinHorizonHours {
		return 1
	}
	return hoursLeft / s.w.MinHorizonHours
}

func logRatio(v, scale float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Min(math.Log1p(v)/math.Log1p(scale), 1)
}

func clamp(v float64) float64 {
	if !finite(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
