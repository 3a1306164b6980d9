package risk

import (
	"fmt"
	"math"
	"strings"
)

// SeedRisk stands in for the previous risk when the persisted state is unreadable.
const SeedRisk = 0.35

// Band boundaries. The lower named band includes its upper edge.
const (
	greenBelow = 0.25
	redAbove   = 0.60
)

// Profile is a fixed set of blend weights and a smoothing retention.
type Profile struct {
	Name    string
	Weights map[string]float64
	Keep    float64
}

var profiles = map[string]Profile{
	"weekly": {
		Name: "weekly",
		Weights: map[string]float64{
			DriverETFFlows:      0.25,
			DriverNetLiquidity:  0.25,
			DriverStablecoins:   0.20,
			DriverTermStructure: 0.15,
			DriverOnChain:       0.15,
		},
		Keep: 0.85,
	},
	"daily": {
		Name: "daily",
		Weights: map[string]float64{
			DriverETFFlows:      0.30,
			DriverNetLiquidity:  0.15,
			DriverStablecoins:   0.20,
			DriverTermStructure: 0.20,
			DriverOnChain:       0.15,
		},
		Keep: 0.60,
	},
}

// LookupProfile returns a named profile.
func LookupProfile(name string) (Profile, error) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("unknown risk profile %q", name)
	}
	return p, nil
}

// Blend is the composite output of one run.
type Blend struct {
	Instant  float64
	Smoothed float64
	Risk     float64 // clamped and rounded to two decimals
	Band     Band
	Regime   Regime
}

// Instant is the weighted sum of driver scores. A missing driver counts as neutral.
func (p Profile) Instant(drivers map[string]DriverResult) float64 {
	var sum float64
	for _, key := range DriverKeys {
		score := 0.5
		if r, ok := drivers[key]; ok {
			score = Clamp(r.Score, 0, 1)
		}
		sum += p.Weights[key] * score
	}
	return sum
}

// Smooth blends toward the instantaneous value, retaining Keep of prev.
// A nil prev is a cold start and returns instant unchanged.
func (p Profile) Smooth(instant float64, prev *float64) float64 {
	if prev == nil {
		return instant
	}
	return *prev + (1-p.Keep)*(instant-*prev)
}

// Blend computes the instantaneous, smoothed and discretized risk.
func (p Profile) Blend(drivers map[string]DriverResult, prev *float64) Blend {
	instant := p.Instant(drivers)
	smoothed := p.Smooth(instant, prev)
	risk := round(Clamp(smoothed, 0, 1), 2)
	liquidity := 0.5
	if r, ok := drivers[DriverNetLiquidity]; ok {
		liquidity = r.Score
	}
	return Blend{
		Instant:  instant,
		Smoothed: smoothed,
		Risk:     risk,
		Band:     BandFor(risk),
		Regime:   RegimeFor(liquidity),
	}
}

// BandFor discretizes a risk value.
func BandFor(risk float64) Band {
	switch {
	case risk < greenBelow:
		return BandGreen
	case risk <= redAbove:
		return BandYellow
	default:
		return BandRed
	}
}

// RegimeFor labels liquidity as on when the liquidity score is below neutral.
func RegimeFor(liquidityScore float64) Regime {
	if liquidityScore < 0.5 {
		return RegimeLiquidityOn
	}
	return RegimeLiquidityOff
}

// ValidPrevious reports whether a persisted risk value can seed smoothing.
func ValidPrevious(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 && v <= 1
}
