package risk

import (
	"math"
	"sort"
	"time"
)

const dateLayout = "2006-01-02"

// Sigmoid is the logistic function, computed without overflow for large |z|.
func Sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// Clamp bounds x to [lo, hi]. NaN maps to the midpoint.
func Clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return (lo + hi) / 2
	}
	return math.Max(lo, math.Min(hi, x))
}

// Normalize maps a basis to a score in [0,1]. Larger basis (inflows,
// expanding liquidity, rising usage) gives a lower score.
func Normalize(basis, scale float64) float64 {
	if scale == 0 || math.IsNaN(basis) {
		return 0.5
	}
	return Clamp(Sigmoid(-basis/scale), 0, 1)
}

// Contribution re-centers a score around neutral and scales it by span.
func Contribution(score, span float64) float64 {
	return (score - 0.5) * span
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	r := math.Round(x*p) / p
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return x
	}
	return r
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// lastN returns the trailing n values (all of them if fewer).
func lastN(xs []float64, n int) []float64 {
	if n <= 0 || n >= len(xs) {
		return xs
	}
	return xs[len(xs)-n:]
}

// sorted returns a time-ascending copy with non-finite values dropped.
func sorted(obs []Observation) []Observation {
	out := make([]Observation, 0, len(obs))
	for _, o := range obs {
		if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

func values(obs []Observation) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = o.Value
	}
	return out
}

// summary holds the aggregate stage of a driver.
type summary struct {
	instant     float64
	smoothed    float64
	hasInstant  bool
	hasSmoothed bool
	trailing    []Point
	asOf        time.Time
}

// summarize computes the instantaneous (latest) and smoothed (trailing
// window mean) values. The smoothed value needs at least two observations
// unless the window is a single day.
func summarize(obs []Observation, window int) summary {
	obs = sorted(obs)
	if len(obs) == 0 {
		return summary{trailing: []Point{}}
	}
	if window < 1 {
		window = 1
	}
	vals := values(obs)
	last := obs[len(obs)-1]
	s := summary{
		instant:    last.Value,
		hasInstant: true,
		asOf:       last.Time,
	}
	if len(vals) >= 2 || window == 1 {
		s.smoothed = mean(lastN(vals, window))
		s.hasSmoothed = true
	}
	s.trailing = trailing(obs, window, 1)
	return s
}

// basis picks smoothed, then instantaneous, then a neutral zero.
func (s summary) basis() float64 {
	switch {
	case s.hasSmoothed:
		return s.smoothed
	case s.hasInstant:
		return s.instant
	default:
		return 0
	}
}

// trailing renders the last window observations most-recent-first, with
// values multiplied by unit for display.
func trailing(obs []Observation, window int, unit float64) []Point {
	n := window
	if n > len(obs) {
		n = len(obs)
	}
	out := make([]Point, 0, n)
	for i := len(obs) - 1; i >= len(obs)-n; i-- {
		out = append(out, Point{
			Date:  obs[i].Time.UTC().Format(dateLayout),
			Value: round(obs[i].Value*unit, 4),
		})
	}
	return out
}

func dayKey(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
