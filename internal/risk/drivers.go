package risk

import (
	"strings"
	"time"
)

// Normalization scales, one per basis.
const (
	ETFScale          = 2e8  // USD per day
	StablecoinScale   = 1e9  // USD day-over-day
	NetLiquidityScale = 1e11 // USD week-over-week
	FundingScale      = 10   // annualized funding, percent
	PremiumScale      = 0.05 // perp premium over spot, percent
	OnChainScale      = 0.10 // fractional deviation from baseline
)

// Contribution spans.
const (
	SpanFlows    = 0.20
	SpanLeverage = 0.18
)

// Upstream unit multipliers to USD for the liquidity series.
const (
	AssetsUnit      = 1e6 // WALCL, millions
	TreasuryUnit    = 1e9 // WTREGEN, billions
	ReverseRepoUnit = 1e9 // RRPONTSYD, billions
)

const (
	fundingPeriodsPerYear = 3 * 365
	hashBaselineDays      = 90
	weeklyLag             = 7
)

const (
	SourceETF         = "farside"
	SourceStablecoins = "coingecko:tether+usd-coin"
	SourceLiquidity   = "fred:WALCL-WTREGEN-RRPONTSYD"
	SourceLeverage    = "derivatives"
	SourceOnChain     = "blockchain.info"
)

// Placeholder is the neutral result used when a driver has no usable data.
// It carries no timestamp, so the health annotator reports it as down.
func Placeholder(source string) DriverResult {
	return DriverResult{
		Score:        0.5,
		Contribution: 0,
		Trailing:     []Point{},
		Source:       source,
		Fallback:     true,
	}
}

func scored(source string, score, span float64, s summary) DriverResult {
	score = round(Clamp(score, 0, 1), 4)
	return DriverResult{
		Score:        score,
		Contribution: round(Contribution(score, span), 4),
		Raw:          map[string]float64{},
		Trailing:     s.trailing,
		Source:       source,
	}
}

// ETFFlows scores daily aggregate spot ETF net flows in USD.
func ETFFlows(flows []Observation, window int) DriverResult {
	s := summarize(flows, window)
	if !s.hasInstant {
		return Placeholder(SourceETF)
	}
	r := scored(SourceETF, Normalize(s.basis(), ETFScale), SpanFlows, s)
	r.Raw["flow_usd"] = s.instant
	if s.hasSmoothed {
		r.Raw["flow_smoothed_usd"] = round(s.smoothed, 2)
	}
	r.AsOf = s.asOf.UTC().Format(dateLayout)
	return r
}

// Stablecoins scores the day-over-day change of the combined market cap of
// two stablecoins. Only days present in both series are used.
func Stablecoins(primary, secondary []Observation, window int) DriverResult {
	combined := combineDaily(primary, secondary)
	if len(combined) < 2 {
		return Placeholder(SourceStablecoins)
	}
	deltas := make([]Observation, 0, len(combined)-1)
	for i := 1; i < len(combined); i++ {
		deltas = append(deltas, Observation{
			Time:  combined[i].Time,
			Value: combined[i].Value - combined[i-1].Value,
		})
	}
	s := summarize(deltas, window)
	r := scored(SourceStablecoins, Normalize(s.basis(), StablecoinScale), SpanFlows, s)
	r.Raw["combined_cap_usd"] = round(combined[len(combined)-1].Value, 2)
	r.Raw["delta_usd"] = round(s.instant, 2)
	if s.hasSmoothed {
		r.Raw["delta_smoothed_usd"] = round(s.smoothed, 2)
	}
	r.AsOf = s.asOf.UTC().Format(dateLayout)
	return r
}

// combineDaily buckets both series by UTC day (latest sample wins) and sums
// the days they share.
func combineDaily(a, b []Observation) []Observation {
	ad, bd := lastPerDay(a), lastPerDay(b)
	out := make([]Observation, 0, len(ad))
	for day, va := range ad {
		if vb, ok := bd[day]; ok {
			out = append(out, Observation{Time: day, Value: va.Value + vb.Value})
		}
	}
	return sorted(out)
}

func lastPerDay(obs []Observation) map[time.Time]Observation {
	out := make(map[time.Time]Observation, len(obs))
	for _, o := range sorted(obs) {
		out[dayKey(o.Time)] = o
	}
	return out
}

// LiquidityInput carries the raw central-bank series in their native units.
type LiquidityInput struct {
	Disabled    bool
	Assets      []Observation
	Treasury    []Observation
	ReverseRepo []Observation
}

// NetLiquidity scores the weekly change of assets minus the treasury
// account minus reverse repo, forward-filled onto a daily calendar.
func NetLiquidity(in LiquidityInput, window int) DriverResult {
	if in.Disabled {
		return Placeholder(SourceLiquidity + " (disabled)")
	}
	daily := netLiquidityDaily(in)
	if len(daily) <= weeklyLag {
		return Placeholder(SourceLiquidity)
	}
	changes := make([]Observation, 0, len(daily)-weeklyLag)
	for i := weeklyLag; i < len(daily); i++ {
		changes = append(changes, Observation{
			Time:  daily[i].Time,
			Value: daily[i].Value - daily[i-weeklyLag].Value,
		})
	}
	s := summarize(changes, window)
	r := scored(SourceLiquidity, Normalize(s.basis(), NetLiquidityScale), SpanFlows, s)
	r.Raw["net_liquidity_usd"] = round(daily[len(daily)-1].Value, 2)
	r.Raw["change_usd"] = round(s.instant, 2)
	if s.hasSmoothed {
		r.Raw["change_smoothed_usd"] = round(s.smoothed, 2)
	}
	r.AsOf = s.asOf.UTC().Format(dateLayout)
	return r
}

type filler struct {
	obs []Observation
	i   int
}

// at returns the last value observed on or before day.
func (f *filler) at(day time.Time) float64 {
	for f.i+1 < len(f.obs) && !dayKey(f.obs[f.i+1].Time).After(day) {
		f.i++
	}
	return f.obs[f.i].Value
}

func netLiquidityDaily(in LiquidityInput) []Observation {
	series := []struct {
		obs  []Observation
		unit float64
	}{
		{in.Assets, AssetsUnit},
		{in.Treasury, TreasuryUnit},
		{in.ReverseRepo, ReverseRepoUnit},
	}
	fillers := make([]*filler, len(series))
	var start, end time.Time
	for i, s := range series {
		obs := sorted(s.obs)
		if len(obs) == 0 {
			return nil
		}
		for j := range obs {
			obs[j].Value *= s.unit
		}
		first, last := dayKey(obs[0].Time), dayKey(obs[len(obs)-1].Time)
		if first.After(start) {
			start = first
		}
		if last.After(end) {
			end = last
		}
		fillers[i] = &filler{obs: obs}
	}

	var out []Observation
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		assets := fillers[0].at(d)
		tga := fillers[1].at(d)
		rrp := fillers[2].at(d)
		out = append(out, Observation{Time: d, Value: assets - tga - rrp})
	}
	return out
}

// VenueSeries is a derivatives series together with the venue that served it.
type VenueSeries struct {
	Venue  string
	Values []Observation
}

// LeverageInput holds 8-hour funding rates and daily perp premiums (both as
// fractions). Either may be nil.
type LeverageInput struct {
	Funding *VenueSeries
	Premium *VenueSeries
}

// TermStructure averages two independently normalized sub-signals:
// annualized funding and perp-to-spot premium. Higher values mean more
// leverage and a higher score.
func TermStructure(in LeverageInput, window int) DriverResult {
	var (
		scores  []float64
		labels  []string
		latest  time.Time
		display []Point
		raw     = map[string]float64{}
	)
	if in.Funding != nil {
		if obs := sorted(in.Funding.Values); len(obs) > 0 {
			annual := mean(lastN(values(obs), window*3)) * fundingPeriodsPerYear * 100
			scores = append(scores, Normalize(-annual, FundingScale))
			raw["funding_annualized_pct"] = round(annual, 4)
			labels = append(labels, "funding:"+in.Funding.Venue)
			latest = obs[len(obs)-1].Time
			display = trailing(obs, window, fundingPeriodsPerYear*100)
		}
	}
	if in.Premium != nil {
		if obs := sorted(in.Premium.Values); len(obs) > 0 {
			pct := mean(lastN(values(obs), window)) * 100
			scores = append(scores, Normalize(-pct, PremiumScale))
			raw["perp_premium_pct"] = round(pct, 4)
			labels = append(labels, "premium:"+in.Premium.Venue)
			if t := obs[len(obs)-1].Time; t.After(latest) {
				latest = t
			}
			display = trailing(obs, window, 100)
		}
	}
	if len(scores) == 0 {
		return Placeholder(SourceLeverage)
	}

	score := round(Clamp(mean(scores), 0, 1), 4)
	return DriverResult{
		Score:        score,
		Contribution: round(Contribution(score, SpanLeverage), 4),
		Raw:          raw,
		Trailing:     display,
		Source:       strings.Join(labels, " "),
		AsOf:         latest.UTC().Format(dateLayout),
		AsOfUTC:      latest.UTC().Format(time.RFC3339),
	}
}

// MempoolStats is an instantaneous mempool reading.
type MempoolStats struct {
	Count      float64
	VSizeBytes float64
	FastestFee float64
	HourFee    float64
}

// OnChainInput holds daily chain-activity series.
type OnChainInput struct {
	Addresses    []Observation
	Transactions []Observation
	Fees         []Observation
	HashRate     []Observation
	Mempool      *MempoolStats
}

var onchainWeights = map[string]float64{
	"addresses_dev":     0.4,
	"transactions_dev":  0.2,
	"fees_dev":          0.2,
	"hashrate_momentum": 0.2,
}

// OnChain scores usage relative to baseline. Rising usage gives a lower
// score. Missing components are dropped and the remaining weights
// renormalized; without addresses or transactions the driver falls back.
func OnChain(in OnChainInput, window int) DriverResult {
	parts := map[string]float64{}
	if v, ok := deviation(in.Addresses, window); ok {
		parts["addresses_dev"] = v
	}
	if v, ok := deviation(in.Transactions, window); ok {
		parts["transactions_dev"] = v
	}
	if v, ok := deviation(in.Fees, window); ok {
		parts["fees_dev"] = v
	}
	if v, ok := momentum(in.HashRate, window); ok {
		parts["hashrate_momentum"] = v
	}

	_, hasAddr := parts["addresses_dev"]
	_, hasTx := parts["transactions_dev"]
	if !hasAddr && !hasTx {
		r := Placeholder(SourceOnChain)
		r.Raw = mempoolRaw(in.Mempool)
		return r
	}

	var composite, weight float64
	for k, v := range parts {
		composite += onchainWeights[k] * v
		weight += onchainWeights[k]
	}
	composite /= weight

	core := sorted(in.Addresses)
	if !hasAddr {
		core = sorted(in.Transactions)
	}
	s := summary{trailing: trailing(core, window, 1)}
	r := scored(SourceOnChain, Normalize(composite, OnChainScale), SpanLeverage, s)
	for k, v := range parts {
		r.Raw[k] = round(v, 4)
	}
	r.Raw["composite"] = round(composite, 4)
	for k, v := range mempoolRaw(in.Mempool) {
		r.Raw[k] = v
	}
	r.AsOf = core[len(core)-1].Time.UTC().Format(dateLayout)
	return r
}

// deviation is (recent-window mean - full-series mean) / full-series mean.
func deviation(obs []Observation, window int) (float64, bool) {
	vals := values(sorted(obs))
	if window < 1 || len(vals) <= window {
		return 0, false
	}
	base := mean(vals)
	if base == 0 {
		return 0, false
	}
	return (mean(lastN(vals, window)) - base) / base, true
}

// momentum compares the recent window with a ~90 day baseline.
func momentum(obs []Observation, window int) (float64, bool) {
	vals := values(sorted(obs))
	if window < 1 || len(vals) <= window {
		return 0, false
	}
	base := mean(lastN(vals, hashBaselineDays))
	if base == 0 {
		return 0, false
	}
	return (mean(lastN(vals, window)) - base) / base, true
}

func mempoolRaw(m *MempoolStats) map[string]float64 {
	if m == nil {
		return nil
	}
	return map[string]float64{
		"mempool_tx_count":   m.Count,
		"mempool_vsize_mb":   round(m.VSizeBytes/1e6, 2),
		"fastest_fee_sat_vb": m.FastestFee,
		"hour_fee_sat_vb":    m.HourFee,
	}
}
