package risk

import "time"

// Driver keys. The document always carries all five.
const (
	DriverETFFlows      = "etf_flows"
	DriverNetLiquidity  = "net_liquidity"
	DriverStablecoins   = "stablecoins"
	DriverTermStructure = "term_structure"
	DriverOnChain       = "onchain"
)

// DriverKeys lists the driver keys in display order.
var DriverKeys = []string{
	DriverETFFlows,
	DriverNetLiquidity,
	DriverStablecoins,
	DriverTermStructure,
	DriverOnChain,
}

type Band string

const (
	BandGreen  Band = "green"
	BandYellow Band = "yellow"
	BandRed    Band = "red"
)

type Regime string

const (
	RegimeLiquidityOn  Regime = "liquidity_on"
	RegimeLiquidityOff Regime = "liquidity_off"
)

type HealthStatus string

const (
	HealthOK    HealthStatus = "ok"
	HealthStale HealthStatus = "stale"
	HealthDown  HealthStatus = "down"
)

// Observation is one timestamped value from an upstream series.
type Observation struct {
	Time  time.Time
	Value float64
}

// Point is a display entry of a driver's trailing window.
type Point struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// Health is the freshness annotation attached to a driver result.
type Health struct {
	Status   HealthStatus `json:"status" validate:"oneof=ok stale down"`
	AgeHours *float64     `json:"age_hours"`
}

// DriverResult is the normalized output of one driver.
type DriverResult struct {
	Score        float64            `json:"score" validate:"gte=0,lte=1"`
	Contribution float64            `json:"contribution" validate:"gte=-0.1,lte=0.1"`
	Raw          map[string]float64 `json:"raw,omitempty"`
	Trailing     []Point            `json:"trailing"`
	Source       string             `json:"source" validate:"required"`
	AsOf         string             `json:"as_of,omitempty"`
	AsOfUTC      string             `json:"as_of_utc,omitempty"`
	Fallback     bool               `json:"fallback,omitempty"`
	Health       *Health            `json:"health,omitempty"`
}

// Document is the persisted daily risk snapshot.
type Document struct {
	AsOf                string   `json:"as_of" validate:"required,datetime=2006-01-02"`
	AsOfUTC             string   `json:"as_of_utc" validate:"required"`
	RunID               string   `json:"run_id,omitempty"`
	Profile             string   `json:"profile,omitempty"`
	SmoothingWindowDays int      `json:"smoothing_window_days" validate:"gte=1"`
	Risk                float64  `json:"risk" validate:"gte=0,lte=1"`
	RiskInstant         *float64 `json:"risk_instant,omitempty"`
	Band                Band     `json:"band" validate:"oneof=green yellow red"`
	Regime              Regime   `json:"regime" validate:"oneof=liquidity_on liquidity_off"`
	BTCPriceUSD         *float64 `json:"btc_price_usd"`
	Fallback            bool     `json:"fallback,omitempty"`

	ETFNetFlowUSD         *float64 `json:"etf_net_flow_usd,omitempty"`
	StablecoinDeltaUSD    *float64 `json:"stablecoin_delta_usd,omitempty"`
	NetLiquidityUSD       *float64 `json:"net_liquidity_usd,omitempty"`
	NetLiquidityChangeUSD *float64 `json:"net_liquidity_change_usd,omitempty"`
	FundingAnnualizedPct  *float64 `json:"funding_annualized_pct,omitempty"`
	PerpPremiumPct        *float64 `json:"perp_premium_pct,omitempty"`
	MempoolVSizeMB        *float64 `json:"mempool_vsize_mb,omitempty"`

	Drivers map[string]DriverResult `json:"drivers" validate:"required,dive"`
}

// MirrorRaw copies select driver raw values to the document root.
func (d *Document) MirrorRaw() {
	pick := func(driver, field string) *float64 {
		r, ok := d.Drivers[driver]
		if !ok {
			return nil
		}
		v, ok := r.Raw[field]
		if !ok {
			return nil
		}
		return &v
	}
	d.ETFNetFlowUSD = pick(DriverETFFlows, "flow_smoothed_usd")
	d.StablecoinDeltaUSD = pick(DriverStablecoins, "delta_smoothed_usd")
	d.NetLiquidityUSD = pick(DriverNetLiquidity, "net_liquidity_usd")
	d.NetLiquidityChangeUSD = pick(DriverNetLiquidity, "change_smoothed_usd")
	d.FundingAnnualizedPct = pick(DriverTermStructure, "funding_annualized_pct")
	d.PerpPremiumPct = pick(DriverTermStructure, "perp_premium_pct")
	d.MempoolVSizeMB = pick(DriverOnChain, "mempool_vsize_mb")
}
