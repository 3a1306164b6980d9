package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
)

const (
	binanceFuturesAPI = "https://fapi.binance.com"
	bybitAPI          = "https://api.bybit.com"
	okxAPI            = "https://www.okx.com"
)

// FundingVenue serves perpetual funding-rate history as 8-hour fractions.
type FundingVenue interface {
	Name() string
	FundingRates(ctx context.Context, limit int) ([]risk.Observation, error)
}

// PremiumVenue serves the perp-over-index premium as fractions.
type PremiumVenue interface {
	Name() string
	Premiums(ctx context.Context, limit int) ([]risk.Observation, error)
}

// ErrNoUsableVenue is returned when every venue in a chain fails or
// reports only zeros.
var ErrNoUsableVenue = errors.New("no usable venue")

// FirstFunding walks venues in order and returns the first usable series.
func FirstFunding(ctx context.Context, venues []FundingVenue, limit int, logger *slog.Logger) (*risk.VenueSeries, error) {
	for _, v := range venues {
		obs, err := v.FundingRates(ctx, limit)
		if err != nil {
			logger.Warn("funding venue failed", "source", v.Name(), "error", err)
			continue
		}
		if !usable(obs) {
			logger.Warn("funding venue returned no usable data", "source", v.Name())
			continue
		}
		return &risk.VenueSeries{Venue: v.Name(), Values: obs}, nil
	}
	return nil, fmt.Errorf("funding: %w", ErrNoUsableVenue)
}

// FirstPremium walks venues in order and returns the first usable series.
func FirstPremium(ctx context.Context, venues []PremiumVenue, limit int, logger *slog.Logger) (*risk.VenueSeries, error) {
	for _, v := range venues {
		obs, err := v.Premiums(ctx, limit)
		if err != nil {
			logger.Warn("premium venue failed", "source", v.Name(), "error", err)
			continue
		}
		if !usable(obs) {
			logger.Warn("premium venue returned no usable data", "source", v.Name())
			continue
		}
		return &risk.VenueSeries{Venue: v.Name(), Values: obs}, nil
	}
	return nil, fmt.Errorf("premium: %w", ErrNoUsableVenue)
}

func usable(obs []risk.Observation) bool {
	for _, o := range obs {
		if o.Value != 0 {
			return true
		}
	}
	return false
}

func msTime(ms float64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}

// ── Binance USDⓈ-M futures ─────────────────────────────────────────────

type binanceFundingResp []struct {
	FundingTime number `json:"fundingTime"`
	FundingRate number `json:"fundingRate"`
}

type BinanceFutures struct {
	client  *Client
	baseURL string
}

func NewBinanceFutures(c *Client) *BinanceFutures {
	return &BinanceFutures{client: c, baseURL: binanceFuturesAPI}
}

func (b *BinanceFutures) Name() string { return "binance" }

func (b *BinanceFutures) FundingRates(ctx context.Context, limit int) ([]risk.Observation, error) {
	u := fmt.Sprintf("%s/fapi/v1/fundingRate?symbol=BTCUSDT&limit=%d", b.baseURL, limit)
	var resp binanceFundingResp
	if err := b.client.GetJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("binance API: %w", err)
	}
	out := make([]risk.Observation, 0, len(resp))
	for _, r := range resp {
		out = append(out, risk.Observation{Time: msTime(float64(r.FundingTime)), Value: float64(r.FundingRate)})
	}
	return out, nil
}

// Premiums reads daily premium-index klines; the close is the day's premium.
func (b *BinanceFutures) Premiums(ctx context.Context, limit int) ([]risk.Observation, error) {
	u := fmt.Sprintf("%s/fapi/v1/premiumIndexKlines?symbol=BTCUSDT&interval=1d&limit=%d", b.baseURL, limit)
	var rows [][]number
	if err := b.client.GetJSON(ctx, u, &rows); err != nil {
		return nil, fmt.Errorf("binance API: %w", err)
	}
	return klineCloses(rows), nil
}

// klineCloses maps [openTime, open, high, low, close, ...] rows.
func klineCloses(rows [][]number) []risk.Observation {
	out := make([]risk.Observation, 0, len(rows))
	for _, k := range rows {
		if len(k) < 5 {
			continue
		}
		out = append(out, risk.Observation{Time: msTime(float64(k[0])), Value: float64(k[4])})
	}
	sortObservations(out)
	return out
}

// ── Bybit linear ───────────────────────────────────────────────────────

type bybitFundingResp struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			FundingRate          number `json:"fundingRate"`
			FundingRateTimestamp number `json:"fundingRateTimestamp"`
		} `json:"list"`
	} `json:"result"`
}

type bybitKlineResp struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List [][]number `json:"list"`
	} `json:"result"`
}

type Bybit struct {
	client  *Client
	baseURL string
}

func NewBybit(c *Client) *Bybit {
	return &Bybit{client: c, baseURL: bybitAPI}
}

func (b *Bybit) Name() string { return "bybit" }

func (b *Bybit) FundingRates(ctx context.Context, limit int) ([]risk.Observation, error) {
	u := fmt.Sprintf("%s/v5/market/funding/history?category=linear&symbol=BTCUSDT&limit=%d", b.baseURL, limit)
	var resp bybitFundingResp
	if err := b.client.GetJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("bybit API: %w", err)
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("bybit API: retCode %d: %s", resp.RetCode, resp.RetMsg)
	}
	out := make([]risk.Observation, 0, len(resp.Result.List))
	for _, r := range resp.Result.List {
		out = append(out, risk.Observation{Time: msTime(float64(r.FundingRateTimestamp)), Value: float64(r.FundingRate)})
	}
	sortObservations(out)
	return out, nil
}

// Premiums reads daily premium-index klines, which Bybit lists newest first.
func (b *Bybit) Premiums(ctx context.Context, limit int) ([]risk.Observation, error) {
	u := fmt.Sprintf("%s/v5/market/premium-index-price-kline?category=linear&symbol=BTCUSDT&interval=D&limit=%d", b.baseURL, limit)
	var resp bybitKlineResp
	if err := b.client.GetJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("bybit API: %w", err)
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("bybit API: retCode %d: %s", resp.RetCode, resp.RetMsg)
	}
	return klineCloses(resp.Result.List), nil
}

// ── OKX swap ───────────────────────────────────────────────────────────

type okxResp[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

type okxFunding struct {
	FundingRate number `json:"fundingRate"`
	FundingTime number `json:"fundingTime"`
}

type okxMark struct {
	MarkPx number `json:"markPx"`
	TS     number `json:"ts"`
}

type okxIndex struct {
	IdxPx number `json:"idxPx"`
	TS    number `json:"ts"`
}

type OKX struct {
	client  *Client
	baseURL string
}

func NewOKX(c *Client) *OKX {
	return &OKX{client: c, baseURL: okxAPI}
}

func (o *OKX) Name() string { return "okx" }

func okxGet[T any](ctx context.Context, c *Client, u string) ([]T, error) {
	var resp okxResp[T]
	if err := c.GetJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("okx API: %w", err)
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("okx API: code %s: %s", resp.Code, resp.Msg)
	}
	return resp.Data, nil
}

func (o *OKX) FundingRates(ctx context.Context, limit int) ([]risk.Observation, error) {
	if limit > 100 {
		limit = 100
	}
	q := url.Values{}
	q.Set("instId", "BTC-USDT-SWAP")
	q.Set("limit", strconv.Itoa(limit))
	data, err := okxGet[okxFunding](ctx, o.client, o.baseURL+"/api/v5/public/funding-rate-history?"+q.Encode())
	if err != nil {
		return nil, err
	}
	out := make([]risk.Observation, 0, len(data))
	for _, r := range data {
		out = append(out, risk.Observation{Time: msTime(float64(r.FundingTime)), Value: float64(r.FundingRate)})
	}
	sortObservations(out)
	return out, nil
}

// Premiums returns a single instantaneous sample: mark over index, minus one.
func (o *OKX) Premiums(ctx context.Context, _ int) ([]risk.Observation, error) {
	marks, err := okxGet[okxMark](ctx, o.client, o.baseURL+"/api/v5/public/mark-price?instType=SWAP&instId=BTC-USDT-SWAP")
	if err != nil {
		return nil, err
	}
	idx, err := okxGet[okxIndex](ctx, o.client, o.baseURL+"/api/v5/market/index-tickers?instId=BTC-USDT")
	if err != nil {
		return nil, err
	}
	if len(marks) == 0 || len(idx) == 0 || idx[0].IdxPx <= 0 {
		return nil, fmt.Errorf("okx API: missing mark or index price")
	}
	premium := float64(marks[0].MarkPx)/float64(idx[0].IdxPx) - 1
	return []risk.Observation{{Time: msTime(float64(marks[0].TS)), Value: premium}}, nil
}
