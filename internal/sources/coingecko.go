package sources

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
)

const coingeckoAPI = "https://api.coingecko.com"

// Stablecoin ids tracked by the stablecoin driver.
const (
	CoinTether = "tether"
	CoinUSDC   = "usd-coin"
)

type coingeckoChartResp struct {
	MarketCaps [][2]float64 `json:"market_caps"`
}

// CoinGecko reads daily market-cap history.
type CoinGecko struct {
	client  *Client
	baseURL string
}

func NewCoinGecko(c *Client) *CoinGecko {
	return &CoinGecko{client: c, baseURL: coingeckoAPI}
}

func (g *CoinGecko) Name() string { return "coingecko" }

// MarketCaps returns (time, market cap USD) for the last days of coin id.
func (g *CoinGecko) MarketCaps(ctx context.Context, id string, days int) ([]risk.Observation, error) {
	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("days", strconv.Itoa(days))
	q.Set("interval", "daily")
	u := fmt.Sprintf("%s/api/v3/coins/%s/market_chart?%s", g.baseURL, url.PathEscape(id), q.Encode())

	var resp coingeckoChartResp
	if err := g.client.GetJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("coingecko API (%s): %w", id, err)
	}
	out := make([]risk.Observation, 0, len(resp.MarketCaps))
	for _, pt := range resp.MarketCaps {
		if pt[1] <= 0 {
			continue
		}
		out = append(out, risk.Observation{Time: time.UnixMilli(int64(pt[0])).UTC(), Value: pt[1]})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("coingecko API (%s): empty market_caps", id)
	}
	return out, nil
}

func sortObservations(obs []risk.Observation) {
	sort.Slice(obs, func(i, j int) bool { return obs[i].Time.Before(obs[j].Time) })
}
