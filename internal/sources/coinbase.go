package sources

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

const coinbaseAPI = "https://api.coinbase.com"

type coinbaseSpotResp struct {
	Data struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"data"`
}

// Coinbase reads the BTC-USD spot price.
type Coinbase struct {
	client  *Client
	baseURL string
}

func NewCoinbase(c *Client) *Coinbase {
	return &Coinbase{client: c, baseURL: coinbaseAPI}
}

func (c *Coinbase) Name() string { return "coinbase" }

// SpotPrice returns the spot price rounded to cents.
func (c *Coinbase) SpotPrice(ctx context.Context) (float64, error) {
	var resp coinbaseSpotResp
	if err := c.client.GetJSON(ctx, c.baseURL+"/v2/prices/BTC-USD/spot", &resp); err != nil {
		return 0, fmt.Errorf("coinbase API: %w", err)
	}
	amount, err := decimal.NewFromString(resp.Data.Amount)
	if err != nil {
		return 0, fmt.Errorf("parse coinbase amount %q: %w", resp.Data.Amount, err)
	}
	if !amount.IsPositive() {
		return 0, fmt.Errorf("coinbase API: non-positive price %s", amount)
	}
	price, _ := amount.Round(2).Float64()
	return price, nil
}
