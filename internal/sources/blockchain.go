package sources

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
)

const blockchainAPI = "https://api.blockchain.info"

// Chart names read by the on-chain driver.
const (
	ChartAddresses    = "n-unique-addresses"
	ChartTransactions = "n-transactions"
	ChartFees         = "transaction-fees-usd"
	ChartHashRate     = "hash-rate"
)

type blockchainChartResp struct {
	Status string `json:"status"`
	Values []struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"values"`
}

// Blockchain reads blockchain.info chart series.
type Blockchain struct {
	client   *Client
	baseURL  string
	timespan string
}

func NewBlockchain(c *Client) *Blockchain {
	return &Blockchain{client: c, baseURL: blockchainAPI, timespan: "220days"}
}

func (b *Blockchain) Name() string { return "blockchain.info" }

// Chart returns the named series; x is a unix timestamp in seconds.
func (b *Blockchain) Chart(ctx context.Context, name string) ([]risk.Observation, error) {
	q := url.Values{}
	q.Set("timespan", b.timespan)
	q.Set("format", "json")
	q.Set("sampled", "false")
	u := fmt.Sprintf("%s/charts/%s?%s", b.baseURL, url.PathEscape(name), q.Encode())

	var resp blockchainChartResp
	if err := b.client.GetJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("blockchain.info API (%s): %w", name, err)
	}
	out := make([]risk.Observation, 0, len(resp.Values))
	for _, v := range resp.Values {
		out = append(out, risk.Observation{Time: time.Unix(int64(v.X), 0).UTC(), Value: v.Y})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("blockchain.info API (%s): empty series", name)
	}
	return out, nil
}
