package sources

import (
	"context"
	"fmt"

	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
)

const mempoolAPI = "https://mempool.space"

type mempoolResp struct {
	Count int64   `json:"count"`
	VSize float64 `json:"vsize"`
}

type mempoolFeesResp struct {
	FastestFee float64 `json:"fastestFee"`
	HourFee    float64 `json:"hourFee"`
}

// Mempool reads the instantaneous mempool size and fee estimates.
type Mempool struct {
	client  *Client
	baseURL string
}

func NewMempool(c *Client) *Mempool {
	return &Mempool{client: c, baseURL: mempoolAPI}
}

func (m *Mempool) Name() string { return "mempool.space" }

func (m *Mempool) Snapshot(ctx context.Context) (*risk.MempoolStats, error) {
	var pool mempoolResp
	if err := m.client.GetJSON(ctx, m.baseURL+"/api/mempool", &pool); err != nil {
		return nil, fmt.Errorf("mempool API: %w", err)
	}
	var fees mempoolFeesResp
	if err := m.client.GetJSON(ctx, m.baseURL+"/api/v1/fees/recommended", &fees); err != nil {
		return nil, fmt.Errorf("mempool API: %w", err)
	}
	return &risk.MempoolStats{
		Count:      float64(pool.Count),
		VSizeBytes: pool.VSize,
		FastestFee: fees.FastestFee,
		HourFee:    fees.HourFee,
	}, nil
}
