package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
)

const fredAPI = "https://api.stlouisfed.org"

// FRED series used by the net liquidity driver.
const (
	SeriesAssets      = "WALCL"     // millions USD, weekly
	SeriesTreasury    = "WTREGEN"   // billions USD, weekly
	SeriesReverseRepo = "RRPONTSYD" // billions USD, daily
)

// ErrDisabled means the adapter has no credential and was not called.
var ErrDisabled = errors.New("source disabled")

type fredObservationsResp struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// FRED reads economic series. It is disabled without an API key.
type FRED struct {
	client   *Client
	baseURL  string
	apiKey   string
	lookback time.Duration
	now      func() time.Time
}

func NewFRED(c *Client, apiKey string) *FRED {
	return &FRED{
		client:   c,
		baseURL:  fredAPI,
		apiKey:   strings.TrimSpace(apiKey),
		lookback: 400 * 24 * time.Hour,
		now:      time.Now,
	}
}

func (f *FRED) Name() string { return "fred" }

func (f *FRED) Enabled() bool { return f.apiKey != "" }

// Series returns the observations of id; missing values (".") are skipped.
func (f *FRED) Series(ctx context.Context, id string) ([]risk.Observation, error) {
	if !f.Enabled() {
		return nil, ErrDisabled
	}
	q := url.Values{}
	q.Set("series_id", id)
	q.Set("api_key", f.apiKey)
	q.Set("file_type", "json")
	q.Set("observation_start", f.now().Add(-f.lookback).UTC().Format("2006-01-02"))

	var resp fredObservationsResp
	if err := f.client.GetJSON(ctx, f.baseURL+"/fred/series/observations?"+q.Encode(), &resp); err != nil {
		// The key is in the URL; keep it out of logs.
		return nil, fmt.Errorf("fred API (%s): %w", id, redact(err, f.apiKey))
	}
	out := make([]risk.Observation, 0, len(resp.Observations))
	for _, o := range resp.Observations {
		if o.Value == "." || o.Value == "" {
			continue
		}
		v, err := strconv.ParseFloat(o.Value, 64)
		if err != nil {
			continue
		}
		d, err := time.ParseInLocation("2006-01-02", o.Date, time.UTC)
		if err != nil {
			continue
		}
		out = append(out, risk.Observation{Time: d, Value: v})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("fred API (%s): no observations", id)
	}
	return out, nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, secret string) error {
	if secret == "" || !strings.Contains(err.Error(), secret) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), secret, "REDACTED"), err: err}
}
