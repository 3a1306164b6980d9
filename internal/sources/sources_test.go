package sources

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
)

func testClient(srv *httptest.Server) *Client {
	c := newClient(srv.Client())
	c.rps = 1000
	return c
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCoinbaseSpotPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/prices/BTC-USD/spot" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"amount":"64123.456","base":"BTC","currency":"USD"}}`))
	}))
	defer srv.Close()

	cb := &Coinbase{client: testClient(srv), baseURL: srv.URL}
	price, err := cb.SpotPrice(context.Background())
	if err != nil {
		t.Fatalf("SpotPrice() error: %v", err)
	}
	if price != 64123.46 {
		t.Errorf("SpotPrice() = %v, want 64123.46", price)
	}
}

func TestCoinbaseBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"amount":"abc"}}`))
	}))
	defer srv.Close()

	cb := &Coinbase{client: testClient(srv), baseURL: srv.URL}
	if _, err := cb.SpotPrice(context.Background()); err == nil {
		t.Error("expected error for non-numeric amount")
	}
}

func TestClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(srv)
	_, err := c.Get(context.Background(), srv.URL+"/x")
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("err = %v, want ErrStatus", err)
	}
}

func TestClientBreakerOpens(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(srv)
	for i := 0; i < breakerFailures+2; i++ {
		_, _ = c.Get(context.Background(), srv.URL)
	}
	if calls != breakerFailures {
		t.Errorf("upstream calls = %d, want %d once the breaker is open", calls, breakerFailures)
	}
}

func TestCoinGeckoMarketCaps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/coins/tether/market_chart") {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("interval") != "daily" || r.URL.Query().Get("days") != "30" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"prices":[],"market_caps":[[1704931200000,95000000000.5],[1705017600000,0],[1705104000000,95500000000]]}`))
	}))
	defer srv.Close()

	g := &CoinGecko{client: testClient(srv), baseURL: srv.URL}
	obs, err := g.MarketCaps(context.Background(), CoinTether, 30)
	if err != nil {
		t.Fatalf("MarketCaps() error: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("len = %d, want 2 (zero cap dropped)", len(obs))
	}
	if obs[0].Time.Format("2006-01-02") != "2024-01-11" {
		t.Errorf("first day = %s", obs[0].Time)
	}
}

func TestFREDSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("series_id") != SeriesAssets || q.Get("api_key") != "k" || q.Get("file_type") != "json" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"observations":[
			{"date":"2024-01-03","value":"7700000"},
			{"date":"2024-01-10","value":"."},
			{"date":"2024-01-17","value":"7650000"}]}`))
	}))
	defer srv.Close()

	f := NewFRED(testClient(srv), "k")
	f.baseURL = srv.URL
	obs, err := f.Series(context.Background(), SeriesAssets)
	if err != nil {
		t.Fatalf("Series() error: %v", err)
	}
	if len(obs) != 2 || obs[1].Value != 7650000 {
		t.Errorf("obs = %+v", obs)
	}
}

func TestFREDDisabled(t *testing.T) {
	f := NewFRED(NewClient(0), "  ")
	if f.Enabled() {
		t.Fatal("Enabled() = true without key")
	}
	if _, err := f.Series(context.Background(), SeriesAssets); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
}

func TestFREDRedactsKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	srv.Close() // connection refused; the error text carries the URL

	f := NewFRED(newClient(http.DefaultClient), "supersecret")
	f.baseURL = srv.URL
	_, err := f.Series(context.Background(), SeriesAssets)
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "supersecret") {
		t.Errorf("error leaks api key: %v", err)
	}
}

func TestBinanceFutures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/fundingRate":
			_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","fundingTime":1704931200000,"fundingRate":"0.00010000","markPrice":"46000"},
				{"symbol":"BTCUSDT","fundingTime":1704960000000,"fundingRate":"0.00030000","markPrice":"46100"}]`))
		case "/fapi/v1/premiumIndexKlines":
			_, _ = w.Write([]byte(`[[1704931200000,"-0.0001","0.0002","-0.0003","0.00050000","0",1705017599999,"0",20,"0","0","0"]]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := &BinanceFutures{client: testClient(srv), baseURL: srv.URL}
	rates, err := b.FundingRates(context.Background(), 21)
	if err != nil {
		t.Fatalf("FundingRates() error: %v", err)
	}
	if len(rates) != 2 || rates[1].Value != 0.0003 {
		t.Errorf("rates = %+v", rates)
	}
	prem, err := b.Premiums(context.Background(), 7)
	if err != nil {
		t.Fatalf("Premiums() error: %v", err)
	}
	if len(prem) != 1 || prem[0].Value != 0.0005 {
		t.Errorf("premiums = %+v", prem)
	}
}

func TestBybitPremiumsNewestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			["1705017600000","0","0","0","0.0004"],
			["1704931200000","0","0","0","0.0002"]]}}`))
	}))
	defer srv.Close()

	b := &Bybit{client: testClient(srv), baseURL: srv.URL}
	prem, err := b.Premiums(context.Background(), 7)
	if err != nil {
		t.Fatalf("Premiums() error: %v", err)
	}
	if len(prem) != 2 || prem[1].Value != 0.0004 {
		t.Errorf("premiums not ascending: %+v", prem)
	}
}

func TestBybitRetCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"retCode":10001,"retMsg":"params error","result":{}}`))
	}))
	defer srv.Close()

	b := &Bybit{client: testClient(srv), baseURL: srv.URL}
	if _, err := b.FundingRates(context.Background(), 21); err == nil {
		t.Error("expected error for non-zero retCode")
	}
}

func TestOKXPremium(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v5/public/mark-price":
			_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","markPx":"50050","ts":"1705017600000"}]}`))
		case "/api/v5/market/index-tickers":
			_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT","idxPx":"50000","ts":"1705017600000"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	o := &OKX{client: testClient(srv), baseURL: srv.URL}
	prem, err := o.Premiums(context.Background(), 7)
	if err != nil {
		t.Fatalf("Premiums() error: %v", err)
	}
	if len(prem) != 1 || math.Abs(prem[0].Value-0.001) > 1e-12 {
		t.Errorf("premiums = %+v", prem)
	}
}

type fakeFunding struct {
	name string
	vals []float64
	err  error
}

func (f fakeFunding) Name() string { return f.name }

func series(vals ...float64) []risk.Observation {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]risk.Observation, len(vals))
	for i, v := range vals {
		out[i] = risk.Observation{Time: start.Add(time.Duration(i) * 8 * time.Hour), Value: v}
	}
	return out
}

func (f fakeFunding) FundingRates(context.Context, int) ([]risk.Observation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return series(f.vals...), nil
}

func TestFirstFundingFallbackOrder(t *testing.T) {
	venues := []FundingVenue{
		fakeFunding{name: "binance", err: errors.New("451")},
		fakeFunding{name: "bybit", vals: []float64{0, 0, 0}},
		fakeFunding{name: "okx", vals: []float64{0.0001, 0.0002}},
	}
	got, err := FirstFunding(context.Background(), venues, 21, quietLogger())
	if err != nil {
		t.Fatalf("FirstFunding() error: %v", err)
	}
	if got.Venue != "okx" {
		t.Errorf("venue = %s, want okx", got.Venue)
	}

	_, err = FirstFunding(context.Background(), venues[:2], 21, quietLogger())
	if !errors.Is(err, ErrNoUsableVenue) {
		t.Errorf("err = %v, want ErrNoUsableVenue", err)
	}
}

func TestBlockchainChart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/charts/n-unique-addresses" || r.URL.Query().Get("timespan") != "220days" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = w.Write([]byte(`{"status":"ok","values":[{"x":1704931200,"y":700000},{"x":1705017600,"y":720000}]}`))
	}))
	defer srv.Close()

	b := &Blockchain{client: testClient(srv), baseURL: srv.URL, timespan: "220days"}
	obs, err := b.Chart(context.Background(), ChartAddresses)
	if err != nil {
		t.Fatalf("Chart() error: %v", err)
	}
	if len(obs) != 2 || obs[1].Value != 720000 || obs[0].Time.Format("2006-01-02") != "2024-01-11" {
		t.Errorf("obs = %+v", obs)
	}
}

func TestMempoolSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/mempool":
			_, _ = w.Write([]byte(`{"count":41234,"vsize":22500000,"total_fee":12345678}`))
		case "/api/v1/fees/recommended":
			_, _ = w.Write([]byte(`{"fastestFee":25,"halfHourFee":20,"hourFee":12,"economyFee":5,"minimumFee":1}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	m := &Mempool{client: testClient(srv), baseURL: srv.URL}
	s, err := m.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if s.Count != 41234 || s.VSizeBytes != 22500000 || s.FastestFee != 25 || s.HourFee != 12 {
		t.Errorf("snapshot = %+v", s)
	}
}
