// Package sources holds the upstream adapters feeding the risk drivers.
// Adapters make a single attempt per call and surface every failure as an
// error; callers treat an error as "no data".
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/web3-frozen/btc-risk-monitor/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	userAgent       = "btc-risk-monitor/1.0"
	maxBody         = 16 << 20
	breakerFailures = 3
	breakerCooldown = 5 * time.Minute
)

// ErrStatus is returned for non-2xx upstream responses.
var ErrStatus = errors.New("unexpected status")

// Client is the HTTP client shared by every adapter. Each upstream host gets
// its own rate limiter and circuit breaker.
type Client struct {
	http *http.Client
	rps  rate.Limit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient returns a client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	return newClient(&http.Client{Timeout: timeout})
}

func newClient(hc *http.Client) *Client {
	return &Client{
		http:     hc,
		rps:      rate.Limit(5),
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) guards(host string) (*rate.Limiter, *gobreaker.CircuitBreaker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(c.rps, 1)
		c.limiters[host] = lim
	}
	cb, ok := c.breakers[host]
	if !ok {
		st := gobreaker.Settings{Name: host, Timeout: breakerCooldown}
		st.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		}
		cb = gobreaker.NewCircuitBreaker(st)
		c.breakers[host] = cb
	}
	return lim, cb
}

// Get fetches rawURL and returns the body of a 2xx response.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	lim, cb := c.guards(u.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := cb.Execute(func() (interface{}, error) {
		return c.do(ctx, rawURL)
	})
	metrics.SourceRequestDuration.WithLabelValues(u.Host).Observe(time.Since(start).Seconds())
	if err != nil {
		status := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			status = "breaker_open"
		}
		metrics.SourceRequestsTotal.WithLabelValues(u.Host, status).Inc()
		return nil, err
	}
	metrics.SourceRequestsTotal.WithLabelValues(u.Host, "ok").Inc()
	return out.([]byte), nil
}

func (c *Client) do(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.5")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", ErrStatus, strconv.Itoa(resp.StatusCode))
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}

// GetJSON fetches rawURL and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) error {
	body, err := c.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// number accepts a JSON number or a numeric string, as exchanges mix both.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*n = number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = number(f)
	return nil
}
