package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssess(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		r       DriverResult
		cadence Cadence
		want    HealthStatus
		age     float64
	}{
		{"daily fresh", DriverResult{AsOf: "2024-06-09"}, CadenceDaily, HealthOK, 36},
		{"daily at threshold", DriverResult{AsOf: "2024-06-07", AsOfUTC: "2024-06-07T12:00:00Z"}, CadenceDaily, HealthOK, 72},
		{"daily stale", DriverResult{AsOf: "2024-06-06"}, CadenceDaily, HealthStale, 108},
		{"intraday fresh", DriverResult{AsOfUTC: "2024-06-10T08:00:00Z"}, CadenceIntraday, HealthOK, 4},
		{"intraday stale", DriverResult{AsOfUTC: "2024-06-10T05:00:00Z"}, CadenceIntraday, HealthStale, 7},
		{"utc preferred over date", DriverResult{AsOf: "2024-06-01", AsOfUTC: "2024-06-10T11:30:00Z"}, CadenceIntraday, HealthOK, 0.5},
		{"future clamps to zero", DriverResult{AsOfUTC: "2024-06-11T00:00:00Z"}, CadenceDaily, HealthOK, 0},
		{"bad utc falls back to date", DriverResult{AsOf: "2024-06-10", AsOfUTC: "garbage"}, CadenceIntraday, HealthStale, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Assess(tt.r, tt.cadence, now)
			assert.Equal(t, tt.want, h.Status)
			require.NotNil(t, h.AgeHours)
			assert.InDelta(t, tt.age, *h.AgeHours, 1e-9)
		})
	}
}

func TestAssessNoTimestampIsDown(t *testing.T) {
	h := Assess(DriverResult{AsOf: "not a date"}, CadenceDaily, time.Now())
	assert.Equal(t, HealthDown, h.Status)
	assert.Nil(t, h.AgeHours)
}

func TestAnnotateLeavesScoresAlone(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	drivers := map[string]DriverResult{
		DriverETFFlows:      {Score: 0.3, Contribution: -0.04, AsOf: "2024-06-09", Source: "a"},
		DriverTermStructure: {Score: 0.7, Contribution: 0.036, AsOf: "2024-06-09", Source: "b"},
	}
	Annotate(drivers, now)

	etf := drivers[DriverETFFlows]
	assert.Equal(t, 0.3, etf.Score)
	assert.Equal(t, -0.04, etf.Contribution)
	assert.Equal(t, HealthOK, etf.Health.Status)

	// Same age, but term structure is intraday.
	ts := drivers[DriverTermStructure]
	assert.Equal(t, 0.7, ts.Score)
	assert.Equal(t, HealthStale, ts.Health.Status)
}
