package risk

import (
	"strings"
	"time"
)

// Cadence is how often a driver's upstream is expected to update.
type Cadence int

const (
	CadenceDaily Cadence = iota
	CadenceIntraday
)

// Threshold is the age after which data of this cadence is stale.
func (c Cadence) Threshold() time.Duration {
	if c == CadenceIntraday {
		return 6 * time.Hour
	}
	return 72 * time.Hour
}

func (c Cadence) String() string {
	if c == CadenceIntraday {
		return "intraday"
	}
	return "daily"
}

// Cadences maps each driver to its expected cadence.
var Cadences = map[string]Cadence{
	DriverETFFlows:      CadenceDaily,
	DriverNetLiquidity:  CadenceDaily,
	DriverStablecoins:   CadenceDaily,
	DriverTermStructure: CadenceIntraday,
	DriverOnChain:       CadenceDaily,
}

// ReportedAt resolves a driver's timestamp: the UTC instant if present,
// otherwise the calendar date at midnight UTC.
func ReportedAt(r DriverResult) (time.Time, bool) {
	if s := strings.TrimSpace(r.AsOfUTC); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), true
		}
	}
	if s := strings.TrimSpace(r.AsOf); s != "" {
		if len(s) > len(dateLayout) {
			s = s[:len(dateLayout)]
		}
		if t, err := time.ParseInLocation(dateLayout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Assess classifies freshness. It never touches score or contribution.
func Assess(r DriverResult, c Cadence, now time.Time) Health {
	at, ok := ReportedAt(r)
	if !ok {
		return Health{Status: HealthDown}
	}
	age := now.UTC().Sub(at)
	if age < 0 {
		age = 0
	}
	hours := round(age.Hours(), 2)
	status := HealthOK
	if age > c.Threshold() {
		status = HealthStale
	}
	return Health{Status: status, AgeHours: &hours}
}

// Annotate attaches health to every driver in place.
func Annotate(drivers map[string]DriverResult, now time.Time) {
	for key, r := range drivers {
		h := Assess(r, Cadences[key], now)
		r.Health = &h
		drivers[key] = r
	}
}
