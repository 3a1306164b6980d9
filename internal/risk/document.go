package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidDocument = errors.New("invalid risk document")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a driver result's bounds.
func (r DriverResult) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

// Validate checks field bounds and that every driver key is present.
func (d *Document) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	for _, key := range DriverKeys {
		if _, ok := d.Drivers[key]; !ok {
			return fmt.Errorf("%w: missing driver %q", ErrInvalidDocument, key)
		}
	}
	return nil
}

// Meta identifies a run.
type Meta struct {
	RunID   string
	Profile string
	Window  int
	Now     time.Time
	Local   *time.Location
}

func (m Meta) stamp(d *Document) {
	loc := m.Local
	if loc == nil {
		loc = time.Local
	}
	d.AsOf = m.Now.In(loc).Format(dateLayout)
	d.AsOfUTC = m.Now.UTC().Format(time.RFC3339)
	d.RunID = m.RunID
	d.Profile = m.Profile
	d.SmoothingWindowDays = m.Window
}

// NewDocument assembles the snapshot from annotated drivers and a blend.
func NewDocument(m Meta, b Blend, drivers map[string]DriverResult, price *float64) *Document {
	scrub(drivers)
	instant := round(b.Instant, 4)
	d := &Document{
		Risk:        b.Risk,
		RiskInstant: &instant,
		Band:        b.Band,
		Regime:      b.Regime,
		BTCPriceUSD: price,
		Drivers:     drivers,
	}
	m.stamp(d)
	d.MirrorRaw()
	return d
}

// scrub drops non-finite raw and trailing values, which JSON cannot carry.
func scrub(drivers map[string]DriverResult) {
	for key, r := range drivers {
		for k, v := range r.Raw {
			if !finite(v) {
				delete(r.Raw, k)
			}
		}
		kept := r.Trailing[:0]
		for _, p := range r.Trailing {
			if finite(p.Value) {
				kept = append(kept, p)
			}
		}
		if kept == nil {
			kept = []Point{}
		}
		r.Trailing = kept
		drivers[key] = r
	}
}

// FallbackDocument is written when the run fails outright: seed risk,
// neutral placeholders for every driver, and no driver-derived mirrors.
func FallbackDocument(m Meta, price *float64) *Document {
	drivers := make(map[string]DriverResult, len(DriverKeys))
	for _, key := range DriverKeys {
		drivers[key] = Placeholder("unavailable")
	}
	Annotate(drivers, m.Now)
	d := &Document{
		Risk:        SeedRisk,
		Band:        BandFor(SeedRisk),
		Regime:      RegimeLiquidityOff,
		BTCPriceUSD: price,
		Fallback:    true,
		Drivers:     drivers,
	}
	m.stamp(d)
	return d
}
