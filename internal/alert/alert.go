// Package alert notifies subscribers when the risk band changes between runs.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/web3-frozen/btc-risk-monitor/internal/metrics"
	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
)

// DefaultBand is assumed when no previous band has been recorded.
const DefaultBand = risk.BandYellow

// BandStore persists the band seen by the last check.
type BandStore interface {
	ReadBand() (risk.Band, bool, error)
	WriteBand(risk.Band) error
}

// Deduper claims an alert key; false means it was already delivered.
// Clear releases a claim whose alert never went out.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, key string)
}

// Notifier is one delivery channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, subject, body string) error
}

// FlipRecorder logs delivered transitions.
type FlipRecorder interface {
	RecordBandFlip(ctx context.Context, asOf string, from, to risk.Band, r float64) error
}

type Alerter struct {
	bands     BandStore
	dedup     Deduper
	recorder  FlipRecorder
	notifiers []Notifier
	logger    *slog.Logger
}

// New builds an Alerter. dedup and recorder may be nil.
func New(bands BandStore, dedup Deduper, recorder FlipRecorder, notifiers []Notifier, logger *slog.Logger) *Alerter {
	return &Alerter{bands: bands, dedup: dedup, recorder: recorder, notifiers: notifiers, logger: logger}
}

// Result describes one check.
type Result struct {
	Previous     risk.Band
	Current      risk.Band
	Flipped      bool
	Deduplicated bool
	Delivered    []string
	Failed       []string
}

// Check compares doc's band with the recorded one, notifies on a change and
// records the current band. The marker is updated whether or not delivery
// succeeded, so a failed channel does not re-alert on every later run.
func (a *Alerter) Check(ctx context.Context, doc *risk.Document) (Result, error) {
	prev, ok, err := a.bands.ReadBand()
	if err != nil {
		a.logger.Warn("read band marker", "error", err)
	}
	if !ok {
		prev = DefaultBand
	}
	return a.CheckFrom(ctx, doc, prev)
}

// CheckFrom is Check against an explicit previous band instead of the
// recorded marker.
func (a *Alerter) CheckFrom(ctx context.Context, doc *risk.Document, prev risk.Band) (Result, error) {
	res := Result{Previous: prev, Current: doc.Band}

	if doc.Band != prev {
		res.Flipped = true
		a.deliver(ctx, doc, &res)
	}

	if err := a.bands.WriteBand(doc.Band); err != nil {
		return res, fmt.Errorf("write band marker: %w", err)
	}
	return res, nil
}

func (a *Alerter) deliver(ctx context.Context, doc *risk.Document, res *Result) {
	key := FlipKey(doc.AsOf, res.Previous, res.Current)
	if a.dedup != nil {
		first, err := a.dedup.Claim(ctx, key)
		if err != nil {
			a.logger.Warn("dedup unavailable, sending anyway", "key", key, "error", err)
		}
		if !first {
			res.Deduplicated = true
			metrics.AlertsDeduplicatedTotal.Inc()
			a.logger.Info("band flip already alerted", "key", key)
			return
		}
	}

	subject := Subject(res.Previous, res.Current)
	body := Body(doc, res.Previous)
	for _, n := range a.notifiers {
		if err := n.Notify(ctx, subject, body); err != nil {
			res.Failed = append(res.Failed, n.Name())
			metrics.AlertsFailedTotal.WithLabelValues(n.Name()).Inc()
			a.logger.Warn("alert delivery failed", "channel", n.Name(), "error", err)
			continue
		}
		res.Delivered = append(res.Delivered, n.Name())
		metrics.AlertsSentTotal.WithLabelValues(n.Name()).Inc()
	}
	if a.dedup != nil && len(res.Delivered) == 0 && len(res.Failed) > 0 {
		a.dedup.Clear(ctx, key)
	}
	a.logger.Info("band flip",
		"from", res.Previous,
		"to", res.Current,
		"risk", doc.Risk,
		"delivered", strings.Join(res.Delivered, ","),
	)

	if a.recorder != nil && len(res.Delivered) > 0 {
		if err := a.recorder.RecordBandFlip(ctx, doc.AsOf, res.Previous, res.Current, doc.Risk); err != nil {
			a.logger.Warn("record band flip", "error", err)
		}
	}
}

// FlipKey is the dedup key for one transition on one day.
func FlipKey(asOf string, from, to risk.Band) string {
	return fmt.Sprintf("band_flip:%s:%s:%s", asOf, from, to)
}

// FlipPattern matches every transition key for a day.
func FlipPattern(asOf string) string {
	return "band_flip:" + asOf + ":*"
}

// Subject is the alert subject line, e.g. "[BTC Risk] Band flip: YELLOW → RED".
func Subject(from, to risk.Band) string {
	return fmt.Sprintf("[BTC Risk] Band flip: %s → %s", strings.ToUpper(string(from)), strings.ToUpper(string(to)))
}

// Body summarizes the snapshot behind a flip.
func Body(doc *risk.Document, from risk.Band) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk band changed from %s to %s.\n\n", from, doc.Band)
	fmt.Fprintf(&b, "Risk: %.2f\n", doc.Risk)
	fmt.Fprintf(&b, "Regime: %s\n", doc.Regime)
	if doc.BTCPriceUSD != nil {
		fmt.Fprintf(&b, "BTC: $%.2f\n", *doc.BTCPriceUSD)
	}
	fmt.Fprintf(&b, "As of: %s\n", doc.AsOfUTC)
	if len(doc.Drivers) > 0 {
		b.WriteString("\nDrivers:\n")
		for _, key := range risk.DriverKeys {
			r, ok := doc.Drivers[key]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "  %-15s score %.2f  contribution %+.3f", key, r.Score, r.Contribution)
			if r.Health != nil && r.Health.Status != risk.HealthOK {
				fmt.Fprintf(&b, "  (%s)", r.Health.Status)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\nSee dashboard for details.\n")
	return b.String()
}
