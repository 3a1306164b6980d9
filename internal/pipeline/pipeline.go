// Package pipeline runs one daily risk computation: it reads the previous
// snapshot, fetches every upstream concurrently under a run deadline,
// normalizes and blends the drivers, and persists the result. A run always
// leaves a snapshot behind, falling back to a minimal document when the
// computation itself fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/web3-frozen/btc-risk-monitor/internal/metrics"
	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
	"github.com/web3-frozen/btc-risk-monitor/internal/sources"
	"github.com/web3-frozen/btc-risk-monitor/internal/store"
)

const (
	stablecoinDays = 60
	fundingLimit   = 90
	premiumLimit   = 30
)

type PriceSource interface {
	SpotPrice(ctx context.Context) (float64, error)
}

type FlowSource interface {
	Flows(ctx context.Context) ([]risk.Observation, error)
}

type CapSource interface {
	MarketCaps(ctx context.Context, id string, days int) ([]risk.Observation, error)
}

type SeriesSource interface {
	Enabled() bool
	Series(ctx context.Context, id string) ([]risk.Observation, error)
}

type ChartSource interface {
	Chart(ctx context.Context, name string) ([]risk.Observation, error)
}

type MempoolSource interface {
	Snapshot(ctx context.Context) (*risk.MempoolStats, error)
}

// Sources are the upstream adapters. Any of them may be nil, which reads as
// "no data" for the drivers that depend on it.
type Sources struct {
	Price       PriceSource
	ETF         FlowSource
	Stablecoins CapSource
	Liquidity   SeriesSource
	Funding     []sources.FundingVenue
	Premium     []sources.PremiumVenue
	Chain       ChartSource
	Mempool     MempoolSource
}

// Store persists snapshots and the aggregate history index.
type Store interface {
	LoadLatest() (*risk.Document, error)
	Save(doc *risk.Document) error
	RebuildHistory(maxDays int) ([]store.HistoryEntry, int, error)
}

// Mirror receives a copy of every saved snapshot.
type Mirror interface {
	SaveSnapshot(ctx context.Context, doc *risk.Document) error
}

type Options struct {
	Profile     risk.Profile
	Window      int
	HistoryDays int
	RunTimeout  time.Duration
	Location    *time.Location
}

type Pipeline struct {
	src    Sources
	store  Store
	mirror Mirror
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New builds a pipeline. mirror may be nil.
func New(src Sources, st Store, mirror Mirror, opts Options, logger *slog.Logger) *Pipeline {
	if opts.Window < 1 {
		opts.Window = 7
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 2 * time.Minute
	}
	return &Pipeline{
		src:    src,
		store:  st,
		mirror: mirror,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// previous is the state carried over from the last persisted snapshot.
type previous struct {
	risk  *float64
	price *float64
}

// Run executes one pipeline run. The returned error is non-nil only when
// the snapshot could not be persisted.
func (p *Pipeline) Run(ctx context.Context) (*risk.Document, error) {
	start := p.now()
	meta := risk.Meta{
		RunID:   p.newID(),
		Profile: p.opts.Profile.Name,
		Window:  p.opts.Window,
		Now:     start,
		Local:   p.opts.Location,
	}
	logger := p.logger.With("run_id", meta.RunID)
	logger.Info("risk run started", "profile", meta.Profile, "window", meta.Window)

	status := "ok"
	doc, err := p.compute(ctx, meta, logger)
	if err != nil {
		logger.Error("risk run failed, writing fallback snapshot", "error", err)
		doc = risk.FallbackDocument(meta, nil)
		status = "fallback"
	}

	if err := p.store.Save(doc); err != nil {
		metrics.RunsTotal.WithLabelValues("error").Inc()
		return doc, fmt.Errorf("save snapshot: %w", err)
	}
	if p.mirror != nil {
		if err := p.mirror.SaveSnapshot(ctx, doc); err != nil {
			logger.Warn("snapshot mirror failed", "error", err)
		}
	}
	entries, skipped, err := p.store.RebuildHistory(p.opts.HistoryDays)
	if err != nil {
		logger.Error("rebuild history failed", "error", err)
	} else if skipped > 0 {
		logger.Warn("history rebuild skipped invalid snapshots", "skipped", skipped, "kept", len(entries))
	}

	elapsed := p.now().Sub(start)
	metrics.RunsTotal.WithLabelValues(status).Inc()
	metrics.RunDuration.Observe(elapsed.Seconds())
	metrics.LastRunTimestamp.SetToCurrentTime()
	record(doc)

	logger.Info("risk run finished",
		"status", status,
		"risk", doc.Risk,
		"band", doc.Band,
		"regime", doc.Regime,
		"as_of", doc.AsOf,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return doc, nil
}

// compute never lets a panic escape; it is reported as an error so the
// caller can write the fallback document.
func (p *Pipeline) compute(ctx context.Context, meta risk.Meta, logger *slog.Logger) (doc *risk.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("risk run panicked", "panic", r, "stack", string(debug.Stack()))
			doc, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	prev := p.previous(logger)

	runCtx, cancel := context.WithTimeout(ctx, p.opts.RunTimeout)
	defer cancel()
	in := p.fetch(runCtx, logger)

	price := in.price
	if price == nil && prev.price != nil {
		logger.Warn("spot price unavailable, carrying forward previous price", "btc_price_usd", *prev.price)
		price = prev.price
	}

	drivers := normalize(in, p.opts.Window)
	risk.Annotate(drivers, meta.Now)
	blend := p.opts.Profile.Blend(drivers, prev.risk)
	doc = risk.NewDocument(meta, blend, drivers, price)
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// previous reads the last snapshot. A missing snapshot is a cold start; an
// unreadable one, or one without a usable risk, seeds smoothing with
// risk.SeedRisk.
func (p *Pipeline) previous(logger *slog.Logger) previous {
	doc, err := p.store.LoadLatest()
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Info("no previous snapshot, cold start")
		return previous{}
	case err != nil:
		logger.Warn("previous snapshot unreadable, using seed risk", "error", err, "seed", risk.SeedRisk)
		seed := risk.SeedRisk
		return previous{risk: &seed}
	}

	var out previous
	if doc.BTCPriceUSD != nil && *doc.BTCPriceUSD > 0 {
		price := *doc.BTCPriceUSD
		out.price = &price
	}
	r := doc.Risk
	if !risk.ValidPrevious(r) {
		logger.Warn("previous risk invalid, using seed risk", "risk", r, "seed", risk.SeedRisk)
		r = risk.SeedRisk
	}
	out.risk = &r
	return out
}

// inputs holds everything fetched for one run. Each field is written by a
// single goroutine.
type inputs struct {
	price     *float64
	etf       []risk.Observation
	tether    []risk.Observation
	usdc      []risk.Observation
	liquidity risk.LiquidityInput
	leverage  risk.LeverageInput
	chain     risk.OnChainInput
}

func (p *Pipeline) fetch(ctx context.Context, logger *slog.Logger) *inputs {
	in := &inputs{}
	var g errgroup.Group
	src := p.src

	if src.Price != nil {
		p.spawn(ctx, &g, logger, "spot_price", func(ctx context.Context) error {
			v, err := src.Price.SpotPrice(ctx)
			if err != nil {
				return err
			}
			in.price = &v
			return nil
		})
	}
	if src.ETF != nil {
		p.spawn(ctx, &g, logger, "etf_flows", func(ctx context.Context) (err error) {
			in.etf, err = src.ETF.Flows(ctx)
			return err
		})
	}
	if src.Stablecoins != nil {
		p.spawn(ctx, &g, logger, "stablecoin_"+sources.CoinTether, func(ctx context.Context) (err error) {
			in.tether, err = src.Stablecoins.MarketCaps(ctx, sources.CoinTether, stablecoinDays)
			return err
		})
		p.spawn(ctx, &g, logger, "stablecoin_"+sources.CoinUSDC, func(ctx context.Context) (err error) {
			in.usdc, err = src.Stablecoins.MarketCaps(ctx, sources.CoinUSDC, stablecoinDays)
			return err
		})
	}
	if src.Liquidity == nil || !src.Liquidity.Enabled() {
		logger.Info("net liquidity disabled: no API key configured")
		in.liquidity.Disabled = true
	} else {
		series := map[string]*[]risk.Observation{
			sources.SeriesAssets:      &in.liquidity.Assets,
			sources.SeriesTreasury:    &in.liquidity.Treasury,
			sources.SeriesReverseRepo: &in.liquidity.ReverseRepo,
		}
		for id, dst := range series {
			p.spawn(ctx, &g, logger, "fred_"+id, func(ctx context.Context) (err error) {
				*dst, err = src.Liquidity.Series(ctx, id)
				return err
			})
		}
	}
	if len(src.Funding) > 0 {
		p.spawn(ctx, &g, logger, "funding", func(ctx context.Context) (err error) {
			in.leverage.Funding, err = sources.FirstFunding(ctx, src.Funding, fundingLimit, logger)
			return err
		})
	}
	if len(src.Premium) > 0 {
		p.spawn(ctx, &g, logger, "premium", func(ctx context.Context) (err error) {
			in.leverage.Premium, err = sources.FirstPremium(ctx, src.Premium, premiumLimit, logger)
			return err
		})
	}
	if src.Chain != nil {
		charts := map[string]*[]risk.Observation{
			sources.ChartAddresses:    &in.chain.Addresses,
			sources.ChartTransactions: &in.chain.Transactions,
			sources.ChartFees:         &in.chain.Fees,
			sources.ChartHashRate:     &in.chain.HashRate,
		}
		for name, dst := range charts {
			p.spawn(ctx, &g, logger, "chart_"+name, func(ctx context.Context) (err error) {
				*dst, err = src.Chain.Chart(ctx, name)
				return err
			})
		}
	}
	if src.Mempool != nil {
		p.spawn(ctx, &g, logger, "mempool", func(ctx context.Context) (err error) {
			in.chain.Mempool, err = src.Mempool.Snapshot(ctx)
			return err
		})
	}

	_ = g.Wait()
	return in
}

// spawn runs fn in the group. Errors and panics are logged and counted but
// never fail the group: a failed fetch is simply missing data.
func (p *Pipeline) spawn(ctx context.Context, g *errgroup.Group, logger *slog.Logger, name string, fn func(context.Context) error) {
	g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				metrics.FetchTotal.WithLabelValues(name, "panic").Inc()
				logger.Error("fetch panicked", "source", name, "panic", r)
			}
		}()
		err := fn(ctx)
		switch {
		case err == nil:
			metrics.FetchTotal.WithLabelValues(name, "ok").Inc()
		case errors.Is(err, sources.ErrDisabled):
			metrics.FetchTotal.WithLabelValues(name, "disabled").Inc()
		default:
			metrics.FetchTotal.WithLabelValues(name, "error").Inc()
			logger.Warn("fetch failed", "source", name, "error", err)
		}
		return nil
	})
}

func normalize(in *inputs, window int) map[string]risk.DriverResult {
	return map[string]risk.DriverResult{
		risk.DriverETFFlows:      risk.ETFFlows(in.etf, window),
		risk.DriverStablecoins:   risk.Stablecoins(in.tether, in.usdc, window),
		risk.DriverNetLiquidity:  risk.NetLiquidity(in.liquidity, window),
		risk.DriverTermStructure: risk.TermStructure(in.leverage, window),
		risk.DriverOnChain:       risk.OnChain(in.chain, window),
	}
}

// record publishes the snapshot's values as gauges.
func record(doc *risk.Document) {
	metrics.RiskValue.WithLabelValues("smoothed").Set(doc.Risk)
	if doc.RiskInstant != nil {
		metrics.RiskValue.WithLabelValues("instant").Set(*doc.RiskInstant)
	}
	for _, b := range []risk.Band{risk.BandGreen, risk.BandYellow, risk.BandRed} {
		metrics.BandValue.WithLabelValues(string(b)).Set(flag(doc.Band == b))
	}
	for key, r := range doc.Drivers {
		metrics.DriverScore.WithLabelValues(key).Set(r.Score)
		for _, s := range []risk.HealthStatus{risk.HealthOK, risk.HealthStale, risk.HealthDown} {
			metrics.DriverHealth.WithLabelValues(key, string(s)).Set(flag(r.Health != nil && r.Health.Status == s))
		}
	}
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
