package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/web3-frozen/btc-risk-monitor/internal/alert"
	"github.com/web3-frozen/btc-risk-monitor/internal/config"
	"github.com/web3-frozen/btc-risk-monitor/internal/dedup"
	"github.com/web3-frozen/btc-risk-monitor/internal/notify"
	"github.com/web3-frozen/btc-risk-monitor/internal/pipeline"
	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
	"github.com/web3-frozen/btc-risk-monitor/internal/sources"
	"github.com/web3-frozen/btc-risk-monitor/internal/store"
	"github.com/web3-frozen/btc-risk-monitor/internal/telegram"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	files  *store.Files
	pg     *store.Postgres
	dd     *dedup.Deduplicator
	bot    *telegram.Bot
}

// newApp loads config and opens the stores. Postgres and Redis are optional:
// a connection failure is logged and the feature is left off.
func newApp(ctx context.Context, redisAttempts int) (*app, error) {
	logger := newLogger()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	files, err := store.NewFiles(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, files: files}

	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Warn("postgres unavailable, snapshot mirror disabled", "error", err)
		} else if err := pg.Migrate(ctx); err != nil {
			logger.Warn("postgres migration failed, snapshot mirror disabled", "error", err)
			pg.Close()
		} else {
			logger.Info("postgres connected and migrated")
			a.pg = pg
			a.restoreLatest(ctx)
		}
	}

	if cfg.RedisURL != "" {
		var dd *dedup.Deduplicator
		for i := 0; i < redisAttempts; i++ {
			dd, err = dedup.New(cfg.RedisURL, cfg.RedisPassword, cfg.DedupTTL)
			if err == nil {
				break
			}
			logger.Warn("redis not ready", "attempt", i+1, "error", err)
			if i < redisAttempts-1 {
				time.Sleep(5 * time.Second)
			}
		}
		if err != nil {
			logger.Warn("redis unavailable, alert dedup disabled", "error", err)
		} else {
			logger.Info("redis connected for alert dedup")
			a.dd = dd
		}
	}

	if cfg.TelegramToken != "" {
		a.bot = telegram.NewBot(cfg.TelegramToken, cfg.TelegramChatIDs, files, logger)
	}
	return a, nil
}

// restoreLatest seeds an empty data dir from the mirror so smoothing
// survives a lost volume.
func (a *app) restoreLatest(ctx context.Context) {
	if _, err := a.files.LoadLatest(); !errors.Is(err, store.ErrNotFound) {
		return
	}
	doc, err := a.pg.LatestSnapshot(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("restore from postgres failed", "error", err)
		}
		return
	}
	if err := a.files.Save(doc); err != nil {
		a.logger.Warn("restore from postgres failed", "error", err)
		return
	}
	a.logger.Info("restored latest snapshot from postgres", "as_of", doc.AsOf)
}

func (a *app) Close() {
	if a.pg != nil {
		a.pg.Close()
	}
	if a.dd != nil {
		_ = a.dd.Close()
	}
}

func (a *app) pipeline() (*pipeline.Pipeline, error) {
	profile, err := risk.LookupProfile(a.cfg.Profile)
	if err != nil {
		return nil, err
	}

	client := sources.NewClient(a.cfg.FetchTimeout)
	var renderer sources.Renderer = sources.NewHTTPRenderer(client)
	if a.cfg.ETFRenderer == "chrome" {
		renderer = sources.NewChromeRenderer(a.logger, a.cfg.FetchTimeout)
	}
	binance, bybit, okx := sources.NewBinanceFutures(client), sources.NewBybit(client), sources.NewOKX(client)

	src := pipeline.Sources{
		Price:       sources.NewCoinbase(client),
		ETF:         sources.NewFarside(renderer),
		Stablecoins: sources.NewCoinGecko(client),
		Liquidity:   sources.NewFRED(client, a.cfg.FREDAPIKey),
		Funding:     []sources.FundingVenue{binance, bybit, okx},
		Premium:     []sources.PremiumVenue{binance, bybit, okx},
		Chain:       sources.NewBlockchain(client),
		Mempool:     sources.NewMempool(client),
	}

	var mirror pipeline.Mirror
	if a.pg != nil {
		mirror = a.pg
	}
	return pipeline.New(src, a.files, mirror, pipeline.Options{
		Profile:     profile,
		Window:      a.cfg.SmoothingWindowDays,
		HistoryDays: a.cfg.HistoryDays,
		RunTimeout:  a.cfg.RunTimeout,
		Location:    a.cfg.Location(),
	}, a.logger), nil
}

func (a *app) alerter() *alert.Alerter {
	var notifiers []alert.Notifier
	email := notify.NewEmail(notify.SMTPConfig{
		Host: a.cfg.SMTP.Host,
		Port: a.cfg.SMTP.Port,
		User: a.cfg.SMTP.User,
		Pass: a.cfg.SMTP.Pass,
		From: a.cfg.SMTP.From,
	}, a.cfg.AlertEmails)
	if email.Enabled() {
		notifiers = append(notifiers, email)
	}
	if a.bot != nil && len(a.cfg.TelegramChatIDs) > 0 {
		notifiers = append(notifiers, a.bot)
	}
	if len(notifiers) == 0 {
		a.logger.Info("no alert channels configured, band flips will only be logged")
	}

	var dd alert.Deduper
	if a.dd != nil {
		dd = a.dd
	}
	var rec alert.FlipRecorder
	if a.pg != nil {
		rec = a.pg
	}
	return alert.New(a.files, dd, rec, notifiers, a.logger)
}

// runOnce performs one pipeline run followed by the band check.
func (a *app) runOnce(ctx context.Context, p *pipeline.Pipeline, withAlert bool) (*risk.Document, error) {
	doc, err := p.Run(ctx)
	if err != nil {
		return doc, err
	}
	if !withAlert {
		return doc, nil
	}
	res, err := a.alerter().Check(ctx, doc)
	if err != nil {
		return doc, fmt.Errorf("band check: %w", err)
	}
	if res.Flipped && len(res.Failed) > 0 {
		a.logger.Warn("band flip not delivered on every channel", "failed", res.Failed)
	}
	return doc, nil
}
