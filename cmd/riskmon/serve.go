package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/web3-frozen/btc-risk-monitor/internal/handler"
	"github.com/web3-frozen/btc-risk-monitor/internal/middleware"
)

const readyMaxAge = 36 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read API and run the pipeline on a schedule",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := newApp(ctx, 6)
		if err != nil {
			return err
		}
		defer a.Close()
		logger := a.logger

		p, err := a.pipeline()
		if err != nil {
			return err
		}
		var running sync.Mutex
		job := func() {
			if !running.TryLock() {
				logger.Warn("risk run already in progress, skipping")
				return
			}
			defer running.Unlock()
			// A scheduled run gets its own context so shutdown does not
			// leave a half-written day behind.
			if _, err := a.runOnce(context.Background(), p, true); err != nil {
				logger.Error("scheduled run failed", "error", err)
			}
		}

		var sched *cron.Cron
		if !serveNoCron && a.cfg.Schedule != "" {
			cl := cronLogger{logger}
			sched = cron.New(
				cron.WithSeconds(),
				cron.WithLocation(a.cfg.Location()),
				cron.WithLogger(cl),
				cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			)
			if _, err := sched.AddFunc(a.cfg.Schedule, job); err != nil {
				return err
			}
			sched.Start()
			logger.Info("cron started", "schedule", a.cfg.Schedule, "timezone", a.cfg.Timezone)
		}
		if serveRunBoot {
			go job()
		}
		if a.bot != nil && !serveNoBot {
			go a.bot.Run(ctx)
		}

		r := chi.NewRouter()
		r.Use(middleware.Recover(logger))
		r.Use(middleware.Logger(logger))
		r.Use(middleware.Metrics())
		r.Use(middleware.CORS(a.cfg.FrontendOrigin))

		r.Handle("/metrics", promhttp.Handler())
		r.Get("/healthz", handler.Health())
		r.Get("/readyz", handler.Ready(a.files, readyMaxAge))

		r.Route("/api", func(r chi.Router) {
			r.Get("/latest", handler.Latest(a.files))
			r.Get("/history", handler.History(a.files))
			r.Get("/history/{date}", handler.Day(a.files))
		})

		srv := &http.Server{
			Addr:         ":" + a.cfg.Port,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errc := make(chan error, 1)
		go func() {
			logger.Info("server starting", "port", a.cfg.Port)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case err := <-errc:
			logger.Error("server failed", "error", err)
			return err
		}

		logger.Info("shutting down gracefully")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		if sched != nil {
			// Stop waits for a running job to finish.
			select {
			case <-sched.Stop().Done():
				logger.Info("cron stopped")
			case <-shutdownCtx.Done():
				logger.Warn("scheduled run still in progress at shutdown")
			}
		}
		return nil
	},
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
