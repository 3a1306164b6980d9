package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/web3-frozen/btc-risk-monitor/internal/alert"
	"github.com/web3-frozen/btc-risk-monitor/internal/metrics"
	"github.com/web3-frozen/btc-risk-monitor/internal/risk"
	"github.com/web3-frozen/btc-risk-monitor/internal/store"
)

var (
	runNoAlert   bool
	runPrint     bool
	historyDays  int
	historyDB    bool
	alertReset   bool
	alertFrom    string
	serveNoCron  bool
	serveNoBot   bool
	serveRunBoot bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compute and store today's risk snapshot",
	Long: `Fetch every upstream, compute the five drivers and the blended risk,
write latest.json and history/<date>.json, rebuild the history index and
check for a band change.

Example usage:
  riskmon run                  # Compute, store, alert
  riskmon run --no-alert       # Skip the band check
  riskmon run --print          # Also print the snapshot to stdout`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, 1)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.pipeline()
		if err != nil {
			return err
		}
		doc, err := a.runOnce(ctx, p, !runNoAlert)
		if a.cfg.PushgatewayURL != "" {
			if perr := metrics.Push(a.cfg.PushgatewayURL, "riskmon"); perr != nil {
				a.logger.Warn("metrics push failed", "error", perr)
			}
		}
		if err != nil {
			return err
		}
		if runPrint {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Rebuild the aggregate history index from dated snapshots",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), 1)
		if err != nil {
			return err
		}
		defer a.Close()

		days := a.cfg.HistoryDays
		if historyDays > 0 {
			days = historyDays
		}
		if historyDB {
			if a.pg == nil {
				return errors.New("--db needs a reachable DATABASE_URL")
			}
			rows, err := a.pg.ListHistory(cmd.Context(), days)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tRISK\tBAND\tPRICE")
			for _, e := range rows {
				price := "-"
				if e.BTCPriceUSD != nil {
					price = fmt.Sprintf("%.2f", *e.BTCPriceUSD)
				}
				fmt.Fprintf(w, "%s\t%.4f\t%s\t%s\n", e.Date, e.Risk, e.Band, price)
			}
			return w.Flush()
		}
		entries, skipped, err := a.files.RebuildHistory(days)
		if err != nil {
			return err
		}
		a.logger.Info("history rebuilt", "entries", len(entries), "skipped", skipped)
		fmt.Fprintf(cmd.OutOrStdout(), "%d entries, %d skipped\n", len(entries), skipped)
		return nil
	},
}

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Compare the latest snapshot's band with the previous one and notify",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), 1)
		if err != nil {
			return err
		}
		defer a.Close()

		doc, err := a.files.LoadLatest()
		if errors.Is(err, store.ErrNotFound) {
			return errors.New("no snapshot yet: run `riskmon run` first")
		}
		if err != nil {
			return err
		}
		if alertReset {
			if a.dd == nil {
				return errors.New("--reset needs a reachable REDIS_URL")
			}
			a.dd.ClearByPattern(cmd.Context(), alert.FlipPattern(doc.AsOf))
			a.logger.Info("cleared band flip dedup keys", "as_of", doc.AsOf)
		}

		var res alert.Result
		switch from := risk.Band(alertFrom); from {
		case "":
			res, err = a.alerter().Check(cmd.Context(), doc)
		case risk.BandGreen, risk.BandYellow, risk.BandRed:
			res, err = a.alerter().CheckFrom(cmd.Context(), doc, from)
		default:
			return fmt.Errorf("--from must be green, yellow or red, got %q", alertFrom)
		}
		if err != nil {
			return err
		}
		if res.Flipped {
			fmt.Fprintf(cmd.OutOrStdout(), "band flip %s -> %s, delivered via %v\n", res.Previous, res.Current, res.Delivered)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "band unchanged (%s)\n", res.Current)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runNoAlert, "no-alert", false, "Skip the band-change check")
	runCmd.Flags().BoolVar(&runPrint, "print", false, "Print the snapshot as JSON")
	historyCmd.Flags().IntVar(&historyDays, "days", 0, "Keep at most this many days (default from config)")
	alertCmd.Flags().BoolVar(&alertReset, "reset", false, "Forget today's delivered flips so they can be sent again")
	alertCmd.Flags().StringVar(&alertFrom, "from", "", "Compare against this band instead of the recorded one")
	historyCmd.Flags().BoolVar(&historyDB, "db", false, "List history from the Postgres mirror instead of rebuilding")
	serveCmd.Flags().BoolVar(&serveNoCron, "no-schedule", false, "Serve only, do not schedule runs")
	serveCmd.Flags().BoolVar(&serveNoBot, "no-bot", false, "Do not start the Telegram command bot")
	serveCmd.Flags().BoolVar(&serveRunBoot, "run-on-start", false, "Run the pipeline once at startup")
}
