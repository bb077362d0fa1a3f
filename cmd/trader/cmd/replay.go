package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/tradestate/core"
	"github.com/rustyeddy/tradestate/feed"
	"github.com/rustyeddy/tradestate/sim"
	"github.com/rustyeddy/tradestate/store"
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture.jsonl>",
	Short: "Replay a captured push stream through the core",
	Long: `Feed a newline-delimited capture of push messages through the core and
print the resulting prices and notifications. Blank lines and lines
starting with # are skipped.

Example:
  trader replay session.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	ctx, stop := signalContext()
	defer stop()

	// nothing is polled during a replay; an empty simulator stands in
	// for the server
	opts := cfg.CoreOptions(logger.Named("core"))
	opts.Broker = sim.NewEngine(sim.Options{Balance: decimal.NewFromFloat(cfg.Demo.Balance), Leverage: cfg.Demo.Leverage})
	opts.KV = store.NewMemory()
	c, err := core.New(ctx, opts)
	if err != nil {
		return err
	}

	n, err := feed.ReadStream(ctx, f, c.HandleMessage)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("replay after %d messages: %w", n, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "replayed %d messages\n\nPRICES\n", n)
	for _, q := range c.Quotes() {
		fmt.Fprintf(out, "  %-8s %s / %s  (%s %s)\n", q.Symbol,
			c.Catalog().FormatPrice(q.Symbol, q.Bid), c.Catalog().FormatPrice(q.Symbol, q.Ask),
			q.Source, q.ObservedAt.Format("15:04:05"))
	}
	fmt.Fprintln(out, "\nNOTIFICATIONS")
	for _, ev := range c.Notifications() {
		fmt.Fprintf(out, "  %s  %s\n", ev.CreatedAt.Format("15:04:05"), ev.DedupKey)
	}
	if ev, ok := c.Dialog(); ok {
		fmt.Fprintf(out, "\nDIALOG\n  %s\n", ev.DedupKey)
	}
	return nil
}
