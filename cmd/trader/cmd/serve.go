package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/tradestate/broker"
	"github.com/rustyeddy/tradestate/config"
	"github.com/rustyeddy/tradestate/core"
	"github.com/rustyeddy/tradestate/feed"
	"github.com/rustyeddy/tradestate/internal/api"
	"github.com/rustyeddy/tradestate/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the core against a trading server",
	Long: `Poll the trading server configured under server.base_url, follow its
push stream when server.stream_url is set, and serve the presentation API.

Example:
  trader serve -c tradestate.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	client := feed.NewClient(cfg.Server.BaseURL, cfg.Server.Token, cfg.Server.RequestTimeout.Duration,
		feed.WithClientLogger(logger.Named("poll")))

	var push core.PushSource
	if cfg.Server.StreamURL != "" {
		push = feed.NewStream(feed.StreamOptions{
			URL:    cfg.Server.StreamURL,
			Token:  cfg.Server.Token,
			Logger: logger.Named("stream"),
		})
	}
	return runCore(ctx, cfg, logger, client, push)
}

// runCore opens the store, starts the core and serves the API until ctx
// is done.
func runCore(ctx context.Context, cfg *config.Config, logger *zap.Logger, b broker.Broker, push core.PushSource) error {
	kv, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	opts := cfg.CoreOptions(logger.Named("core"))
	opts.Broker = b
	opts.KV = kv
	opts.Push = push

	c, err := core.New(ctx, opts)
	if err != nil {
		return err
	}
	srv := api.New(c, logger.Named("api"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.API.Listen) })
	return g.Wait()
}
