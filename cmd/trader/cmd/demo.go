package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/tradestate/broker"
	"github.com/rustyeddy/tradestate/config"
	"github.com/rustyeddy/tradestate/core"
	"github.com/rustyeddy/tradestate/feed"
	"github.com/rustyeddy/tradestate/market"
	"github.com/rustyeddy/tradestate/sim"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the core against the built-in simulated server",
	Long: `Start a simulated trading server with the prices and orders under demo:,
move its prices with a random walk, and run the core and API against it.

By default the core talks to the simulator in process. With --http it goes
through the same poll and websocket clients used against a real server.

Examples:
  trader demo
  trader demo --http --token secret`,
	RunE: runDemo,
}

var (
	demoHTTP  bool
	demoToken string
)

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().BoolVar(&demoHTTP, "http", false, "reach the simulator over HTTP and websocket")
	demoCmd.Flags().StringVar(&demoToken, "token", "", "bearer token the simulator requires")
}

func runDemo(cmd *cobra.Command, args []string) error {
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

	eng := sim.NewEngine(sim.Options{
		AccountID:    "DEMO-001",
		Currency:     "USD",
		Balance:      decimal.NewFromFloat(cfg.Demo.Balance),
		Leverage:     cfg.Demo.Leverage,
		StopOutLevel: decimal.NewFromFloat(cfg.Risk.StopOutLevel),
		Catalog:      cfg.Catalog(),
		Logger:       logger.Named("sim"),
	})
	start, err := seedDemo(ctx, eng, cfg.Demo)
	if err != nil {
		return err
	}

	simSrv := sim.NewServer(eng, demoToken, logger.Named("sim"))
	defer simSrv.Close()
	httpSrv := &http.Server{Addr: cfg.Demo.Listen, Handler: simSrv}

	walk := sim.Walk{
		Engine:   eng,
		Start:    start,
		Interval: cfg.Demo.Interval.Duration,
		MaxPips:  int64(cfg.Demo.MaxPips),
		Seed:     cfg.Demo.Seed,
	}

	var b broker.Broker = eng
	var push core.PushSource = simPush{eng}
	if demoHTTP {
		base := "http://" + localAddr(cfg.Demo.Listen)
		b = feed.NewClient(base, demoToken, cfg.Server.RequestTimeout.Duration,
			feed.WithClientLogger(logger.Named("poll")))
		push = feed.NewStream(feed.StreamOptions{
			URL:    "ws://" + localAddr(cfg.Demo.Listen) + sim.StreamPath,
			Token:  demoToken,
			Logger: logger.Named("stream"),
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("simulated server listening", zap.String("addr", cfg.Demo.Listen))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := walk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return runCore(ctx, cfg, logger, b, push) })

	fmt.Fprintf(cmd.OutOrStdout(), "demo running: simulator on %s, api on %s\n", cfg.Demo.Listen, cfg.API.Listen)
	return g.Wait()
}

// seedDemo sets the starting prices and opens the configured orders.
func seedDemo(ctx context.Context, eng *sim.Engine, d config.DemoConfig) (map[string]market.BA, error) {
	start := make(map[string]market.BA, len(d.Prices))
	for _, p := range d.Prices {
		ba := market.BA{Bid: decimal.NewFromFloat(p.Bid), Ask: decimal.NewFromFloat(p.Ask)}
		if err := eng.UpdatePrice(p.Symbol, ba.Bid, ba.Ask, time.Time{}); err != nil {
			return nil, err
		}
		start[market.Normalize(p.Symbol)] = ba
	}

	for _, o := range d.Orders {
		side, err := broker.ParseSide(o.Side)
		if err != nil {
			return nil, fmt.Errorf("demo order %s: %w", o.Symbol, err)
		}
		req := sim.OrderRequest{
			Symbol:     o.Symbol,
			Side:       side,
			Volume:     decimal.NewFromFloat(o.Volume),
			EntryPrice: decimal.NewFromFloat(o.Entry),
		}
		if o.StopLoss > 0 {
			sl := decimal.NewFromFloat(o.StopLoss)
			req.StopLoss = &sl
		}
		if o.TakeProfit > 0 {
			tp := decimal.NewFromFloat(o.TakeProfit)
			req.TakeProfit = &tp
		}
		if _, err := eng.PlaceOrder(ctx, req); err != nil {
			return nil, fmt.Errorf("demo order %s: %w", o.Symbol, err)
		}
	}
	return start, nil
}

// simPush feeds the simulator's messages to the core without a network hop.
type simPush struct {
	eng *sim.Engine
}

func (p simPush) Run(ctx context.Context, handle func([]byte)) error {
	p.eng.OnMessage(handle)
	<-ctx.Done()
	return ctx.Err()
}

func localAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}
