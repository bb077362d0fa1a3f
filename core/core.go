// Package core reconciles the trading state. It merges pushed and polled
// prices, keeps the polled position list and account, derives account
// metrics, turns lifecycle events into notifications, and runs batch
// closes behind the trading lock.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/tradestate/broker"
	"github.com/rustyeddy/tradestate/lock"
	"github.com/rustyeddy/tradestate/market"
	"github.com/rustyeddy/tradestate/notify"
	"github.com/rustyeddy/tradestate/orders"
	"github.com/rustyeddy/tradestate/pkg/logging"
	"github.com/rustyeddy/tradestate/risk"
	"github.com/rustyeddy/tradestate/schedule"
	"github.com/rustyeddy/tradestate/store"
)

// PushSource delivers raw push messages until ctx is done.
type PushSource interface {
	Run(ctx context.Context, handle func([]byte)) error
}

type Intervals struct {
	Positions time.Duration
	Account   time.Duration
	Prices    time.Duration
	Tick      time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		Positions: 2 * time.Second,
		Account:   5 * time.Second,
		Prices:    2 * time.Second,
		Tick:      time.Second,
	}
}

type Options struct {
	Broker broker.Broker
	KV     store.KV

	// Push is optional; without it the core runs on polls alone.
	Push PushSource

	Catalog        *market.Catalog
	Policy         risk.Policy
	QuoteMaxAge    time.Duration
	RequestTimeout time.Duration
	Intervals      Intervals
	Notify         notify.Options
	Close          orders.Options

	// PositionsMaxAge is how old the last good position poll may get
	// before the list is flagged stale. Defaults to three poll intervals.
	PositionsMaxAge time.Duration

	Clock  func() time.Time
	Logger *zap.Logger
}

// Health reports when each poll last succeeded.
type Health struct {
	PositionsAt time.Time `json:"positions_at"`
	AccountAt   time.Time `json:"account_at"`
	PricesAt    time.Time `json:"prices_at"`
	LastError   string    `json:"last_error,omitempty"`
}

type Core struct {
	broker   broker.Broker
	push     PushSource
	policy   risk.Policy
	timeout  time.Duration
	maxAge   time.Duration
	quoteAge time.Duration
	every    Intervals
	now      func() time.Time
	logger   *zap.Logger

	board  *market.Board
	engine *risk.Engine
	hub    *notify.Hub
	lock   *lock.Timer
	orch   *orders.Orchestrator

	// pollMu serialises applying position lists so diffs see a
	// consistent predecessor.
	pollMu sync.Mutex

	mu           sync.RWMutex
	positions    []broker.Position
	posVersion   uint64
	havePolled   bool
	account      broker.AccountInfo
	selfClosed   map[string]time.Time
	health       Health
	subscribers  []func(risk.AccountSnapshot)
	lockWatchers []func(lock.State)

	refresh chan struct{}
}

// New builds a core and restores the trading lock from o.KV.
func New(ctx context.Context, o Options) (*Core, error) {
	if o.Broker == nil {
		return nil, errors.New("core: nil broker")
	}
	if o.KV == nil {
		return nil, errors.New("core: nil store")
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.Policy == (risk.Policy{}) {
		o.Policy = risk.DefaultPolicy()
	}
	if o.Catalog == nil {
		o.Catalog = market.NewCatalog()
	}
	def := DefaultIntervals()
	if o.Intervals.Positions <= 0 {
		o.Intervals.Positions = def.Positions
	}
	if o.Intervals.Account <= 0 {
		o.Intervals.Account = def.Account
	}
	if o.Intervals.Prices <= 0 {
		o.Intervals.Prices = def.Prices
	}
	if o.Intervals.Tick <= 0 {
		o.Intervals.Tick = def.Tick
	}
	if o.PositionsMaxAge <= 0 {
		o.PositionsMaxAge = 3 * o.Intervals.Positions
	}
	logger := logging.OrNop(o.Logger)

	c := &Core{
		broker:     o.Broker,
		push:       o.Push,
		policy:     o.Policy,
		timeout:    o.RequestTimeout,
		maxAge:     o.PositionsMaxAge,
		quoteAge:   o.QuoteMaxAge,
		every:      o.Intervals,
		now:        o.Clock,
		logger:     logger,
		board:      market.NewBoard(),
		selfClosed: make(map[string]time.Time),
		refresh:    make(chan struct{}, 1),
	}
	c.engine = risk.NewEngine(o.Catalog, c.board, o.QuoteMaxAge)

	if o.Notify.Logger == nil {
		o.Notify.Logger = logger.Named("notify")
	}
	c.hub = notify.NewHub(o.Notify)
	c.hub.OnAccepted(func(ev notify.Event) {
		// local events came from a poll or a batch that refreshes itself
		if !ev.Local {
			c.RequestRefresh()
		}
	})

	if o.Close.Logger == nil {
		o.Close.Logger = logger.Named("orders")
	}
	if o.Close.PnL == nil {
		o.Close.PnL = c.knownPnL
	}
	c.orch = orders.New(o.Close)
	c.orch.OnRefresh(func(orders.BatchResult) { c.RequestRefresh() })

	lt, err := lock.New(ctx, o.KV, lock.WithClock(o.Clock), lock.WithLogger(logger.Named("lock")))
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	c.lock = lt
	c.lock.OnChange(c.publishLock)
	c.lock.OnExpire(func() { logger.Info("trading lock expired") })

	return c, nil
}

// Policy returns the margin thresholds warnings are evaluated against.
func (c *Core) Policy() risk.Policy { return c.policy }

// Catalog returns the instrument table used for valuation.
func (c *Core) Catalog() *market.Catalog { return c.engine.Catalog() }

// RequestRefresh asks for a position poll. Requests made while one is
// already queued are coalesced.
func (c *Core) RequestRefresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// Subscribe registers fn to receive every newly derived account snapshot.
func (c *Core) Subscribe(fn func(risk.AccountSnapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// WatchLock registers fn for lock activation and expiry.
func (c *Core) WatchLock(fn func(lock.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockWatchers = append(c.lockWatchers, fn)
}

func (c *Core) publishLock(s lock.State) {
	c.mu.RLock()
	watchers := append([]func(lock.State){}, c.lockWatchers...)
	c.mu.RUnlock()
	for _, fn := range watchers {
		fn(s)
	}
}

// Run drives the scheduler, the refresh loop and the push channel until
// ctx is done.
func (c *Core) Run(ctx context.Context) error {
	sched := schedule.New(schedule.WithClock(c.now), schedule.WithLogger(c.logger.Named("schedule")))
	jobs := []struct {
		name     string
		interval time.Duration
		fn       schedule.JobFunc
	}{
		{"positions", c.every.Positions, func(ctx context.Context, _ time.Time) { _ = c.RefreshPositions(ctx) }},
		{"account", c.every.Account, func(ctx context.Context, _ time.Time) { _ = c.RefreshAccount(ctx) }},
		{"prices", c.every.Prices, func(ctx context.Context, _ time.Time) { _ = c.RefreshPrices(ctx) }},
	}
	for _, j := range jobs {
		if err := sched.Now(j.name, j.interval, j.fn); err != nil {
			return err
		}
	}
	if err := sched.Every("tick", c.every.Tick, c.Tick); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return c.refreshLoop(ctx) })
	if c.push != nil {
		g.Go(func() error { return c.push.Run(ctx, c.HandleMessage) })
	}

	c.logger.Info("core running",
		zap.Duration("positions_every", c.every.Positions),
		zap.Duration("account_every", c.every.Account),
		zap.Duration("prices_every", c.every.Prices),
		zap.Bool("push", c.push != nil),
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (c *Core) refreshLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.refresh:
			_ = c.RefreshPositions(ctx)
		}
	}
}

// Tick advances wall-clock state: lock expiry, notification TTLs and
// quote staleness.
func (c *Core) Tick(ctx context.Context, now time.Time) {
	c.lock.Tick(ctx, now)
	if expired := c.hub.Tick(now); len(expired) > 0 {
		c.logger.Debug("notifications expired", zap.Int("count", len(expired)))
	}
	c.recompute(now)
}

func (c *Core) setError(what string, err error) {
	c.mu.Lock()
	c.health.LastError = what + ": " + err.Error()
	c.mu.Unlock()
	c.logger.Warn("poll failed, keeping last known state", zap.String("poll", what), zap.Error(err))
}

func (c *Core) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// PositionsStale reports whether the position list is older than its
// freshness threshold, or was never polled.
func (c *Core) PositionsStale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.havePolled || c.now().Sub(c.health.PositionsAt) > c.maxAge
}
