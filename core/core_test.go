package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/tradestate/broker"
	"github.com/rustyeddy/tradestate/lock"
	"github.com/rustyeddy/tradestate/notify"
	"github.com/rustyeddy/tradestate/orders"
	"github.com/rustyeddy/tradestate/risk"
	"github.com/rustyeddy/tradestate/sim"
	"github.com/rustyeddy/tradestate/store"
)

var t0 = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	clk  *clock
	sim  *sim.Engine
	core *Core
	kv   store.KV
}

func newFixture(t *testing.T, balance string, push bool) *fixture {
	t.Helper()

	clk := &clock{t: t0}
	eng := sim.NewEngine(sim.Options{Balance: d(balance), Leverage: 100, Clock: clk.Now})
	kv := store.NewMemory()

	c, err := New(context.Background(), Options{Broker: eng, KV: kv, Clock: clk.Now})
	require.NoError(t, err)
	if push {
		eng.OnMessage(c.HandleMessage)
	}
	return &fixture{clk: clk, sim: eng, core: c, kv: kv}
}

func (f *fixture) price(t *testing.T, sym, bid, ask string) {
	t.Helper()
	require.NoError(t, f.sim.UpdatePrice(sym, d(bid), d(ask), f.clk.Now()))
}

func (f *fixture) order(t *testing.T, req sim.OrderRequest) broker.Position {
	t.Helper()
	p, err := f.sim.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	return p
}

func (f *fixture) refreshAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.core.RefreshAccount(ctx))
	require.NoError(t, f.core.RefreshPrices(ctx))
	require.NoError(t, f.core.RefreshPositions(ctx))
}

func kinds(evs []notify.Event) []string {
	var out []string
	for _, ev := range evs {
		out = append(out, ev.DedupKey)
	}
	return out
}

func TestCoreAccountScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "1000", true)

	var published int32
	f.core.Subscribe(func(risk.AccountSnapshot) { atomic.AddInt32(&published, 1) })

	f.price(t, "EURUSD", "1.0998", "1.1000")
	f.order(t, sim.OrderRequest{Symbol: "EURUSD", Side: broker.Buy, Volume: d("1")})
	f.refreshAll(t)

	f.price(t, "EURUSD", "1.1005", "1.1007")

	s := f.core.Account()
	assert.Equal(t, "1100.00", s.UsedMargin.StringFixed(2))
	assert.Equal(t, "50.00", s.FloatingPnL.StringFixed(2))
	assert.Equal(t, "1050.00", s.Equity.StringFixed(2))
	assert.Equal(t, "100000.00", s.TradingPower.StringFixed(2))
	assert.Equal(t, "98900.00", s.FreeMargin.StringFixed(2))
	assert.Equal(t, "95.45", s.MarginLevel.StringFixed(2))
	assert.False(t, s.Stale)
	assert.Positive(t, atomic.LoadInt32(&published))

	assert.Equal(t, risk.LevelMarginCall, f.core.Evaluate().Level)

	quotes := f.core.Quotes()
	require.Len(t, quotes, 1)
	assert.Equal(t, "1.1005", quotes[0].Bid.String())
}

func TestCorePushLifecycleAndDialog(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "100000", true)
	f.price(t, "EURUSD", "1.1000", "1.1002")
	sl := d("1.0990")
	p := f.order(t, sim.OrderRequest{Symbol: "EURUSD", Side: broker.Buy, Volume: d("1"), StopLoss: &sl})
	f.refreshAll(t)

	f.price(t, "EURUSD", "1.0990", "1.0992")

	assert.Equal(t, []string{"ORDER_EXECUTED:" + p.ID, "TRADE_CLOSED:" + p.ID}, kinds(f.core.Notifications()))
	dlg, ok := f.core.Dialog()
	require.True(t, ok)
	assert.Equal(t, notify.ReasonStopLoss, dlg.Payload.Reason)

	// the poll that follows sees the same close and is absorbed by dedup
	f.clk.Add(time.Second)
	require.NoError(t, f.core.RefreshPositions(context.Background()))
	assert.Len(t, f.core.Notifications(), 2)
	assert.Empty(t, f.core.Positions())

	f.core.DismissDialog()
	_, ok = f.core.Dialog()
	assert.False(t, ok)

	f.core.Tick(context.Background(), f.clk.Add(5*time.Second))
	assert.Empty(t, f.core.Notifications())
}

func TestCoreInfersLifecycleFromPolls(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, "100000", false)
	f.price(t, "EURUSD", "1.1000", "1.1002")
	f.refreshAll(t)

	p := f.order(t, sim.OrderRequest{Symbol: "EURUSD", Side: broker.Buy, Volume: d("1"), EntryPrice: d("1.0990")})
	require.NoError(t, f.core.RefreshPositions(ctx))

	f.price(t, "EURUSD", "1.0988", "1.0990")
	require.NoError(t, f.core.RefreshPositions(ctx))

	require.NoError(t, f.sim.ClosePosition(ctx, p.ID))
	require.NoError(t, f.core.RefreshPositions(ctx))

	assert.Equal(t, []string{
		"ORDER_PLACED:" + p.ID,
		"ORDER_ACTIVATED:" + p.ID,
		"TRADE_CLOSED:" + p.ID,
	}, kinds(f.core.Notifications()))

	_, ok := f.core.Dialog()
	assert.False(t, ok, "poll-inferred closes do not escalate")
}

func TestCoreCloseBatchBehindLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, "100000", true)
	f.price(t, "EURUSD", "1.1000", "1.1002")
	a := f.order(t, sim.OrderRequest{Symbol: "EURUSD", Side: broker.Buy, Volume: d("1")})
	b := f.order(t, sim.OrderRequest{Symbol: "EURUSD", Side: broker.Sell, Volume: d("1")})
	f.refreshAll(t)

	require.NoError(t, f.core.ActivateLock(ctx, time.Minute))
	assert.True(t, f.core.LockState().Active)
	_, err := f.core.CloseBatch(ctx, orders.All())
	assert.ErrorIs(t, err, lock.ErrLocked)

	var expired []lock.State
	f.core.WatchLock(func(s lock.State) { expired = append(expired, s) })

	f.core.Tick(ctx, f.clk.Add(time.Minute))
	assert.False(t, f.core.LockState().Active)
	require.Len(t, expired, 1)
	_, err = f.kv.Get(ctx, lock.DeadlineKey)
	assert.ErrorIs(t, err, store.ErrNotFound)

	res, err := f.core.CloseBatch(ctx, orders.All())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Requested)
	assert.Equal(t, 2, res.Succeeded)
	assert.Empty(t, f.core.Positions(), "closed positions leave the list at once")

	require.NoError(t, f.core.RefreshPositions(ctx))
	keys := kinds(f.core.Notifications())
	assert.Contains(t, keys, "TRADE_CLOSED:"+a.ID)
	assert.Contains(t, keys, "TRADE_CLOSED:"+b.ID)
	assert.Len(t, keys, 2)

	_, err = f.core.CloseBatch(ctx, orders.Single(a.ID))
	assert.ErrorIs(t, err, orders.ErrPositionNotFound)
}

func TestCoreHidesSelfClosedFromInFlightPoll(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "100000", false)
	f.price(t, "EURUSD", "1.1000", "1.1002")
	p := f.order(t, sim.OrderRequest{Symbol: "EURUSD", Side: broker.Buy, Volume: d("1")})
	f.refreshAll(t)

	stale, err := f.sim.Positions(context.Background())
	require.NoError(t, err)
	started := f.clk.Now()

	f.clk.Add(time.Second)
	_, err = f.core.CloseBatch(context.Background(), orders.Single(p.ID))
	require.NoError(t, err)

	// a poll issued before the close lands afterwards
	f.core.applyPositions(stale, started)
	assert.Empty(t, f.core.Positions())

	f.clk.Add(time.Second)
	require.NoError(t, f.core.RefreshPositions(context.Background()))
	assert.Empty(t, f.core.Positions())
	assert.Empty(t, f.core.selfClosed)
}

func TestHandleMessageDropsMalformed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "1000", false)
	assert.NotPanics(t, func() {
		f.core.HandleMessage([]byte(`{"event":`))
		f.core.HandleMessage([]byte(`{"event":"tick","data":{"symbol":"EURUSD","bid":"-1","ask":"1"}}`))
		f.core.HandleMessage([]byte(`{"event":"tradeClosed","data":{"reason":"SL"}}`))
		f.core.HandleMessage([]byte(`{"event":"mystery","data":{}}`))
		f.core.HandleMessage(nil)
	})
	assert.Empty(t, f.core.Quotes())
	assert.Empty(t, f.core.Notifications())

	f.core.HandleMessage([]byte(`{"event":"tick","data":{"symbol":"EURUSD","bid":"1.1","ask":"1.1002"}}`))
	assert.Len(t, f.core.Quotes(), 1)
}

type flakyBroker struct {
	*sim.Engine
	fail atomic.Bool
}

func (b *flakyBroker) Positions(ctx context.Context) ([]broker.Position, error) {
	if b.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return b.Engine.Positions(ctx)
}

func TestRefreshFailureKeepsLastKnown(t *testing.T) {
	t.Parallel()

	clk := &clock{t: t0}
	eng := sim.NewEngine(sim.Options{Balance: d("1000"), Clock: clk.Now})
	fb := &flakyBroker{Engine: eng}
	c, err := New(context.Background(), Options{Broker: fb, KV: store.NewMemory(), Clock: clk.Now})
	require.NoError(t, err)

	assert.True(t, c.PositionsStale(), "never polled")

	require.NoError(t, eng.UpdatePrice("EURUSD", d("1.1"), d("1.1002"), t0))
	_, err = eng.PlaceOrder(context.Background(), sim.OrderRequest{Symbol: "EURUSD", Side: broker.Buy, Volume: d("0.1")})
	require.NoError(t, err)
	require.NoError(t, c.RefreshPositions(context.Background()))
	require.Len(t, c.Positions(), 1)
	assert.False(t, c.PositionsStale())

	fb.fail.Store(true)
	clk.Add(10 * time.Second)
	assert.Error(t, c.RefreshPositions(context.Background()))
	assert.Len(t, c.Positions(), 1)
	assert.True(t, c.PositionsStale())
	assert.Contains(t, c.Health().LastError, "connection refused")
}

func TestCoreRunPolls(t *testing.T) {
	t.Parallel()

	eng := sim.NewEngine(sim.Options{Balance: d("1000")})
	require.NoError(t, eng.UpdatePrice("EURUSD", d("1.1"), d("1.1002"), time.Now()))

	c, err := New(context.Background(), Options{
		Broker: eng,
		KV:     store.NewMemory(),
		Intervals: Intervals{
			Positions: 5 * time.Millisecond,
			Account:   5 * time.Millisecond,
			Prices:    5 * time.Millisecond,
			Tick:      5 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(c.Quotes()) == 1 && c.Account().Balance.Equal(d("1000"))
	}, 2*time.Second, 5*time.Millisecond)

	_, err = eng.PlaceOrder(context.Background(), sim.OrderRequest{Symbol: "EURUSD", Side: broker.Buy, Volume: d("0.1")})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.Positions()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestHandleMessageWirePayloads(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "1000", false)

	f.core.HandleMessage([]byte(`{"event":"tick","data":{"symbol":"EURUSD","bid":"1.1005","ask":"1.1007","ts":"2024-01-02T10:00:02Z"}}`))
	f.core.HandleMessage([]byte(`{"event":"tick","data":{"symbol":"EURUSD","bid":"1.0900","ask":"1.0902","ts":"2024-01-02T10:00:01Z"}}`))
	quotes := f.core.Quotes()
	require.Len(t, quotes, 1)
	assert.Equal(t, "1.1005", quotes[0].Bid.String(), "older tick is ignored")
	assert.Equal(t, t0.Add(2*time.Second), quotes[0].ObservedAt.UTC())

	f.core.HandleMessage([]byte(`{"event":"stopOut","data":{"closedTrades":[],"totalPnL":"0","equity":"1000"}}`))
	assert.Empty(t, f.core.Notifications(), "empty stop-out is suppressed")

	f.core.HandleMessage([]byte(`{"event":"stopOut","data":{"closedTrades":[{"id":"T1","symbol":"EURUSD"},{"id":"T2","symbol":"GBPUSD"}],"totalPnL":"-640.5","equity":"359.5"}}`))
	evs := f.core.Notifications()
	require.Len(t, evs, 1)
	assert.Equal(t, notify.StopOut, evs[0].Kind)
	assert.Equal(t, 2, evs[0].Payload.ClosedCount)
	assert.Equal(t, "-640.5", evs[0].Payload.TotalPnL.String())
	assert.True(t, evs[0].Persist)

	f.core.HandleMessage([]byte(`{"event":"tradeClosed","data":{"trade":{"id":"T3","symbol":"EURUSD"},"reason":"SL","pnl":"-12.5"}}`))
	dlg, ok := f.core.Dialog()
	require.True(t, ok)
	assert.Equal(t, "TRADE_CLOSED:T3", dlg.DedupKey)
	assert.Equal(t, notify.ReasonStopLoss, dlg.Payload.Reason)
	assert.Equal(t, "-12.5", dlg.Payload.PnL.String())
}

func TestCorePushedStopLossUpgradesInferredClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, "100000", false)
	f.price(t, "EURUSD", "1.1000", "1.1002")
	sl := d("1.0990")
	p := f.order(t, sim.OrderRequest{Symbol: "EURUSD", Side: broker.Buy, Volume: d("1"), StopLoss: &sl})
	f.refreshAll(t)

	// the stop fills while the push channel is down; the poll sees it first
	f.price(t, "EURUSD", "1.0990", "1.0992")
	require.NoError(t, f.core.RefreshPositions(ctx))
	require.Equal(t, []string{"TRADE_CLOSED:" + p.ID}, kinds(f.core.Notifications()))
	_, ok := f.core.Dialog()
	require.False(t, ok)

	f.clk.Add(time.Second)
	f.core.HandleMessage([]byte(fmt.Sprintf(
		`{"event":"tradeClosed","data":{"trade":{"id":%q,"symbol":"EURUSD"},"reason":"SL","pnl":"-1200"}}`, p.ID)))

	evs := f.core.Notifications()
	require.Len(t, evs, 1)
	assert.Equal(t, notify.ReasonStopLoss, evs[0].Payload.Reason)

	dlg, ok := f.core.Dialog()
	require.True(t, ok)
	assert.Equal(t, "TRADE_CLOSED:"+p.ID, dlg.DedupKey)
	assert.Equal(t, notify.ReasonStopLoss, dlg.Payload.Reason)
}

func TestCoreLocalEventsDoNotRequestRefresh(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, "100000", false)
	f.price(t, "EURUSD", "1.1000", "1.1002")
	f.order(t, sim.OrderRequest{Symbol: "EURUSD", Side: broker.Buy, Volume: d("1")})
	f.order(t, sim.OrderRequest{Symbol: "EURUSD", Side: broker.Sell, Volume: d("1")})
	f.refreshAll(t)

	pending := func() int { return len(f.core.refresh) }
	drain := func() bool {
		select {
		case <-f.core.refresh:
			return true
		default:
			return false
		}
	}
	drain()

	// count the requests a batch makes by draining after each one
	var requests int
	f.core.orch.OnRefresh(func(orders.BatchResult) {
		if drain() {
			requests++
		}
	})

	res, err := f.core.CloseBatch(ctx, orders.All())
	require.NoError(t, err)
	require.Equal(t, 2, res.Succeeded)
	assert.Len(t, f.core.Notifications(), 2)
	assert.Equal(t, 1, requests, "one refresh per batch")
	assert.Zero(t, pending(), "batch announcements do not ask for another poll")

	// poll-inferred transitions do not feed back into polling
	p := f.order(t, sim.OrderRequest{Symbol: "EURUSD", Side: broker.Buy, Volume: d("1")})
	require.NoError(t, f.core.RefreshPositions(ctx))
	require.Contains(t, kinds(f.core.Notifications()), "ORDER_EXECUTED:"+p.ID)
	assert.Zero(t, pending())

	f.core.HandleMessage([]byte(`{"event":"orderPlaced","data":{"trade":{"id":"T9","symbol":"EURUSD","status":"PENDING"}}}`))
	assert.Equal(t, 1, pending(), "pushed events request a poll")
}
