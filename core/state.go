package core

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/tradestate/broker"
	"github.com/rustyeddy/tradestate/feed"
	"github.com/rustyeddy/tradestate/lock"
	"github.com/rustyeddy/tradestate/market"
	"github.com/rustyeddy/tradestate/metrics"
	"github.com/rustyeddy/tradestate/notify"
	"github.com/rustyeddy/tradestate/orders"
	"github.com/rustyeddy/tradestate/risk"
)

// HandleMessage ingests one raw push message. Bad messages are counted,
// logged and dropped.
func (c *Core) HandleMessage(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			metrics.MessagesDropped.WithLabelValues("panic").Inc()
			c.logger.Error("push message handler panicked", zap.Any("panic", r))
		}
	}()

	msg, err := feed.Decode(raw)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, feed.ErrUnknownEvent) {
			reason = "unknown_event"
		}
		metrics.MessagesDropped.WithLabelValues(reason).Inc()
		c.logger.Warn("dropping push message", zap.Error(err), zap.Int("bytes", len(raw)))
		return
	}

	now := c.now()
	if msg.Tick != nil {
		at := msg.Tick.At()
		if at.IsZero() {
			at = now
		}
		if c.board.IngestTick(msg.Tick.Symbol, msg.Tick.Bid, msg.Tick.Ask, at) {
			metrics.QuotesApplied.WithLabelValues(market.SourcePush.String()).Inc()
			c.recompute(now)
		} else {
			metrics.QuotesIgnored.WithLabelValues(market.SourcePush.String()).Inc()
		}
		return
	}

	if ev, ok := msg.Notification(now); ok {
		c.hub.Ingest(ev)
	}
}

// RefreshPositions polls the position list and diffs it against the
// previous one to announce lifecycle transitions the push channel may
// have missed.
func (c *Core) RefreshPositions(ctx context.Context) error {
	started := c.now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	polled, err := c.broker.Positions(ctx)
	if err != nil {
		c.setError("positions", err)
		return err
	}
	c.applyPositions(polled, started)
	return nil
}

func (c *Core) applyPositions(polled []broker.Position, started time.Time) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	now := c.now()
	next := live(polled)

	c.mu.Lock()
	prev := c.positions
	first := !c.havePolled

	// Positions the core closed itself: hide them from polls that were
	// already in flight when they closed, and forget them once the
	// server stops listing them.
	skip := make(map[string]bool, len(c.selfClosed))
	present := make(map[string]bool, len(next))
	for _, p := range next {
		present[p.ID] = true
	}
	for id, closedAt := range c.selfClosed {
		skip[id] = true
		if !present[id] {
			delete(c.selfClosed, id)
			continue
		}
		if started.Before(closedAt) {
			next = without(next, id)
		} else {
			delete(c.selfClosed, id)
		}
	}

	c.positions = next
	c.posVersion++
	c.havePolled = true
	c.health.PositionsAt = now
	c.mu.Unlock()

	if !first {
		for _, ch := range diffPositions(prev, next, skip) {
			c.announce(ch.kind, ch.pos, notify.ReasonManual, now)
		}
	}
	c.recompute(now)
}

func without(ps []broker.Position, id string) []broker.Position {
	out := ps[:0:0]
	for _, p := range ps {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

func (c *Core) announce(kind notify.Kind, p broker.Position, reason notify.CloseReason, now time.Time) {
	payload := notify.Payload{Position: &p}
	if kind == notify.TradeClosed {
		payload.Reason = reason
		if pnl, ok := c.knownPnL(p); ok {
			payload.PnL = &pnl
		}
	}
	ev := notify.NewEvent(kind, payload, now)
	ev.Local = true
	c.hub.Ingest(ev)
}

func (c *Core) RefreshAccount(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	acct, err := c.broker.Account(ctx)
	if err != nil {
		c.setError("account", err)
		return err
	}
	now := c.now()
	c.mu.Lock()
	c.account = acct
	c.health.AccountAt = now
	c.mu.Unlock()

	c.recompute(now)
	return nil
}

// RefreshPrices merges a polled price snapshot into the board. Newer
// pushed quotes win over it.
func (c *Core) RefreshPrices(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prices, err := c.broker.Prices(ctx)
	if err != nil {
		c.setError("prices", err)
		return err
	}
	now := c.now()
	changed := c.board.IngestSnapshot(prices, now)
	metrics.QuotesApplied.WithLabelValues(market.SourcePoll.String()).Add(float64(len(changed)))
	if ignored := len(prices) - len(changed); ignored > 0 {
		metrics.QuotesIgnored.WithLabelValues(market.SourcePoll.String()).Add(float64(ignored))
	}

	c.mu.Lock()
	c.health.PricesAt = now
	c.mu.Unlock()

	if len(changed) > 0 {
		c.recompute(now)
	}
	return nil
}

func (c *Core) inputs(now time.Time) risk.Inputs {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return risk.Inputs{
		Balance:          c.account.Balance,
		Leverage:         c.account.Leverage,
		Positions:        c.positions,
		PositionsVersion: c.posVersion,
		Now:              now,
	}
}

func (c *Core) recompute(now time.Time) {
	snap, fresh := c.engine.Recompute(c.inputs(now))
	if !fresh {
		return
	}
	metrics.Equity.Set(snap.Equity.InexactFloat64())
	metrics.MarginLevel.Set(snap.MarginLevel.InexactFloat64())

	c.mu.RLock()
	subs := append([]func(risk.AccountSnapshot){}, c.subscribers...)
	c.mu.RUnlock()
	for _, fn := range subs {
		fn(snap)
	}
}

// knownPnL is the P&L used to sort positions into profit and loss.
func (c *Core) knownPnL(p broker.Position) (decimal.Decimal, bool) {
	v, src := c.engine.PositionPnL(p, c.now())
	return v, src != risk.PnLUnknown
}

// Account returns the current derived account snapshot.
func (c *Core) Account() risk.AccountSnapshot {
	return c.engine.Compute(c.inputs(c.now()))
}

// Evaluate grades the current snapshot against the margin policy.
func (c *Core) Evaluate() risk.Decision {
	return risk.Evaluate(c.policy, c.Account())
}

// Positions returns the last polled open and pending positions.
func (c *Core) Positions() []broker.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]broker.Position(nil), c.positions...)
}

// Quotes returns the price board sorted by symbol.
func (c *Core) Quotes() []market.Quote {
	snap := c.board.Snapshot()
	out := make([]market.Quote, 0, len(snap))
	for _, q := range snap {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// StaleSymbols lists symbols whose quote is older than maxAge, or the
// configured quote age when maxAge is zero.
func (c *Core) StaleSymbols(maxAge time.Duration) []string {
	if maxAge <= 0 {
		maxAge = c.quoteAge
	}
	if maxAge <= 0 {
		return nil
	}
	return c.board.StaleSymbols(c.now(), maxAge)
}

func (c *Core) Notifications() []notify.Event { return c.hub.Queue() }

func (c *Core) DismissNotification(id string) bool { return c.hub.Dismiss(id) }

func (c *Core) Dialog() (notify.Event, bool) { return c.hub.Dialog() }

func (c *Core) DismissDialog() { c.hub.DismissDialog() }

func (c *Core) LockState() lock.State { return c.lock.State(c.now()) }

func (c *Core) ActivateLock(ctx context.Context, d time.Duration) error {
	return c.lock.Activate(ctx, d)
}

// CloseBatch closes the positions pred selects. It refuses to run while
// the trading lock is active. Positions that closed are removed at once
// and announced; the next poll confirms them.
func (c *Core) CloseBatch(ctx context.Context, pred orders.Predicate) (orders.BatchResult, error) {
	if err := c.lock.Guard(c.now()); err != nil {
		return orders.BatchResult{}, err
	}

	positions := c.Positions()
	res, err := c.orch.CloseBatch(ctx, positions, pred, c.broker.ClosePosition)
	if err != nil {
		return res, err
	}
	if len(res.Closed) == 0 {
		return res, nil
	}

	now := c.now()
	closed := make(map[string]bool, len(res.Closed))
	for _, id := range res.Closed {
		closed[id] = true
	}

	// value the closed positions before they leave the list
	var gone []broker.Position
	for _, p := range positions {
		if closed[p.ID] {
			gone = append(gone, p)
		}
	}
	for _, p := range gone {
		if p.Status == broker.Pending {
			p.Status = broker.Cancelled
			c.announce(notify.OrderCancelled, p, "", now)
			continue
		}
		p.Status = broker.Closed
		c.announce(notify.TradeClosed, p, notify.ReasonManual, now)
	}

	c.mu.Lock()
	kept := make([]broker.Position, 0, len(c.positions))
	for _, p := range c.positions {
		if !closed[p.ID] {
			kept = append(kept, p)
		}
	}
	c.positions = kept
	c.posVersion++
	for id := range closed {
		c.selfClosed[id] = now
	}
	c.mu.Unlock()

	c.recompute(now)
	return res, nil
}
