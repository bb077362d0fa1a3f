// Package sim is an in-process trading server. It holds positions and
// prices, fills and closes orders, triggers stop-loss and take-profit,
// stops out the account, and emits the same push messages a live server
// would.
package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/tradestate/broker"
	"github.com/rustyeddy/tradestate/feed"
	"github.com/rustyeddy/tradestate/market"
	"github.com/rustyeddy/tradestate/notify"
	"github.com/rustyeddy/tradestate/pkg/id"
	"github.com/rustyeddy/tradestate/pkg/logging"
	"github.com/rustyeddy/tradestate/risk"
)

var hundred = decimal.NewFromInt(100)

type Options struct {
	AccountID string
	Currency  string
	Balance   decimal.Decimal
	Leverage  int

	// StopOutLevel is the margin level, in percent, below which the
	// worst position is force closed. Defaults to 50.
	StopOutLevel decimal.Decimal

	Catalog *market.Catalog
	Clock   func() time.Time
	Logger  *zap.Logger
}

type price struct {
	ba market.BA
	at time.Time
}

type Engine struct {
	cat     *market.Catalog
	now     func() time.Time
	logger  *zap.Logger
	stopOut decimal.Decimal

	mu        sync.Mutex
	acct      broker.AccountInfo
	prices    map[string]price
	positions map[string]*broker.Position
	history   []ClosedTrade
	listeners []func([]byte)
}

var _ broker.Broker = (*Engine)(nil)

func NewEngine(o Options) *Engine {
	if o.Leverage <= 0 {
		o.Leverage = 100
	}
	if o.Currency == "" {
		o.Currency = "USD"
	}
	if o.AccountID == "" {
		o.AccountID = "sim"
	}
	if !o.StopOutLevel.IsPositive() {
		o.StopOutLevel = decimal.NewFromInt(50)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Catalog == nil {
		o.Catalog = market.NewCatalog()
	}
	return &Engine{
		cat:     o.Catalog,
		now:     o.Clock,
		logger:  logging.OrNop(o.Logger),
		stopOut: o.StopOutLevel,
		acct: broker.AccountInfo{
			ID:       o.AccountID,
			Currency: o.Currency,
			Balance:  o.Balance,
			Leverage: o.Leverage,
		},
		prices:    make(map[string]price),
		positions: make(map[string]*broker.Position),
	}
}

// OnMessage registers fn to receive every push message. Listeners run
// after the engine lock is released.
func (e *Engine) OnMessage(fn func([]byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) Positions(ctx context.Context) ([]broker.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sorted := e.sortedLocked()
	out := make([]broker.Position, len(sorted))
	for i, p := range sorted {
		out[i] = *p
	}
	return out, nil
}

func (e *Engine) Account(ctx context.Context) (broker.AccountInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acct, nil
}

func (e *Engine) Prices(ctx context.Context) (map[string]market.BA, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]market.BA, len(e.prices))
	for sym, p := range e.prices {
		out[sym] = p.ba
	}
	return out, nil
}

// History returns every position that left the book, oldest first.
func (e *Engine) History() []ClosedTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ClosedTrade(nil), e.history...)
}

// PlaceOrder opens a market position or rests a pending order.
func (e *Engine) PlaceOrder(ctx context.Context, req OrderRequest) (broker.Position, error) {
	if err := req.validate(); err != nil {
		return broker.Position{}, err
	}
	sym := market.Normalize(req.Symbol)

	e.mu.Lock()
	now := e.now()
	p := &broker.Position{
		ID:         id.At(now),
		Symbol:     sym,
		Side:       req.Side,
		Volume:     req.Volume,
		EntryPrice: req.EntryPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Leverage:   req.Leverage,
		OpenedAt:   now,
		Status:     broker.Pending,
	}
	if p.Leverage <= 0 {
		p.Leverage = e.acct.Leverage
	}

	var msgs [][]byte
	if req.EntryPrice.IsZero() {
		pr, ok := e.prices[sym]
		if !ok {
			e.mu.Unlock()
			return broker.Position{}, fmt.Errorf("market order %s: %w", sym, ErrNoPrice)
		}
		p.EntryPrice = pr.ba.Ask
		if p.Side == broker.Sell {
			p.EntryPrice = pr.ba.Bid
		}
		p.Status = broker.Open
		p.ServerPnL = decimal.NewNullDecimal(decimal.Zero)
		e.positions[p.ID] = p
		msgs = append(msgs, e.lifecycle(feed.EventOrderExecuted, p, "", nil))
		msgs = append(msgs, e.enforceMarginLocked(now)...)
	} else {
		e.positions[p.ID] = p
		msgs = append(msgs, e.lifecycle(feed.EventOrderPlaced, p, "", nil))
	}
	out := *p
	listeners := append(([]func([]byte))(nil), e.listeners...)
	e.mu.Unlock()

	e.logger.Debug("order accepted", zap.String("id", out.ID), zap.String("symbol", sym), zap.Stringer("status", out.Status))
	emit(listeners, msgs)
	return out, nil
}

// ClosePosition closes an open position at the current price or cancels
// a pending one. Closing a position that already left the book is a
// no-op, so retries are safe.
func (e *Engine) ClosePosition(ctx context.Context, positionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	p, ok := e.positions[positionID]
	if !ok {
		known := e.inHistoryLocked(positionID)
		e.mu.Unlock()
		if known {
			return nil
		}
		return fmt.Errorf("close %s: %w", positionID, ErrUnknownPosition)
	}

	var msgs [][]byte
	if p.Status == broker.Pending {
		p.Status = broker.Cancelled
		delete(e.positions, p.ID)
		e.history = append(e.history, ClosedTrade{Position: *p, Reason: "CANCELLED"})
		msgs = append(msgs, e.lifecycle(feed.EventOrderCancelled, p, "", nil))
	} else {
		pr, ok := e.prices[p.Symbol]
		if !ok {
			e.mu.Unlock()
			return fmt.Errorf("close %s: %w", positionID, ErrNoPrice)
		}
		ct := e.closeLocked(p, pr.ba, string(notify.ReasonManual))
		msgs = append(msgs, e.lifecycle(feed.EventTradeClosed, &ct.Position, ct.Reason, &ct.RealizedPL))
	}
	listeners := append(([]func([]byte))(nil), e.listeners...)
	e.mu.Unlock()

	emit(listeners, msgs)
	return nil
}

// UpdatePrice moves the market for symbol and applies everything that
// follows from it: pending fills, stop-loss, take-profit and stop-out.
func (e *Engine) UpdatePrice(symbol string, bid, ask decimal.Decimal, at time.Time) error {
	sym := market.Normalize(symbol)
	if sym == "" || !bid.IsPositive() || !ask.IsPositive() || ask.LessThan(bid) {
		return fmt.Errorf("update price %q: invalid quote %s/%s", symbol, bid, ask)
	}
	if at.IsZero() {
		at = e.now()
	}

	e.mu.Lock()
	ba := market.BA{Bid: bid, Ask: ask}
	e.prices[sym] = price{ba: ba, at: at}

	var msgs [][]byte
	if tick, err := feed.EncodeTick(sym, bid, ask, at); err == nil {
		msgs = append(msgs, tick)
	}

	for _, p := range e.sortedLocked() {
		if p.Symbol != sym {
			continue
		}
		if p.Status == broker.Pending {
			if hitEntry(p, bid, ask) {
				p.Status = broker.Open
				p.OpenedAt = at
				p.ServerPnL = decimal.NewNullDecimal(decimal.Zero)
				msgs = append(msgs, e.lifecycle(feed.EventPendingActivated, p, "", nil))
			}
			continue
		}

		mark := risk.ClosePrice(p.Side, market.Quote{Bid: bid, Ask: ask})
		reason := ""
		switch {
		case hitStopLoss(p, mark):
			reason = string(notify.ReasonStopLoss)
		case hitTakeProfit(p, mark):
			reason = string(notify.ReasonTakeProfit)
		}
		if reason != "" {
			ct := e.closeLocked(p, ba, reason)
			msgs = append(msgs, e.lifecycle(feed.EventTradeClosed, &ct.Position, reason, &ct.RealizedPL))
		}
	}

	msgs = append(msgs, e.enforceMarginLocked(at)...)
	listeners := append(([]func([]byte))(nil), e.listeners...)
	e.mu.Unlock()

	emit(listeners, msgs)
	return nil
}

// Snapshot values the book the way the server reports it.
func (e *Engine) Snapshot() (equity, used, level decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.marginLocked()
}

func (e *Engine) closeLocked(p *broker.Position, ba market.BA, reason string) ClosedTrade {
	mark := risk.ClosePrice(p.Side, market.Quote{Bid: ba.Bid, Ask: ba.Ask})
	pl := risk.UnrealizedPL(*p, mark, e.cat.ContractSize(p.Symbol))

	e.acct.Balance = e.acct.Balance.Add(pl)
	p.Status = broker.Closed
	p.ServerPnL = decimal.NewNullDecimal(pl)
	delete(e.positions, p.ID)

	ct := ClosedTrade{Position: *p, ClosePrice: mark, RealizedPL: pl, Reason: reason}
	e.history = append(e.history, ct)
	e.logger.Debug("position closed",
		zap.String("id", p.ID),
		zap.String("reason", reason),
		zap.Stringer("pl", pl),
	)
	return ct
}

// marginLocked revalues open positions, refreshing their server P&L, and
// returns equity, used margin and margin level in percent.
func (e *Engine) marginLocked() (equity, used, level decimal.Decimal) {
	equity = e.acct.Balance
	used = decimal.Zero
	for _, p := range e.positions {
		if p.Status != broker.Open {
			continue
		}
		used = used.Add(risk.PositionMargin(e.cat, *p, e.acct.Leverage))
		pr, ok := e.prices[p.Symbol]
		if !ok {
			continue
		}
		q := market.Quote{Bid: pr.ba.Bid, Ask: pr.ba.Ask}
		pl := risk.UnrealizedPL(*p, risk.ClosePrice(p.Side, q), e.cat.ContractSize(p.Symbol))
		p.ServerPnL = decimal.NewNullDecimal(pl)
		equity = equity.Add(pl)
	}
	if used.IsPositive() {
		level = equity.Div(used).Mul(hundred)
	}
	return equity, used, level
}

// enforceMarginLocked closes the worst open position until the margin
// level is back above the stop-out level.
func (e *Engine) enforceMarginLocked(at time.Time) [][]byte {
	var (
		msgs   [][]byte
		closed []broker.Position
		total  = decimal.Zero
	)
	for {
		equity, used, level := e.marginLocked()
		if !used.IsPositive() || level.GreaterThanOrEqual(e.stopOut) {
			if len(closed) > 0 {
				msgs = append(msgs, e.encode(feed.EventStopOut, feed.LifecycleData{
					ClosedTrades: closed,
					TotalPnL:     &total,
					Equity:       &equity,
				}))
				e.logger.Warn("account stopped out", zap.Int("closed", len(closed)), zap.Stringer("equity", equity))
			}
			return msgs
		}

		var worst *broker.Position
		for _, p := range e.sortedLocked() {
			if p.Status != broker.Open || !p.ServerPnL.Valid {
				continue
			}
			if worst == nil || p.ServerPnL.Decimal.LessThan(worst.ServerPnL.Decimal) {
				worst = p
			}
		}
		if worst == nil {
			return msgs
		}
		pr := e.prices[worst.Symbol]
		ct := e.closeLocked(worst, pr.ba, string(notify.ReasonStopOut))
		total = total.Add(ct.RealizedPL)
		closed = append(closed, ct.Position)
		msgs = append(msgs, e.lifecycle(feed.EventTradeClosed, &ct.Position, ct.Reason, &ct.RealizedPL))
	}
}

func (e *Engine) sortedLocked() []*broker.Position {
	out := make([]*broker.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Engine) inHistoryLocked(positionID string) bool {
	for _, ct := range e.history {
		if ct.Position.ID == positionID {
			return true
		}
	}
	return false
}

func (e *Engine) lifecycle(event string, p *broker.Position, reason string, pl *decimal.Decimal) []byte {
	cp := *p
	return e.encode(event, feed.LifecycleData{Trade: &cp, Reason: reason, PnL: pl})
}

func (e *Engine) encode(event string, data feed.LifecycleData) []byte {
	raw, err := feed.Encode(event, data)
	if err != nil {
		e.logger.Error("encode push message", zap.String("event", event), zap.Error(err))
		return nil
	}
	return raw
}

func emit(listeners []func([]byte), msgs [][]byte) {
	for _, m := range msgs {
		if m == nil {
			continue
		}
		for _, fn := range listeners {
			fn(m)
		}
	}
}
