package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/tradestate/broker"
	"github.com/rustyeddy/tradestate/market"
)

var hundred = decimal.NewFromInt(100)

// PositionMetrics is the derived view of one open position.
type PositionMetrics struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      broker.Side     `json:"side"`
	Volume    decimal.Decimal `json:"volume"`
	PnL       decimal.Decimal `json:"pnl"`
	PnLSource PnLSource       `json:"pnl_source"`
	Margin    decimal.Decimal `json:"margin"`
	Stale     bool            `json:"stale"`
}

// AccountSnapshot is fully derived on every recompute and never persisted.
type AccountSnapshot struct {
	Balance      decimal.Decimal   `json:"balance"`
	Leverage     int               `json:"leverage"`
	Equity       decimal.Decimal   `json:"equity"`
	UsedMargin   decimal.Decimal   `json:"used_margin"`
	FreeMargin   decimal.Decimal   `json:"free_margin"`
	MarginLevel  decimal.Decimal   `json:"margin_level"`
	FloatingPnL  decimal.Decimal   `json:"floating_pnl"`
	TradingPower decimal.Decimal   `json:"trading_power"`
	Positions    []PositionMetrics `json:"positions"`
	ComputedAt   time.Time         `json:"computed_at"`

	// Stale is set when any open position was valued without a fresh quote.
	Stale bool `json:"stale"`
}

// PnL looks up the derived P&L of one position.
func (s AccountSnapshot) PnL(positionID string) (decimal.Decimal, bool) {
	for _, pm := range s.Positions {
		if pm.ID == positionID {
			return pm.PnL, pm.PnLSource != PnLUnknown
		}
	}
	return decimal.Zero, false
}

// ComputeAccount derives the account metrics from balance, leverage, the
// position list and the price board. Only open positions count. A quote
// older than maxAge is treated as missing; maxAge <= 0 disables the check.
//
//	usedMargin   = Σ entry_i * contractSize_i * volume_i / leverage_i
//	equity       = balance + Σ pnl_i
//	tradingPower = balance * leverage
//	freeMargin   = tradingPower - usedMargin
//	marginLevel  = equity / usedMargin * 100, or 0 without margin
func ComputeAccount(
	cat *market.Catalog,
	balance decimal.Decimal,
	leverage int,
	positions []broker.Position,
	board *market.Board,
	now time.Time,
	maxAge time.Duration,
) AccountSnapshot {
	snap := AccountSnapshot{
		Balance:     balance,
		Leverage:    leverage,
		UsedMargin:  decimal.Zero,
		FloatingPnL: decimal.Zero,
		MarginLevel: decimal.Zero,
		ComputedAt:  now,
	}

	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}

		var quote *market.Quote
		stale := true
		if board != nil {
			if q, ok := board.Get(p.Symbol); ok {
				if maxAge <= 0 || now.Sub(q.ObservedAt) <= maxAge {
					quote = &q
					stale = false
				}
			}
		}

		pnl, src := PositionPnL(cat, p, quote)
		margin := PositionMargin(cat, p, leverage)

		snap.FloatingPnL = snap.FloatingPnL.Add(pnl)
		snap.UsedMargin = snap.UsedMargin.Add(margin)
		snap.Stale = snap.Stale || stale

		snap.Positions = append(snap.Positions, PositionMetrics{
			ID:        p.ID,
			Symbol:    p.Symbol,
			Side:      p.Side,
			Volume:    p.Volume,
			PnL:       pnl,
			PnLSource: src,
			Margin:    margin,
			Stale:     stale,
		})
	}

	snap.Equity = balance.Add(snap.FloatingPnL)
	snap.TradingPower = balance.Mul(decimal.NewFromInt(int64(leverage)))
	snap.FreeMargin = snap.TradingPower.Sub(snap.UsedMargin)
	if snap.UsedMargin.IsPositive() {
		snap.MarginLevel = snap.Equity.Div(snap.UsedMargin).Mul(hundred)
	}
	return snap
}
