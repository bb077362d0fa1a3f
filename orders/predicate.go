package orders

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/tradestate/broker"
)

var ErrPositionNotFound = errors.New("position not found")

// PnLFunc reports the current P&L of p. ok is false when nothing is known.
type PnLFunc func(p broker.Position) (pnl decimal.Decimal, ok bool)

// Predicate selects which positions a batch closes.
type Predicate struct {
	name  string
	id    string
	match func(p broker.Position, pnl PnLFunc) bool
}

func (p Predicate) String() string { return p.name }

// All selects every open position.
func All() Predicate {
	return Predicate{name: "all", match: func(p broker.Position, _ PnLFunc) bool {
		return p.IsOpen()
	}}
}

// Profit selects open positions whose P&L is known and above zero.
func Profit() Predicate {
	return Predicate{name: "profit", match: func(p broker.Position, pnl PnLFunc) bool {
		v, ok := lookup(pnl, p)
		return p.IsOpen() && ok && v.IsPositive()
	}}
}

// Loss selects open positions whose P&L is known and below zero.
func Loss() Predicate {
	return Predicate{name: "loss", match: func(p broker.Position, pnl PnLFunc) bool {
		v, ok := lookup(pnl, p)
		return p.IsOpen() && ok && v.IsNegative()
	}}
}

// Single selects one open or pending position by ID. Pending orders
// are cancelled through the same close call.
func Single(id string) Predicate {
	return Predicate{name: "single", id: id, match: func(p broker.Position, _ PnLFunc) bool {
		return p.ID == id && (p.Status == broker.Open || p.Status == broker.Pending)
	}}
}

// ParsePredicate maps "all", "profit", "loss" to a predicate. Anything
// else is taken as a position ID.
func ParsePredicate(s string) Predicate {
	switch s {
	case "all":
		return All()
	case "profit":
		return Profit()
	case "loss":
		return Loss()
	}
	return Single(s)
}

func lookup(pnl PnLFunc, p broker.Position) (decimal.Decimal, bool) {
	if pnl == nil {
		if p.ServerPnL.Valid {
			return p.ServerPnL.Decimal, true
		}
		return decimal.Zero, false
	}
	return pnl(p)
}

// Select returns the positions pred matches, in input order.
func (pred Predicate) Select(positions []broker.Position, pnl PnLFunc) ([]broker.Position, error) {
	if pred.match == nil {
		return nil, errors.New("empty predicate")
	}
	var out []broker.Position
	for _, p := range positions {
		if pred.match(p, pnl) {
			out = append(out, p)
		}
	}
	if pred.id != "" && len(out) == 0 {
		return nil, ErrPositionNotFound
	}
	return out, nil
}
