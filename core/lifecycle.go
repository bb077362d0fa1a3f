package core

import (
	"github.com/rustyeddy/tradestate/broker"
	"github.com/rustyeddy/tradestate/notify"
)

// change is one lifecycle transition seen between two position polls.
type change struct {
	kind notify.Kind
	pos  broker.Position
}

// diffPositions infers lifecycle transitions from two successive polls,
// both already filtered through live. A position that finished between
// polls shows up as gone. skip holds IDs whose disappearance was already
// announced.
func diffPositions(prev, next []broker.Position, skip map[string]bool) []change {
	before := make(map[string]broker.Position, len(prev))
	for _, p := range prev {
		before[p.ID] = p
	}

	var out []change
	seen := make(map[string]bool, len(next))
	for _, p := range next {
		seen[p.ID] = true
		old, ok := before[p.ID]
		if !ok {
			switch p.Status {
			case broker.Pending:
				out = append(out, change{notify.OrderPlaced, p})
			case broker.Open:
				out = append(out, change{notify.OrderExecuted, p})
			}
			continue
		}
		if old.Status == broker.Pending && p.Status == broker.Open {
			out = append(out, change{notify.OrderActivated, p})
		}
	}

	for _, old := range prev {
		if seen[old.ID] || skip[old.ID] {
			continue
		}
		switch old.Status {
		case broker.Pending:
			old.Status = broker.Cancelled
			out = append(out, change{notify.OrderCancelled, old})
		case broker.Open:
			old.Status = broker.Closed
			out = append(out, change{notify.TradeClosed, old})
		}
	}
	return out
}

// live drops positions that already left the book.
func live(ps []broker.Position) []broker.Position {
	out := make([]broker.Position, 0, len(ps))
	for _, p := range ps {
		if p.Status == broker.Open || p.Status == broker.Pending {
			out = append(out, p)
		}
	}
	return out
}
