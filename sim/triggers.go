package sim

import (
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/tradestate/broker"
)

// mark is the close-side price for p: longs on the bid, shorts on the ask.
func hitStopLoss(p *broker.Position, mark decimal.Decimal) bool {
	if p.StopLoss == nil {
		return false
	}
	if p.Side == broker.Buy {
		return mark.LessThanOrEqual(*p.StopLoss)
	}
	return mark.GreaterThanOrEqual(*p.StopLoss)
}

func hitTakeProfit(p *broker.Position, mark decimal.Decimal) bool {
	if p.TakeProfit == nil {
		return false
	}
	if p.Side == broker.Buy {
		return mark.GreaterThanOrEqual(*p.TakeProfit)
	}
	return mark.LessThanOrEqual(*p.TakeProfit)
}

// hitEntry reports whether a resting order fills: buys when the ask comes
// down to the entry, sells when the bid comes up to it.
func hitEntry(p *broker.Position, bid, ask decimal.Decimal) bool {
	if p.Side == broker.Buy {
		return ask.LessThanOrEqual(p.EntryPrice)
	}
	return bid.GreaterThanOrEqual(p.EntryPrice)
}
