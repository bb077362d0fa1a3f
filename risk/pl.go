package risk

import (
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/tradestate/broker"
	"github.com/rustyeddy/tradestate/market"
)

// PnLSource says where a position's P&L figure came from.
type PnLSource int

const (
	PnLUnknown PnLSource = iota
	PnLQuote
	PnLServer
)

func (s PnLSource) String() string {
	switch s {
	case PnLQuote:
		return "quote"
	case PnLServer:
		return "server"
	default:
		return "unknown"
	}
}

func (s PnLSource) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ClosePrice is the side of the quote that would realize the position:
// longs close on the bid, shorts on the ask.
func ClosePrice(side broker.Side, q market.Quote) decimal.Decimal {
	if side == broker.Sell {
		return q.Ask
	}
	return q.Bid
}

// UnrealizedPL values a position at closePrice.
func UnrealizedPL(p broker.Position, closePrice, contractSize decimal.Decimal) decimal.Decimal {
	diff := closePrice.Sub(p.EntryPrice)
	if p.Side == broker.Sell {
		diff = p.EntryPrice.Sub(closePrice)
	}
	return diff.Mul(p.Volume).Mul(contractSize)
}

// PositionPnL values p against q. Without a quote it falls back to the
// server-reported figure; if there is none the result is PnLUnknown, which
// callers must not present as a flat position.
func PositionPnL(cat *market.Catalog, p broker.Position, q *market.Quote) (decimal.Decimal, PnLSource) {
	if q != nil {
		return UnrealizedPL(p, ClosePrice(p.Side, *q), cat.ContractSize(p.Symbol)), PnLQuote
	}
	if p.ServerPnL.Valid {
		return p.ServerPnL.Decimal, PnLServer
	}
	return decimal.Zero, PnLUnknown
}

// PositionMargin is entry * contractSize * volume / leverage.
func PositionMargin(cat *market.Catalog, p broker.Position, accountLeverage int) decimal.Decimal {
	lev := p.Leverage
	if lev <= 0 {
		lev = accountLeverage
	}
	if lev <= 0 {
		lev = 1
	}
	notional := p.EntryPrice.Mul(cat.ContractSize(p.Symbol)).Mul(p.Volume)
	return notional.Div(decimal.NewFromInt(int64(lev)))
}
