package sim

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/tradestate/broker"
)

var (
	ErrNoPrice         = errors.New("no price for symbol")
	ErrUnknownPosition = errors.New("unknown position")
)

// OrderRequest opens a position. A zero EntryPrice means a market order;
// otherwise the order rests as PENDING until the market touches it.
type OrderRequest struct {
	Symbol     string
	Side       broker.Side
	Volume     decimal.Decimal
	EntryPrice decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	Leverage   int
}

func (r OrderRequest) validate() error {
	if r.Symbol == "" {
		return errors.New("order: missing symbol")
	}
	if !r.Volume.IsPositive() {
		return fmt.Errorf("order %s: volume must be positive", r.Symbol)
	}
	if r.EntryPrice.IsNegative() {
		return fmt.Errorf("order %s: negative entry price", r.Symbol)
	}
	return nil
}

// ClosedTrade is a position after it left the book.
type ClosedTrade struct {
	Position   broker.Position `json:"position"`
	ClosePrice decimal.Decimal `json:"close_price"`
	RealizedPL decimal.Decimal `json:"realized_pl"`
	Reason     string          `json:"reason"`
}
