package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/tradestate/market"
)

// Broker is the server side as seen from the core: a poll source for
// positions, account and prices, plus the close endpoint.
type Broker interface {
	PositionSource
	AccountSource
	PriceSource
	Closer
}

type PositionSource interface {
	Positions(ctx context.Context) ([]Position, error)
}

type AccountSource interface {
	Account(ctx context.Context) (AccountInfo, error)
}

type PriceSource interface {
	Prices(ctx context.Context) (map[string]market.BA, error)
}

// Closer closes one position. Implementations must be safe to retry.
type Closer interface {
	ClosePosition(ctx context.Context, positionID string) error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func(ctx context.Context, positionID string) error

func (f CloserFunc) ClosePosition(ctx context.Context, positionID string) error {
	return f(ctx, positionID)
}

var (
	ErrUnknownSide   = errors.New("unknown side")
	ErrUnknownStatus = errors.New("unknown status")
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "SELL"
	}
	return "BUY"
}

func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return Buy, nil
	case "SELL", "SHORT":
		return Sell, nil
	}
	return Buy, fmt.Errorf("%w: %q", ErrUnknownSide, s)
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type Status int

const (
	Open Status = iota
	Pending
	Closed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Closed:
		return "CLOSED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "OPEN"
	}
}

func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPEN":
		return Open, nil
	case "PENDING":
		return Pending, nil
	case "CLOSED":
		return Closed, nil
	case "CANCELLED", "CANCELED":
		return Cancelled, nil
	}
	return Open, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Position is the server's view of one trade. The core holds a read-only
// copy refreshed by polling.
type Position struct {
	ID         string           `json:"id"`
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Volume     decimal.Decimal  `json:"volume"`
	EntryPrice decimal.Decimal  `json:"entry_price"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
	Leverage   int              `json:"leverage"`
	OpenedAt   time.Time        `json:"opened_at"`
	Status     Status           `json:"status"`

	// ServerPnL is the last P&L the server reported for this position.
	ServerPnL decimal.NullDecimal `json:"pnl"`
}

func (p Position) IsOpen() bool { return p.Status == Open }

// Validate rejects positions that cannot be valued.
func (p Position) Validate() error {
	if p.ID == "" {
		return errors.New("position: missing id")
	}
	if p.Symbol == "" {
		return fmt.Errorf("position %s: missing symbol", p.ID)
	}
	if !p.Volume.IsPositive() {
		return fmt.Errorf("position %s: volume must be positive", p.ID)
	}
	if p.Status == Open && !p.EntryPrice.IsPositive() {
		return fmt.Errorf("position %s: entry price must be positive", p.ID)
	}
	return nil
}

// AccountInfo is the polled account record. Everything else about the
// account is derived.
type AccountInfo struct {
	ID       string          `json:"id,omitempty"`
	Currency string          `json:"currency,omitempty"`
	Balance  decimal.Decimal `json:"balance"`
	Leverage int             `json:"leverage"`
}
