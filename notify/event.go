package notify

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/tradestate/broker"
	"github.com/rustyeddy/tradestate/pkg/id"
)

type Kind int

const (
	OrderPlaced Kind = iota
	OrderExecuted
	OrderActivated
	OrderCancelled
	TradeClosed
	StopOut
)

var kindNames = map[Kind]string{
	OrderPlaced:    "ORDER_PLACED",
	OrderExecuted:  "ORDER_EXECUTED",
	OrderActivated: "ORDER_ACTIVATED",
	OrderCancelled: "ORDER_CANCELLED",
	TradeClosed:    "TRADE_CLOSED",
	StopOut:        "STOP_OUT",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// CloseReason says why a trade was closed.
type CloseReason string

const (
	ReasonManual     CloseReason = "MANUAL"
	ReasonStopLoss   CloseReason = "STOP_LOSS"
	ReasonTakeProfit CloseReason = "TAKE_PROFIT"
	ReasonStopOut    CloseReason = "STOP_OUT"
)

// ParseReason maps the wire spellings onto CloseReason. Anything
// unrecognised is treated as a manual close.
func ParseReason(s string) CloseReason {
	switch s {
	case "STOP_LOSS", "stop_loss", "stopLoss", "StopLoss", "SL", "sl":
		return ReasonStopLoss
	case "TAKE_PROFIT", "take_profit", "takeProfit", "TakeProfit", "TP", "tp":
		return ReasonTakeProfit
	case "STOP_OUT", "stop_out", "stopOut", "StopOut", "LIQUIDATION":
		return ReasonStopOut
	}
	return ReasonManual
}

// escalates reports whether a close with this reason opens the detail dialog.
func (r CloseReason) escalates() bool {
	return r == ReasonStopLoss || r == ReasonTakeProfit || r == ReasonStopOut
}

type Payload struct {
	Position    *broker.Position `json:"position,omitempty"`
	PnL         *decimal.Decimal `json:"pnl,omitempty"`
	ClosedCount int              `json:"closed_count,omitempty"`
	Reason      CloseReason      `json:"reason,omitempty"`
	TotalPnL    *decimal.Decimal `json:"total_pnl,omitempty"`
	Equity      *decimal.Decimal `json:"equity,omitempty"`
}

type Event struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	DedupKey  string        `json:"dedup_key"`
	Payload   Payload       `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl,omitempty"`

	// Persist events have no TTL and stay until dismissed.
	Persist bool `json:"persist,omitempty"`

	// Local events were derived from our own polls or close requests,
	// not pushed by the server.
	Local bool `json:"local,omitempty"`
}

// DedupKey is kind + ":" + positionID, or the kind alone.
func DedupKey(kind Kind, positionID string) string {
	if positionID == "" {
		return kind.String()
	}
	return kind.String() + ":" + positionID
}

// NewEvent builds an event created at at. STOP_OUT events persist; the
// rest take the hub's default TTL.
func NewEvent(kind Kind, p Payload, at time.Time) Event {
	var posID string
	if p.Position != nil {
		posID = p.Position.ID
	}
	return Event{
		ID:        id.At(at),
		Kind:      kind,
		DedupKey:  DedupKey(kind, posID),
		Payload:   p,
		CreatedAt: at,
		Persist:   kind == StopOut,
	}
}

func (e Event) expiresAt(defaultTTL time.Duration) (time.Time, bool) {
	if e.Persist {
		return time.Time{}, false
	}
	ttl := e.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return e.CreatedAt.Add(ttl), true
}
