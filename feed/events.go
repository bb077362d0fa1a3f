// Package feed talks to the trading server: the HTTP poll and close
// endpoints, the websocket push channel, and recorded push captures.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/tradestate/broker"
	"github.com/rustyeddy/tradestate/notify"
)

// Push event names as they appear on the wire.
const (
	EventTick             = "tick"
	EventOrderPlaced      = "orderPlaced"
	EventOrderExecuted    = "orderExecuted"
	EventPendingActivated = "pendingOrderActivated"
	EventOrderCancelled   = "orderCancelled"
	EventTradeClosed      = "tradeClosed"
	EventStopOut          = "stopOut"
)

var (
	ErrMalformed    = errors.New("malformed push message")
	ErrUnknownEvent = errors.New("unknown push event")
)

var lifecycleKinds = map[string]notify.Kind{
	EventOrderPlaced:      notify.OrderPlaced,
	EventOrderExecuted:    notify.OrderExecuted,
	EventPendingActivated: notify.OrderActivated,
	EventOrderCancelled:   notify.OrderCancelled,
	EventTradeClosed:      notify.TradeClosed,
	EventStopOut:          notify.StopOut,
}

// Envelope is the outer shape of every push message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type TickData struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	TS     *Timestamp      `json:"ts,omitempty"`
}

// At returns the server time of the tick, or the zero time when the
// tick carried none.
func (td TickData) At() time.Time {
	if td.TS == nil {
		return time.Time{}
	}
	return td.TS.Time
}

// Timestamp accepts RFC 3339 strings or epoch milliseconds and always
// encodes as RFC 3339.
type Timestamp struct {
	time.Time
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.UTC().Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		ts.Time = t
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("ts: %w", err)
	}
	ts.Time = time.UnixMilli(ms).UTC()
	return nil
}

// LifecycleData carries the lifecycle events. Order events and
// tradeClosed hold the position under "trade"; "position" is accepted
// as an alias. stopOut lists every position it closed.
type LifecycleData struct {
	Trade        *broker.Position  `json:"trade,omitempty"`
	Position     *broker.Position  `json:"position,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	PnL          *decimal.Decimal  `json:"pnl,omitempty"`
	ClosedTrades []broker.Position `json:"closedTrades,omitempty"`
	TotalPnL     *decimal.Decimal  `json:"totalPnL,omitempty"`
	Equity       *decimal.Decimal  `json:"equity,omitempty"`
}

// Subject is the position the event is about.
func (ld LifecycleData) Subject() *broker.Position {
	if ld.Trade != nil {
		return ld.Trade
	}
	return ld.Position
}

// Message is a decoded push message. Exactly one of Tick and Lifecycle
// is set.
type Message struct {
	Event     string
	Tick      *TickData
	Lifecycle *LifecycleData
}

// Decode parses one push message. Errors wrap ErrMalformed or
// ErrUnknownEvent.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Message{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return Message{}, fmt.Errorf("%w: %s without data", ErrMalformed, env.Event)
	}

	msg := Message{Event: env.Event}
	if env.Event == EventTick {
		var td TickData
		if err := json.Unmarshal(env.Data, &td); err != nil {
			return Message{}, fmt.Errorf("%w: tick: %v", ErrMalformed, err)
		}
		if err := validateTick(td); err != nil {
			return Message{}, err
		}
		msg.Tick = &td
		return msg, nil
	}

	if _, ok := lifecycleKinds[env.Event]; !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	var ld LifecycleData
	if err := json.Unmarshal(env.Data, &ld); err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
	}
	if p := ld.Subject(); env.Event != EventStopOut && (p == nil || p.ID == "") {
		return Message{}, fmt.Errorf("%w: %s without position id", ErrMalformed, env.Event)
	}
	msg.Lifecycle = &ld
	return msg, nil
}

func validateTick(td TickData) error {
	if strings.TrimSpace(td.Symbol) == "" {
		return fmt.Errorf("%w: tick without symbol", ErrMalformed)
	}
	if !td.Bid.IsPositive() || !td.Ask.IsPositive() {
		return fmt.Errorf("%w: tick %s with non-positive price", ErrMalformed, td.Symbol)
	}
	if td.Ask.LessThan(td.Bid) {
		return fmt.Errorf("%w: tick %s with crossed prices", ErrMalformed, td.Symbol)
	}
	return nil
}

// Notification turns a lifecycle message into a hub event created at at.
func (m Message) Notification(at time.Time) (notify.Event, bool) {
	if m.Lifecycle == nil {
		return notify.Event{}, false
	}
	kind, ok := lifecycleKinds[m.Event]
	if !ok {
		return notify.Event{}, false
	}
	ld := m.Lifecycle
	p := notify.Payload{
		Position:    ld.Subject(),
		PnL:         ld.PnL,
		ClosedCount: len(ld.ClosedTrades),
		TotalPnL:    ld.TotalPnL,
		Equity:      ld.Equity,
	}
	if kind == notify.TradeClosed {
		p.Reason = notify.ParseReason(ld.Reason)
	}
	return notify.NewEvent(kind, p, at), true
}

// Encode wraps data in an envelope.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func EncodeTick(symbol string, bid, ask decimal.Decimal, at time.Time) ([]byte, error) {
	return Encode(EventTick, TickData{Symbol: symbol, Bid: bid, Ask: ask, TS: &Timestamp{at}})
}
