package feed

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/tradestate/notify"
)

func TestDecodeTick(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		bid  string
	}{
		{"string prices", `{"event":"tick","data":{"symbol":"EURUSD","bid":"1.1000","ask":"1.1002"}}`, "1.1"},
		{"number prices", `{"event":"tick","data":{"symbol":"EURUSD","bid":1.1,"ask":1.1002,"ts":"2024-01-02T10:00:00Z"}}`, "1.1"},
		{"epoch millis", `{"event":"tick","data":{"symbol":"EURUSD","bid":"1.1","ask":"1.1002","ts":1704189600000}}`, "1.1"},
	}
	for _, tt := range tests {
		msg, err := Decode([]byte(tt.raw))
		require.NoError(t, err, tt.name)
		require.NotNil(t, msg.Tick, tt.name)
		assert.Nil(t, msg.Lifecycle)
		assert.Equal(t, "EURUSD", msg.Tick.Symbol)
		assert.True(t, msg.Tick.Bid.Equal(decimal.RequireFromString(tt.bid)), tt.name)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Parallel()

	for name, raw := range map[string]string{
		"not json":         `{"event":`,
		"no event":         `{"data":{}}`,
		"no data":          `{"event":"tick"}`,
		"null data":        `{"event":"tradeClosed","data":null}`,
		"tick no symbol":   `{"event":"tick","data":{"bid":"1","ask":"1"}}`,
		"tick zero bid":    `{"event":"tick","data":{"symbol":"EURUSD","bid":"0","ask":"1"}}`,
		"tick crossed":     `{"event":"tick","data":{"symbol":"EURUSD","bid":"1.2","ask":"1.1"}}`,
		"tick bad number":  `{"event":"tick","data":{"symbol":"EURUSD","bid":"abc","ask":"1.1"}}`,
		"closed no pos":    `{"event":"tradeClosed","data":{"reason":"SL"}}`,
		"placed no pos id": `{"event":"orderPlaced","data":{"trade":{"symbol":"EURUSD"}}}`,
		"tick bad ts":      `{"event":"tick","data":{"symbol":"EURUSD","bid":"1.1","ask":"1.2","ts":"yesterday"}}`,
	} {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, name)
	}

	_, err := Decode([]byte(`{"event":"heartbeat","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestLifecycleNotification(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	raw := `{"event":"tradeClosed","data":{"trade":{"id":"P7","symbol":"XAUUSD","side":"SELL","volume":"0.1","entry_price":"2000","status":"CLOSED"},"reason":"TP","pnl":"42.5"}}`

	msg, err := Decode([]byte(raw))
	require.NoError(t, err)

	ev, ok := msg.Notification(at)
	require.True(t, ok)
	assert.Equal(t, notify.TradeClosed, ev.Kind)
	assert.Equal(t, "TRADE_CLOSED:P7", ev.DedupKey)
	assert.Equal(t, notify.ReasonTakeProfit, ev.Payload.Reason)
	require.NotNil(t, ev.Payload.PnL)
	assert.Equal(t, "42.5", ev.Payload.PnL.String())
	assert.Equal(t, at, ev.CreatedAt)

	stop, err := Decode([]byte(`{"event":"stopOut","data":{"closedTrades":[{"id":"A"},{"id":"B"},{"id":"C"}],"totalPnL":-120,"equity":"480"}}`))
	require.NoError(t, err)
	ev, ok = stop.Notification(at)
	require.True(t, ok)
	assert.Equal(t, notify.StopOut, ev.Kind)
	assert.Equal(t, 3, ev.Payload.ClosedCount)
	require.NotNil(t, ev.Payload.TotalPnL)
	assert.Equal(t, "-120", ev.Payload.TotalPnL.String())
	require.NotNil(t, ev.Payload.Equity)
	assert.Equal(t, "480", ev.Payload.Equity.String())
	assert.True(t, ev.Persist)

	empty, err := Decode([]byte(`{"event":"stopOut","data":{"closedTrades":[],"totalPnL":0,"equity":"1000"}}`))
	require.NoError(t, err)
	ev, ok = empty.Notification(at)
	require.True(t, ok)
	assert.Equal(t, 0, ev.Payload.ClosedCount)

	tick, err := Decode([]byte(`{"event":"tick","data":{"symbol":"EURUSD","bid":"1.1","ask":"1.2"}}`))
	require.NoError(t, err)
	_, ok = tick.Notification(at)
	assert.False(t, ok)
}

func TestEncodeTickRoundTrip(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	raw, err := EncodeTick("GBPUSD", decimal.RequireFromString("1.27"), decimal.RequireFromString("1.2702"), at)
	require.NoError(t, err)

	msg, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Tick)
	require.NotNil(t, msg.Tick.TS)
	assert.True(t, at.Equal(msg.Tick.At()))
	assert.Equal(t, "GBPUSD", msg.Tick.Symbol)
}

func TestDecodeOrderEvents(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		raw  string
		kind notify.Kind
		key  string
	}{
		{`{"event":"orderPlaced","data":{"trade":{"id":"T1","symbol":"EURUSD","status":"PENDING"}}}`, notify.OrderPlaced, "ORDER_PLACED:T1"},
		{`{"event":"orderExecuted","data":{"trade":{"id":"T2","symbol":"EURUSD"}}}`, notify.OrderExecuted, "ORDER_EXECUTED:T2"},
		{`{"event":"pendingOrderActivated","data":{"trade":{"id":"T3"}}}`, notify.OrderActivated, "ORDER_ACTIVATED:T3"},
		{`{"event":"orderCancelled","data":{"trade":{"id":"T4"}}}`, notify.OrderCancelled, "ORDER_CANCELLED:T4"},
		{`{"event":"orderPlaced","data":{"position":{"id":"T5"}}}`, notify.OrderPlaced, "ORDER_PLACED:T5"},
	}
	for _, tt := range tests {
		msg, err := Decode([]byte(tt.raw))
		require.NoError(t, err, tt.raw)
		ev, ok := msg.Notification(at)
		require.True(t, ok, tt.raw)
		assert.Equal(t, tt.kind, ev.Kind, tt.raw)
		assert.Equal(t, tt.key, ev.DedupKey, tt.raw)
	}
}
