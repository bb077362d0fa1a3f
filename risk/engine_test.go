package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/tradestate/broker"
	"github.com/rustyeddy/tradestate/market"
)

func TestEngineMemoizes(t *testing.T) {
	t.Parallel()

	board := market.NewBoard()
	board.IngestTick("EURUSD", d("1.1005"), d("1.1007"), t0)
	e := NewEngine(nil, board, 0)

	_, ok := e.Last()
	assert.False(t, ok)

	in := Inputs{
		Balance:          d("1000"),
		Leverage:         100,
		Positions:        []broker.Position{position("P1", "EURUSD", broker.Buy, "1", "1.1000")},
		PositionsVersion: 1,
		Now:              t0,
	}
	first := e.Compute(in)

	in.Now = t0.Add(time.Second)
	second := e.Compute(in)
	assert.Equal(t, first.ComputedAt, second.ComputedAt, "expected memoized result")

	board.IngestTick("EURUSD", d("1.1010"), d("1.1012"), t0.Add(time.Second))
	third := e.Compute(in)
	assert.Equal(t, t0.Add(time.Second), third.ComputedAt)
	assert.True(t, third.FloatingPnL.Equal(d("100")))

	last, ok := e.Last()
	require.True(t, ok)
	assert.Equal(t, third.ComputedAt, last.ComputedAt)
}

func TestEngineNilBoard(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, nil, 5*time.Second)
	p := position("P1", "EURUSD", broker.Buy, "1", "1.1000")

	var s AccountSnapshot
	require.NotPanics(t, func() {
		s = e.Compute(Inputs{
			Balance:          d("1000"),
			Leverage:         100,
			Positions:        []broker.Position{p},
			PositionsVersion: 1,
			Now:              t0,
		})
	})
	assert.True(t, s.Balance.Equal(d("1000")))

	_, src := e.PositionPnL(p, t0)
	assert.Equal(t, PnLUnknown, src)
}

func TestEngineRecomputesWhenQuotesGoStale(t *testing.T) {
	t.Parallel()

	board := market.NewBoard()
	board.IngestTick("EURUSD", d("1.1010"), d("1.1010"), t0)
	e := NewEngine(market.NewCatalog(), board, 5*time.Second)

	in := Inputs{
		Balance:          d("1000"),
		Leverage:         100,
		Positions:        []broker.Position{position("P1", "EURUSD", broker.Buy, "1", "1.1000")},
		PositionsVersion: 1,
		Now:              t0.Add(time.Second),
	}
	assert.False(t, e.Compute(in).Stale)

	in.Now = t0.Add(time.Minute)
	assert.True(t, e.Compute(in).Stale)
}

func TestEnginePositionPnL(t *testing.T) {
	t.Parallel()

	board := market.NewBoard()
	board.IngestTick("EURUSD", d("1.0990"), d("1.0992"), t0)
	e := NewEngine(nil, board, time.Second)

	p := position("P1", "EURUSD", broker.Buy, "1", "1.1000")
	pnl, src := e.PositionPnL(p, t0)
	assert.Equal(t, PnLQuote, src)
	assert.True(t, pnl.Equal(d("-100")))

	_, src = e.PositionPnL(p, t0.Add(time.Minute))
	assert.Equal(t, PnLUnknown, src)
}

func TestEngineRecomputeReportsFreshness(t *testing.T) {
	t.Parallel()

	board := market.NewBoard()
	board.IngestTick("EURUSD", d("1.1005"), d("1.1007"), t0)
	e := NewEngine(nil, board, 0)

	in := Inputs{Balance: d("1000"), Leverage: 100, PositionsVersion: 1, Now: t0}
	_, fresh := e.Recompute(in)
	assert.True(t, fresh)
	_, fresh = e.Recompute(in)
	assert.False(t, fresh)

	in.Balance = d("1001")
	_, fresh = e.Recompute(in)
	assert.True(t, fresh)
}
