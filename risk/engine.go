package risk

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/tradestate/broker"
	"github.com/rustyeddy/tradestate/market"
)

// Inputs is everything ComputeAccount depends on. PositionsVersion must
// change whenever Positions does.
type Inputs struct {
	Balance          decimal.Decimal
	Leverage         int
	Positions        []broker.Position
	PositionsVersion uint64
	Now              time.Time
}

type memoKey struct {
	balance          string
	leverage         int
	positionsVersion uint64
	boardVersion     uint64
	stale            string
}

// Engine is the one place account metrics are derived. Every consumer
// asks the engine instead of recomputing. It keeps the last result and
// returns it unchanged while the inputs are the same.
type Engine struct {
	cat    *market.Catalog
	board  *market.Board
	maxAge time.Duration

	mu      sync.Mutex
	key     memoKey
	last    AccountSnapshot
	hasLast bool
}

// NewEngine returns an engine reading quotes from board. Quotes older
// than maxAge are treated as missing; zero disables the check. A nil
// catalog or board gets an empty one.
func NewEngine(cat *market.Catalog, board *market.Board, maxAge time.Duration) *Engine {
	if cat == nil {
		cat = market.NewCatalog()
	}
	if board == nil {
		board = market.NewBoard()
	}
	return &Engine{cat: cat, board: board, maxAge: maxAge}
}

func (e *Engine) Catalog() *market.Catalog { return e.cat }

// PositionPnL values one position against the current board.
func (e *Engine) PositionPnL(p broker.Position, now time.Time) (decimal.Decimal, PnLSource) {
	var quote *market.Quote
	if q, ok := e.board.Get(p.Symbol); ok {
		if e.maxAge <= 0 || now.Sub(q.ObservedAt) <= e.maxAge {
			quote = &q
		}
	}
	return PositionPnL(e.cat, p, quote)
}

// Compute returns the account snapshot for in, reusing the previous
// result when nothing it depends on has changed.
func (e *Engine) Compute(in Inputs) AccountSnapshot {
	s, _ := e.Recompute(in)
	return s
}

// Recompute is Compute that also reports whether the snapshot was
// derived afresh rather than reused.
func (e *Engine) Recompute(in Inputs) (AccountSnapshot, bool) {
	key := memoKey{
		balance:          in.Balance.String(),
		leverage:         in.Leverage,
		positionsVersion: in.PositionsVersion,
		boardVersion:     e.board.Version(),
	}
	if e.maxAge > 0 {
		key.stale = strings.Join(e.board.StaleSymbols(in.Now, e.maxAge), ",")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasLast && key == e.key {
		return e.last, false
	}

	e.last = ComputeAccount(e.cat, in.Balance, in.Leverage, in.Positions, e.board, in.Now, e.maxAge)
	e.key = key
	e.hasLast = true
	return e.last, true
}

// Last returns the most recent result, if any.
func (e *Engine) Last() (AccountSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.hasLast
}
