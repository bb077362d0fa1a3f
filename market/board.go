package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Board is the merged price table fed by both the push and the poll
// channel. For each symbol it keeps the newest quote observed on either
// side; on equal timestamps a push quote beats a poll quote.
//
// The board has one writer (the ingest path) and many readers.
type Board struct {
	mu      sync.RWMutex
	quotes  map[string]Quote
	version uint64
}

func NewBoard() *Board {
	return &Board{quotes: make(map[string]Quote)}
}

// IngestTick applies a push quote. It reports whether the board changed.
func (b *Board) IngestTick(symbol string, bid, ask decimal.Decimal, at time.Time) bool {
	return b.ingest(Quote{
		Symbol:     Normalize(symbol),
		Bid:        bid,
		Ask:        ask,
		ObservedAt: at,
		Source:     SourcePush,
	})
}

// IngestSnapshot applies a polled price table observed at one instant and
// returns the symbols that changed, sorted.
func (b *Board) IngestSnapshot(prices map[string]BA, at time.Time) []string {
	var changed []string
	for sym, ba := range prices {
		q := Quote{
			Symbol:     Normalize(sym),
			Bid:        ba.Bid,
			Ask:        ba.Ask,
			ObservedAt: at,
			Source:     SourcePoll,
		}
		if b.ingest(q) {
			changed = append(changed, q.Symbol)
		}
	}
	sort.Strings(changed)
	return changed
}

func (b *Board) ingest(q Quote) bool {
	if !validQuote(q) {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.quotes[q.Symbol]
	if ok && !supersedes(q, cur) {
		return false
	}
	if ok && cur.same(q) {
		return false
	}
	b.quotes[q.Symbol] = q
	b.version++
	return true
}

// supersedes decides whether next may replace cur.
func supersedes(next, cur Quote) bool {
	switch {
	case next.ObservedAt.After(cur.ObservedAt):
		return true
	case next.ObservedAt.Before(cur.ObservedAt):
		return false
	}
	// same instant: push is lower latency, poll only replaces poll
	return next.Source == SourcePush || cur.Source == SourcePoll
}

func (b *Board) Get(symbol string) (Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[Normalize(symbol)]
	return q, ok
}

// IsStale reports whether the quote for symbol is older than maxAge at now.
// A symbol with no quote at all is stale.
func (b *Board) IsStale(symbol string, now time.Time, maxAge time.Duration) bool {
	q, ok := b.Get(symbol)
	if !ok {
		return true
	}
	return now.Sub(q.ObservedAt) > maxAge
}

// StaleSymbols lists known symbols whose quotes are older than maxAge.
func (b *Board) StaleSymbols(now time.Time, maxAge time.Duration) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []string
	for sym, q := range b.quotes {
		if now.Sub(q.ObservedAt) > maxAge {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot copies the board.
func (b *Board) Snapshot() map[string]Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]Quote, len(b.quotes))
	for k, v := range b.quotes {
		out[k] = v
	}
	return out
}

// Version increases every time a quote is applied.
func (b *Board) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}
