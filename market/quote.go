package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source records which channel delivered a quote.
type Source int

const (
	SourcePoll Source = iota
	SourcePush
)

func (s Source) String() string {
	if s == SourcePush {
		return "PUSH"
	}
	return "POLL"
}

func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// BA is one bid/ask pair from a price snapshot.
type BA struct {
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

type Quote struct {
	Symbol     string          `json:"symbol"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	ObservedAt time.Time       `json:"observed_at"`
	Source     Source          `json:"source"`
}

func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

func (q Quote) Spread() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}

func (q Quote) same(o Quote) bool {
	return q.Symbol == o.Symbol &&
		q.Bid.Equal(o.Bid) &&
		q.Ask.Equal(o.Ask) &&
		q.ObservedAt.Equal(o.ObservedAt) &&
		q.Source == o.Source
}

func validQuote(q Quote) bool {
	if q.Symbol == "" || q.ObservedAt.IsZero() {
		return false
	}
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return false
	}
	return !q.Ask.LessThan(q.Bid)
}
