package sim

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/tradestate/market"
)

// Walk drives prices for a demo: every interval each symbol moves by a
// random number of pips in [-maxPips, maxPips] around its last mid.
type Walk struct {
	Engine   *Engine
	Start    map[string]market.BA
	Interval time.Duration
	MaxPips  int64
	Seed     int64
}

// Run seeds the starting prices and then moves them until ctx is done.
func (w Walk) Run(ctx context.Context) error {
	if w.Interval <= 0 {
		w.Interval = time.Second
	}
	if w.MaxPips <= 0 {
		w.MaxPips = 5
	}
	rng := rand.New(rand.NewSource(w.Seed))

	cur := make(map[string]market.BA, len(w.Start))
	for sym, ba := range w.Start {
		if err := w.Engine.UpdatePrice(sym, ba.Bid, ba.Ask, time.Time{}); err != nil {
			return err
		}
		cur[sym] = ba
	}

	t := time.NewTicker(w.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			for sym, ba := range cur {
				pip := decimal.New(1, -int32(w.Engine.cat.Decimals(sym)-1))
				step := pip.Mul(decimal.NewFromInt(rng.Int63n(2*w.MaxPips+1) - w.MaxPips))
				next := market.BA{Bid: ba.Bid.Add(step), Ask: ba.Ask.Add(step)}
				if !next.Bid.IsPositive() {
					continue
				}
				if err := w.Engine.UpdatePrice(sym, next.Bid, next.Ask, time.Time{}); err != nil {
					w.Engine.logger.Warn("walk price rejected", zap.String("symbol", sym), zap.Error(err))
					continue
				}
				cur[sym] = next
			}
		}
	}
}
