package config

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/tradestate/core"
	"github.com/rustyeddy/tradestate/market"
	"github.com/rustyeddy/tradestate/notify"
	"github.com/rustyeddy/tradestate/orders"
	"github.com/rustyeddy/tradestate/risk"
	"github.com/rustyeddy/tradestate/store"
)

// Catalog builds the instrument catalog with the configured overrides.
func (c *Config) Catalog() *market.Catalog {
	return market.NewCatalog(c.Instruments...)
}

func (c *Config) Policy() risk.Policy {
	return risk.Policy{
		MarginCallLevel: decimal.NewFromFloat(c.Risk.MarginCallLevel),
		StopOutLevel:    decimal.NewFromFloat(c.Risk.StopOutLevel),
	}
}

func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Type:      c.Store.Type,
		DBPath:    c.Store.DBPath,
		RedisAddr: c.Store.RedisAddr,
		RedisDB:   c.Store.RedisDB,
		Prefix:    c.Store.Prefix,
	}
}

// CoreOptions fills every core setting except the broker, store and push
// source, which the caller opens.
func (c *Config) CoreOptions(logger *zap.Logger) core.Options {
	return core.Options{
		Catalog:        c.Catalog(),
		Policy:         c.Policy(),
		QuoteMaxAge:    c.Freshness.QuoteMaxAge.Duration,
		RequestTimeout: c.Server.RequestTimeout.Duration,
		Intervals: core.Intervals{
			Positions: c.Poll.Positions.Duration,
			Account:   c.Poll.Account.Duration,
			Prices:    c.Poll.Prices.Duration,
			Tick:      c.Poll.Tick.Duration,
		},
		Notify: notify.Options{
			TTL:         c.Notify.TTL.Duration,
			DedupWindow: c.Notify.DedupWindow.Duration,
			QueueSize:   c.Notify.QueueSize,
			Logger:      logger,
		},
		Close: orders.Options{
			Concurrency: c.Close.Concurrency,
			Timeout:     c.Close.Timeout.Duration,
			Logger:      logger,
		},
		PositionsMaxAge: c.Freshness.PositionsMaxAge.Duration,
		Logger:          logger,
	}
}
