package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/tradestate/market"
)

// Duration is a time.Duration written as a string such as "2s" or "1m30s".
type Duration struct {
	time.Duration
}

func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.parse(n.Value)
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config is the complete service configuration.
type Config struct {
	Server      ServerConfig        `json:"server" yaml:"server"`
	Poll        PollConfig          `json:"poll" yaml:"poll"`
	Freshness   FreshnessConfig     `json:"freshness" yaml:"freshness"`
	Notify      NotifyConfig        `json:"notify" yaml:"notify"`
	Close       CloseConfig         `json:"close" yaml:"close"`
	Risk        RiskConfig          `json:"risk" yaml:"risk"`
	Store       StoreConfig         `json:"store" yaml:"store"`
	API         APIConfig           `json:"api" yaml:"api"`
	Log         LogConfig           `json:"log" yaml:"log"`
	Demo        DemoConfig          `json:"demo" yaml:"demo"`
	Instruments []market.Instrument `json:"instruments,omitempty" yaml:"instruments,omitempty"`
}

// ServerConfig points at the trading server.
type ServerConfig struct {
	BaseURL        string   `json:"base_url" yaml:"base_url"`
	StreamURL      string   `json:"stream_url,omitempty" yaml:"stream_url,omitempty"`
	Token          string   `json:"token,omitempty" yaml:"token,omitempty"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
}

type PollConfig struct {
	Positions Duration `json:"positions" yaml:"positions"`
	Account   Duration `json:"account" yaml:"account"`
	Prices    Duration `json:"prices" yaml:"prices"`
	Tick      Duration `json:"tick" yaml:"tick"`
}

// FreshnessConfig sets when quotes and the position list count as stale.
type FreshnessConfig struct {
	QuoteMaxAge     Duration `json:"quote_max_age" yaml:"quote_max_age"`
	PositionsMaxAge Duration `json:"positions_max_age" yaml:"positions_max_age"`
}

type NotifyConfig struct {
	TTL         Duration `json:"ttl" yaml:"ttl"`
	DedupWindow Duration `json:"dedup_window" yaml:"dedup_window"`
	QueueSize   int      `json:"queue_size" yaml:"queue_size"`
}

type CloseConfig struct {
	Concurrency int      `json:"concurrency" yaml:"concurrency"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
}

// RiskConfig holds margin-level thresholds in percent.
type RiskConfig struct {
	MarginCallLevel float64 `json:"margin_call_level" yaml:"margin_call_level"`
	StopOutLevel    float64 `json:"stop_out_level" yaml:"stop_out_level"`
}

type StoreConfig struct {
	Type      string `json:"type" yaml:"type"` // "sqlite", "redis" or "memory"
	DBPath    string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	RedisAddr string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisDB   int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	Prefix    string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

type APIConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "console"
}

// DemoConfig drives the built-in simulated server.
type DemoConfig struct {
	Listen   string      `json:"listen" yaml:"listen"`
	Balance  float64     `json:"balance" yaml:"balance"`
	Leverage int         `json:"leverage" yaml:"leverage"`
	Interval Duration    `json:"interval" yaml:"interval"`
	MaxPips  int         `json:"max_pips" yaml:"max_pips"`
	Seed     int64       `json:"seed" yaml:"seed"`
	Prices   []DemoPrice `json:"prices" yaml:"prices"`
	Orders   []DemoOrder `json:"orders,omitempty" yaml:"orders,omitempty"`
}

type DemoPrice struct {
	Symbol string  `json:"symbol" yaml:"symbol"`
	Bid    float64 `json:"bid" yaml:"bid"`
	Ask    float64 `json:"ask" yaml:"ask"`
}

// DemoOrder is opened when the demo starts. Entry 0 means market.
type DemoOrder struct {
	Symbol     string  `json:"symbol" yaml:"symbol"`
	Side       string  `json:"side" yaml:"side"`
	Volume     float64 `json:"volume" yaml:"volume"`
	Entry      float64 `json:"entry,omitempty" yaml:"entry,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty" yaml:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty" yaml:"take_profit,omitempty"`
}

// LoadFromFile loads configuration from a file, YAML first with JSON as
// the fallback. Missing fields keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes YAML for .yaml/.yml paths and indented JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the core cannot run with.
func (c *Config) Validate() error {
	if c.Server.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}
	for name, d := range map[string]Duration{
		"poll.positions": c.Poll.Positions,
		"poll.account":   c.Poll.Account,
		"poll.prices":    c.Poll.Prices,
		"poll.tick":      c.Poll.Tick,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Freshness.QuoteMaxAge.Duration < 0 || c.Freshness.PositionsMaxAge.Duration < 0 {
		return fmt.Errorf("freshness thresholds must not be negative")
	}
	if c.Notify.TTL.Duration <= 0 {
		return fmt.Errorf("notify.ttl must be positive")
	}
	if c.Notify.DedupWindow.Duration < 0 {
		return fmt.Errorf("notify.dedup_window must not be negative")
	}
	if c.Notify.QueueSize <= 0 {
		return fmt.Errorf("notify.queue_size must be positive")
	}
	if c.Close.Concurrency <= 0 {
		return fmt.Errorf("close.concurrency must be positive")
	}
	if c.Close.Timeout.Duration <= 0 {
		return fmt.Errorf("close.timeout must be positive")
	}
	if c.Risk.StopOutLevel <= 0 || c.Risk.MarginCallLevel <= c.Risk.StopOutLevel {
		return fmt.Errorf("risk levels must satisfy 0 < stop_out_level < margin_call_level")
	}
	switch c.Store.Type {
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("store.db_path required for sqlite store")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr required for redis store")
		}
	case "memory":
	default:
		return fmt.Errorf("store.type must be 'sqlite', 'redis' or 'memory'")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be 'json' or 'console'")
	}
	for _, p := range c.Demo.Prices {
		if p.Symbol == "" || p.Bid <= 0 || p.Ask < p.Bid {
			return fmt.Errorf("demo price %q: need a symbol and 0 < bid <= ask", p.Symbol)
		}
	}
	return nil
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:        "http://localhost:8081",
			RequestTimeout: D(10 * time.Second),
		},
		Poll: PollConfig{
			Positions: D(2 * time.Second),
			Account:   D(5 * time.Second),
			Prices:    D(2 * time.Second),
			Tick:      D(time.Second),
		},
		Freshness: FreshnessConfig{
			QuoteMaxAge:     D(10 * time.Second),
			PositionsMaxAge: D(6 * time.Second),
		},
		Notify: NotifyConfig{
			TTL:         D(4 * time.Second),
			DedupWindow: D(3 * time.Second),
			QueueSize:   3,
		},
		Close: CloseConfig{
			Concurrency: 5,
			Timeout:     D(10 * time.Second),
		},
		Risk: RiskConfig{
			MarginCallLevel: 100,
			StopOutLevel:    50,
		},
		Store: StoreConfig{
			Type:   "sqlite",
			DBPath: "./tradestate.db",
			Prefix: "tradestate:",
		},
		API: APIConfig{
			Listen: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Demo: DemoConfig{
			Listen:   ":8081",
			Balance:  10000,
			Leverage: 100,
			Interval: D(time.Second),
			MaxPips:  3,
			Seed:     1,
			Prices: []DemoPrice{
				{Symbol: "EURUSD", Bid: 1.0849, Ask: 1.0851},
				{Symbol: "USDJPY", Bid: 151.20, Ask: 151.23},
				{Symbol: "XAUUSD", Bid: 2330.10, Ask: 2330.60},
			},
			Orders: []DemoOrder{
				{Symbol: "EURUSD", Side: "BUY", Volume: 0.5, StopLoss: 1.0820, TakeProfit: 1.0890},
				{Symbol: "XAUUSD", Side: "SELL", Volume: 0.1},
			},
		},
	}
}
