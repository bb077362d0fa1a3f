// market/instruments.go
package market

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ContractClass groups instruments that share a contract size.
type ContractClass int

const (
	FX ContractClass = iota
	MetalGold
	MetalSilver
	Crypto
)

func (c ContractClass) String() string {
	switch c {
	case MetalGold:
		return "METAL_GOLD"
	case MetalSilver:
		return "METAL_SILVER"
	case Crypto:
		return "CRYPTO"
	default:
		return "FX"
	}
}

type Instrument struct {
	Symbol        string        `json:"symbol" yaml:"symbol"`
	PriceDecimals int           `json:"price_decimals" yaml:"price_decimals"`
	Class         ContractClass `json:"class" yaml:"class"`
}

var (
	contractSizes = map[ContractClass]decimal.Decimal{
		FX:          decimal.NewFromInt(100_000),
		MetalGold:   decimal.NewFromInt(100),
		MetalSilver: decimal.NewFromInt(5_000),
		Crypto:      decimal.NewFromInt(1),
	}

	// checked in order, first match wins
	cryptoTickers = []string{"BTC", "ETH", "LTC", "XRP", "BCH", "ADA", "DOT", "SOL", "DOGE", "BNB"}

	// index and commodity symbols quoted with their own precision
	decimalOverrides = map[string]int{
		"US30":   1,
		"NAS100": 1,
		"SPX500": 1,
		"GER40":  1,
		"UK100":  1,
		"JP225":  1,
		"USOIL":  2,
		"UKOIL":  2,
		"NGAS":   3,
	}
)

// Normalize upper-cases a symbol and strips separators so that
// "eur/usd", "EUR_USD" and "EURUSD" all resolve to the same instrument.
func Normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("/", "", "_", "", "-", "", ".", "").Replace(s)
}

// Classify resolves a symbol to its instrument by substring match.
// Unknown symbols are FX with 5 decimals.
func Classify(symbol string) Instrument {
	s := Normalize(symbol)
	in := Instrument{Symbol: s, Class: FX, PriceDecimals: 5}

	switch {
	case strings.Contains(s, "XAU"):
		in.Class, in.PriceDecimals = MetalGold, 2
	case strings.Contains(s, "XAG"):
		in.Class, in.PriceDecimals = MetalSilver, 3
	case isCrypto(s):
		in.Class, in.PriceDecimals = Crypto, 2
	default:
		if d, ok := overrideDecimals(s); ok {
			in.PriceDecimals = d
		} else if strings.Contains(s, "JPY") {
			in.PriceDecimals = 3
		}
	}
	return in
}

func isCrypto(s string) bool {
	for _, t := range cryptoTickers {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func overrideDecimals(s string) (int, bool) {
	if d, ok := decimalOverrides[s]; ok {
		return d, true
	}
	for prefix, d := range decimalOverrides {
		if strings.HasPrefix(s, prefix) {
			return d, true
		}
	}
	return 0, false
}

// Decimals returns the number of price decimals for symbol.
func Decimals(symbol string) int {
	return Classify(symbol).PriceDecimals
}

// ContractSize is the notional multiplier that turns a price difference
// into money for one lot.
func ContractSize(class ContractClass) decimal.Decimal {
	if cs, ok := contractSizes[class]; ok {
		return cs
	}
	return contractSizes[FX]
}

// Catalog is the instrument table. It is built once and never mutated, so
// lookups need no locking.
type Catalog struct {
	instruments map[string]Instrument
}

// NewCatalog returns a catalog backed by the classifier, with explicit
// entries taking precedence.
func NewCatalog(extra ...Instrument) *Catalog {
	c := &Catalog{instruments: make(map[string]Instrument, len(extra))}
	for _, in := range extra {
		in.Symbol = Normalize(in.Symbol)
		if in.Symbol == "" {
			continue
		}
		if in.PriceDecimals <= 0 {
			in.PriceDecimals = Classify(in.Symbol).PriceDecimals
		}
		c.instruments[in.Symbol] = in
	}
	return c
}

func (c *Catalog) Get(symbol string) Instrument {
	if c != nil {
		if in, ok := c.instruments[Normalize(symbol)]; ok {
			return in
		}
	}
	return Classify(symbol)
}

func (c *Catalog) Classify(symbol string) ContractClass { return c.Get(symbol).Class }

func (c *Catalog) Decimals(symbol string) int { return c.Get(symbol).PriceDecimals }

func (c *Catalog) ContractSize(symbol string) decimal.Decimal {
	return ContractSize(c.Get(symbol).Class)
}

// FormatPrice renders p with the instrument's precision.
func (c *Catalog) FormatPrice(symbol string, p decimal.Decimal) string {
	return p.StringFixed(int32(c.Decimals(symbol)))
}
