package market

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		symbol   string
		class    ContractClass
		decimals int
	}{
		{"EURUSD", FX, 5},
		{"EUR_USD", FX, 5},
		{"eur/usd", FX, 5},
		{"USDJPY", FX, 3},
		{"XAUUSD", MetalGold, 2},
		{"XAGUSD", MetalSilver, 3},
		{"BTCUSD", Crypto, 2},
		{"ETHUSDT", Crypto, 2},
		{"US30", FX, 1},
		{"NAS100.cash", FX, 1},
		{"USOIL", FX, 2},
		{"ZZZ123", FX, 5},
		{"XAUJPY", MetalGold, 2},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.symbol, func(t *testing.T) {
			t.Parallel()
			in := Classify(tt.symbol)
			assert.Equal(t, tt.class, in.Class)
			assert.Equal(t, tt.decimals, in.PriceDecimals)
			assert.Equal(t, tt.decimals, Decimals(tt.symbol))
		})
	}
}

func TestContractSize(t *testing.T) {
	t.Parallel()

	assert.True(t, ContractSize(FX).Equal(decimal.NewFromInt(100000)))
	assert.True(t, ContractSize(MetalGold).Equal(decimal.NewFromInt(100)))
	assert.True(t, ContractSize(MetalSilver).Equal(decimal.NewFromInt(5000)))
	assert.True(t, ContractSize(Crypto).Equal(decimal.NewFromInt(1)))
}

func TestCatalogOverrides(t *testing.T) {
	t.Parallel()

	c := NewCatalog(
		Instrument{Symbol: "GBP_USD", PriceDecimals: 4, Class: FX},
		Instrument{Symbol: "PAXG", Class: MetalGold},
		Instrument{Symbol: ""},
	)

	assert.Equal(t, 4, c.Decimals("GBPUSD"))
	assert.Equal(t, MetalGold, c.Classify("paxg"))
	assert.Equal(t, 5, c.Decimals("PAXG"))
	assert.True(t, c.ContractSize("PAXG").Equal(decimal.NewFromInt(100)))

	// falls back to the classifier
	assert.Equal(t, 3, c.Decimals("USDJPY"))
	assert.Equal(t, "1.10000", c.FormatPrice("EURUSD", decimal.RequireFromString("1.1")))
	assert.Equal(t, "151.235", c.FormatPrice("USDJPY", decimal.RequireFromString("151.2348")))
}

func TestNilCatalog(t *testing.T) {
	t.Parallel()

	var c *Catalog
	assert.Equal(t, Crypto, c.Classify("BTCUSD"))
}
