package risk

import (
	"testing"

	"github.com/quantdesk/trade-api/internal/config"
	"github.com/quantdesk/trade-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intent(symbol string, qty, price float64) types.OrderIntent {
	return types.OrderIntent{
		Symbol:    symbol,
		Side:      types.SideBuy,
		Quantity:  qty,
		OrderType: types.OrderTypeMarket,
		RefPrice:  price,
	}
}

func TestEvaluatePassesWithinLimits(t *testing.T) {
	res := Evaluate(Input{
		Intents:        []types.OrderIntent{intent("AAPL", 10, 100)},
		PortfolioValue: 10000,
	}, Limits{MaxOrderNotional: 5000, MaxSymbolRatio: 0.5, MaxRunNotional: 8000})

	assert.True(t, res.Passed)
	assert.Empty(t, res.Violations)
}

func TestEvaluateBlocksWholeBatchAndCollectsAllReasons(t *testing.T) {
	// Two orders of 6000 notional each against a 5000 per-order limit:
	// both are reported, and the batch as a whole fails.
	res := Evaluate(Input{
		Intents: []types.OrderIntent{
			intent("AAA", 60, 100),
			intent("BBB", 60, 100),
		},
		PortfolioValue: 10000,
	}, Limits{MaxOrderNotional: 5000})

	assert.False(t, res.Passed)
	require.Len(t, res.Violations, 2)
	assert.Equal(t, "max_order_notional:AAA", res.Violations[0].Tag())
	assert.Equal(t, "max_order_notional:BBB", res.Violations[1].Tag())
}

func TestEvaluateRatioRuleWithoutPortfolioValueBlocks(t *testing.T) {
	res := Evaluate(Input{
		Intents: []types.OrderIntent{intent("AAPL", 1, 100)},
	}, Limits{MaxSymbolRatio: 0.25})

	assert.False(t, res.Passed)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, RuleMissingInput, res.Violations[0].Rule)
}

func TestEvaluateSymbolRatioAggregatesAcrossOrders(t *testing.T) {
	// Two 2000-notional orders on the same symbol breach a 30% cap on a
	// 10000 portfolio even though each alone would pass.
	res := Evaluate(Input{
		Intents: []types.OrderIntent{
			intent("AAPL", 20, 100),
			intent("AAPL", 20, 100),
		},
		PortfolioValue: 10000,
	}, Limits{MaxSymbolRatio: 0.3})

	assert.False(t, res.Passed)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "max_symbol_ratio:AAPL", res.Violations[0].Tag())
}

func TestEvaluateRunNotionalCashBufferAndSymbolCount(t *testing.T) {
	res := Evaluate(Input{
		Intents: []types.OrderIntent{
			intent("A", 10, 100),
			intent("B", 10, 100),
			intent("C", 10, 100),
		},
		PortfolioValue:  10000,
		CashBufferRatio: 0.01,
	}, Limits{
		MaxRunNotional:     2500,
		MinCashBufferRatio: 0.05,
		MaxSymbols:         2,
	})

	assert.False(t, res.Passed)
	reasons := res.Reasons()
	assert.Contains(t, reasons, RuleMaxRunNotional)
	assert.Contains(t, reasons, RuleMinCashBuffer)
	assert.Contains(t, reasons, RuleMaxSymbols)
}

func TestEvaluateZeroLimitsDisableRules(t *testing.T) {
	res := Evaluate(Input{
		Intents: []types.OrderIntent{intent("AAPL", 1000, 1000)},
	}, Limits{})

	assert.True(t, res.Passed)
}

func TestMergeOverrideWinsFieldByField(t *testing.T) {
	defaults := config.RiskConfig{
		MaxOrderNotional:   5000,
		MaxSymbolRatio:     0.2,
		MaxRunNotional:     20000,
		MinCashBufferRatio: 0.05,
		MaxSymbols:         10,
	}

	notional := 9000.0
	symbols := 3
	merged := Merge(defaults, &Override{
		MaxOrderNotional: &notional,
		MaxSymbols:       &symbols,
	})

	assert.Equal(t, 9000.0, merged.MaxOrderNotional)
	assert.Equal(t, 3, merged.MaxSymbols)
	// Untouched fields inherit the defaults.
	assert.Equal(t, 0.2, merged.MaxSymbolRatio)
	assert.Equal(t, 20000.0, merged.MaxRunNotional)
	assert.Equal(t, 0.05, merged.MinCashBufferRatio)
}

func TestMergeNilOverrideReturnsDefaults(t *testing.T) {
	defaults := config.RiskConfig{MaxOrderNotional: 1234}
	merged := Merge(defaults, nil)
	assert.Equal(t, 1234.0, merged.MaxOrderNotional)
}
