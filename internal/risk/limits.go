package risk

import "github.com/quantdesk/trade-api/internal/config"

// Limits is the effective limit set a run is evaluated against. A zero
// value disables the corresponding rule.
type Limits struct {
	MaxOrderNotional   float64 `json:"max_order_notional"`
	MaxSymbolRatio     float64 `json:"max_symbol_ratio"`
	MaxRunNotional     float64 `json:"max_run_notional"`
	MinCashBufferRatio float64 `json:"min_cash_buffer_ratio"`
	MaxSymbols         int     `json:"max_symbols"`
}

// Override is the optional per-run layer. Nil fields inherit the global
// default; set fields win.
type Override struct {
	MaxOrderNotional   *float64 `json:"max_order_notional,omitempty"`
	MaxSymbolRatio     *float64 `json:"max_symbol_ratio,omitempty"`
	MaxRunNotional     *float64 `json:"max_run_notional,omitempty"`
	MinCashBufferRatio *float64 `json:"min_cash_buffer_ratio,omitempty"`
	MaxSymbols         *int     `json:"max_symbols,omitempty"`
}

// Merge layers a per-run override over the global defaults field by field
// and returns the effective set. The result is snapshotted onto the run
// for audit, so later config changes never alter what a past run was
// checked against.
func Merge(defaults config.RiskConfig, override *Override) Limits {
	limits := Limits{
		MaxOrderNotional:   defaults.MaxOrderNotional,
		MaxSymbolRatio:     defaults.MaxSymbolRatio,
		MaxRunNotional:     defaults.MaxRunNotional,
		MinCashBufferRatio: defaults.MinCashBufferRatio,
		MaxSymbols:         defaults.MaxSymbols,
	}
	if override == nil {
		return limits
	}
	if override.MaxOrderNotional != nil {
		limits.MaxOrderNotional = *override.MaxOrderNotional
	}
	if override.MaxSymbolRatio != nil {
		limits.MaxSymbolRatio = *override.MaxSymbolRatio
	}
	if override.MaxRunNotional != nil {
		limits.MaxRunNotional = *override.MaxRunNotional
	}
	if override.MinCashBufferRatio != nil {
		limits.MinCashBufferRatio = *override.MinCashBufferRatio
	}
	if override.MaxSymbols != nil {
		limits.MaxSymbols = *override.MaxSymbols
	}
	return limits
}
