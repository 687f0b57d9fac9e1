package risk

import (
	"fmt"

	"github.com/quantdesk/trade-api/internal/types"
	"github.com/rs/zerolog/log"
)

// Violation rule tags, combined with a symbol where one applies,
// e.g. "max_order_notional:AAPL".
const (
	RuleMaxOrderNotional = "max_order_notional"
	RuleMaxSymbolRatio   = "max_symbol_ratio"
	RuleMaxRunNotional   = "max_run_notional"
	RuleMinCashBuffer    = "min_cash_buffer"
	RuleMaxSymbols       = "max_symbols"
	RuleMissingInput     = "missing_input"
)

// Violation is one failed rule with enough context for an operator to act on.
type Violation struct {
	Rule    string `json:"rule"`
	Symbol  string `json:"symbol,omitempty"`
	Message string `json:"message"`
}

// Tag renders the structured reason, "rule" or "rule:symbol".
func (v Violation) Tag() string {
	if v.Symbol == "" {
		return v.Rule
	}
	return v.Rule + ":" + v.Symbol
}

// Input is everything a batch evaluation needs. PortfolioValue and
// CashBufferRatio mirror what the order builder sized against; a ratio
// rule configured without a portfolio value is itself a violation rather
// than a silently skipped check.
type Input struct {
	Intents         []types.OrderIntent
	PortfolioValue  float64
	CashBufferRatio float64
}

// Result of a batch evaluation. The policy is fail-closed: a single
// violating order blocks the whole batch, but every violated rule across
// the batch is still collected so operators see the complete reason set.
type Result struct {
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations,omitempty"`
}

// Reasons returns the violation tags in evaluation order.
func (r Result) Reasons() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Tag())
	}
	return out
}

// Evaluate checks a priced batch against the effective limits. It never
// short-circuits, so the result carries every violation, not just the first.
func Evaluate(in Input, limits Limits) Result {
	logger := log.With().Str("component", "risk_engine").Logger()

	var violations []Violation

	ratioNeedsValue := limits.MaxSymbolRatio > 0 && in.PortfolioValue <= 0
	if ratioNeedsValue {
		violations = append(violations, Violation{
			Rule:    RuleMissingInput,
			Message: "max_symbol_ratio configured but portfolio value unavailable",
		})
	}

	totalNotional := 0.0
	symbols := make(map[string]float64)
	for _, intent := range in.Intents {
		notional := intent.Notional()
		totalNotional += notional
		symbols[intent.Symbol] += notional

		if limits.MaxOrderNotional > 0 && notional > limits.MaxOrderNotional {
			violations = append(violations, Violation{
				Rule:   RuleMaxOrderNotional,
				Symbol: intent.Symbol,
				Message: fmt.Sprintf("order notional %.2f exceeds limit %.2f",
					notional, limits.MaxOrderNotional),
			})
		}
	}

	if limits.MaxSymbolRatio > 0 && !ratioNeedsValue {
		for symbol, notional := range symbols {
			ratio := notional / in.PortfolioValue
			if ratio > limits.MaxSymbolRatio {
				violations = append(violations, Violation{
					Rule:   RuleMaxSymbolRatio,
					Symbol: symbol,
					Message: fmt.Sprintf("symbol ratio %.4f exceeds limit %.4f",
						ratio, limits.MaxSymbolRatio),
				})
			}
		}
	}

	if limits.MaxRunNotional > 0 && totalNotional > limits.MaxRunNotional {
		violations = append(violations, Violation{
			Rule: RuleMaxRunNotional,
			Message: fmt.Sprintf("aggregate notional %.2f exceeds limit %.2f",
				totalNotional, limits.MaxRunNotional),
		})
	}

	if limits.MinCashBufferRatio > 0 && in.CashBufferRatio < limits.MinCashBufferRatio {
		violations = append(violations, Violation{
			Rule: RuleMinCashBuffer,
			Message: fmt.Sprintf("cash buffer %.4f below minimum %.4f",
				in.CashBufferRatio, limits.MinCashBufferRatio),
		})
	}

	if limits.MaxSymbols > 0 && len(symbols) > limits.MaxSymbols {
		violations = append(violations, Violation{
			Rule: RuleMaxSymbols,
			Message: fmt.Sprintf("batch touches %d symbols, limit %d",
				len(symbols), limits.MaxSymbols),
		})
	}

	result := Result{Passed: len(violations) == 0, Violations: violations}

	if result.Passed {
		logger.Info().
			Int("intents", len(in.Intents)).
			Float64("total_notional", totalNotional).
			Msg("pre-trade risk check passed")
	} else {
		logger.Warn().
			Int("intents", len(in.Intents)).
			Strs("violations", result.Reasons()).
			Msg("pre-trade risk check blocked batch")
	}

	return result
}
