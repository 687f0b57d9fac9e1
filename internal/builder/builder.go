package builder

import (
	"math"
	"strconv"

	"github.com/quantdesk/trade-api/internal/types"
	"github.com/rs/zerolog/log"
)

// Params describes one sizing pass over a decision snapshot.
type Params struct {
	PortfolioValue  float64
	CashBufferRatio float64            // fraction of portfolio value held back
	LotSize         float64            // final quantities are multiples of this
	Prices          map[string]float64 // symbol → reference price
}

// Result carries the buildable intents plus how many snapshot entries were
// dropped on the way. Dropped entries are reported, not raised: a snapshot
// with a stale symbol should not abort the rest of the batch.
type Result struct {
	Intents []types.OrderIntent
	Dropped int
}

// Build converts ordered (symbol, target weight) pairs into order intents.
// Sizing: deployable value = portfolio × (1 − buffer); target notional =
// |weight| × deployable; quantity = round(notional / price / lot) × lot,
// rounding to the nearest lot rather than truncating. Entries with a
// missing or non-positive price, an unparsable weight, or a zero resulting
// quantity are skipped.
func Build(entries []types.DecisionEntry, p Params) Result {
	logger := log.With().Str("component", "order_builder").Logger()

	res := Result{Intents: make([]types.OrderIntent, 0, len(entries))}
	if p.LotSize <= 0 {
		p.LotSize = 1
	}
	deployable := p.PortfolioValue * (1 - p.CashBufferRatio)

	for _, entry := range entries {
		weight, err := strconv.ParseFloat(entry.Weight, 64)
		if err != nil {
			logger.Warn().
				Str("symbol", entry.Symbol).
				Str("weight", entry.Weight).
				Msg("unparsable weight, entry dropped")
			res.Dropped++
			continue
		}

		price, ok := p.Prices[entry.Symbol]
		if !ok || price <= 0 {
			logger.Warn().
				Str("symbol", entry.Symbol).
				Float64("price", price).
				Msg("missing or non-positive price, entry dropped")
			res.Dropped++
			continue
		}

		side := types.SideBuy
		if weight < 0 {
			side = types.SideSell
		}

		notional := math.Abs(weight) * deployable
		rawQty := notional / price
		qty := math.Round(rawQty/p.LotSize) * p.LotSize
		if qty <= 0 {
			logger.Debug().
				Str("symbol", entry.Symbol).
				Float64("raw_qty", rawQty).
				Msg("quantity rounds to zero, entry dropped")
			res.Dropped++
			continue
		}

		res.Intents = append(res.Intents, types.OrderIntent{
			Symbol:    entry.Symbol,
			Side:      side,
			Quantity:  qty,
			OrderType: types.OrderTypeMarket,
			RefPrice:  price,
		})
	}

	logger.Info().
		Int("entries", len(entries)).
		Int("intents", len(res.Intents)).
		Int("dropped", res.Dropped).
		Msg("decision snapshot sized into order intents")

	return res
}
