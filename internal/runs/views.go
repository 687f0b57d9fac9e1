package runs

import (
	"sort"

	"github.com/quantdesk/trade-api/internal/orders"
	"github.com/quantdesk/trade-api/internal/types"
)

// Views builds the ledger's read-side projections: run detail, per-symbol
// aggregation, and the chronological receipts timeline.
type Views struct {
	runs   *Database
	ledger *orders.Database
}

func NewViews(runs *Database, ledger *orders.Database) *Views {
	return &Views{runs: runs, ledger: ledger}
}

// RunDetail returns the run with its orders and each order's fills.
func (v *Views) RunDetail(runID uint) (*types.RunDetailResponse, error) {
	run, err := v.runs.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	orderRows, err := v.ledger.GetOrdersByRun(runID)
	if err != nil {
		return nil, err
	}

	detail := &types.RunDetailResponse{
		RunID:        run.ID,
		DecisionRef:  run.DecisionRef,
		Mode:         run.Mode,
		Status:       run.Status,
		StatusReason: run.StatusReason,
		RiskSnapshot: run.RiskSnapshot,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		EndedAt:      run.EndedAt,
		Orders:       make([]types.OrderWithFill, 0, len(orderRows)),
	}

	for _, order := range orderRows {
		fills, err := v.ledger.GetFillsByOrder(order.ID)
		if err != nil {
			return nil, err
		}
		detail.Orders = append(detail.Orders, types.OrderWithFill{Order: order, Fills: fills})
	}

	return detail, nil
}

// Positions aggregates a run's orders per symbol. Net quantity counts
// buys positive and sells negative; the average price is fill-weighted.
func (v *Views) Positions(runID uint) ([]types.PositionView, error) {
	run, err := v.runs.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	orderRows, err := v.ledger.GetOrdersByRun(runID)
	if err != nil {
		return nil, err
	}

	agg := make(map[string]*types.PositionView)
	for _, order := range orderRows {
		pos, ok := agg[order.Symbol]
		if !ok {
			pos = &types.PositionView{Symbol: order.Symbol}
			agg[order.Symbol] = pos
		}
		pos.Orders++
		signed := order.FilledQty
		if order.Side == types.SideSell {
			signed = -signed
		}
		pos.NetQty += signed
		if order.FilledQty > 0 {
			pos.AvgPrice = (pos.AvgPrice*pos.FilledQty + order.AvgFillPrice*order.FilledQty) /
				(pos.FilledQty + order.FilledQty)
		}
		pos.FilledQty += order.FilledQty
		pos.Notional += order.FilledQty * order.AvgFillPrice
	}

	out := make([]types.PositionView, 0, len(agg))
	for _, pos := range agg {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Receipts merges order submissions and fills into one timeline, oldest
// first, for the audit display.
func (v *Views) Receipts(runID uint) ([]types.Receipt, error) {
	run, err := v.runs.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	orderRows, err := v.ledger.GetOrdersByRun(runID)
	if err != nil {
		return nil, err
	}

	var receipts []types.Receipt
	for _, order := range orderRows {
		if order.SubmittedAt != nil {
			receipts = append(receipts, types.Receipt{
				Kind:          "submit",
				ClientOrderID: order.ClientOrderID,
				Symbol:        order.Symbol,
				Side:          order.Side,
				Quantity:      order.Quantity,
				Price:         order.RefPrice,
				At:            *order.SubmittedAt,
			})
		}
		fills, err := v.ledger.GetFillsByOrder(order.ID)
		if err != nil {
			return nil, err
		}
		for _, fill := range fills {
			receipts = append(receipts, types.Receipt{
				Kind:          "fill",
				ClientOrderID: order.ClientOrderID,
				Symbol:        order.Symbol,
				Side:          order.Side,
				Quantity:      fill.Quantity,
				Price:         fill.Price,
				At:            fill.FilledAt,
			})
		}
	}

	sort.SliceStable(receipts, func(i, j int) bool { return receipts[i].At.Before(receipts[j].At) })
	return receipts, nil
}
