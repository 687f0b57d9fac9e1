package types

import "time"

// RunDetailResponse is the full read view of a trade run: the run itself
// plus its orders and, per order, the fills received so far.
type RunDetailResponse struct {
	RunID        uint            `json:"run_id"`
	DecisionRef  string          `json:"decision_ref"`
	Mode         string          `json:"mode"`
	Status       string          `json:"status"`
	StatusReason string          `json:"status_reason,omitempty"`
	RiskSnapshot string          `json:"risk_snapshot,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	Orders       []OrderWithFill `json:"orders"`
}

// OrderWithFill pairs an order with its fills for the detail view.
type OrderWithFill struct {
	Order Order  `json:"order"`
	Fills []Fill `json:"fills"`
}

// PositionView aggregates a run's orders per symbol.
type PositionView struct {
	Symbol    string  `json:"symbol"`
	NetQty    float64 `json:"net_qty"` // buys positive, sells negative
	FilledQty float64 `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
	Notional  float64 `json:"notional"`
	Orders    int     `json:"orders"`
}

// Receipt is one row of the chronological audit view, merging order
// submissions and fills into a single timeline.
type Receipt struct {
	Kind          string    `json:"kind"` // submit or fill
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	At            time.Time `json:"at"`
}
