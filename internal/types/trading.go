package types

import (
	"time"

	"gorm.io/gorm"
)

// Order sides and types.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Order lifecycle statuses. NEW orders have not been handed to the
// execution runtime yet; SUBMITTED and PARTIAL are the only states that
// accept further fills; FILLED, CANCELED and REJECTED are terminal.
const (
	OrderStatusNew       = "NEW"
	OrderStatusSubmitted = "SUBMITTED"
	OrderStatusPartial   = "PARTIAL"
	OrderStatusFilled    = "FILLED"
	OrderStatusCanceled  = "CANCELED"
	OrderStatusRejected  = "REJECTED"
)

// OrderTerminal reports whether a status is one of the terminal order states.
func OrderTerminal(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

// Order is one intended trade. ClientOrderID is the idempotency key: it is
// globally unique, stable across retried submissions of the same logical
// intent, and doubles as the tag correlating execution events back to the
// order.
type Order struct {
	gorm.Model    `json:"-"`
	ClientOrderID string     `gorm:"uniqueIndex" json:"client_order_id"`
	RunID         *uint      `gorm:"index" json:"run_id,omitempty"` // nil for ad-hoc orders
	Symbol        string     `json:"symbol"`
	Side          string     `json:"side"`       // BUY or SELL
	OrderType     string     `json:"order_type"` // MARKET or LIMIT
	Quantity      float64    `json:"quantity"`
	LimitPrice    *float64   `json:"limit_price,omitempty"`
	RefPrice      float64    `json:"ref_price"` // price used when sizing, kept for risk audit
	Status        string     `json:"status"`
	FilledQty     float64    `json:"filled_qty"`
	AvgFillPrice  float64    `json:"avg_fill_price"`
	BrokerOrderID *string    `json:"broker_order_id,omitempty"`
	RejectReason  *string    `json:"reject_reason,omitempty"`
	CancelWanted  bool       `json:"cancel_wanted"` // operator requested cancellation
	StatusAt      time.Time  `json:"status_at"`     // monotonic per-order status timestamp
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
}

// Fill is one partial or full execution of an Order. ExecID is the
// externally supplied execution id; when present, (order, exec id) is
// unique so at-least-once event delivery cannot double-count a fill.
type Fill struct {
	gorm.Model `json:"-"`
	OrderID    uint      `gorm:"index;uniqueIndex:idx_order_exec" json:"order_id"`
	ExecID     *string   `gorm:"uniqueIndex:idx_order_exec" json:"exec_id,omitempty"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Commission float64   `json:"commission"`
	FilledAt   time.Time `json:"filled_at"`
	RawPayload string    `json:"raw_payload,omitempty"` // source event as received
}

// OrderIntent is the outbound shape handed to the execution runtime.
type OrderIntent struct {
	ClientOrderID string   `json:"client_order_id"`
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"`
	Quantity      float64  `json:"quantity"`
	OrderType     string   `json:"order_type"`
	LimitPrice    *float64 `json:"limit_price,omitempty"`
	RefPrice      float64  `json:"ref_price"`
}

// Notional returns the intent's reference notional value.
func (i OrderIntent) Notional() float64 {
	return i.Quantity * i.RefPrice
}

// DecisionEntry is one (symbol, target weight) pair from an upstream
// decision snapshot. Weight arrives as a string because snapshots are
// produced by an external system; unparsable weights are dropped by the
// order builder, not raised.
type DecisionEntry struct {
	Symbol string `json:"symbol"`
	Weight string `json:"weight"`
}
