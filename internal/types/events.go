package types

import "time"

// Execution event kinds. The set is closed: anything else is rejected at
// the ingestion boundary before it reaches the reconciler.
const (
	EventSubmitted = "submitted"
	EventFilled    = "filled"
	EventRejected  = "rejected"
	EventCanceled  = "canceled"
)

// ExecutionEvent is one item of the at-least-once event feed emitted by
// the execution runtime. Tag carries the client order id of the order the
// event belongs to; the remaining fields are kind-specific.
type ExecutionEvent struct {
	Tag           string    `json:"tag"`
	Kind          string    `json:"kind"`
	BrokerOrderID string    `json:"broker_order_id,omitempty"` // submitted
	ExecID        string    `json:"exec_id,omitempty"`         // filled, dedup key
	Quantity      float64   `json:"quantity,omitempty"`        // filled
	Price         float64   `json:"price,omitempty"`           // filled
	Commission    float64   `json:"commission,omitempty"`      // filled
	Reason        string    `json:"reason,omitempty"`          // rejected, canceled
	At            time.Time `json:"at"`
}
