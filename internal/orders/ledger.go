package orders

import (
	"errors"
	"sync"
	"time"

	"github.com/quantdesk/trade-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	// ErrUnknownOrder signals an event tag that matches no order row.
	ErrUnknownOrder = errors.New("unknown order")
)

// Ledger is the persistent order/fill state machine. Every mutation of a
// single order is serialized through a per-order lock so the running
// average fill price is computed against a consistent filled quantity;
// mutations of different orders proceed in parallel.
type Ledger struct {
	db *Database

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLedger(gormDB *gorm.DB) *Ledger {
	return &Ledger{
		db:    NewDatabase(gormDB),
		locks: make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) DB() *Database {
	return l.db
}

// lockOrder returns the mutex dedicated to one client order id.
func (l *Ledger) lockOrder(clientOrderID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[clientOrderID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[clientOrderID] = m
	}
	return m
}

// CreateBatch persists a run's order intents as NEW orders. The client
// order ids are deterministic per (run, seq), so re-submitting the same
// batch finds the existing rows and creates nothing; the unique index on
// client_order_id backs this up against concurrent creators.
func (l *Ledger) CreateBatch(runID uint, intents []types.OrderIntent) ([]types.Order, error) {
	out := make([]types.Order, 0, len(intents))
	for _, intent := range intents {
		existing, err := l.db.GetOrderByClientID(intent.ClientOrderID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			out = append(out, *existing)
			continue
		}

		rid := runID
		order := types.Order{
			ClientOrderID: intent.ClientOrderID,
			RunID:         &rid,
			Symbol:        intent.Symbol,
			Side:          intent.Side,
			OrderType:     intent.OrderType,
			Quantity:      intent.Quantity,
			LimitPrice:    intent.LimitPrice,
			RefPrice:      intent.RefPrice,
			Status:        types.OrderStatusNew,
			StatusAt:      time.Now().UTC(),
		}
		if err := l.db.CreateOrder(&order); err != nil {
			// A concurrent creator won the unique index race; fetch theirs.
			dup, lookupErr := l.db.GetOrderByClientID(intent.ClientOrderID)
			if lookupErr == nil && dup != nil {
				out = append(out, *dup)
				continue
			}
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}

// CreateAdHoc persists a single order outside any run.
func (l *Ledger) CreateAdHoc(order *types.Order) error {
	if order.ClientOrderID == "" {
		order.ClientOrderID = AdHocOrderKey()
	}
	order.RunID = nil
	order.Status = types.OrderStatusNew
	order.StatusAt = time.Now().UTC()
	return l.db.CreateOrder(order)
}

// ApplyAck transitions NEW→SUBMITTED on acknowledgment from the execution
// runtime, attaching the broker-assigned id. Re-delivered acks are no-ops.
func (l *Ledger) ApplyAck(clientOrderID, brokerOrderID string, at time.Time) error {
	mu := l.lockOrder(clientOrderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := l.db.GetOrderByClientID(clientOrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrUnknownOrder
	}

	if order.Status != types.OrderStatusNew {
		// Already acknowledged, or past it. Backfill the broker id if the
		// first ack lost it, otherwise nothing to do.
		if order.BrokerOrderID == nil && brokerOrderID != "" && !types.OrderTerminal(order.Status) {
			order.BrokerOrderID = &brokerOrderID
			return l.db.SaveOrder(order)
		}
		return nil
	}

	now := at.UTC()
	order.Status = types.OrderStatusSubmitted
	order.BrokerOrderID = &brokerOrderID
	order.SubmittedAt = &now
	order.StatusAt = l.advance(order.StatusAt, now)
	return l.db.SaveOrder(order)
}

// ApplyFill records one execution against an order and recomputes the
// cumulative filled quantity and volume-weighted average price. A fill
// carrying an exec id the order has already seen is a no-op, which makes
// the ledger safe against at-least-once event delivery.
func (l *Ledger) ApplyFill(clientOrderID string, execID *string, qty, price, commission float64, at time.Time, raw string) error {
	mu := l.lockOrder(clientOrderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := l.db.GetOrderByClientID(clientOrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrUnknownOrder
	}

	if types.OrderTerminal(order.Status) {
		log.Warn().
			Str("client_order_id", clientOrderID).
			Str("status", order.Status).
			Msg("fill event for terminal order dropped")
		return nil
	}

	if order.Status != types.OrderStatusSubmitted && order.Status != types.OrderStatusPartial {
		log.Warn().
			Str("client_order_id", clientOrderID).
			Str("status", order.Status).
			Msg("fill event for unacknowledged order dropped")
		return nil
	}

	if execID != nil {
		seen, err := l.db.GetFillByExecID(order.ID, *execID)
		if err != nil {
			return err
		}
		if seen != nil {
			return nil
		}
	}

	fill := types.Fill{
		OrderID:    order.ID,
		ExecID:     execID,
		Quantity:   qty,
		Price:      price,
		Commission: commission,
		FilledAt:   at.UTC(),
		RawPayload: raw,
	}

	oldFilled := order.FilledQty
	newFilled := oldFilled + qty
	if newFilled > order.Quantity {
		newFilled = order.Quantity
	}
	if newFilled > 0 {
		order.AvgFillPrice = (order.AvgFillPrice*oldFilled + qty*price) / (oldFilled + qty)
	}
	order.FilledQty = newFilled

	if order.FilledQty >= order.Quantity {
		order.Status = types.OrderStatusFilled
	} else {
		order.Status = types.OrderStatusPartial
	}
	order.StatusAt = l.advance(order.StatusAt, at.UTC())

	return l.db.SaveFillTx(order, &fill)
}

// ApplyReject moves any non-terminal order to REJECTED with a reason.
func (l *Ledger) ApplyReject(clientOrderID, reason string, at time.Time) error {
	return l.applyTerminal(clientOrderID, types.OrderStatusRejected, reason, at)
}

// ApplyCancel moves any non-terminal order to CANCELED with a reason.
func (l *Ledger) ApplyCancel(clientOrderID, reason string, at time.Time) error {
	return l.applyTerminal(clientOrderID, types.OrderStatusCanceled, reason, at)
}

func (l *Ledger) applyTerminal(clientOrderID, status, reason string, at time.Time) error {
	mu := l.lockOrder(clientOrderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := l.db.GetOrderByClientID(clientOrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrUnknownOrder
	}

	if types.OrderTerminal(order.Status) {
		log.Debug().
			Str("client_order_id", clientOrderID).
			Str("status", order.Status).
			Str("event_status", status).
			Msg("terminal order already settled, event dropped")
		return nil
	}

	order.Status = status
	order.RejectReason = &reason
	order.StatusAt = l.advance(order.StatusAt, at.UTC())
	return l.db.SaveOrder(order)
}

// MarkCancelWanted flags an order whose cancellation the operator has
// requested, so a later CANCELED event counts as expected when the run
// status is aggregated.
func (l *Ledger) MarkCancelWanted(clientOrderID string) error {
	mu := l.lockOrder(clientOrderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := l.db.GetOrderByClientID(clientOrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrUnknownOrder
	}
	if types.OrderTerminal(order.Status) {
		return nil
	}
	order.CancelWanted = true
	return l.db.SaveOrder(order)
}

// advance keeps the per-order status timestamp monotonic even when events
// arrive out of order.
func (l *Ledger) advance(current, event time.Time) time.Time {
	if event.After(current) {
		return event
	}
	return current
}
