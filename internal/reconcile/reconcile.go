// Package reconcile ingests the asynchronous execution-event feed and
// applies it to the order ledger. Delivery is at-least-once and unordered;
// everything here is written so duplicates and stragglers are no-ops.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantdesk/trade-api/internal/orders"
	"github.com/quantdesk/trade-api/internal/types"
	"github.com/rs/zerolog/log"
)

// ErrInvalidEvent marks payloads rejected at the ingestion boundary.
var ErrInvalidEvent = errors.New("invalid execution event")

// Validate checks an event against the closed set of kinds and each
// kind's required fields before it is allowed near the ledger.
func Validate(ev types.ExecutionEvent) error {
	if ev.Tag == "" {
		return fmt.Errorf("%w: missing tag", ErrInvalidEvent)
	}
	switch ev.Kind {
	case types.EventSubmitted:
		if ev.BrokerOrderID == "" {
			return fmt.Errorf("%w: submitted event missing broker_order_id", ErrInvalidEvent)
		}
	case types.EventFilled:
		if ev.Quantity <= 0 {
			return fmt.Errorf("%w: filled event with non-positive quantity", ErrInvalidEvent)
		}
		if ev.Price <= 0 {
			return fmt.Errorf("%w: filled event with non-positive price", ErrInvalidEvent)
		}
	case types.EventRejected, types.EventCanceled:
		// Reason is optional; an empty one is recorded as-is.
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}
	return nil
}

// Reconciler applies validated events to the ledger and notifies the run
// coordinator when an order belonging to a run changed.
type Reconciler struct {
	ledger *orders.Ledger

	// RunTouched is invoked after an event mutated an order that belongs
	// to a run, so run-level status can be recomputed. Optional.
	RunTouched func(runID uint)
}

func NewReconciler(ledger *orders.Ledger) *Reconciler {
	return &Reconciler{ledger: ledger}
}

// Apply processes one event. Unknown tags and already-terminal orders are
// logged and dropped rather than escalated: they do not block forward
// progress and never create new orders. Only validation and storage
// problems surface as errors.
func (r *Reconciler) Apply(ev types.ExecutionEvent) error {
	logger := log.With().
		Str("component", "reconciler").
		Str("tag", ev.Tag).
		Str("kind", ev.Kind).
		Logger()

	if err := Validate(ev); err != nil {
		logger.Warn().Err(err).Msg("event rejected at ingestion boundary")
		return err
	}

	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	var err error
	switch ev.Kind {
	case types.EventSubmitted:
		err = r.ledger.ApplyAck(ev.Tag, ev.BrokerOrderID, ev.At)
	case types.EventFilled:
		raw, _ := json.Marshal(ev)
		execID := ev.ExecID
		var execIDPtr *string
		if execID != "" {
			execIDPtr = &execID
		}
		err = r.ledger.ApplyFill(ev.Tag, execIDPtr, ev.Quantity, ev.Price, ev.Commission, ev.At, string(raw))
	case types.EventRejected:
		err = r.ledger.ApplyReject(ev.Tag, ev.Reason, ev.At)
	case types.EventCanceled:
		err = r.ledger.ApplyCancel(ev.Tag, ev.Reason, ev.At)
	}

	if errors.Is(err, orders.ErrUnknownOrder) {
		logger.Warn().Msg("event with unrecognized tag dropped")
		return nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to apply execution event")
		return err
	}

	if r.RunTouched != nil {
		if order, lookupErr := r.ledger.DB().GetOrderByClientID(ev.Tag); lookupErr == nil && order != nil && order.RunID != nil {
			r.RunTouched(*order.RunID)
		}
	}

	return nil
}

// Pump consumes an in-process event channel until ctx is cancelled.
// Different orders reconcile independently, so per-event failures are
// logged inside Apply and the pump keeps going.
func (r *Reconciler) Pump(ctx context.Context, events <-chan types.ExecutionEvent) {
	logger := log.With().Str("component", "reconciler").Logger()
	logger.Info().Msg("starting event pump")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down event pump")
			return
		case ev, ok := <-events:
			if !ok {
				logger.Info().Msg("event channel closed")
				return
			}
			_ = r.Apply(ev)
		}
	}
}
