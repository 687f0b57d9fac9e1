// Package dispatch hands order intents to the execution runtime and
// records the outcome in the ledger. A failed dispatch marks the order
// REJECTED and is never retried here: a blind in-process retry could
// double-expose capital if the first attempt is still in flight, so
// retrying is an operator decision made by creating a new run.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/quantdesk/trade-api/internal/orders"
	"github.com/quantdesk/trade-api/internal/types"
	"github.com/rs/zerolog/log"
)

// Reason prefixes distinguishing a dispatch-level rejection from a
// broker-originated one in the audit trail.
const (
	ReasonDispatchFailed = "dispatch_failed"
	ReasonCancelFailed   = "cancel_request_failed"
)

// ExecutionRuntime is the opaque external system that places orders and
// reports execution events back. Submissions are acknowledged with a
// broker-assigned order id.
type ExecutionRuntime interface {
	SubmitOrder(ctx context.Context, intent types.OrderIntent) (brokerOrderID string, err error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	AccountEquity(ctx context.Context) (float64, error)
}

type Dispatcher struct {
	runtime ExecutionRuntime
	ledger  *orders.Ledger
	timeout time.Duration
}

func NewDispatcher(rt ExecutionRuntime, ledger *orders.Ledger, timeout time.Duration) *Dispatcher {
	return &Dispatcher{runtime: rt, ledger: ledger, timeout: timeout}
}

// Dispatch hands one NEW order to the runtime. On acknowledgment the order
// becomes SUBMITTED with the broker id attached; on any failure it becomes
// REJECTED with a distinguishable reason. Orders past NEW are skipped, so
// re-dispatching a half-dispatched run only touches what never went out.
func (d *Dispatcher) Dispatch(ctx context.Context, order types.Order) error {
	logger := log.With().
		Str("component", "dispatcher").
		Str("client_order_id", order.ClientOrderID).
		Str("symbol", order.Symbol).
		Logger()

	if order.Status != types.OrderStatusNew {
		logger.Debug().Str("status", order.Status).Msg("order already dispatched, skipping")
		return nil
	}

	intent := types.OrderIntent{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      order.Quantity,
		OrderType:     order.OrderType,
		LimitPrice:    order.LimitPrice,
		RefPrice:      order.RefPrice,
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	brokerID, err := d.runtime.SubmitOrder(callCtx, intent)
	cancel()
	if err != nil {
		reason := fmt.Sprintf("%s: %v", ReasonDispatchFailed, err)
		logger.Warn().Err(err).Msg("dispatch failed, rejecting order")
		if applyErr := d.ledger.ApplyReject(order.ClientOrderID, reason, time.Now()); applyErr != nil {
			return applyErr
		}
		return err
	}

	logger.Info().Str("broker_order_id", brokerID).Msg("order submitted")
	return d.ledger.ApplyAck(order.ClientOrderID, brokerID, time.Now())
}

// RequestCancel routes a cancellation through the runtime like any other
// intent. The order is only marked CANCELED when the runtime's canceled
// event comes back through the reconciler; here we just record that the
// cancellation was asked for.
func (d *Dispatcher) RequestCancel(ctx context.Context, clientOrderID string) error {
	logger := log.With().
		Str("component", "dispatcher").
		Str("client_order_id", clientOrderID).
		Logger()

	order, err := d.ledger.DB().GetOrderByClientID(clientOrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return orders.ErrUnknownOrder
	}
	if types.OrderTerminal(order.Status) {
		logger.Debug().Str("status", order.Status).Msg("cancel for terminal order ignored")
		return nil
	}

	if err := d.ledger.MarkCancelWanted(clientOrderID); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.runtime.CancelOrder(callCtx, clientOrderID); err != nil {
		logger.Warn().Err(err).Msg("cancel request failed")
		return fmt.Errorf("%s: %w", ReasonCancelFailed, err)
	}

	logger.Info().Msg("cancel requested")
	return nil
}
