package runs

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/quantdesk/trade-api/internal/dispatch"
	"github.com/quantdesk/trade-api/internal/guard"
	"github.com/quantdesk/trade-api/internal/orders"
	"github.com/quantdesk/trade-api/internal/types"
	"github.com/quantdesk/trade-api/pkg/response"
)

// GinHandlers contains HTTP handlers for trade runs and order endpoints.
type GinHandlers struct {
	coordinator *Coordinator
	views       *Views
	ledger      *orders.Ledger
	dispatcher  *dispatch.Dispatcher
}

func NewGinHandlers(coordinator *Coordinator, views *Views, ledger *orders.Ledger, dispatcher *dispatch.Dispatcher) *GinHandlers {
	return &GinHandlers{
		coordinator: coordinator,
		views:       views,
		ledger:      ledger,
		dispatcher:  dispatcher,
	}
}

func runIDParam(c *gin.Context) (uint, bool) {
	raw := c.Param("run_id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		response.BadRequest(c, "run_id must be numeric")
		return 0, false
	}
	return uint(id), true
}

// CreateRunHandler handles POST requests to create-or-fetch a trade run.
// Identical (decision, mode, day) requests return the same run.
func (h *GinHandlers) CreateRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateRunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		run, err := h.coordinator.CreateRun(req)
		if err != nil {
			h.writeRunError(c, err)
			return
		}
		response.Success(c, run)
	}
}

// ExecuteRunHandler handles POST requests to execute a run. Live runs must
// re-supply the confirmation phrase even if they confirmed at creation.
func (h *GinHandlers) ExecuteRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runID, ok := runIDParam(c)
		if !ok {
			return
		}

		var req ExecuteRunRequest
		if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
			response.BadRequest(c, err.Error())
			return
		}

		run, err := h.coordinator.ExecuteRun(c.Request.Context(), runID, req.ConfirmPhrase)
		if err != nil {
			// A guard halt that terminated the run still returns the run
			// so the caller sees the terminal state with its reason.
			if errors.Is(err, guard.ErrHalted) && run != nil {
				response.Halted(c, err.Error(), run)
				return
			}
			h.writeRunError(c, err)
			return
		}
		response.Success(c, run)
	}
}

// GetRunHandler returns the run detail view: run, orders and fills.
func (h *GinHandlers) GetRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runID, ok := runIDParam(c)
		if !ok {
			return
		}
		detail, err := h.views.RunDetail(runID)
		if err != nil {
			h.writeRunError(c, err)
			return
		}
		response.Success(c, detail)
	}
}

// PositionsHandler returns the per-symbol aggregation of a run.
func (h *GinHandlers) PositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runID, ok := runIDParam(c)
		if !ok {
			return
		}
		positions, err := h.views.Positions(runID)
		if err != nil {
			h.writeRunError(c, err)
			return
		}
		response.Success(c, positions)
	}
}

// ReceiptsHandler returns the chronological submit/fill audit timeline.
func (h *GinHandlers) ReceiptsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runID, ok := runIDParam(c)
		if !ok {
			return
		}
		receipts, err := h.views.Receipts(runID)
		if err != nil {
			h.writeRunError(c, err)
			return
		}
		response.Success(c, receipts)
	}
}

// CreateAdHocOrderHandler places a single order outside any run.
func (h *GinHandlers) CreateAdHocOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AdHocOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.Side != types.SideBuy && req.Side != types.SideSell {
			response.BadRequest(c, "side must be BUY or SELL")
			return
		}
		if req.OrderType == "" {
			req.OrderType = types.OrderTypeMarket
		}

		order := types.Order{
			Symbol:     req.Symbol,
			Side:       req.Side,
			OrderType:  req.OrderType,
			Quantity:   req.Quantity,
			LimitPrice: req.LimitPrice,
			RefPrice:   req.RefPrice,
		}
		if err := h.ledger.CreateAdHoc(&order); err != nil {
			response.InternalError(c, err.Error())
			return
		}

		if err := h.dispatcher.Dispatch(c.Request.Context(), order); err != nil {
			// The order row now carries the rejection; report it rather
			// than an opaque failure.
			rejected, _ := h.ledger.DB().GetOrderByClientID(order.ClientOrderID)
			if rejected != nil {
				response.Success(c, rejected)
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		placed, err := h.ledger.DB().GetOrderByClientID(order.ClientOrderID)
		if err != nil || placed == nil {
			response.InternalError(c, "order placed but could not be re-read")
			return
		}
		response.Success(c, placed)
	}
}

// CancelOrderHandler routes a cancellation through the dispatcher; the
// order only turns CANCELED when the runtime's event confirms it.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientOrderID := c.Param("client_order_id")
		if clientOrderID == "" {
			response.BadRequest(c, "client_order_id is required")
			return
		}

		if err := h.dispatcher.RequestCancel(c.Request.Context(), clientOrderID); err != nil {
			if errors.Is(err, orders.ErrUnknownOrder) {
				response.NotFound(c, "order not found")
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, gin.H{
			"client_order_id":     clientOrderID,
			"cancel_requested_at": time.Now().UTC(),
		})
	}
}

func (h *GinHandlers) writeRunError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRunNotFound):
		response.NotFound(c, "trade run not found")
	case errors.Is(err, ErrConfirmationRequired):
		response.Forbidden(c, "live mode requires the confirmation phrase")
	case errors.Is(err, ErrExecutionBusy):
		response.Conflict(c, "another execution is in progress for this scope")
	case errors.Is(err, guard.ErrHalted):
		response.Halted(c, err.Error(), nil)
	default:
		response.InternalError(c, err.Error())
	}
}
