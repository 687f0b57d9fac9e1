package reconcile

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/quantdesk/trade-api/internal/types"
	"github.com/quantdesk/trade-api/pkg/response"
)

// GinHandlers contains the HTTP ingestion endpoint for execution events,
// for runtimes that push over HTTP instead of exposing a stream.
type GinHandlers struct {
	reconciler *Reconciler
}

func NewGinHandlers(reconciler *Reconciler) *GinHandlers {
	return &GinHandlers{reconciler: reconciler}
}

// IngestEventHandler accepts one execution event. Delivery is
// at-least-once: re-posting an event is always safe.
func (h *GinHandlers) IngestEventHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev types.ExecutionEvent
		if err := c.ShouldBindJSON(&ev); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.reconciler.Apply(ev); err != nil {
			if errors.Is(err, ErrInvalidEvent) {
				response.BadRequest(c, err.Error())
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, gin.H{"tag": ev.Tag, "kind": ev.Kind})
	}
}
