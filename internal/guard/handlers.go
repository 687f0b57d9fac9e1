package guard

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/quantdesk/trade-api/pkg/response"
	"gorm.io/gorm"
)

// GinHandlers contains HTTP handlers for the intraday guard endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type scopeRequest struct {
	Project string `json:"project"`
	Mode    string `json:"mode" binding:"required"`
}

// EvaluateHandler triggers one guard evaluation for a scope. The same
// evaluation also runs on the background processor's ticker.
func (h *GinHandlers) EvaluateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req scopeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		state, err := h.service.Evaluate(c.Request.Context(), req.Project, req.Mode)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, state)
	}
}

// ResetHandler is the explicit operator action re-arming a halted guard.
func (h *GinHandlers) ResetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req scopeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		state, err := h.service.Reset(req.Project, req.Mode)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				response.NotFound(c, "no guard state for scope")
				return
			}
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, state)
	}
}
