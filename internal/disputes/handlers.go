package disputes

import (
	"github.com/craftmarket/escrow-api/internal/auth"
	"github.com/craftmarket/escrow-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// OpenDisputeRequest raises a dispute on an order.
type OpenDisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveDisputeRequest carries the admin's verdict. SplitBuyerRatio is only
// read for the split resolution.
type ResolveDisputeRequest struct {
	Resolution      string          `json:"resolution" binding:"required"`
	SplitBuyerRatio decimal.Decimal `json:"split_buyer_ratio"`
}

// GinHandlers contains HTTP handlers for dispute endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// OpenDisputeHandler raises a dispute on an order. Replaying returns the
// already-open dispute.
func (h *GinHandlers) OpenDisputeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserIDFromContext(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		var request OpenDisputeRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		dispute, err := h.service.Open(c.Param("order_id"), userID, request.Reason)
		response.Handle(c, dispute, err)
	}
}

// ListOpenDisputesHandler returns the admin work queue, oldest first.
func (h *GinHandlers) ListOpenDisputesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		disputes, err := h.service.ListOpen()
		response.Handle(c, disputes, err)
	}
}

// ResolveDisputeHandler applies an admin verdict to an open dispute.
func (h *GinHandlers) ResolveDisputeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request ResolveDisputeRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		dispute, err := h.service.Resolve(
			c.Param("dispute_id"),
			auth.UserIDFromContext(c),
			request.Resolution,
			request.SplitBuyerRatio,
		)
		response.Handle(c, dispute, err)
	}
}

// DismissDisputeHandler closes a dispute without moving funds, restoring the
// order to its pre-dispute state.
func (h *GinHandlers) DismissDisputeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		dispute, err := h.service.Dismiss(c.Param("dispute_id"), auth.UserIDFromContext(c))
		response.Handle(c, dispute, err)
	}
}
