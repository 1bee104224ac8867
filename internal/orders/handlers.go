package orders

import (
	"github.com/craftmarket/escrow-api/internal/auth"
	"github.com/craftmarket/escrow-api/internal/types"
	"github.com/craftmarket/escrow-api/pkg/response"
	"github.com/gin-gonic/gin"
)

// GinHandlers contains HTTP handlers for order and milestone endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler places an order for a listed service. An Idempotency-Key
// header makes retries safe.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserIDFromContext(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		var request CreateOrderRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		detail, err := h.service.CreateOrder(userID, request, c.GetHeader("Idempotency-Key"))
		response.Handle(c, detail, err)
	}
}

// GetOrderHandler returns an order with its milestones. Only the order's
// parties and admins may see it.
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserIDFromContext(c)
		orderID := c.Param("order_id")

		detail, err := h.service.GetOrderDetail(orderID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if detail.Order.BuyerID != userID && detail.Order.SellerID != userID &&
			auth.RoleFromContext(c) != auth.RoleAdmin {
			response.Handle(c, nil, types.ErrUnauthorized)
			return
		}
		response.Handle(c, detail, nil)
	}
}

func (h *GinHandlers) AcceptOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.AcceptOrder(c.Param("order_id"), auth.UserIDFromContext(c))
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) DeliverOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.DeliverOrder(c.Param("order_id"), auth.UserIDFromContext(c))
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) ConfirmOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.ConfirmOrder(c.Param("order_id"), auth.UserIDFromContext(c))
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request CancelOrderRequest
		_ = c.ShouldBindJSON(&request)

		order, err := h.service.CancelOrder(c.Param("order_id"), auth.UserIDFromContext(c))
		response.Handle(c, order, err)
	}
}

// ListMilestonesHandler returns the order's milestones in unlock order.
func (h *GinHandlers) ListMilestonesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserIDFromContext(c)

		detail, err := h.service.GetOrderDetail(c.Param("order_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if detail.Order.BuyerID != userID && detail.Order.SellerID != userID &&
			auth.RoleFromContext(c) != auth.RoleAdmin {
			response.Handle(c, nil, types.ErrUnauthorized)
			return
		}
		response.Handle(c, detail.Milestones, nil)
	}
}

func (h *GinHandlers) SubmitMilestoneHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		milestone, err := h.service.SubmitMilestone(c.Param("milestone_id"), auth.UserIDFromContext(c))
		response.Handle(c, milestone, err)
	}
}

func (h *GinHandlers) ApproveMilestoneHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		milestone, err := h.service.ApproveMilestone(c.Param("milestone_id"), auth.UserIDFromContext(c))
		response.Handle(c, milestone, err)
	}
}

func (h *GinHandlers) RejectMilestoneHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		milestone, err := h.service.RejectMilestone(c.Param("milestone_id"), auth.UserIDFromContext(c))
		response.Handle(c, milestone, err)
	}
}

// PurchaseRevisionPackageHandler buys extra revision rounds for an order.
func (h *GinHandlers) PurchaseRevisionPackageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request PurchaseRevisionPackageRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		pkg, err := h.service.PurchaseRevisionPackage(c.Param("order_id"), auth.UserIDFromContext(c), request)
		response.Handle(c, pkg, err)
	}
}
