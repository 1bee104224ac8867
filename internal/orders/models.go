package orders

import (
	"github.com/shopspring/decimal"
)

// CreateOrderRequest is the buyer's request to purchase a listed service.
// Milestones are optional; when present their amounts must add up to the
// seller amount (order amount minus platform fee).
type CreateOrderRequest struct {
	ServiceID    string           `json:"service_id" binding:"required"`
	MaxRevisions int              `json:"max_revisions"`
	Milestones   []MilestoneInput `json:"milestones,omitempty"`
}

// MilestoneInput describes one milestone at order creation. Either Amount or
// Percentage is given; percentages are converted against the seller amount,
// with the last milestone absorbing any rounding remainder.
type MilestoneInput struct {
	Title      string          `json:"title" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
}

// CancelOrderRequest carries the optional reason for a mutual cancellation.
type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

// PurchaseRevisionPackageRequest buys extra revision rounds for an active
// order.
type PurchaseRevisionPackageRequest struct {
	Quantity     int             `json:"quantity" binding:"required"`
	PricePerUnit decimal.Decimal `json:"price_per_unit" binding:"required"`
}
