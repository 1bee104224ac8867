package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order statuses
const (
	OrderPending    = "pending"
	OrderAccepted   = "accepted"
	OrderInProgress = "in_progress"
	OrderDelivered  = "delivered"
	OrderDisputed   = "disputed"
	OrderCompleted  = "completed"
	OrderCancelled  = "cancelled"
	OrderRefunded   = "refunded"
)

// Escrow statuses
const (
	EscrowHeld     = "held"
	EscrowPartial  = "partial"
	EscrowReleased = "released"
	EscrowRefunded = "refunded"
)

// Milestone statuses
const (
	MilestonePending   = "pending"
	MilestoneSubmitted = "submitted"
	MilestoneApproved  = "approved"
)

// Dispute statuses and resolutions
const (
	DisputeOpen      = "open"
	DisputeResolved  = "resolved"
	DisputeDismissed = "dismissed"

	ResolutionReleaseToSeller = "release_to_seller"
	ResolutionRefundToBuyer   = "refund_to_buyer"
	ResolutionSplit           = "split"
)

// Ledger entry types. Entries of type credit, release and refund increase
// the account balance; debit and hold decrease it.
const (
	EntryCredit  = "credit"
	EntryDebit   = "debit"
	EntryHold    = "hold"
	EntryRelease = "release"
	EntryRefund  = "refund"
)

// Reference types tagging ledger entries and escrows back to the row that
// caused the money movement.
const (
	RefOrder           = "order"
	RefRevisionPackage = "revision_package"
	RefMilestone       = "milestone"
	RefDispute         = "dispute"
	RefDeposit         = "deposit"
)

// Account holds the cached balance projection for one user. Balance and
// LockedBalance are written exclusively by the wallet package, guarded by
// the Version column; everything else reads them.
type Account struct {
	gorm.Model    `json:"-"`
	AccountID     string          `gorm:"uniqueIndex" json:"account_id"`
	UserID        string          `gorm:"uniqueIndex" json:"user_id"`
	Balance       decimal.Decimal `gorm:"type:decimal(20,2)" json:"balance"`
	LockedBalance decimal.Decimal `gorm:"type:decimal(20,2)" json:"locked_balance"`
	Version       int64           `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// LedgerEntry is an immutable record of one balance change. Replaying all
// entries for an account in creation order reproduces its current balance.
type LedgerEntry struct {
	gorm.Model    `json:"-"`
	EntryID       string          `gorm:"uniqueIndex" json:"entry_id"`
	AccountID     string          `gorm:"index" json:"account_id"`
	EntryType     string          `json:"entry_type"` // credit, debit, hold, release, refund
	Amount        decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(20,2)" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(20,2)" json:"balance_after"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   string          `gorm:"index" json:"reference_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Escrow is a per-order (or per-revision-package) hold of buyer funds.
// The remaining held amount is Amount - ReleasedAmount - RefundedAmount.
type Escrow struct {
	gorm.Model      `json:"-"`
	EscrowID        string          `gorm:"uniqueIndex" json:"escrow_id"`
	ReferenceType   string          `json:"reference_type"`
	ReferenceID     string          `gorm:"index" json:"reference_id"`
	BuyerAccountID  string          `json:"buyer_account_id"`
	SellerAccountID string          `json:"seller_account_id"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	ReleasedAmount  decimal.Decimal `gorm:"type:decimal(20,2)" json:"released_amount"`
	RefundedAmount  decimal.Decimal `gorm:"type:decimal(20,2)" json:"refunded_amount"`
	Status          string          `json:"status"` // held, partial, released, refunded
	Version         int64           `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Remaining returns the amount still held in the escrow.
func (e *Escrow) Remaining() decimal.Decimal {
	return e.Amount.Sub(e.ReleasedAmount).Sub(e.RefundedAmount)
}

// Order is one paid agreement between a buyer and a seller.
// Invariant: Amount = PlatformFee + SellerAmount.
type Order struct {
	gorm.Model       `json:"-"`
	OrderID          string          `gorm:"uniqueIndex" json:"order_id"`
	BuyerID          string          `gorm:"index" json:"buyer_id"`
	SellerID         string          `gorm:"index" json:"seller_id"`
	ServiceID        string          `json:"service_id"`
	Title            string          `json:"title"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	PlatformFee      decimal.Decimal `gorm:"type:decimal(20,2)" json:"platform_fee"`
	SellerAmount     decimal.Decimal `gorm:"type:decimal(20,2)" json:"seller_amount"`
	Status           string          `gorm:"index" json:"status"`
	EscrowStatus     string          `json:"escrow_status"`
	EscrowID         string          `json:"escrow_id"`
	IsMilestoneOrder bool            `json:"is_milestone_order"`
	MaxRevisions     int             `json:"max_revisions"`
	AcceptDeadline   time.Time       `json:"accept_deadline"`
	EscrowReleaseAt  *time.Time      `json:"escrow_release_at,omitempty"`
	ReminderSentAt   *time.Time      `json:"-"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Version          int64           `json:"-"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Terminal reports whether the order has reached a state that permits no
// further transitions.
func (o *Order) Terminal() bool {
	switch o.Status {
	case OrderCompleted, OrderCancelled, OrderRefunded:
		return true
	}
	return false
}

// Milestone is a partial, independently approvable deliverable inside one
// milestone order. Milestones unlock sequentially by SortOrder, and the sum
// of milestone amounts equals the order's SellerAmount.
type Milestone struct {
	gorm.Model    `json:"-"`
	MilestoneID   string          `gorm:"uniqueIndex" json:"milestone_id"`
	OrderID       string          `gorm:"index" json:"order_id"`
	Title         string          `json:"title"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	Status        string          `json:"status"` // pending, submitted, approved
	EscrowStatus  string          `json:"escrow_status"` // held, released
	SortOrder     int             `json:"sort_order"`
	RevisionCount int             `json:"revision_count"`
	SubmittedAt   *time.Time      `json:"submitted_at,omitempty"`
	ApprovedAt    *time.Time      `json:"approved_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Dispute is a contention raised against an order. The order's own status
// stays authoritative; the dispute row is the audit record of who raised it,
// why, and how it was adjudicated.
type Dispute struct {
	gorm.Model          `json:"-"`
	DisputeID           string          `gorm:"uniqueIndex" json:"dispute_id"`
	OrderID             string          `gorm:"index" json:"order_id"`
	OpenedBy            string          `json:"opened_by"`
	Reason              string          `json:"reason"`
	Status              string          `json:"status"` // open, resolved, dismissed
	Resolution          string          `json:"resolution,omitempty"`
	SplitBuyerRatio     decimal.Decimal `gorm:"type:decimal(5,4)" json:"split_buyer_ratio,omitempty"`
	ResolvedBy          string          `json:"resolved_by,omitempty"`
	PreDisputeStatus    string          `json:"-"`
	PreDisputeReleaseAt *time.Time      `json:"-"`
	OpenedAt            time.Time       `json:"opened_at"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// RevisionPackage is an add-on purchase of extra revision rounds against an
// active order, backed by its own small escrow hold.
type RevisionPackage struct {
	gorm.Model   `json:"-"`
	PackageID    string          `gorm:"uniqueIndex" json:"package_id"`
	OrderID      string          `gorm:"index" json:"order_id"`
	BuyerID      string          `json:"buyer_id"`
	Quantity     int             `json:"quantity"`
	PricePerUnit decimal.Decimal `gorm:"type:decimal(20,2)" json:"price_per_unit"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	UsedCount    int             `json:"used_count"`
	EscrowID     string          `json:"escrow_id"`
	Status       string          `json:"status"` // active, settled, refunded
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Revision package statuses
const (
	PackageActive   = "active"
	PackageSettled  = "settled"
	PackageRefunded = "refunded"
)

// IdempotencyRecord maps an idempotency key to the resource it created, so
// replayed requests return the original result instead of acting twice.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
