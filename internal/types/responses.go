package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderDetail is the order as returned by the API, with its milestones when
// it is a milestone order.
type OrderDetail struct {
	Order      *Order      `json:"order"`
	Milestones []Milestone `json:"milestones,omitempty"`
}

// BalanceResponse is the wallet view of one account.
type BalanceResponse struct {
	AccountID     string          `json:"account_id"`
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	LockedBalance decimal.Decimal `json:"locked_balance"`
	Timestamp     time.Time       `json:"timestamp"`
}

// AuditResponse reports a ledger replay against the cached balance.
type AuditResponse struct {
	AccountID       string          `json:"account_id"`
	Balance         decimal.Decimal `json:"balance"`
	ReplayedBalance decimal.Decimal `json:"replayed_balance"`
	Consistent      bool            `json:"consistent"`
}
