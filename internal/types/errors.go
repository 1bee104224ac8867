package types

import "errors"

// Domain error taxonomy. Guard and authorization failures are returned to the
// caller as-is; ErrConflict marks an optimistic-lock loss the caller may
// retry; ErrEscrowOverdraw indicates a broken invariant and must never be
// retried.
var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidStateTransition = errors.New("order is not in a state that allows this action")
	ErrEscrowOverdraw         = errors.New("escrow overdraw: amount exceeds held funds")
	ErrUnauthorized           = errors.New("actor is not permitted to perform this action")
	ErrDeadlineExceeded       = errors.New("the window for this action has closed")
	ErrAlreadyResolved        = errors.New("already resolved")
	ErrConflict               = errors.New("concurrent update conflict, retry")
	ErrRevisionLimitReached   = errors.New("included revisions exhausted and no revision package credit available")
	ErrValidation             = errors.New("validation failed")
)
