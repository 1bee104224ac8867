package escrow

import (
	"fmt"
	"time"

	"github.com/craftmarket/escrow-api/internal/types"
	"github.com/craftmarket/escrow-api/internal/wallet"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service manages per-order escrow holds. Release and Refund are the only
// paths out of a hold, each idempotent per reference key: a replay changes
// nothing and returns the escrow as the first call left it.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB, walletDB *wallet.Database) *Service {
	return &Service{
		db: NewDatabase(gormDB, walletDB),
	}
}

// Payout is one credit leg of an escrow release.
type Payout struct {
	AccountID string
	Amount    decimal.Decimal
}

// HoldTx debits the buyer, earmarks the amount on the seller's locked
// balance, and creates the escrow row inside the caller's transaction so the
// hold commits together with the order that caused it.
func (s *Service) HoldTx(tx *gorm.DB, refType, refID, buyerUserID, sellerUserID string, amount decimal.Decimal) (*types.Escrow, error) {
	buyer, err := s.db.wallet.GetOrCreateAccountTx(tx, buyerUserID)
	if err != nil {
		return nil, err
	}
	seller, err := s.db.wallet.GetOrCreateAccountTx(tx, sellerUserID)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.wallet.ApplyTx(tx, buyer.AccountID, types.EntryHold, amount, refType, refID); err != nil {
		return nil, err
	}
	if err := s.db.wallet.AdjustLockedTx(tx, seller.AccountID, amount); err != nil {
		return nil, err
	}

	escrow := &types.Escrow{
		EscrowID:        "ESC_" + uuid.New().String(),
		ReferenceType:   refType,
		ReferenceID:     refID,
		BuyerAccountID:  buyer.AccountID,
		SellerAccountID: seller.AccountID,
		Amount:          amount,
		ReleasedAmount:  decimal.Zero,
		RefundedAmount:  decimal.Zero,
		Status:          types.EscrowHeld,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := tx.Create(escrow).Error; err != nil {
		return nil, err
	}
	return escrow, nil
}

// Release pays escrowed funds out to the given accounts. The whole operation
// is one transaction keyed by refKey: replaying the same key is a no-op, and
// paying out more than the remaining hold fails with ErrEscrowOverdraw
// without touching the ledger.
func (s *Service) Release(escrowID, refKey string, payouts []Payout) (*types.Escrow, error) {
	var escrow *types.Escrow
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		escrow, err = s.ReleaseTx(tx, escrowID, refKey, payouts)
		return err
	})
	return escrow, err
}

// Refund returns escrowed funds to the buyer under the same idempotency and
// overdraw rules as Release. A zero amount refunds everything still held.
func (s *Service) Refund(escrowID, refKey string, amount decimal.Decimal) (*types.Escrow, error) {
	var escrow *types.Escrow
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		escrow, err = s.RefundTx(tx, escrowID, refKey, amount)
		return err
	})
	return escrow, err
}

// ReleaseTx is Release running inside a caller-provided transaction, so an
// order transition and its escrow movement commit or fail together.
func (s *Service) ReleaseTx(tx *gorm.DB, escrowID, refKey string, payouts []Payout) (*types.Escrow, error) {
	return s.settleTx(tx, escrowID, refKey, types.EntryRelease, func(*types.Escrow) []Payout {
		return payouts
	})
}

// RefundTx is Refund running inside a caller-provided transaction.
func (s *Service) RefundTx(tx *gorm.DB, escrowID, refKey string, amount decimal.Decimal) (*types.Escrow, error) {
	return s.settleTx(tx, escrowID, refKey, types.EntryRefund, func(e *types.Escrow) []Payout {
		if amount.IsZero() {
			amount = e.Remaining()
		}
		return []Payout{{AccountID: e.BuyerAccountID, Amount: amount}}
	})
}

// settleTx is the single implementation behind Release and Refund. The
// payout legs are resolved once the escrow row is loaded inside the
// transaction.
func (s *Service) settleTx(tx *gorm.DB, escrowID, refKey, entryType string, payoutsFor func(*types.Escrow) []Payout) (*types.Escrow, error) {
	logger := log.With().
		Str("escrow_id", escrowID).
		Str("ref_key", refKey).
		Str("entry_type", entryType).
		Str("service", "escrow").
		Logger()

	record, err := s.db.getIdempotencyRecordTx(tx, refKey)
	if err != nil {
		return nil, err
	}
	if record != nil {
		logger.Info().Msg("replayed escrow settlement, returning prior result")
		return s.db.getEscrowTx(tx, record.ResourceID)
	}

	escrow, err := s.db.getEscrowTx(tx, escrowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load escrow: %w", err)
	}

	payouts := payoutsFor(escrow)

	total := decimal.Zero
	for _, p := range payouts {
		total = total.Add(p.Amount)
	}
	if total.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("settlement total must be positive, got %s", total)
	}
	if total.GreaterThan(escrow.Remaining()) {
		logger.Error().
			Str("total", total.String()).
			Str("remaining", escrow.Remaining().String()).
			Msg("escrow overdraw attempted")
		return nil, types.ErrEscrowOverdraw
	}

	for _, p := range payouts {
		if p.Amount.IsZero() {
			continue
		}
		if _, err := s.db.wallet.ApplyTx(tx, p.AccountID, entryType, p.Amount, escrow.ReferenceType, escrow.ReferenceID); err != nil {
			return nil, err
		}
	}
	if err := s.db.wallet.AdjustLockedTx(tx, escrow.SellerAccountID, total.Neg()); err != nil {
		return nil, err
	}

	released := escrow.ReleasedAmount
	refunded := escrow.RefundedAmount
	if entryType == types.EntryRelease {
		released = released.Add(total)
	} else {
		refunded = refunded.Add(total)
	}

	status := types.EscrowPartial
	if escrow.Amount.Sub(released).Sub(refunded).IsZero() {
		if released.IsZero() {
			status = types.EscrowRefunded
		} else {
			status = types.EscrowReleased
		}
	}

	if err := s.db.updateEscrowTx(tx, escrow, released, refunded, status); err != nil {
		return nil, err
	}
	if err := s.db.createIdempotencyRecordTx(tx, refKey, escrow.EscrowID, "escrow_settlement"); err != nil {
		return nil, err
	}

	escrow.ReleasedAmount = released
	escrow.RefundedAmount = refunded
	escrow.Status = status
	escrow.Version++

	logger.Info().
		Str("status", escrow.Status).
		Str("released", escrow.ReleasedAmount.String()).
		Str("refunded", escrow.RefundedAmount.String()).
		Msg("escrow settlement applied")
	return escrow, nil
}

// GetEscrow returns one escrow by ID.
func (s *Service) GetEscrow(escrowID string) (*types.Escrow, error) {
	return s.db.GetEscrow(escrowID)
}

// GetByReference returns the escrow backing a given order or revision
// package.
func (s *Service) GetByReference(refType, refID string) (*types.Escrow, error) {
	return s.db.GetByReference(refType, refID)
}
