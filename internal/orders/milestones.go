package orders

import (
	"fmt"
	"time"

	"github.com/craftmarket/escrow-api/internal/escrow"
	"github.com/craftmarket/escrow-api/internal/notify"
	"github.com/craftmarket/escrow-api/internal/types"
	"github.com/craftmarket/escrow-api/internal/wallet"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SubmitMilestone is the seller delivering one milestone. Milestones unlock
// in order: a submission is rejected while any earlier milestone is still
// unapproved. Resubmitting past the order's included revision rounds consumes
// a purchased revision credit.
func (s *Service) SubmitMilestone(milestoneID, actorID string) (*types.Milestone, error) {
	milestone, err := s.db.GetMilestone(milestoneID)
	if err != nil {
		return nil, err
	}
	order, err := s.db.GetOrder(milestone.OrderID)
	if err != nil {
		return nil, err
	}
	if order.SellerID != actorID {
		return nil, types.ErrUnauthorized
	}
	if order.Status != types.OrderAccepted && order.Status != types.OrderInProgress {
		return nil, types.ErrInvalidStateTransition
	}
	if milestone.Status != types.MilestonePending {
		return nil, types.ErrInvalidStateTransition
	}

	now := time.Now()
	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		blocked, err := s.db.countUnapprovedBeforeTx(tx, order.OrderID, milestone.SortOrder)
		if err != nil {
			return err
		}
		if blocked > 0 {
			return fmt.Errorf("%w: earlier milestones must be approved first", types.ErrInvalidStateTransition)
		}

		if milestone.RevisionCount > order.MaxRevisions {
			if _, err := s.db.consumeRevisionCreditTx(tx, order.OrderID); err != nil {
				return err
			}
		}

		if err := s.db.updateMilestoneStatusTx(tx, milestone, types.MilestonePending, map[string]interface{}{
			"status":       types.MilestoneSubmitted,
			"submitted_at": now,
		}); err != nil {
			return err
		}

		if order.Status == types.OrderAccepted {
			return s.db.transitionTx(tx, order, types.OrderInProgress, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	milestone.Status = types.MilestoneSubmitted
	milestone.SubmittedAt = &now

	log.Info().
		Str("milestone_id", milestoneID).
		Str("order_id", order.OrderID).
		Int("revision_count", milestone.RevisionCount).
		Str("service", "orders").
		Msg("milestone submitted")

	s.notifier.Notify(order.BuyerID, notify.KindMilestoneSubmitted, map[string]interface{}{
		"order_id":     order.OrderID,
		"milestone_id": milestoneID,
	})
	return milestone, nil
}

// ApproveMilestone releases the milestone's slice of the order escrow to the
// seller. Approving the last milestone also releases the platform fee and
// completes the order.
func (s *Service) ApproveMilestone(milestoneID, actorID string) (*types.Milestone, error) {
	milestone, err := s.db.GetMilestone(milestoneID)
	if err != nil {
		return nil, err
	}
	order, err := s.db.GetOrder(milestone.OrderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != actorID {
		return nil, types.ErrUnauthorized
	}
	if order.Status != types.OrderInProgress {
		return nil, types.ErrInvalidStateTransition
	}
	if milestone.Status != types.MilestoneSubmitted {
		return nil, types.ErrInvalidStateTransition
	}

	logger := log.With().
		Str("milestone_id", milestoneID).
		Str("order_id", order.OrderID).
		Str("service", "orders").
		Logger()

	now := time.Now()
	completed := false
	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		if err := s.db.updateMilestoneStatusTx(tx, milestone, types.MilestoneSubmitted, map[string]interface{}{
			"status":        types.MilestoneApproved,
			"escrow_status": types.EscrowReleased,
			"approved_at":   now,
		}); err != nil {
			return err
		}

		payout := []escrow.Payout{{AccountID: wallet.AccountID(order.SellerID), Amount: milestone.Amount}}
		if _, err := s.escrow.ReleaseTx(tx, order.EscrowID, milestoneKey(milestoneID), payout); err != nil {
			return err
		}

		remaining, err := s.db.countUnapprovedTx(tx, order.OrderID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return s.db.updateOrderTx(tx, order, map[string]interface{}{
				"escrow_status": types.EscrowPartial,
			})
		}

		completed = true
		if order.PlatformFee.IsPositive() {
			platform, err := s.wallet.GetOrCreateAccountTx(tx, s.cfg.PlatformUserID)
			if err != nil {
				return err
			}
			fee := []escrow.Payout{{AccountID: platform.AccountID, Amount: order.PlatformFee}}
			if _, err := s.escrow.ReleaseTx(tx, order.EscrowID, feeKey(order.OrderID), fee); err != nil {
				return err
			}
		}
		if err := s.db.transitionTx(tx, order, types.OrderCompleted, map[string]interface{}{
			"completed_at":  now,
			"escrow_status": types.EscrowReleased,
		}); err != nil {
			return err
		}
		return s.settleRevisionPackagesTx(tx, order, true)
	})
	if err != nil {
		logger.Error().Err(err).Msg("milestone approval failed")
		return nil, err
	}
	milestone.Status = types.MilestoneApproved
	milestone.EscrowStatus = types.EscrowReleased
	milestone.ApprovedAt = &now

	logger.Info().
		Str("amount", milestone.Amount.String()).
		Bool("order_completed", completed).
		Msg("milestone approved, escrow slice released")

	s.notifier.Notify(order.SellerID, notify.KindMilestoneApproved, map[string]interface{}{
		"order_id":     order.OrderID,
		"milestone_id": milestoneID,
		"amount":       milestone.Amount.String(),
	})
	if completed {
		s.notifier.Notify(order.SellerID, notify.KindOrderCompleted, map[string]interface{}{"order_id": order.OrderID})
	}
	return milestone, nil
}

// RejectMilestone sends a submitted milestone back for another revision
// round. No money moves; the revision counter goes up so the next submission
// may need a purchased credit.
func (s *Service) RejectMilestone(milestoneID, actorID string) (*types.Milestone, error) {
	milestone, err := s.db.GetMilestone(milestoneID)
	if err != nil {
		return nil, err
	}
	order, err := s.db.GetOrder(milestone.OrderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != actorID {
		return nil, types.ErrUnauthorized
	}
	if milestone.Status != types.MilestoneSubmitted {
		return nil, types.ErrInvalidStateTransition
	}

	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		return s.db.updateMilestoneStatusTx(tx, milestone, types.MilestoneSubmitted, map[string]interface{}{
			"status":         types.MilestonePending,
			"revision_count": milestone.RevisionCount + 1,
			"submitted_at":   nil,
		})
	})
	if err != nil {
		return nil, err
	}
	milestone.Status = types.MilestonePending
	milestone.RevisionCount++
	milestone.SubmittedAt = nil

	s.notifier.Notify(order.SellerID, notify.KindMilestoneRejected, map[string]interface{}{
		"order_id":       order.OrderID,
		"milestone_id":   milestoneID,
		"revision_count": milestone.RevisionCount,
	})
	return milestone, nil
}

// PurchaseRevisionPackage lets the buyer pre-pay for extra revision rounds.
// The purchase gets its own escrow hold, settled when the order reaches a
// terminal state.
func (s *Service) PurchaseRevisionPackage(orderID, actorID string, req PurchaseRevisionPackageRequest) (*types.RevisionPackage, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != actorID {
		return nil, types.ErrUnauthorized
	}
	if order.Terminal() || order.Status == types.OrderDisputed {
		return nil, types.ErrInvalidStateTransition
	}
	if req.Quantity <= 0 || req.PricePerUnit.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: quantity and price per unit must be positive", types.ErrValidation)
	}

	amount := req.PricePerUnit.Mul(decimal.NewFromInt(int64(req.Quantity))).Round(2)
	pkg := &types.RevisionPackage{
		PackageID:    "RVP_" + uuid.New().String(),
		OrderID:      orderID,
		BuyerID:      order.BuyerID,
		Quantity:     req.Quantity,
		PricePerUnit: req.PricePerUnit,
		Amount:       amount,
		Status:       types.PackageActive,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		held, err := s.escrow.HoldTx(tx, types.RefRevisionPackage, pkg.PackageID, order.BuyerID, order.SellerID, amount)
		if err != nil {
			return err
		}
		pkg.EscrowID = held.EscrowID
		return tx.Create(pkg).Error
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("package_id", pkg.PackageID).
		Str("order_id", orderID).
		Int("quantity", req.Quantity).
		Str("amount", amount.String()).
		Str("service", "orders").
		Msg("revision package purchased")
	return pkg, nil
}
