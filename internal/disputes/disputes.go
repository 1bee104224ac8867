package disputes

import (
	"fmt"
	"time"

	"github.com/craftmarket/escrow-api/internal/notify"
	"github.com/craftmarket/escrow-api/internal/orders"
	"github.com/craftmarket/escrow-api/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service runs the dispute lifecycle. A dispute freezes its order's escrow
// until an admin resolves it one of three ways or dismisses it; the funds
// movement itself is delegated to the orders service so the same release and
// refund paths apply everywhere.
type Service struct {
	db       *Database
	orders   *orders.Service
	notifier notify.Notifier
}

func NewService(gormDB *gorm.DB, ordersSvc *orders.Service, notifier notify.Notifier) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		orders:   ordersSvc,
		notifier: notifier,
	}
}

// Open raises a dispute on an order. Opening twice returns the existing open
// dispute rather than an error; the order freezes in disputed and the
// auto-release clock stops with it.
func (s *Service) Open(orderID, actorID, reason string) (*types.Dispute, error) {
	logger := log.With().
		Str("order_id", orderID).
		Str("opened_by", actorID).
		Str("service", "disputes").
		Logger()

	var dispute *types.Dispute
	var order *types.Order
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		existing, err := s.db.GetOpenByOrderTx(tx, orderID)
		if err != nil {
			return err
		}
		if existing != nil {
			dispute = existing
			return nil
		}

		var preStatus string
		order, preStatus, err = s.orders.OpenDisputeTx(tx, orderID, actorID)
		if err != nil {
			return err
		}

		dispute = &types.Dispute{
			DisputeID:        "DSP_" + uuid.New().String(),
			OrderID:          orderID,
			OpenedBy:         actorID,
			Reason:           reason,
			Status:           types.DisputeOpen,
			PreDisputeStatus: preStatus,
			OpenedAt:         time.Now(),
			CreatedAt:        time.Now(),
			UpdatedAt:        time.Now(),
		}
		if order.EscrowReleaseAt != nil {
			at := *order.EscrowReleaseAt
			dispute.PreDisputeReleaseAt = &at
		}
		return tx.Create(dispute).Error
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open dispute")
		return nil, err
	}

	logger.Info().Str("dispute_id", dispute.DisputeID).Msg("dispute open on order")

	if order != nil {
		counterparty := order.SellerID
		if actorID == order.SellerID {
			counterparty = order.BuyerID
		}
		s.notifier.Notify(counterparty, notify.KindDisputeOpened, map[string]interface{}{
			"order_id":   orderID,
			"dispute_id": dispute.DisputeID,
			"reason":     reason,
		})
	}
	return dispute, nil
}

// Resolve settles an open dispute with one of the closed set of resolutions.
// Admin only; resolving a closed dispute fails with ErrAlreadyResolved.
func (s *Service) Resolve(disputeID, adminID, resolution string, splitBuyerRatio decimal.Decimal) (*types.Dispute, error) {
	logger := log.With().
		Str("dispute_id", disputeID).
		Str("resolution", resolution).
		Str("resolved_by", adminID).
		Str("service", "disputes").
		Logger()

	dispute, err := s.db.GetDispute(disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status != types.DisputeOpen {
		return nil, types.ErrAlreadyResolved
	}

	now := time.Now()
	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		order, err := s.orders.GetDB().GetOrderTx(tx, dispute.OrderID)
		if err != nil {
			return err
		}

		switch resolution {
		case types.ResolutionReleaseToSeller:
			err = s.orders.ResolveReleaseTx(tx, order)
		case types.ResolutionRefundToBuyer:
			err = s.orders.ResolveRefundTx(tx, order)
		case types.ResolutionSplit:
			err = s.orders.ResolveSplitTx(tx, order, splitBuyerRatio)
		default:
			err = fmt.Errorf("%w: unknown resolution %q", types.ErrValidation, resolution)
		}
		if err != nil {
			return err
		}

		return s.db.closeDisputeTx(tx, dispute, map[string]interface{}{
			"status":            types.DisputeResolved,
			"resolution":        resolution,
			"split_buyer_ratio": splitBuyerRatio,
			"resolved_by":       adminID,
			"resolved_at":       now,
		})
	})
	if err != nil {
		logger.Error().Err(err).Msg("dispute resolution failed")
		return nil, err
	}
	dispute.Status = types.DisputeResolved
	dispute.Resolution = resolution
	dispute.SplitBuyerRatio = splitBuyerRatio
	dispute.ResolvedBy = adminID
	dispute.ResolvedAt = &now

	logger.Info().Str("order_id", dispute.OrderID).Msg("dispute resolved")

	s.notifyParties(dispute, notify.KindDisputeResolved, map[string]interface{}{
		"dispute_id": disputeID,
		"order_id":   dispute.OrderID,
		"resolution": resolution,
	})
	return dispute, nil
}

// Dismiss closes a dispute without moving money. The order returns to its
// pre-dispute status, and a delivered order gets a fresh auto-release
// deadline measured from now.
func (s *Service) Dismiss(disputeID, adminID string) (*types.Dispute, error) {
	dispute, err := s.db.GetDispute(disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status != types.DisputeOpen {
		return nil, types.ErrAlreadyResolved
	}

	now := time.Now()
	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		order, err := s.orders.GetDB().GetOrderTx(tx, dispute.OrderID)
		if err != nil {
			return err
		}
		if err := s.orders.ReinstateTx(tx, order, dispute.PreDisputeStatus); err != nil {
			return err
		}
		return s.db.closeDisputeTx(tx, dispute, map[string]interface{}{
			"status":      types.DisputeDismissed,
			"resolved_by": adminID,
			"resolved_at": now,
		})
	})
	if err != nil {
		return nil, err
	}
	dispute.Status = types.DisputeDismissed
	dispute.ResolvedBy = adminID
	dispute.ResolvedAt = &now

	log.Info().
		Str("dispute_id", disputeID).
		Str("order_id", dispute.OrderID).
		Str("restored_status", dispute.PreDisputeStatus).
		Str("service", "disputes").
		Msg("dispute dismissed, order reinstated")

	s.notifyParties(dispute, notify.KindDisputeDismissed, map[string]interface{}{
		"dispute_id": disputeID,
		"order_id":   dispute.OrderID,
	})
	return dispute, nil
}

func (s *Service) notifyParties(dispute *types.Dispute, kind string, payload map[string]interface{}) {
	order, err := s.orders.GetDB().GetOrder(dispute.OrderID)
	if err != nil {
		return
	}
	s.notifier.Notify(order.BuyerID, kind, payload)
	s.notifier.Notify(order.SellerID, kind, payload)
}

// GetDispute returns one dispute by ID.
func (s *Service) GetDispute(disputeID string) (*types.Dispute, error) {
	return s.db.GetDispute(disputeID)
}

// GetOpenByOrder returns the order's open dispute, or nil when there is none.
func (s *Service) GetOpenByOrder(orderID string) (*types.Dispute, error) {
	return s.db.GetOpenByOrder(orderID)
}

// ListOpen returns all open disputes, oldest first.
func (s *Service) ListOpen() ([]types.Dispute, error) {
	return s.db.ListOpen()
}
