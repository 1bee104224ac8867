package orders

import (
	"fmt"
	"time"

	"github.com/craftmarket/escrow-api/internal/catalog"
	"github.com/craftmarket/escrow-api/internal/escrow"
	"github.com/craftmarket/escrow-api/internal/notify"
	"github.com/craftmarket/escrow-api/internal/types"
	"github.com/craftmarket/escrow-api/internal/wallet"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Config carries the order-lifecycle knobs resolved from the environment.
type Config struct {
	PlatformUserID string
	FeeRate        decimal.Decimal
	AcceptWindow   time.Duration
	GracePeriod    time.Duration
}

// Service owns the order state machine. Its transition methods are the only
// writers of Order.Status and the only callers of escrow release/refund, so
// every guard lives in one place whether an action comes from a user request
// or the scheduler.
type Service struct {
	db       *Database
	wallet   *wallet.Database
	escrow   *escrow.Service
	catalog  *catalog.Service
	notifier notify.Notifier
	cfg      Config
}

func NewService(gormDB *gorm.DB, escrowSvc *escrow.Service, walletDB *wallet.Database, catalogSvc *catalog.Service, notifier notify.Notifier, cfg Config) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		wallet:   walletDB,
		escrow:   escrowSvc,
		catalog:  catalogSvc,
		notifier: notifier,
		cfg:      cfg,
	}
}

// GetDB exposes the orders database for the scheduler's sweep queries.
func (s *Service) GetDB() *Database {
	return s.db
}

// Canonical escrow settlement keys. One key per unit of escrow means a
// buyer-confirm racing an auto-release (or a resolution racing a cancel) can
// move money at most once, whichever path gets there first.
func releaseKey(orderID string) string   { return "order_release:" + orderID }
func refundKey(orderID string) string    { return "order_refund:" + orderID }
func feeKey(orderID string) string       { return "order_fee:" + orderID }
func milestoneKey(msID string) string    { return "milestone_release:" + msID }
func packageKey(pkgID, op string) string { return "package_" + op + ":" + pkgID }

// CreateOrder holds the buyer's funds in escrow and creates the order in one
// transaction. The price and seller come from the catalog listing; the
// platform fee is carved out of the amount so that
// amount = platform_fee + seller_amount always holds.
func (s *Service) CreateOrder(buyerID string, req CreateOrderRequest, idempotencyKey string) (*types.OrderDetail, error) {
	logger := log.With().
		Str("buyer_id", buyerID).
		Str("service_id", req.ServiceID).
		Str("service", "orders").
		Logger()

	if idempotencyKey != "" {
		record, err := s.db.GetIdempotencyRecord(idempotencyKey)
		if err != nil {
			return nil, err
		}
		if record != nil && record.ExpiresAt.After(time.Now()) {
			logger.Info().Str("order_id", record.ResourceID).Msg("replayed order creation")
			return s.GetOrderDetail(record.ResourceID)
		}
	}

	listing, err := s.catalog.GetListing(req.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up service listing: %w", err)
	}
	if listing.SellerID == buyerID {
		return nil, fmt.Errorf("%w: cannot order your own service", types.ErrValidation)
	}

	amount := listing.Price
	fee := amount.Mul(s.cfg.FeeRate).Round(2)
	sellerAmount := amount.Sub(fee)

	milestones, err := resolveMilestones(req.Milestones, sellerAmount)
	if err != nil {
		return nil, err
	}

	order := &types.Order{
		OrderID:          "ORD_" + uuid.New().String(),
		BuyerID:          buyerID,
		SellerID:         listing.SellerID,
		ServiceID:        listing.ServiceID,
		Title:            listing.Title,
		Amount:           amount,
		PlatformFee:      fee,
		SellerAmount:     sellerAmount,
		Status:           types.OrderPending,
		EscrowStatus:     types.EscrowHeld,
		IsMilestoneOrder: len(milestones) > 0,
		MaxRevisions:     req.MaxRevisions,
		AcceptDeadline:   time.Now().Add(s.cfg.AcceptWindow),
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}

	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		held, err := s.escrow.HoldTx(tx, types.RefOrder, order.OrderID, buyerID, listing.SellerID, amount)
		if err != nil {
			return err
		}
		order.EscrowID = held.EscrowID

		if err := tx.Create(order).Error; err != nil {
			return err
		}
		for i := range milestones {
			milestones[i].OrderID = order.OrderID
			if err := tx.Create(&milestones[i]).Error; err != nil {
				return err
			}
		}
		if idempotencyKey != "" {
			if err := s.db.createIdempotencyRecordTx(tx, idempotencyKey, order.OrderID, "order"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("order creation failed")
		return nil, err
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("amount", amount.String()).
		Str("platform_fee", fee.String()).
		Bool("milestone_order", order.IsMilestoneOrder).
		Msg("order created with escrow hold")

	s.notifier.Notify(order.SellerID, notify.KindOrderCreated, map[string]interface{}{
		"order_id": order.OrderID,
		"amount":   amount.String(),
	})

	return &types.OrderDetail{Order: order, Milestones: milestones}, nil
}

// resolveMilestones converts milestone inputs to concrete amounts and
// validates that they cover the seller amount exactly.
func resolveMilestones(inputs []MilestoneInput, sellerAmount decimal.Decimal) ([]types.Milestone, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	hundred := decimal.NewFromInt(100)
	milestones := make([]types.Milestone, 0, len(inputs))
	sum := decimal.Zero
	for i, in := range inputs {
		amount := in.Amount
		if amount.IsZero() && in.Percentage.IsPositive() {
			amount = sellerAmount.Mul(in.Percentage).Div(hundred).Round(2)
			if i == len(inputs)-1 {
				// Last milestone absorbs the rounding remainder
				amount = sellerAmount.Sub(sum)
			}
		}
		if amount.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: milestone %d amount must be positive", types.ErrValidation, i+1)
		}
		sum = sum.Add(amount)
		milestones = append(milestones, types.Milestone{
			MilestoneID:  "MIL_" + uuid.New().String(),
			Title:        in.Title,
			Amount:       amount,
			Status:       types.MilestonePending,
			EscrowStatus: types.EscrowHeld,
			SortOrder:    i,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		})
	}

	if !sum.Equal(sellerAmount) {
		return nil, fmt.Errorf("%w: milestone amounts sum to %s, expected seller amount %s",
			types.ErrValidation, sum, sellerAmount)
	}
	return milestones, nil
}

// GetOrderDetail returns the order with its milestones.
func (s *Service) GetOrderDetail(orderID string) (*types.OrderDetail, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	var milestones []types.Milestone
	if order.IsMilestoneOrder {
		milestones, err = s.db.ListMilestones(orderID)
		if err != nil {
			return nil, err
		}
	}
	return &types.OrderDetail{Order: order, Milestones: milestones}, nil
}

// AcceptOrder moves a pending order to accepted. Seller only, inside the
// accept window.
func (s *Service) AcceptOrder(orderID, actorID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order.SellerID != actorID {
		return nil, types.ErrUnauthorized
	}
	if order.Status == types.OrderPending && time.Now().After(order.AcceptDeadline) {
		return nil, types.ErrDeadlineExceeded
	}

	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		return s.db.transitionTx(tx, order, types.OrderAccepted, nil)
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(order.BuyerID, notify.KindOrderAccepted, map[string]interface{}{"order_id": orderID})
	return order, nil
}

// DeliverOrder marks the work delivered and starts the auto-release clock.
// Milestone orders deliver piecewise through milestone submissions instead.
func (s *Service) DeliverOrder(orderID, actorID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order.SellerID != actorID {
		return nil, types.ErrUnauthorized
	}
	if order.IsMilestoneOrder {
		return nil, types.ErrInvalidStateTransition
	}

	now := time.Now()
	releaseAt := now.Add(s.cfg.GracePeriod)
	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		return s.db.transitionTx(tx, order, types.OrderDelivered, map[string]interface{}{
			"delivered_at":      now,
			"escrow_release_at": releaseAt,
			"reminder_sent_at":  nil,
		})
	})
	if err != nil {
		return nil, err
	}
	order.DeliveredAt = &now
	order.EscrowReleaseAt = &releaseAt

	s.notifier.Notify(order.BuyerID, notify.KindOrderDelivered, map[string]interface{}{
		"order_id":          orderID,
		"escrow_release_at": releaseAt,
	})
	return order, nil
}

// ConfirmOrder is the buyer accepting delivery: the order completes and
// escrow is released to the seller and the platform.
func (s *Service) ConfirmOrder(orderID, actorID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != actorID {
		return nil, types.ErrUnauthorized
	}

	if err := s.completeDelivered(order); err != nil {
		return nil, err
	}

	s.notifier.Notify(order.SellerID, notify.KindOrderCompleted, map[string]interface{}{"order_id": orderID})
	return order, nil
}

// AutoRelease is the scheduler completing a delivered order whose grace
// period lapsed with no buyer action and no open dispute. It rides the exact
// same transition and release path as ConfirmOrder.
func (s *Service) AutoRelease(orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order.EscrowReleaseAt == nil || time.Now().Before(*order.EscrowReleaseAt) {
		return nil, types.ErrDeadlineExceeded
	}

	if err := s.completeDelivered(order); err != nil {
		return nil, err
	}

	s.notifier.Notify(order.SellerID, notify.KindOrderAutoReleased, map[string]interface{}{"order_id": orderID})
	s.notifier.Notify(order.BuyerID, notify.KindOrderAutoReleased, map[string]interface{}{"order_id": orderID})
	return order, nil
}

// completeDelivered transitions delivered→completed and performs the single
// escrow release, all in one transaction.
func (s *Service) completeDelivered(order *types.Order) error {
	logger := log.With().
		Str("order_id", order.OrderID).
		Str("service", "orders").
		Logger()

	now := time.Now()
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		if order.Status != types.OrderDelivered {
			return types.ErrInvalidStateTransition
		}
		if err := s.db.transitionTx(tx, order, types.OrderCompleted, map[string]interface{}{
			"completed_at":  now,
			"escrow_status": types.EscrowReleased,
		}); err != nil {
			return err
		}

		platform, err := s.wallet.GetOrCreateAccountTx(tx, s.cfg.PlatformUserID)
		if err != nil {
			return err
		}
		payouts := []escrow.Payout{
			{AccountID: wallet.AccountID(order.SellerID), Amount: order.SellerAmount},
			{AccountID: platform.AccountID, Amount: order.PlatformFee},
		}
		if _, err := s.escrow.ReleaseTx(tx, order.EscrowID, releaseKey(order.OrderID), payouts); err != nil {
			return err
		}
		return s.settleRevisionPackagesTx(tx, order, true)
	})
	if err != nil {
		logger.Error().Err(err).Msg("order completion failed")
		return err
	}
	order.CompletedAt = &now
	order.EscrowStatus = types.EscrowReleased

	logger.Info().
		Str("seller_amount", order.SellerAmount.String()).
		Str("platform_fee", order.PlatformFee.String()).
		Msg("order completed, escrow released")
	return nil
}

// CancelOrder is a mutual cancellation before delivery. Either party may
// cancel while the order is pending or accepted; the full escrow refunds to
// the buyer.
func (s *Service) CancelOrder(orderID, actorID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != actorID && order.SellerID != actorID {
		return nil, types.ErrUnauthorized
	}
	if order.Status != types.OrderPending && order.Status != types.OrderAccepted {
		return nil, types.ErrInvalidStateTransition
	}

	if err := s.refundAll(order, types.OrderCancelled); err != nil {
		return nil, err
	}

	s.notifier.Notify(order.BuyerID, notify.KindOrderCancelled, map[string]interface{}{"order_id": orderID})
	s.notifier.Notify(order.SellerID, notify.KindOrderCancelled, map[string]interface{}{"order_id": orderID})
	return order, nil
}

// AutoCancel is the scheduler cancelling a pending order whose accept
// deadline lapsed. The buyer gets their money back without having to ask.
func (s *Service) AutoCancel(orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if time.Now().Before(order.AcceptDeadline) {
		return nil, types.ErrDeadlineExceeded
	}
	if order.Status != types.OrderPending {
		return nil, types.ErrInvalidStateTransition
	}

	if err := s.refundAll(order, types.OrderCancelled); err != nil {
		return nil, err
	}

	s.notifier.Notify(order.BuyerID, notify.KindOrderCancelled, map[string]interface{}{
		"order_id": orderID,
		"reason":   "seller did not accept in time",
	})
	return order, nil
}

// refundAll transitions the order to a refund-terminal state and returns all
// remaining escrow to the buyer in one transaction.
func (s *Service) refundAll(order *types.Order, to string) error {
	logger := log.With().
		Str("order_id", order.OrderID).
		Str("to_status", to).
		Str("service", "orders").
		Logger()

	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		if err := s.db.transitionTx(tx, order, to, map[string]interface{}{
			"escrow_status": types.EscrowRefunded,
		}); err != nil {
			return err
		}
		if _, err := s.escrow.RefundTx(tx, order.EscrowID, refundKey(order.OrderID), decimal.Zero); err != nil {
			return err
		}
		return s.settleRevisionPackagesTx(tx, order, false)
	})
	if err != nil {
		logger.Error().Err(err).Msg("refund failed")
		return err
	}
	order.EscrowStatus = types.EscrowRefunded

	logger.Info().Msg("order escrow refunded to buyer")
	return nil
}

// settleRevisionPackagesTx closes out any active revision-package escrows
// when the order reaches a terminal state: released to the seller on
// completion, refunded to the buyer otherwise.
func (s *Service) settleRevisionPackagesTx(tx *gorm.DB, order *types.Order, toSeller bool) error {
	pkgs, err := s.db.listActivePackagesTx(tx, order.OrderID)
	if err != nil {
		return err
	}
	for _, pkg := range pkgs {
		if toSeller {
			payout := []escrow.Payout{{AccountID: wallet.AccountID(order.SellerID), Amount: pkg.Amount}}
			if _, err := s.escrow.ReleaseTx(tx, pkg.EscrowID, packageKey(pkg.PackageID, "release"), payout); err != nil {
				return err
			}
			if err := s.db.updatePackageStatusTx(tx, pkg.PackageID, types.PackageSettled); err != nil {
				return err
			}
		} else {
			if _, err := s.escrow.RefundTx(tx, pkg.EscrowID, packageKey(pkg.PackageID, "refund"), decimal.Zero); err != nil {
				return err
			}
			if err := s.db.updatePackageStatusTx(tx, pkg.PackageID, types.PackageRefunded); err != nil {
				return err
			}
		}
	}
	return nil
}

// OpenDisputeTx flips the order to disputed inside the dispute engine's
// transaction and returns the status the order held before, so a dismissal
// can restore it. Only the order's buyer or seller may raise a dispute, and
// only while the order is delivered or a milestone order is in progress.
func (s *Service) OpenDisputeTx(tx *gorm.DB, orderID, actorID string) (*types.Order, string, error) {
	order, err := s.db.GetOrderTx(tx, orderID)
	if err != nil {
		return nil, "", err
	}
	if order.BuyerID != actorID && order.SellerID != actorID {
		return nil, "", types.ErrUnauthorized
	}
	switch order.Status {
	case types.OrderDelivered:
	case types.OrderInProgress:
		if !order.IsMilestoneOrder {
			return nil, "", types.ErrInvalidStateTransition
		}
	default:
		return nil, "", types.ErrInvalidStateTransition
	}

	preStatus := order.Status
	if err := s.db.transitionTx(tx, order, types.OrderDisputed, nil); err != nil {
		return nil, "", err
	}
	return order, preStatus, nil
}

// ResolveReleaseTx settles a disputed order in the seller's favour.
func (s *Service) ResolveReleaseTx(tx *gorm.DB, order *types.Order) error {
	now := time.Now()
	if err := s.db.transitionTx(tx, order, types.OrderCompleted, map[string]interface{}{
		"completed_at":  now,
		"escrow_status": types.EscrowReleased,
	}); err != nil {
		return err
	}

	platform, err := s.wallet.GetOrCreateAccountTx(tx, s.cfg.PlatformUserID)
	if err != nil {
		return err
	}

	esc, err := s.escrow.GetEscrow(order.EscrowID)
	if err != nil {
		return err
	}
	remaining := esc.Remaining()
	// Fee comes out of the remaining funds in the order's own proportions,
	// so partially-released milestone orders resolve exactly.
	feePart := remaining.Mul(order.PlatformFee).Div(order.Amount).Round(2)
	sellerPart := remaining.Sub(feePart)

	payouts := []escrow.Payout{
		{AccountID: wallet.AccountID(order.SellerID), Amount: sellerPart},
		{AccountID: platform.AccountID, Amount: feePart},
	}
	if _, err := s.escrow.ReleaseTx(tx, order.EscrowID, releaseKey(order.OrderID), payouts); err != nil {
		return err
	}
	return s.settleRevisionPackagesTx(tx, order, true)
}

// ResolveRefundTx settles a disputed order in the buyer's favour.
func (s *Service) ResolveRefundTx(tx *gorm.DB, order *types.Order) error {
	if err := s.db.transitionTx(tx, order, types.OrderRefunded, map[string]interface{}{
		"escrow_status": types.EscrowRefunded,
	}); err != nil {
		return err
	}
	if _, err := s.escrow.RefundTx(tx, order.EscrowID, refundKey(order.OrderID), decimal.Zero); err != nil {
		return err
	}
	return s.settleRevisionPackagesTx(tx, order, false)
}

// ResolveSplitTx divides the remaining escrow between both parties by the
// given buyer ratio. The platform keeps its fee proportionally to the
// seller's share; the order lands in completed.
func (s *Service) ResolveSplitTx(tx *gorm.DB, order *types.Order, buyerRatio decimal.Decimal) error {
	one := decimal.NewFromInt(1)
	if buyerRatio.LessThanOrEqual(decimal.Zero) || buyerRatio.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: split ratio must be strictly between 0 and 1", types.ErrValidation)
	}

	esc, err := s.escrow.GetEscrow(order.EscrowID)
	if err != nil {
		return err
	}
	remaining := esc.Remaining()
	buyerShare := remaining.Mul(buyerRatio).Round(2)
	rest := remaining.Sub(buyerShare)
	feePart := rest.Mul(order.PlatformFee).Div(order.Amount).Round(2)
	sellerPart := rest.Sub(feePart)

	now := time.Now()
	if err := s.db.transitionTx(tx, order, types.OrderCompleted, map[string]interface{}{
		"completed_at":  now,
		"escrow_status": types.EscrowReleased,
	}); err != nil {
		return err
	}

	if buyerShare.IsPositive() {
		if _, err := s.escrow.RefundTx(tx, order.EscrowID, refundKey(order.OrderID), buyerShare); err != nil {
			return err
		}
	}
	if rest.IsPositive() {
		platform, err := s.wallet.GetOrCreateAccountTx(tx, s.cfg.PlatformUserID)
		if err != nil {
			return err
		}
		payouts := []escrow.Payout{
			{AccountID: wallet.AccountID(order.SellerID), Amount: sellerPart},
			{AccountID: platform.AccountID, Amount: feePart},
		}
		if _, err := s.escrow.ReleaseTx(tx, order.EscrowID, releaseKey(order.OrderID), payouts); err != nil {
			return err
		}
	}
	return s.settleRevisionPackagesTx(tx, order, true)
}

// ReinstateTx returns a dismissed dispute's order to its pre-dispute state
// with the auto-release clock restarted from now, not from the original
// deadline.
func (s *Service) ReinstateTx(tx *gorm.DB, order *types.Order, preStatus string) error {
	updates := map[string]interface{}{}
	if preStatus == types.OrderDelivered {
		updates["escrow_release_at"] = time.Now().Add(s.cfg.GracePeriod)
		updates["reminder_sent_at"] = nil
	}
	return s.db.transitionTx(tx, order, preStatus, updates)
}
