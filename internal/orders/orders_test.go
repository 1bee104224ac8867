package orders_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/craftmarket/escrow-api/internal/catalog"
	"github.com/craftmarket/escrow-api/internal/database"
	"github.com/craftmarket/escrow-api/internal/escrow"
	"github.com/craftmarket/escrow-api/internal/notify"
	"github.com/craftmarket/escrow-api/internal/orders"
	"github.com/craftmarket/escrow-api/internal/types"
	"github.com/craftmarket/escrow-api/internal/wallet"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	buyerID    = "buyer_1"
	sellerID   = "seller_1"
	platformID = "platform"
)

type testEnv struct {
	db      *gorm.DB
	wallet  *wallet.Service
	escrow  *escrow.Service
	catalog *catalog.Service
	orders  *orders.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.NewDatabase(dsn)
	require.NoError(t, err)

	walletSvc := wallet.NewService(db)
	escrowSvc := escrow.NewService(db, walletSvc.GetDB())
	catalogSvc := catalog.NewService(db)
	orderSvc := orders.NewService(db, escrowSvc, walletSvc.GetDB(), catalogSvc, notify.NewLogNotifier(), orders.Config{
		PlatformUserID: platformID,
		FeeRate:        decimal.NewFromFloat(0.10),
		AcceptWindow:   48 * time.Hour,
		GracePeriod:    72 * time.Hour,
	})

	return &testEnv{
		db:      db,
		wallet:  walletSvc,
		escrow:  escrowSvc,
		catalog: catalogSvc,
		orders:  orderSvc,
	}
}

func (e *testEnv) listService(t *testing.T, price int64) string {
	t.Helper()
	listing, err := e.catalog.CreateListing(sellerID, "Logo design", decimal.NewFromInt(price))
	require.NoError(t, err)
	return listing.ServiceID
}

func (e *testEnv) fundBuyer(t *testing.T, amount int64) {
	t.Helper()
	_, err := e.wallet.Deposit(buyerID, decimal.NewFromInt(amount))
	require.NoError(t, err)
}

func (e *testEnv) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	b, err := e.wallet.GetBalance(userID)
	require.NoError(t, err)
	return b.Balance
}

func (e *testEnv) locked(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	b, err := e.wallet.GetBalance(userID)
	require.NoError(t, err)
	return b.LockedBalance
}

func TestHappyPathConfirm(t *testing.T) {
	env := newTestEnv(t)
	env.fundBuyer(t, 1000)
	serviceID := env.listService(t, 500)

	detail, err := env.orders.CreateOrder(buyerID, orders.CreateOrderRequest{ServiceID: serviceID}, "")
	require.NoError(t, err)
	order := detail.Order
	assert.Equal(t, types.OrderPending, order.Status)
	assert.True(t, order.PlatformFee.Equal(decimal.NewFromInt(50)))
	assert.True(t, order.SellerAmount.Equal(decimal.NewFromInt(450)))
	assert.True(t, env.balance(t, buyerID).Equal(decimal.NewFromInt(500)))
	assert.True(t, env.locked(t, sellerID).Equal(decimal.NewFromInt(500)))

	_, err = env.orders.AcceptOrder(order.OrderID, sellerID)
	require.NoError(t, err)
	_, err = env.orders.DeliverOrder(order.OrderID, sellerID)
	require.NoError(t, err)
	confirmed, err := env.orders.ConfirmOrder(order.OrderID, buyerID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCompleted, confirmed.Status)
	assert.NotNil(t, confirmed.CompletedAt)

	assert.True(t, env.balance(t, sellerID).Equal(decimal.NewFromInt(450)))
	assert.True(t, env.balance(t, platformID).Equal(decimal.NewFromInt(50)))
	assert.True(t, env.locked(t, sellerID).IsZero())

	// Money is conserved across the whole flow
	total := env.balance(t, buyerID).Add(env.balance(t, sellerID)).Add(env.balance(t, platformID))
	assert.True(t, total.Equal(decimal.NewFromInt(1000)), "total %s", total)
}

func TestTerminalOrdersAreImmutable(t *testing.T) {
	env := newTestEnv(t)
	env.fundBuyer(t, 1000)
	serviceID := env.listService(t, 500)

	detail, err := env.orders.CreateOrder(buyerID, orders.CreateOrderRequest{ServiceID: serviceID}, "")
	require.NoError(t, err)
	orderID := detail.Order.OrderID

	_, err = env.orders.AcceptOrder(orderID, sellerID)
	require.NoError(t, err)
	_, err = env.orders.DeliverOrder(orderID, sellerID)
	require.NoError(t, err)
	_, err = env.orders.ConfirmOrder(orderID, buyerID)
	require.NoError(t, err)

	_, err = env.orders.CancelOrder(orderID, buyerID)
	assert.ErrorIs(t, err, types.ErrInvalidStateTransition)
	_, err = env.orders.ConfirmOrder(orderID, buyerID)
	assert.ErrorIs(t, err, types.ErrInvalidStateTransition)

	// A second confirm must not move money again
	assert.True(t, env.balance(t, sellerID).Equal(decimal.NewFromInt(450)))
}

func TestCancelRefundsBuyerInFull(t *testing.T) {
	env := newTestEnv(t)
	env.fundBuyer(t, 800)
	serviceID := env.listService(t, 800)

	detail, err := env.orders.CreateOrder(buyerID, orders.CreateOrderRequest{ServiceID: serviceID}, "")
	require.NoError(t, err)
	assert.True(t, env.balance(t, buyerID).IsZero())

	cancelled, err := env.orders.CancelOrder(detail.Order.OrderID, sellerID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, cancelled.Status)
	assert.Equal(t, types.EscrowRefunded, cancelled.EscrowStatus)

	assert.True(t, env.balance(t, buyerID).Equal(decimal.NewFromInt(800)))
	assert.True(t, env.locked(t, sellerID).IsZero())
}

func TestAcceptAfterDeadlineFails(t *testing.T) {
	env := newTestEnv(t)
	env.fundBuyer(t, 500)
	serviceID := env.listService(t, 500)

	detail, err := env.orders.CreateOrder(buyerID, orders.CreateOrderRequest{ServiceID: serviceID}, "")
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, env.db.Model(&types.Order{}).
		Where("order_id = ?", detail.Order.OrderID).
		Update("accept_deadline", past).Error)

	_, err = env.orders.AcceptOrder(detail.Order.OrderID, sellerID)
	assert.ErrorIs(t, err, types.ErrDeadlineExceeded)
}

func TestActorAuthorization(t *testing.T) {
	env := newTestEnv(t)
	env.fundBuyer(t, 500)
	serviceID := env.listService(t, 500)

	detail, err := env.orders.CreateOrder(buyerID, orders.CreateOrderRequest{ServiceID: serviceID}, "")
	require.NoError(t, err)
	orderID := detail.Order.OrderID

	_, err = env.orders.AcceptOrder(orderID, buyerID)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	_, err = env.orders.CancelOrder(orderID, "stranger")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = env.orders.AcceptOrder(orderID, sellerID)
	require.NoError(t, err)
	_, err = env.orders.DeliverOrder(orderID, sellerID)
	require.NoError(t, err)
	_, err = env.orders.ConfirmOrder(orderID, sellerID)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestCannotOrderOwnService(t *testing.T) {
	env := newTestEnv(t)
	serviceID := env.listService(t, 500)
	_, err := env.wallet.Deposit(sellerID, decimal.NewFromInt(500))
	require.NoError(t, err)

	_, err = env.orders.CreateOrder(sellerID, orders.CreateOrderRequest{ServiceID: serviceID}, "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestCreateOrderIdempotency(t *testing.T) {
	env := newTestEnv(t)
	env.fundBuyer(t, 2000)
	serviceID := env.listService(t, 500)

	key := uuid.NewString()
	first, err := env.orders.CreateOrder(buyerID, orders.CreateOrderRequest{ServiceID: serviceID}, key)
	require.NoError(t, err)
	second, err := env.orders.CreateOrder(buyerID, orders.CreateOrderRequest{ServiceID: serviceID}, key)
	require.NoError(t, err)

	assert.Equal(t, first.Order.OrderID, second.Order.OrderID)
	// Only one hold happened
	assert.True(t, env.balance(t, buyerID).Equal(decimal.NewFromInt(1500)))
}

func TestMilestoneAmountsMustCoverSellerAmount(t *testing.T) {
	env := newTestEnv(t)
	env.fundBuyer(t, 1000)
	serviceID := env.listService(t, 1000)

	_, err := env.orders.CreateOrder(buyerID, orders.CreateOrderRequest{
		ServiceID: serviceID,
		Milestones: []orders.MilestoneInput{
			{Title: "Draft", Amount: decimal.NewFromInt(400)},
			{Title: "Final", Amount: decimal.NewFromInt(400)},
		},
	}, "")
	assert.ErrorIs(t, err, types.ErrValidation)

	// Failed validation holds nothing
	assert.True(t, env.balance(t, buyerID).Equal(decimal.NewFromInt(1000)))
}

func TestMilestoneLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.fundBuyer(t, 1000)
	serviceID := env.listService(t, 1000)

	detail, err := env.orders.CreateOrder(buyerID, orders.CreateOrderRequest{
		ServiceID: serviceID,
		Milestones: []orders.MilestoneInput{
			{Title: "Concepts", Amount: decimal.NewFromInt(300)},
			{Title: "Revisions", Amount: decimal.NewFromInt(300)},
			{Title: "Final files", Amount: decimal.NewFromInt(300)},
		},
	}, "")
	require.NoError(t, err)
	order := detail.Order
	require.Len(t, detail.Milestones, 3)
	assert.True(t, order.IsMilestoneOrder)

	_, err = env.orders.AcceptOrder(order.OrderID, sellerID)
	require.NoError(t, err)

	// Later milestones stay locked until earlier ones are approved
	_, err = env.orders.SubmitMilestone(detail.Milestones[2].MilestoneID, sellerID)
	assert.ErrorIs(t, err, types.ErrInvalidStateTransition)

	_, err = env.orders.SubmitMilestone(detail.Milestones[0].MilestoneID, sellerID)
	require.NoError(t, err)

	// First submission moves the order into progress
	current, err := env.orders.GetDB().GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderInProgress, current.Status)

	_, err = env.orders.ApproveMilestone(detail.Milestones[0].MilestoneID, buyerID)
	require.NoError(t, err)
	assert.True(t, env.balance(t, sellerID).Equal(decimal.NewFromInt(300)))

	current, err = env.orders.GetDB().GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.EscrowPartial, current.EscrowStatus)

	for _, idx := range []int{1, 2} {
		_, err = env.orders.SubmitMilestone(detail.Milestones[idx].MilestoneID, sellerID)
		require.NoError(t, err)
		_, err = env.orders.ApproveMilestone(detail.Milestones[idx].MilestoneID, buyerID)
		require.NoError(t, err)
	}

	// Last approval completes the order and releases the platform fee
	current, err = env.orders.GetDB().GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCompleted, current.Status)
	assert.Equal(t, types.EscrowReleased, current.EscrowStatus)
	assert.True(t, env.balance(t, sellerID).Equal(decimal.NewFromInt(900)))
	assert.True(t, env.balance(t, platformID).Equal(decimal.NewFromInt(100)))
	assert.True(t, env.locked(t, sellerID).IsZero())
}

func TestMilestonePercentagesResolveAgainstSellerAmount(t *testing.T) {
	env := newTestEnv(t)
	env.fundBuyer(t, 1000)
	serviceID := env.listService(t, 1000)

	detail, err := env.orders.CreateOrder(buyerID, orders.CreateOrderRequest{
		ServiceID: serviceID,
		Milestones: []orders.MilestoneInput{
			{Title: "Half up front", Percentage: decimal.NewFromInt(50)},
			{Title: "On delivery", Percentage: decimal.NewFromInt(50)},
		},
	}, "")
	require.NoError(t, err)

	sum := decimal.Zero
	for _, m := range detail.Milestones {
		sum = sum.Add(m.Amount)
	}
	assert.True(t, sum.Equal(detail.Order.SellerAmount), "milestones sum %s, seller amount %s", sum, detail.Order.SellerAmount)
}

func TestRevisionLimitAndPackages(t *testing.T) {
	env := newTestEnv(t)
	env.fundBuyer(t, 2000)
	serviceID := env.listService(t, 1000)

	detail, err := env.orders.CreateOrder(buyerID, orders.CreateOrderRequest{
		ServiceID:    serviceID,
		MaxRevisions: 0,
		Milestones: []orders.MilestoneInput{
			{Title: "Everything", Amount: decimal.NewFromInt(900)},
		},
	}, "")
	require.NoError(t, err)
	orderID := detail.Order.OrderID
	milestoneID := detail.Milestones[0].MilestoneID

	_, err = env.orders.AcceptOrder(orderID, sellerID)
	require.NoError(t, err)
	_, err = env.orders.SubmitMilestone(milestoneID, sellerID)
	require.NoError(t, err)
	_, err = env.orders.RejectMilestone(milestoneID, buyerID)
	require.NoError(t, err)

	// The included rounds are spent, resubmission needs a purchased credit
	_, err = env.orders.SubmitMilestone(milestoneID, sellerID)
	assert.ErrorIs(t, err, types.ErrRevisionLimitReached)

	pkg, err := env.orders.PurchaseRevisionPackage(orderID, buyerID, orders.PurchaseRevisionPackageRequest{
		Quantity:     1,
		PricePerUnit: decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	assert.True(t, pkg.Amount.Equal(decimal.NewFromInt(50)))

	_, err = env.orders.SubmitMilestone(milestoneID, sellerID)
	require.NoError(t, err)
	_, err = env.orders.ApproveMilestone(milestoneID, buyerID)
	require.NoError(t, err)

	// Completion settles the package to the seller along with the order
	settled, err := env.orders.GetDB().GetRevisionPackage(pkg.PackageID)
	require.NoError(t, err)
	assert.Equal(t, types.PackageSettled, settled.Status)
	assert.True(t, env.balance(t, sellerID).Equal(decimal.NewFromInt(950)))
}

func TestDeliverRejectedForMilestoneOrders(t *testing.T) {
	env := newTestEnv(t)
	env.fundBuyer(t, 1000)
	serviceID := env.listService(t, 1000)

	detail, err := env.orders.CreateOrder(buyerID, orders.CreateOrderRequest{
		ServiceID: serviceID,
		Milestones: []orders.MilestoneInput{
			{Title: "All", Amount: decimal.NewFromInt(900)},
		},
	}, "")
	require.NoError(t, err)

	_, err = env.orders.AcceptOrder(detail.Order.OrderID, sellerID)
	require.NoError(t, err)
	_, err = env.orders.DeliverOrder(detail.Order.OrderID, sellerID)
	assert.ErrorIs(t, err, types.ErrInvalidStateTransition)
}
