package disputes_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/craftmarket/escrow-api/internal/catalog"
	"github.com/craftmarket/escrow-api/internal/database"
	"github.com/craftmarket/escrow-api/internal/disputes"
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
	adminID    = "admin_1"
	platformID = "platform"
)

type testEnv struct {
	db       *gorm.DB
	wallet   *wallet.Service
	orders   *orders.Service
	disputes *disputes.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.NewDatabase(dsn)
	require.NoError(t, err)

	walletSvc := wallet.NewService(db)
	escrowSvc := escrow.NewService(db, walletSvc.GetDB())
	catalogSvc := catalog.NewService(db)
	notifier := notify.NewLogNotifier()
	orderSvc := orders.NewService(db, escrowSvc, walletSvc.GetDB(), catalogSvc, notifier, orders.Config{
		PlatformUserID: platformID,
		FeeRate:        decimal.NewFromFloat(0.10),
		AcceptWindow:   48 * time.Hour,
		GracePeriod:    72 * time.Hour,
	})

	env := &testEnv{
		db:       db,
		wallet:   walletSvc,
		orders:   orderSvc,
		disputes: disputes.NewService(db, orderSvc, notifier),
	}

	_, err = walletSvc.Deposit(buyerID, decimal.NewFromInt(1000))
	require.NoError(t, err)
	return env
}

// deliveredOrder drives a 1000 order (fee 100, seller 900) to delivered.
func deliveredOrder(t *testing.T, env *testEnv) *types.Order {
	t.Helper()
	catalogSvc := catalog.NewService(env.db)
	listing, err := catalogSvc.CreateListing(sellerID, "Brand refresh", decimal.NewFromInt(1000))
	require.NoError(t, err)

	detail, err := env.orders.CreateOrder(buyerID, orders.CreateOrderRequest{ServiceID: listing.ServiceID}, "")
	require.NoError(t, err)
	_, err = env.orders.AcceptOrder(detail.Order.OrderID, sellerID)
	require.NoError(t, err)
	order, err := env.orders.DeliverOrder(detail.Order.OrderID, sellerID)
	require.NoError(t, err)
	return order
}

func (e *testEnv) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	b, err := e.wallet.GetBalance(userID)
	require.NoError(t, err)
	return b.Balance
}

func TestOpenFreezesOrder(t *testing.T) {
	env := newTestEnv(t)
	order := deliveredOrder(t, env)

	dispute, err := env.disputes.Open(order.OrderID, buyerID, "not what I asked for")
	require.NoError(t, err)
	assert.Equal(t, types.DisputeOpen, dispute.Status)
	assert.Equal(t, types.OrderDelivered, dispute.PreDisputeStatus)

	current, err := env.orders.GetDB().GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderDisputed, current.Status)

	// A disputed order cannot be confirmed past the freeze
	_, err = env.orders.ConfirmOrder(order.OrderID, buyerID)
	assert.ErrorIs(t, err, types.ErrInvalidStateTransition)
}

func TestOpenIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	order := deliveredOrder(t, env)

	first, err := env.disputes.Open(order.OrderID, buyerID, "issue one")
	require.NoError(t, err)
	second, err := env.disputes.Open(order.OrderID, sellerID, "issue two")
	require.NoError(t, err)
	assert.Equal(t, first.DisputeID, second.DisputeID)
}

func TestOpenRequiresOrderParty(t *testing.T) {
	env := newTestEnv(t)
	order := deliveredOrder(t, env)

	_, err := env.disputes.Open(order.OrderID, "stranger", "drive-by complaint")
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestOpenRequiresActiveWork(t *testing.T) {
	env := newTestEnv(t)
	catalogSvc := catalog.NewService(env.db)
	listing, err := catalogSvc.CreateListing(sellerID, "Poster", decimal.NewFromInt(200))
	require.NoError(t, err)
	detail, err := env.orders.CreateOrder(buyerID, orders.CreateOrderRequest{ServiceID: listing.ServiceID}, "")
	require.NoError(t, err)

	// Nothing to dispute before any work happened
	_, err = env.disputes.Open(detail.Order.OrderID, buyerID, "too early")
	assert.ErrorIs(t, err, types.ErrInvalidStateTransition)
}

func TestResolveReleaseToSeller(t *testing.T) {
	env := newTestEnv(t)
	order := deliveredOrder(t, env)
	dispute, err := env.disputes.Open(order.OrderID, buyerID, "quality")
	require.NoError(t, err)

	resolved, err := env.disputes.Resolve(dispute.DisputeID, adminID, types.ResolutionReleaseToSeller, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, types.DisputeResolved, resolved.Status)
	assert.Equal(t, adminID, resolved.ResolvedBy)

	current, err := env.orders.GetDB().GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCompleted, current.Status)

	assert.True(t, env.balance(t, sellerID).Equal(decimal.NewFromInt(900)))
	assert.True(t, env.balance(t, platformID).Equal(decimal.NewFromInt(100)))
}

func TestResolveRefundToBuyer(t *testing.T) {
	env := newTestEnv(t)
	order := deliveredOrder(t, env)
	dispute, err := env.disputes.Open(order.OrderID, buyerID, "never delivered usable files")
	require.NoError(t, err)

	_, err = env.disputes.Resolve(dispute.DisputeID, adminID, types.ResolutionRefundToBuyer, decimal.Zero)
	require.NoError(t, err)

	current, err := env.orders.GetDB().GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderRefunded, current.Status)

	assert.True(t, env.balance(t, buyerID).Equal(decimal.NewFromInt(1000)))
	assert.True(t, env.balance(t, sellerID).IsZero())
}

func TestResolveSplit(t *testing.T) {
	env := newTestEnv(t)
	order := deliveredOrder(t, env)
	dispute, err := env.disputes.Open(order.OrderID, sellerID, "buyer moved the goalposts")
	require.NoError(t, err)

	_, err = env.disputes.Resolve(dispute.DisputeID, adminID, types.ResolutionSplit, decimal.NewFromFloat(0.5))
	require.NoError(t, err)

	// Buyer gets half back; the fee comes out of the seller side pro rata
	assert.True(t, env.balance(t, buyerID).Equal(decimal.NewFromInt(500)), "buyer %s", env.balance(t, buyerID))
	assert.True(t, env.balance(t, sellerID).Equal(decimal.NewFromInt(450)), "seller %s", env.balance(t, sellerID))
	assert.True(t, env.balance(t, platformID).Equal(decimal.NewFromInt(50)), "platform %s", env.balance(t, platformID))

	// Conservation holds on the split path too
	total := env.balance(t, buyerID).Add(env.balance(t, sellerID)).Add(env.balance(t, platformID))
	assert.True(t, total.Equal(decimal.NewFromInt(1000)))
}

func TestResolveRejectsBadSplitRatio(t *testing.T) {
	env := newTestEnv(t)
	order := deliveredOrder(t, env)
	dispute, err := env.disputes.Open(order.OrderID, buyerID, "split it")
	require.NoError(t, err)

	_, err = env.disputes.Resolve(dispute.DisputeID, adminID, types.ResolutionSplit, decimal.NewFromFloat(1.5))
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = env.disputes.Resolve(dispute.DisputeID, adminID, types.ResolutionSplit, decimal.Zero)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestResolveTwiceFails(t *testing.T) {
	env := newTestEnv(t)
	order := deliveredOrder(t, env)
	dispute, err := env.disputes.Open(order.OrderID, buyerID, "quality")
	require.NoError(t, err)

	_, err = env.disputes.Resolve(dispute.DisputeID, adminID, types.ResolutionRefundToBuyer, decimal.Zero)
	require.NoError(t, err)
	_, err = env.disputes.Resolve(dispute.DisputeID, adminID, types.ResolutionReleaseToSeller, decimal.Zero)
	assert.ErrorIs(t, err, types.ErrAlreadyResolved)

	// The second attempt moved nothing
	assert.True(t, env.balance(t, buyerID).Equal(decimal.NewFromInt(1000)))
	assert.True(t, env.balance(t, sellerID).IsZero())
}

func TestDismissRestoresOrderWithFreshDeadline(t *testing.T) {
	env := newTestEnv(t)
	order := deliveredOrder(t, env)
	originalDeadline := *order.EscrowReleaseAt

	dispute, err := env.disputes.Open(order.OrderID, buyerID, "misunderstanding")
	require.NoError(t, err)

	dismissed, err := env.disputes.Dismiss(dispute.DisputeID, adminID)
	require.NoError(t, err)
	assert.Equal(t, types.DisputeDismissed, dismissed.Status)

	current, err := env.orders.GetDB().GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderDelivered, current.Status)
	require.NotNil(t, current.EscrowReleaseAt)

	// The auto-release clock restarts from the dismissal, not the original
	// delivery
	assert.False(t, current.EscrowReleaseAt.Before(originalDeadline))

	// No money moved
	assert.True(t, env.balance(t, sellerID).IsZero())
	assert.True(t, env.balance(t, buyerID).IsZero())
}
