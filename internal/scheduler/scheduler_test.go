package scheduler_test

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
	"github.com/craftmarket/escrow-api/internal/scheduler"
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

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	kinds map[string][]string // userID -> kinds in order
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{kinds: make(map[string][]string)}
}

func (n *recordingNotifier) Notify(userID, kind string, payload map[string]interface{}) {
	n.kinds[userID] = append(n.kinds[userID], kind)
}

func (n *recordingNotifier) has(userID, kind string) bool {
	for _, k := range n.kinds[userID] {
		if k == kind {
			return true
		}
	}
	return false
}

type testEnv struct {
	db        *gorm.DB
	wallet    *wallet.Service
	catalog   *catalog.Service
	orders    *orders.Service
	disputes  *disputes.Service
	scheduler *scheduler.Scheduler
	notifier  *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.NewDatabase(dsn)
	require.NoError(t, err)

	notifier := newRecordingNotifier()
	walletSvc := wallet.NewService(db)
	escrowSvc := escrow.NewService(db, walletSvc.GetDB())
	catalogSvc := catalog.NewService(db)
	orderSvc := orders.NewService(db, escrowSvc, walletSvc.GetDB(), catalogSvc, notifier, orders.Config{
		PlatformUserID: platformID,
		FeeRate:        decimal.NewFromFloat(0.10),
		AcceptWindow:   48 * time.Hour,
		GracePeriod:    72 * time.Hour,
	})
	disputeSvc := disputes.NewService(db, orderSvc, notifier)

	env := &testEnv{
		db:        db,
		wallet:    walletSvc,
		catalog:   catalogSvc,
		orders:    orderSvc,
		disputes:  disputeSvc,
		scheduler: scheduler.NewScheduler(orderSvc, disputeSvc, notifier, time.Minute, 12*time.Hour),
		notifier:  notifier,
	}

	_, err = walletSvc.Deposit(buyerID, decimal.NewFromInt(1000))
	require.NoError(t, err)
	return env
}

func (e *testEnv) createOrder(t *testing.T, price int64) *types.Order {
	t.Helper()
	listing, err := e.catalog.CreateListing(sellerID, "Poster design", decimal.NewFromInt(price))
	require.NoError(t, err)
	detail, err := e.orders.CreateOrder(buyerID, orders.CreateOrderRequest{ServiceID: listing.ServiceID}, "")
	require.NoError(t, err)
	return detail.Order
}

func (e *testEnv) deliver(t *testing.T, orderID string) {
	t.Helper()
	_, err := e.orders.AcceptOrder(orderID, sellerID)
	require.NoError(t, err)
	_, err = e.orders.DeliverOrder(orderID, sellerID)
	require.NoError(t, err)
}

func (e *testEnv) setReleaseAt(t *testing.T, orderID string, at time.Time) {
	t.Helper()
	require.NoError(t, e.db.Model(&types.Order{}).
		Where("order_id = ?", orderID).
		Update("escrow_release_at", at).Error)
}

func (e *testEnv) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	b, err := e.wallet.GetBalance(userID)
	require.NoError(t, err)
	return b.Balance
}

func TestSweepAutoReleasesAfterGracePeriod(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, 500)
	env.deliver(t, order.OrderID)
	env.setReleaseAt(t, order.OrderID, time.Now().Add(-time.Minute))

	env.scheduler.Sweep()

	current, err := env.orders.GetDB().GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCompleted, current.Status)
	assert.Equal(t, types.EscrowReleased, current.EscrowStatus)

	assert.True(t, env.balance(t, sellerID).Equal(decimal.NewFromInt(450)))
	assert.True(t, env.balance(t, platformID).Equal(decimal.NewFromInt(50)))
	assert.True(t, env.notifier.has(buyerID, notify.KindOrderAutoReleased))
	assert.True(t, env.notifier.has(sellerID, notify.KindOrderAutoReleased))
}

func TestSweepLeavesFreshDeliveriesAlone(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, 500)
	env.deliver(t, order.OrderID)

	env.scheduler.Sweep()

	current, err := env.orders.GetDB().GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderDelivered, current.Status)
	assert.True(t, env.balance(t, sellerID).IsZero())
}

func TestSweepSkipsDisputedOrders(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, 500)
	env.deliver(t, order.OrderID)
	env.setReleaseAt(t, order.OrderID, time.Now().Add(-time.Minute))

	_, err := env.disputes.Open(order.OrderID, buyerID, "wrong deliverable")
	require.NoError(t, err)

	env.scheduler.Sweep()

	current, err := env.orders.GetDB().GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderDisputed, current.Status)
	assert.True(t, env.balance(t, sellerID).IsZero(), "disputed escrow must stay frozen")
}

func TestSweepCancelsExpiredPendingOrders(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, 500)
	require.NoError(t, env.db.Model(&types.Order{}).
		Where("order_id = ?", order.OrderID).
		Update("accept_deadline", time.Now().Add(-time.Hour)).Error)

	env.scheduler.Sweep()

	current, err := env.orders.GetDB().GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, current.Status)
	assert.True(t, env.balance(t, buyerID).Equal(decimal.NewFromInt(1000)),
		"expired order refunds the buyer in full")
	assert.True(t, env.notifier.has(buyerID, notify.KindOrderCancelled))
}

func TestSweepSendsReminderOnce(t *testing.T) {
	env := newTestEnv(t)
	order := env.createOrder(t, 500)
	env.deliver(t, order.OrderID)
	// Deadline inside the reminder window but not yet due
	env.setReleaseAt(t, order.OrderID, time.Now().Add(time.Hour))

	env.scheduler.Sweep()
	env.scheduler.Sweep()

	count := 0
	for _, k := range env.notifier.kinds[buyerID] {
		if k == notify.KindDeadlineApproaching {
			count++
		}
	}
	assert.Equal(t, 1, count, "reminder fires exactly once")

	// The order itself is untouched
	current, err := env.orders.GetDB().GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderDelivered, current.Status)
}
