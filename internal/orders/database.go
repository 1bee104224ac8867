package orders

import (
	"errors"
	"time"

	"github.com/craftmarket/escrow-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) DB() *gorm.DB {
	return d.db
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderTx(tx *gorm.DB, orderID string) (*types.Order, error) {
	var order types.Order
	if err := tx.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// transitionTx is the single writer of Order.Status. It validates the edge
// against the lifecycle graph and applies the update under the order's
// optimistic version check; a lost race surfaces as ErrConflict so the
// caller's whole transaction rolls back.
func (d *Database) transitionTx(tx *gorm.DB, order *types.Order, to string, updates map[string]interface{}) error {
	if !canTransition(order.Status, to) {
		return types.ErrInvalidStateTransition
	}

	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	updates["version"] = order.Version + 1
	updates["updated_at"] = time.Now()

	result := tx.Model(&types.Order{}).
		Where("order_id = ? AND version = ?", order.OrderID, order.Version).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrConflict
	}

	order.Status = to
	order.Version++
	return nil
}

// updateOrderTx applies non-status field updates under the same version
// guard as transitionTx.
func (d *Database) updateOrderTx(tx *gorm.DB, order *types.Order, updates map[string]interface{}) error {
	updates["version"] = order.Version + 1
	updates["updated_at"] = time.Now()

	result := tx.Model(&types.Order{}).
		Where("order_id = ? AND version = ?", order.OrderID, order.Version).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrConflict
	}
	order.Version++
	return nil
}

func (d *Database) ListMilestones(orderID string) ([]types.Milestone, error) {
	var milestones []types.Milestone
	if err := d.db.Where("order_id = ?", orderID).Order("sort_order ASC").Find(&milestones).Error; err != nil {
		return nil, err
	}
	return milestones, nil
}

func (d *Database) GetMilestone(milestoneID string) (*types.Milestone, error) {
	var milestone types.Milestone
	if err := d.db.Where("milestone_id = ?", milestoneID).First(&milestone).Error; err != nil {
		return nil, err
	}
	return &milestone, nil
}

func (d *Database) getMilestoneTx(tx *gorm.DB, milestoneID string) (*types.Milestone, error) {
	var milestone types.Milestone
	if err := tx.Where("milestone_id = ?", milestoneID).First(&milestone).Error; err != nil {
		return nil, err
	}
	return &milestone, nil
}

// updateMilestoneStatusTx moves a milestone between statuses, using the
// current status as the guard so a raced double-submit or double-approve
// affects zero rows.
func (d *Database) updateMilestoneStatusTx(tx *gorm.DB, milestone *types.Milestone, from string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()

	result := tx.Model(&types.Milestone{}).
		Where("milestone_id = ? AND status = ?", milestone.MilestoneID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrConflict
	}
	return nil
}

// countUnapprovedBeforeTx returns how many earlier milestones are not yet
// approved, enforcing sequential unlock.
func (d *Database) countUnapprovedBeforeTx(tx *gorm.DB, orderID string, sortOrder int) (int64, error) {
	var count int64
	err := tx.Model(&types.Milestone{}).
		Where("order_id = ? AND sort_order < ? AND status <> ?", orderID, sortOrder, types.MilestoneApproved).
		Count(&count).Error
	return count, err
}

// countUnapprovedTx returns how many milestones on the order are not yet
// approved.
func (d *Database) countUnapprovedTx(tx *gorm.DB, orderID string) (int64, error) {
	var count int64
	err := tx.Model(&types.Milestone{}).
		Where("order_id = ? AND status <> ?", orderID, types.MilestoneApproved).
		Count(&count).Error
	return count, err
}

func (d *Database) GetRevisionPackage(packageID string) (*types.RevisionPackage, error) {
	var pkg types.RevisionPackage
	if err := d.db.Where("package_id = ?", packageID).First(&pkg).Error; err != nil {
		return nil, err
	}
	return &pkg, nil
}

// consumeRevisionCreditTx uses up one purchased revision round on the order.
// Returns ErrRevisionLimitReached when no package has credit left.
func (d *Database) consumeRevisionCreditTx(tx *gorm.DB, orderID string) (*types.RevisionPackage, error) {
	var pkg types.RevisionPackage
	err := tx.Where("order_id = ? AND status = ? AND used_count < quantity", orderID, types.PackageActive).
		Order("created_at ASC").First(&pkg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrRevisionLimitReached
		}
		return nil, err
	}

	result := tx.Model(&types.RevisionPackage{}).
		Where("package_id = ? AND used_count = ?", pkg.PackageID, pkg.UsedCount).
		Updates(map[string]interface{}{
			"used_count": pkg.UsedCount + 1,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, types.ErrConflict
	}
	pkg.UsedCount++
	return &pkg, nil
}

func (d *Database) listActivePackagesTx(tx *gorm.DB, orderID string) ([]types.RevisionPackage, error) {
	var pkgs []types.RevisionPackage
	if err := tx.Where("order_id = ? AND status = ?", orderID, types.PackageActive).Find(&pkgs).Error; err != nil {
		return nil, err
	}
	return pkgs, nil
}

func (d *Database) updatePackageStatusTx(tx *gorm.DB, packageID, status string) error {
	return tx.Model(&types.RevisionPackage{}).
		Where("package_id = ?", packageID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}

// GetIdempotencyRecord retrieves an idempotency record by key, returning nil
// when the key is unused.
func (d *Database) GetIdempotencyRecord(key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) createIdempotencyRecordTx(tx *gorm.DB, key, resourceID, resourceType string) error {
	record := types.IdempotencyRecord{
		IdempotencyKey: key,
		ResourceID:     resourceID,
		ResourceType:   resourceType,
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}
	return tx.Create(&record).Error
}

// Scheduler queries. Each returns work for one sweep pass; the transition
// guards make acting on a stale row a safe no-op.

func (d *Database) FindDueForAutoRelease(now time.Time) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where("status = ? AND escrow_release_at IS NOT NULL AND escrow_release_at <= ?", types.OrderDelivered, now).
		Find(&orders).Error
	return orders, err
}

func (d *Database) FindExpiredPending(now time.Time) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where("status = ? AND accept_deadline <= ?", types.OrderPending, now).
		Find(&orders).Error
	return orders, err
}

func (d *Database) FindReminderDue(now time.Time, window time.Duration) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where(
		"status = ? AND reminder_sent_at IS NULL AND escrow_release_at IS NOT NULL AND escrow_release_at > ? AND escrow_release_at <= ?",
		types.OrderDelivered, now, now.Add(window)).
		Find(&orders).Error
	return orders, err
}

func (d *Database) MarkReminderSent(orderID string, at time.Time) error {
	return d.db.Model(&types.Order{}).
		Where("order_id = ? AND reminder_sent_at IS NULL", orderID).
		Update("reminder_sent_at", at).Error
}
