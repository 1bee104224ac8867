package disputes

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

func (d *Database) GetDispute(disputeID string) (*types.Dispute, error) {
	var dispute types.Dispute
	if err := d.db.Where("dispute_id = ?", disputeID).First(&dispute).Error; err != nil {
		return nil, err
	}
	return &dispute, nil
}

// GetOpenByOrderTx returns the order's open dispute, or nil when there is
// none. At most one dispute per order is ever open.
func (d *Database) GetOpenByOrderTx(tx *gorm.DB, orderID string) (*types.Dispute, error) {
	var dispute types.Dispute
	err := tx.Where("order_id = ? AND status = ?", orderID, types.DisputeOpen).First(&dispute).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dispute, nil
}

func (d *Database) GetOpenByOrder(orderID string) (*types.Dispute, error) {
	return d.GetOpenByOrderTx(d.db, orderID)
}

// closeDisputeTx marks the dispute resolved or dismissed, guarding on the
// open status so a second resolution affects zero rows.
func (d *Database) closeDisputeTx(tx *gorm.DB, dispute *types.Dispute, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()

	result := tx.Model(&types.Dispute{}).
		Where("dispute_id = ? AND status = ?", dispute.DisputeID, types.DisputeOpen).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrAlreadyResolved
	}
	return nil
}

func (d *Database) ListOpen() ([]types.Dispute, error) {
	var disputes []types.Dispute
	err := d.db.Where("status = ?", types.DisputeOpen).Order("opened_at ASC").Find(&disputes).Error
	return disputes, err
}
