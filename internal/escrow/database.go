package escrow

import (
	"errors"
	"time"

	"github.com/craftmarket/escrow-api/internal/types"
	"github.com/craftmarket/escrow-api/internal/wallet"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Database struct {
	db     *gorm.DB
	wallet *wallet.Database
}

func NewDatabase(db *gorm.DB, walletDB *wallet.Database) *Database {
	return &Database{db: db, wallet: walletDB}
}

func (d *Database) DB() *gorm.DB {
	return d.db
}

func (d *Database) GetEscrow(escrowID string) (*types.Escrow, error) {
	var escrow types.Escrow
	if err := d.db.Where("escrow_id = ?", escrowID).First(&escrow).Error; err != nil {
		return nil, err
	}
	return &escrow, nil
}

func (d *Database) GetByReference(refType, refID string) (*types.Escrow, error) {
	var escrow types.Escrow
	if err := d.db.Where("reference_type = ? AND reference_id = ?", refType, refID).First(&escrow).Error; err != nil {
		return nil, err
	}
	return &escrow, nil
}

func (d *Database) getEscrowTx(tx *gorm.DB, escrowID string) (*types.Escrow, error) {
	var escrow types.Escrow
	if err := tx.Where("escrow_id = ?", escrowID).First(&escrow).Error; err != nil {
		return nil, err
	}
	return &escrow, nil
}

// updateEscrowTx applies new released/refunded totals under the escrow's
// optimistic version check.
func (d *Database) updateEscrowTx(tx *gorm.DB, escrow *types.Escrow, released, refunded decimal.Decimal, status string) error {
	result := tx.Model(&types.Escrow{}).
		Where("escrow_id = ? AND version = ?", escrow.EscrowID, escrow.Version).
		Updates(map[string]interface{}{
			"released_amount": released,
			"refunded_amount": refunded,
			"status":          status,
			"version":         escrow.Version + 1,
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrConflict
	}
	return nil
}

// getIdempotencyRecordTx returns the record for a key, or nil when the key
// has not been used.
func (d *Database) getIdempotencyRecordTx(tx *gorm.DB, key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := tx.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
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
