package database

import (
	"fmt"

	"github.com/craftmarket/escrow-api/internal/catalog"
	"github.com/craftmarket/escrow-api/internal/database/migrations"
	"github.com/craftmarket/escrow-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Auto-migrate schemas
	err = db.AutoMigrate(
		&types.Account{},
		&types.LedgerEntry{},
		&types.Escrow{},
		&types.Order{},
		&types.Milestone{},
		&types.Dispute{},
		&types.RevisionPackage{},
		&types.IdempotencyRecord{},
		&catalog.Listing{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddLedgerIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddSchedulerIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
