package migrations

import (
	"gorm.io/gorm"
)

// AddLedgerIndexes creates the indexes the ledger and escrow read paths lean
// on. Using raw SQL for index creation to have more control over index types.
func AddLedgerIndexes(db *gorm.DB) error {
	indexes := []string{
		// Ledger replay reads an account's entries in insertion order
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account
		 ON ledger_entries(account_id, id)`,

		// Reverse lookups from an order or package to its money movements
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_reference
		 ON ledger_entries(reference_type, reference_id)`,

		// Escrow lookup by the thing it backs
		`CREATE INDEX IF NOT EXISTS idx_escrows_reference
		 ON escrows(reference_type, reference_id)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
