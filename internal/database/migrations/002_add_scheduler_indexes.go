package migrations

import (
	"gorm.io/gorm"
)

// AddSchedulerIndexes creates the indexes behind the sweep queries, which
// filter on status plus a deadline column every pass.
func AddSchedulerIndexes(db *gorm.DB) error {
	indexes := []string{
		// Auto-release and reminder sweeps over delivered orders
		`CREATE INDEX IF NOT EXISTS idx_orders_status_release_at
		 ON orders(status, escrow_release_at)`,

		// Auto-cancel sweep over pending orders
		`CREATE INDEX IF NOT EXISTS idx_orders_status_accept_deadline
		 ON orders(status, accept_deadline)`,

		// Party views of their orders
		`CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders(buyer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_seller ON orders(seller_id)`,

		// Milestone unlock checks scan one order's milestones by position
		`CREATE INDEX IF NOT EXISTS idx_milestones_order_sort
		 ON milestones(order_id, sort_order)`,

		// One-open-dispute-per-order lookup
		`CREATE INDEX IF NOT EXISTS idx_disputes_order_status
		 ON disputes(order_id, status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
