package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/craftmarket/escrow-api/internal/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Database owns every write to Account.Balance and Account.LockedBalance.
// The Tx-suffixed methods run inside a caller-provided transaction so that
// escrow and order operations can move money atomically with their own rows.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// DB exposes the underlying connection for callers that need to open a
// transaction spanning wallet writes and their own rows.
func (d *Database) DB() *gorm.DB {
	return d.db
}

func (d *Database) GetAccount(accountID string) (*types.Account, error) {
	var account types.Account
	if err := d.db.Where("account_id = ?", accountID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (d *Database) GetAccountByUser(userID string) (*types.Account, error) {
	var account types.Account
	if err := d.db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// GetOrCreateAccountTx loads the account for a user, creating an empty one
// on first use.
func (d *Database) GetOrCreateAccountTx(tx *gorm.DB, userID string) (*types.Account, error) {
	var account types.Account
	err := tx.Where("user_id = ?", userID).First(&account).Error
	if err == nil {
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	account = types.Account{
		AccountID:     "ACC_" + userID,
		UserID:        userID,
		Balance:       decimal.Zero,
		LockedBalance: decimal.Zero,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := tx.Create(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// ApplyTx moves money on one account and appends the matching ledger entry in
// the same transaction. Entry types credit, release and refund increase the
// balance; debit and hold decrease it and fail with ErrInsufficientFunds when
// the balance does not cover the amount. The account row is guarded by an
// optimistic version check; a lost race surfaces as ErrConflict.
func (d *Database) ApplyTx(tx *gorm.DB, accountID, entryType string, amount decimal.Decimal, refType, refID string) (*types.LedgerEntry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("ledger amount must be positive, got %s", amount)
	}

	var account types.Account
	if err := tx.Where("account_id = ?", accountID).First(&account).Error; err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}

	before := account.Balance
	var after decimal.Decimal
	switch entryType {
	case types.EntryCredit, types.EntryRelease, types.EntryRefund:
		after = before.Add(amount)
	case types.EntryDebit, types.EntryHold:
		after = before.Sub(amount)
		if after.IsNegative() {
			return nil, types.ErrInsufficientFunds
		}
	default:
		return nil, fmt.Errorf("unknown ledger entry type %q", entryType)
	}

	result := tx.Model(&types.Account{}).
		Where("account_id = ? AND version = ?", account.AccountID, account.Version).
		Updates(map[string]interface{}{
			"balance":    after,
			"version":    account.Version + 1,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, types.ErrConflict
	}

	entry := &types.LedgerEntry{
		EntryID:       "LED_" + uuid.New().String(),
		AccountID:     account.AccountID,
		EntryType:     entryType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		ReferenceType: refType,
		ReferenceID:   refID,
		CreatedAt:     time.Now(),
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// AdjustLockedTx moves the locked-balance bookkeeping on an account. Locked
// funds mirror escrow holds attributable to the account as seller and are not
// part of the spendable balance, so no ledger entry is written.
func (d *Database) AdjustLockedTx(tx *gorm.DB, accountID string, delta decimal.Decimal) error {
	var account types.Account
	if err := tx.Where("account_id = ?", accountID).First(&account).Error; err != nil {
		return fmt.Errorf("failed to load account %s: %w", accountID, err)
	}

	locked := account.LockedBalance.Add(delta)
	if locked.IsNegative() {
		locked = decimal.Zero
	}

	result := tx.Model(&types.Account{}).
		Where("account_id = ? AND version = ?", account.AccountID, account.Version).
		Updates(map[string]interface{}{
			"locked_balance": locked,
			"version":        account.Version + 1,
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrConflict
	}
	return nil
}

// ListEntries returns the account's ledger in creation order.
func (d *Database) ListEntries(accountID string) ([]types.LedgerEntry, error) {
	var entries []types.LedgerEntry
	if err := d.db.Where("account_id = ?", accountID).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// ListEntriesByReference returns every ledger entry tagged with a reference,
// across all accounts.
func (d *Database) ListEntriesByReference(refType, refID string) ([]types.LedgerEntry, error) {
	var entries []types.LedgerEntry
	if err := d.db.Where("reference_type = ? AND reference_id = ?", refType, refID).
		Order("id ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
