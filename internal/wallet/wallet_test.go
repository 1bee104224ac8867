package wallet_test

import (
	"fmt"
	"testing"

	"github.com/craftmarket/escrow-api/internal/database"
	"github.com/craftmarket/escrow-api/internal/types"
	"github.com/craftmarket/escrow-api/internal/wallet"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *wallet.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.NewDatabase(dsn)
	require.NoError(t, err)
	return wallet.NewService(db)
}

func TestDepositCreditsBalance(t *testing.T) {
	svc := newTestService(t)

	entry, err := svc.Deposit("user_1", decimal.NewFromInt(250))
	require.NoError(t, err)
	assert.Equal(t, types.EntryCredit, entry.EntryType)
	assert.True(t, entry.BalanceBefore.IsZero())
	assert.True(t, entry.BalanceAfter.Equal(decimal.NewFromInt(250)))

	balance, err := svc.GetBalance("user_1")
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(250)))
	assert.True(t, balance.LockedBalance.IsZero())
}

func TestDebitInsufficientFunds(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Deposit("user_1", decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = svc.Debit(wallet.AccountID("user_1"), decimal.NewFromInt(150), types.RefOrder, "ORD_test")
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)

	// Failed debit leaves no ledger trace
	entries, err := svc.Ledger("user_1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Deposit("user_1", decimal.Zero)
	assert.Error(t, err)

	_, err = svc.Deposit("user_1", decimal.NewFromInt(-5))
	assert.Error(t, err)
}

func TestReplayReproducesBalance(t *testing.T) {
	svc := newTestService(t)
	accountID := wallet.AccountID("user_1")

	_, err := svc.Deposit("user_1", decimal.NewFromInt(1000))
	require.NoError(t, err)
	_, err = svc.Debit(accountID, decimal.NewFromFloat(199.99), types.RefOrder, "ORD_a")
	require.NoError(t, err)
	_, err = svc.Credit(accountID, decimal.NewFromFloat(49.50), types.RefOrder, "ORD_b")
	require.NoError(t, err)
	_, err = svc.Debit(accountID, decimal.NewFromFloat(300.01), types.RefOrder, "ORD_c")
	require.NoError(t, err)

	balance, err := svc.GetBalance("user_1")
	require.NoError(t, err)

	replayed, err := svc.Replay(accountID)
	require.NoError(t, err)
	assert.True(t, replayed.Equal(balance.Balance),
		"replayed %s, cached %s", replayed, balance.Balance)
	assert.True(t, replayed.Equal(decimal.NewFromFloat(549.50)))

	audit, err := svc.Audit("user_1")
	require.NoError(t, err)
	assert.True(t, audit.Consistent)
	assert.True(t, audit.ReplayedBalance.Equal(audit.Balance))
}

func TestLedgerEntriesChain(t *testing.T) {
	svc := newTestService(t)
	accountID := wallet.AccountID("user_1")

	_, err := svc.Deposit("user_1", decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = svc.Debit(accountID, decimal.NewFromInt(40), types.RefOrder, "ORD_a")
	require.NoError(t, err)
	_, err = svc.Credit(accountID, decimal.NewFromInt(10), types.RefOrder, "ORD_a")
	require.NoError(t, err)

	entries, err := svc.Ledger("user_1")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Each entry's balance_before equals the previous entry's balance_after
	for i := 1; i < len(entries); i++ {
		assert.True(t, entries[i].BalanceBefore.Equal(entries[i-1].BalanceAfter),
			"entry %d before=%s, previous after=%s", i, entries[i].BalanceBefore, entries[i-1].BalanceAfter)
	}
}
