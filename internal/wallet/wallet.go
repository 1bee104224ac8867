package wallet

import (
	"time"

	"github.com/craftmarket/escrow-api/internal/auth"
	"github.com/craftmarket/escrow-api/internal/types"
	"github.com/craftmarket/escrow-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service exposes the atomic money operations every other component goes
// through. No caller writes balances directly.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// GetDB exposes the wallet database so escrow operations can share its
// transactional primitives.
func (s *Service) GetDB() *Database {
	return s.db
}

// AccountID derives the wallet account ID for a user.
func AccountID(userID string) string {
	return "ACC_" + userID
}

// EnsureAccount creates the user's account on first touch.
func (s *Service) EnsureAccount(userID string) (*types.Account, error) {
	var account *types.Account
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		account, err = s.db.GetOrCreateAccountTx(tx, userID)
		return err
	})
	return account, err
}

// Credit adds funds to an account. It always succeeds for a positive amount.
func (s *Service) Credit(accountID string, amount decimal.Decimal, refType, refID string) (*types.LedgerEntry, error) {
	var entry *types.LedgerEntry
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.db.ApplyTx(tx, accountID, types.EntryCredit, amount, refType, refID)
		return err
	})
	return entry, err
}

// Debit removes funds from an account, failing with ErrInsufficientFunds
// when the balance does not cover the amount.
func (s *Service) Debit(accountID string, amount decimal.Decimal, refType, refID string) (*types.LedgerEntry, error) {
	var entry *types.LedgerEntry
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.db.ApplyTx(tx, accountID, types.EntryDebit, amount, refType, refID)
		return err
	})
	return entry, err
}

// Deposit funds a user's account from an external source.
func (s *Service) Deposit(userID string, amount decimal.Decimal) (*types.LedgerEntry, error) {
	logger := log.With().
		Str("user_id", userID).
		Str("service", "wallet").
		Logger()

	var entry *types.LedgerEntry
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		account, err := s.db.GetOrCreateAccountTx(tx, userID)
		if err != nil {
			return err
		}
		entry, err = s.db.ApplyTx(tx, account.AccountID, types.EntryCredit, amount, types.RefDeposit, "DEP_"+uuid.New().String())
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("deposit failed")
		return nil, err
	}

	logger.Info().
		Str("entry_id", entry.EntryID).
		Str("amount", amount.String()).
		Str("balance_after", entry.BalanceAfter.String()).
		Msg("deposit credited")
	return entry, nil
}

// GetBalance returns the wallet view for a user.
func (s *Service) GetBalance(userID string) (*types.BalanceResponse, error) {
	account, err := s.EnsureAccount(userID)
	if err != nil {
		return nil, err
	}
	return &types.BalanceResponse{
		AccountID:     account.AccountID,
		UserID:        account.UserID,
		Balance:       account.Balance,
		LockedBalance: account.LockedBalance,
		Timestamp:     time.Now(),
	}, nil
}

// Ledger returns the user's ledger entries in creation order.
func (s *Service) Ledger(userID string) ([]types.LedgerEntry, error) {
	account, err := s.db.GetAccountByUser(userID)
	if err != nil {
		return nil, err
	}
	return s.db.ListEntries(account.AccountID)
}

// Replay recomputes an account's balance from its ledger. Used by the audit
// endpoint; the result must always equal the cached balance.
func (s *Service) Replay(accountID string) (decimal.Decimal, error) {
	entries, err := s.db.ListEntries(accountID)
	if err != nil {
		return decimal.Zero, err
	}

	balance := decimal.Zero
	for _, entry := range entries {
		switch entry.EntryType {
		case types.EntryCredit, types.EntryRelease, types.EntryRefund:
			balance = balance.Add(entry.Amount)
		case types.EntryDebit, types.EntryHold:
			balance = balance.Sub(entry.Amount)
		}
	}
	return balance, nil
}

// Audit compares the cached balance against a full ledger replay.
func (s *Service) Audit(userID string) (*types.AuditResponse, error) {
	account, err := s.db.GetAccountByUser(userID)
	if err != nil {
		return nil, err
	}
	replayed, err := s.Replay(account.AccountID)
	if err != nil {
		return nil, err
	}
	return &types.AuditResponse{
		AccountID:       account.AccountID,
		Balance:         account.Balance,
		ReplayedBalance: replayed,
		Consistent:      account.Balance.Equal(replayed),
	}, nil
}

// GinHandlers contains HTTP handlers for wallet endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetAccountHandler returns the authenticated user's balance view.
func (h *GinHandlers) GetAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserIDFromContext(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		balance, err := h.service.GetBalance(userID)
		response.Handle(c, balance, err)
	}
}

// GetLedgerHandler returns the authenticated user's ledger entries.
func (h *GinHandlers) GetLedgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserIDFromContext(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		entries, err := h.service.Ledger(userID)
		response.Handle(c, entries, err)
	}
}

// AuditHandler replays the authenticated user's ledger and reports whether
// it reproduces the cached balance.
func (h *GinHandlers) AuditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserIDFromContext(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		audit, err := h.service.Audit(userID)
		response.Handle(c, audit, err)
	}
}

// DepositHandler credits the authenticated user's account. Stands in for the
// external payment processor that funds wallets in production.
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserIDFromContext(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		var request struct {
			Amount decimal.Decimal `json:"amount" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if request.Amount.LessThanOrEqual(decimal.Zero) {
			response.BadRequest(c, "Amount must be positive")
			return
		}

		entry, err := h.service.Deposit(userID, request.Amount)
		response.Handle(c, entry, err)
	}
}
