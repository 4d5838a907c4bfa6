package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/ruralpay/walletcore/internal/audit"
	"github.com/ruralpay/walletcore/internal/models"
	"github.com/shopspring/decimal"
)

type DepositRequest struct {
	AccountID string          `json:"-"`
	Currency  string          `json:"currency" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Source    string          `json:"source,omitempty" validate:"max=128"`
}

type WithdrawDestination struct {
	BankCode      string `json:"bank_code" validate:"required,max=8"`
	AccountNumber string `json:"account_number" validate:"required,numeric,min=10,max=15"`
	AccountName   string `json:"account_name" validate:"required,max=140"`
}

type WithdrawRequest struct {
	AccountID   string              `json:"-"`
	Currency    string              `json:"currency" validate:"required"`
	Amount      decimal.Decimal     `json:"amount"`
	Destination WithdrawDestination `json:"destination"`
}

type WithdrawResult struct {
	JournalEntryID int64           `json:"journal_entry_id"`
	Balance        *models.Balance `json:"balance"`
}

// TransferRequest names the recipient either by account id or by Recipient (email or wallet address)
type TransferRequest struct {
	FromAccountID string          `json:"-"`
	ToAccountID   string          `json:"to_account_id,omitempty"`
	Recipient     string          `json:"recipient,omitempty" validate:"max=255"`
	Currency      string          `json:"currency" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description,omitempty" validate:"max=255"`
}

type TransferResult struct {
	CorrelationID      string          `json:"correlation_id"`
	RecipientAccountID string          `json:"recipient_account_id"`
	Balance            *models.Balance `json:"balance"`
}

// WalletService implements the balance-mutating wallet operations
type WalletService struct {
	uow        *UnitOfWork
	balances   *BalanceStore
	journal    *Journal
	banks      *BankDirectory
	payouts    *PayoutService
	audit      *audit.AuditLogger
	currencies map[string]bool
}

func NewWalletService(uow *UnitOfWork, balances *BalanceStore, journal *Journal, banks *BankDirectory, payouts *PayoutService, auditLogger *audit.AuditLogger, currencies []string) *WalletService {
	return &WalletService{
		uow:        uow,
		balances:   balances,
		journal:    journal,
		banks:      banks,
		payouts:    payouts,
		audit:      auditLogger,
		currencies: currencySet(currencies),
	}
}

func currencySet(currencies []string) map[string]bool {
	set := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		set[normalizeCurrency(c)] = true
	}
	return set
}

func normalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

// validateAmount rejects unsupported currencies, non-positive amounts and amounts finer than the currency scale
func validateAmount(supported map[string]bool, currency string, amount decimal.Decimal) error {
	scale, known := models.CurrencyScale(currency)
	if !known || !supported[currency] {
		return ErrUnsupportedCurrency
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(scale)) {
		return withDetail(ErrInvalidAmount, "amount exceeds %d decimal places for %s", scale, currency)
	}
	return nil
}

func (s *WalletService) Deposit(ctx context.Context, req DepositRequest) (*models.Balance, error) {
	req.Currency = normalizeCurrency(req.Currency)
	if err := validateAmount(s.currencies, req.Currency, req.Amount); err != nil {
		return nil, err
	}

	key := models.BalanceKey{AccountID: req.AccountID, Currency: req.Currency}
	correlationID := uuid.New().String()

	var balance *models.Balance
	err := s.uow.Run(ctx, func(tx *sql.Tx) error {
		if _, err := s.balances.LockBalance(ctx, tx, key); err != nil {
			return err
		}
		updated, err := s.balances.ApplyDelta(ctx, tx, key, models.Delta{Available: req.Amount})
		if err != nil {
			return err
		}
		entry := &models.JournalEntry{
			AccountID:     req.AccountID,
			Currency:      req.Currency,
			Direction:     models.DirectionCredit,
			Amount:        req.Amount,
			Kind:          models.KindDeposit,
			Status:        models.EntryPosted,
			CorrelationID: correlationID,
			Reference:     req.Source,
			Description:   "Deposit",
		}
		if err := s.journal.Append(ctx, tx, entry); err != nil {
			return err
		}
		balance = updated
		return nil
	})
	if err != nil {
		s.fail(ctx, "DEPOSIT", correlationID, req.AccountID, err)
		return nil, err
	}

	s.audit.LogMovement("DEPOSIT", correlationID, req.AccountID, req.Amount, req.Currency, map[string]string{"source": req.Source})
	return balance, nil
}

func (s *WalletService) validateDestination(dest WithdrawDestination) error {
	if _, ok := s.banks.Lookup(dest.BankCode); !ok {
		return withDetail(ErrInvalidDestination, "unknown bank code")
	}
	if strings.TrimSpace(dest.AccountName) == "" {
		return withDetail(ErrInvalidDestination, "account name is required")
	}
	number := strings.TrimSpace(dest.AccountNumber)
	if number == "" {
		return withDetail(ErrInvalidDestination, "account number is required")
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return withDetail(ErrInvalidDestination, "account number must be digits only")
		}
	}
	return nil
}

// Withdraw holds funds in the reserved bucket and records a PENDING WITHDRAW entry for review
func (s *WalletService) Withdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResult, error) {
	req.Currency = normalizeCurrency(req.Currency)
	if err := validateAmount(s.currencies, req.Currency, req.Amount); err != nil {
		return nil, err
	}
	if err := s.validateDestination(req.Destination); err != nil {
		return nil, err
	}
	bank, _ := s.banks.Lookup(req.Destination.BankCode)

	key := models.BalanceKey{AccountID: req.AccountID, Currency: req.Currency}
	correlationID := uuid.New().String()

	result := &WithdrawResult{}
	err := s.uow.Run(ctx, func(tx *sql.Tx) error {
		current, err := s.balances.LockBalance(ctx, tx, key)
		if err != nil {
			return err
		}
		if current.Available.LessThan(req.Amount) {
			return ErrInsufficientFunds
		}
		updated, err := s.balances.ApplyDelta(ctx, tx, key, models.Delta{
			Available: req.Amount.Neg(),
			Reserved:  req.Amount,
		})
		if err != nil {
			return err
		}
		entry := &models.JournalEntry{
			AccountID:     req.AccountID,
			Currency:      req.Currency,
			Direction:     models.DirectionDebit,
			Amount:        req.Amount,
			Kind:          models.KindWithdraw,
			Status:        models.EntryPending,
			CorrelationID: correlationID,
			Reference:     bank.Code,
			Description:   "Withdrawal to " + bank.ShortName,
			Metadata: models.Metadata{
				"bank_code":      bank.Code,
				"account_number": strings.TrimSpace(req.Destination.AccountNumber),
				"account_name":   strings.TrimSpace(req.Destination.AccountName),
			},
		}
		if err := s.journal.Append(ctx, tx, entry); err != nil {
			return err
		}
		result.JournalEntryID = entry.ID
		result.Balance = updated
		return nil
	})
	if err != nil {
		s.fail(ctx, "WITHDRAW", correlationID, req.AccountID, err)
		return nil, err
	}

	s.audit.LogMovement("WITHDRAW_REQUESTED", correlationID, req.AccountID, req.Amount, req.Currency, map[string]string{"bank_code": bank.Code})
	return result, nil
}

// lockPendingWithdrawal loads a withdrawal entry under lock and checks it still awaits review
func (s *WalletService) lockPendingWithdrawal(ctx context.Context, tx *sql.Tx, entryID int64) (*models.JournalEntry, error) {
	entry, err := s.journal.Get(ctx, tx, entryID, true)
	if err != nil {
		return nil, err
	}
	if entry.Kind != models.KindWithdraw || entry.Direction != models.DirectionDebit || entry.Status != models.EntryPending {
		return nil, ErrWithdrawalNotPending
	}
	return entry, nil
}

// ApproveWithdrawal releases the reserved funds and hands the payout to the clearing partner after commit
func (s *WalletService) ApproveWithdrawal(ctx context.Context, entryID int64) (*models.JournalEntry, error) {
	var entry *models.JournalEntry
	err := s.uow.Run(ctx, func(tx *sql.Tx) error {
		e, err := s.lockPendingWithdrawal(ctx, tx, entryID)
		if err != nil {
			return err
		}
		key := models.BalanceKey{AccountID: e.AccountID, Currency: e.Currency}
		if _, err := s.balances.LockBalance(ctx, tx, key); err != nil {
			return err
		}
		if _, err := s.balances.ApplyDelta(ctx, tx, key, models.Delta{Reserved: e.Amount.Neg()}); err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				return withDetail(ErrIntegrity, "reserved bucket below pending withdrawal %d", e.ID)
			}
			return err
		}
		if err := s.journal.TransitionStatus(ctx, tx, e.ID, models.EntryPending, models.EntryPosted); err != nil {
			return err
		}
		e.Status = models.EntryPosted
		entry = e
		return nil
	})
	if err != nil {
		s.fail(ctx, "WITHDRAW_APPROVE", fmt.Sprint(entryID), "", err)
		return nil, err
	}

	s.audit.LogMovement("WITHDRAW_APPROVED", entry.CorrelationID, entry.AccountID, entry.Amount, entry.Currency, nil)
	if err := s.payouts.SendPayout(ctx, entry); err != nil {
		log.Printf("[PAYOUT] Failed to send payout for withdrawal %d: %v", entry.ID, err)
		s.audit.Alert(ctx, audit.SeverityWarning, "payout", "payout instruction not delivered",
			map[string]string{"entry_id": fmt.Sprint(entry.ID), "correlation_id": entry.CorrelationID})
	}
	return entry, nil
}

// RejectWithdrawal returns the reserved funds to available and records a compensating credit
func (s *WalletService) RejectWithdrawal(ctx context.Context, entryID int64, reason string) (*models.JournalEntry, error) {
	var entry *models.JournalEntry
	err := s.uow.Run(ctx, func(tx *sql.Tx) error {
		e, err := s.lockPendingWithdrawal(ctx, tx, entryID)
		if err != nil {
			return err
		}
		key := models.BalanceKey{AccountID: e.AccountID, Currency: e.Currency}
		if _, err := s.balances.LockBalance(ctx, tx, key); err != nil {
			return err
		}
		if _, err := s.balances.ApplyDelta(ctx, tx, key, models.Delta{
			Available: e.Amount,
			Reserved:  e.Amount.Neg(),
		}); err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				return withDetail(ErrIntegrity, "reserved bucket below pending withdrawal %d", e.ID)
			}
			return err
		}
		if err := s.journal.TransitionStatus(ctx, tx, e.ID, models.EntryPending, models.EntryReversed); err != nil {
			return err
		}
		compensation := &models.JournalEntry{
			AccountID:     e.AccountID,
			Currency:      e.Currency,
			Direction:     models.DirectionCredit,
			Amount:        e.Amount,
			Kind:          models.KindWithdraw,
			Status:        models.EntryPosted,
			CorrelationID: e.CorrelationID,
			Reference:     fmt.Sprintf("WD-%d", e.ID),
			Description:   "Withdrawal rejected: " + reason,
		}
		if err := s.journal.Append(ctx, tx, compensation); err != nil {
			return err
		}
		e.Status = models.EntryReversed
		entry = e
		return nil
	})
	if err != nil {
		s.fail(ctx, "WITHDRAW_REJECT", fmt.Sprint(entryID), "", err)
		return nil, err
	}

	s.audit.LogMovement("WITHDRAW_REJECTED", entry.CorrelationID, entry.AccountID, entry.Amount, entry.Currency, map[string]string{"reason": reason})
	if err := s.payouts.SendStatusReport(ctx, entry, PayoutRejected); err != nil {
		log.Printf("[PAYOUT] Failed to send status report for withdrawal %d: %v", entry.ID, err)
	}
	return entry, nil
}

func lockRecipientAccount(ctx context.Context, tx DBTX, accountID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM accounts
		WHERE id = $1 AND status = 'active'
		FOR SHARE`,
		accountID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecipientNotFound
	}
	if err != nil {
		return fmt.Errorf("lock recipient: %w", err)
	}
	return nil
}

// Transfer moves funds between two accounts in one currency
func (s *WalletService) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	req.Currency = normalizeCurrency(req.Currency)
	if err := validateAmount(s.currencies, req.Currency, req.Amount); err != nil {
		return nil, err
	}
	if req.ToAccountID == "" && strings.TrimSpace(req.Recipient) == "" {
		return nil, ErrRecipientNotFound
	}
	if req.ToAccountID == req.FromAccountID {
		return nil, ErrSameAccount
	}

	correlationID := uuid.New().String()
	result := &TransferResult{CorrelationID: correlationID}

	err := s.uow.Run(ctx, func(tx *sql.Tx) error {
		toAccountID := req.ToAccountID
		if toAccountID == "" {
			resolved, err := resolveRecipient(ctx, tx, req.Recipient, req.Currency)
			if err != nil {
				return err
			}
			toAccountID = resolved
		} else if err := lockRecipientAccount(ctx, tx, toAccountID); err != nil {
			return err
		}
		if toAccountID == req.FromAccountID {
			return ErrSameAccount
		}

		fromKey := models.BalanceKey{AccountID: req.FromAccountID, Currency: req.Currency}
		toKey := models.BalanceKey{AccountID: toAccountID, Currency: req.Currency}
		locked, err := s.balances.LockBalances(ctx, tx, fromKey, toKey)
		if err != nil {
			return err
		}
		if locked[fromKey].Available.LessThan(req.Amount) {
			return ErrInsufficientFunds
		}

		sender, err := s.balances.ApplyDelta(ctx, tx, fromKey, models.Delta{Available: req.Amount.Neg()})
		if err != nil {
			return err
		}
		if _, err := s.balances.ApplyDelta(ctx, tx, toKey, models.Delta{Available: req.Amount}); err != nil {
			return err
		}

		out := models.JournalEntry{
			AccountID:        req.FromAccountID,
			Currency:         req.Currency,
			Direction:        models.DirectionDebit,
			Amount:           req.Amount,
			Kind:             models.KindTransferOut,
			RelatedAccountID: &toAccountID,
			Status:           models.EntryPosted,
			CorrelationID:    correlationID,
			Description:      req.Description,
		}
		in := models.JournalEntry{
			AccountID:        toAccountID,
			Currency:         req.Currency,
			Direction:        models.DirectionCredit,
			Amount:           req.Amount,
			Kind:             models.KindTransferIn,
			RelatedAccountID: &req.FromAccountID,
			Status:           models.EntryPosted,
			CorrelationID:    correlationID,
			Description:      req.Description,
		}
		if err := CheckConservation([]models.JournalEntry{out, in}); err != nil {
			return err
		}
		if err := s.journal.Append(ctx, tx, &out); err != nil {
			return err
		}
		if err := s.journal.Append(ctx, tx, &in); err != nil {
			return err
		}

		result.RecipientAccountID = toAccountID
		result.Balance = sender
		return nil
	})
	if err != nil {
		s.fail(ctx, "TRANSFER", correlationID, req.FromAccountID, err)
		return nil, err
	}

	s.audit.LogMovement("TRANSFER", correlationID, req.FromAccountID, req.Amount, req.Currency,
		map[string]string{"to_account_id": result.RecipientAccountID})
	return result, nil
}

func (s *WalletService) Balances(ctx context.Context, accountID string) ([]models.Balance, error) {
	return s.balances.ListBalances(ctx, accountID)
}

func (s *WalletService) Ledger(ctx context.Context, filter models.JournalFilter) ([]models.JournalEntry, error) {
	return s.journal.ListByAccount(ctx, filter)
}

// fail audits a failed operation and raises a critical alert for integrity violations.
// Runs after the unit of work has released its locks.
func (s *WalletService) fail(ctx context.Context, op, correlationID, accountID string, err error) {
	s.audit.LogError(op, correlationID, accountID, err)
	alertOnIntegrity(ctx, s.audit, op, correlationID, err)
}

func alertOnIntegrity(ctx context.Context, auditLogger *audit.AuditLogger, op, correlationID string, err error) {
	if !errors.Is(err, ErrIntegrity) {
		return
	}
	auditLogger.Alert(ctx, audit.SeverityCritical, "ledger", "integrity violation",
		map[string]string{"operation": op, "correlation_id": correlationID, "error": err.Error()})
}
