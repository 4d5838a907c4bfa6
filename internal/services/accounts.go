package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ruralpay/walletcore/internal/models"
)

const accountColumns = `id, kind, email, role, agency_id, status, created_at`

// CreateAccountRequest opens a user or agency account
type CreateAccountRequest struct {
	ID       string  `json:"id,omitempty"`
	Kind     string  `json:"kind" validate:"required,oneof=user agency"`
	Email    string  `json:"email,omitempty" validate:"omitempty,email"`
	Role     string  `json:"role" validate:"required,max=32"`
	AgencyID *string `json:"agency_id,omitempty"`
}

type AccountService struct {
	db *sql.DB
}

func NewAccountService(db *sql.DB) *AccountService {
	return &AccountService{db: db}
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	var email, agency sql.NullString
	if err := row.Scan(&a.ID, &a.Kind, &email, &a.Role, &agency, &a.Status, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Email = email.String
	if agency.Valid {
		a.AgencyID = &agency.String
	}
	return &a, nil
}

func (s *AccountService) CreateAccount(ctx context.Context, req CreateAccountRequest) (*models.Account, error) {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	var email any
	if req.Email != "" {
		email = strings.ToLower(req.Email)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, kind, email, role, agency_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+accountColumns,
		id, req.Kind, email, req.Role, req.AgencyID, models.AccountStatusActive)
	account, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return account, nil
}

func (s *AccountService) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return s.getAccount(ctx, s.db, id)
}

func (s *AccountService) getAccount(ctx context.Context, db DBTX, id string) (*models.Account, error) {
	account, err := scanAccount(db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

// EnsureSystemAccount creates the exchange reserve account if it does not exist
func (s *AccountService) EnsureSystemAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, kind, role, status)
		VALUES ($1, $2, 'system', $3)
		ON CONFLICT (id) DO NOTHING`,
		id, models.AccountKindAgency, models.AccountStatusActive)
	if err != nil {
		return fmt.Errorf("ensure system account: %w", err)
	}
	return nil
}

// resolveRecipient maps an email or wallet address to an active account id.
// The account row is share-locked so it cannot be closed before commit.
func resolveRecipient(ctx context.Context, tx DBTX, recipient, currency string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", ErrRecipientNotFound
	}

	var accountID string
	if strings.Contains(recipient, "@") {
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM accounts
			WHERE lower(email) = lower($1) AND status = 'active'
			FOR SHARE`,
			recipient).Scan(&accountID)
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrRecipientNotFound
		}
		if err != nil {
			return "", fmt.Errorf("resolve recipient: %w", err)
		}
		return accountID, nil
	}

	var walletCurrency string
	err := tx.QueryRowContext(ctx, `
		SELECT a.id, b.currency
		FROM balances b
		JOIN accounts a ON a.id = b.account_id
		WHERE b.wallet_address = $1 AND a.status = 'active'
		FOR SHARE OF a`,
		recipient).Scan(&accountID, &walletCurrency)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRecipientNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve recipient: %w", err)
	}
	if walletCurrency != currency {
		return "", ErrCurrencyMismatch
	}
	return accountID, nil
}
