package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/lib/pq"
	"github.com/ruralpay/walletcore/internal/models"
)

const pqForeignKeyViolation = "23503"

const balanceColumns = `account_id, currency, available_amount, pending_amount, reserved_amount, wallet_address, version, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// BalanceStore owns the balances table. Every mutating call must run inside a unit of work.
type BalanceStore struct {
	db *sql.DB
}

func NewBalanceStore(db *sql.DB) *BalanceStore {
	return &BalanceStore{db: db}
}

func scanBalance(row rowScanner) (*models.Balance, error) {
	var b models.Balance
	err := row.Scan(&b.AccountID, &b.Currency, &b.Available, &b.Pending, &b.Reserved, &b.WalletAddress, &b.Version, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetOrCreateBalance returns the balance row, inserting a zero row first if it is absent
func (s *BalanceStore) GetOrCreateBalance(ctx context.Context, db DBTX, key models.BalanceKey) (*models.Balance, error) {
	if err := s.ensureBalance(ctx, db, key); err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, `
		SELECT `+balanceColumns+`
		FROM balances
		WHERE account_id = $1 AND currency = $2`,
		key.AccountID, key.Currency)
	return scanBalance(row)
}

// LockBalance takes a row lock on one balance, creating the row if needed
func (s *BalanceStore) LockBalance(ctx context.Context, tx DBTX, key models.BalanceKey) (*models.Balance, error) {
	balance, err := s.selectForUpdate(ctx, tx, key)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock balance: %w", err)
	}

	if err := s.ensureBalance(ctx, tx, key); err != nil {
		return nil, err
	}
	balance, err = s.selectForUpdate(ctx, tx, key)
	if err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}
	return balance, nil
}

// LockBalances locks every key in ascending (account_id, currency) order
func (s *BalanceStore) LockBalances(ctx context.Context, tx DBTX, keys ...models.BalanceKey) (map[models.BalanceKey]*models.Balance, error) {
	ordered := sortedKeys(keys)
	locked := make(map[models.BalanceKey]*models.Balance, len(ordered))
	for _, key := range ordered {
		balance, err := s.LockBalance(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		locked[key] = balance
	}
	return locked, nil
}

// ApplyDelta changes the three buckets in one conditional update.
// No row is touched when any bucket would go negative.
func (s *BalanceStore) ApplyDelta(ctx context.Context, tx DBTX, key models.BalanceKey, delta models.Delta) (*models.Balance, error) {
	row := tx.QueryRowContext(ctx, `
		UPDATE balances
		SET available_amount = available_amount + $3,
			pending_amount = pending_amount + $4,
			reserved_amount = reserved_amount + $5,
			version = version + 1,
			updated_at = NOW()
		WHERE account_id = $1 AND currency = $2
			AND available_amount + $3 >= 0
			AND pending_amount + $4 >= 0
			AND reserved_amount + $5 >= 0
		RETURNING `+balanceColumns,
		key.AccountID, key.Currency, delta.Available, delta.Pending, delta.Reserved)

	balance, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, fmt.Errorf("apply balance delta: %w", err)
	}
	return balance, nil
}

// ListBalances returns every balance of an account ordered by currency
func (s *BalanceStore) ListBalances(ctx context.Context, accountID string) ([]models.Balance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+balanceColumns+`
		FROM balances
		WHERE account_id = $1
		ORDER BY currency`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var balances []models.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, *b)
	}
	return balances, rows.Err()
}

func (s *BalanceStore) selectForUpdate(ctx context.Context, tx DBTX, key models.BalanceKey) (*models.Balance, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+balanceColumns+`
		FROM balances
		WHERE account_id = $1 AND currency = $2
		FOR UPDATE`,
		key.AccountID, key.Currency)
	return scanBalance(row)
}

func (s *BalanceStore) ensureBalance(ctx context.Context, db DBTX, key models.BalanceKey) error {
	address, err := newWalletAddress()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO balances (account_id, currency, wallet_address)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, currency) DO NOTHING`,
		key.AccountID, key.Currency, address)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return ErrAccountNotFound
		}
		return fmt.Errorf("create balance: %w", err)
	}
	return nil
}

func sortedKeys(keys []models.BalanceKey) []models.BalanceKey {
	seen := make(map[models.BalanceKey]bool, len(keys))
	out := make([]models.BalanceKey, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func newWalletAddress() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate wallet address: %w", err)
	}
	return "0x" + hex.EncodeToString(buf), nil
}
