package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgreSQL error codes that mean another transaction holds what we need
const (
	pqLockNotAvailable     = "55P03"
	pqDeadlockDetected     = "40P01"
	pqSerializationFailure = "40001"
)

// DBTX is satisfied by *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UnitOfWork runs a function inside one database transaction with a bounded lock wait
type UnitOfWork struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewUnitOfWork(db *sql.DB, lockTimeout time.Duration) *UnitOfWork {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &UnitOfWork{db: db, lockTimeout: lockTimeout}
}

// Run commits when fn returns nil and rolls back otherwise.
// Lock waits, deadlocks and serialization failures come back as ErrLockTimeout.
func (u *UnitOfWork) Run(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyStoreError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", u.lockTimeout.Milliseconds())); err != nil {
		return classifyStoreError(fmt.Errorf("set lock timeout: %w", err))
	}

	if err := fn(tx); err != nil {
		return classifyStoreError(err)
	}

	if err := tx.Commit(); err != nil {
		return classifyStoreError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	var we *WalletError
	if errors.As(err, &we) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrLockTimeout
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqLockNotAvailable, pqDeadlockDetected, pqSerializationFailure:
			return ErrLockTimeout
		}
	}
	return err
}
