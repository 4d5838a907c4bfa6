package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ruralpay/walletcore/internal/audit"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockCommissionQueue struct {
	mock.Mock
}

func (m *MockCommissionQueue) Enqueue(ctx context.Context, job CommissionJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

type MockCommissionRunner struct {
	mock.Mock
}

func (m *MockCommissionRunner) DistributeCommissions(ctx context.Context, paymentID, sourceAccountID string, amount decimal.Decimal, currency string) (int, error) {
	args := m.Called(ctx, paymentID, sourceAccountID, amount, currency)
	return args.Int(0), args.Error(1)
}

func (m *MockCommissionRunner) ClawBackCommissions(ctx context.Context, paymentID string) (int, error) {
	args := m.Called(ctx, paymentID)
	return args.Int(0), args.Error(1)
}

type MockPayoutSender struct {
	mock.Mock
}

func (m *MockPayoutSender) Send(ctx context.Context, messageType string, document []byte) error {
	args := m.Called(ctx, messageType, document)
	return args.Error(0)
}

var testTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

var (
	balanceCols = []string{"account_id", "currency", "available_amount", "pending_amount", "reserved_amount", "wallet_address", "version", "updated_at"}
	entryCols   = []string{"id", "account_id", "currency", "direction", "amount", "kind", "related_account_id", "status", "correlation_id", "reference", "description", "metadata", "created_at"}
	paymentCols = []string{"id", "payer_account_id", "payee_account_id", "amount", "currency", "status", "external_reference", "checkout_token", "description", "created_at", "settled_at", "refunded_at"}
	accountCols = []string{"id", "kind", "email", "role", "agency_id", "status", "created_at"}
	ruleCols    = []string{"id", "agency_id", "role", "model", "rate_value", "is_active", "effective_from", "created_at"}
)

const (
	lockBalanceSQL  = `FROM balances WHERE account_id = \$1 AND currency = \$2 FOR UPDATE`
	insertBalance   = `INSERT INTO balances`
	applyDeltaSQL   = `UPDATE balances SET available_amount = available_amount \+ \$3`
	appendEntrySQL  = `INSERT INTO journal_entries`
	lockPaymentByID = `FROM payments WHERE id = \$1 FOR UPDATE`
	lockPaymentByER = `FROM payments WHERE external_reference = \$1 FOR UPDATE`
	getEntrySQL     = `FROM journal_entries WHERE id = \$1 FOR UPDATE`
	transitionSQL   = `UPDATE journal_entries SET status = \$3 WHERE id = \$1 AND status = \$2`
)

type testEnv struct {
	db       *sql.DB
	mock     sqlmock.Sqlmock
	uow      *UnitOfWork
	balances *BalanceStore
	journal  *Journal
	accounts *AccountService
	audit    *audit.AuditLogger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &testEnv{
		db:       db,
		mock:     mock,
		uow:      NewUnitOfWork(db, 2*time.Second),
		balances: NewBalanceStore(db),
		journal:  NewJournal(db),
		accounts: NewAccountService(db),
		audit:    audit.NewAuditLogger(nil),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func balanceRows(accountID, currency, available, pending, reserved string) *sqlmock.Rows {
	return sqlmock.NewRows(balanceCols).
		AddRow(accountID, currency, available, pending, reserved, "0x"+accountID, int64(1), testTime)
}

func (e *testEnv) expectBegin() {
	e.mock.ExpectBegin()
	e.mock.ExpectExec("SET LOCAL lock_timeout = '2000ms'").WillReturnResult(sqlmock.NewResult(0, 0))
}

func (e *testEnv) expectLock(accountID, currency, available, pending, reserved string) {
	e.mock.ExpectQuery(lockBalanceSQL).
		WithArgs(accountID, currency).
		WillReturnRows(balanceRows(accountID, currency, available, pending, reserved))
}

// expectApply expects one conditional update and returns the resulting buckets
func (e *testEnv) expectApply(accountID, currency string, delta [3]string, result [3]string) {
	e.mock.ExpectQuery(applyDeltaSQL).
		WithArgs(accountID, currency, dec(delta[0]), dec(delta[1]), dec(delta[2])).
		WillReturnRows(balanceRows(accountID, currency, result[0], result[1], result[2]))
}

func (e *testEnv) expectApplyRejected(accountID, currency string, delta [3]string) {
	e.mock.ExpectQuery(applyDeltaSQL).
		WithArgs(accountID, currency, dec(delta[0]), dec(delta[1]), dec(delta[2])).
		WillReturnRows(sqlmock.NewRows(balanceCols))
}

func (e *testEnv) expectAppend(id int64, accountID, currency, direction, amount, kind, status string) {
	e.mock.ExpectQuery(appendEntrySQL).
		WithArgs(accountID, currency, direction, dec(amount), kind, sqlmock.AnyArg(), status,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(id, testTime))
}

func paymentRow(id string, payer *string, payee, amount, currency, status string, externalRef *string) *sqlmock.Rows {
	var payerVal, refVal any
	if payer != nil {
		payerVal = *payer
	}
	if externalRef != nil {
		refVal = *externalRef
	}
	return sqlmock.NewRows(paymentCols).
		AddRow(id, payerVal, payee, amount, currency, status, refVal, "tok-"+id, "Coffee", testTime, nil, nil)
}

func entryRow(id int64, accountID, currency, direction, amount, kind, status, correlationID string, metadata []byte) *sqlmock.Rows {
	var meta any
	if metadata != nil {
		meta = metadata
	}
	return sqlmock.NewRows(entryCols).
		AddRow(id, accountID, currency, direction, amount, kind, nil, status, correlationID, "", "", meta, testTime)
}

func strPtr(s string) *string {
	return &s
}

func sqlmockResult(rows int64) driver.Result {
	return sqlmock.NewResult(0, rows)
}
