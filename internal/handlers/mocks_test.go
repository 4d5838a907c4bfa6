package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mW "github.com/ruralpay/walletcore/internal/middleware"
	"github.com/ruralpay/walletcore/internal/models"
	"github.com/ruralpay/walletcore/internal/services"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockWallet struct {
	mock.Mock
}

func (m *MockWallet) Deposit(ctx context.Context, req services.DepositRequest) (*models.Balance, error) {
	args := m.Called(ctx, req)
	b, _ := args.Get(0).(*models.Balance)
	return b, args.Error(1)
}

func (m *MockWallet) Withdraw(ctx context.Context, req services.WithdrawRequest) (*services.WithdrawResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*services.WithdrawResult)
	return res, args.Error(1)
}

func (m *MockWallet) Transfer(ctx context.Context, req services.TransferRequest) (*services.TransferResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*services.TransferResult)
	return res, args.Error(1)
}

func (m *MockWallet) Balances(ctx context.Context, accountID string) ([]models.Balance, error) {
	args := m.Called(ctx, accountID)
	b, _ := args.Get(0).([]models.Balance)
	return b, args.Error(1)
}

func (m *MockWallet) Ledger(ctx context.Context, filter models.JournalFilter) ([]models.JournalEntry, error) {
	args := m.Called(ctx, filter)
	e, _ := args.Get(0).([]models.JournalEntry)
	return e, args.Error(1)
}

func (m *MockWallet) ApproveWithdrawal(ctx context.Context, entryID int64) (*models.JournalEntry, error) {
	args := m.Called(ctx, entryID)
	e, _ := args.Get(0).(*models.JournalEntry)
	return e, args.Error(1)
}

func (m *MockWallet) RejectWithdrawal(ctx context.Context, entryID int64, reason string) (*models.JournalEntry, error) {
	args := m.Called(ctx, entryID, reason)
	e, _ := args.Get(0).(*models.JournalEntry)
	return e, args.Error(1)
}

type MockExchange struct {
	mock.Mock
}

func (m *MockExchange) GetExchangeQuote(ctx context.Context, pair string) (*services.ExchangeQuote, error) {
	args := m.Called(ctx, pair)
	q, _ := args.Get(0).(*services.ExchangeQuote)
	return q, args.Error(1)
}

func (m *MockExchange) Exchange(ctx context.Context, req services.ExchangeRequest) (*services.ExchangeResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*services.ExchangeResult)
	return res, args.Error(1)
}

type MockCommission struct {
	mock.Mock
}

func (m *MockCommission) ListCommissionLogs(ctx context.Context, beneficiaryID string, limit, offset int) ([]models.CommissionLog, error) {
	args := m.Called(ctx, beneficiaryID, limit, offset)
	l, _ := args.Get(0).([]models.CommissionLog)
	return l, args.Error(1)
}

func (m *MockCommission) CreateRule(ctx context.Context, req services.CreateRuleRequest) (*models.CommissionRule, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*models.CommissionRule)
	return r, args.Error(1)
}

func (m *MockCommission) DeactivateRule(ctx context.Context, ruleID int64) error {
	return m.Called(ctx, ruleID).Error(0)
}

func (m *MockCommission) ListRules(ctx context.Context, activeOnly bool) ([]models.CommissionRule, error) {
	args := m.Called(ctx, activeOnly)
	r, _ := args.Get(0).([]models.CommissionRule)
	return r, args.Error(1)
}

func (m *MockCommission) DistributeCommissions(ctx context.Context, paymentID, sourceAccountID string, amount decimal.Decimal, currency string) (int, error) {
	args := m.Called(ctx, paymentID, sourceAccountID, amount, currency)
	return args.Int(0), args.Error(1)
}

func (m *MockCommission) ReleaseMaturedCommissions(ctx context.Context, olderThan time.Duration) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}

type MockPayments struct {
	mock.Mock
}

func (m *MockPayments) CreatePayment(ctx context.Context, req services.CreatePaymentRequest) (*services.CreatePaymentResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*services.CreatePaymentResult)
	return res, args.Error(1)
}

func (m *MockPayments) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	args := m.Called(ctx, id)
	p, _ := args.Get(0).(*models.Payment)
	return p, args.Error(1)
}

func (m *MockPayments) GetPaymentByToken(ctx context.Context, token string) (*models.Payment, error) {
	args := m.Called(ctx, token)
	p, _ := args.Get(0).(*models.Payment)
	return p, args.Error(1)
}

func (m *MockPayments) SettlePayment(ctx context.Context, paymentID, payerAccountID string) (*models.Payment, error) {
	args := m.Called(ctx, paymentID, payerAccountID)
	p, _ := args.Get(0).(*models.Payment)
	return p, args.Error(1)
}

type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) Reconcile(ctx context.Context, externalReference string, signal models.PaymentStatus, meta models.Metadata) (*services.ReconcileResult, error) {
	args := m.Called(ctx, externalReference, signal, meta)
	res, _ := args.Get(0).(*services.ReconcileResult)
	return res, args.Error(1)
}

var testRetry = RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

func asUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(mW.WithClaims(r.Context(), mW.Claims{UserID: userID, Role: mW.RoleUser}))
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.True(t, env.Success)
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) services.ErrorResponse {
	t.Helper()
	var resp services.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}
