package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/ruralpay/walletcore/internal/audit"
	"github.com/ruralpay/walletcore/internal/database"
	"github.com/ruralpay/walletcore/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const integrationReserve = "system-reserve"

// ledgerStack wires the services against a real Postgres
type ledgerStack struct {
	db         *sql.DB
	accounts   *AccountService
	balances   *BalanceStore
	journal    *Journal
	wallet     *WalletService
	exchange   *ExchangeService
	payments   *PaymentService
	reconciler *Reconciler
	commission *CommissionService
	hierarchy  *HierarchyService
}

func newLedgerStack(t *testing.T) *ledgerStack {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(40)

	ctx := context.Background()
	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, database.Migrate(ctx, db))
	_, err = db.ExecContext(ctx, `TRUNCATE commission_logs, commission_rules, hierarchy_edges, payment_events,
		payments, journal_entries, balances, accounts RESTART IDENTITY`)
	require.NoError(t, err)

	currencies := []string{models.CurrencyTHB, models.CurrencyUSDT}
	auditLogger := audit.NewAuditLogger(nil)
	uow := NewUnitOfWork(db, 2*time.Second)
	balances := NewBalanceStore(db)
	journal := NewJournal(db)
	accounts := NewAccountService(db)
	banks := NewBankDirectory()
	hierarchy := NewHierarchyService(db, uow)
	rates := NewRateSource(decimal.RequireFromString("34.50"), decimal.Zero, decimal.Zero)

	require.NoError(t, accounts.EnsureSystemAccount(ctx, integrationReserve))

	return &ledgerStack{
		db:         db,
		accounts:   accounts,
		balances:   balances,
		journal:    journal,
		wallet:     NewWalletService(uow, balances, journal, banks, NewPayoutService(nil, banks, "WALLETTH"), auditLogger, currencies),
		exchange:   NewExchangeService(uow, balances, journal, nil, rates, auditLogger, integrationReserve, 30*time.Second, currencies),
		payments:   NewPaymentService(db, uow, balances, journal, nil, auditLogger, currencies),
		reconciler: NewReconciler(db, uow, balances, journal, nil, auditLogger, integrationReserve),
		commission: NewCommissionService(db, uow, balances, journal, hierarchy, accounts, auditLogger, 5, decimal.Zero, 10*time.Second),
		hierarchy:  hierarchy,
	}
}

func (s *ledgerStack) account(t *testing.T, id, kind string) {
	t.Helper()
	_, err := s.accounts.CreateAccount(context.Background(), CreateAccountRequest{ID: id, Kind: kind, Role: "member"})
	require.NoError(t, err)
}

func (s *ledgerStack) fund(t *testing.T, id, currency, amount string) {
	t.Helper()
	_, err := s.wallet.Deposit(context.Background(), DepositRequest{AccountID: id, Currency: currency, Amount: dec(amount)})
	require.NoError(t, err)
}

func (s *ledgerStack) balance(t *testing.T, id, currency string) *models.Balance {
	t.Helper()
	b, err := s.balances.GetOrCreateBalance(context.Background(), s.db, models.BalanceKey{AccountID: id, Currency: currency})
	require.NoError(t, err)
	return b
}

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), "want %s, got %s", want, got)
}

// assertJournalConserved checks every posted multi-leg operation nets to zero per currency
func assertJournalConserved(t *testing.T, db *sql.DB) {
	t.Helper()
	var unbalanced int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT correlation_id, currency
			FROM journal_entries
			WHERE status = 'POSTED' AND kind IN ('TRANSFER_IN', 'TRANSFER_OUT', 'EXCHANGE_IN', 'EXCHANGE_OUT', 'PAYMENT_SETTLEMENT')
			GROUP BY correlation_id, currency
			HAVING SUM(CASE WHEN direction = 'credit' THEN amount ELSE -amount END) <> 0
		) AS unbalanced`).Scan(&unbalanced)
	require.NoError(t, err)
	assert.Zero(t, unbalanced)
}

func TestIntegration_Scenarios(t *testing.T) {
	s := newLedgerStack(t)
	ctx := context.Background()

	t.Run("overdrawn withdrawal leaves balance unchanged", func(t *testing.T) {
		s.account(t, "acc-a", models.AccountKindUser)
		s.fund(t, "acc-a", "THB", "1000")

		_, err := s.wallet.Withdraw(ctx, WithdrawRequest{
			AccountID: "acc-a", Currency: "THB", Amount: dec("1500"),
			Destination: WithdrawDestination{BankCode: "004", AccountNumber: "1234567890", AccountName: "A"},
		})

		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assertAmount(t, "1000", s.balance(t, "acc-a", "THB").Available)
	})

	t.Run("transfer moves funds with balanced legs", func(t *testing.T) {
		s.account(t, "acc-b", models.AccountKindUser)

		result, err := s.wallet.Transfer(ctx, TransferRequest{FromAccountID: "acc-a", ToAccountID: "acc-b", Currency: "THB", Amount: dec("400")})

		require.NoError(t, err)
		assertAmount(t, "600", s.balance(t, "acc-a", "THB").Available)
		assertAmount(t, "400", s.balance(t, "acc-b", "THB").Available)
		report, err := s.journal.VerifyCorrelation(ctx, result.CorrelationID)
		require.NoError(t, err)
		assert.True(t, report.Balanced)
		assert.Len(t, report.Entries, 2)
	})

	t.Run("settled payment credits upline commission", func(t *testing.T) {
		s.account(t, "upline-p", models.AccountKindAgency)
		s.account(t, "merchant-m", models.AccountKindUser)
		s.account(t, "buyer-1", models.AccountKindUser)
		s.fund(t, "buyer-1", "THB", "1000")
		_, err := s.hierarchy.AddEdge(ctx, "merchant-m", "upline-p")
		require.NoError(t, err)
		agency := "upline-p"
		effective := time.Now().Add(-time.Minute)
		_, err = s.commission.CreateRule(ctx, CreateRuleRequest{AgencyID: &agency, Model: models.CommissionModelPercent, RateValue: dec("0.002"), EffectiveFrom: &effective})
		require.NoError(t, err)

		created, err := s.payments.CreatePayment(ctx, CreatePaymentRequest{PayeeAccountID: "merchant-m", Amount: dec("1000"), Currency: "THB"})
		require.NoError(t, err)
		_, err = s.payments.SettlePayment(ctx, created.Payment.ID, "buyer-1")
		require.NoError(t, err)

		credited, err := s.commission.DistributeCommissions(ctx, created.Payment.ID, "merchant-m", dec("1000"), "THB")
		require.NoError(t, err)
		assert.Equal(t, 1, credited)
		assertAmount(t, "2", s.balance(t, "upline-p", "THB").Pending)

		logs, err := s.commission.ListCommissionLogs(ctx, "upline-p", 10, 0)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assertAmount(t, "0.002", logs[0].RateSnapshot)
		assertAmount(t, "2", logs[0].Amount)

		again, err := s.commission.DistributeCommissions(ctx, created.Payment.ID, "merchant-m", dec("1000"), "THB")
		require.NoError(t, err)
		assert.Zero(t, again)
		assertAmount(t, "2", s.balance(t, "upline-p", "THB").Pending)
	})

	t.Run("exchange moves reserve in the opposite direction", func(t *testing.T) {
		s.fund(t, integrationReserve, "USDT", "1000")
		s.fund(t, "acc-a", "THB", "2850")

		result, err := s.exchange.Exchange(ctx, ExchangeRequest{AccountID: "acc-a", FromCurrency: "THB", ToCurrency: "USDT", Amount: dec("3450")})

		require.NoError(t, err)
		assertAmount(t, "100", result.AmountOut)
		assertAmount(t, "0", s.balance(t, "acc-a", "THB").Available)
		assertAmount(t, "100", s.balance(t, "acc-a", "USDT").Available)
		assertAmount(t, "3450", s.balance(t, integrationReserve, "THB").Available)
		assertAmount(t, "900", s.balance(t, integrationReserve, "USDT").Available)
	})

	assertJournalConserved(t, s.db)
}

func TestIntegration_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	s := newLedgerStack(t)
	ctx := context.Background()
	s.account(t, "acc-w", models.AccountKindUser)
	s.fund(t, "acc-w", "THB", "100")

	var wg sync.WaitGroup
	var succeeded, rejected atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := RetryOnLockTimeout(ctx, 5, 10*time.Millisecond, func() error {
				_, err := s.wallet.Withdraw(ctx, WithdrawRequest{
					AccountID: "acc-w", Currency: "THB", Amount: dec("10"),
					Destination: WithdrawDestination{BankCode: "014", AccountNumber: "1234567890", AccountName: "W"},
				})
				return err
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInsufficientFunds):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, succeeded.Load())
	assert.EqualValues(t, 10, rejected.Load())
	b := s.balance(t, "acc-w", "THB")
	assertAmount(t, "0", b.Available)
	assertAmount(t, "100", b.Reserved)
}

func TestIntegration_OppositeTransfersDoNotDeadlock(t *testing.T) {
	s := newLedgerStack(t)
	ctx := context.Background()
	s.account(t, "acc-x", models.AccountKindUser)
	s.account(t, "acc-y", models.AccountKindUser)
	s.fund(t, "acc-x", "THB", "1000")
	s.fund(t, "acc-y", "THB", "1000")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		from, to := "acc-x", "acc-y"
		if i%2 == 1 {
			from, to = to, from
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := RetryOnLockTimeout(ctx, 5, 10*time.Millisecond, func() error {
				_, err := s.wallet.Transfer(ctx, TransferRequest{FromAccountID: from, ToAccountID: to, Currency: "THB", Amount: dec("1")})
				return err
			})
			if err != nil {
				t.Errorf("transfer %s -> %s: %v", from, to, err)
			}
		}()
	}
	wg.Wait()

	total := s.balance(t, "acc-x", "THB").Available.Add(s.balance(t, "acc-y", "THB").Available)
	assertAmount(t, "2000", total)
	assertJournalConserved(t, s.db)
}

func TestIntegration_ConcurrentDistributionCreditsOnce(t *testing.T) {
	s := newLedgerStack(t)
	ctx := context.Background()
	s.commission.defaultRate = dec("0.05")
	for i := 0; i < 3; i++ {
		s.account(t, fmt.Sprintf("node-%d", i), models.AccountKindAgency)
	}
	_, err := s.hierarchy.AddEdge(ctx, "node-0", "node-1")
	require.NoError(t, err)
	_, err = s.hierarchy.AddEdge(ctx, "node-1", "node-2")
	require.NoError(t, err)

	_, err = s.hierarchy.AddEdge(ctx, "node-2", "node-0")
	assert.ErrorIs(t, err, ErrHierarchyCycle)

	s.account(t, "buyer-c", models.AccountKindUser)
	s.fund(t, "buyer-c", "THB", "200")
	created, err := s.payments.CreatePayment(ctx, CreatePaymentRequest{PayeeAccountID: "node-0", Amount: dec("200"), Currency: "THB"})
	require.NoError(t, err)
	_, err = s.payments.SettlePayment(ctx, created.Payment.ID, "buyer-c")
	require.NoError(t, err)
	paymentID := created.Payment.ID

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := RetryOnLockTimeout(ctx, 5, 10*time.Millisecond, func() error {
				_, err := s.commission.DistributeCommissions(ctx, paymentID, "node-0", dec("200"), "THB")
				return err
			})
			if err != nil {
				t.Errorf("distribute: %v", err)
			}
		}()
	}
	wg.Wait()

	var logs int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM commission_logs WHERE source_payment_id = $1`, paymentID).Scan(&logs))
	assert.Equal(t, 2, logs)
	assertAmount(t, "10", s.balance(t, "node-1", "THB").Pending)
	assertAmount(t, "10", s.balance(t, "node-2", "THB").Pending)
}

func TestIntegration_RefundBeforeDistributionCreditsNothing(t *testing.T) {
	s := newLedgerStack(t)
	ctx := context.Background()
	s.commission.defaultRate = dec("0.05")
	s.account(t, "upline-r", models.AccountKindAgency)
	s.account(t, "merchant-r", models.AccountKindUser)
	_, err := s.hierarchy.AddEdge(ctx, "merchant-r", "upline-r")
	require.NoError(t, err)

	ref := "pi_refund_1"
	created, err := s.payments.CreatePayment(ctx, CreatePaymentRequest{PayeeAccountID: "merchant-r", Amount: dec("400"), Currency: "THB", ExternalReference: &ref})
	require.NoError(t, err)
	_, err = s.reconciler.Reconcile(ctx, ref, models.PaymentSucceeded, nil)
	require.NoError(t, err)
	_, err = s.reconciler.Reconcile(ctx, ref, models.PaymentRefunded, nil)
	require.NoError(t, err)

	reversed, err := s.commission.ClawBackCommissions(ctx, created.Payment.ID)
	require.NoError(t, err)
	assert.Zero(t, reversed)

	credited, err := s.commission.DistributeCommissions(ctx, created.Payment.ID, "merchant-r", dec("400"), "THB")

	assert.ErrorIs(t, err, ErrPaymentNotSettled)
	assert.Zero(t, credited)
	assertAmount(t, "0", s.balance(t, "upline-r", "THB").Pending)
	assertAmount(t, "0", s.balance(t, "merchant-r", "THB").Available)
}
