package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ruralpay/walletcore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(env *testEnv, queue CommissionEnqueuer) *Reconciler {
	return NewReconciler(env.db, env.uow, env.balances, env.journal, queue, env.audit, "system-reserve")
}

func TestTransition(t *testing.T) {
	type cell struct {
		applied bool
		err     error
	}
	replay := cell{}
	apply := cell{applied: true}
	notPending := cell{err: ErrPaymentNotPending}
	notRefundable := cell{err: ErrNotRefundable}

	table := map[models.PaymentStatus]map[models.PaymentStatus]cell{
		models.PaymentPending: {
			models.PaymentSucceeded: apply, models.PaymentFailed: apply,
			models.PaymentCancelled: apply, models.PaymentRefunded: notRefundable,
		},
		models.PaymentSucceeded: {
			models.PaymentSucceeded: replay, models.PaymentFailed: notPending,
			models.PaymentCancelled: notPending, models.PaymentRefunded: apply,
		},
		models.PaymentFailed: {
			models.PaymentSucceeded: notPending, models.PaymentFailed: replay,
			models.PaymentCancelled: notPending, models.PaymentRefunded: notRefundable,
		},
		models.PaymentCancelled: {
			models.PaymentSucceeded: notPending, models.PaymentFailed: notPending,
			models.PaymentCancelled: replay, models.PaymentRefunded: notRefundable,
		},
		models.PaymentRefunded: {
			models.PaymentSucceeded: notPending, models.PaymentFailed: notPending,
			models.PaymentCancelled: notPending, models.PaymentRefunded: replay,
		},
	}

	for current, signals := range table {
		for signal, want := range signals {
			t.Run(string(current)+"+"+string(signal), func(t *testing.T) {
				applied, err := transition(current, signal)
				assert.Equal(t, want.applied, applied)
				if want.err == nil {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, want.err)
				}
			})
		}
	}
}

func expectEvent(env *testEnv, paymentID, status, outcome string) {
	env.mock.ExpectExec("INSERT INTO payment_events").
		WithArgs(paymentID, status, outcome, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestReconciler_Reconcile(t *testing.T) {
	ctx := context.Background()
	ref := "ch_123"

	t.Run("pending to succeeded credits payee once", func(t *testing.T) {
		env := newTestEnv(t)
		queue := new(MockCommissionQueue)
		r := newTestReconciler(env, queue)

		env.expectBegin()
		env.mock.ExpectQuery(lockPaymentByER).WithArgs(ref).
			WillReturnRows(paymentRow("pay-1", nil, "merchant-1", "120.50", "THB", "pending", &ref))
		env.expectLock("merchant-1", "THB", "0", "0", "0")
		env.expectApply("merchant-1", "THB", [3]string{"120.50", "0", "0"}, [3]string{"120.50", "0", "0"})
		env.expectAppend(1, "merchant-1", "THB", "credit", "120.50", "PAYMENT_SETTLEMENT", "POSTED")
		env.mock.ExpectQuery(`UPDATE payments SET status = \$2, settled_at = NOW\(\)`).WithArgs("pay-1", "succeeded").
			WillReturnRows(paymentRow("pay-1", nil, "merchant-1", "120.50", "THB", "succeeded", &ref))
		expectEvent(env, "pay-1", "succeeded", "applied")
		env.mock.ExpectCommit()
		queue.On("Enqueue", mock.Anything, distributeJob("pay-1", "merchant-1", "120.50")).Return(nil)

		result, err := r.Reconcile(ctx, ref, models.PaymentSucceeded, models.Metadata{"event": "charge.succeeded"})

		require.NoError(t, err)
		assert.True(t, result.Applied)
		assert.Equal(t, models.EventApplied, result.Outcome)
		assert.NoError(t, env.mock.ExpectationsWereMet())
		queue.AssertExpectations(t)
	})

	t.Run("duplicate success is a replay", func(t *testing.T) {
		env := newTestEnv(t)
		queue := new(MockCommissionQueue)
		r := newTestReconciler(env, queue)

		env.expectBegin()
		env.mock.ExpectQuery(lockPaymentByER).WithArgs(ref).
			WillReturnRows(paymentRow("pay-1", nil, "merchant-1", "120.50", "THB", "succeeded", &ref))
		expectEvent(env, "pay-1", "succeeded", "replay")
		env.mock.ExpectCommit()

		result, err := r.Reconcile(ctx, ref, models.PaymentSucceeded, nil)

		require.NoError(t, err)
		assert.False(t, result.Applied)
		assert.True(t, IsReplay(result))
		assert.NoError(t, env.mock.ExpectationsWereMet())
		queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
	})

	t.Run("failure marks payment failed without money movement", func(t *testing.T) {
		env := newTestEnv(t)
		r := newTestReconciler(env, new(MockCommissionQueue))

		env.expectBegin()
		env.mock.ExpectQuery(lockPaymentByER).WithArgs(ref).
			WillReturnRows(paymentRow("pay-1", nil, "merchant-1", "120.50", "THB", "pending", &ref))
		env.mock.ExpectQuery(`UPDATE payments SET status = \$2 WHERE id = \$1`).WithArgs("pay-1", "failed").
			WillReturnRows(paymentRow("pay-1", nil, "merchant-1", "120.50", "THB", "failed", &ref))
		expectEvent(env, "pay-1", "failed", "applied")
		env.mock.ExpectCommit()

		result, err := r.Reconcile(ctx, ref, models.PaymentFailed, nil)

		require.NoError(t, err)
		assert.Equal(t, models.PaymentFailed, result.Payment.Status)
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("refund of pending payment is rejected but recorded", func(t *testing.T) {
		env := newTestEnv(t)
		r := newTestReconciler(env, new(MockCommissionQueue))

		env.expectBegin()
		env.mock.ExpectQuery(lockPaymentByER).WithArgs(ref).
			WillReturnRows(paymentRow("pay-1", nil, "merchant-1", "120.50", "THB", "pending", &ref))
		expectEvent(env, "pay-1", "refunded", "rejected")
		env.mock.ExpectCommit()

		result, err := r.Reconcile(ctx, ref, models.PaymentRefunded, nil)

		assert.ErrorIs(t, err, ErrNotRefundable)
		require.NotNil(t, result)
		assert.Equal(t, models.EventRejected, result.Outcome)
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("refund returns funds to the wallet payer", func(t *testing.T) {
		env := newTestEnv(t)
		queue := new(MockCommissionQueue)
		r := newTestReconciler(env, queue)

		env.expectBegin()
		env.mock.ExpectQuery(lockPaymentByER).WithArgs(ref).
			WillReturnRows(paymentRow("pay-1", strPtr("buyer-1"), "merchant-1", "120.50", "THB", "succeeded", &ref))
		env.expectLock("buyer-1", "THB", "0", "0", "0")
		env.expectLock("merchant-1", "THB", "500", "0", "0")
		env.expectApply("merchant-1", "THB", [3]string{"-120.50", "0", "0"}, [3]string{"379.50", "0", "0"})
		env.expectApply("buyer-1", "THB", [3]string{"120.50", "0", "0"}, [3]string{"120.50", "0", "0"})
		env.expectAppend(1, "merchant-1", "THB", "debit", "120.50", "PAYMENT_SETTLEMENT", "REVERSED")
		env.expectAppend(2, "buyer-1", "THB", "credit", "120.50", "PAYMENT_SETTLEMENT", "REVERSED")
		env.mock.ExpectQuery(`UPDATE payments SET status = \$2, refunded_at = NOW\(\)`).WithArgs("pay-1", "refunded").
			WillReturnRows(paymentRow("pay-1", strPtr("buyer-1"), "merchant-1", "120.50", "THB", "refunded", &ref))
		expectEvent(env, "pay-1", "refunded", "applied")
		env.mock.ExpectCommit()
		queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(job CommissionJob) bool {
			return job.Type == JobClawback && job.PaymentID == "pay-1"
		})).Return(nil)

		result, err := r.Reconcile(ctx, ref, models.PaymentRefunded, nil)

		require.NoError(t, err)
		assert.Equal(t, models.PaymentRefunded, result.Payment.Status)
		assert.NoError(t, env.mock.ExpectationsWereMet())
		queue.AssertExpectations(t)
	})

	t.Run("refund of processor payment credits the reserve", func(t *testing.T) {
		env := newTestEnv(t)
		queue := new(MockCommissionQueue)
		r := newTestReconciler(env, queue)

		env.expectBegin()
		env.mock.ExpectQuery(lockPaymentByER).WithArgs(ref).
			WillReturnRows(paymentRow("pay-1", nil, "merchant-1", "120.50", "THB", "succeeded", &ref))
		env.expectLock("merchant-1", "THB", "500", "0", "0")
		env.expectLock("system-reserve", "THB", "0", "0", "0")
		env.expectApply("merchant-1", "THB", [3]string{"-120.50", "0", "0"}, [3]string{"379.50", "0", "0"})
		env.expectApply("system-reserve", "THB", [3]string{"120.50", "0", "0"}, [3]string{"120.50", "0", "0"})
		env.expectAppend(1, "merchant-1", "THB", "debit", "120.50", "PAYMENT_SETTLEMENT", "REVERSED")
		env.expectAppend(2, "system-reserve", "THB", "credit", "120.50", "PAYMENT_SETTLEMENT", "REVERSED")
		env.mock.ExpectQuery(`UPDATE payments SET status = \$2, refunded_at = NOW\(\)`).WithArgs("pay-1", "refunded").
			WillReturnRows(paymentRow("pay-1", nil, "merchant-1", "120.50", "THB", "refunded", &ref))
		expectEvent(env, "pay-1", "refunded", "applied")
		env.mock.ExpectCommit()
		queue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

		_, err := r.Reconcile(ctx, ref, models.PaymentRefunded, nil)

		require.NoError(t, err)
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("refund blocked by payee balance records rejection", func(t *testing.T) {
		env := newTestEnv(t)
		queue := new(MockCommissionQueue)
		r := newTestReconciler(env, queue)

		env.expectBegin()
		env.mock.ExpectQuery(lockPaymentByER).WithArgs(ref).
			WillReturnRows(paymentRow("pay-1", strPtr("buyer-1"), "merchant-1", "120.50", "THB", "succeeded", &ref))
		env.expectLock("buyer-1", "THB", "0", "0", "0")
		env.expectLock("merchant-1", "THB", "20", "0", "0")
		env.mock.ExpectRollback()
		expectEvent(env, "pay-1", "refunded", "rejected")

		_, err := r.Reconcile(ctx, ref, models.PaymentRefunded, nil)

		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, env.mock.ExpectationsWereMet())
		queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
	})

	t.Run("unknown reference", func(t *testing.T) {
		env := newTestEnv(t)
		r := newTestReconciler(env, nil)

		env.expectBegin()
		env.mock.ExpectQuery(lockPaymentByER).WithArgs("ch_missing").WillReturnRows(sqlmock.NewRows(paymentCols))
		env.mock.ExpectRollback()

		_, err := r.Reconcile(ctx, "ch_missing", models.PaymentSucceeded, nil)

		assert.ErrorIs(t, err, ErrPaymentNotFound)
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("unknown status", func(t *testing.T) {
		env := newTestEnv(t)
		r := newTestReconciler(env, nil)

		_, err := r.Reconcile(ctx, ref, models.PaymentStatus("disputed"), nil)

		assert.ErrorIs(t, err, ErrUnknownStatus)
	})
}
