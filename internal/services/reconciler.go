package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/ruralpay/walletcore/internal/audit"
	"github.com/ruralpay/walletcore/internal/models"
)

type ReconcileResult struct {
	Payment *models.Payment `json:"payment"`
	Applied bool            `json:"applied"`
	Outcome string          `json:"outcome"`
}

// Reconciler applies card processor status signals to payments
type Reconciler struct {
	db               *sql.DB
	uow              *UnitOfWork
	balances         *BalanceStore
	journal          *Journal
	commission       CommissionEnqueuer
	audit            *audit.AuditLogger
	reserveAccountID string
}

func NewReconciler(db *sql.DB, uow *UnitOfWork, balances *BalanceStore, journal *Journal, commission CommissionEnqueuer, auditLogger *audit.AuditLogger, reserveAccountID string) *Reconciler {
	return &Reconciler{
		db:               db,
		uow:              uow,
		balances:         balances,
		journal:          journal,
		commission:       commission,
		audit:            auditLogger,
		reserveAccountID: reserveAccountID,
	}
}

// transition decides what a signal does to a payment in its current status.
// A nil error with applied false is a replay.
func transition(current, signal models.PaymentStatus) (applied bool, err error) {
	if current == signal {
		return false, nil
	}
	switch current {
	case models.PaymentPending:
		if signal == models.PaymentRefunded {
			return false, ErrNotRefundable
		}
		return true, nil
	case models.PaymentSucceeded:
		if signal == models.PaymentRefunded {
			return true, nil
		}
		return false, ErrPaymentNotPending
	default:
		if signal == models.PaymentRefunded {
			return false, ErrNotRefundable
		}
		return false, ErrPaymentNotPending
	}
}

func validSignal(s models.PaymentStatus) bool {
	switch s {
	case models.PaymentSucceeded, models.PaymentFailed, models.PaymentCancelled, models.PaymentRefunded:
		return true
	}
	return false
}

// Reconcile applies one external status delivery. Replays are no-ops and every delivery for a
// known payment is recorded as a payment event.
func (r *Reconciler) Reconcile(ctx context.Context, externalReference string, signal models.PaymentStatus, meta models.Metadata) (*ReconcileResult, error) {
	if !validSignal(signal) {
		return nil, ErrUnknownStatus
	}

	result := &ReconcileResult{}
	var rejection error
	var paymentID string

	err := r.uow.Run(ctx, func(tx *sql.Tx) error {
		payment, err := lockPayment(ctx, tx, `external_reference = $1`, externalReference)
		if err != nil {
			return err
		}
		paymentID = payment.ID

		applied, terr := transition(payment.Status, signal)
		switch {
		case terr != nil:
			rejection = terr
			result.Outcome = models.EventRejected
		case !applied:
			result.Outcome = models.EventReplay
		default:
			result.Outcome = models.EventApplied
			payment, err = r.apply(ctx, tx, payment, signal)
			if err != nil {
				return err
			}
		}

		result.Payment = payment
		result.Applied = applied && terr == nil
		return recordPaymentEvent(ctx, tx, payment.ID, signal, result.Outcome, meta)
	})
	if err != nil {
		if paymentID != "" {
			if evErr := recordPaymentEvent(ctx, r.db, paymentID, signal, models.EventRejected, meta); evErr != nil {
				log.Printf("[RECONCILE] Failed to record rejected event for payment %s: %v", paymentID, evErr)
			}
		}
		r.audit.LogError("RECONCILE", externalReference, "", err)
		alertOnIntegrity(ctx, r.audit, "RECONCILE", paymentID, err)
		return nil, err
	}

	log.Printf("[RECONCILE] Payment %s signal %s outcome %s", result.Payment.ID, signal, result.Outcome)
	if rejection != nil {
		return result, rejection
	}

	if result.Applied {
		p := result.Payment
		switch signal {
		case models.PaymentSucceeded:
			r.audit.LogMovement("PAYMENT_SETTLEMENT", p.ID, p.PayeeAccountID, p.Amount, p.Currency,
				map[string]string{"external_reference": externalReference})
			enqueueCommission(ctx, r.commission, r.audit, CommissionJob{
				Type:            JobDistribute,
				PaymentID:       p.ID,
				SourceAccountID: p.PayeeAccountID,
				Amount:          p.Amount,
				Currency:        p.Currency,
			})
		case models.PaymentRefunded:
			r.audit.LogMovement("PAYMENT_REFUND", p.ID, p.PayeeAccountID, p.Amount, p.Currency,
				map[string]string{"external_reference": externalReference})
			enqueueCommission(ctx, r.commission, r.audit, CommissionJob{
				Type:      JobClawback,
				PaymentID: p.ID,
				Amount:    p.Amount,
				Currency:  p.Currency,
			})
		}
	}
	return result, nil
}

func (r *Reconciler) apply(ctx context.Context, tx *sql.Tx, payment *models.Payment, signal models.PaymentStatus) (*models.Payment, error) {
	switch signal {
	case models.PaymentSucceeded:
		if err := r.creditCollected(ctx, tx, payment); err != nil {
			return nil, err
		}
		return updatePaymentStatus(ctx, tx, payment.ID, signal, "settled_at")
	case models.PaymentRefunded:
		if err := r.refund(ctx, tx, payment); err != nil {
			return nil, err
		}
		return updatePaymentStatus(ctx, tx, payment.ID, signal, "refunded_at")
	default:
		return updatePaymentStatus(ctx, tx, payment.ID, signal, "")
	}
}

// creditCollected credits the payee with funds the card processor collected outside the system
func (r *Reconciler) creditCollected(ctx context.Context, tx *sql.Tx, payment *models.Payment) error {
	key := models.BalanceKey{AccountID: payment.PayeeAccountID, Currency: payment.Currency}
	if _, err := r.balances.LockBalance(ctx, tx, key); err != nil {
		return err
	}
	if _, err := r.balances.ApplyDelta(ctx, tx, key, models.Delta{Available: payment.Amount}); err != nil {
		return err
	}
	entry := models.JournalEntry{
		AccountID:     payment.PayeeAccountID,
		Currency:      payment.Currency,
		Direction:     models.DirectionCredit,
		Amount:        payment.Amount,
		Kind:          models.KindPaymentSettlement,
		Status:        models.EntryPosted,
		CorrelationID: payment.ID,
		Reference:     derefString(payment.ExternalReference),
		Description:   "Card payment",
	}
	if err := CheckConservation([]models.JournalEntry{entry}); err != nil {
		return err
	}
	return r.journal.Append(ctx, tx, &entry)
}

// refund takes the amount back from the payee and returns it to the payer, or to the reserve
// account when the processor collected the funds
func (r *Reconciler) refund(ctx context.Context, tx *sql.Tx, payment *models.Payment) error {
	counterparty := r.reserveAccountID
	if payment.PayerAccountID != nil {
		counterparty = *payment.PayerAccountID
	}
	payeeKey := models.BalanceKey{AccountID: payment.PayeeAccountID, Currency: payment.Currency}
	counterKey := models.BalanceKey{AccountID: counterparty, Currency: payment.Currency}

	locked, err := r.balances.LockBalances(ctx, tx, payeeKey, counterKey)
	if err != nil {
		return err
	}
	if locked[payeeKey].Available.LessThan(payment.Amount) {
		return ErrInsufficientFunds
	}
	if _, err := r.balances.ApplyDelta(ctx, tx, payeeKey, models.Delta{Available: payment.Amount.Neg()}); err != nil {
		return err
	}
	if _, err := r.balances.ApplyDelta(ctx, tx, counterKey, models.Delta{Available: payment.Amount}); err != nil {
		return err
	}

	payee := payment.PayeeAccountID
	entries := []models.JournalEntry{
		{AccountID: payee, Direction: models.DirectionDebit, RelatedAccountID: &counterparty},
		{AccountID: counterparty, Direction: models.DirectionCredit, RelatedAccountID: &payee},
	}
	for i := range entries {
		entries[i].Currency = payment.Currency
		entries[i].Amount = payment.Amount
		entries[i].Kind = models.KindPaymentSettlement
		entries[i].Status = models.EntryReversed
		entries[i].CorrelationID = payment.ID
		entries[i].Reference = derefString(payment.ExternalReference)
		entries[i].Description = "Refund"
	}
	for i := range entries {
		if err := r.journal.Append(ctx, tx, &entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func updatePaymentStatus(ctx context.Context, tx DBTX, paymentID string, status models.PaymentStatus, stampColumn string) (*models.Payment, error) {
	set := `status = $2`
	if stampColumn != "" {
		set += `, ` + stampColumn + ` = NOW()`
	}
	payment, err := scanPayment(tx.QueryRowContext(ctx, `
		UPDATE payments SET `+set+`
		WHERE id = $1
		RETURNING `+paymentColumns,
		paymentID, status))
	if err != nil {
		return nil, fmt.Errorf("update payment status: %w", err)
	}
	return payment, nil
}

func recordPaymentEvent(ctx context.Context, db DBTX, paymentID string, signal models.PaymentStatus, outcome string, meta models.Metadata) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO payment_events (payment_id, external_status, outcome, meta, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		paymentID, signal, outcome, meta, time.Now())
	if err != nil {
		return fmt.Errorf("record payment event: %w", err)
	}
	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// IsReplay reports whether a reconciliation changed nothing
func IsReplay(result *ReconcileResult) bool {
	return result != nil && result.Outcome == models.EventReplay
}
