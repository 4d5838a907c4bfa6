package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/ruralpay/walletcore/internal/audit"
	"github.com/ruralpay/walletcore/internal/models"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
)

const paymentColumns = `id, payer_account_id, payee_account_id, amount, currency, status, external_reference, checkout_token, description, created_at, settled_at, refunded_at`

// checkoutURIPrefix is encoded into the checkout QR code
const checkoutURIPrefix = "walletcore://pay/"

type CreatePaymentRequest struct {
	PayeeAccountID    string          `json:"-"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency" validate:"required"`
	Description       string          `json:"description,omitempty" validate:"max=255"`
	ExternalReference *string         `json:"external_reference,omitempty" validate:"omitempty,max=128"`
}

type CreatePaymentResult struct {
	Payment     *models.Payment `json:"payment"`
	CheckoutURI string          `json:"checkout_uri"`
	QRImage     string          `json:"qr_image"`
}

// PaymentService opens payment sessions and settles them wallet to wallet
type PaymentService struct {
	db         *sql.DB
	uow        *UnitOfWork
	balances   *BalanceStore
	journal    *Journal
	commission CommissionEnqueuer
	audit      *audit.AuditLogger
	currencies map[string]bool
}

func NewPaymentService(db *sql.DB, uow *UnitOfWork, balances *BalanceStore, journal *Journal, commission CommissionEnqueuer, auditLogger *audit.AuditLogger, currencies []string) *PaymentService {
	return &PaymentService{
		db:         db,
		uow:        uow,
		balances:   balances,
		journal:    journal,
		commission: commission,
		audit:      auditLogger,
		currencies: currencySet(currencies),
	}
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var payer, external sql.NullString
	var settled, refunded sql.NullTime
	err := row.Scan(&p.ID, &payer, &p.PayeeAccountID, &p.Amount, &p.Currency, &p.Status, &external,
		&p.CheckoutToken, &p.Description, &p.CreatedAt, &settled, &refunded)
	if err != nil {
		return nil, err
	}
	if payer.Valid {
		p.PayerAccountID = &payer.String
	}
	if external.Valid {
		p.ExternalReference = &external.String
	}
	if settled.Valid {
		p.SettledAt = &settled.Time
	}
	if refunded.Valid {
		p.RefundedAt = &refunded.Time
	}
	return &p, nil
}

func newCheckoutToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// CreatePayment opens a pending payment for the payee and renders its checkout QR code
func (s *PaymentService) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResult, error) {
	req.Currency = normalizeCurrency(req.Currency)
	if err := validateAmount(s.currencies, req.Currency, req.Amount); err != nil {
		return nil, err
	}

	payment, err := scanPayment(s.db.QueryRowContext(ctx, `
		INSERT INTO payments (id, payee_account_id, amount, currency, status, external_reference, checkout_token, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+paymentColumns,
		uuid.New().String(), req.PayeeAccountID, req.Amount, req.Currency, models.PaymentPending,
		req.ExternalReference, newCheckoutToken(), req.Description))
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	uri := checkoutURIPrefix + payment.CheckoutToken
	image, err := renderQRCode(uri)
	if err != nil {
		return nil, err
	}

	log.Printf("[PAYMENT] Created payment %s for %s %s", payment.ID, payment.Amount, payment.Currency)
	return &CreatePaymentResult{Payment: payment, CheckoutURI: uri, QRImage: image}, nil
}

func renderQRCode(content string) (string, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *PaymentService) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	return s.getPayment(ctx, `id = $1`, id)
}

func (s *PaymentService) GetPaymentByToken(ctx context.Context, token string) (*models.Payment, error) {
	return s.getPayment(ctx, `checkout_token = $1`, token)
}

func (s *PaymentService) getPayment(ctx context.Context, where string, arg string) (*models.Payment, error) {
	payment, err := scanPayment(s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return payment, nil
}

// lockPayment takes the payment row lock. It is always the first lock of a settlement.
func lockPayment(ctx context.Context, tx DBTX, where string, arg string) (*models.Payment, error) {
	payment, err := scanPayment(tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where+` FOR UPDATE`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	return payment, nil
}

// SettlePayment moves the payment amount from the payer's wallet to the payee's and
// schedules upline commission for the payee once committed
func (s *PaymentService) SettlePayment(ctx context.Context, paymentID, payerAccountID string) (*models.Payment, error) {
	var settled *models.Payment
	err := s.uow.Run(ctx, func(tx *sql.Tx) error {
		payment, err := lockPayment(ctx, tx, `id = $1`, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentPending {
			return ErrPaymentNotPending
		}
		if payment.PayeeAccountID == payerAccountID {
			return ErrSelfPayment
		}
		if !s.currencies[payment.Currency] {
			return ErrCurrencyMismatch
		}

		payerKey := models.BalanceKey{AccountID: payerAccountID, Currency: payment.Currency}
		payeeKey := models.BalanceKey{AccountID: payment.PayeeAccountID, Currency: payment.Currency}
		locked, err := s.balances.LockBalances(ctx, tx, payerKey, payeeKey)
		if err != nil {
			return err
		}
		if locked[payerKey].Available.LessThan(payment.Amount) {
			return ErrInsufficientFunds
		}

		if _, err := s.balances.ApplyDelta(ctx, tx, payerKey, models.Delta{Available: payment.Amount.Neg()}); err != nil {
			return err
		}
		if _, err := s.balances.ApplyDelta(ctx, tx, payeeKey, models.Delta{Available: payment.Amount}); err != nil {
			return err
		}

		payee := payment.PayeeAccountID
		payer := payerAccountID
		entries := []models.JournalEntry{
			{AccountID: payer, Direction: models.DirectionDebit, RelatedAccountID: &payee},
			{AccountID: payee, Direction: models.DirectionCredit, RelatedAccountID: &payer},
		}
		for i := range entries {
			entries[i].Currency = payment.Currency
			entries[i].Amount = payment.Amount
			entries[i].Kind = models.KindPaymentSettlement
			entries[i].Status = models.EntryPosted
			entries[i].CorrelationID = payment.ID
			entries[i].Reference = payment.ID
			entries[i].Description = payment.Description
		}
		if err := CheckConservation(entries); err != nil {
			return err
		}
		for i := range entries {
			if err := s.journal.Append(ctx, tx, &entries[i]); err != nil {
				return err
			}
		}

		settled, err = scanPayment(tx.QueryRowContext(ctx, `
			UPDATE payments
			SET status = $2, payer_account_id = $3, settled_at = NOW()
			WHERE id = $1
			RETURNING `+paymentColumns,
			payment.ID, models.PaymentSucceeded, payerAccountID))
		if err != nil {
			return fmt.Errorf("mark payment settled: %w", err)
		}
		return nil
	})
	if err != nil {
		s.audit.LogError("PAYMENT_SETTLEMENT", paymentID, payerAccountID, err)
		alertOnIntegrity(ctx, s.audit, "PAYMENT_SETTLEMENT", paymentID, err)
		return nil, err
	}

	s.audit.LogMovement("PAYMENT_SETTLEMENT", settled.ID, payerAccountID, settled.Amount, settled.Currency,
		map[string]string{"payee_account_id": settled.PayeeAccountID})
	enqueueCommission(ctx, s.commission, s.audit, CommissionJob{
		Type:            JobDistribute,
		PaymentID:       settled.ID,
		SourceAccountID: settled.PayeeAccountID,
		Amount:          settled.Amount,
		Currency:        settled.Currency,
	})
	return settled, nil
}

// enqueueCommission schedules commission work. A failure is alerted and never affects the settlement.
func enqueueCommission(ctx context.Context, queue CommissionEnqueuer, auditLogger *audit.AuditLogger, job CommissionJob) {
	if queue == nil {
		return
	}
	if err := queue.Enqueue(ctx, job); err != nil {
		log.Printf("[COMMISSION] Failed to enqueue %s for payment %s: %v", job.Type, job.PaymentID, err)
		auditLogger.Alert(ctx, audit.SeverityWarning, "commission", "commission job not enqueued",
			map[string]string{"payment_id": job.PaymentID, "type": string(job.Type)})
	}
}
