package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus represents payment status
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment is a logical payment opened by a payee and settled by a payer or the card processor
type Payment struct {
	ID                string          `json:"id" db:"id"`
	PayerAccountID    *string         `json:"payer_account_id,omitempty" db:"payer_account_id"`
	PayeeAccountID    string          `json:"payee_account_id" db:"payee_account_id"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Currency          string          `json:"currency" db:"currency"`
	Status            PaymentStatus   `json:"status" db:"status"`
	ExternalReference *string         `json:"external_reference,omitempty" db:"external_reference"`
	CheckoutToken     string          `json:"checkout_token" db:"checkout_token"`
	Description       string          `json:"description,omitempty" db:"description"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	SettledAt         *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
	RefundedAt        *time.Time      `json:"refunded_at,omitempty" db:"refunded_at"`
}

// PaymentEvent records one reconciliation delivery from the card processor
type PaymentEvent struct {
	ID             int64         `json:"id" db:"id"`
	PaymentID      string        `json:"payment_id" db:"payment_id"`
	ExternalStatus PaymentStatus `json:"external_status" db:"external_status"`
	Outcome        string        `json:"outcome" db:"outcome"`
	Meta           Metadata      `json:"meta,omitempty" db:"meta"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// Reconciliation outcomes
const (
	EventApplied  = "applied"
	EventReplay   = "replay"
	EventRejected = "rejected"
)
