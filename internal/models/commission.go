package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Commission rule models
const (
	CommissionModelPercent = "PERCENT"
	CommissionModelFlat    = "FLAT"
	CommissionModelTier    = "TIER"
)

// HierarchyEdge links a child account to its single parent
type HierarchyEdge struct {
	ChildAccountID  string    `json:"child_account_id" db:"child_account_id"`
	ParentAccountID string    `json:"parent_account_id" db:"parent_account_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// CommissionRule is scoped either to an agency or to a role
type CommissionRule struct {
	ID            int64           `json:"id" db:"id"`
	AgencyID      *string         `json:"agency_id,omitempty" db:"agency_id"`
	Role          *string         `json:"role,omitempty" db:"role"`
	Model         string          `json:"model" db:"model"`
	RateValue     decimal.Decimal `json:"rate_value" db:"rate_value"`
	IsActive      bool            `json:"is_active" db:"is_active"`
	EffectiveFrom time.Time       `json:"effective_from" db:"effective_from"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// CommissionLog is one credited upline beneficiary for one payment
type CommissionLog struct {
	ID                   int64           `json:"id" db:"id"`
	BeneficiaryAccountID string          `json:"beneficiary_account_id" db:"beneficiary_account_id"`
	SourcePaymentID      string          `json:"source_payment_id" db:"source_payment_id"`
	SourceAccountID      string          `json:"source_account_id" db:"source_account_id"`
	Amount               decimal.Decimal `json:"amount" db:"amount"`
	Currency             string          `json:"currency" db:"currency"`
	RateSnapshot         decimal.Decimal `json:"rate_snapshot" db:"rate_snapshot"`
	JournalEntryID       *int64          `json:"journal_entry_id,omitempty" db:"journal_entry_id"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}
