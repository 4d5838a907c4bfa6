package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryDirection is the side of a journal entry
type EntryDirection string

const (
	DirectionCredit EntryDirection = "credit"
	DirectionDebit  EntryDirection = "debit"
)

// EntryKind classifies a balance-affecting event
type EntryKind string

const (
	KindDeposit           EntryKind = "DEPOSIT"
	KindWithdraw          EntryKind = "WITHDRAW"
	KindTransferIn        EntryKind = "TRANSFER_IN"
	KindTransferOut       EntryKind = "TRANSFER_OUT"
	KindExchangeIn        EntryKind = "EXCHANGE_IN"
	KindExchangeOut       EntryKind = "EXCHANGE_OUT"
	KindCommission        EntryKind = "COMMISSION"
	KindPaymentSettlement EntryKind = "PAYMENT_SETTLEMENT"
)

// EntryStatus is the lifecycle state of a journal entry
type EntryStatus string

const (
	EntryPending  EntryStatus = "PENDING"
	EntryPosted   EntryStatus = "POSTED"
	EntryReversed EntryStatus = "REVERSED"
)

// JournalEntry is an immutable record of one balance movement.
// Only Status may change, and only away from PENDING.
type JournalEntry struct {
	ID               int64           `json:"id" db:"id"`
	AccountID        string          `json:"account_id" db:"account_id"`
	Currency         string          `json:"currency" db:"currency"`
	Direction        EntryDirection  `json:"direction" db:"direction"`
	Amount           decimal.Decimal `json:"amount" db:"amount"` // always positive
	Kind             EntryKind       `json:"kind" db:"kind"`
	RelatedAccountID *string         `json:"related_account_id,omitempty" db:"related_account_id"`
	Status           EntryStatus     `json:"status" db:"status"`
	CorrelationID    string          `json:"correlation_id" db:"correlation_id"`
	Reference        string          `json:"reference,omitempty" db:"reference"`
	Description      string          `json:"description,omitempty" db:"description"`
	Metadata         Metadata        `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Signed returns the amount with credits positive and debits negative
func (e *JournalEntry) Signed() decimal.Decimal {
	if e.Direction == DirectionDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// JournalFilter narrows ListByAccount
type JournalFilter struct {
	AccountID string
	Currency  string
	Kind      EntryKind
	Status    EntryStatus
	Limit     int
	Offset    int
}
