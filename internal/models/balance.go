package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Supported currencies
const (
	CurrencyTHB  = "THB"
	CurrencyUSDT = "USDT"
)

// currencyScale is the number of fractional digits a currency carries
var currencyScale = map[string]int32{
	CurrencyTHB:  2,
	CurrencyUSDT: 6,
}

// CurrencyScale returns the fractional digits for a currency and whether it is known
func CurrencyScale(currency string) (int32, bool) {
	scale, ok := currencyScale[currency]
	return scale, ok
}

// Balance is an account's funds in one currency
type Balance struct {
	AccountID     string          `json:"account_id" db:"account_id"`
	Currency      string          `json:"currency" db:"currency"`
	Available     decimal.Decimal `json:"available_amount" db:"available_amount"`
	Pending       decimal.Decimal `json:"pending_amount" db:"pending_amount"`
	Reserved      decimal.Decimal `json:"reserved_amount" db:"reserved_amount"`
	WalletAddress string          `json:"wallet_address" db:"wallet_address"`
	Version       int64           `json:"version" db:"version"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Total is available + pending + reserved
func (b *Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Pending).Add(b.Reserved)
}

// BalanceKey identifies one balance row
type BalanceKey struct {
	AccountID string
	Currency  string
}

// Less orders keys by account id, then currency. Every lock acquisition follows this order.
func (k BalanceKey) Less(other BalanceKey) bool {
	if k.AccountID != other.AccountID {
		return k.AccountID < other.AccountID
	}
	return k.Currency < other.Currency
}

// Delta is a signed change applied to the three buckets of a balance
type Delta struct {
	Available decimal.Decimal
	Pending   decimal.Decimal
	Reserved  decimal.Decimal
}
