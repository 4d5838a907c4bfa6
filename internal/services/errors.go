package services

import (
	"errors"
	"fmt"
)

// ErrorKind groups wallet errors by how callers should react
type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindNotFound
	KindConflict
	KindConcurrency
	KindIntegrity
)

// WalletError is a business failure. Compare with errors.Is against the sentinels below.
type WalletError struct {
	Code    string
	Message string
	Kind    ErrorKind
}

func (e *WalletError) Error() string {
	return e.Message
}

// Is matches on Code so wrapped copies with extra detail still compare equal
func (e *WalletError) Is(target error) bool {
	var t *WalletError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func newWalletError(kind ErrorKind, code, message string) *WalletError {
	return &WalletError{Code: code, Message: message, Kind: kind}
}

var (
	ErrInvalidAmount          = newWalletError(KindValidation, "INVALID_AMOUNT", "amount must be positive and within currency precision")
	ErrUnsupportedCurrency    = newWalletError(KindValidation, "UNSUPPORTED_CURRENCY", "currency is not supported")
	ErrUnsupportedPair        = newWalletError(KindValidation, "UNSUPPORTED_PAIR", "currency pair is not supported")
	ErrSameAccount            = newWalletError(KindValidation, "SAME_ACCOUNT", "cannot transfer to the same account")
	ErrSelfPayment            = newWalletError(KindValidation, "SELF_PAYMENT", "cannot pay your own payment")
	ErrInvalidDestination     = newWalletError(KindValidation, "INVALID_DESTINATION", "withdrawal destination is invalid")
	ErrInsufficientFunds      = newWalletError(KindConflict, "INSUFFICIENT_FUNDS", "insufficient funds")
	ErrLiquidityUnavailable   = newWalletError(KindConflict, "LIQUIDITY_UNAVAILABLE", "exchange liquidity is temporarily unavailable")
	ErrCurrencyMismatch       = newWalletError(KindConflict, "CURRENCY_MISMATCH", "currency does not match")
	ErrRecipientNotFound      = newWalletError(KindNotFound, "RECIPIENT_NOT_FOUND", "recipient not found")
	ErrPaymentNotFound        = newWalletError(KindNotFound, "PAYMENT_NOT_FOUND", "payment not found")
	ErrPaymentNotPending      = newWalletError(KindConflict, "PAYMENT_NOT_PENDING", "payment is no longer pending")
	ErrNotRefundable          = newWalletError(KindConflict, "NOT_REFUNDABLE", "payment cannot be refunded")
	ErrPaymentNotSettled      = newWalletError(KindConflict, "PAYMENT_NOT_SETTLED", "payment is not settled")
	ErrPaymentMismatch        = newWalletError(KindValidation, "PAYMENT_MISMATCH", "payment details do not match")
	ErrQuoteExpired           = newWalletError(KindConflict, "QUOTE_EXPIRED", "exchange quote expired")
	ErrWithdrawalNotPending   = newWalletError(KindConflict, "WITHDRAWAL_NOT_PENDING", "withdrawal is not pending review")
	ErrHierarchyCycle         = newWalletError(KindConflict, "HIERARCHY_CYCLE", "hierarchy edge would create a cycle")
	ErrParentExists           = newWalletError(KindConflict, "PARENT_EXISTS", "account already has a parent")
	ErrLockTimeout            = newWalletError(KindConcurrency, "LOCK_TIMEOUT", "resource busy, please retry")
	ErrIntegrity              = newWalletError(KindIntegrity, "INTEGRITY_VIOLATION", "internal error")
	ErrDistributionIncomplete = newWalletError(KindConcurrency, "DISTRIBUTION_INCOMPLETE", "commission distribution incomplete")
	ErrAccountNotFound        = newWalletError(KindNotFound, "ACCOUNT_NOT_FOUND", "account not found")
	ErrRuleNotFound           = newWalletError(KindNotFound, "RULE_NOT_FOUND", "commission rule not found")
	ErrEntryNotFound          = newWalletError(KindNotFound, "ENTRY_NOT_FOUND", "journal entry not found")
	ErrUnknownStatus          = newWalletError(KindValidation, "UNKNOWN_STATUS", "unknown payment status")
)

// withDetail returns a copy of a sentinel with a more specific message. errors.Is still matches.
func withDetail(base *WalletError, format string, args ...any) *WalletError {
	return &WalletError{
		Code:    base.Code,
		Message: fmt.Sprintf(format, args...),
		Kind:    base.Kind,
	}
}

// IncompleteDistributionError carries the number of beneficiaries credited before the walk stopped
type IncompleteDistributionError struct {
	Credited int
	Cause    error
}

func (e *IncompleteDistributionError) Error() string {
	return fmt.Sprintf("commission distribution incomplete after %d credits: %v", e.Credited, e.Cause)
}

func (e *IncompleteDistributionError) Is(target error) bool {
	return target == ErrDistributionIncomplete
}

func (e *IncompleteDistributionError) Unwrap() error {
	return e.Cause
}

// AsWalletError extracts the business error from err, if any
func AsWalletError(err error) (*WalletError, bool) {
	if errors.Is(err, ErrDistributionIncomplete) {
		return ErrDistributionIncomplete, true
	}
	var we *WalletError
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}
