package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/ruralpay/walletcore/internal/models"
	"github.com/ruralpay/walletcore/internal/services"
)

// WalletOperations is the balance-mutating wallet surface
type WalletOperations interface {
	Deposit(ctx context.Context, req services.DepositRequest) (*models.Balance, error)
	Withdraw(ctx context.Context, req services.WithdrawRequest) (*services.WithdrawResult, error)
	Transfer(ctx context.Context, req services.TransferRequest) (*services.TransferResult, error)
	Balances(ctx context.Context, accountID string) ([]models.Balance, error)
	Ledger(ctx context.Context, filter models.JournalFilter) ([]models.JournalEntry, error)
}

type ExchangeOperations interface {
	GetExchangeQuote(ctx context.Context, pair string) (*services.ExchangeQuote, error)
	Exchange(ctx context.Context, req services.ExchangeRequest) (*services.ExchangeResult, error)
}

type CommissionLogReader interface {
	ListCommissionLogs(ctx context.Context, beneficiaryID string, limit, offset int) ([]models.CommissionLog, error)
}

type WalletHandler struct {
	wallet      WalletOperations
	exchange    ExchangeOperations
	commissions CommissionLogReader
	retry       RetryPolicy
	validator   *services.ValidationHelper
}

func NewWalletHandler(wallet WalletOperations, exchange ExchangeOperations, commissions CommissionLogReader, retry RetryPolicy) *WalletHandler {
	return &WalletHandler{
		wallet:      wallet,
		exchange:    exchange,
		commissions: commissions,
		retry:       retry,
		validator:   services.NewValidationHelper(),
	}
}

// Deposit credits the caller's wallet
// @Summary Deposit
// @Description Credit the authenticated account with an external top-up
// @Tags Wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.DepositRequest true "Deposit request"
// @Success 200 {object} models.Balance
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /wallet/deposit [post]
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req services.DepositRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	req.AccountID = userID

	var balance *models.Balance
	err := h.retry.run(r.Context(), func() error {
		var err error
		balance, err = h.wallet.Deposit(r.Context(), req)
		return err
	})
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// Withdraw holds funds for a bank payout pending review
// @Summary Withdraw
// @Description Move funds from available to reserved and queue a bank payout for review
// @Tags Wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.WithdrawRequest true "Withdrawal request"
// @Success 202 {object} services.WithdrawResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /wallet/withdraw [post]
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req services.WithdrawRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	req.AccountID = userID

	var result *services.WithdrawResult
	err := h.retry.run(r.Context(), func() error {
		var err error
		result, err = h.wallet.Withdraw(r.Context(), req)
		return err
	})
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// Transfer sends funds to another account
// @Summary Transfer
// @Description Transfer funds to an account id, email or wallet address
// @Tags Wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.TransferRequest true "Transfer request"
// @Success 200 {object} services.TransferResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /wallet/transfer [post]
func (h *WalletHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req services.TransferRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	req.FromAccountID = userID

	var result *services.TransferResult
	err := h.retry.run(r.Context(), func() error {
		var err error
		result, err = h.wallet.Transfer(r.Context(), req)
		return err
	})
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ExchangeRate returns a fresh quote that can be executed until it expires
// @Summary Exchange rate
// @Description Quote the USDT/THB buy and sell rates
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Param pair query string false "Currency pair" default(USDT/THB)
// @Success 200 {object} services.ExchangeQuote
// @Failure 400 {object} services.ErrorResponse
// @Router /wallet/exchange-rate [get]
func (h *WalletHandler) ExchangeRate(w http.ResponseWriter, r *http.Request) {
	quote, err := h.exchange.GetExchangeQuote(r.Context(), r.URL.Query().Get("pair"))
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// Exchange converts between THB and USDT
// @Summary Exchange
// @Description Convert between THB and USDT against the system reserve, optionally at a held quote
// @Tags Wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.ExchangeRequest true "Exchange request"
// @Success 200 {object} services.ExchangeResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /wallet/exchange [post]
func (h *WalletHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req services.ExchangeRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	req.AccountID = userID

	var result *services.ExchangeResult
	err := h.retry.run(r.Context(), func() error {
		var err error
		result, err = h.exchange.Exchange(r.Context(), req)
		return err
	})
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Balances lists the caller's balances
// @Summary Balances
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.Balance
// @Router /wallet/balances [get]
func (h *WalletHandler) Balances(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	balances, err := h.wallet.Balances(r.Context(), userID)
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// Ledger pages through the caller's journal entries, newest first
// @Summary Ledger
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Param currency query string false "Currency"
// @Param kind query string false "Entry kind"
// @Param status query string false "Entry status"
// @Param limit query int false "Page size" default(20)
// @Param offset query int false "Offset"
// @Success 200 {array} models.JournalEntry
// @Router /wallet/ledger [get]
func (h *WalletHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	entries, err := h.wallet.Ledger(r.Context(), models.JournalFilter{
		AccountID: userID,
		Currency:  strings.ToUpper(q.Get("currency")),
		Kind:      models.EntryKind(strings.ToUpper(q.Get("kind"))),
		Status:    models.EntryStatus(strings.ToUpper(q.Get("status"))),
		Limit:     queryInt(r, "limit", 0),
		Offset:    queryInt(r, "offset", 0),
	})
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Commissions lists commission credited to the caller
// @Summary Commission history
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size" default(50)
// @Param offset query int false "Offset"
// @Success 200 {array} models.CommissionLog
// @Router /commissions [get]
func (h *WalletHandler) Commissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	logs, err := h.commissions.ListCommissionLogs(r.Context(), userID, queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// ListBanks returns the withdrawal destination banks
// @Summary List banks
// @Tags Wallet
// @Produce json
// @Success 200 {array} services.Bank
// @Router /banks [get]
func ListBanks(banks *services.BankDirectory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, banks.List())
	}
}
