package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/walletcore/internal/models"
	"github.com/ruralpay/walletcore/internal/services"
	"github.com/shopspring/decimal"
)

type AccountOperations interface {
	CreateAccount(ctx context.Context, req services.CreateAccountRequest) (*models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

type WithdrawalReviewer interface {
	ApproveWithdrawal(ctx context.Context, entryID int64) (*models.JournalEntry, error)
	RejectWithdrawal(ctx context.Context, entryID int64, reason string) (*models.JournalEntry, error)
}

type CommissionAdmin interface {
	CreateRule(ctx context.Context, req services.CreateRuleRequest) (*models.CommissionRule, error)
	DeactivateRule(ctx context.Context, ruleID int64) error
	ListRules(ctx context.Context, activeOnly bool) ([]models.CommissionRule, error)
	DistributeCommissions(ctx context.Context, paymentID, sourceAccountID string, amount decimal.Decimal, currency string) (int, error)
	ReleaseMaturedCommissions(ctx context.Context, olderThan time.Duration) (int, error)
}

type HierarchyAdmin interface {
	AddEdge(ctx context.Context, childID, parentID string) (*models.HierarchyEdge, error)
}

type CorrelationVerifier interface {
	VerifyCorrelation(ctx context.Context, correlationID string) (*services.ConservationReport, error)
}

type RejectWithdrawalRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

type HierarchyEdgeRequest struct {
	ChildAccountID  string `json:"child_account_id" validate:"required,max=64"`
	ParentAccountID string `json:"parent_account_id" validate:"required,max=64"`
}

type DistributeRequest struct {
	PaymentID       string          `json:"payment_id" validate:"required"`
	SourceAccountID string          `json:"source_account_id" validate:"required"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency" validate:"required"`
}

type ReleaseRequest struct {
	OlderThan string `json:"older_than,omitempty"`
}

type AdminHandler struct {
	accounts         AccountOperations
	withdrawals      WithdrawalReviewer
	commission       CommissionAdmin
	hierarchy        HierarchyAdmin
	journal          CorrelationVerifier
	settlementWindow time.Duration
	retry            RetryPolicy
	validator        *services.ValidationHelper
}

func NewAdminHandler(accounts AccountOperations, withdrawals WithdrawalReviewer, commission CommissionAdmin, hierarchy HierarchyAdmin, journal CorrelationVerifier, settlementWindow time.Duration, retry RetryPolicy) *AdminHandler {
	return &AdminHandler{
		accounts:         accounts,
		withdrawals:      withdrawals,
		commission:       commission,
		hierarchy:        hierarchy,
		journal:          journal,
		settlementWindow: settlementWindow,
		retry:            retry,
		validator:        services.NewValidationHelper(),
	}
}

// CreateAccount opens a user or agency account
// @Summary Create account
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.CreateAccountRequest true "Account"
// @Success 201 {object} models.Account
// @Failure 400 {object} services.ErrorResponse
// @Router /admin/accounts [post]
func (h *AdminHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req services.CreateAccountRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	account, err := h.accounts.CreateAccount(r.Context(), req)
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// GetAccount returns an account
// @Summary Get account
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account id"
// @Success 200 {object} models.Account
// @Failure 404 {object} services.ErrorResponse
// @Router /admin/accounts/{accountId} [get]
func (h *AdminHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.GetAccount(r.Context(), chi.URLParam(r, "accountId"))
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// ApproveWithdrawal releases held funds and sends the bank payout
// @Summary Approve withdrawal
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param entryId path int true "Withdrawal journal entry id"
// @Success 200 {object} models.JournalEntry
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/withdrawals/{entryId}/approve [post]
func (h *AdminHandler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	entryID, ok := pathInt64(w, chi.URLParam(r, "entryId"), "entry id")
	if !ok {
		return
	}
	var entry *models.JournalEntry
	err := h.retry.run(r.Context(), func() error {
		var err error
		entry, err = h.withdrawals.ApproveWithdrawal(r.Context(), entryID)
		return err
	})
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// RejectWithdrawal returns held funds to the account
// @Summary Reject withdrawal
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param entryId path int true "Withdrawal journal entry id"
// @Param request body RejectWithdrawalRequest true "Reason"
// @Success 200 {object} models.JournalEntry
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/withdrawals/{entryId}/reject [post]
func (h *AdminHandler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	entryID, ok := pathInt64(w, chi.URLParam(r, "entryId"), "entry id")
	if !ok {
		return
	}
	var req RejectWithdrawalRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	var entry *models.JournalEntry
	err := h.retry.run(r.Context(), func() error {
		var err error
		entry, err = h.withdrawals.RejectWithdrawal(r.Context(), entryID, req.Reason)
		return err
	})
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// CreateRule adds a commission rule
// @Summary Create commission rule
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.CreateRuleRequest true "Rule"
// @Success 201 {object} models.CommissionRule
// @Failure 400 {object} services.ErrorResponse
// @Router /admin/commission-rules [post]
func (h *AdminHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req services.CreateRuleRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	rule, err := h.commission.CreateRule(r.Context(), req)
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// DeactivateRule stops a rule from applying to new distributions
// @Summary Deactivate commission rule
// @Tags Admin
// @Security BearerAuth
// @Param ruleId path int true "Rule id"
// @Success 204
// @Failure 404 {object} services.ErrorResponse
// @Router /admin/commission-rules/{ruleId} [delete]
func (h *AdminHandler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	ruleID, ok := pathInt64(w, chi.URLParam(r, "ruleId"), "rule id")
	if !ok {
		return
	}
	if err := h.commission.DeactivateRule(r.Context(), ruleID); err != nil {
		services.SendWalletError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRules lists commission rules, newest first
// @Summary List commission rules
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param active query bool false "Only active rules"
// @Success 200 {array} models.CommissionRule
// @Router /admin/commission-rules [get]
func (h *AdminHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.commission.ListRules(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// AddHierarchyEdge attaches a child account under a parent
// @Summary Add hierarchy edge
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body HierarchyEdgeRequest true "Edge"
// @Success 201 {object} models.HierarchyEdge
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/hierarchy [post]
func (h *AdminHandler) AddHierarchyEdge(w http.ResponseWriter, r *http.Request) {
	var req HierarchyEdgeRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	edge, err := h.hierarchy.AddEdge(r.Context(), req.ChildAccountID, req.ParentAccountID)
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, edge)
}

// Distribute re-runs commission distribution for a settled payment. Already credited
// beneficiaries are skipped.
// @Summary Distribute commissions
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body DistributeRequest true "Payment"
// @Success 200 {object} object{credited=int}
// @Failure 503 {object} services.ErrorResponse
// @Router /admin/commissions/distribute [post]
func (h *AdminHandler) Distribute(w http.ResponseWriter, r *http.Request) {
	var req DistributeRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	credited, err := h.commission.DistributeCommissions(r.Context(), req.PaymentID, req.SourceAccountID, req.Amount, req.Currency)
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"credited": credited})
}

// Release posts pending commissions older than the settlement window
// @Summary Release matured commissions
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ReleaseRequest false "Override window, e.g. 24h"
// @Success 200 {object} object{released=int}
// @Failure 400 {object} services.ErrorResponse
// @Router /admin/commissions/release [post]
func (h *AdminHandler) Release(w http.ResponseWriter, r *http.Request) {
	window := h.settlementWindow
	if r.ContentLength > 0 {
		var req ReleaseRequest
		if !decodeJSON(w, r, h.validator, &req) {
			return
		}
		if req.OlderThan != "" {
			d, err := time.ParseDuration(req.OlderThan)
			if err != nil || d < 0 {
				services.SendErrorResponse(w, "Invalid older_than duration", http.StatusBadRequest, nil)
				return
			}
			window = d
		}
	}

	released, err := h.commission.ReleaseMaturedCommissions(r.Context(), window)
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"released": released})
}

// VerifyCorrelation re-checks that a stored operation nets to zero
// @Summary Verify ledger correlation
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param correlationId path string true "Correlation id"
// @Success 200 {object} services.ConservationReport
// @Router /admin/ledger/correlations/{correlationId} [get]
func (h *AdminHandler) VerifyCorrelation(w http.ResponseWriter, r *http.Request) {
	report, err := h.journal.VerifyCorrelation(r.Context(), chi.URLParam(r, "correlationId"))
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
