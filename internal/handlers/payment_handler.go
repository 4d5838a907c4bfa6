package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/walletcore/internal/models"
	"github.com/ruralpay/walletcore/internal/services"
)

type PaymentOperations interface {
	CreatePayment(ctx context.Context, req services.CreatePaymentRequest) (*services.CreatePaymentResult, error)
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentByToken(ctx context.Context, token string) (*models.Payment, error)
	SettlePayment(ctx context.Context, paymentID, payerAccountID string) (*models.Payment, error)
}

type PaymentReconciler interface {
	Reconcile(ctx context.Context, externalReference string, signal models.PaymentStatus, meta models.Metadata) (*services.ReconcileResult, error)
}

// processorEvents maps card processor event names onto payment statuses
var processorEvents = map[string]models.PaymentStatus{
	"payment_intent.succeeded":      models.PaymentSucceeded,
	"payment_intent.payment_failed": models.PaymentFailed,
	"payment_intent.canceled":       models.PaymentCancelled,
	"charge.refunded":               models.PaymentRefunded,
}

type ReconcileRequest struct {
	ExternalReference string          `json:"external_reference" validate:"required,max=128"`
	Status            string          `json:"status,omitempty" validate:"required_without=Event"`
	Event             string          `json:"event,omitempty" validate:"required_without=Status"`
	Metadata          models.Metadata `json:"metadata,omitempty"`
}

// signal resolves the request to a payment status. An explicit status wins over the event name.
func (req ReconcileRequest) signal() models.PaymentStatus {
	if req.Status != "" {
		return models.PaymentStatus(strings.ToLower(req.Status))
	}
	if status, ok := processorEvents[req.Event]; ok {
		return status
	}
	return models.PaymentStatus(req.Event)
}

type PaymentHandler struct {
	payments   PaymentOperations
	reconciler PaymentReconciler
	retry      RetryPolicy
	validator  *services.ValidationHelper
}

func NewPaymentHandler(payments PaymentOperations, reconciler PaymentReconciler, retry RetryPolicy) *PaymentHandler {
	return &PaymentHandler{
		payments:   payments,
		reconciler: reconciler,
		retry:      retry,
		validator:  services.NewValidationHelper(),
	}
}

// CreatePayment opens a payment session for the caller as payee
// @Summary Create payment
// @Description Open a pending payment and return its checkout QR code
// @Tags Payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.CreatePaymentRequest true "Payment request"
// @Success 201 {object} services.CreatePaymentResult
// @Failure 400 {object} services.ErrorResponse
// @Router /payments [post]
func (h *PaymentHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req services.CreatePaymentRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	req.PayeeAccountID = userID

	result, err := h.payments.CreatePayment(r.Context(), req)
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// GetPayment returns a payment by id
// @Summary Get payment
// @Tags Payments
// @Produce json
// @Security BearerAuth
// @Param paymentId path string true "Payment id"
// @Success 200 {object} models.Payment
// @Failure 404 {object} services.ErrorResponse
// @Router /payments/{paymentId} [get]
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := h.payments.GetPayment(r.Context(), chi.URLParam(r, "paymentId"))
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// GetCheckout resolves a scanned checkout QR code to its payment
// @Summary Get payment by checkout token
// @Tags Payments
// @Produce json
// @Security BearerAuth
// @Param token path string true "Checkout token"
// @Success 200 {object} models.Payment
// @Failure 404 {object} services.ErrorResponse
// @Router /payments/checkout/{token} [get]
func (h *PaymentHandler) GetCheckout(w http.ResponseWriter, r *http.Request) {
	payment, err := h.payments.GetPaymentByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// PayPayment settles a pending payment from the caller's wallet
// @Summary Pay
// @Description Settle a pending payment wallet to wallet
// @Tags Payments
// @Produce json
// @Security BearerAuth
// @Param paymentId path string true "Payment id"
// @Success 200 {object} models.Payment
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /payments/{paymentId}/pay [post]
func (h *PaymentHandler) PayPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	paymentID := chi.URLParam(r, "paymentId")

	var payment *models.Payment
	err := h.retry.run(r.Context(), func() error {
		var err error
		payment, err = h.payments.SettlePayment(r.Context(), paymentID, userID)
		return err
	})
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// Reconcile applies a verified card processor status delivery
// @Summary Reconcile payment
// @Description Apply an external payment status. Replays return 200 with applied=false.
// @Tags Internal
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ReconcileRequest true "Status delivery"
// @Success 200 {object} services.ReconcileResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /internal/payments/reconcile [post]
func (h *PaymentHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	var result *services.ReconcileResult
	err := h.retry.run(r.Context(), func() error {
		var err error
		result, err = h.reconciler.Reconcile(r.Context(), req.ExternalReference, req.signal(), req.Metadata)
		return err
	})
	if err != nil {
		services.SendWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
