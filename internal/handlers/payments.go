package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/darmolhimon/api/internal/platform/auth"
	"github.com/darmolhimon/api/internal/platform/httpx"
	"github.com/darmolhimon/api/internal/services"
)

// Provider webhook bodies carry full gateway event envelopes, so the
// limit is larger than for storefront requests.
const maxWebhookBodySize = 256 * 1024

// PaymentHandlers exposes back-office payment reads, confirmation,
// cancellation and refunds plus the unauthenticated provider webhook sink.
type PaymentHandlers struct {
	authn    *auth.Authenticator
	payments services.PaymentService
}

// NewPaymentHandlers constructs payment handlers.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService) *PaymentHandlers {
	return &PaymentHandlers{
		authn:    authn,
		payments: payments,
	}
}

// AdminRoutes registers back-office payment endpoints.
func (h *PaymentHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/payments/{paymentID}", h.getPayment)
	r.Get("/orders/{orderID}/payment", h.getPaymentForOrder)
	r.Post("/payments/{paymentID}/confirm", h.confirmPayment)
	r.Post("/payments/{paymentID}/cancel", h.cancelPayment)
	r.Post("/payments/{paymentID}/refund", h.refundPayment)
}

// WebhookRoutes registers provider callback endpoints. Webhooks
// authenticate with provider signatures, not Firebase tokens.
func (h *PaymentHandlers) WebhookRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.handleWebhook)
}

type paymentPayload struct {
	ID             string  `json:"id"`
	OrderID        string  `json:"order_id"`
	Provider       string  `json:"provider"`
	IntentID       string  `json:"intent_id,omitempty"`
	Method         string  `json:"method,omitempty"`
	Status         string  `json:"status"`
	Amount         int64   `json:"amount"`
	Currency       string  `json:"currency"`
	TransactionID  string  `json:"transaction_id,omitempty"`
	FeeAmount      int64   `json:"fee_amount,omitempty"`
	RefundedAmount int64   `json:"refunded_amount,omitempty"`
	RefundReason   *string `json:"refund_reason,omitempty"`
	RefundedAt     string  `json:"refunded_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

func buildPaymentPayload(payment services.Payment) paymentPayload {
	return paymentPayload{
		ID:             payment.ID,
		OrderID:        payment.OrderID,
		Provider:       payment.Provider,
		IntentID:       payment.IntentID,
		Method:         payment.Method,
		Status:         string(payment.Status),
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		TransactionID:  payment.TransactionID,
		FeeAmount:      payment.FeeAmount,
		RefundedAmount: payment.RefundedAmount,
		RefundReason:   cloneStringPointer(payment.RefundReason),
		RefundedAt:     formatTime(pointerTime(payment.RefundedAt)),
		CreatedAt:      formatTime(payment.CreatedAt),
		UpdatedAt:      formatTime(payment.UpdatedAt),
	}
}

func (h *PaymentHandlers) getPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payment, err := h.payments.GetPayment(ctx, chi.URLParam(r, "paymentID"))
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPaymentPayload(payment))
}

func (h *PaymentHandlers) getPaymentForOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payment, err := h.payments.GetPaymentForOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPaymentPayload(payment))
}

type confirmPaymentRequest struct {
	PaymentMethod string `json:"payment_method"`
}

func (h *PaymentHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req confirmPaymentRequest
	body, err := readLimitedBody(r, maxOrderRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	payment, err := h.payments.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		PaymentID:     chi.URLParam(r, "paymentID"),
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
		ActorID:       identity.UID,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPaymentPayload(payment))
}

type cancelPaymentRequest struct {
	Reason string `json:"reason"`
}

func (h *PaymentHandlers) cancelPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req cancelPaymentRequest
	body, err := readLimitedBody(r, maxOrderRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	payment, err := h.payments.CancelPayment(ctx, services.CancelPaymentCommand{
		PaymentID: chi.URLParam(r, "paymentID"),
		Reason:    strings.TrimSpace(req.Reason),
		ActorID:   identity.UID,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPaymentPayload(payment))
}

type refundPaymentRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason"`
}

func (h *PaymentHandlers) refundPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxOrderRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	var req refundPaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	payment, err := h.payments.RefundPayment(ctx, services.RefundPaymentCommand{
		PaymentID: chi.URLParam(r, "paymentID"),
		Amount:    req.Amount,
		Reason:    strings.TrimSpace(req.Reason),
		ActorID:   identity.UID,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPaymentPayload(payment))
}

func (h *PaymentHandlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := strings.TrimSpace(chi.URLParam(r, "provider"))
	if provider == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "provider is required", http.StatusBadRequest))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read request body", http.StatusBadRequest))
		return
	}
	if len(body) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is too large", http.StatusBadRequest))
		return
	}

	if err := h.payments.HandleWebhook(ctx, provider, body, r.Header); err != nil {
		writeWebhookError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "received"})
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "payment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("payment_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", "failed to process payment request", http.StatusInternalServerError))
	}
}

// writeWebhookError answers providers: 400 tells the gateway the event is
// malformed and must not be retried; 500 triggers a provider-side retry.
func writeWebhookError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_webhook", "webhook payload rejected", http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentNotFound):
		// Unknown intent IDs are acknowledged so the provider stops retrying.
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process webhook", http.StatusInternalServerError))
	}
}
