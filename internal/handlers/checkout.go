package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/platform/auth"
	"github.com/darmolhimon/api/internal/platform/httpx"
	"github.com/darmolhimon/api/internal/services"
)

const maxCheckoutRequestBody = 32 * 1024

// CheckoutHandlers exposes the checkout orchestration endpoint plus the
// storefront lookups that feed the checkout form.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
	shipping services.ShippingService
	payments services.PaymentService
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, shipping services.ShippingService, payments services.PaymentService) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
		shipping: shipping,
		payments: payments,
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/shipping-methods", h.listShippingMethods)
	r.Get("/payment-providers", h.listPaymentProviders)

	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/", h.processCheckout)
}

type checkoutAddressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

type checkoutItemPayload struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type checkoutRequest struct {
	Items           []checkoutItemPayload   `json:"items"`
	ContactName     string                  `json:"contact_name"`
	ContactEmail    string                  `json:"contact_email"`
	ContactPhone    string                  `json:"contact_phone"`
	ShippingAddress *checkoutAddressPayload `json:"shipping_address"`
	ShippingMethod  string                  `json:"shipping_method"`
	PaymentProvider string                  `json:"payment_provider"`
	PaymentMethod   string                  `json:"payment_method"`
	Discount        int64                   `json:"discount"`
	Notes           string                  `json:"notes"`
	SuccessURL      string                  `json:"success_url"`
	CancelURL       string                  `json:"cancel_url"`
}

type costBreakdownPayload struct {
	Currency string `json:"currency"`
	Subtotal int64  `json:"subtotal"`
	Discount int64  `json:"discount,omitempty"`
	Shipping int64  `json:"shipping"`
	Tax      int64  `json:"tax"`
	Total    int64  `json:"total"`
	IsPickup bool   `json:"is_pickup,omitempty"`
}

type checkoutResponse struct {
	OrderID      string               `json:"order_id"`
	OrderNumber  string               `json:"order_number"`
	Stage        string               `json:"stage"`
	Status       string               `json:"status"`
	Cost         costBreakdownPayload `json:"cost"`
	PaymentID    string               `json:"payment_id"`
	Provider     string               `json:"provider"`
	RedirectURL  string               `json:"redirect_url,omitempty"`
	ClientSecret string               `json:"client_secret,omitempty"`
	ShippingID   string               `json:"shipping_id,omitempty"`
}

func (h *CheckoutHandlers) processCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req checkoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	items := make([]services.CheckoutItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.CheckoutItemInput{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
		})
	}

	cmd := services.CheckoutCommand{
		UserID: identity.UID,
		Items:  items,
		Contact: domain.OrderContact{
			Name:  strings.TrimSpace(req.ContactName),
			Email: strings.TrimSpace(req.ContactEmail),
			Phone: strings.TrimSpace(req.ContactPhone),
		},
		ShippingAddress:  req.ShippingAddress.toDomain(),
		ShippingMethodID: strings.TrimSpace(req.ShippingMethod),
		PaymentProvider:  strings.TrimSpace(req.PaymentProvider),
		PaymentMethod:    strings.TrimSpace(req.PaymentMethod),
		Discount:         req.Discount,
		Notes:            strings.TrimSpace(req.Notes),
		SuccessURL:       strings.TrimSpace(req.SuccessURL),
		CancelURL:        strings.TrimSpace(req.CancelURL),
		IdempotencyKey:   strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}

	result, err := h.checkout.ProcessCheckout(ctx, cmd)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	resp := checkoutResponse{
		OrderID:     result.Order.ID,
		OrderNumber: result.Order.OrderNumber,
		Stage:       string(result.Order.Stage),
		Status:      string(result.Order.Status),
		Cost: costBreakdownPayload{
			Currency: result.Cost.Currency,
			Subtotal: result.Cost.Subtotal,
			Discount: result.Cost.Discount,
			Shipping: result.Cost.Shipping,
			Tax:      result.Cost.Tax,
			Total:    result.Cost.Total,
			IsPickup: result.Cost.IsPickup,
		},
		PaymentID:    result.Payment.ID,
		Provider:     result.Payment.Provider,
		RedirectURL:  result.RedirectURL,
		ClientSecret: result.ClientSecret,
	}
	if result.Shipping != nil {
		resp.ShippingID = result.Shipping.ID
	}

	writeJSONResponse(w, http.StatusCreated, resp)
}

type shippingOptionPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Cost          int64  `json:"cost"`
	EstimatedDays int    `json:"estimated_days"`
	Description   string `json:"description,omitempty"`
	IsFallback    bool   `json:"is_fallback,omitempty"`
}

func (h *CheckoutHandlers) listShippingMethods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := services.ShippingMethodQuery{
		Country: strings.TrimSpace(r.URL.Query().Get("country")),
		City:    strings.TrimSpace(r.URL.Query().Get("city")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("order_total")); raw != "" {
		total, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_total must be an integer amount in minor units", http.StatusBadRequest))
			return
		}
		query.OrderTotal = total
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("weight_grams")); raw != "" {
		weight, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "weight_grams must be an integer", http.StatusBadRequest))
			return
		}
		query.WeightGrams = weight
	}

	options, err := h.shipping.AvailableMethods(ctx, query)
	if err != nil {
		if errors.Is(err, services.ErrShippingInvalidInput) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("shipping_error", "failed to resolve shipping methods", http.StatusInternalServerError))
		return
	}

	payload := make([]shippingOptionPayload, len(options))
	for i, option := range options {
		payload[i] = shippingOptionPayload{
			ID:            option.ID,
			Name:          option.Name,
			Cost:          option.Cost,
			EstimatedDays: option.EstimatedDays,
			Description:   option.Description,
			IsFallback:    option.IsFallback,
		}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"methods": payload})
}

type paymentProviderPayload struct {
	Name                 string  `json:"name"`
	DisplayName          string  `json:"display_name"`
	MinAmount            int64   `json:"min_amount,omitempty"`
	MaxAmount            int64   `json:"max_amount,omitempty"`
	FeeFixed             int64   `json:"fee_fixed,omitempty"`
	FeePercent           float64 `json:"fee_percent,omitempty"`
	RequiresRedirect     bool    `json:"requires_redirect"`
	SupportsInstallments bool    `json:"supports_installments,omitempty"`
}

func (h *CheckoutHandlers) listPaymentProviders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	providers := h.payments.AvailableProviders(ctx)
	payload := make([]paymentProviderPayload, len(providers))
	for i, provider := range providers {
		payload[i] = paymentProviderPayload{
			Name:                 provider.Name,
			DisplayName:          provider.DisplayName,
			MinAmount:            provider.MinAmount,
			MaxAmount:            provider.MaxAmount,
			FeeFixed:             provider.FeeFixed,
			FeePercent:           provider.FeePercent,
			RequiresRedirect:     provider.RequiresRedirect,
			SupportsInstallments: provider.SupportsInstallments,
		}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"providers": payload})
}

func (p *checkoutAddressPayload) toDomain() *domain.Address {
	if p == nil {
		return nil
	}
	return &domain.Address{
		Recipient:  strings.TrimSpace(p.Recipient),
		Line1:      strings.TrimSpace(p.Line1),
		Line2:      cloneStringPointer(p.Line2),
		City:       strings.TrimSpace(p.City),
		State:      cloneStringPointer(p.State),
		PostalCode: strings.TrimSpace(p.PostalCode),
		Country:    strings.TrimSpace(p.Country),
		Phone:      cloneStringPointer(p.Phone),
	}
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutBookUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("book_unavailable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutOutOfStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutShippingRequired):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_required", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment could not be initiated", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
