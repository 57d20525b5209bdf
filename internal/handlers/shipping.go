package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/platform/auth"
	"github.com/darmolhimon/api/internal/platform/httpx"
	"github.com/darmolhimon/api/internal/services"
)

// ShippingHandlers exposes shipment reads for customers and the status
// pipeline mutations for back-office staff.
type ShippingHandlers struct {
	authn    *auth.Authenticator
	shipping services.ShippingService
	orders   services.OrderService
}

// NewShippingHandlers constructs shipping handlers.
func NewShippingHandlers(authn *auth.Authenticator, shipping services.ShippingService, orders services.OrderService) *ShippingHandlers {
	return &ShippingHandlers{
		authn:    authn,
		shipping: shipping,
		orders:   orders,
	}
}

// Routes registers customer-facing shipment endpoints. They hang off the
// order resource, so ownership is checked against the parent order.
func (h *ShippingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Get("/{orderID}/shipping", h.getOwnShipping)
}

// AdminRoutes registers back-office shipment endpoints.
func (h *ShippingHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders/{orderID}/shipping", h.adminGetShipping)
	r.Post("/orders/{orderID}/shipping/status", h.updateStatus)
	r.Post("/orders/{orderID}/shipping/tracking", h.setTracking)
}

// WebhookRoutes registers the courier callback endpoint. Callers are
// authenticated upstream via the HMAC webhook middleware.
func (h *ShippingHandlers) WebhookRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/shipping/{carrier}", h.carrierCallback)
}

type addressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

type packageDimensionsPayload struct {
	LengthCm float64 `json:"length_cm"`
	WidthCm  float64 `json:"width_cm"`
	HeightCm float64 `json:"height_cm"`
}

type shippingEventPayload struct {
	Status     string `json:"status"`
	Notes      string `json:"notes,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

type shippingPayload struct {
	ID                 string                    `json:"id"`
	OrderID            string                    `json:"order_id"`
	Address            addressPayload            `json:"address"`
	Method             string                    `json:"method"`
	Cost               int64                     `json:"cost"`
	PackageWeightGrams int                       `json:"package_weight_grams"`
	PackageDimensions  *packageDimensionsPayload `json:"package_dimensions,omitempty"`
	TrackingNumber     string                    `json:"tracking_number,omitempty"`
	TrackingURL        string                    `json:"tracking_url,omitempty"`
	Status             string                    `json:"status"`
	StatusHistory      []shippingEventPayload    `json:"status_history,omitempty"`
	EstimatedDays      int                       `json:"estimated_days,omitempty"`
	CreatedAt          string                    `json:"created_at"`
	UpdatedAt          string                    `json:"updated_at"`
}

func buildAddressPayload(address domain.Address) addressPayload {
	return addressPayload{
		Recipient:  address.Recipient,
		Line1:      address.Line1,
		Line2:      cloneStringPointer(address.Line2),
		City:       address.City,
		State:      cloneStringPointer(address.State),
		PostalCode: address.PostalCode,
		Country:    address.Country,
		Phone:      cloneStringPointer(address.Phone),
	}
}

func buildShippingPayload(shipping services.Shipping) shippingPayload {
	history := make([]shippingEventPayload, len(shipping.StatusHistory))
	for i, event := range shipping.StatusHistory {
		history[i] = shippingEventPayload{
			Status:     string(event.Status),
			Notes:      event.Notes,
			OccurredAt: formatTime(event.OccurredAt),
		}
	}
	payload := shippingPayload{
		ID:                 shipping.ID,
		OrderID:            shipping.OrderID,
		Address:            buildAddressPayload(shipping.Address),
		Method:             shipping.Method,
		Cost:               shipping.Cost,
		PackageWeightGrams: shipping.PackageWeightGrams,
		TrackingNumber:     shipping.TrackingNumber,
		TrackingURL:        shipping.TrackingURL,
		Status:             string(shipping.Status),
		StatusHistory:      history,
		EstimatedDays:      shipping.EstimatedDays,
		CreatedAt:          formatTime(shipping.CreatedAt),
		UpdatedAt:          formatTime(shipping.UpdatedAt),
	}
	if shipping.PackageDimensions != nil {
		payload.PackageDimensions = &packageDimensionsPayload{
			LengthCm: shipping.PackageDimensions.LengthCm,
			WidthCm:  shipping.PackageDimensions.WidthCm,
			HeightCm: shipping.PackageDimensions.HeightCm,
		}
	}
	return payload
}

func (h *ShippingHandlers) getOwnShipping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := chi.URLParam(r, "orderID")
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if order.UserID != identity.UID && !identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	shipping, err := h.shipping.GetShippingForOrder(ctx, orderID)
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildShippingPayload(shipping))
}

func (h *ShippingHandlers) adminGetShipping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	shipping, err := h.shipping.GetShippingForOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildShippingPayload(shipping))
}

type updateShippingStatusRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

func (h *ShippingHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
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
	var req updateShippingStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	shipping, err := h.shipping.UpdateShippingStatus(ctx, services.UpdateShippingStatusCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Status:  domain.ShippingStatus(strings.TrimSpace(req.Status)),
		Notes:   req.Notes,
		ActorID: identity.UID,
	})
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildShippingPayload(shipping))
}

type setTrackingRequest struct {
	TrackingNumber string `json:"tracking_number"`
	TrackingURL    string `json:"tracking_url"`
}

func (h *ShippingHandlers) setTracking(w http.ResponseWriter, r *http.Request) {
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
	var req setTrackingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	shipping, err := h.shipping.SetTracking(ctx, services.SetTrackingCommand{
		OrderID:        chi.URLParam(r, "orderID"),
		TrackingNumber: strings.TrimSpace(req.TrackingNumber),
		TrackingURL:    strings.TrimSpace(req.TrackingURL),
		ActorID:        identity.UID,
	})
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildShippingPayload(shipping))
}

type carrierCallbackRequest struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	Notes          string `json:"notes"`
	TrackingNumber string `json:"tracking_number"`
	TrackingURL    string `json:"tracking_url"`
}

func (h *ShippingHandlers) carrierCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	carrier := strings.TrimSpace(chi.URLParam(r, "carrier"))

	body, err := readLimitedBody(r, maxOrderRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_webhook", err.Error(), http.StatusBadRequest))
		return
	}
	var req carrierCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_webhook", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	actorID := "carrier:" + carrier
	if number := strings.TrimSpace(req.TrackingNumber); number != "" {
		if _, err := h.shipping.SetTracking(ctx, services.SetTrackingCommand{
			OrderID:        req.OrderID,
			TrackingNumber: number,
			TrackingURL:    strings.TrimSpace(req.TrackingURL),
			ActorID:        actorID,
		}); err != nil {
			writeCarrierCallbackError(ctx, w, err)
			return
		}
	}

	_, err = h.shipping.UpdateShippingStatus(ctx, services.UpdateShippingStatusCommand{
		OrderID: req.OrderID,
		Status:  domain.ShippingStatus(strings.TrimSpace(req.Status)),
		Notes:   req.Notes,
		ActorID: actorID,
	})
	if err != nil {
		writeCarrierCallbackError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeCarrierCallbackError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrShippingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_webhook", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrShippingNotFound), errors.Is(err, services.ErrOrderNotFound):
		// Unknown orders are acknowledged so the carrier stops retrying.
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
	case errors.Is(err, services.ErrShippingInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("shipping_error", "failed to process carrier callback", http.StatusInternalServerError))
	}
}

func writeShippingError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrShippingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrShippingNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_not_found", "shipping record not found", http.StatusNotFound))
	case errors.Is(err, services.ErrShippingInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("shipping_error", "failed to process shipping request", http.StatusInternalServerError))
	}
}
