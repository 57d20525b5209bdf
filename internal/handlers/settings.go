package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/platform/httpx"
	"github.com/darmolhimon/api/internal/platform/textutil"
	"github.com/darmolhimon/api/internal/services"
)

// SettingsHandlers manages the store settings document from the admin
// surface. Reads serve the in-memory snapshot; writes persist and then
// refresh the cache.
type SettingsHandlers struct {
	settings services.StoreSettingsService
}

// NewSettingsHandlers constructs settings handlers.
func NewSettingsHandlers(settings services.StoreSettingsService) *SettingsHandlers {
	return &SettingsHandlers{settings: settings}
}

// AdminRoutes registers back-office settings endpoints.
func (h *SettingsHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/settings", h.getSettings)
	r.Put("/settings", h.updateSettings)
	r.Post("/settings/reload", h.reloadSettings)
}

type shippingConditionPayload struct {
	MinOrderAmount *int64   `json:"min_order_amount,omitempty"`
	MaxWeightGrams *int     `json:"max_weight_grams,omitempty"`
	Countries      []string `json:"countries,omitempty"`
}

type shippingMethodConfigPayload struct {
	ID            string                   `json:"id"`
	Name          string                   `json:"name"`
	Family        string                   `json:"family,omitempty"`
	BaseCost      int64                    `json:"base_cost"`
	EstimatedDays int                      `json:"estimated_days"`
	Enabled       bool                     `json:"enabled"`
	Conditions    shippingConditionPayload `json:"conditions"`
}

type paymentGatewayConfigPayload struct {
	Enabled  bool              `json:"enabled"`
	TestMode bool              `json:"test_mode"`
	Options  map[string]string `json:"options,omitempty"`
}

type storeSettingsPayload struct {
	Currency              string                                 `json:"currency"`
	TaxRate               float64                                `json:"tax_rate"`
	FreeShippingThreshold int64                                  `json:"free_shipping_threshold"`
	CODMaxAmount          int64                                  `json:"cod_max_amount"`
	CODFee                int64                                  `json:"cod_fee"`
	ShippingMethods       []shippingMethodConfigPayload          `json:"shipping_methods"`
	PaymentGateways       map[string]paymentGatewayConfigPayload `json:"payment_gateways"`
	UpdatedAt             string                                 `json:"updated_at,omitempty"`
}

func buildStoreSettingsPayload(settings services.StoreSettings) storeSettingsPayload {
	methods := make([]shippingMethodConfigPayload, len(settings.ShippingMethods))
	for i, method := range settings.ShippingMethods {
		methods[i] = shippingMethodConfigPayload{
			ID:            method.ID,
			Name:          method.Name,
			Family:        method.Family,
			BaseCost:      method.BaseCost,
			EstimatedDays: method.EstimatedDays,
			Enabled:       method.Enabled,
			Conditions: shippingConditionPayload{
				MinOrderAmount: method.Conditions.MinOrderAmount,
				MaxWeightGrams: method.Conditions.MaxWeightGrams,
				Countries:      method.Conditions.Countries,
			},
		}
	}
	gateways := make(map[string]paymentGatewayConfigPayload, len(settings.PaymentGateways))
	for name, gateway := range settings.PaymentGateways {
		gateways[name] = paymentGatewayConfigPayload{
			Enabled:  gateway.Enabled,
			TestMode: gateway.TestMode,
			Options:  gateway.Options,
		}
	}
	return storeSettingsPayload{
		Currency:              settings.Currency,
		TaxRate:               settings.TaxRate,
		FreeShippingThreshold: settings.FreeShippingThreshold,
		CODMaxAmount:          settings.CODMaxAmount,
		CODFee:                settings.CODFee,
		ShippingMethods:       methods,
		PaymentGateways:       gateways,
		UpdatedAt:             formatTime(settings.UpdatedAt),
	}
}

func (p storeSettingsPayload) toDomain() domain.StoreSettings {
	methods := make([]domain.ShippingMethodConfig, len(p.ShippingMethods))
	for i, method := range p.ShippingMethods {
		methods[i] = domain.ShippingMethodConfig{
			ID:            strings.TrimSpace(method.ID),
			Name:          strings.TrimSpace(method.Name),
			Family:        strings.TrimSpace(method.Family),
			BaseCost:      method.BaseCost,
			EstimatedDays: method.EstimatedDays,
			Enabled:       method.Enabled,
			Conditions: domain.ShippingCondition{
				MinOrderAmount: method.Conditions.MinOrderAmount,
				MaxWeightGrams: method.Conditions.MaxWeightGrams,
				Countries:      method.Conditions.Countries,
			},
		}
	}
	gateways := make(map[string]domain.PaymentGatewayConfig, len(p.PaymentGateways))
	for name, gateway := range p.PaymentGateways {
		gateways[strings.TrimSpace(name)] = domain.PaymentGatewayConfig{
			Enabled:  gateway.Enabled,
			TestMode: gateway.TestMode,
			Options:  textutil.NormalizeStringMap(gateway.Options),
		}
	}
	return domain.StoreSettings{
		Currency:              strings.TrimSpace(p.Currency),
		TaxRate:               p.TaxRate,
		FreeShippingThreshold: p.FreeShippingThreshold,
		CODMaxAmount:          p.CODMaxAmount,
		CODFee:                p.CODFee,
		ShippingMethods:       methods,
		PaymentGateways:       gateways,
	}
}

func (h *SettingsHandlers) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, buildStoreSettingsPayload(h.settings.Current()))
}

func (h *SettingsHandlers) updateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readLimitedBody(r, defaultMaxBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	var req storeSettingsPayload
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	updated, err := h.settings.Update(ctx, req.toDomain())
	if err != nil {
		writeSettingsError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildStoreSettingsPayload(updated))
}

func (h *SettingsHandlers) reloadSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.settings.Reload(ctx); err != nil {
		writeSettingsError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildStoreSettingsPayload(h.settings.Current()))
}

func writeSettingsError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrSettingsInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("settings_error", "failed to process settings request", http.StatusInternalServerError))
	}
}
