package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/darmolhimon/api/internal/platform/httpx"
	"github.com/darmolhimon/api/internal/services"
)

// TaskHandlers exposes scheduler-invoked maintenance endpoints. These
// routes are not part of the public API; callers are service accounts
// verified upstream by the OIDC middleware.
type TaskHandlers struct {
	orders   services.OrderService
	settings services.StoreSettingsService
}

// NewTaskHandlers constructs maintenance task handlers.
func NewTaskHandlers(orders services.OrderService, settings services.StoreSettingsService) *TaskHandlers {
	return &TaskHandlers{orders: orders, settings: settings}
}

// InternalRoutes registers the maintenance task endpoints.
func (h *TaskHandlers) InternalRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/tasks/expire-unpaid-orders", h.expireUnpaidOrders)
	r.Post("/tasks/reload-settings", h.reloadSettings)
}

type expireUnpaidOrdersRequest struct {
	OlderThanHours int `json:"older_than_hours"`
	Limit          int `json:"limit"`
}

type expireUnpaidOrdersResponse struct {
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

func (h *TaskHandlers) expireUnpaidOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_implemented", "order service unavailable", http.StatusNotImplemented))
		return
	}

	var req expireUnpaidOrdersRequest
	body, err := readLimitedBody(r, defaultMaxBodySize)
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
	if req.OlderThanHours < 0 || req.Limit < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "older_than_hours and limit must not be negative", http.StatusBadRequest))
		return
	}

	result, err := h.orders.ExpireUnpaidOrders(ctx, services.ExpireUnpaidOrdersCommand{
		OlderThan: time.Duration(req.OlderThanHours) * time.Hour,
		Limit:     req.Limit,
		ActorID:   "system:scheduler",
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("task_error", "failed to expire unpaid orders", http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusOK, expireUnpaidOrdersResponse{
		Expired: result.Expired,
		Failed:  result.Failed,
	})
}

func (h *TaskHandlers) reloadSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settings == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_implemented", "settings service unavailable", http.StatusNotImplemented))
		return
	}
	if err := h.settings.Reload(ctx); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("task_error", "failed to reload settings", http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}
