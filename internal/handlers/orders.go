package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/platform/auth"
	"github.com/darmolhimon/api/internal/platform/httpx"
	"github.com/darmolhimon/api/internal/services"
)

const maxOrderRequestBody = 16 * 1024

// OrderHandlers exposes order reads and lifecycle mutations. Customer
// routes operate on the caller's own orders; admin routes drive the
// stage machine and back-office maintenance.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs order handlers guarded by Firebase authentication.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers customer-facing order endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Get("/", h.listOwnOrders)
	group.Get("/{orderID}", h.getOwnOrder)
	group.Post("/{orderID}/cancel", h.cancelOwnOrder)
}

// AdminRoutes registers back-office order endpoints. The caller wires
// these behind a staff or admin role gate.
func (h *OrderHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders", h.adminListOrders)
	r.Get("/orders/stats", h.orderStats)
	r.Get("/orders/{orderID}", h.adminGetOrder)
	r.Post("/orders/{orderID}/advance", h.advanceStage)
	r.Post("/orders/{orderID}/cancel", h.adminCancelOrder)
	r.Post("/orders/{orderID}/release-stock", h.releaseStock)
	r.Post("/orders/{orderID}/items", h.addItem)
	r.Delete("/orders/{orderID}/items/{itemID}", h.removeItem)
	r.Delete("/orders/{orderID}", h.deleteOrder)
}

type orderItemPayload struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	ProductType string `json:"product_type"`
	Title       string `json:"title"`
	UnitPrice   int64  `json:"unit_price"`
	Quantity    int    `json:"quantity"`
	TotalPrice  int64  `json:"total_price"`
	DownloadURL string `json:"download_url,omitempty"`
	IsDelivered bool   `json:"is_delivered,omitempty"`
}

type stageTransitionPayload struct {
	Stage         string `json:"stage"`
	PreviousStage string `json:"previous_stage,omitempty"`
	Notes         string `json:"notes,omitempty"`
	At            string `json:"at"`
}

type orderPayload struct {
	ID             string                   `json:"id"`
	OrderNumber    string                   `json:"order_number"`
	UserID         string                   `json:"user_id"`
	Stage          string                   `json:"stage"`
	Status         string                   `json:"status"`
	PaymentStatus  string                   `json:"payment_status,omitempty"`
	ShippingStatus string                   `json:"shipping_status,omitempty"`
	Currency       string                   `json:"currency"`
	Subtotal       int64                    `json:"subtotal"`
	Discount       int64                    `json:"discount,omitempty"`
	Shipping       int64                    `json:"shipping"`
	Tax            int64                    `json:"tax"`
	Total          int64                    `json:"total"`
	ItemCount      int                      `json:"item_count"`
	ShippingMethod string                   `json:"shipping_method,omitempty"`
	CancelReason   *string                  `json:"cancel_reason,omitempty"`
	StageHistory   []stageTransitionPayload `json:"stage_history,omitempty"`
	CreatedAt      string                   `json:"created_at"`
	UpdatedAt      string                   `json:"updated_at"`
	PaidAt         string                   `json:"paid_at,omitempty"`
	DeliveredAt    string                   `json:"delivered_at,omitempty"`
	CompletedAt    string                   `json:"completed_at,omitempty"`
	CancelledAt    string                   `json:"cancelled_at,omitempty"`
}

type orderDetailsPayload struct {
	Order    orderPayload       `json:"order"`
	Items    []orderItemPayload `json:"items"`
	Shipping *shippingPayload   `json:"shipping,omitempty"`
	Payment  *paymentPayload    `json:"payment,omitempty"`
}

type orderListResponse struct {
	Orders        []orderPayload `json:"orders"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

func (h *OrderHandlers) listOwnOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	filter := parseOrderListFilter(r)
	filter.UserID = identity.UID

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *OrderHandlers) getOwnOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	details, err := h.orders.GetOrderDetails(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if details.Order.UserID != identity.UID && !identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderDetailsPayload(details))
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) cancelOwnOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := chi.URLParam(r, "orderID")
	details, err := h.orders.GetOrderDetails(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if details.Order.UserID != identity.UID {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	req, ok := decodeCancelRequest(ctx, w, r)
	if !ok {
		return
	}

	order, err := h.orders.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

// decodeCancelRequest tolerates an empty body; cancellation reasons are optional.
func decodeCancelRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) (cancelOrderRequest, bool) {
	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderRequestBody)
	if err != nil {
		if errors.Is(err, errEmptyBody) {
			return req, true
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return req, false
	}
	return req, true
}

func (h *OrderHandlers) adminListOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter := parseOrderListFilter(r)
	filter.UserID = strings.TrimSpace(r.URL.Query().Get("user_id"))

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *OrderHandlers) adminGetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	details, err := h.orders.GetOrderDetails(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderDetailsPayload(details))
}

type orderStatsResponse struct {
	TotalOrders   int            `json:"total_orders"`
	TotalRevenue  int64          `json:"total_revenue"`
	CountByStatus map[string]int `json:"count_by_status"`
}

func (h *OrderHandlers) orderStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var filter services.OrderStatsFilter
	if from, ok := parseTimeParam(r, "from"); ok {
		filter.DateRange.From = &from
	}
	if to, ok := parseTimeParam(r, "to"); ok {
		filter.DateRange.To = &to
	}

	stats, err := h.orders.OrderStats(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	counts := make(map[string]int, len(stats.CountByStatus))
	for status, count := range stats.CountByStatus {
		counts[string(status)] = count
	}
	writeJSONResponse(w, http.StatusOK, orderStatsResponse{
		TotalOrders:   stats.TotalOrders,
		TotalRevenue:  stats.TotalRevenue,
		CountByStatus: counts,
	})
}

type advanceStageRequest struct {
	Stage string `json:"stage"`
	Notes string `json:"notes"`
}

func (h *OrderHandlers) advanceStage(w http.ResponseWriter, r *http.Request) {
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
	var req advanceStageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	order, err := h.orders.AdvanceStage(ctx, services.AdvanceStageCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Stage:   domain.Stage(strings.TrimSpace(req.Stage)),
		Notes:   req.Notes,
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) adminCancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	req, ok := decodeCancelRequest(ctx, w, r)
	if !ok {
		return
	}

	order, err := h.orders.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) releaseStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	req, ok := decodeCancelRequest(ctx, w, r)
	if !ok {
		return
	}

	err := h.orders.ReleaseOrderStock(ctx, services.ReleaseStockCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (h *OrderHandlers) addItem(w http.ResponseWriter, r *http.Request) {
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
	var req addItemRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	details, err := h.orders.AddItem(ctx, services.ModifyItemCommand{
		OrderID:   chi.URLParam(r, "orderID"),
		ProductID: strings.TrimSpace(req.ProductID),
		Quantity:  req.Quantity,
		ActorID:   identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderDetailsPayload(details))
}

func (h *OrderHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	details, err := h.orders.RemoveItem(ctx, services.ModifyItemCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ItemID:  chi.URLParam(r, "itemID"),
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderDetailsPayload(details))
}

func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	err := h.orders.DeleteOrder(ctx, services.DeleteOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func parseOrderListFilter(r *http.Request) services.OrderListFilter {
	filter := services.OrderListFilter{
		Pagination: domain.Pagination{
			PageToken: strings.TrimSpace(r.URL.Query().Get("page_token")),
		},
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("page_size")); raw != "" {
		if size, err := strconv.Atoi(raw); err == nil {
			filter.Pagination.PageSize = size
		}
	}
	for _, raw := range r.URL.Query()["status"] {
		if status := strings.TrimSpace(raw); status != "" {
			filter.Status = append(filter.Status, domain.OrderStatus(status))
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("stage")); raw != "" {
		stage := domain.Stage(raw)
		filter.Stage = &stage
	}
	if from, ok := parseTimeParam(r, "from"); ok {
		filter.DateRange.From = &from
	}
	if to, ok := parseTimeParam(r, "to"); ok {
		filter.DateRange.To = &to
	}
	return filter
}

func parseTimeParam(r *http.Request, name string) (time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func buildOrderPayload(order services.Order) orderPayload {
	history := make([]stageTransitionPayload, len(order.StageHistory))
	for i, transition := range order.StageHistory {
		history[i] = stageTransitionPayload{
			Stage:         string(transition.Stage),
			PreviousStage: string(transition.PreviousStage),
			Notes:         transition.Notes,
			At:            formatTime(transition.At),
		}
	}
	return orderPayload{
		ID:             order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		Stage:          string(order.Stage),
		Status:         string(order.Status),
		PaymentStatus:  order.PaymentStatus,
		ShippingStatus: order.ShippingStatus,
		Currency:       order.Currency,
		Subtotal:       order.Totals.Subtotal,
		Discount:       order.Totals.Discount,
		Shipping:       order.Totals.Shipping,
		Tax:            order.Totals.Tax,
		Total:          order.Totals.Total,
		ItemCount:      order.ItemCount,
		ShippingMethod: order.ShippingMethod,
		CancelReason:   cloneStringPointer(order.CancelReason),
		StageHistory:   history,
		CreatedAt:      formatTime(order.CreatedAt),
		UpdatedAt:      formatTime(order.UpdatedAt),
		PaidAt:         formatTime(pointerTime(order.PaidAt)),
		DeliveredAt:    formatTime(pointerTime(order.DeliveredAt)),
		CompletedAt:    formatTime(pointerTime(order.CompletedAt)),
		CancelledAt:    formatTime(pointerTime(order.CancelledAt)),
	}
}

func buildOrderItemPayload(item services.OrderItem) orderItemPayload {
	payload := orderItemPayload{
		ID:          item.ID,
		ProductID:   item.ProductID,
		ProductType: string(item.ProductType),
		Title:       item.Title,
		UnitPrice:   item.UnitPrice,
		Quantity:    item.Quantity,
		TotalPrice:  item.TotalPrice,
		IsDelivered: item.IsDelivered,
	}
	if item.DownloadURL != nil {
		payload.DownloadURL = *item.DownloadURL
	}
	return payload
}

func buildOrderDetailsPayload(details services.OrderDetails) orderDetailsPayload {
	items := make([]orderItemPayload, len(details.Items))
	for i, item := range details.Items {
		items[i] = buildOrderItemPayload(item)
	}
	payload := orderDetailsPayload{
		Order: buildOrderPayload(details.Order),
		Items: items,
	}
	if details.Shipping != nil {
		shipping := buildShippingPayload(*details.Shipping)
		payload.Shipping = &shipping
	}
	if details.Payment != nil {
		payment := buildPaymentPayload(*details.Payment)
		payload.Payment = &payment
	}
	return payload
}

func buildOrderListResponse(page domain.CursorPage[domain.Order]) orderListResponse {
	orders := make([]orderPayload, len(page.Items))
	for i, order := range page.Items {
		orders[i] = buildOrderPayload(order)
	}
	return orderListResponse{
		Orders:        orders,
		NextPageToken: page.NextPageToken,
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderOutOfStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
