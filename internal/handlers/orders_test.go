package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/platform/auth"
	"github.com/darmolhimon/api/internal/services"
)

type stubOrderService struct {
	getFunc          func(ctx context.Context, orderID string) (services.Order, error)
	detailsFunc      func(ctx context.Context, orderID string) (services.OrderDetails, error)
	listFunc         func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error)
	statsFunc        func(ctx context.Context, filter services.OrderStatsFilter) (services.OrderStats, error)
	advanceFunc      func(ctx context.Context, cmd services.AdvanceStageCommand) (services.Order, error)
	cancelFunc       func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error)
	addItemFunc      func(ctx context.Context, cmd services.ModifyItemCommand) (services.OrderDetails, error)
	removeItemFunc   func(ctx context.Context, cmd services.ModifyItemCommand) (services.OrderDetails, error)
	releaseStockFunc func(ctx context.Context, cmd services.ReleaseStockCommand) error
	deleteFunc       func(ctx context.Context, cmd services.DeleteOrderCommand) error
	expireFunc       func(ctx context.Context, cmd services.ExpireUnpaidOrdersCommand) (services.ExpireUnpaidOrdersResult, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrderDetails(ctx context.Context, orderID string) (services.OrderDetails, error) {
	if s.detailsFunc != nil {
		return s.detailsFunc(ctx, orderID)
	}
	return services.OrderDetails{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, errors.New("not implemented")
}

func (s *stubOrderService) OrderStats(ctx context.Context, filter services.OrderStatsFilter) (services.OrderStats, error) {
	if s.statsFunc != nil {
		return s.statsFunc(ctx, filter)
	}
	return services.OrderStats{}, errors.New("not implemented")
}

func (s *stubOrderService) AdvanceStage(ctx context.Context, cmd services.AdvanceStageCommand) (services.Order, error) {
	if s.advanceFunc != nil {
		return s.advanceFunc(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) CancelOrder(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFunc != nil {
		return s.cancelFunc(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) AddItem(ctx context.Context, cmd services.ModifyItemCommand) (services.OrderDetails, error) {
	if s.addItemFunc != nil {
		return s.addItemFunc(ctx, cmd)
	}
	return services.OrderDetails{}, errors.New("not implemented")
}

func (s *stubOrderService) RemoveItem(ctx context.Context, cmd services.ModifyItemCommand) (services.OrderDetails, error) {
	if s.removeItemFunc != nil {
		return s.removeItemFunc(ctx, cmd)
	}
	return services.OrderDetails{}, errors.New("not implemented")
}

func (s *stubOrderService) ReleaseOrderStock(ctx context.Context, cmd services.ReleaseStockCommand) error {
	if s.releaseStockFunc != nil {
		return s.releaseStockFunc(ctx, cmd)
	}
	return errors.New("not implemented")
}

func (s *stubOrderService) DeleteOrder(ctx context.Context, cmd services.DeleteOrderCommand) error {
	if s.deleteFunc != nil {
		return s.deleteFunc(ctx, cmd)
	}
	return errors.New("not implemented")
}

func (s *stubOrderService) ExpireUnpaidOrders(ctx context.Context, cmd services.ExpireUnpaidOrdersCommand) (services.ExpireUnpaidOrdersResult, error) {
	if s.expireFunc != nil {
		return s.expireFunc(ctx, cmd)
	}
	return services.ExpireUnpaidOrdersResult{}, errors.New("not implemented")
}

var _ services.OrderService = (*stubOrderService)(nil)

func sampleOrder(id, userID string) services.Order {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return services.Order{
		ID:          id,
		OrderNumber: "ORD-20250301-AB12",
		UserID:      userID,
		Stage:       domain.StagePaid,
		Status:      domain.OrderStatusConfirmed,
		Currency:    "USD",
		Totals: domain.OrderTotals{
			Subtotal: 4500,
			Shipping: 700,
			Tax:      260,
			Total:    5460,
		},
		ItemCount: 2,
		StageHistory: []domain.StageTransition{
			{Stage: domain.StageOrdered, At: now},
			{Stage: domain.StagePaid, PreviousStage: domain.StageOrdered, At: now.Add(time.Minute)},
		},
		CreatedAt: now,
		UpdatedAt: now.Add(time.Minute),
	}
}

func newOrderRequest(method, target string, body string, identity *auth.Identity) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
	}
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	return req
}

func TestOrderHandlersListOwnOrdersScopesToCaller(t *testing.T) {
	router := chi.NewRouter()
	var captured services.OrderListFilter
	service := &stubOrderService{
		listFunc: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{sampleOrder("ord_1", "user-1")},
				NextPageToken: "next-token",
			}, nil
		},
	}
	NewOrderHandlers(nil, service).Routes(router)

	req := newOrderRequest(http.MethodGet, "/?status=confirmed&page_size=5&user_id=somebody-else", "", &auth.Identity{UID: "user-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" {
		t.Fatalf("expected list scoped to caller, got %q", captured.UserID)
	}
	if len(captured.Status) != 1 || captured.Status[0] != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected status filter %#v", captured.Status)
	}
	if captured.Pagination.PageSize != 5 {
		t.Fatalf("expected page size 5, got %d", captured.Pagination.PageSize)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Orders) != 1 || resp.Orders[0].ID != "ord_1" {
		t.Fatalf("unexpected orders %#v", resp.Orders)
	}
	if resp.NextPageToken != "next-token" {
		t.Fatalf("expected next page token, got %q", resp.NextPageToken)
	}
}

func TestOrderHandlersGetOwnOrderHidesForeignOrders(t *testing.T) {
	router := chi.NewRouter()
	service := &stubOrderService{
		detailsFunc: func(_ context.Context, orderID string) (services.OrderDetails, error) {
			return services.OrderDetails{Order: sampleOrder(orderID, "someone-else")}, nil
		},
	}
	NewOrderHandlers(nil, service).Routes(router)

	req := newOrderRequest(http.MethodGet, "/ord_1", "", &auth.Identity{UID: "user-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for foreign order, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOwnOrderAllowsStaff(t *testing.T) {
	router := chi.NewRouter()
	service := &stubOrderService{
		detailsFunc: func(_ context.Context, orderID string) (services.OrderDetails, error) {
			return services.OrderDetails{
				Order: sampleOrder(orderID, "someone-else"),
				Items: []services.OrderItem{{ID: "itm_1", ProductID: "book_1", Quantity: 2}},
			}, nil
		},
	}
	NewOrderHandlers(nil, service).Routes(router)

	req := newOrderRequest(http.MethodGet, "/ord_1", "", &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for staff, got %d", rr.Code)
	}

	var resp orderDetailsPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != "itm_1" {
		t.Fatalf("unexpected items %#v", resp.Items)
	}
}

func TestOrderHandlersCancelOwnOrder(t *testing.T) {
	router := chi.NewRouter()
	var captured services.CancelOrderCommand
	service := &stubOrderService{
		detailsFunc: func(_ context.Context, orderID string) (services.OrderDetails, error) {
			return services.OrderDetails{Order: sampleOrder(orderID, "user-1")}, nil
		},
		cancelFunc: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(cmd.OrderID, "user-1")
			order.Status = domain.OrderStatusCancelled
			return order, nil
		},
	}
	NewOrderHandlers(nil, service).Routes(router)

	req := newOrderRequest(http.MethodPost, "/ord_1/cancel", `{"reason":"ordered twice"}`, &auth.Identity{UID: "user-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.Reason != "ordered twice" || captured.ActorID != "user-1" {
		t.Fatalf("unexpected cancel command %#v", captured)
	}

	var resp orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != string(domain.OrderStatusCancelled) {
		t.Fatalf("expected cancelled status, got %s", resp.Status)
	}
}

func TestOrderHandlersCancelOwnOrderAllowsEmptyBody(t *testing.T) {
	router := chi.NewRouter()
	service := &stubOrderService{
		detailsFunc: func(_ context.Context, orderID string) (services.OrderDetails, error) {
			return services.OrderDetails{Order: sampleOrder(orderID, "user-1")}, nil
		},
		cancelFunc: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			if cmd.Reason != "" {
				t.Fatalf("expected empty reason, got %q", cmd.Reason)
			}
			return sampleOrder(cmd.OrderID, "user-1"), nil
		},
	}
	NewOrderHandlers(nil, service).Routes(router)

	req := newOrderRequest(http.MethodPost, "/ord_1/cancel", "", &auth.Identity{UID: "user-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestOrderHandlersAdvanceStage(t *testing.T) {
	router := chi.NewRouter()
	var captured services.AdvanceStageCommand
	service := &stubOrderService{
		advanceFunc: func(_ context.Context, cmd services.AdvanceStageCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(cmd.OrderID, "user-1")
			order.Stage = cmd.Stage
			return order, nil
		},
	}
	NewOrderHandlers(nil, service).AdminRoutes(router)

	req := newOrderRequest(http.MethodPost, "/orders/ord_1/advance", `{"stage":"shipped","notes":"carrier picked up"}`, &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Stage != domain.StageShipped || captured.Notes != "carrier picked up" || captured.ActorID != "admin-1" {
		t.Fatalf("unexpected advance command %#v", captured)
	}
}

func TestOrderHandlersAdvanceStageMapsErrors(t *testing.T) {
	cases := map[string]struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		"not found":     {services.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
		"invalid input": {services.ErrOrderInvalidInput, http.StatusBadRequest, "invalid_request"},
		"invalid state": {services.ErrOrderInvalidState, http.StatusConflict, "order_invalid_state"},
		"out of stock":  {services.ErrOrderOutOfStock, http.StatusConflict, "insufficient_stock"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			router := chi.NewRouter()
			service := &stubOrderService{
				advanceFunc: func(context.Context, services.AdvanceStageCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}
			NewOrderHandlers(nil, service).AdminRoutes(router)

			req := newOrderRequest(http.MethodPost, "/orders/ord_1/advance", `{"stage":"paid"}`, &auth.Identity{UID: "admin-1"})
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			var errResp map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
				t.Fatalf("failed to decode error response: %v", err)
			}
			if errResp["error"] != tc.wantCode {
				t.Fatalf("expected error code %s, got %#v", tc.wantCode, errResp["error"])
			}
		})
	}
}

func TestOrderHandlersOrderStats(t *testing.T) {
	router := chi.NewRouter()
	service := &stubOrderService{
		statsFunc: func(_ context.Context, filter services.OrderStatsFilter) (services.OrderStats, error) {
			if filter.DateRange.From == nil || filter.DateRange.From.Year() != 2025 {
				t.Fatalf("expected from filter parsed, got %#v", filter.DateRange.From)
			}
			return services.OrderStats{
				TotalOrders:  12,
				TotalRevenue: 64340,
				CountByStatus: map[domain.OrderStatus]int{
					domain.OrderStatusConfirmed: 8,
					domain.OrderStatusCancelled: 4,
				},
			}, nil
		},
	}
	NewOrderHandlers(nil, service).AdminRoutes(router)

	req := newOrderRequest(http.MethodGet, "/orders/stats?from=2025-01-01T00:00:00Z", "", &auth.Identity{UID: "admin-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp orderStatsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.TotalOrders != 12 || resp.TotalRevenue != 64340 {
		t.Fatalf("unexpected totals %#v", resp)
	}
	if resp.CountByStatus["confirmed"] != 8 {
		t.Fatalf("unexpected status counts %#v", resp.CountByStatus)
	}
}

func TestOrderHandlersAddItem(t *testing.T) {
	router := chi.NewRouter()
	var captured services.ModifyItemCommand
	service := &stubOrderService{
		addItemFunc: func(_ context.Context, cmd services.ModifyItemCommand) (services.OrderDetails, error) {
			captured = cmd
			return services.OrderDetails{
				Order: sampleOrder(cmd.OrderID, "user-1"),
				Items: []services.OrderItem{{ID: "itm_2", ProductID: cmd.ProductID, Quantity: cmd.Quantity}},
			}, nil
		},
	}
	NewOrderHandlers(nil, service).AdminRoutes(router)

	req := newOrderRequest(http.MethodPost, "/orders/ord_1/items", `{"product_id":"book_9","quantity":1}`, &auth.Identity{UID: "admin-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.ProductID != "book_9" || captured.Quantity != 1 {
		t.Fatalf("unexpected add item command %#v", captured)
	}
}

func TestOrderHandlersRemoveItem(t *testing.T) {
	router := chi.NewRouter()
	var captured services.ModifyItemCommand
	service := &stubOrderService{
		removeItemFunc: func(_ context.Context, cmd services.ModifyItemCommand) (services.OrderDetails, error) {
			captured = cmd
			return services.OrderDetails{Order: sampleOrder(cmd.OrderID, "user-1")}, nil
		},
	}
	NewOrderHandlers(nil, service).AdminRoutes(router)

	req := newOrderRequest(http.MethodDelete, "/orders/ord_1/items/itm_2", "", &auth.Identity{UID: "admin-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.ItemID != "itm_2" {
		t.Fatalf("unexpected remove item command %#v", captured)
	}
}

func TestOrderHandlersReleaseStock(t *testing.T) {
	router := chi.NewRouter()
	var captured services.ReleaseStockCommand
	service := &stubOrderService{
		releaseStockFunc: func(_ context.Context, cmd services.ReleaseStockCommand) error {
			captured = cmd
			return nil
		},
	}
	NewOrderHandlers(nil, service).AdminRoutes(router)

	req := newOrderRequest(http.MethodPost, "/orders/ord_1/release-stock", `{"reason":"payment abandoned"}`, &auth.Identity{UID: "admin-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if captured.OrderID != "ord_1" || captured.Reason != "payment abandoned" {
		t.Fatalf("unexpected release command %#v", captured)
	}
}

func TestOrderHandlersDeleteOrder(t *testing.T) {
	router := chi.NewRouter()
	service := &stubOrderService{
		deleteFunc: func(_ context.Context, cmd services.DeleteOrderCommand) error {
			if cmd.OrderID != "ord_1" {
				t.Fatalf("unexpected order id %s", cmd.OrderID)
			}
			return nil
		},
	}
	NewOrderHandlers(nil, service).AdminRoutes(router)

	req := newOrderRequest(http.MethodDelete, "/orders/ord_1", "", &auth.Identity{UID: "admin-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
}

func TestOrderHandlersRequireIdentity(t *testing.T) {
	router := chi.NewRouter()
	NewOrderHandlers(nil, &stubOrderService{}).Routes(router)

	req := newOrderRequest(http.MethodGet, "/", "", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
