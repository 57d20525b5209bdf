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

func sampleShipping(orderID string) services.Shipping {
	now := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	return services.Shipping{
		ID:      "shp_1",
		OrderID: orderID,
		Address: domain.Address{
			Recipient:  "Dana Reader",
			Line1:      "1 Main St",
			City:       "Springfield",
			PostalCode: "12345",
			Country:    "US",
		},
		Method:             "standard",
		Cost:               700,
		PackageWeightGrams: 1200,
		Status:             domain.ShippingStatusPending,
		StatusHistory: []domain.ShippingEvent{
			{Status: domain.ShippingStatusPending, OccurredAt: now},
		},
		EstimatedDays: 5,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

type shippingServiceStub struct {
	getFunc      func(ctx context.Context, orderID string) (services.Shipping, error)
	updateFunc   func(ctx context.Context, cmd services.UpdateShippingStatusCommand) (services.Shipping, error)
	trackingFunc func(ctx context.Context, cmd services.SetTrackingCommand) (services.Shipping, error)
}

func (s *shippingServiceStub) AvailableMethods(context.Context, services.ShippingMethodQuery) ([]services.ShippingOption, error) {
	return nil, errors.New("not implemented")
}

func (s *shippingServiceStub) GetShippingForOrder(ctx context.Context, orderID string) (services.Shipping, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, orderID)
	}
	return services.Shipping{}, errors.New("not implemented")
}

func (s *shippingServiceStub) UpdateShippingStatus(ctx context.Context, cmd services.UpdateShippingStatusCommand) (services.Shipping, error) {
	if s.updateFunc != nil {
		return s.updateFunc(ctx, cmd)
	}
	return services.Shipping{}, errors.New("not implemented")
}

func (s *shippingServiceStub) SetTracking(ctx context.Context, cmd services.SetTrackingCommand) (services.Shipping, error) {
	if s.trackingFunc != nil {
		return s.trackingFunc(ctx, cmd)
	}
	return services.Shipping{}, errors.New("not implemented")
}

func TestShippingHandlersGetOwnShipping(t *testing.T) {
	router := chi.NewRouter()
	shipping := &shippingServiceStub{
		getFunc: func(_ context.Context, orderID string) (services.Shipping, error) {
			return sampleShipping(orderID), nil
		},
	}
	orders := &stubOrderService{
		getFunc: func(_ context.Context, orderID string) (services.Order, error) {
			return sampleOrder(orderID, "user-1"), nil
		},
	}
	NewShippingHandlers(nil, shipping, orders).Routes(router)

	req := newOrderRequest(http.MethodGet, "/ord_1/shipping", "", &auth.Identity{UID: "user-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp shippingPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID != "shp_1" || resp.OrderID != "ord_1" {
		t.Fatalf("unexpected shipping payload %#v", resp)
	}
	if resp.Address.Country != "US" {
		t.Fatalf("expected address serialised, got %#v", resp.Address)
	}
}

func TestShippingHandlersGetOwnShippingHidesForeignOrders(t *testing.T) {
	router := chi.NewRouter()
	orders := &stubOrderService{
		getFunc: func(_ context.Context, orderID string) (services.Order, error) {
			return sampleOrder(orderID, "someone-else"), nil
		},
	}
	NewShippingHandlers(nil, &shippingServiceStub{}, orders).Routes(router)

	req := newOrderRequest(http.MethodGet, "/ord_1/shipping", "", &auth.Identity{UID: "user-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for foreign order, got %d", rr.Code)
	}
}

func TestShippingHandlersUpdateStatus(t *testing.T) {
	router := chi.NewRouter()
	var captured services.UpdateShippingStatusCommand
	shipping := &shippingServiceStub{
		updateFunc: func(_ context.Context, cmd services.UpdateShippingStatusCommand) (services.Shipping, error) {
			captured = cmd
			record := sampleShipping(cmd.OrderID)
			record.Status = cmd.Status
			return record, nil
		},
	}
	NewShippingHandlers(nil, shipping, &stubOrderService{}).AdminRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/shipping/status", bytes.NewBufferString(`{"status":"in_transit","notes":"left the warehouse"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1"}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Status != domain.ShippingStatusInTransit || captured.Notes != "left the warehouse" || captured.ActorID != "staff-1" {
		t.Fatalf("unexpected update command %#v", captured)
	}

	var resp shippingPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != string(domain.ShippingStatusInTransit) {
		t.Fatalf("expected in_transit status, got %s", resp.Status)
	}
}

func TestShippingHandlersUpdateStatusMapsErrors(t *testing.T) {
	cases := map[string]struct {
		err        error
		wantStatus int
	}{
		"not found":     {services.ErrShippingNotFound, http.StatusNotFound},
		"invalid input": {services.ErrShippingInvalidInput, http.StatusBadRequest},
		"invalid state": {services.ErrShippingInvalidState, http.StatusConflict},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			router := chi.NewRouter()
			shipping := &shippingServiceStub{
				updateFunc: func(context.Context, services.UpdateShippingStatusCommand) (services.Shipping, error) {
					return services.Shipping{}, tc.err
				},
			}
			NewShippingHandlers(nil, shipping, &stubOrderService{}).AdminRoutes(router)

			req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/shipping/status", bytes.NewBufferString(`{"status":"delivered"}`))
			req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1"}))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
		})
	}
}

func TestShippingHandlersSetTracking(t *testing.T) {
	router := chi.NewRouter()
	var captured services.SetTrackingCommand
	shipping := &shippingServiceStub{
		trackingFunc: func(_ context.Context, cmd services.SetTrackingCommand) (services.Shipping, error) {
			captured = cmd
			record := sampleShipping(cmd.OrderID)
			record.TrackingNumber = cmd.TrackingNumber
			record.TrackingURL = cmd.TrackingURL
			return record, nil
		},
	}
	NewShippingHandlers(nil, shipping, &stubOrderService{}).AdminRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/shipping/tracking", bytes.NewBufferString(`{"tracking_number":"TRACK123","tracking_url":"https://carrier.example/TRACK123"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1"}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.TrackingNumber != "TRACK123" || captured.TrackingURL != "https://carrier.example/TRACK123" {
		t.Fatalf("unexpected tracking command %#v", captured)
	}

	var resp shippingPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.TrackingNumber != "TRACK123" {
		t.Fatalf("expected tracking number in payload, got %q", resp.TrackingNumber)
	}
}

func TestShippingHandlersCarrierCallbackUpdatesStatusAndTracking(t *testing.T) {
	var statusCmd services.UpdateShippingStatusCommand
	var trackingCmd services.SetTrackingCommand
	shipping := &shippingServiceStub{
		updateFunc: func(_ context.Context, cmd services.UpdateShippingStatusCommand) (services.Shipping, error) {
			statusCmd = cmd
			return sampleShipping(cmd.OrderID), nil
		},
		trackingFunc: func(_ context.Context, cmd services.SetTrackingCommand) (services.Shipping, error) {
			trackingCmd = cmd
			return sampleShipping(cmd.OrderID), nil
		},
	}

	router := chi.NewRouter()
	NewShippingHandlers(nil, shipping, &stubOrderService{}).WebhookRoutes(router)

	body := `{"order_id":"ord_9","status":"in_transit","notes":"left depot","tracking_number":"TRK9","tracking_url":"https://carrier.example/TRK9"}`
	req := httptest.NewRequest(http.MethodPost, "/shipping/aramex", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if statusCmd.OrderID != "ord_9" || statusCmd.Status != domain.ShippingStatusInTransit {
		t.Fatalf("unexpected status command %#v", statusCmd)
	}
	if statusCmd.ActorID != "carrier:aramex" {
		t.Fatalf("expected carrier actor, got %q", statusCmd.ActorID)
	}
	if trackingCmd.TrackingNumber != "TRK9" {
		t.Fatalf("unexpected tracking command %#v", trackingCmd)
	}
}

func TestShippingHandlersCarrierCallbackIgnoresUnknownOrder(t *testing.T) {
	shipping := &shippingServiceStub{
		updateFunc: func(_ context.Context, cmd services.UpdateShippingStatusCommand) (services.Shipping, error) {
			return services.Shipping{}, services.ErrShippingNotFound
		},
	}

	router := chi.NewRouter()
	NewShippingHandlers(nil, shipping, &stubOrderService{}).WebhookRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/shipping/aramex", bytes.NewBufferString(`{"order_id":"ord_missing","status":"in_transit"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for unknown order, got %d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "ignored" {
		t.Fatalf("expected ignored acknowledgement, got %v", resp)
	}
}
