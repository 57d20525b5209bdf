package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/repositories"
)

var (
	// ErrShippingInvalidInput signals the caller provided invalid data.
	ErrShippingInvalidInput = errors.New("shipping: invalid input")
	// ErrShippingNotFound indicates no shipping record exists for the order.
	ErrShippingNotFound = errors.New("shipping: not found")
	// ErrShippingInvalidState indicates a disallowed status transition.
	ErrShippingInvalidState = errors.New("shipping: invalid status transition")
)

// shippingStatusTransitions is the forward fulfilment pipeline. Failed
// and returned are reachable from any in-flight state; delivered,
// failed, and returned are terminal.
var shippingStatusTransitions = map[domain.ShippingStatus][]domain.ShippingStatus{
	domain.ShippingStatusPending:        {domain.ShippingStatusConfirmed, domain.ShippingStatusFailed},
	domain.ShippingStatusConfirmed:      {domain.ShippingStatusPickedUp, domain.ShippingStatusFailed},
	domain.ShippingStatusPickedUp:       {domain.ShippingStatusInTransit, domain.ShippingStatusFailed, domain.ShippingStatusReturned},
	domain.ShippingStatusInTransit:      {domain.ShippingStatusOutForDelivery, domain.ShippingStatusFailed, domain.ShippingStatusReturned},
	domain.ShippingStatusOutForDelivery: {domain.ShippingStatusDelivered, domain.ShippingStatusFailed, domain.ShippingStatusReturned},
}

// ShippingServiceDeps bundles collaborators required to construct the shipping service.
type ShippingServiceDeps struct {
	Shipping repositories.ShippingRepository
	Orders   repositories.OrderRepository
	Settings StoreSettingsService
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type shippingService struct {
	shipping repositories.ShippingRepository
	orders   repositories.OrderRepository
	settings StoreSettingsService
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewShippingService wires dependencies into a concrete ShippingService implementation.
func NewShippingService(deps ShippingServiceDeps) (ShippingService, error) {
	if deps.Shipping == nil {
		return nil, errors.New("shipping service: shipping repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("shipping service: order repository is required")
	}
	if deps.Settings == nil {
		return nil, errors.New("shipping service: settings service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &shippingService{
		shipping: deps.Shipping,
		orders:   deps.Orders,
		settings: deps.Settings,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// AvailableMethods evaluates every configured method against the query
// and prices the eligible ones. Fallback rates are injected whenever
// nothing matches or the destination is outside the supported country
// list, so checkout is never blocked by a misconfigured settings
// document or an exotic address.
func (s *shippingService) AvailableMethods(ctx context.Context, query ShippingMethodQuery) ([]ShippingOption, error) {
	if query.OrderTotal < 0 {
		return nil, fmt.Errorf("%w: order total must be >= 0", ErrShippingInvalidInput)
	}
	if query.WeightGrams < 0 {
		return nil, fmt.Errorf("%w: weight must be >= 0", ErrShippingInvalidInput)
	}

	settings := s.settings.Current()
	options := make([]ShippingOption, 0, len(settings.ShippingMethods))
	for _, method := range settings.ShippingMethods {
		if !methodMatchesQuery(method, query) {
			continue
		}
		options = append(options, domain.ShippingOption{
			ID:            method.ID,
			Name:          method.Name,
			Cost:          shippingCostFor(method, query, settings.FreeShippingThreshold),
			EstimatedDays: method.EstimatedDays,
		})
	}
	if len(options) == 0 || isUnsupportedShippingCountry(query.Country) {
		s.logger(ctx, "shipping.methods.fallback", map[string]any{
			"country": query.Country,
			"weight":  query.WeightGrams,
		})
		options = append(options, fallbackShippingOptions(query, settings.FreeShippingThreshold)...)
	}

	sort.SliceStable(options, func(i, j int) bool {
		if options[i].Cost != options[j].Cost {
			return options[i].Cost < options[j].Cost
		}
		return options[i].EstimatedDays < options[j].EstimatedDays
	})
	return options, nil
}

// GetShippingForOrder returns the shipping record attached to an order.
func (s *shippingService) GetShippingForOrder(ctx context.Context, orderID string) (Shipping, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Shipping{}, fmt.Errorf("%w: order id is required", ErrShippingInvalidInput)
	}
	shipping, err := s.shipping.FindByOrder(ctx, orderID)
	if err != nil {
		return Shipping{}, s.mapRepositoryError(err)
	}
	return shipping, nil
}

// UpdateShippingStatus advances the shipment through the fulfilment
// pipeline, appends the history entry, and mirrors the new status onto
// the owning order for list views.
func (s *shippingService) UpdateShippingStatus(ctx context.Context, cmd UpdateShippingStatusCommand) (Shipping, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Shipping{}, fmt.Errorf("%w: order id is required", ErrShippingInvalidInput)
	}
	if _, known := shippingStatusTransitions[cmd.Status]; !known {
		switch cmd.Status {
		case domain.ShippingStatusDelivered, domain.ShippingStatusFailed, domain.ShippingStatusReturned:
		default:
			return Shipping{}, fmt.Errorf("%w: unknown status %q", ErrShippingInvalidInput, cmd.Status)
		}
	}

	shipping, err := s.shipping.FindByOrder(ctx, orderID)
	if err != nil {
		return Shipping{}, s.mapRepositoryError(err)
	}
	if !shippingStatusAllowed(shipping.Status, cmd.Status) {
		return Shipping{}, fmt.Errorf("%w: %s -> %s", ErrShippingInvalidState, shipping.Status, cmd.Status)
	}

	now := s.clock()
	shipping.Status = cmd.Status
	shipping.StatusHistory = append(shipping.StatusHistory, domain.ShippingEvent{
		Status:     cmd.Status,
		Notes:      strings.TrimSpace(cmd.Notes),
		OccurredAt: now,
	})
	shipping.UpdatedAt = now
	if err := s.shipping.Update(ctx, shipping); err != nil {
		return Shipping{}, s.mapRepositoryError(err)
	}

	if err := s.mirrorStatusOnOrder(ctx, orderID, cmd.Status); err != nil {
		// The shipment update already committed; surface the mirror
		// failure through logs only.
		s.logger(ctx, "shipping.order.mirror_failed", map[string]any{
			"orderId": orderID,
			"status":  string(cmd.Status),
			"error":   err.Error(),
		})
	}

	s.logger(ctx, "shipping.status.updated", map[string]any{
		"orderId": orderID,
		"status":  string(cmd.Status),
		"actorId": cmd.ActorID,
	})
	return shipping, nil
}

// SetTracking records the carrier tracking reference. Allowed once the
// shipment is confirmed or later; the pipeline position is unchanged.
func (s *shippingService) SetTracking(ctx context.Context, cmd SetTrackingCommand) (Shipping, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Shipping{}, fmt.Errorf("%w: order id is required", ErrShippingInvalidInput)
	}
	number := strings.TrimSpace(cmd.TrackingNumber)
	if number == "" {
		return Shipping{}, fmt.Errorf("%w: tracking number is required", ErrShippingInvalidInput)
	}

	shipping, err := s.shipping.FindByOrder(ctx, orderID)
	if err != nil {
		return Shipping{}, s.mapRepositoryError(err)
	}
	shipping.TrackingNumber = number
	shipping.TrackingURL = strings.TrimSpace(cmd.TrackingURL)
	shipping.UpdatedAt = s.clock()
	if err := s.shipping.Update(ctx, shipping); err != nil {
		return Shipping{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "shipping.tracking.set", map[string]any{
		"orderId":  orderID,
		"tracking": number,
		"actorId":  cmd.ActorID,
	})
	return shipping, nil
}

func (s *shippingService) mirrorStatusOnOrder(ctx context.Context, orderID string, status domain.ShippingStatus) error {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	order.ShippingStatus = string(status)
	order.UpdatedAt = s.clock()
	return s.orders.Update(ctx, order)
}

func (s *shippingService) mapRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrShippingNotFound, err)
	}
	return err
}

func shippingStatusAllowed(from, to domain.ShippingStatus) bool {
	for _, next := range shippingStatusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
