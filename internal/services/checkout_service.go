package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/payments"
	"github.com/darmolhimon/api/internal/repositories"
)

const (
	orderIDPrefix    = "ord_"
	shippingIDPrefix = "shp_"
	paymentIDPrefix  = "pay_"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutBookUnavailable indicates a requested book is missing or unpublished.
	ErrCheckoutBookUnavailable = errors.New("checkout: book unavailable")
	// ErrCheckoutOutOfStock indicates the reservation failed on availability.
	ErrCheckoutOutOfStock = errors.New("checkout: insufficient stock")
	// ErrCheckoutShippingRequired indicates a physical order arrived without shipping details.
	ErrCheckoutShippingRequired = errors.New("checkout: shipping details required")
	// ErrCheckoutPaymentFailed indicates no payment intent could be created. The
	// order survives in payment_failed status with its stock still reserved.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment failed")
)

// CheckoutServiceDeps bundles collaborators required to construct the checkout service.
type CheckoutServiceDeps struct {
	Orders      repositories.OrderRepository
	Books       repositories.BookRepository
	Shipping    repositories.ShippingRepository
	Payments    repositories.PaymentRepository
	Gateways    *payments.Manager
	Pricing     *CostCalculator
	Settings    StoreSettingsService
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders   repositories.OrderRepository
	books    repositories.BookRepository
	shipping repositories.ShippingRepository
	payments repositories.PaymentRepository
	gateways *payments.Manager
	pricing  *CostCalculator
	settings StoreSettingsService
	events   OrderEventPublisher
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewCheckoutService wires dependencies into a concrete CheckoutService implementation.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Books == nil {
		return nil, errors.New("checkout service: book repository is required")
	}
	if deps.Shipping == nil {
		return nil, errors.New("checkout service: shipping repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment repository is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("checkout service: gateway manager is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("checkout service: cost calculator is required")
	}
	if deps.Settings == nil {
		return nil, errors.New("checkout service: settings service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		orders:   deps.Orders,
		books:    deps.Books,
		shipping: deps.Shipping,
		payments: deps.Payments,
		gateways: deps.Gateways,
		pricing:  deps.Pricing,
		settings: deps.Settings,
		events:   deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// ProcessCheckout runs the full flow: validate the request, load and
// check the catalog lines, price the order, atomically reserve stock
// while creating the order, attach the shipping record, then create the
// payment intent. A failed shipping write rolls the whole order back; a
// failed payment keeps the order in payment_failed with stock reserved.
func (s *checkoutService) ProcessCheckout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	if err := validateCheckoutCommand(cmd); err != nil {
		return CheckoutResult{}, err
	}

	books, err := s.loadBooks(ctx, cmd.Items)
	if err != nil {
		return CheckoutResult{}, err
	}

	method, err := s.resolveShipping(cmd, books)
	if err != nil {
		return CheckoutResult{}, err
	}

	cost, err := s.priceCheckout(ctx, cmd, books, method)
	if err != nil {
		return CheckoutResult{}, err
	}

	now := s.clock()
	order, items := s.buildOrder(cmd, books, cost, method, now)

	order, items, err = s.orders.CreateWithReservation(ctx, order, items)
	if err != nil {
		var stockErr *repositories.StockError
		if errors.As(err, &stockErr) {
			return CheckoutResult{}, fmt.Errorf("%w: %s", ErrCheckoutOutOfStock, stockErr.Message)
		}
		return CheckoutResult{}, err
	}
	s.logger(ctx, "checkout.order.created", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"total":       cost.Total,
	})
	s.publishCreated(ctx, order)

	var shippingRecord *Shipping
	if cost.HasPhysical && !cost.IsPickup {
		record, err := s.createShippingRecord(ctx, order, cmd, cost, method, now)
		if err != nil {
			s.rollbackOrder(ctx, order, items)
			return CheckoutResult{}, err
		}
		shippingRecord = record
		order.ShippingID = &record.ID
		order.ShippingStatus = string(record.Status)
	}

	payment, intent, err := s.createPayment(ctx, &order, cmd, cost, now)
	if err != nil {
		return CheckoutResult{}, err
	}

	result := CheckoutResult{
		Order:    order,
		Items:    items,
		Shipping: shippingRecord,
		Payment:  payment,
		Cost:     cost,
	}
	if intent != nil {
		result.RedirectURL = intent.RedirectURL
		result.ClientSecret = intent.ClientSecret
	}
	return result, nil
}

func validateCheckoutCommand(cmd CheckoutCommand) error {
	if strings.TrimSpace(cmd.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrCheckoutInvalidInput)
	}
	for _, item := range cmd.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item product id is required", ErrCheckoutInvalidInput)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %s quantity must be > 0", ErrCheckoutInvalidInput, item.ProductID)
		}
	}
	if cmd.Discount < 0 {
		return fmt.Errorf("%w: discount must be >= 0", ErrCheckoutInvalidInput)
	}
	if strings.TrimSpace(cmd.Contact.Email) == "" {
		return fmt.Errorf("%w: contact email is required", ErrCheckoutInvalidInput)
	}
	return nil
}

// loadBooks resolves the catalog lines and prechecks availability on
// the fetched snapshot. The precheck rejects obviously short carts
// before any write; the reservation transaction stays the authority on
// stock under concurrency.
func (s *checkoutService) loadBooks(ctx context.Context, items []CheckoutItemInput) (map[string]domain.Book, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, strings.TrimSpace(item.ProductID))
	}
	books, err := s.books.FindMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		book, ok := books[id]
		if !ok {
			return nil, fmt.Errorf("%w: book %s not found", ErrCheckoutBookUnavailable, id)
		}
		if !book.IsPublished {
			return nil, fmt.Errorf("%w: book %s is not published", ErrCheckoutBookUnavailable, id)
		}
	}

	required := make(map[string]int, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if books[id].Type.IsDigital() {
			continue
		}
		required[id] += item.Quantity
	}
	for id, quantity := range required {
		if book := books[id]; book.Stock < quantity {
			return nil, fmt.Errorf("%w: book %s has %d in stock, %d requested",
				ErrCheckoutOutOfStock, id, book.Stock, quantity)
		}
	}
	return books, nil
}

// resolveShipping returns the configured method for physical orders.
// Digital-only orders need none; pickup methods need no address.
func (s *checkoutService) resolveShipping(cmd CheckoutCommand, books map[string]domain.Book) (*domain.ShippingMethodConfig, error) {
	hasPhysical := false
	totalWeight := 0
	for _, item := range cmd.Items {
		book := books[strings.TrimSpace(item.ProductID)]
		if !book.Type.IsDigital() {
			hasPhysical = true
			totalWeight += book.WeightGrams * item.Quantity
		}
	}
	if !hasPhysical {
		return nil, nil
	}

	methodID := strings.TrimSpace(cmd.ShippingMethodID)
	if methodID == "" {
		return nil, fmt.Errorf("%w: shipping method is required for physical items", ErrCheckoutShippingRequired)
	}
	var method *domain.ShippingMethodConfig
	for _, candidate := range s.settings.Current().ShippingMethods {
		if candidate.ID == methodID {
			m := candidate
			method = &m
			break
		}
	}
	if method == nil {
		return nil, fmt.Errorf("%w: unknown shipping method %s", ErrCheckoutInvalidInput, methodID)
	}

	if IsPickupMethod(*method) {
		return method, nil
	}
	if cmd.ShippingAddress == nil {
		return nil, fmt.Errorf("%w: shipping address is required", ErrCheckoutShippingRequired)
	}
	if strings.TrimSpace(cmd.ShippingAddress.Line1) == "" || strings.TrimSpace(cmd.ShippingAddress.Country) == "" {
		return nil, fmt.Errorf("%w: shipping address needs a street line and country", ErrCheckoutShippingRequired)
	}
	if !method.Enabled {
		return nil, fmt.Errorf("%w: shipping method %s is disabled", ErrCheckoutInvalidInput, methodID)
	}
	// The min-amount condition is deliberately not enforced here: the
	// order total is only known after pricing, and the storefront already
	// filtered methods through AvailableMethods.
	if !methodMatchesQuery(withoutMinAmount(*method), ShippingMethodQuery{
		Country:     cmd.ShippingAddress.Country,
		WeightGrams: totalWeight,
	}) {
		return nil, fmt.Errorf("%w: method %s does not serve this destination", ErrCheckoutInvalidInput, methodID)
	}
	return method, nil
}

func withoutMinAmount(method domain.ShippingMethodConfig) domain.ShippingMethodConfig {
	method.Conditions.MinOrderAmount = nil
	return method
}

func (s *checkoutService) priceCheckout(ctx context.Context, cmd CheckoutCommand, books map[string]domain.Book, method *domain.ShippingMethodConfig) (domain.CostBreakdown, error) {
	inputs := make([]PricedItemInput, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		book := books[strings.TrimSpace(item.ProductID)]
		inputs = append(inputs, PricedItemInput{
			ProductID:   book.ID,
			ProductType: book.Type,
			Currency:    book.Currency,
			UnitPrice:   book.Price,
			Quantity:    item.Quantity,
			WeightGrams: book.WeightGrams,
		})
	}
	country := ""
	if cmd.ShippingAddress != nil {
		country = cmd.ShippingAddress.Country
	}
	return s.pricing.CalculateOrderCost(ctx, PriceOrderCommand{
		Items:    inputs,
		Method:   method,
		Country:  country,
		Discount: cmd.Discount,
	})
}

func (s *checkoutService) buildOrder(cmd CheckoutCommand, books map[string]domain.Book, cost domain.CostBreakdown, method *domain.ShippingMethodConfig, now time.Time) (domain.Order, []domain.OrderItem) {
	orderID := orderIDPrefix + s.newID()
	order := domain.Order{
		ID:          orderID,
		OrderNumber: s.generateOrderNumber(now),
		UserID:      strings.TrimSpace(cmd.UserID),
		Stage:       domain.StageOrdered,
		Status:      domain.OrderStatusPending,
		Currency:    cost.Currency,
		Totals: domain.OrderTotals{
			Subtotal: cost.Subtotal,
			Discount: cost.Discount,
			Shipping: cost.Shipping,
			Tax:      cost.Tax,
			Total:    cost.Total,
		},
		ItemCount:       cost.ItemCount,
		ShippingAddress: cmd.ShippingAddress,
		Contact: domain.OrderContact{
			Name:  strings.TrimSpace(cmd.Contact.Name),
			Email: strings.TrimSpace(cmd.Contact.Email),
			Phone: strings.TrimSpace(cmd.Contact.Phone),
		},
		StageHistory: []domain.StageTransition{{
			Stage: domain.StageOrdered,
			At:    now,
		}},
		Notes:     sanitizeNotes(cmd.Notes),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if method != nil {
		order.ShippingMethod = method.ID
	}

	items := make([]domain.OrderItem, 0, len(cmd.Items))
	for _, line := range cmd.Items {
		book := books[strings.TrimSpace(line.ProductID)]
		items = append(items, domain.OrderItem{
			ID:          "itm_" + s.newID(),
			OrderID:     orderID,
			ProductID:   book.ID,
			ProductType: book.Type,
			Title:       book.Title,
			UnitPrice:   book.Price,
			Quantity:    line.Quantity,
			TotalPrice:  book.Price * int64(line.Quantity),
			WeightGrams: book.WeightGrams,
		})
	}
	return order, items
}

func (s *checkoutService) generateOrderNumber(now time.Time) string {
	suffix := s.newID()
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), strings.ToUpper(suffix))
}

func (s *checkoutService) createShippingRecord(ctx context.Context, order domain.Order, cmd CheckoutCommand, cost domain.CostBreakdown, method *domain.ShippingMethodConfig, now time.Time) (*domain.Shipping, error) {
	record := domain.Shipping{
		ID:                 shippingIDPrefix + s.newID(),
		OrderID:            order.ID,
		Address:            *cmd.ShippingAddress,
		Method:             method.ID,
		Cost:               cost.Shipping,
		PackageWeightGrams: cost.WeightGrams,
		Status:             domain.ShippingStatusPending,
		StatusHistory: []domain.ShippingEvent{{
			Status:     domain.ShippingStatusPending,
			OccurredAt: now,
		}},
		EstimatedDays: method.EstimatedDays,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.shipping.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("checkout: create shipping record: %w", err)
	}

	order.ShippingID = &record.ID
	order.ShippingStatus = string(record.Status)
	order.UpdatedAt = s.clock()
	if err := s.orders.Update(ctx, order); err != nil {
		if deleteErr := s.shipping.Delete(ctx, record.ID); deleteErr != nil {
			s.logger(ctx, "checkout.shipping.orphaned", map[string]any{
				"shippingId": record.ID,
				"error":      deleteErr.Error(),
			})
		}
		return nil, fmt.Errorf("checkout: attach shipping record: %w", err)
	}
	return &record, nil
}

func (s *checkoutService) publishCreated(ctx context.Context, order domain.Order) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, OrderEventMessage{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Event:       "order.created",
		Stage:       string(order.Stage),
		Status:      string(order.Status),
		OccurredAt:  s.clock(),
	}); err != nil {
		s.logger(ctx, "checkout.event.publish_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

// rollbackOrder compensates a failed post-reservation step: the
// reserved stock is returned and the order with its items removed.
func (s *checkoutService) rollbackOrder(ctx context.Context, order domain.Order, items []domain.OrderItem) {
	if err := s.orders.RestoreStock(ctx, physicalAdjustments(items)); err != nil {
		s.logger(ctx, "checkout.rollback.stock_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
	if err := s.orders.DeleteWithItems(ctx, order.ID); err != nil {
		s.logger(ctx, "checkout.rollback.delete_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
	s.logger(ctx, "checkout.rolled_back", map[string]any{"orderId": order.ID})
}

// createPayment records the payment attempt and asks the gateway
// manager for an intent. Intent failures keep the order and its
// reserved stock, flipping the order to payment_failed for retry or
// administrative release.
func (s *checkoutService) createPayment(ctx context.Context, order *domain.Order, cmd CheckoutCommand, cost domain.CostBreakdown, now time.Time) (domain.Payment, *payments.Intent, error) {
	req := payments.CreateIntentRequest{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Amount:      cost.Total,
		Currency:    cost.Currency,
		Description: fmt.Sprintf("Order %s", order.OrderNumber),
		Customer: payments.Customer{
			ID:    order.UserID,
			Name:  order.Contact.Name,
			Email: order.Contact.Email,
			Phone: order.Contact.Phone,
		},
		ReturnURL:      strings.TrimSpace(cmd.SuccessURL),
		CancelURL:      strings.TrimSpace(cmd.CancelURL),
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
		Metadata: map[string]string{
			"order_id":     order.ID,
			"order_number": order.OrderNumber,
		},
	}
	if cmd.ShippingAddress != nil {
		req.Shipping = &payments.ShippingDetails{
			Line1:      cmd.ShippingAddress.Line1,
			City:       cmd.ShippingAddress.City,
			Country:    cmd.ShippingAddress.Country,
			PostalCode: cmd.ShippingAddress.PostalCode,
		}
	}

	intent, err := s.gateways.CreateIntent(ctx, strings.TrimSpace(cmd.PaymentProvider), req)
	if err != nil {
		s.markPaymentFailed(ctx, order, cmd, cost, err)
		return domain.Payment{}, nil, fmt.Errorf("%w: %v", ErrCheckoutPaymentFailed, err)
	}

	payment := domain.Payment{
		ID:        paymentIDPrefix + s.newID(),
		OrderID:   order.ID,
		Provider:  intent.Provider,
		IntentID:  intent.IntentID,
		Method:    strings.TrimSpace(cmd.PaymentMethod),
		Status:    domain.PaymentStatusPending,
		Amount:    cost.Total,
		Currency:  cost.Currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.payments.Insert(ctx, payment); err != nil {
		return domain.Payment{}, nil, fmt.Errorf("checkout: record payment: %w", err)
	}

	order.PaymentID = &payment.ID
	order.PaymentStatus = string(payment.Status)
	order.UpdatedAt = s.clock()
	if err := s.orders.Update(ctx, *order); err != nil {
		return domain.Payment{}, nil, fmt.Errorf("checkout: attach payment record: %w", err)
	}

	s.logger(ctx, "checkout.payment.created", map[string]any{
		"orderId":  order.ID,
		"provider": intent.Provider,
		"intentId": intent.IntentID,
	})
	return payment, &intent, nil
}

// markPaymentFailed leaves the order recoverable after an intent
// failure. Stock stays reserved; the admin release operation or a
// successful retry reconciles it.
func (s *checkoutService) markPaymentFailed(ctx context.Context, order *domain.Order, cmd CheckoutCommand, cost domain.CostBreakdown, cause error) {
	now := s.clock()
	payment := domain.Payment{
		ID:       paymentIDPrefix + s.newID(),
		OrderID:  order.ID,
		Provider: strings.TrimSpace(cmd.PaymentProvider),
		Status:   domain.PaymentStatusFailed,
		Amount:   cost.Total,
		Currency: cost.Currency,
		GatewayResponse: map[string]any{
			"error": cause.Error(),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.payments.Insert(ctx, payment); err != nil {
		s.logger(ctx, "checkout.payment.record_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	} else {
		order.PaymentID = &payment.ID
	}

	order.Status = domain.OrderStatusPaymentFailed
	order.PaymentStatus = string(domain.PaymentStatusFailed)
	order.UpdatedAt = now
	if err := s.orders.Update(ctx, *order); err != nil {
		s.logger(ctx, "checkout.payment.mark_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
	s.logger(ctx, "checkout.payment.failed", map[string]any{
		"orderId": order.ID,
		"error":   cause.Error(),
	})
}
