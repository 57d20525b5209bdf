package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/payments"
)

type checkoutFixture struct {
	svc      CheckoutService
	books    *memBookRepo
	orders   *memOrderRepo
	items    *memItemRepo
	shipping *memShippingRepo
	payments *memPaymentRepo
	gateway  *stubGateway
	events   *recordingPublisher
}

func newCheckoutFixture(t *testing.T, books ...domain.Book) *checkoutFixture {
	t.Helper()
	fx := &checkoutFixture{
		books:    newMemBooks(books...),
		items:    newMemItems(),
		shipping: newMemShipping(),
		payments: newMemPayments(),
		gateway: &stubGateway{
			info:   payments.Info{Name: "stripe", Priority: 100},
			intent: payments.Intent{IntentID: "pi_1", ClientSecret: "sec_1", RedirectURL: "https://pay.example.com/pi_1"},
		},
		events: &recordingPublisher{},
	}
	fx.orders = newMemOrders(fx.books, fx.items)

	settings := newFakeSettings()
	calc, err := NewCostCalculator(CostCalculatorDeps{Settings: settings, Now: testClock()})
	if err != nil {
		t.Fatalf("NewCostCalculator: %v", err)
	}
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Orders:      fx.orders,
		Books:       fx.books,
		Shipping:    fx.shipping,
		Payments:    fx.payments,
		Gateways:    newStubManager(t, fx.gateway),
		Pricing:     calc,
		Settings:    settings,
		Events:      fx.events,
		Clock:       testClock(),
		IDGenerator: sequentialIDs("chk"),
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	fx.svc = svc
	return fx
}

func physicalCheckoutCommand() CheckoutCommand {
	return CheckoutCommand{
		UserID: "user_1",
		Items: []CheckoutItemInput{
			{ProductID: "book-1", Quantity: 2},
		},
		Contact: OrderContact{Name: "Sara", Email: "sara@example.com", Phone: "+966500000000"},
		ShippingAddress: &Address{
			Line1:      "12 King Fahd Rd",
			City:       "Riyadh",
			Country:    "SA",
			PostalCode: "11564",
		},
		ShippingMethodID: "standard",
		PaymentProvider:  "stripe",
		SuccessURL:       "https://store.example.com/success",
		CancelURL:        "https://store.example.com/cancel",
	}
}

func TestProcessCheckoutPhysicalOrder(t *testing.T) {
	fx := newCheckoutFixture(t,
		domain.Book{ID: "book-1", Title: "Paper", Type: domain.ProductTypePhysical, Price: 5000, Stock: 5, WeightGrams: 400, IsPublished: true},
	)

	result, err := fx.svc.ProcessCheckout(context.Background(), physicalCheckoutCommand())
	if err != nil {
		t.Fatalf("ProcessCheckout: %v", err)
	}

	if !strings.HasPrefix(result.Order.ID, "ord_") {
		t.Fatalf("order id = %q", result.Order.ID)
	}
	if !strings.HasPrefix(result.Order.OrderNumber, "ORD-20250601-") {
		t.Fatalf("order number = %q", result.Order.OrderNumber)
	}
	if result.Order.Stage != domain.StageOrdered || result.Order.Status != domain.OrderStatusPending {
		t.Fatalf("order = %s/%s, want ordered/pending", result.Order.Stage, result.Order.Status)
	}
	if len(result.Order.StageHistory) != 1 || result.Order.StageHistory[0].Stage != domain.StageOrdered {
		t.Fatalf("stage history = %+v", result.Order.StageHistory)
	}

	// Stock was reserved atomically with creation.
	if got := fx.books.books["book-1"].Stock; got != 3 {
		t.Fatalf("stock = %d, want 3", got)
	}

	// Subtotal 10000, shipping 1500, 15% tax on 11500.
	if result.Cost.Total != 13225 {
		t.Fatalf("total = %d, want 13225", result.Cost.Total)
	}
	if result.Order.Totals.Total != result.Cost.Total {
		t.Fatalf("order totals = %+v, want to match cost", result.Order.Totals)
	}

	if result.Shipping == nil {
		t.Fatalf("shipping record missing")
	}
	if !strings.HasPrefix(result.Shipping.ID, "shp_") || result.Shipping.Status != domain.ShippingStatusPending {
		t.Fatalf("shipping = %+v", result.Shipping)
	}
	if result.Shipping.PackageWeightGrams != 800 {
		t.Fatalf("package weight = %d, want 800", result.Shipping.PackageWeightGrams)
	}
	if len(result.Shipping.StatusHistory) != 1 {
		t.Fatalf("shipping history = %+v", result.Shipping.StatusHistory)
	}

	if !strings.HasPrefix(result.Payment.ID, "pay_") || result.Payment.Status != domain.PaymentStatusPending {
		t.Fatalf("payment = %+v", result.Payment)
	}
	if result.Payment.IntentID != "pi_1" || result.Payment.Provider != "stripe" {
		t.Fatalf("payment intent = %s via %s", result.Payment.IntentID, result.Payment.Provider)
	}
	if result.RedirectURL != "https://pay.example.com/pi_1" || result.ClientSecret != "sec_1" {
		t.Fatalf("redirect = %q secret = %q", result.RedirectURL, result.ClientSecret)
	}

	stored := fx.orders.orders[result.Order.ID]
	if stored.PaymentID == nil || *stored.PaymentID != result.Payment.ID {
		t.Fatalf("stored payment ref = %v", stored.PaymentID)
	}
	if stored.ShippingID == nil || *stored.ShippingID != result.Shipping.ID {
		t.Fatalf("stored shipping ref = %v", stored.ShippingID)
	}

	if len(fx.events.messages) != 1 || fx.events.messages[0].Event != "order.created" {
		t.Fatalf("events = %+v, want order.created", fx.events.messages)
	}
	if len(fx.gateway.intents) != 1 {
		t.Fatalf("intents = %d, want 1", len(fx.gateway.intents))
	}
	req := fx.gateway.intents[0]
	if req.Metadata["order_id"] != result.Order.ID {
		t.Fatalf("intent metadata = %+v", req.Metadata)
	}
	if req.Shipping == nil || req.Shipping.Country != "SA" {
		t.Fatalf("intent shipping = %+v", req.Shipping)
	}
}

func TestProcessCheckoutAppliesDiscount(t *testing.T) {
	fx := newCheckoutFixture(t,
		domain.Book{ID: "book-1", Title: "Paper", Type: domain.ProductTypePhysical, Price: 5000, Stock: 5, WeightGrams: 400, IsPublished: true},
	)

	cmd := physicalCheckoutCommand()
	cmd.Discount = 2000
	result, err := fx.svc.ProcessCheckout(context.Background(), cmd)
	if err != nil {
		t.Fatalf("ProcessCheckout: %v", err)
	}

	// Subtotal 10000, shipping 1500, 15% tax on 11500; the discount
	// reduces only the grand total.
	if result.Cost.Discount != 2000 {
		t.Fatalf("discount = %d, want 2000", result.Cost.Discount)
	}
	if result.Cost.Tax != 1725 {
		t.Fatalf("tax = %d, want 1725 before the discount", result.Cost.Tax)
	}
	if result.Cost.Total != 11225 {
		t.Fatalf("total = %d, want 11225", result.Cost.Total)
	}
	if result.Order.Totals.Discount != 2000 || result.Order.Totals.Total != 11225 {
		t.Fatalf("order totals = %+v", result.Order.Totals)
	}
	if result.Payment.Amount != 11225 {
		t.Fatalf("payment amount = %d, want discounted total", result.Payment.Amount)
	}

	cmd.Discount = -1
	if _, err := fx.svc.ProcessCheckout(context.Background(), cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("err = %v, want ErrCheckoutInvalidInput for negative discount", err)
	}
}

func TestProcessCheckoutDigitalOnlySkipsShipping(t *testing.T) {
	fx := newCheckoutFixture(t,
		domain.Book{ID: "ebook-1", Title: "Bits", Type: domain.ProductTypeEbook, Price: 3000, IsPublished: true},
	)

	result, err := fx.svc.ProcessCheckout(context.Background(), CheckoutCommand{
		UserID:          "user_1",
		Items:           []CheckoutItemInput{{ProductID: "ebook-1", Quantity: 1}},
		Contact:         OrderContact{Email: "sara@example.com"},
		PaymentProvider: "stripe",
	})
	if err != nil {
		t.Fatalf("ProcessCheckout: %v", err)
	}
	if result.Shipping != nil {
		t.Fatalf("shipping = %+v, want none for digital order", result.Shipping)
	}
	if len(fx.shipping.records) != 0 {
		t.Fatalf("shipping records = %d, want none", len(fx.shipping.records))
	}
	if result.Cost.Shipping != 0 {
		t.Fatalf("shipping cost = %d, want 0", result.Cost.Shipping)
	}
}

func TestProcessCheckoutPickupSkipsShippingRecord(t *testing.T) {
	fx := newCheckoutFixture(t,
		domain.Book{ID: "book-1", Type: domain.ProductTypePhysical, Price: 5000, Stock: 5, WeightGrams: 400, IsPublished: true},
	)

	cmd := physicalCheckoutCommand()
	cmd.ShippingMethodID = "pickup"
	cmd.ShippingAddress = nil

	result, err := fx.svc.ProcessCheckout(context.Background(), cmd)
	if err != nil {
		t.Fatalf("ProcessCheckout: %v", err)
	}
	if result.Shipping != nil {
		t.Fatalf("shipping = %+v, want none for pickup", result.Shipping)
	}
	if result.Cost.Shipping != 0 || !result.Cost.IsPickup {
		t.Fatalf("cost = shipping %d pickup %v", result.Cost.Shipping, result.Cost.IsPickup)
	}
}

func TestProcessCheckoutOutOfStock(t *testing.T) {
	fx := newCheckoutFixture(t,
		domain.Book{ID: "book-1", Type: domain.ProductTypePhysical, Price: 5000, Stock: 1, WeightGrams: 400, IsPublished: true},
	)

	_, err := fx.svc.ProcessCheckout(context.Background(), physicalCheckoutCommand())
	if !errors.Is(err, ErrCheckoutOutOfStock) {
		t.Fatalf("err = %v, want ErrCheckoutOutOfStock", err)
	}
	if len(fx.orders.orders) != 0 {
		t.Fatalf("orders = %d, want none persisted", len(fx.orders.orders))
	}
	if got := fx.books.books["book-1"].Stock; got != 1 {
		t.Fatalf("stock = %d, want untouched", got)
	}
}

func TestProcessCheckoutStockPrecheckRejectsBeforeReservation(t *testing.T) {
	fx := newCheckoutFixture(t,
		domain.Book{ID: "book-1", Type: domain.ProductTypePhysical, Price: 5000, Stock: 1, WeightGrams: 400, IsPublished: true},
	)
	// A reservation attempt would surface this sentinel; the precheck
	// must reject the short cart before the repository is reached.
	fx.orders.createErr = errors.New("reservation should not run")

	_, err := fx.svc.ProcessCheckout(context.Background(), physicalCheckoutCommand())
	if !errors.Is(err, ErrCheckoutOutOfStock) {
		t.Fatalf("err = %v, want ErrCheckoutOutOfStock from the precheck", err)
	}
}

func TestProcessCheckoutStockPrecheckAggregatesDuplicateLines(t *testing.T) {
	fx := newCheckoutFixture(t,
		domain.Book{ID: "book-1", Type: domain.ProductTypePhysical, Price: 5000, Stock: 3, WeightGrams: 400, IsPublished: true},
	)

	cmd := physicalCheckoutCommand()
	cmd.Items = []CheckoutItemInput{
		{ProductID: "book-1", Quantity: 2},
		{ProductID: "book-1", Quantity: 2},
	}
	if _, err := fx.svc.ProcessCheckout(context.Background(), cmd); !errors.Is(err, ErrCheckoutOutOfStock) {
		t.Fatalf("err = %v, want ErrCheckoutOutOfStock for combined quantity", err)
	}
	if got := fx.books.books["book-1"].Stock; got != 3 {
		t.Fatalf("stock = %d, want untouched", got)
	}
}

func TestProcessCheckoutBookUnavailable(t *testing.T) {
	fx := newCheckoutFixture(t,
		domain.Book{ID: "book-1", Type: domain.ProductTypePhysical, Price: 5000, Stock: 5, IsPublished: false},
	)

	if _, err := fx.svc.ProcessCheckout(context.Background(), physicalCheckoutCommand()); !errors.Is(err, ErrCheckoutBookUnavailable) {
		t.Fatalf("err = %v, want ErrCheckoutBookUnavailable for unpublished", err)
	}

	cmd := physicalCheckoutCommand()
	cmd.Items = []CheckoutItemInput{{ProductID: "missing", Quantity: 1}}
	if _, err := fx.svc.ProcessCheckout(context.Background(), cmd); !errors.Is(err, ErrCheckoutBookUnavailable) {
		t.Fatalf("err = %v, want ErrCheckoutBookUnavailable for missing", err)
	}
}

func TestProcessCheckoutShippingRequired(t *testing.T) {
	fx := newCheckoutFixture(t,
		domain.Book{ID: "book-1", Type: domain.ProductTypePhysical, Price: 5000, Stock: 5, WeightGrams: 400, IsPublished: true},
	)

	cmd := physicalCheckoutCommand()
	cmd.ShippingMethodID = ""
	if _, err := fx.svc.ProcessCheckout(context.Background(), cmd); !errors.Is(err, ErrCheckoutShippingRequired) {
		t.Fatalf("err = %v, want ErrCheckoutShippingRequired without method", err)
	}

	cmd = physicalCheckoutCommand()
	cmd.ShippingAddress = nil
	if _, err := fx.svc.ProcessCheckout(context.Background(), cmd); !errors.Is(err, ErrCheckoutShippingRequired) {
		t.Fatalf("err = %v, want ErrCheckoutShippingRequired without address", err)
	}

	cmd = physicalCheckoutCommand()
	cmd.ShippingAddress = &Address{Line1: "12 King Fahd Rd"}
	if _, err := fx.svc.ProcessCheckout(context.Background(), cmd); !errors.Is(err, ErrCheckoutShippingRequired) {
		t.Fatalf("err = %v, want ErrCheckoutShippingRequired without country", err)
	}
}

func TestProcessCheckoutRejectsIneligibleMethod(t *testing.T) {
	fx := newCheckoutFixture(t,
		domain.Book{ID: "book-1", Type: domain.ProductTypePhysical, Price: 5000, Stock: 5, WeightGrams: 400, IsPublished: true},
	)

	cmd := physicalCheckoutCommand()
	cmd.ShippingMethodID = "teleport"
	if _, err := fx.svc.ProcessCheckout(context.Background(), cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("err = %v, want ErrCheckoutInvalidInput for unknown method", err)
	}

	// Overnight is restricted to Saudi Arabia.
	cmd = physicalCheckoutCommand()
	cmd.ShippingMethodID = "overnight"
	cmd.ShippingAddress.Country = "AE"
	if _, err := fx.svc.ProcessCheckout(context.Background(), cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("err = %v, want ErrCheckoutInvalidInput for out-of-area method", err)
	}
}

func TestProcessCheckoutShippingFailureRollsBackOrder(t *testing.T) {
	fx := newCheckoutFixture(t,
		domain.Book{ID: "book-1", Type: domain.ProductTypePhysical, Price: 5000, Stock: 5, WeightGrams: 400, IsPublished: true},
	)
	fx.shipping.insertErr = errors.New("firestore unavailable")

	_, err := fx.svc.ProcessCheckout(context.Background(), physicalCheckoutCommand())
	if err == nil {
		t.Fatalf("expected failure when the shipping write fails")
	}
	if len(fx.orders.orders) != 0 {
		t.Fatalf("orders = %d, want compensated away", len(fx.orders.orders))
	}
	if got := fx.books.books["book-1"].Stock; got != 5 {
		t.Fatalf("stock = %d, want fully restored", got)
	}
}

func TestProcessCheckoutPaymentFailureKeepsOrderAndStock(t *testing.T) {
	fx := newCheckoutFixture(t,
		domain.Book{ID: "book-1", Type: domain.ProductTypePhysical, Price: 5000, Stock: 5, WeightGrams: 400, IsPublished: true},
	)
	fx.gateway.intentErr = errors.New("gateway rejected the request")

	_, err := fx.svc.ProcessCheckout(context.Background(), physicalCheckoutCommand())
	if !errors.Is(err, ErrCheckoutPaymentFailed) {
		t.Fatalf("err = %v, want ErrCheckoutPaymentFailed", err)
	}

	if len(fx.orders.orders) != 1 {
		t.Fatalf("orders = %d, want the order kept", len(fx.orders.orders))
	}
	var order domain.Order
	for _, o := range fx.orders.orders {
		order = o
	}
	if order.Status != domain.OrderStatusPaymentFailed {
		t.Fatalf("order status = %s, want payment_failed", order.Status)
	}
	// Stock stays reserved for retry or administrative release.
	if got := fx.books.books["book-1"].Stock; got != 3 {
		t.Fatalf("stock = %d, want still reserved", got)
	}

	var payment domain.Payment
	for _, p := range fx.payments.records {
		payment = p
	}
	if payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("payment status = %s, want failed", payment.Status)
	}
	if msg, _ := payment.GatewayResponse["error"].(string); msg == "" {
		t.Fatalf("gateway response = %+v, want failure recorded", payment.GatewayResponse)
	}
}

func TestProcessCheckoutValidation(t *testing.T) {
	fx := newCheckoutFixture(t)

	cases := map[string]CheckoutCommand{
		"missing user":  {Items: []CheckoutItemInput{{ProductID: "b", Quantity: 1}}, Contact: OrderContact{Email: "a@b.c"}},
		"no items":      {UserID: "user_1", Contact: OrderContact{Email: "a@b.c"}},
		"zero quantity": {UserID: "user_1", Items: []CheckoutItemInput{{ProductID: "b", Quantity: 0}}, Contact: OrderContact{Email: "a@b.c"}},
		"no email":      {UserID: "user_1", Items: []CheckoutItemInput{{ProductID: "b", Quantity: 1}}},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := fx.svc.ProcessCheckout(context.Background(), cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
				t.Fatalf("err = %v, want ErrCheckoutInvalidInput", err)
			}
		})
	}
}
