package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/payments"
)

type paymentFixture struct {
	svc      PaymentService
	payments *memPaymentRepo
	orders   *memOrderRepo
	books    *memBookRepo
	items    *memItemRepo
	gateway  *stubGateway
	events   *recordingPublisher
	settings *fakeSettingsService
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	fx := &paymentFixture{
		payments: newMemPayments(),
		books:    newMemBooks(),
		items:    newMemItems(),
		gateway: &stubGateway{info: payments.Info{
			Name: "stripe", DisplayName: "Stripe", Priority: 100, FeePercent: 2.9, FeeFixed: 100,
		}},
		events:   &recordingPublisher{},
		settings: newFakeSettings(),
	}
	fx.orders = newMemOrders(fx.books, fx.items)
	manager := newStubManager(t, fx.gateway)

	calc, err := NewCostCalculator(CostCalculatorDeps{Settings: fx.settings, Now: testClock()})
	if err != nil {
		t.Fatalf("NewCostCalculator: %v", err)
	}
	orderSvc, err := NewOrderService(OrderServiceDeps{
		Orders:      fx.orders,
		Items:       fx.items,
		Books:       fx.books,
		Payments:    fx.payments,
		Gateways:    manager,
		Pricing:     calc,
		Settings:    fx.settings,
		Events:      fx.events,
		Clock:       testClock(),
		IDGenerator: sequentialIDs("id"),
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	svc, err := NewPaymentService(PaymentServiceDeps{
		Payments:  fx.payments,
		OrderRepo: fx.orders,
		Orders:    orderSvc,
		Gateways:  manager,
		Settings:  fx.settings,
		Clock:     testClock(),
	})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	fx.svc = svc
	return fx
}

func (fx *paymentFixture) seedCapturedPayment(amount, refunded int64, status domain.PaymentStatus) {
	fx.orders.orders["ord_1"] = domain.Order{ID: "ord_1", Stage: domain.StagePaid, Status: domain.OrderStatusConfirmed}
	fx.payments.records["pay_1"] = domain.Payment{
		ID: "pay_1", OrderID: "ord_1", Provider: "stripe", IntentID: "pi_123",
		Amount: amount, RefundedAmount: refunded, Status: status,
	}
}

func TestRefundPaymentFull(t *testing.T) {
	fx := newPaymentFixture(t)
	fx.seedCapturedPayment(10000, 0, domain.PaymentStatusCompleted)

	payment, err := fx.svc.RefundPayment(context.Background(), RefundPaymentCommand{PaymentID: "pay_1", Reason: "damaged in transit"})
	if err != nil {
		t.Fatalf("RefundPayment: %v", err)
	}
	if payment.Status != domain.PaymentStatusRefunded {
		t.Fatalf("status = %s, want refunded", payment.Status)
	}
	if payment.RefundedAmount != 10000 {
		t.Fatalf("refunded = %d, want 10000", payment.RefundedAmount)
	}
	if payment.RefundReason == nil || *payment.RefundReason != "damaged in transit" {
		t.Fatalf("reason = %v", payment.RefundReason)
	}
	if len(fx.gateway.refunds) != 1 || fx.gateway.refunds[0].Amount != nil {
		t.Fatalf("gateway refunds = %+v, want one full refund", fx.gateway.refunds)
	}
	if order := fx.orders.orders["ord_1"]; order.Status != domain.OrderStatusRefunded {
		t.Fatalf("order status = %s, want refunded", order.Status)
	}
}

func TestRefundPaymentPartialAccumulates(t *testing.T) {
	fx := newPaymentFixture(t)
	fx.seedCapturedPayment(10000, 0, domain.PaymentStatusCompleted)

	first := int64(4000)
	payment, err := fx.svc.RefundPayment(context.Background(), RefundPaymentCommand{PaymentID: "pay_1", Amount: &first})
	if err != nil {
		t.Fatalf("RefundPayment: %v", err)
	}
	if payment.Status != domain.PaymentStatusPartiallyRefunded || payment.RefundedAmount != 4000 {
		t.Fatalf("payment = %s/%d, want partially_refunded/4000", payment.Status, payment.RefundedAmount)
	}
	if fx.gateway.refunds[0].Amount == nil || *fx.gateway.refunds[0].Amount != 4000 {
		t.Fatalf("gateway amount = %v, want 4000", fx.gateway.refunds[0].Amount)
	}
	// The order keeps its status on partial refunds.
	if order := fx.orders.orders["ord_1"]; order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("order status = %s, want unchanged", order.Status)
	}

	second := int64(6000)
	payment, err = fx.svc.RefundPayment(context.Background(), RefundPaymentCommand{PaymentID: "pay_1", Amount: &second})
	if err != nil {
		t.Fatalf("RefundPayment second: %v", err)
	}
	if payment.Status != domain.PaymentStatusRefunded || payment.RefundedAmount != 10000 {
		t.Fatalf("payment = %s/%d, want refunded/10000", payment.Status, payment.RefundedAmount)
	}
}

func TestRefundPaymentValidatesAmountAndState(t *testing.T) {
	fx := newPaymentFixture(t)
	fx.seedCapturedPayment(10000, 6000, domain.PaymentStatusPartiallyRefunded)

	tooMuch := int64(5000)
	if _, err := fx.svc.RefundPayment(context.Background(), RefundPaymentCommand{PaymentID: "pay_1", Amount: &tooMuch}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("err = %v, want ErrPaymentInvalidInput beyond remaining", err)
	}
	zero := int64(0)
	if _, err := fx.svc.RefundPayment(context.Background(), RefundPaymentCommand{PaymentID: "pay_1", Amount: &zero}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("err = %v, want ErrPaymentInvalidInput for zero", err)
	}

	fx.payments.records["pay_1"] = domain.Payment{ID: "pay_1", OrderID: "ord_1", Provider: "stripe", Amount: 10000, Status: domain.PaymentStatusPending}
	if _, err := fx.svc.RefundPayment(context.Background(), RefundPaymentCommand{PaymentID: "pay_1"}); !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("err = %v, want ErrPaymentInvalidState for pending payment", err)
	}

	if _, err := fx.svc.RefundPayment(context.Background(), RefundPaymentCommand{PaymentID: "pay_missing"}); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("err = %v, want ErrPaymentNotFound", err)
	}
}

func TestConfirmPaymentCapturesAndAdvancesOrder(t *testing.T) {
	fx := newPaymentFixture(t)
	fx.orders.orders["ord_1"] = domain.Order{ID: "ord_1", Stage: domain.StageOrdered, Status: domain.OrderStatusPending}
	fx.payments.records["pay_1"] = domain.Payment{
		ID: "pay_1", OrderID: "ord_1", Provider: "stripe", IntentID: "pi_123",
		Amount: 10000, Status: domain.PaymentStatusPending,
	}

	payment, err := fx.svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{PaymentID: "pay_1", PaymentMethod: "pm_card", ActorID: "admin_1"})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("payment status = %s, want completed", payment.Status)
	}
	if payment.FeeAmount != 390 {
		t.Fatalf("fee = %d, want 390", payment.FeeAmount)
	}
	if len(fx.gateway.confirms) != 1 || fx.gateway.confirms[0].IntentID != "pi_123" || fx.gateway.confirms[0].PaymentMethod != "pm_card" {
		t.Fatalf("gateway confirms = %+v", fx.gateway.confirms)
	}
	if fx.gateway.confirms[0].IdempotencyKey != "pay_1" {
		t.Fatalf("idempotency key = %q, want payment id", fx.gateway.confirms[0].IdempotencyKey)
	}

	order := fx.orders.orders["ord_1"]
	if order.Stage != domain.StagePaid || order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("order = %s/%s, want paid/confirmed", order.Stage, order.Status)
	}
	if len(fx.events.messages) != 1 || fx.events.messages[0].Event != "order.paid" {
		t.Fatalf("events = %+v, want order.paid", fx.events.messages)
	}
}

func TestConfirmPaymentFailureMarksOrder(t *testing.T) {
	fx := newPaymentFixture(t)
	fx.orders.orders["ord_1"] = domain.Order{ID: "ord_1", Stage: domain.StageOrdered, Status: domain.OrderStatusPending}
	fx.payments.records["pay_1"] = domain.Payment{
		ID: "pay_1", OrderID: "ord_1", Provider: "stripe", IntentID: "pi_123",
		Amount: 10000, Status: domain.PaymentStatusPending,
	}
	fx.gateway.confirmSt = payments.StatusFailed

	payment, err := fx.svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{PaymentID: "pay_1"})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("payment status = %s, want failed", payment.Status)
	}
	if order := fx.orders.orders["ord_1"]; order.Status != domain.OrderStatusPaymentFailed {
		t.Fatalf("order status = %s, want payment_failed", order.Status)
	}
}

func TestConfirmPaymentRejectsClosedPayment(t *testing.T) {
	fx := newPaymentFixture(t)
	fx.seedCapturedPayment(10000, 0, domain.PaymentStatusCompleted)

	if _, err := fx.svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{PaymentID: "pay_1"}); !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("err = %v, want ErrPaymentInvalidState for completed payment", err)
	}

	fx.payments.records["pay_2"] = domain.Payment{ID: "pay_2", OrderID: "ord_1", Provider: "stripe", Status: domain.PaymentStatusPending}
	if _, err := fx.svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{PaymentID: "pay_2"}); !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("err = %v, want ErrPaymentInvalidState without an intent", err)
	}
	if len(fx.gateway.confirms) != 0 {
		t.Fatalf("gateway confirms = %+v, want none", fx.gateway.confirms)
	}
}

func TestCancelPaymentVoidsIntent(t *testing.T) {
	fx := newPaymentFixture(t)
	fx.orders.orders["ord_1"] = domain.Order{ID: "ord_1", Stage: domain.StageOrdered, Status: domain.OrderStatusPending}
	fx.payments.records["pay_1"] = domain.Payment{
		ID: "pay_1", OrderID: "ord_1", Provider: "stripe", IntentID: "pi_123",
		Amount: 10000, Status: domain.PaymentStatusPending,
	}

	payment, err := fx.svc.CancelPayment(context.Background(), CancelPaymentCommand{PaymentID: "pay_1", Reason: "customer changed mind"})
	if err != nil {
		t.Fatalf("CancelPayment: %v", err)
	}
	if payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("payment status = %s, want failed", payment.Status)
	}
	if len(fx.gateway.cancels) != 1 || fx.gateway.cancels[0] != "pi_123" {
		t.Fatalf("gateway cancels = %+v, want pi_123", fx.gateway.cancels)
	}
	if order := fx.orders.orders["ord_1"]; order.Status != domain.OrderStatusPaymentFailed {
		t.Fatalf("order status = %s, want payment_failed", order.Status)
	}
}

func TestCancelPaymentRejectsCapturedPayment(t *testing.T) {
	fx := newPaymentFixture(t)
	fx.seedCapturedPayment(10000, 0, domain.PaymentStatusCompleted)

	if _, err := fx.svc.CancelPayment(context.Background(), CancelPaymentCommand{PaymentID: "pay_1"}); !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("err = %v, want ErrPaymentInvalidState", err)
	}
	if len(fx.gateway.cancels) != 0 {
		t.Fatalf("gateway cancels = %+v, want none", fx.gateway.cancels)
	}
}

func TestHandleWebhookCaptureAdvancesOrder(t *testing.T) {
	fx := newPaymentFixture(t)
	fx.orders.orders["ord_1"] = domain.Order{ID: "ord_1", Stage: domain.StageOrdered, Status: domain.OrderStatusPending}
	fx.payments.records["pay_1"] = domain.Payment{
		ID: "pay_1", OrderID: "ord_1", Provider: "stripe", IntentID: "pi_123",
		Amount: 10000, Status: domain.PaymentStatusPending,
	}
	fx.gateway.webhookEvt = payments.WebhookEvent{Type: "payment_intent.succeeded", IntentID: "pi_123", Status: payments.StatusCaptured, Amount: 10000}

	if err := fx.svc.HandleWebhook(context.Background(), "stripe", []byte(`{}`), nil); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	payment := fx.payments.records["pay_1"]
	if payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("payment status = %s, want completed", payment.Status)
	}
	// 2.9% of 10000 rounded plus the fixed fee.
	if payment.FeeAmount != 390 {
		t.Fatalf("fee = %d, want 390", payment.FeeAmount)
	}

	order := fx.orders.orders["ord_1"]
	if order.Stage != domain.StagePaid || order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("order = %s/%s, want paid/confirmed", order.Stage, order.Status)
	}
	if order.PaymentStatus != string(domain.PaymentStatusCompleted) {
		t.Fatalf("order payment mirror = %q", order.PaymentStatus)
	}

	if len(fx.events.messages) != 1 || fx.events.messages[0].Event != "order.paid" {
		t.Fatalf("events = %+v, want order.paid", fx.events.messages)
	}
}

func TestHandleWebhookCaptureIsIdempotent(t *testing.T) {
	fx := newPaymentFixture(t)
	fx.orders.orders["ord_1"] = domain.Order{ID: "ord_1", Stage: domain.StagePaid, Status: domain.OrderStatusConfirmed}
	fx.payments.records["pay_1"] = domain.Payment{
		ID: "pay_1", OrderID: "ord_1", Provider: "stripe", IntentID: "pi_123",
		Amount: 10000, FeeAmount: 390, Status: domain.PaymentStatusCompleted,
	}
	fx.gateway.webhookEvt = payments.WebhookEvent{IntentID: "pi_123", Status: payments.StatusCaptured}

	if err := fx.svc.HandleWebhook(context.Background(), "stripe", []byte(`{}`), nil); err != nil {
		t.Fatalf("HandleWebhook replay: %v", err)
	}
	if len(fx.events.messages) != 0 {
		t.Fatalf("events = %+v, want none on replay", fx.events.messages)
	}
	if fx.orders.updatedCount != 0 {
		t.Fatalf("order updates = %d, want none on replay", fx.orders.updatedCount)
	}
}

func TestHandleWebhookFailureKeepsStock(t *testing.T) {
	fx := newPaymentFixture(t)
	fx.books.books["book-1"] = domain.Book{ID: "book-1", Type: domain.ProductTypePhysical, Stock: 0, IsPublished: true}
	fx.orders.orders["ord_1"] = domain.Order{ID: "ord_1", Stage: domain.StageOrdered, Status: domain.OrderStatusPending}
	fx.items.insert(domain.OrderItem{ID: "itm_1", OrderID: "ord_1", ProductID: "book-1", ProductType: domain.ProductTypePhysical, Quantity: 2})
	fx.payments.records["pay_1"] = domain.Payment{
		ID: "pay_1", OrderID: "ord_1", Provider: "stripe", IntentID: "pi_123",
		Amount: 10000, Status: domain.PaymentStatusPending,
	}
	fx.gateway.webhookEvt = payments.WebhookEvent{IntentID: "pi_123", Status: payments.StatusExpired}

	if err := fx.svc.HandleWebhook(context.Background(), "stripe", []byte(`{}`), nil); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	if payment := fx.payments.records["pay_1"]; payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("payment status = %s, want failed", payment.Status)
	}
	order := fx.orders.orders["ord_1"]
	if order.Status != domain.OrderStatusPaymentFailed {
		t.Fatalf("order status = %s, want payment_failed", order.Status)
	}
	// Stock stays reserved until the explicit release operation.
	if got := fx.books.books["book-1"].Stock; got != 0 {
		t.Fatalf("stock = %d, want still reserved", got)
	}
	if len(fx.orders.restored) != 0 {
		t.Fatalf("restored = %+v, want none", fx.orders.restored)
	}
}

func TestHandleWebhookRefundNotice(t *testing.T) {
	fx := newPaymentFixture(t)
	fx.seedCapturedPayment(10000, 0, domain.PaymentStatusCompleted)
	fx.gateway.webhookEvt = payments.WebhookEvent{IntentID: "pi_123", Status: payments.StatusPartiallyRefunded, Amount: 3000}

	if err := fx.svc.HandleWebhook(context.Background(), "stripe", []byte(`{}`), nil); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	payment := fx.payments.records["pay_1"]
	if payment.Status != domain.PaymentStatusPartiallyRefunded || payment.RefundedAmount != 3000 {
		t.Fatalf("payment = %s/%d, want partially_refunded/3000", payment.Status, payment.RefundedAmount)
	}

	fx.gateway.webhookEvt = payments.WebhookEvent{IntentID: "pi_123", Status: payments.StatusRefunded}
	if err := fx.svc.HandleWebhook(context.Background(), "stripe", []byte(`{}`), nil); err != nil {
		t.Fatalf("HandleWebhook full refund: %v", err)
	}
	payment = fx.payments.records["pay_1"]
	if payment.Status != domain.PaymentStatusRefunded || payment.RefundedAmount != 10000 {
		t.Fatalf("payment = %s/%d, want refunded/10000", payment.Status, payment.RefundedAmount)
	}
	if order := fx.orders.orders["ord_1"]; order.Status != domain.OrderStatusRefunded {
		t.Fatalf("order status = %s, want refunded", order.Status)
	}
}

func TestHandleWebhookUnknownIntentIsAcknowledged(t *testing.T) {
	fx := newPaymentFixture(t)
	fx.gateway.webhookEvt = payments.WebhookEvent{IntentID: "pi_unknown", Status: payments.StatusCaptured}

	if err := fx.svc.HandleWebhook(context.Background(), "stripe", []byte(`{}`), nil); err != nil {
		t.Fatalf("HandleWebhook: %v, unknown intents must be acknowledged", err)
	}
}

func TestHandleWebhookVerificationFailureSurfaces(t *testing.T) {
	fx := newPaymentFixture(t)
	fx.gateway.webhookErr = payments.ErrInvalidSignature

	if err := fx.svc.HandleWebhook(context.Background(), "stripe", []byte(`{}`), nil); !errors.Is(err, payments.ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestAvailableProvidersHonoursSettings(t *testing.T) {
	fx := newPaymentFixture(t)

	descriptors := fx.svc.AvailableProviders(context.Background())
	if len(descriptors) != 1 || descriptors[0].Name != "stripe" {
		t.Fatalf("descriptors = %+v, want stripe only", descriptors)
	}
	if descriptors[0].FeePercent != 2.9 || descriptors[0].FeeFixed != 100 {
		t.Fatalf("descriptor fees = %+v", descriptors[0])
	}

	stored := fx.settings.Current()
	stored.PaymentGateways["stripe"] = domain.PaymentGatewayConfig{Enabled: false}
	fx.settings.settings = stored

	if descriptors := fx.svc.AvailableProviders(context.Background()); len(descriptors) != 0 {
		t.Fatalf("descriptors = %+v, want none when disabled", descriptors)
	}
}
