package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/payments"
	"github.com/darmolhimon/api/internal/repositories"
)

var (
	// ErrPaymentInvalidInput signals the caller provided invalid data.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates the payment record could not be located.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentInvalidState indicates the payment is not in a refundable state.
	ErrPaymentInvalidState = errors.New("payment: invalid state")
)

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Payments  repositories.PaymentRepository
	OrderRepo repositories.OrderRepository
	Orders    OrderService
	Gateways  *payments.Manager
	Settings  StoreSettingsService
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	payments  repositories.PaymentRepository
	orderRepo repositories.OrderRepository
	orders    OrderService
	gateways  *payments.Manager
	settings  StoreSettingsService
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.OrderRepo == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("payment service: gateway manager is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		payments:  deps.Payments,
		orderRepo: deps.OrderRepo,
		orders:    deps.Orders,
		gateways:  deps.Gateways,
		settings:  deps.Settings,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *paymentService) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return Payment{}, fmt.Errorf("%w: payment id is required", ErrPaymentInvalidInput)
	}
	payment, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		return Payment{}, s.mapRepositoryError(err)
	}
	return payment, nil
}

func (s *paymentService) GetPaymentForOrder(ctx context.Context, orderID string) (Payment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Payment{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	payment, err := s.payments.FindByOrder(ctx, orderID)
	if err != nil {
		return Payment{}, s.mapRepositoryError(err)
	}
	return payment, nil
}

// ConfirmPayment pushes an open intent through the owning provider and
// folds the outcome into the payment record the same way the webhook
// path does. A pending result means the gateway still waits on customer
// action; the record stays open.
func (s *paymentService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Payment, error) {
	payment, err := s.GetPayment(ctx, cmd.PaymentID)
	if err != nil {
		return Payment{}, err
	}
	switch payment.Status {
	case domain.PaymentStatusPending, domain.PaymentStatusProcessing:
	default:
		return Payment{}, fmt.Errorf("%w: confirm requires an open payment, got %s", ErrPaymentInvalidState, payment.Status)
	}
	if payment.IntentID == "" {
		return Payment{}, fmt.Errorf("%w: payment %s has no gateway intent", ErrPaymentInvalidState, payment.ID)
	}

	details, err := s.gateways.Confirm(ctx, payment.Provider, payments.ConfirmRequest{
		IntentID:       payment.IntentID,
		PaymentMethod:  strings.TrimSpace(cmd.PaymentMethod),
		IdempotencyKey: payment.ID,
	})
	if err != nil {
		return Payment{}, fmt.Errorf("payment service: confirm via %s: %w", payment.Provider, err)
	}
	if details.TransactionID != "" {
		payment.TransactionID = details.TransactionID
	}

	switch details.Status {
	case payments.StatusCaptured:
		if err := s.applyCapture(ctx, payment, payments.WebhookEvent{
			Provider: payment.Provider,
			IntentID: payment.IntentID,
			Status:   details.Status,
		}); err != nil {
			return Payment{}, err
		}
	case payments.StatusFailed, payments.StatusExpired, payments.StatusCancelled:
		if err := s.applyFailure(ctx, payment, payments.WebhookEvent{
			Provider: payment.Provider,
			IntentID: payment.IntentID,
			Status:   details.Status,
		}); err != nil {
			return Payment{}, err
		}
	case payments.StatusAuthorized:
		if err := s.transitionPayment(ctx, payment, domain.PaymentStatusProcessing); err != nil {
			return Payment{}, err
		}
	default:
		payment.UpdatedAt = s.clock()
		if err := s.payments.Update(ctx, payment); err != nil {
			return Payment{}, s.mapRepositoryError(err)
		}
	}

	s.logger(ctx, "payment.confirm.attempted", map[string]any{
		"paymentId": payment.ID,
		"orderId":   payment.OrderID,
		"provider":  payment.Provider,
		"result":    string(details.Status),
		"actorId":   cmd.ActorID,
	})
	return s.GetPayment(ctx, payment.ID)
}

// CancelPayment voids an open intent at the gateway. The record follows
// the failure path so the order is marked payment_failed; reserved
// stock is reconciled through the admin release operation.
func (s *paymentService) CancelPayment(ctx context.Context, cmd CancelPaymentCommand) (Payment, error) {
	payment, err := s.GetPayment(ctx, cmd.PaymentID)
	if err != nil {
		return Payment{}, err
	}
	switch payment.Status {
	case domain.PaymentStatusPending, domain.PaymentStatusProcessing:
	default:
		return Payment{}, fmt.Errorf("%w: cancel requires an open payment, got %s", ErrPaymentInvalidState, payment.Status)
	}

	if payment.IntentID != "" {
		if _, err := s.gateways.Cancel(ctx, payment.Provider, payment.IntentID); err != nil {
			return Payment{}, fmt.Errorf("payment service: cancel via %s: %w", payment.Provider, err)
		}
	}
	if err := s.applyFailure(ctx, payment, payments.WebhookEvent{
		Provider: payment.Provider,
		IntentID: payment.IntentID,
		Status:   payments.StatusCancelled,
	}); err != nil {
		return Payment{}, err
	}

	s.logger(ctx, "payment.cancelled", map[string]any{
		"paymentId": payment.ID,
		"orderId":   payment.OrderID,
		"provider":  payment.Provider,
		"reason":    strings.TrimSpace(cmd.Reason),
		"actorId":   cmd.ActorID,
	})
	return s.GetPayment(ctx, payment.ID)
}

// RefundPayment issues a full or partial refund through the owning
// provider and rolls the record state forward. A missing amount means
// the full remaining balance. Partial refunds keep accumulating until
// the captured amount is fully returned.
func (s *paymentService) RefundPayment(ctx context.Context, cmd RefundPaymentCommand) (Payment, error) {
	payment, err := s.GetPayment(ctx, cmd.PaymentID)
	if err != nil {
		return Payment{}, err
	}
	switch payment.Status {
	case domain.PaymentStatusCompleted, domain.PaymentStatusPartiallyRefunded:
	default:
		return Payment{}, fmt.Errorf("%w: refund requires a captured payment, got %s", ErrPaymentInvalidState, payment.Status)
	}

	remaining := payment.Amount - payment.RefundedAmount
	amount := remaining
	if cmd.Amount != nil {
		amount = *cmd.Amount
	}
	if amount <= 0 || amount > remaining {
		return Payment{}, fmt.Errorf("%w: refund amount must be in (0, %d]", ErrPaymentInvalidInput, remaining)
	}

	req := payments.RefundRequest{
		IntentID: payment.IntentID,
		Reason:   strings.TrimSpace(cmd.Reason),
	}
	if amount < remaining || payment.RefundedAmount > 0 {
		partial := amount
		req.Amount = &partial
	}
	if _, err := s.gateways.Refund(ctx, payment.Provider, req); err != nil {
		return Payment{}, fmt.Errorf("payment service: refund via %s: %w", payment.Provider, err)
	}

	now := s.clock()
	payment.RefundedAmount += amount
	if payment.RefundedAmount >= payment.Amount {
		payment.Status = domain.PaymentStatusRefunded
	} else {
		payment.Status = domain.PaymentStatusPartiallyRefunded
	}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		payment.RefundReason = &reason
	}
	payment.RefundedAt = &now
	payment.UpdatedAt = now
	if err := s.payments.Update(ctx, payment); err != nil {
		return Payment{}, s.mapRepositoryError(err)
	}

	if payment.Status == domain.PaymentStatusRefunded {
		s.markOrderPaymentStatus(ctx, payment.OrderID, payment.Status, domain.OrderStatusRefunded)
	} else {
		s.markOrderPaymentStatus(ctx, payment.OrderID, payment.Status, "")
	}

	s.logger(ctx, "payment.refunded", map[string]any{
		"paymentId": payment.ID,
		"orderId":   payment.OrderID,
		"amount":    amount,
		"status":    string(payment.Status),
		"actorId":   cmd.ActorID,
	})
	return payment, nil
}

// HandleWebhook verifies and decodes a provider notification, then
// rolls the referenced payment and its order forward. Events for
// unknown intents are acknowledged and logged rather than failed, so
// providers do not retry forever.
func (s *paymentService) HandleWebhook(ctx context.Context, provider string, body []byte, headers map[string][]string) error {
	event, err := s.gateways.HandleWebhook(ctx, provider, body, http.Header(headers))
	if err != nil {
		return fmt.Errorf("payment service: webhook from %s: %w", provider, err)
	}
	if event.IntentID == "" {
		s.logger(ctx, "payment.webhook.no_intent", map[string]any{
			"provider": provider,
			"type":     event.Type,
		})
		return nil
	}

	payment, err := s.payments.FindByIntentID(ctx, event.IntentID)
	if err != nil {
		if isNotFound(err) {
			s.logger(ctx, "payment.webhook.unknown_intent", map[string]any{
				"provider": provider,
				"intentId": event.IntentID,
				"type":     event.Type,
			})
			return nil
		}
		return err
	}

	switch event.Status {
	case payments.StatusCaptured:
		return s.applyCapture(ctx, payment, event)
	case payments.StatusFailed, payments.StatusExpired, payments.StatusCancelled:
		return s.applyFailure(ctx, payment, event)
	case payments.StatusRefunded, payments.StatusPartiallyRefunded:
		return s.applyRefundNotice(ctx, payment, event)
	case payments.StatusAuthorized:
		return s.transitionPayment(ctx, payment, domain.PaymentStatusProcessing)
	default:
		s.logger(ctx, "payment.webhook.ignored", map[string]any{
			"provider": provider,
			"intentId": event.IntentID,
			"status":   string(event.Status),
		})
		return nil
	}
}

// applyCapture completes the payment and advances the order to paid.
// Replayed notifications are no-ops once the payment is completed.
func (s *paymentService) applyCapture(ctx context.Context, payment Payment, event payments.WebhookEvent) error {
	if payment.Status == domain.PaymentStatusCompleted {
		return nil
	}

	now := s.clock()
	payment.Status = domain.PaymentStatusCompleted
	if payment.FeeAmount == 0 {
		if gateway, err := s.gateways.Provider(payment.Provider); err == nil {
			payment.FeeAmount = gateway.Info().Fee(payment.Amount)
		}
	}
	payment.UpdatedAt = now
	if err := s.payments.Update(ctx, payment); err != nil {
		return s.mapRepositoryError(err)
	}

	s.markOrderPaymentStatus(ctx, payment.OrderID, payment.Status, "")
	if s.orders != nil {
		if _, err := s.orders.AdvanceStage(ctx, AdvanceStageCommand{
			OrderID: payment.OrderID,
			Stage:   domain.StagePaid,
			Notes:   "payment captured via " + payment.Provider,
		}); err != nil && !errors.Is(err, ErrOrderInvalidState) {
			s.logger(ctx, "payment.webhook.advance_failed", map[string]any{
				"orderId": payment.OrderID,
				"error":   err.Error(),
			})
		}
	}

	s.logger(ctx, "payment.captured", map[string]any{
		"paymentId": payment.ID,
		"orderId":   payment.OrderID,
		"provider":  payment.Provider,
		"amount":    payment.Amount,
	})
	return nil
}

// applyFailure marks the payment failed and the order payment_failed.
// Reserved stock is intentionally retained; the admin release operation
// reconciles it.
func (s *paymentService) applyFailure(ctx context.Context, payment Payment, event payments.WebhookEvent) error {
	if payment.Status == domain.PaymentStatusCompleted || payment.Status == domain.PaymentStatusFailed {
		return nil
	}
	if err := s.transitionPayment(ctx, payment, domain.PaymentStatusFailed); err != nil {
		return err
	}
	s.markOrderPaymentStatus(ctx, payment.OrderID, domain.PaymentStatusFailed, domain.OrderStatusPaymentFailed)
	s.logger(ctx, "payment.failed", map[string]any{
		"paymentId": payment.ID,
		"orderId":   payment.OrderID,
		"provider":  payment.Provider,
		"event":     string(event.Status),
	})
	return nil
}

// applyRefundNotice records provider-initiated refunds observed via
// webhook, such as disputes resolved on the gateway dashboard.
func (s *paymentService) applyRefundNotice(ctx context.Context, payment Payment, event payments.WebhookEvent) error {
	if payment.Status == domain.PaymentStatusRefunded {
		return nil
	}

	now := s.clock()
	if event.Status == payments.StatusRefunded {
		payment.Status = domain.PaymentStatusRefunded
		payment.RefundedAmount = payment.Amount
	} else {
		payment.Status = domain.PaymentStatusPartiallyRefunded
		if event.Amount > 0 && event.Amount <= payment.Amount {
			payment.RefundedAmount = event.Amount
		}
	}
	payment.RefundedAt = &now
	payment.UpdatedAt = now
	if err := s.payments.Update(ctx, payment); err != nil {
		return s.mapRepositoryError(err)
	}

	if payment.Status == domain.PaymentStatusRefunded {
		s.markOrderPaymentStatus(ctx, payment.OrderID, payment.Status, domain.OrderStatusRefunded)
	} else {
		s.markOrderPaymentStatus(ctx, payment.OrderID, payment.Status, "")
	}
	s.logger(ctx, "payment.refund.notified", map[string]any{
		"paymentId": payment.ID,
		"orderId":   payment.OrderID,
		"status":    string(payment.Status),
	})
	return nil
}

// AvailableProviders lists payment methods enabled in store settings,
// in selection priority order.
func (s *paymentService) AvailableProviders(ctx context.Context) []ProviderDescriptor {
	var enabled map[string]domain.PaymentGatewayConfig
	if s.settings != nil {
		enabled = s.settings.Current().PaymentGateways
	}

	infos := s.gateways.Infos()
	descriptors := make([]ProviderDescriptor, 0, len(infos))
	for _, info := range infos {
		if enabled != nil {
			config, ok := enabled[info.Name]
			if !ok || !config.Enabled {
				continue
			}
		}
		descriptors = append(descriptors, ProviderDescriptor{
			Name:                 info.Name,
			DisplayName:          info.DisplayName,
			MinAmount:            info.MinAmount,
			MaxAmount:            info.MaxAmount,
			FeeFixed:             info.FeeFixed,
			FeePercent:           info.FeePercent,
			RequiresRedirect:     info.RequiresRedirect,
			SupportsInstallments: info.SupportsInstallments,
		})
	}
	return descriptors
}

func (s *paymentService) transitionPayment(ctx context.Context, payment Payment, status domain.PaymentStatus) error {
	if payment.Status == status {
		return nil
	}
	payment.Status = status
	payment.UpdatedAt = s.clock()
	if err := s.payments.Update(ctx, payment); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

// markOrderPaymentStatus mirrors the payment state onto the order
// header. Order status is only overwritten when a replacement is given.
// Failures are logged; the payment record is the source of truth.
func (s *paymentService) markOrderPaymentStatus(ctx context.Context, orderID string, paymentStatus domain.PaymentStatus, orderStatus domain.OrderStatus) {
	order, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		s.logger(ctx, "payment.order.lookup_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
		return
	}
	order.PaymentStatus = string(paymentStatus)
	if orderStatus != "" {
		order.Status = orderStatus
	}
	order.UpdatedAt = s.clock()
	if err := s.orderRepo.Update(ctx, order); err != nil {
		s.logger(ctx, "payment.order.mirror_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

func (s *paymentService) mapRepositoryError(err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %v", ErrPaymentNotFound, err)
	}
	return err
}
