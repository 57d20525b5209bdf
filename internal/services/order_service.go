package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/payments"
	"github.com/darmolhimon/api/internal/repositories"
)

const (
	orderEventPaid      = "order.paid"
	orderEventShipped   = "order.shipped"
	orderEventDelivered = "order.delivered"
	orderEventCompleted = "order.completed"
	orderEventCancelled = "order.cancelled"

	// digitalAccessTTL bounds how long an issued download link stays valid.
	digitalAccessTTL = 7 * 24 * time.Hour

	// defaultUnpaidOrderTTL is how long a pending order may wait for
	// payment before the sweep cancels it.
	defaultUnpaidOrderTTL  = 24 * time.Hour
	defaultExpireSweepSize = 50

	// stockReleasedKey marks orders whose reserved stock was already
	// returned, so release never double-increments.
	stockReleasedKey = "stockReleased"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates a disallowed stage or status transition.
	ErrOrderInvalidState = errors.New("order: invalid state transition")
	// ErrOrderOutOfStock indicates an item addition exceeded availability.
	ErrOrderOutOfStock = errors.New("order: insufficient stock")
)

// notesPolicy strips all markup from operator-supplied free text before
// it is persisted on stage history or cancellation records.
var notesPolicy = bluemonday.StrictPolicy()

// stageStatus maps each lifecycle stage to the display status derived
// when no side state applies.
var stageStatus = map[domain.Stage]domain.OrderStatus{
	domain.StageOrdered:   domain.OrderStatusPending,
	domain.StagePaid:      domain.OrderStatusConfirmed,
	domain.StageShipped:   domain.OrderStatusShipped,
	domain.StageDelivered: domain.OrderStatusDelivered,
	domain.StageReviewed:  domain.OrderStatusCompleted,
}

// cancellableStatuses are the display statuses from which an order may
// still be cancelled.
var cancellableStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending:    {},
	domain.OrderStatusConfirmed:  {},
	domain.OrderStatusProcessing: {},
	domain.OrderStatusOnHold:     {},
}

// modifiableStatuses are the display statuses in which line items may
// still be added or removed.
var modifiableStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending:   {},
	domain.OrderStatusConfirmed: {},
}

// CanMoveTo reports whether an order may advance from one stage to
// another. Stages move strictly forward, exactly one step at a time.
func CanMoveTo(from, to domain.Stage) bool {
	fromIdx, toIdx := stageIndex(from), stageIndex(to)
	if fromIdx < 0 || toIdx < 0 {
		return false
	}
	return toIdx == fromIdx+1
}

func stageIndex(stage domain.Stage) int {
	for i, s := range domain.StageSequence {
		if s == stage {
			return i
		}
	}
	return -1
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Items       repositories.OrderItemRepository
	Books       repositories.BookRepository
	Payments    repositories.PaymentRepository
	Shipping    repositories.ShippingRepository
	Gateways    *payments.Manager
	Pricing     *CostCalculator
	Settings    StoreSettingsService
	Downloads   DownloadLinkIssuer
	Events      OrderEventPublisher
	LinkTTL     time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders    repositories.OrderRepository
	items     repositories.OrderItemRepository
	books     repositories.BookRepository
	payments  repositories.PaymentRepository
	shipping  repositories.ShippingRepository
	gateways  *payments.Manager
	pricing   *CostCalculator
	settings  StoreSettingsService
	downloads DownloadLinkIssuer
	events    OrderEventPublisher
	linkTTL   time.Duration
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Items == nil {
		return nil, errors.New("order service: order item repository is required")
	}
	if deps.Books == nil {
		return nil, errors.New("order service: book repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: cost calculator is required")
	}
	if deps.Settings == nil {
		return nil, errors.New("order service: settings service is required")
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
	linkTTL := deps.LinkTTL
	if linkTTL <= 0 {
		linkTTL = digitalAccessTTL
	}

	return &orderService{
		orders:    deps.Orders,
		items:     deps.Items,
		books:     deps.Books,
		payments:  deps.Payments,
		shipping:  deps.Shipping,
		gateways:  deps.Gateways,
		pricing:   deps.Pricing,
		settings:  deps.Settings,
		downloads: deps.Downloads,
		events:    deps.Events,
		linkTTL:   linkTTL,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

// GetOrderDetails loads the order together with its items and, when
// present, the shipping and payment records. Missing siblings are not
// an error: digital-only orders have no shipping record and unpaid
// orders may have no payment record yet.
func (s *orderService) GetOrderDetails(ctx context.Context, orderID string) (OrderDetails, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return OrderDetails{}, err
	}
	items, err := s.items.ListByOrder(ctx, order.ID)
	if err != nil {
		return OrderDetails{}, s.mapRepositoryError(err)
	}

	details := OrderDetails{Order: order, Items: items}
	if s.shipping != nil {
		if shipping, err := s.shipping.FindByOrder(ctx, order.ID); err == nil {
			details.Shipping = &shipping
		} else if !isNotFound(err) {
			return OrderDetails{}, err
		}
	}
	if s.payments != nil {
		if payment, err := s.payments.FindByOrder(ctx, order.ID); err == nil {
			details.Payment = &payment
		} else if !isNotFound(err) {
			return OrderDetails{}, err
		}
	}
	return details, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     strings.TrimSpace(filter.UserID),
		Status:     filter.Status,
		Stage:      filter.Stage,
		DateRange:  filter.DateRange,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, err
	}
	return page, nil
}

func (s *orderService) OrderStats(ctx context.Context, filter OrderStatsFilter) (OrderStats, error) {
	return s.orders.Stats(ctx, repositories.OrderStatsFilter{DateRange: filter.DateRange})
}

// AdvanceStage moves the order exactly one step forward through the
// lifecycle, records the transition, derives the display status, and
// runs the stage's side effects: digital delivery on paid, lifecycle
// events on every transition, completion stamping on reviewed.
func (s *orderService) AdvanceStage(ctx context.Context, cmd AdvanceStageCommand) (Order, error) {
	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	switch order.Status {
	case domain.OrderStatusCancelled, domain.OrderStatusRefunded:
		return Order{}, fmt.Errorf("%w: order is %s", ErrOrderInvalidState, order.Status)
	}
	if !CanMoveTo(order.Stage, cmd.Stage) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, order.Stage, cmd.Stage)
	}

	now := s.clock()
	previous := order.Stage
	order.Stage = cmd.Stage
	order.Status = stageStatus[cmd.Stage]
	order.StageHistory = append(order.StageHistory, domain.StageTransition{
		Stage:         cmd.Stage,
		PreviousStage: previous,
		Notes:         sanitizeNotes(cmd.Notes),
		At:            now,
	})
	order.UpdatedAt = now

	var event string
	switch cmd.Stage {
	case domain.StagePaid:
		order.PaidAt = &now
		event = orderEventPaid
	case domain.StageShipped:
		order.ShippedAt = &now
		event = orderEventShipped
	case domain.StageDelivered:
		order.DeliveredAt = &now
		event = orderEventDelivered
	case domain.StageReviewed:
		order.CompletedAt = &now
		event = orderEventCompleted
	}

	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if cmd.Stage == domain.StagePaid {
		s.deliverDigitalItems(ctx, order)
	}
	s.publishEvent(ctx, order, event, map[string]string{
		"previousStage": string(previous),
		"actorId":       cmd.ActorID,
	})

	s.logger(ctx, "order.stage.advanced", map[string]any{
		"orderId": order.ID,
		"from":    string(previous),
		"to":      string(cmd.Stage),
		"actorId": cmd.ActorID,
	})
	return order, nil
}

// deliverDigitalItems issues download access for every digital line
// that was not delivered before. Issuance failures are logged per item
// and never roll back the stage transition; undelivered items are
// retried the next time delivery runs.
func (s *orderService) deliverDigitalItems(ctx context.Context, order Order) {
	if s.downloads == nil {
		return
	}
	items, err := s.items.ListByOrder(ctx, order.ID)
	if err != nil {
		s.logger(ctx, "order.digital.list_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return
	}
	for _, item := range items {
		if !item.ProductType.IsDigital() || item.IsDelivered {
			continue
		}
		book, err := s.books.FindByID(ctx, item.ProductID)
		if err != nil {
			s.logger(ctx, "order.digital.book_missing", map[string]any{
				"orderId": order.ID,
				"itemId":  item.ID,
				"bookId":  item.ProductID,
				"error":   err.Error(),
			})
			continue
		}
		link, err := s.downloads.IssueDownloadLink(ctx, DownloadLinkCommand{
			OrderID:   order.ID,
			OrderItem: item,
			UserID:    order.UserID,
			AssetPath: book.AssetPath,
			Expiry:    s.linkTTL,
		})
		if err != nil {
			s.logger(ctx, "order.digital.issue_failed", map[string]any{
				"orderId": order.ID,
				"itemId":  item.ID,
				"error":   err.Error(),
			})
			continue
		}

		now := s.clock()
		item.DownloadURL = &link.URL
		item.AccessExpiry = &link.ExpiresAt
		item.IsDelivered = true
		item.DeliveredAt = &now
		if err := s.items.Update(ctx, item); err != nil {
			s.logger(ctx, "order.digital.update_failed", map[string]any{
				"orderId": order.ID,
				"itemId":  item.ID,
				"error":   err.Error(),
			})
		}
	}
}

// CancelOrder cancels an in-flight order: reserved stock is returned,
// a captured payment is refunded through its provider, a still-open
// intent is voided at the gateway, and the order keeps its stage while
// the status flips to cancelled or refunded.
func (s *orderService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if _, ok := cancellableStatuses[order.Status]; !ok {
		return Order{}, fmt.Errorf("%w: cannot cancel order in status %s", ErrOrderInvalidState, order.Status)
	}

	items, err := s.items.ListByOrder(ctx, order.ID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	s.restoreStockFor(ctx, &order, items, "cancel")

	now := s.clock()
	order.Status = domain.OrderStatusCancelled
	if s.settlePaymentForCancel(ctx, order, cmd.Reason) {
		order.Status = domain.OrderStatusRefunded
	}
	reason := sanitizeNotes(cmd.Reason)
	if reason != "" {
		order.CancelReason = &reason
	}
	order.CancelledAt = &now
	order.UpdatedAt = now
	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, order, orderEventCancelled, map[string]string{
		"reason":  reason,
		"actorId": cmd.ActorID,
	})
	s.logger(ctx, "order.cancelled", map[string]any{
		"orderId": order.ID,
		"status":  string(order.Status),
		"actorId": cmd.ActorID,
	})
	return order, nil
}

// ExpireUnpaidOrders cancels pending orders whose payment window has
// lapsed. Each cancellation runs through CancelOrder so stock
// restoration and event publication behave exactly as a manual
// cancellation would. Orders in payment_failed stay untouched; their
// stock is reconciled through the admin release operation.
func (s *orderService) ExpireUnpaidOrders(ctx context.Context, cmd ExpireUnpaidOrdersCommand) (ExpireUnpaidOrdersResult, error) {
	olderThan := cmd.OlderThan
	if olderThan <= 0 {
		olderThan = defaultUnpaidOrderTTL
	}
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultExpireSweepSize
	}
	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		actor = "system:sweeper"
	}

	cutoff := s.clock().Add(-olderThan)
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		Status:     []domain.OrderStatus{domain.OrderStatusPending},
		DateRange:  domain.RangeQuery[time.Time]{To: &cutoff},
		Pagination: domain.Pagination{PageSize: limit},
	})
	if err != nil {
		return ExpireUnpaidOrdersResult{}, s.mapRepositoryError(err)
	}

	var result ExpireUnpaidOrdersResult
	for _, order := range page.Items {
		if _, err := s.CancelOrder(ctx, CancelOrderCommand{
			OrderID: order.ID,
			Reason:  "payment window expired",
			ActorID: actor,
		}); err != nil {
			result.Failed++
			s.logger(ctx, "order.expire.cancel_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
			continue
		}
		result.Expired++
	}
	if result.Expired > 0 || result.Failed > 0 {
		s.logger(ctx, "order.expire.swept", map[string]any{
			"expired": result.Expired,
			"failed":  result.Failed,
			"cutoff":  cutoff,
		})
	}
	return result, nil
}

// settlePaymentForCancel unwinds the order's payment on cancellation.
// Captured funds are refunded through the provider; an intent still
// awaiting capture is voided so the gateway cannot collect later.
// Returns true when a refund was issued. Failures are logged and leave
// the payment for manual reconciliation.
func (s *orderService) settlePaymentForCancel(ctx context.Context, order Order, reason string) bool {
	if s.payments == nil || s.gateways == nil {
		return false
	}
	payment, err := s.payments.FindByOrder(ctx, order.ID)
	if err != nil {
		if !isNotFound(err) {
			s.logger(ctx, "order.refund.lookup_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
		return false
	}
	switch payment.Status {
	case domain.PaymentStatusPending, domain.PaymentStatusProcessing:
		s.voidOpenPayment(ctx, order, payment)
		return false
	case domain.PaymentStatusCompleted:
	default:
		return false
	}

	details, err := s.gateways.Refund(ctx, payment.Provider, payments.RefundRequest{
		IntentID: payment.IntentID,
		Reason:   strings.TrimSpace(reason),
	})
	if err != nil {
		s.logger(ctx, "order.refund.failed", map[string]any{
			"orderId":   order.ID,
			"paymentId": payment.ID,
			"error":     err.Error(),
		})
		return false
	}

	now := s.clock()
	payment.Status = domain.PaymentStatusRefunded
	payment.RefundedAmount = payment.Amount
	if details.AmountRefunded > 0 {
		payment.RefundedAmount = details.AmountRefunded
	}
	trimmed := strings.TrimSpace(reason)
	if trimmed != "" {
		payment.RefundReason = &trimmed
	}
	payment.RefundedAt = &now
	payment.UpdatedAt = now
	if err := s.payments.Update(ctx, payment); err != nil {
		s.logger(ctx, "order.refund.record_failed", map[string]any{
			"orderId":   order.ID,
			"paymentId": payment.ID,
			"error":     err.Error(),
		})
	}
	return true
}

// voidOpenPayment cancels an unconfirmed intent at the gateway and
// marks the record failed. Gateway errors are logged; the order
// cancellation proceeds either way.
func (s *orderService) voidOpenPayment(ctx context.Context, order Order, payment Payment) {
	if payment.IntentID != "" {
		if _, err := s.gateways.Cancel(ctx, payment.Provider, payment.IntentID); err != nil {
			s.logger(ctx, "order.cancel.void_failed", map[string]any{
				"orderId":   order.ID,
				"paymentId": payment.ID,
				"error":     err.Error(),
			})
			return
		}
	}
	payment.Status = domain.PaymentStatusFailed
	payment.UpdatedAt = s.clock()
	if err := s.payments.Update(ctx, payment); err != nil {
		s.logger(ctx, "order.cancel.void_record_failed", map[string]any{
			"orderId":   order.ID,
			"paymentId": payment.ID,
			"error":     err.Error(),
		})
		return
	}
	s.logger(ctx, "order.cancel.intent_voided", map[string]any{
		"orderId":   order.ID,
		"paymentId": payment.ID,
		"provider":  payment.Provider,
	})
}

// AddItem appends a line to a not-yet-fulfilled order. The addition
// reserves stock the same way checkout does, then the totals are
// repriced.
func (s *orderService) AddItem(ctx context.Context, cmd ModifyItemCommand) (OrderDetails, error) {
	if strings.TrimSpace(cmd.ProductID) == "" {
		return OrderDetails{}, fmt.Errorf("%w: product id is required", ErrOrderInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return OrderDetails{}, fmt.Errorf("%w: quantity must be > 0", ErrOrderInvalidInput)
	}
	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return OrderDetails{}, err
	}
	if _, ok := modifiableStatuses[order.Status]; !ok {
		return OrderDetails{}, fmt.Errorf("%w: cannot modify order in status %s", ErrOrderInvalidState, order.Status)
	}

	book, err := s.books.FindByID(ctx, cmd.ProductID)
	if err != nil {
		if isNotFound(err) {
			return OrderDetails{}, fmt.Errorf("%w: book %s", ErrOrderNotFound, cmd.ProductID)
		}
		return OrderDetails{}, err
	}
	if !book.IsPublished {
		return OrderDetails{}, fmt.Errorf("%w: book %s is not published", ErrOrderInvalidInput, book.ID)
	}

	if !book.Type.IsDigital() {
		err := s.orders.ReserveStock(ctx, []repositories.StockAdjustment{{BookID: book.ID, Quantity: cmd.Quantity}})
		if err != nil {
			var stockErr *repositories.StockError
			if errors.As(err, &stockErr) {
				return OrderDetails{}, fmt.Errorf("%w: %s", ErrOrderOutOfStock, stockErr.Message)
			}
			return OrderDetails{}, err
		}
	}

	items, err := s.items.ListByOrder(ctx, order.ID)
	if err != nil {
		return OrderDetails{}, s.mapRepositoryError(err)
	}

	merged := false
	for i, existing := range items {
		if existing.ProductID != book.ID {
			continue
		}
		existing.Quantity += cmd.Quantity
		existing.TotalPrice = existing.UnitPrice * int64(existing.Quantity)
		if err := s.items.Update(ctx, existing); err != nil {
			return OrderDetails{}, s.mapRepositoryError(err)
		}
		items[i] = existing
		merged = true
		break
	}
	if !merged {
		item := domain.OrderItem{
			ID:          "itm_" + s.newID(),
			OrderID:     order.ID,
			ProductID:   book.ID,
			ProductType: book.Type,
			Title:       book.Title,
			UnitPrice:   book.Price,
			Quantity:    cmd.Quantity,
			TotalPrice:  book.Price * int64(cmd.Quantity),
			WeightGrams: book.WeightGrams,
		}
		if err := s.items.Insert(ctx, item); err != nil {
			return OrderDetails{}, s.mapRepositoryError(err)
		}
		items = append(items, item)
	}

	if err := s.repriceOrder(ctx, &order, items); err != nil {
		return OrderDetails{}, err
	}
	s.logger(ctx, "order.item.added", map[string]any{
		"orderId": order.ID,
		"bookId":  book.ID,
		"qty":     cmd.Quantity,
		"actorId": cmd.ActorID,
	})
	return OrderDetails{Order: order, Items: items}, nil
}

// RemoveItem deletes a line from a not-yet-fulfilled order, returning
// its reserved stock. The last remaining line cannot be removed.
func (s *orderService) RemoveItem(ctx context.Context, cmd ModifyItemCommand) (OrderDetails, error) {
	if strings.TrimSpace(cmd.ItemID) == "" {
		return OrderDetails{}, fmt.Errorf("%w: item id is required", ErrOrderInvalidInput)
	}
	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return OrderDetails{}, err
	}
	if _, ok := modifiableStatuses[order.Status]; !ok {
		return OrderDetails{}, fmt.Errorf("%w: cannot modify order in status %s", ErrOrderInvalidState, order.Status)
	}

	items, err := s.items.ListByOrder(ctx, order.ID)
	if err != nil {
		return OrderDetails{}, s.mapRepositoryError(err)
	}
	if len(items) <= 1 {
		return OrderDetails{}, fmt.Errorf("%w: order must keep at least one item", ErrOrderInvalidInput)
	}

	idx := -1
	for i, item := range items {
		if item.ID == cmd.ItemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return OrderDetails{}, fmt.Errorf("%w: item %s", ErrOrderNotFound, cmd.ItemID)
	}
	removed := items[idx]

	if err := s.items.Delete(ctx, order.ID, removed.ID); err != nil {
		return OrderDetails{}, s.mapRepositoryError(err)
	}
	if !removed.ProductType.IsDigital() {
		err := s.orders.RestoreStock(ctx, []repositories.StockAdjustment{{BookID: removed.ProductID, Quantity: removed.Quantity}})
		if err != nil {
			s.logger(ctx, "order.item.restore_failed", map[string]any{
				"orderId": order.ID,
				"bookId":  removed.ProductID,
				"error":   err.Error(),
			})
		}
	}
	items = append(items[:idx], items[idx+1:]...)

	if err := s.repriceOrder(ctx, &order, items); err != nil {
		return OrderDetails{}, err
	}
	s.logger(ctx, "order.item.removed", map[string]any{
		"orderId": order.ID,
		"itemId":  removed.ID,
		"actorId": cmd.ActorID,
	})
	return OrderDetails{Order: order, Items: items}, nil
}

// ReleaseOrderStock returns reserved stock for an order whose payment
// failed, without cancelling it. The release is recorded on the order
// so repeated calls never double-increment.
func (s *orderService) ReleaseOrderStock(ctx context.Context, cmd ReleaseStockCommand) error {
	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusPaymentFailed {
		return fmt.Errorf("%w: stock release requires a failed payment, order is %s", ErrOrderInvalidState, order.Status)
	}
	if released, _ := order.Metadata[stockReleasedKey].(bool); released {
		return nil
	}

	items, err := s.items.ListByOrder(ctx, order.ID)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	lines := physicalAdjustments(items)
	if len(lines) > 0 {
		if err := s.orders.RestoreStock(ctx, lines); err != nil {
			return err
		}
	}

	if order.Metadata == nil {
		order.Metadata = map[string]any{}
	}
	order.Metadata[stockReleasedKey] = true
	order.UpdatedAt = s.clock()
	if err := s.orders.Update(ctx, order); err != nil {
		return s.mapRepositoryError(err)
	}

	s.logger(ctx, "order.stock.released", map[string]any{
		"orderId": order.ID,
		"lines":   len(lines),
		"reason":  cmd.Reason,
		"actorId": cmd.ActorID,
	})
	return nil
}

// DeleteOrder cascades removal of the order, its items, and sibling
// shipping and payment records. Only terminated orders can be deleted.
func (s *orderService) DeleteOrder(ctx context.Context, cmd DeleteOrderCommand) error {
	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	switch order.Status {
	case domain.OrderStatusCancelled, domain.OrderStatusRefunded, domain.OrderStatusPaymentFailed, domain.OrderStatusCompleted:
	default:
		return fmt.Errorf("%w: cannot delete order in status %s", ErrOrderInvalidState, order.Status)
	}

	if s.shipping != nil {
		if shipping, err := s.shipping.FindByOrder(ctx, order.ID); err == nil {
			if err := s.shipping.Delete(ctx, shipping.ID); err != nil {
				s.logger(ctx, "order.delete.shipping_failed", map[string]any{
					"orderId": order.ID,
					"error":   err.Error(),
				})
			}
		}
	}
	if s.payments != nil {
		if payment, err := s.payments.FindByOrder(ctx, order.ID); err == nil {
			if err := s.payments.Delete(ctx, payment.ID); err != nil {
				s.logger(ctx, "order.delete.payment_failed", map[string]any{
					"orderId": order.ID,
					"error":   err.Error(),
				})
			}
		}
	}

	if err := s.orders.DeleteWithItems(ctx, order.ID); err != nil {
		return s.mapRepositoryError(err)
	}
	s.logger(ctx, "order.deleted", map[string]any{
		"orderId": order.ID,
		"actorId": cmd.ActorID,
	})
	return nil
}

// repriceOrder recomputes totals after line changes and persists the
// order header.
func (s *orderService) repriceOrder(ctx context.Context, order *Order, items []OrderItem) error {
	inputs := make([]PricedItemInput, 0, len(items))
	for _, item := range items {
		inputs = append(inputs, PricedItemInput{
			ProductID:   item.ProductID,
			ProductType: item.ProductType,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			WeightGrams: item.WeightGrams,
		})
	}

	var method *domain.ShippingMethodConfig
	if id := strings.TrimSpace(order.ShippingMethod); id != "" {
		for _, candidate := range s.settings.Current().ShippingMethods {
			if candidate.ID == id {
				m := candidate
				method = &m
				break
			}
		}
	}
	country := ""
	if order.ShippingAddress != nil {
		country = order.ShippingAddress.Country
	}

	breakdown, err := s.pricing.CalculateOrderCost(ctx, PriceOrderCommand{
		Items:    inputs,
		Method:   method,
		Country:  country,
		Discount: order.Totals.Discount,
	})
	if err != nil {
		return err
	}

	order.Totals = domain.OrderTotals{
		Subtotal: breakdown.Subtotal,
		Discount: breakdown.Discount,
		Shipping: breakdown.Shipping,
		Tax:      breakdown.Tax,
		Total:    breakdown.Total,
	}
	order.ItemCount = breakdown.ItemCount
	order.UpdatedAt = s.clock()
	if err := s.orders.Update(ctx, *order); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

// restoreStockFor returns reserved stock for the physical lines of an
// order. Failures are logged so cancellation still completes; the
// mismatch surfaces in stock reconciliation.
func (s *orderService) restoreStockFor(ctx context.Context, order *Order, items []OrderItem, reason string) {
	if released, _ := order.Metadata[stockReleasedKey].(bool); released {
		return
	}
	lines := physicalAdjustments(items)
	if len(lines) == 0 {
		return
	}
	if err := s.orders.RestoreStock(ctx, lines); err != nil {
		s.logger(ctx, "order.stock.restore_failed", map[string]any{
			"orderId": order.ID,
			"reason":  reason,
			"error":   err.Error(),
		})
		return
	}
	if order.Metadata == nil {
		order.Metadata = map[string]any{}
	}
	order.Metadata[stockReleasedKey] = true
}

func (s *orderService) publishEvent(ctx context.Context, order Order, event string, metadata map[string]string) {
	if s.events == nil || event == "" {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, OrderEventMessage{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Event:       event,
		Stage:       string(order.Stage),
		Status:      string(order.Status),
		OccurredAt:  s.clock(),
		Metadata:    metadata,
	}); err != nil {
		s.logger(ctx, "order.event.publish_failed", map[string]any{
			"orderId": order.ID,
			"event":   event,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	}
	return err
}

func physicalAdjustments(items []OrderItem) []repositories.StockAdjustment {
	lines := make([]repositories.StockAdjustment, 0, len(items))
	for _, item := range items {
		if item.ProductType.IsDigital() {
			continue
		}
		lines = append(lines, repositories.StockAdjustment{BookID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func sanitizeNotes(notes string) string {
	return strings.TrimSpace(notesPolicy.Sanitize(notes))
}
