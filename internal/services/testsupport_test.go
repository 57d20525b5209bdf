package services

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/payments"
	"github.com/darmolhimon/api/internal/repositories"
)

// notFoundError satisfies repositories.RepositoryError for stubs.
type notFoundError struct{ msg string }

func (e notFoundError) Error() string       { return e.msg }
func (e notFoundError) IsNotFound() bool    { return true }
func (e notFoundError) IsConflict() bool    { return false }
func (e notFoundError) IsUnavailable() bool { return false }

func testClock() func() time.Time {
	return func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%04d", prefix, n)
	}
}

// fakeSettingsService serves a fixed settings snapshot.
type fakeSettingsService struct {
	mu       sync.Mutex
	settings domain.StoreSettings
	reloads  int
}

func newFakeSettings() *fakeSettingsService {
	return &fakeSettingsService{settings: DefaultStoreSettings(testClock()())}
}

func (f *fakeSettingsService) Current() domain.StoreSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeSettingsService) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeSettingsService) Update(_ context.Context, settings domain.StoreSettings) (domain.StoreSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = settings
	return settings, nil
}

// memBookRepo is an in-memory BookRepository.
type memBookRepo struct {
	books map[string]domain.Book
}

func newMemBooks(books ...domain.Book) *memBookRepo {
	repo := &memBookRepo{books: make(map[string]domain.Book, len(books))}
	for _, book := range books {
		repo.books[book.ID] = book
	}
	return repo
}

func (r *memBookRepo) FindByID(_ context.Context, bookID string) (domain.Book, error) {
	book, ok := r.books[bookID]
	if !ok {
		return domain.Book{}, notFoundError{msg: "book " + bookID + " not found"}
	}
	return book, nil
}

func (r *memBookRepo) FindMany(_ context.Context, bookIDs []string) (map[string]domain.Book, error) {
	found := make(map[string]domain.Book, len(bookIDs))
	for _, id := range bookIDs {
		if book, ok := r.books[id]; ok {
			found[id] = book
		}
	}
	return found, nil
}

func (r *memBookRepo) List(_ context.Context, filter repositories.BookListFilter) (domain.CursorPage[domain.Book], error) {
	items := make([]domain.Book, 0, len(r.books))
	for _, book := range r.books {
		if filter.OnlyPublished && !book.IsPublished {
			continue
		}
		items = append(items, book)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return domain.CursorPage[domain.Book]{Items: items}, nil
}

// memOrderRepo is an in-memory OrderRepository sharing stock with a
// memBookRepo.
type memOrderRepo struct {
	mu           sync.Mutex
	books        *memBookRepo
	orders       map[string]domain.Order
	items        *memItemRepo
	createErr    error
	restored     []repositories.StockAdjustment
	reserved     []repositories.StockAdjustment
	deletedIDs   []string
	updatedCount int
}

func newMemOrders(books *memBookRepo, items *memItemRepo) *memOrderRepo {
	return &memOrderRepo{
		books:  books,
		orders: make(map[string]domain.Order),
		items:  items,
	}
}

func (r *memOrderRepo) CreateWithReservation(_ context.Context, order domain.Order, items []domain.OrderItem) (domain.Order, []domain.OrderItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return domain.Order{}, nil, r.createErr
	}
	for _, item := range items {
		if item.ProductType.IsDigital() {
			continue
		}
		book, ok := r.books.books[item.ProductID]
		if !ok {
			return domain.Order{}, nil, repositories.NewStockError(repositories.StockErrorProductNotFound, item.ProductID, "book not found", nil)
		}
		if book.Stock < item.Quantity {
			return domain.Order{}, nil, repositories.NewStockError(repositories.StockErrorInsufficient, item.ProductID,
				fmt.Sprintf("book %s has %d in stock, %d requested", item.ProductID, book.Stock, item.Quantity), nil)
		}
		book.Stock -= item.Quantity
		r.books.books[item.ProductID] = book
	}
	r.orders[order.ID] = order
	for _, item := range items {
		r.items.insert(item)
	}
	return order, items, nil
}

func (r *memOrderRepo) Update(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; !ok {
		return notFoundError{msg: "order " + order.ID + " not found"}
	}
	r.orders[order.ID] = order
	r.updatedCount++
	return nil
}

func (r *memOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, notFoundError{msg: "order " + orderID + " not found"}
	}
	return order, nil
}

func (r *memOrderRepo) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if len(filter.Status) > 0 {
			matched := false
			for _, status := range filter.Status {
				if order.Status == status {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		if filter.DateRange.From != nil && order.CreatedAt.Before(*filter.DateRange.From) {
			continue
		}
		if filter.DateRange.To != nil && order.CreatedAt.After(*filter.DateRange.To) {
			continue
		}
		items = append(items, order)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if size := filter.Pagination.PageSize; size > 0 && len(items) > size {
		items = items[:size]
	}
	return domain.CursorPage[domain.Order]{Items: items}, nil
}

func (r *memOrderRepo) Stats(_ context.Context, _ repositories.OrderStatsFilter) (domain.OrderStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := domain.OrderStats{CountByStatus: map[domain.OrderStatus]int{}}
	for _, order := range r.orders {
		stats.TotalOrders++
		stats.TotalRevenue += order.Totals.Total
		stats.CountByStatus[order.Status]++
	}
	return stats, nil
}

func (r *memOrderRepo) DeleteWithItems(_ context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[orderID]; !ok {
		return notFoundError{msg: "order " + orderID + " not found"}
	}
	delete(r.orders, orderID)
	r.items.deleteByOrder(orderID)
	r.deletedIDs = append(r.deletedIDs, orderID)
	return nil
}

func (r *memOrderRepo) RestoreStock(_ context.Context, lines []repositories.StockAdjustment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range lines {
		if book, ok := r.books.books[line.BookID]; ok {
			book.Stock += line.Quantity
			r.books.books[line.BookID] = book
		}
	}
	r.restored = append(r.restored, lines...)
	return nil
}

func (r *memOrderRepo) ReserveStock(_ context.Context, lines []repositories.StockAdjustment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range lines {
		book, ok := r.books.books[line.BookID]
		if !ok {
			return repositories.NewStockError(repositories.StockErrorProductNotFound, line.BookID, "book not found", nil)
		}
		if book.Stock < line.Quantity {
			return repositories.NewStockError(repositories.StockErrorInsufficient, line.BookID,
				fmt.Sprintf("book %s has %d in stock, %d requested", line.BookID, book.Stock, line.Quantity), nil)
		}
		book.Stock -= line.Quantity
		r.books.books[line.BookID] = book
	}
	r.reserved = append(r.reserved, lines...)
	return nil
}

// memItemRepo is an in-memory OrderItemRepository.
type memItemRepo struct {
	mu    sync.Mutex
	items map[string][]domain.OrderItem
}

func newMemItems() *memItemRepo {
	return &memItemRepo{items: make(map[string][]domain.OrderItem)}
}

func (r *memItemRepo) insert(item domain.OrderItem) {
	r.items[item.OrderID] = append(r.items[item.OrderID], item)
}

func (r *memItemRepo) deleteByOrder(orderID string) {
	delete(r.items, orderID)
}

func (r *memItemRepo) ListByOrder(_ context.Context, orderID string) ([]domain.OrderItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]domain.OrderItem, len(r.items[orderID]))
	copy(items, r.items[orderID])
	return items, nil
}

func (r *memItemRepo) Update(_ context.Context, item domain.OrderItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.items[item.OrderID] {
		if existing.ID == item.ID {
			r.items[item.OrderID][i] = item
			return nil
		}
	}
	return notFoundError{msg: "item " + item.ID + " not found"}
}

func (r *memItemRepo) Insert(_ context.Context, item domain.OrderItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insert(item)
	return nil
}

func (r *memItemRepo) Delete(_ context.Context, orderID string, itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.items[orderID]
	for i, existing := range items {
		if existing.ID == itemID {
			r.items[orderID] = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return notFoundError{msg: "item " + itemID + " not found"}
}

// memShippingRepo is an in-memory ShippingRepository.
type memShippingRepo struct {
	mu        sync.Mutex
	records   map[string]domain.Shipping
	insertErr error
}

func newMemShipping() *memShippingRepo {
	return &memShippingRepo{records: make(map[string]domain.Shipping)}
}

func (r *memShippingRepo) Insert(_ context.Context, shipping domain.Shipping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	r.records[shipping.ID] = shipping
	return nil
}

func (r *memShippingRepo) Update(_ context.Context, shipping domain.Shipping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[shipping.ID]; !ok {
		return notFoundError{msg: "shipping " + shipping.ID + " not found"}
	}
	r.records[shipping.ID] = shipping
	return nil
}

func (r *memShippingRepo) FindByID(_ context.Context, shippingID string) (domain.Shipping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[shippingID]
	if !ok {
		return domain.Shipping{}, notFoundError{msg: "shipping " + shippingID + " not found"}
	}
	return record, nil
}

func (r *memShippingRepo) FindByOrder(_ context.Context, orderID string) (domain.Shipping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records {
		if record.OrderID == orderID {
			return record, nil
		}
	}
	return domain.Shipping{}, notFoundError{msg: "shipping for order " + orderID + " not found"}
}

func (r *memShippingRepo) Delete(_ context.Context, shippingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, shippingID)
	return nil
}

// memPaymentRepo is an in-memory PaymentRepository.
type memPaymentRepo struct {
	mu      sync.Mutex
	records map[string]domain.Payment
}

func newMemPayments() *memPaymentRepo {
	return &memPaymentRepo{records: make(map[string]domain.Payment)}
}

func (r *memPaymentRepo) Insert(_ context.Context, payment domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[payment.ID] = payment
	return nil
}

func (r *memPaymentRepo) Update(_ context.Context, payment domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[payment.ID]; !ok {
		return notFoundError{msg: "payment " + payment.ID + " not found"}
	}
	r.records[payment.ID] = payment
	return nil
}

func (r *memPaymentRepo) FindByID(_ context.Context, paymentID string) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.records[paymentID]
	if !ok {
		return domain.Payment{}, notFoundError{msg: "payment " + paymentID + " not found"}
	}
	return payment, nil
}

func (r *memPaymentRepo) FindByOrder(_ context.Context, orderID string) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, payment := range r.records {
		if payment.OrderID == orderID {
			return payment, nil
		}
	}
	return domain.Payment{}, notFoundError{msg: "payment for order " + orderID + " not found"}
}

func (r *memPaymentRepo) FindByIntentID(_ context.Context, intentID string) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, payment := range r.records {
		if payment.IntentID == intentID {
			return payment, nil
		}
	}
	return domain.Payment{}, notFoundError{msg: "payment for intent " + intentID + " not found"}
}

func (r *memPaymentRepo) Delete(_ context.Context, paymentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, paymentID)
	return nil
}

// recordingPublisher captures published order events.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []OrderEventMessage
	err      error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, message OrderEventMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, message)
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}

// recordingIssuer captures issued download links.
type recordingIssuer struct {
	mu     sync.Mutex
	issued []DownloadLinkCommand
	err    error
}

func (i *recordingIssuer) IssueDownloadLink(_ context.Context, cmd DownloadLinkCommand) (DownloadLink, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return DownloadLink{}, i.err
	}
	i.issued = append(i.issued, cmd)
	return DownloadLink{
		URL:       "https://store.example.com/v1/downloads/token-" + cmd.OrderItem.ID,
		Token:     "token-" + cmd.OrderItem.ID,
		ExpiresAt: testClock()().Add(cmd.Expiry),
	}, nil
}

// stubGateway is a minimal payments.Provider for manager-backed tests.
type stubGateway struct {
	info       payments.Info
	intent     payments.Intent
	intentErr  error
	refundErr  error
	refunds    []payments.RefundRequest
	intents    []payments.CreateIntentRequest
	confirmSt  payments.Status
	confirmErr error
	confirms   []payments.ConfirmRequest
	cancelErr  error
	cancels    []string
	problems   []string
	webhookEvt payments.WebhookEvent
	webhookErr error
}

func (g *stubGateway) Initialize(context.Context, map[string]string) error { return nil }
func (g *stubGateway) TestConnection(context.Context) error               { return nil }

func (g *stubGateway) CreateIntent(_ context.Context, req payments.CreateIntentRequest) (payments.Intent, error) {
	if g.intentErr != nil {
		return payments.Intent{}, g.intentErr
	}
	g.intents = append(g.intents, req)
	intent := g.intent
	if intent.IntentID == "" {
		intent.IntentID = g.info.Name + "_intent_1"
	}
	intent.Provider = g.info.Name
	intent.Amount = req.Amount
	intent.Currency = req.Currency
	if intent.Status == "" {
		intent.Status = payments.StatusPending
	}
	return intent, nil
}

func (g *stubGateway) Confirm(_ context.Context, req payments.ConfirmRequest) (payments.Details, error) {
	if g.confirmErr != nil {
		return payments.Details{}, g.confirmErr
	}
	g.confirms = append(g.confirms, req)
	status := g.confirmSt
	if status == "" {
		status = payments.StatusCaptured
	}
	return payments.Details{Provider: g.info.Name, IntentID: req.IntentID, Status: status}, nil
}

func (g *stubGateway) Cancel(_ context.Context, intentID string) (payments.Details, error) {
	if g.cancelErr != nil {
		return payments.Details{}, g.cancelErr
	}
	g.cancels = append(g.cancels, intentID)
	return payments.Details{Provider: g.info.Name, IntentID: intentID, Status: payments.StatusCancelled}, nil
}

func (g *stubGateway) Refund(_ context.Context, req payments.RefundRequest) (payments.Details, error) {
	if g.refundErr != nil {
		return payments.Details{}, g.refundErr
	}
	g.refunds = append(g.refunds, req)
	details := payments.Details{Provider: g.info.Name, IntentID: req.IntentID, Status: payments.StatusRefunded}
	if req.Amount != nil {
		details.AmountRefunded = *req.Amount
		details.Status = payments.StatusPartiallyRefunded
	}
	return details, nil
}

func (g *stubGateway) GetStatus(_ context.Context, intentID string) (payments.Details, error) {
	return payments.Details{Provider: g.info.Name, IntentID: intentID, Status: payments.StatusPending}, nil
}

func (g *stubGateway) HandleWebhook(context.Context, []byte, http.Header) (payments.WebhookEvent, error) {
	if g.webhookErr != nil {
		return payments.WebhookEvent{}, g.webhookErr
	}
	evt := g.webhookEvt
	evt.Provider = g.info.Name
	return evt, nil
}

func (g *stubGateway) VerifySignature([]byte, string) error { return nil }

func (g *stubGateway) CreateCustomer(_ context.Context, customer payments.Customer) (string, error) {
	return "cus_stub", nil
}

func (g *stubGateway) SavePaymentMethod(context.Context, string, string) (payments.SavedPaymentMethod, error) {
	return payments.SavedPaymentMethod{}, payments.ErrNotSupported
}

func (g *stubGateway) ListPaymentMethods(context.Context, string) ([]payments.SavedPaymentMethod, error) {
	return nil, payments.ErrNotSupported
}

func (g *stubGateway) DeletePaymentMethod(context.Context, string, string) error {
	return payments.ErrNotSupported
}

func (g *stubGateway) ValidatePaymentData(payments.CreateIntentRequest) []string {
	return g.problems
}

func (g *stubGateway) Info() payments.Info { return g.info }

func newStubManager(t interface{ Fatalf(string, ...any) }, gateways ...*stubGateway) *payments.Manager {
	registry := make(map[string]payments.Provider, len(gateways))
	for _, gateway := range gateways {
		registry[gateway.info.Name] = gateway
	}
	manager, err := payments.NewManager(registry)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager
}
