package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/darmolhimon/api/internal/domain"
	pfirestore "github.com/darmolhimon/api/internal/platform/firestore"
	"github.com/darmolhimon/api/internal/platform/pagination"
	"github.com/darmolhimon/api/internal/repositories"
)

const (
	ordersCollection     = "orders"
	orderItemsCollection = "order_items"
	booksCollection      = "books"
)

// OrderRepository persists orders and owns the stock reservation
// transaction. Stock reads, decrements, and the order/item writes all
// happen inside one Firestore transaction so two concurrent checkouts
// can never both take the last unit.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	items    *pfirestore.BaseRepository[orderItemDocument]
	books    *pfirestore.BaseRepository[bookDocument]
}

// NewOrderRepository constructs the repository bound to the orders,
// order_items, and books collections.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
		items:    pfirestore.NewBaseRepository[orderItemDocument](provider, orderItemsCollection, nil, nil),
		books:    pfirestore.NewBaseRepository[bookDocument](provider, booksCollection, nil, nil),
	}, nil
}

// CreateWithReservation reads stock for every line, aborts if any book
// is missing or short, then writes the decremented stock together with
// the order and item documents. Firestore retries aborted transactions
// up to the configured attempt budget before the conflict surfaces.
func (r *OrderRepository) CreateWithReservation(ctx context.Context, order domain.Order, items []domain.OrderItem) (domain.Order, []domain.OrderItem, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, nil, errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, nil, errors.New("order create: order id is required")
	}
	if len(items) == 0 {
		return domain.Order{}, nil, errors.New("order create: at least one item is required")
	}

	saved := order
	savedItems := append([]domain.OrderItem(nil), items...)

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}

		// Quantities are aggregated per book so a title appearing on two
		// lines is read and decremented once.
		required := make(map[string]int, len(items))
		bookOrder := make([]string, 0, len(items))
		for _, item := range items {
			bookID := strings.TrimSpace(item.ProductID)
			if bookID == "" {
				return repositories.NewStockError(repositories.StockErrorProductNotFound, bookID, "order create: product id is required", nil)
			}
			if item.Quantity <= 0 {
				return repositories.NewStockError(repositories.StockErrorUnknown, bookID, fmt.Sprintf("order create: quantity for %s must be > 0", bookID), nil)
			}
			if _, seen := required[bookID]; !seen {
				bookOrder = append(bookOrder, bookID)
			}
			required[bookID] += item.Quantity
		}

		// All reads happen before any write: Firestore transactions
		// reject reads after the first queued mutation.
		type pendingStock struct {
			ref *firestore.DocumentRef
			doc bookDocument
		}
		pending := make([]pendingStock, 0, len(required))
		for _, bookID := range bookOrder {
			quantity := required[bookID]
			bookRef, err := r.books.DocumentRef(ctx, bookID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(bookRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewStockError(repositories.StockErrorProductNotFound, bookID, fmt.Sprintf("book %s not found", bookID), err)
				}
				return err
			}
			var doc bookDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode book %s: %w", bookID, err)
			}
			if doc.Stock < quantity {
				return repositories.NewStockError(repositories.StockErrorInsufficient, bookID, fmt.Sprintf("insufficient stock for %s", bookID), nil)
			}
			doc.Stock -= quantity
			doc.UpdatedAt = order.CreatedAt.UTC()
			pending = append(pending, pendingStock{ref: bookRef, doc: doc})
		}

		for _, p := range pending {
			if err := tx.Set(p.ref, p.doc); err != nil {
				return err
			}
		}

		orderDoc := newOrderDocument(order)
		if err := tx.Create(orderRef, orderDoc); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return repositories.NewStockError(repositories.StockErrorConflict, "", fmt.Sprintf("order %s already exists", order.ID), err)
			}
			return err
		}

		for i := range savedItems {
			savedItems[i].OrderID = order.ID
			itemRef, err := r.items.DocumentRef(ctx, savedItems[i].ID)
			if err != nil {
				return err
			}
			if err := tx.Create(itemRef, newOrderItemDocument(savedItems[i])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, nil, wrapOrderError("orders.createWithReservation", err)
	}
	saved.Items = savedItems
	return saved, savedItems, nil
}

// Update rewrites the order header document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order update: order id is required")
	}
	_, err := r.orders.Set(ctx, order.ID, newOrderDocument(order))
	return wrapOrderError("orders.update", err)
}

// FindByID loads the order header. Items are fetched separately.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: order id is required")
	}
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.findByID", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List returns a page of orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if len(filter.Status) == 1 {
		query = query.Where("status", "==", string(filter.Status[0]))
	} else if len(filter.Status) > 1 {
		values := make([]any, 0, len(filter.Status))
		for _, s := range filter.Status {
			values = append(values, string(s))
		}
		query = query.Where("status", "in", values)
	}
	if filter.Stage != nil {
		query = query.Where("currentStage", "==", string(*filter.Stage))
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodePageCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodePageCursor(pageCursor{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// Stats aggregates order counts and captured revenue for dashboards.
func (r *OrderRepository) Stats(ctx context.Context, filter repositories.OrderStatsFilter) (domain.OrderStats, error) {
	if r == nil || r.provider == nil {
		return domain.OrderStats{}, errors.New("order repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.OrderStats{}, wrapOrderError("orders.stats", err)
	}

	query := client.Collection(ordersCollection).Query
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	stats := domain.OrderStats{CountByStatus: make(map[domain.OrderStatus]int)}
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.OrderStats{}, wrapOrderError("orders.stats", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.OrderStats{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		stats.TotalOrders++
		statusValue := domain.OrderStatus(doc.Status)
		stats.CountByStatus[statusValue]++
		switch statusValue {
		case domain.OrderStatusCancelled, domain.OrderStatusRefunded, domain.OrderStatusPaymentFailed:
		default:
			stats.TotalRevenue += doc.Totals.Total
		}
	}
	return stats, nil
}

// DeleteWithItems removes the order and its item documents in one
// transaction. Used by the checkout compensation path and admin cascade
// deletion.
func (r *OrderRepository) DeleteWithItems(ctx context.Context, orderID string) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return errors.New("order delete: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return wrapOrderError("orders.deleteWithItems", err)
	}

	// Item refs are discovered outside the transaction; the deletes are
	// still atomic with the order delete.
	itemIter := client.Collection(orderItemsCollection).Where("orderId", "==", orderID).Documents(ctx)
	defer itemIter.Stop()
	var itemRefs []*firestore.DocumentRef
	for {
		snap, err := itemIter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return wrapOrderError("orders.deleteWithItems", err)
		}
		itemRefs = append(itemRefs, snap.Ref)
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		if err := tx.Delete(orderRef); err != nil {
			return err
		}
		for _, ref := range itemRefs {
			if err := tx.Delete(ref); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapOrderError("orders.deleteWithItems", err)
}

// RestoreStock transactionally increments stock for the given lines.
func (r *OrderRepository) RestoreStock(ctx context.Context, lines []repositories.StockAdjustment) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if len(lines) == 0 {
		return nil
	}

	increments := make(map[string]int, len(lines))
	bookOrder := make([]string, 0, len(lines))
	for _, line := range lines {
		bookID := strings.TrimSpace(line.BookID)
		if bookID == "" || line.Quantity <= 0 {
			continue
		}
		if _, seen := increments[bookID]; !seen {
			bookOrder = append(bookOrder, bookID)
		}
		increments[bookID] += line.Quantity
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		type pendingStock struct {
			ref *firestore.DocumentRef
			doc bookDocument
		}
		pending := make([]pendingStock, 0, len(increments))
		for _, bookID := range bookOrder {
			bookRef, err := r.books.DocumentRef(ctx, bookID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(bookRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewStockError(repositories.StockErrorProductNotFound, bookID, fmt.Sprintf("book %s not found", bookID), err)
				}
				return err
			}
			var doc bookDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode book %s: %w", bookID, err)
			}
			doc.Stock += increments[bookID]
			pending = append(pending, pendingStock{ref: bookRef, doc: doc})
		}
		for _, p := range pending {
			if err := tx.Set(p.ref, p.doc); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapOrderError("orders.restoreStock", err)
}

// ReserveStock transactionally decrements stock for the given lines,
// failing the whole transaction when any book is missing or short.
func (r *OrderRepository) ReserveStock(ctx context.Context, lines []repositories.StockAdjustment) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if len(lines) == 0 {
		return nil
	}

	required := make(map[string]int, len(lines))
	bookOrder := make([]string, 0, len(lines))
	for _, line := range lines {
		bookID := strings.TrimSpace(line.BookID)
		if bookID == "" || line.Quantity <= 0 {
			continue
		}
		if _, seen := required[bookID]; !seen {
			bookOrder = append(bookOrder, bookID)
		}
		required[bookID] += line.Quantity
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		type pendingStock struct {
			ref *firestore.DocumentRef
			doc bookDocument
		}
		pending := make([]pendingStock, 0, len(required))
		for _, bookID := range bookOrder {
			bookRef, err := r.books.DocumentRef(ctx, bookID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(bookRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewStockError(repositories.StockErrorProductNotFound, bookID, fmt.Sprintf("book %s not found", bookID), err)
				}
				return err
			}
			var doc bookDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode book %s: %w", bookID, err)
			}
			if doc.Stock < required[bookID] {
				return repositories.NewStockError(repositories.StockErrorInsufficient, bookID,
					fmt.Sprintf("book %s has %d in stock, %d requested", bookID, doc.Stock, required[bookID]), nil)
			}
			doc.Stock -= required[bookID]
			pending = append(pending, pendingStock{ref: bookRef, doc: doc})
		}
		for _, p := range pending {
			if err := tx.Set(p.ref, p.doc); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapOrderError("orders.reserveStock", err)
}

// Document structures -------------------------------------------------------

type orderDocument struct {
	OrderNumber     string                   `firestore:"orderNumber"`
	UserID          string                   `firestore:"userId"`
	CurrentStage    string                   `firestore:"currentStage"`
	Status          string                   `firestore:"status"`
	PaymentStatus   string                   `firestore:"paymentStatus,omitempty"`
	ShippingStatus  string                   `firestore:"shippingStatus,omitempty"`
	Currency        string                   `firestore:"currency"`
	Totals          orderTotalsDocument      `firestore:"totals"`
	ItemCount       int                      `firestore:"itemCount"`
	ShippingAddress *addressDocument         `firestore:"shippingAddress,omitempty"`
	ShippingMethod  string                   `firestore:"shippingMethod,omitempty"`
	Contact         orderContactDocument     `firestore:"contact"`
	ShippingID      *string                  `firestore:"shippingId,omitempty"`
	PaymentID       *string                  `firestore:"paymentId,omitempty"`
	StageHistory    []stageHistoryDocument   `firestore:"stageHistory"`
	Notes           string                   `firestore:"notes,omitempty"`
	CancelReason    *string                  `firestore:"cancelReason,omitempty"`
	Metadata        map[string]any           `firestore:"metadata,omitempty"`
	CreatedAt       time.Time                `firestore:"createdAt"`
	UpdatedAt       time.Time                `firestore:"updatedAt"`
	PaidAt          *time.Time               `firestore:"paidAt,omitempty"`
	ShippedAt       *time.Time               `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time               `firestore:"deliveredAt,omitempty"`
	CompletedAt     *time.Time               `firestore:"completedAt,omitempty"`
	CancelledAt     *time.Time               `firestore:"cancelledAt,omitempty"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Discount int64 `firestore:"discountAmount"`
	Shipping int64 `firestore:"shippingCost"`
	Tax      int64 `firestore:"taxAmount"`
	Total    int64 `firestore:"totalAmount"`
}

type orderContactDocument struct {
	Name  string `firestore:"name,omitempty"`
	Email string `firestore:"email,omitempty"`
	Phone string `firestore:"phone,omitempty"`
}

type stageHistoryDocument struct {
	Stage         string    `firestore:"stage"`
	PreviousStage string    `firestore:"previousStage,omitempty"`
	Notes         string    `firestore:"notes,omitempty"`
	At            time.Time `firestore:"timestamp"`
}

type addressDocument struct {
	Recipient  string  `firestore:"recipient,omitempty"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode,omitempty"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type orderItemDocument struct {
	OrderID      string     `firestore:"orderId"`
	ProductID    string     `firestore:"productId"`
	ProductType  string     `firestore:"productType"`
	Title        string     `firestore:"title,omitempty"`
	UnitPrice    int64      `firestore:"unitPrice"`
	Quantity     int        `firestore:"quantity"`
	TotalPrice   int64      `firestore:"totalPrice"`
	WeightGrams  int        `firestore:"weightGrams,omitempty"`
	DownloadURL  *string    `firestore:"downloadUrl,omitempty"`
	AccessExpiry *time.Time `firestore:"accessExpiry,omitempty"`
	IsDelivered  bool       `firestore:"isDelivered"`
	DeliveredAt  *time.Time `firestore:"deliveredAt,omitempty"`
}

type bookDocument struct {
	Title       string    `firestore:"title"`
	Author      string    `firestore:"author,omitempty"`
	Type        string    `firestore:"type"`
	Price       int64     `firestore:"price"`
	Currency    string    `firestore:"currency,omitempty"`
	Stock       int       `firestore:"stock"`
	WeightGrams int       `firestore:"weightGrams,omitempty"`
	AssetPath   string    `firestore:"assetPath,omitempty"`
	IsPublished bool      `firestore:"isPublished"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	history := make([]stageHistoryDocument, len(order.StageHistory))
	for i, entry := range order.StageHistory {
		history[i] = stageHistoryDocument{
			Stage:         string(entry.Stage),
			PreviousStage: string(entry.PreviousStage),
			Notes:         entry.Notes,
			At:            entry.At.UTC(),
		}
	}
	return orderDocument{
		OrderNumber:    strings.TrimSpace(order.OrderNumber),
		UserID:         strings.TrimSpace(order.UserID),
		CurrentStage:   string(order.Stage),
		Status:         string(order.Status),
		PaymentStatus:  order.PaymentStatus,
		ShippingStatus: order.ShippingStatus,
		Currency:       strings.TrimSpace(order.Currency),
		Totals: orderTotalsDocument{
			Subtotal: order.Totals.Subtotal,
			Discount: order.Totals.Discount,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		ItemCount:       order.ItemCount,
		ShippingAddress: newAddressDocument(order.ShippingAddress),
		ShippingMethod:  strings.TrimSpace(order.ShippingMethod),
		Contact: orderContactDocument{
			Name:  strings.TrimSpace(order.Contact.Name),
			Email: strings.TrimSpace(order.Contact.Email),
			Phone: strings.TrimSpace(order.Contact.Phone),
		},
		ShippingID:   order.ShippingID,
		PaymentID:    order.PaymentID,
		StageHistory: history,
		Notes:        order.Notes,
		CancelReason: order.CancelReason,
		Metadata:     order.Metadata,
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
		PaidAt:       order.PaidAt,
		ShippedAt:    order.ShippedAt,
		DeliveredAt:  order.DeliveredAt,
		CompletedAt:  order.CompletedAt,
		CancelledAt:  order.CancelledAt,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	history := make([]domain.StageTransition, len(d.StageHistory))
	for i, entry := range d.StageHistory {
		history[i] = domain.StageTransition{
			Stage:         domain.Stage(entry.Stage),
			PreviousStage: domain.Stage(entry.PreviousStage),
			Notes:         entry.Notes,
			At:            entry.At,
		}
	}
	return domain.Order{
		ID:             id,
		OrderNumber:    d.OrderNumber,
		UserID:         d.UserID,
		Stage:          domain.Stage(d.CurrentStage),
		Status:         domain.OrderStatus(d.Status),
		PaymentStatus:  d.PaymentStatus,
		ShippingStatus: d.ShippingStatus,
		Currency:       d.Currency,
		Totals: domain.OrderTotals{
			Subtotal: d.Totals.Subtotal,
			Discount: d.Totals.Discount,
			Shipping: d.Totals.Shipping,
			Tax:      d.Totals.Tax,
			Total:    d.Totals.Total,
		},
		ItemCount:       d.ItemCount,
		ShippingAddress: d.ShippingAddress.toDomain(),
		ShippingMethod:  d.ShippingMethod,
		Contact: domain.OrderContact{
			Name:  d.Contact.Name,
			Email: d.Contact.Email,
			Phone: d.Contact.Phone,
		},
		ShippingID:   d.ShippingID,
		PaymentID:    d.PaymentID,
		StageHistory: history,
		Notes:        d.Notes,
		CancelReason: d.CancelReason,
		Metadata:     d.Metadata,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		PaidAt:       d.PaidAt,
		ShippedAt:    d.ShippedAt,
		DeliveredAt:  d.DeliveredAt,
		CompletedAt:  d.CompletedAt,
		CancelledAt:  d.CancelledAt,
	}
}

func newAddressDocument(addr *domain.Address) *addressDocument {
	if addr == nil {
		return nil
	}
	return &addressDocument{
		Recipient:  strings.TrimSpace(addr.Recipient),
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      addr.Line2,
		City:       strings.TrimSpace(addr.City),
		State:      addr.State,
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(addr.Country)),
		Phone:      addr.Phone,
	}
}

func (d *addressDocument) toDomain() *domain.Address {
	if d == nil {
		return nil
	}
	return &domain.Address{
		Recipient:  d.Recipient,
		Line1:      d.Line1,
		Line2:      d.Line2,
		City:       d.City,
		State:      d.State,
		PostalCode: d.PostalCode,
		Country:    d.Country,
		Phone:      d.Phone,
	}
}

func newOrderItemDocument(item domain.OrderItem) orderItemDocument {
	return orderItemDocument{
		OrderID:      strings.TrimSpace(item.OrderID),
		ProductID:    strings.TrimSpace(item.ProductID),
		ProductType:  string(item.ProductType),
		Title:        strings.TrimSpace(item.Title),
		UnitPrice:    item.UnitPrice,
		Quantity:     item.Quantity,
		TotalPrice:   item.TotalPrice,
		WeightGrams:  item.WeightGrams,
		DownloadURL:  item.DownloadURL,
		AccessExpiry: item.AccessExpiry,
		IsDelivered:  item.IsDelivered,
		DeliveredAt:  item.DeliveredAt,
	}
}

func (d orderItemDocument) toDomain(id string) domain.OrderItem {
	return domain.OrderItem{
		ID:           id,
		OrderID:      d.OrderID,
		ProductID:    d.ProductID,
		ProductType:  domain.ProductType(d.ProductType),
		Title:        d.Title,
		UnitPrice:    d.UnitPrice,
		Quantity:     d.Quantity,
		TotalPrice:   d.TotalPrice,
		WeightGrams:  d.WeightGrams,
		DownloadURL:  d.DownloadURL,
		AccessExpiry: d.AccessExpiry,
		IsDelivered:  d.IsDelivered,
		DeliveredAt:  d.DeliveredAt,
	}
}

func (d bookDocument) toDomain(id string) domain.Book {
	return domain.Book{
		ID:          id,
		Title:       d.Title,
		Author:      d.Author,
		Type:        domain.ProductType(d.Type),
		Price:       d.Price,
		Currency:    d.Currency,
		Stock:       d.Stock,
		WeightGrams: d.WeightGrams,
		AssetPath:   d.AssetPath,
		IsPublished: d.IsPublished,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// pageCursor positions a createdAt+docID ordered query. The encoded
// form is the shared pagination token so every list endpoint hands out
// tokens with the same shape.
type pageCursor struct {
	ID        string
	CreatedAt time.Time
}

func encodePageCursor(cursor pageCursor) (string, error) {
	return pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{cursor.CreatedAt.UTC().Format(time.RFC3339Nano), cursor.ID},
	})
}

func decodePageCursor(encoded string) (*pageCursor, error) {
	decoded, err := pagination.DecodeToken(encoded)
	if err != nil {
		return nil, err
	}
	if len(decoded.StartAfter) != 2 {
		return nil, fmt.Errorf("%w: unexpected cursor shape", pagination.ErrInvalidPageToken)
	}
	rawTime, okTime := decoded.StartAfter[0].(string)
	id, okID := decoded.StartAfter[1].(string)
	if !okTime || !okID || id == "" {
		return nil, fmt.Errorf("%w: unexpected cursor values", pagination.ErrInvalidPageToken)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pagination.ErrInvalidPageToken, err)
	}
	return &pageCursor{ID: id, CreatedAt: createdAt}, nil
}

func wrapOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	return pfirestore.WrapError(op, err)
}
