package repositories

import (
	"context"
	"time"

	domain "github.com/darmolhimon/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Books() BookRepository
	Orders() OrderRepository
	OrderItems() OrderItemRepository
	Payments() PaymentRepository
	Shipping() ShippingRepository
	Settings() SettingsRepository
	Reviews() ReviewRepository
	AuditLogs() AuditLogRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// BookRepository reads catalog records. Stock mutation happens only
// through the order repository's transactional operations.
type BookRepository interface {
	FindByID(ctx context.Context, bookID string) (domain.Book, error)
	FindMany(ctx context.Context, bookIDs []string) (map[string]domain.Book, error)
	List(ctx context.Context, filter BookListFilter) (domain.CursorPage[domain.Book], error)
}

// OrderRepository persists order headers and owns the stock reservation
// transaction: order, items, and stock decrements commit atomically.
type OrderRepository interface {
	// CreateWithReservation reads current stock for every line, fails the
	// whole transaction if any book is missing or short, then writes the
	// decremented stock together with the order and item documents.
	// Conflicting commits are retried internally before surfacing.
	CreateWithReservation(ctx context.Context, order domain.Order, items []domain.OrderItem) (domain.Order, []domain.OrderItem, error)
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	Stats(ctx context.Context, filter OrderStatsFilter) (domain.OrderStats, error)
	// DeleteWithItems removes the order and its item documents in one
	// transaction. Used by the checkout compensation path and by admin
	// cascade deletion.
	DeleteWithItems(ctx context.Context, orderID string) error
	// RestoreStock transactionally increments stock for the given lines.
	// Used when cancelling an order and by the explicit admin release
	// operation.
	RestoreStock(ctx context.Context, lines []StockAdjustment) error
	// ReserveStock transactionally decrements stock for the given lines,
	// failing with a StockError when any book is missing or short. Used
	// when lines are added to an existing order.
	ReserveStock(ctx context.Context, lines []StockAdjustment) error
}

// StockAdjustment identifies a stock increment applied during
// cancellation or an administrative release.
type StockAdjustment struct {
	BookID   string
	Quantity int
}

// OrderItemRepository reads and mutates item documents after creation.
type OrderItemRepository interface {
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderItem, error)
	Update(ctx context.Context, item domain.OrderItem) error
	Insert(ctx context.Context, item domain.OrderItem) error
	Delete(ctx context.Context, orderID string, itemID string) error
}

// PaymentRepository stores payment attempt records referencing orders.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	Update(ctx context.Context, payment domain.Payment) error
	FindByID(ctx context.Context, paymentID string) (domain.Payment, error)
	FindByOrder(ctx context.Context, orderID string) (domain.Payment, error)
	// FindByIntentID resolves the payment owning a provider intent. The
	// stored provider name travels with the record so callers never have
	// to guess the provider from the intent id shape.
	FindByIntentID(ctx context.Context, intentID string) (domain.Payment, error)
	Delete(ctx context.Context, paymentID string) error
}

// ShippingRepository stores physical fulfilment records.
type ShippingRepository interface {
	Insert(ctx context.Context, shipping domain.Shipping) error
	Update(ctx context.Context, shipping domain.Shipping) error
	FindByID(ctx context.Context, shippingID string) (domain.Shipping, error)
	FindByOrder(ctx context.Context, orderID string) (domain.Shipping, error)
	Delete(ctx context.Context, shippingID string) error
}

// SettingsRepository reads and writes the store settings singleton.
type SettingsRepository interface {
	Get(ctx context.Context) (domain.StoreSettings, error)
	Save(ctx context.Context, settings domain.StoreSettings) (domain.StoreSettings, error)
}

// ReviewRepository stores per-order customer reviews. Insert enforces
// the one-review-per-order constraint with a conflict error.
type ReviewRepository interface {
	Insert(ctx context.Context, review domain.Review) (domain.Review, error)
	FindByID(ctx context.Context, reviewID string) (domain.Review, error)
	FindByOrder(ctx context.Context, orderID string) (domain.Review, error)
	ListByUser(ctx context.Context, userID string, pagination domain.Pagination) (domain.CursorPage[domain.Review], error)
	UpdateStatus(ctx context.Context, reviewID string, status domain.ReviewStatus, update ReviewModerationUpdate) (domain.Review, error)
	UpdateReply(ctx context.Context, reviewID string, reply *domain.ReviewReply, updatedAt time.Time) (domain.Review, error)
}

// ReviewModerationUpdate records who moderated a review and when.
type ReviewModerationUpdate struct {
	ModeratedBy string
	ModeratedAt time.Time
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type BookListFilter struct {
	Types         []domain.ProductType
	OnlyPublished bool
	Pagination    domain.Pagination
}

type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	Stage      *domain.Stage
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type OrderStatsFilter struct {
	DateRange domain.RangeQuery[time.Time]
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}
