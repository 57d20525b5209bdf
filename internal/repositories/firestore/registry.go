package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/darmolhimon/api/internal/platform/firestore"
	"github.com/darmolhimon/api/internal/repositories"
)

// Registry bundles the Firestore backed repositories behind the
// repositories.Registry interface for dependency injection.
type Registry struct {
	provider *pfirestore.Provider

	books     *BookRepository
	orders    *OrderRepository
	items     *OrderItemRepository
	payments  *PaymentRepository
	shipping  *ShippingRepository
	settings  *SettingsRepository
	reviews   *ReviewRepository
	auditLogs *AuditLogRepository
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// RegistryDeps carries the external dependencies for NewRegistry.
type RegistryDeps struct {
	Provider *pfirestore.Provider
	Health   repositories.HealthRepository
}

// NewRegistry constructs every Firestore repository against the shared
// provider.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.Provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}
	if deps.Health == nil {
		return nil, errors.New("registry requires health repository")
	}

	books, err := NewBookRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	items, err := NewOrderItemRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	payments, err := NewPaymentRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	shipping, err := NewShippingRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	settings, err := NewSettingsRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	reviews, err := NewReviewRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	auditLogs, err := NewAuditLogRepository(deps.Provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:  deps.Provider,
		books:     books,
		orders:    orders,
		items:     items,
		payments:  payments,
		shipping:  shipping,
		settings:  settings,
		reviews:   reviews,
		auditLogs: auditLogs,
		health:    deps.Health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Books() repositories.BookRepository           { return r.books }
func (r *Registry) Orders() repositories.OrderRepository         { return r.orders }
func (r *Registry) OrderItems() repositories.OrderItemRepository { return r.items }
func (r *Registry) Payments() repositories.PaymentRepository     { return r.payments }
func (r *Registry) Shipping() repositories.ShippingRepository    { return r.shipping }
func (r *Registry) Settings() repositories.SettingsRepository    { return r.settings }
func (r *Registry) Reviews() repositories.ReviewRepository       { return r.reviews }
func (r *Registry) AuditLogs() repositories.AuditLogRepository   { return r.auditLogs }
func (r *Registry) Health() repositories.HealthRepository        { return r.health }

// RunInTx invokes fn directly. Multi-document atomicity is owned by the
// repository methods themselves (CreateWithReservation, DeleteWithItems,
// RestoreStock), which each open their own Firestore transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	return fn(ctx)
}
