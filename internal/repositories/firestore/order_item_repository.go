package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/iterator"

	domain "github.com/darmolhimon/api/internal/domain"
	pfirestore "github.com/darmolhimon/api/internal/platform/firestore"
)

// OrderItemRepository reads and mutates item documents after the
// reservation transaction created them.
type OrderItemRepository struct {
	provider *pfirestore.Provider
	items    *pfirestore.BaseRepository[orderItemDocument]
}

// NewOrderItemRepository constructs the repository bound to the
// order_items collection.
func NewOrderItemRepository(provider *pfirestore.Provider) (*OrderItemRepository, error) {
	if provider == nil {
		return nil, errors.New("order item repository requires firestore provider")
	}
	return &OrderItemRepository{
		provider: provider,
		items:    pfirestore.NewBaseRepository[orderItemDocument](provider, orderItemsCollection, nil, nil),
	}, nil
}

// ListByOrder returns all items referencing the given order.
func (r *OrderItemRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order item repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("order items: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("orderItems.listByOrder", err)
	}

	iter := client.Collection(orderItemsCollection).Where("orderId", "==", orderID).Documents(ctx)
	defer iter.Stop()

	var items []domain.OrderItem
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("orderItems.listByOrder", err)
		}
		var doc orderItemDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode order item %s: %w", snap.Ref.ID, err)
		}
		items = append(items, doc.toDomain(snap.Ref.ID))
	}
	return items, nil
}

// Insert writes a new item document.
func (r *OrderItemRepository) Insert(ctx context.Context, item domain.OrderItem) error {
	if r == nil || r.items == nil {
		return errors.New("order item repository not initialised")
	}
	if strings.TrimSpace(item.ID) == "" {
		return errors.New("order item insert: item id is required")
	}
	_, err := r.items.Set(ctx, item.ID, newOrderItemDocument(item))
	return pfirestore.WrapError("orderItems.insert", err)
}

// Update rewrites an item document, typically to record digital delivery.
func (r *OrderItemRepository) Update(ctx context.Context, item domain.OrderItem) error {
	if r == nil || r.items == nil {
		return errors.New("order item repository not initialised")
	}
	if strings.TrimSpace(item.ID) == "" {
		return errors.New("order item update: item id is required")
	}
	_, err := r.items.Set(ctx, item.ID, newOrderItemDocument(item))
	return pfirestore.WrapError("orderItems.update", err)
}

// Delete removes one item document after checking it belongs to the order.
func (r *OrderItemRepository) Delete(ctx context.Context, orderID string, itemID string) error {
	if r == nil || r.items == nil {
		return errors.New("order item repository not initialised")
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return errors.New("order item delete: item id is required")
	}
	doc, err := r.items.Get(ctx, itemID)
	if err != nil {
		return pfirestore.WrapError("orderItems.delete", err)
	}
	if !strings.EqualFold(doc.Data.OrderID, strings.TrimSpace(orderID)) {
		return pfirestore.WrapError("orderItems.delete", fmt.Errorf("item %s does not belong to order %s", itemID, orderID))
	}
	ref, err := r.items.DocumentRef(ctx, itemID)
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	return pfirestore.WrapError("orderItems.delete", err)
}
