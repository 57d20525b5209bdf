package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/darmolhimon/api/internal/domain"
	pfirestore "github.com/darmolhimon/api/internal/platform/firestore"
)

const shippingCollection = "shipping"

// ShippingRepository stores physical fulfilment records.
type ShippingRepository struct {
	provider *pfirestore.Provider
	shipping *pfirestore.BaseRepository[shippingDocument]
}

// NewShippingRepository constructs the repository bound to the shipping collection.
func NewShippingRepository(provider *pfirestore.Provider) (*ShippingRepository, error) {
	if provider == nil {
		return nil, errors.New("shipping repository requires firestore provider")
	}
	return &ShippingRepository{
		provider: provider,
		shipping: pfirestore.NewBaseRepository[shippingDocument](provider, shippingCollection, nil, nil),
	}, nil
}

// Insert writes a new shipping document.
func (r *ShippingRepository) Insert(ctx context.Context, shipping domain.Shipping) error {
	if r == nil || r.shipping == nil {
		return errors.New("shipping repository not initialised")
	}
	if strings.TrimSpace(shipping.ID) == "" {
		return errors.New("shipping insert: shipping id is required")
	}
	_, err := r.shipping.Set(ctx, shipping.ID, newShippingDocument(shipping))
	return pfirestore.WrapError("shipping.insert", err)
}

// Update rewrites a shipping document.
func (r *ShippingRepository) Update(ctx context.Context, shipping domain.Shipping) error {
	if r == nil || r.shipping == nil {
		return errors.New("shipping repository not initialised")
	}
	if strings.TrimSpace(shipping.ID) == "" {
		return errors.New("shipping update: shipping id is required")
	}
	_, err := r.shipping.Set(ctx, shipping.ID, newShippingDocument(shipping))
	return pfirestore.WrapError("shipping.update", err)
}

// FindByID loads one shipping record.
func (r *ShippingRepository) FindByID(ctx context.Context, shippingID string) (domain.Shipping, error) {
	if r == nil || r.shipping == nil {
		return domain.Shipping{}, errors.New("shipping repository not initialised")
	}
	shippingID = strings.TrimSpace(shippingID)
	if shippingID == "" {
		return domain.Shipping{}, errors.New("shipping find: shipping id is required")
	}
	doc, err := r.shipping.Get(ctx, shippingID)
	if err != nil {
		return domain.Shipping{}, pfirestore.WrapError("shipping.findByID", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByOrder loads the shipping record for an order.
func (r *ShippingRepository) FindByOrder(ctx context.Context, orderID string) (domain.Shipping, error) {
	if r == nil || r.provider == nil {
		return domain.Shipping{}, errors.New("shipping repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Shipping{}, errors.New("shipping find: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Shipping{}, pfirestore.WrapError("shipping.findByOrder", err)
	}

	iter := client.Collection(shippingCollection).Where("orderId", "==", orderID).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Shipping{}, pfirestore.WrapError("shipping.findByOrder", status.Error(codes.NotFound, fmt.Sprintf("shipping for order %q not found", orderID)))
	}
	if err != nil {
		return domain.Shipping{}, pfirestore.WrapError("shipping.findByOrder", err)
	}
	var doc shippingDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Shipping{}, fmt.Errorf("decode shipping %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// Delete removes a shipping record.
func (r *ShippingRepository) Delete(ctx context.Context, shippingID string) error {
	if r == nil || r.shipping == nil {
		return errors.New("shipping repository not initialised")
	}
	shippingID = strings.TrimSpace(shippingID)
	if shippingID == "" {
		return errors.New("shipping delete: shipping id is required")
	}
	ref, err := r.shipping.DocumentRef(ctx, shippingID)
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	return pfirestore.WrapError("shipping.delete", err)
}

type shippingDocument struct {
	OrderID            string                      `firestore:"orderId"`
	Address            addressDocument             `firestore:"shippingAddress"`
	Method             string                      `firestore:"shippingMethod"`
	Cost               int64                       `firestore:"shippingCost"`
	PackageWeightGrams int                         `firestore:"packageWeightGrams,omitempty"`
	PackageDimensions  *packageDimensionsDocument  `firestore:"packageDimensions,omitempty"`
	TrackingNumber     string                      `firestore:"trackingNumber,omitempty"`
	TrackingURL        string                      `firestore:"trackingUrl,omitempty"`
	Status             string                      `firestore:"status"`
	StatusHistory      []shippingEventDocument     `firestore:"statusHistory"`
	EstimatedDays      int                         `firestore:"estimatedDays,omitempty"`
	CreatedAt          time.Time                   `firestore:"createdAt"`
	UpdatedAt          time.Time                   `firestore:"updatedAt"`
}

type packageDimensionsDocument struct {
	LengthCm float64 `firestore:"lengthCm"`
	WidthCm  float64 `firestore:"widthCm"`
	HeightCm float64 `firestore:"heightCm"`
}

type shippingEventDocument struct {
	Status     string    `firestore:"status"`
	Notes      string    `firestore:"notes,omitempty"`
	OccurredAt time.Time `firestore:"occurredAt"`
}

func newShippingDocument(shipping domain.Shipping) shippingDocument {
	history := make([]shippingEventDocument, len(shipping.StatusHistory))
	for i, event := range shipping.StatusHistory {
		history[i] = shippingEventDocument{
			Status:     string(event.Status),
			Notes:      event.Notes,
			OccurredAt: event.OccurredAt.UTC(),
		}
	}
	var dims *packageDimensionsDocument
	if shipping.PackageDimensions != nil {
		dims = &packageDimensionsDocument{
			LengthCm: shipping.PackageDimensions.LengthCm,
			WidthCm:  shipping.PackageDimensions.WidthCm,
			HeightCm: shipping.PackageDimensions.HeightCm,
		}
	}
	addr := newAddressDocument(&shipping.Address)
	return shippingDocument{
		OrderID:            strings.TrimSpace(shipping.OrderID),
		Address:            *addr,
		Method:             strings.TrimSpace(shipping.Method),
		Cost:               shipping.Cost,
		PackageWeightGrams: shipping.PackageWeightGrams,
		PackageDimensions:  dims,
		TrackingNumber:     strings.TrimSpace(shipping.TrackingNumber),
		TrackingURL:        strings.TrimSpace(shipping.TrackingURL),
		Status:             string(shipping.Status),
		StatusHistory:      history,
		EstimatedDays:      shipping.EstimatedDays,
		CreatedAt:          shipping.CreatedAt.UTC(),
		UpdatedAt:          shipping.UpdatedAt.UTC(),
	}
}

func (d shippingDocument) toDomain(id string) domain.Shipping {
	history := make([]domain.ShippingEvent, len(d.StatusHistory))
	for i, event := range d.StatusHistory {
		history[i] = domain.ShippingEvent{
			Status:     domain.ShippingStatus(event.Status),
			Notes:      event.Notes,
			OccurredAt: event.OccurredAt,
		}
	}
	var dims *domain.PackageDimensions
	if d.PackageDimensions != nil {
		dims = &domain.PackageDimensions{
			LengthCm: d.PackageDimensions.LengthCm,
			WidthCm:  d.PackageDimensions.WidthCm,
			HeightCm: d.PackageDimensions.HeightCm,
		}
	}
	addr := d.Address.toDomain()
	return domain.Shipping{
		ID:                 id,
		OrderID:            d.OrderID,
		Address:            *addr,
		Method:             d.Method,
		Cost:               d.Cost,
		PackageWeightGrams: d.PackageWeightGrams,
		PackageDimensions:  dims,
		TrackingNumber:     d.TrackingNumber,
		TrackingURL:        d.TrackingURL,
		Status:             domain.ShippingStatus(d.Status),
		StatusHistory:      history,
		EstimatedDays:      d.EstimatedDays,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}
