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

const paymentsCollection = "payments"

// PaymentRepository stores payment attempt records referencing orders.
type PaymentRepository struct {
	provider *pfirestore.Provider
	payments *pfirestore.BaseRepository[paymentDocument]
}

// NewPaymentRepository constructs the repository bound to the payments collection.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	return &PaymentRepository{
		provider: provider,
		payments: pfirestore.NewBaseRepository[paymentDocument](provider, paymentsCollection, nil, nil),
	}, nil
}

// Insert writes a new payment document.
func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	if r == nil || r.payments == nil {
		return errors.New("payment repository not initialised")
	}
	if strings.TrimSpace(payment.ID) == "" {
		return errors.New("payment insert: payment id is required")
	}
	_, err := r.payments.Set(ctx, payment.ID, newPaymentDocument(payment))
	return pfirestore.WrapError("payments.insert", err)
}

// Update rewrites a payment document.
func (r *PaymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	if r == nil || r.payments == nil {
		return errors.New("payment repository not initialised")
	}
	if strings.TrimSpace(payment.ID) == "" {
		return errors.New("payment update: payment id is required")
	}
	_, err := r.payments.Set(ctx, payment.ID, newPaymentDocument(payment))
	return pfirestore.WrapError("payments.update", err)
}

// FindByID loads one payment record.
func (r *PaymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	if r == nil || r.payments == nil {
		return domain.Payment{}, errors.New("payment repository not initialised")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return domain.Payment{}, errors.New("payment find: payment id is required")
	}
	doc, err := r.payments.Get(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, pfirestore.WrapError("payments.findByID", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByOrder loads the payment record for an order.
func (r *PaymentRepository) FindByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	return r.findOne(ctx, "orderId", strings.TrimSpace(orderID), "payments.findByOrder")
}

// FindByIntentID resolves the payment record holding a provider intent.
func (r *PaymentRepository) FindByIntentID(ctx context.Context, intentID string) (domain.Payment, error) {
	return r.findOne(ctx, "intentId", strings.TrimSpace(intentID), "payments.findByIntentID")
}

func (r *PaymentRepository) findOne(ctx context.Context, field, value, op string) (domain.Payment, error) {
	if r == nil || r.provider == nil {
		return domain.Payment{}, errors.New("payment repository not initialised")
	}
	if value == "" {
		return domain.Payment{}, fmt.Errorf("%s: lookup value is required", op)
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Payment{}, pfirestore.WrapError(op, err)
	}

	iter := client.Collection(paymentsCollection).Where(field, "==", value).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Payment{}, pfirestore.WrapError(op, status.Error(codes.NotFound, fmt.Sprintf("payment with %s %q not found", field, value)))
	}
	if err != nil {
		return domain.Payment{}, pfirestore.WrapError(op, err)
	}
	var doc paymentDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Payment{}, fmt.Errorf("decode payment %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// Delete removes a payment record. Used only by admin cascade deletion.
func (r *PaymentRepository) Delete(ctx context.Context, paymentID string) error {
	if r == nil || r.payments == nil {
		return errors.New("payment repository not initialised")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return errors.New("payment delete: payment id is required")
	}
	ref, err := r.payments.DocumentRef(ctx, paymentID)
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	return pfirestore.WrapError("payments.delete", err)
}

type paymentDocument struct {
	OrderID         string         `firestore:"orderId"`
	Provider        string         `firestore:"provider"`
	IntentID        string         `firestore:"intentId,omitempty"`
	Method          string         `firestore:"paymentMethod,omitempty"`
	Status          string         `firestore:"paymentStatus"`
	Amount          int64          `firestore:"amount"`
	Currency        string         `firestore:"currency"`
	TransactionID   string         `firestore:"transactionId,omitempty"`
	GatewayResponse map[string]any `firestore:"gatewayResponse,omitempty"`
	FeeAmount       int64          `firestore:"feeAmount,omitempty"`
	RefundedAmount  int64          `firestore:"refundedAmount,omitempty"`
	RefundReason    *string        `firestore:"refundReason,omitempty"`
	RefundedAt      *time.Time     `firestore:"refundedAt,omitempty"`
	CreatedAt       time.Time      `firestore:"createdAt"`
	UpdatedAt       time.Time      `firestore:"updatedAt"`
}

func newPaymentDocument(payment domain.Payment) paymentDocument {
	return paymentDocument{
		OrderID:         strings.TrimSpace(payment.OrderID),
		Provider:        strings.ToLower(strings.TrimSpace(payment.Provider)),
		IntentID:        strings.TrimSpace(payment.IntentID),
		Method:          strings.TrimSpace(payment.Method),
		Status:          string(payment.Status),
		Amount:          payment.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(payment.Currency)),
		TransactionID:   strings.TrimSpace(payment.TransactionID),
		GatewayResponse: payment.GatewayResponse,
		FeeAmount:       payment.FeeAmount,
		RefundedAmount:  payment.RefundedAmount,
		RefundReason:    payment.RefundReason,
		RefundedAt:      payment.RefundedAt,
		CreatedAt:       payment.CreatedAt.UTC(),
		UpdatedAt:       payment.UpdatedAt.UTC(),
	}
}

func (d paymentDocument) toDomain(id string) domain.Payment {
	return domain.Payment{
		ID:              id,
		OrderID:         d.OrderID,
		Provider:        d.Provider,
		IntentID:        d.IntentID,
		Method:          d.Method,
		Status:          domain.PaymentStatus(d.Status),
		Amount:          d.Amount,
		Currency:        d.Currency,
		TransactionID:   d.TransactionID,
		GatewayResponse: d.GatewayResponse,
		FeeAmount:       d.FeeAmount,
		RefundedAmount:  d.RefundedAmount,
		RefundReason:    d.RefundReason,
		RefundedAt:      d.RefundedAt,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}
