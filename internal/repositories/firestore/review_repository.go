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
	"github.com/darmolhimon/api/internal/repositories"
)

const reviewsCollection = "reviews"

// ReviewRepository stores per-order customer reviews.
type ReviewRepository struct {
	provider *pfirestore.Provider
	reviews  *pfirestore.BaseRepository[reviewDocument]
}

// NewReviewRepository constructs the repository bound to the reviews collection.
func NewReviewRepository(provider *pfirestore.Provider) (*ReviewRepository, error) {
	if provider == nil {
		return nil, errors.New("review repository requires firestore provider")
	}
	return &ReviewRepository{
		provider: provider,
		reviews:  pfirestore.NewBaseRepository[reviewDocument](provider, reviewsCollection, nil, nil),
	}, nil
}

// Insert writes a new review, failing with a conflict when the order
// already has one.
func (r *ReviewRepository) Insert(ctx context.Context, review domain.Review) (domain.Review, error) {
	if r == nil || r.reviews == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	if strings.TrimSpace(review.ID) == "" {
		return domain.Review{}, errors.New("review insert: review id is required")
	}

	if existing, err := r.FindByOrder(ctx, review.OrderRef); err == nil {
		return domain.Review{}, pfirestore.WrapError("reviews.insert", status.Error(codes.AlreadyExists, fmt.Sprintf("order %q already reviewed by %s", review.OrderRef, existing.ID)))
	} else {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			return domain.Review{}, err
		}
	}

	doc := newReviewDocument(review)
	if _, err := r.reviews.Set(ctx, review.ID, doc); err != nil {
		return domain.Review{}, pfirestore.WrapError("reviews.insert", err)
	}
	return doc.toDomain(review.ID), nil
}

// FindByID loads one review.
func (r *ReviewRepository) FindByID(ctx context.Context, reviewID string) (domain.Review, error) {
	if r == nil || r.reviews == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	reviewID = strings.TrimSpace(reviewID)
	if reviewID == "" {
		return domain.Review{}, errors.New("review find: review id is required")
	}
	doc, err := r.reviews.Get(ctx, reviewID)
	if err != nil {
		return domain.Review{}, pfirestore.WrapError("reviews.findByID", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByOrder loads the review attached to an order.
func (r *ReviewRepository) FindByOrder(ctx context.Context, orderID string) (domain.Review, error) {
	if r == nil || r.provider == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Review{}, errors.New("review find: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Review{}, pfirestore.WrapError("reviews.findByOrder", err)
	}

	iter := client.Collection(reviewsCollection).Where("orderRef", "==", orderID).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Review{}, pfirestore.WrapError("reviews.findByOrder", status.Error(codes.NotFound, fmt.Sprintf("review for order %q not found", orderID)))
	}
	if err != nil {
		return domain.Review{}, pfirestore.WrapError("reviews.findByOrder", err)
	}
	var doc reviewDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Review{}, fmt.Errorf("decode review %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// ListByUser pages a user's reviews newest first.
func (r *ReviewRepository) ListByUser(ctx context.Context, userID string, pagination domain.Pagination) (domain.CursorPage[domain.Review], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Review]{}, errors.New("review repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CursorPage[domain.Review]{}, errors.New("review list: user id is required")
	}

	pageSize := pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Review]{}, pfirestore.WrapError("reviews.listByUser", err)
	}

	query := client.Collection(reviewsCollection).
		Where("userRef", "==", userID).
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(pagination.PageToken); token != "" {
		decoded, err := decodePageCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Review]{}, pfirestore.WrapError("reviews.listByUser", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var reviews []domain.Review
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Review]{}, pfirestore.WrapError("reviews.listByUser", err)
		}
		var doc reviewDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Review]{}, fmt.Errorf("decode review %s: %w", snap.Ref.ID, err)
		}
		reviews = append(reviews, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(reviews) > pageSize
	if hasMore {
		reviews = reviews[:pageSize]
	}
	var nextToken string
	if hasMore && len(reviews) > 0 {
		last := reviews[len(reviews)-1]
		encoded, err := encodePageCursor(pageCursor{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Review]{}, pfirestore.WrapError("reviews.listByUser", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Review]{Items: reviews, NextPageToken: nextToken}, nil
}

// UpdateStatus records a moderation decision.
func (r *ReviewRepository) UpdateStatus(ctx context.Context, reviewID string, reviewStatus domain.ReviewStatus, update repositories.ReviewModerationUpdate) (domain.Review, error) {
	if r == nil || r.reviews == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	reviewID = strings.TrimSpace(reviewID)
	if reviewID == "" {
		return domain.Review{}, errors.New("review update: review id is required")
	}

	doc, err := r.reviews.Get(ctx, reviewID)
	if err != nil {
		return domain.Review{}, pfirestore.WrapError("reviews.updateStatus", err)
	}

	data := doc.Data
	data.Status = string(reviewStatus)
	data.ModeratedBy = strings.TrimSpace(update.ModeratedBy)
	moderatedAt := update.ModeratedAt.UTC()
	data.ModeratedAt = &moderatedAt
	data.UpdatedAt = moderatedAt

	if _, err := r.reviews.Set(ctx, reviewID, data); err != nil {
		return domain.Review{}, pfirestore.WrapError("reviews.updateStatus", err)
	}
	return data.toDomain(reviewID), nil
}

// UpdateReply sets or clears the store reply on a review.
func (r *ReviewRepository) UpdateReply(ctx context.Context, reviewID string, reply *domain.ReviewReply, updatedAt time.Time) (domain.Review, error) {
	if r == nil || r.reviews == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	reviewID = strings.TrimSpace(reviewID)
	if reviewID == "" {
		return domain.Review{}, errors.New("review update: review id is required")
	}

	doc, err := r.reviews.Get(ctx, reviewID)
	if err != nil {
		return domain.Review{}, pfirestore.WrapError("reviews.updateReply", err)
	}

	data := doc.Data
	if reply == nil {
		data.Reply = nil
	} else {
		data.Reply = &reviewReplyDocument{
			Message:   reply.Message,
			AuthorRef: strings.TrimSpace(reply.AuthorRef),
			Visible:   reply.Visible,
			CreatedAt: reply.CreatedAt.UTC(),
			UpdatedAt: reply.UpdatedAt.UTC(),
		}
	}
	data.UpdatedAt = updatedAt.UTC()

	if _, err := r.reviews.Set(ctx, reviewID, data); err != nil {
		return domain.Review{}, pfirestore.WrapError("reviews.updateReply", err)
	}
	return data.toDomain(reviewID), nil
}

type reviewDocument struct {
	OrderRef    string                `firestore:"orderRef"`
	UserRef     string                `firestore:"userRef"`
	Rating      int                   `firestore:"rating"`
	Comment     string                `firestore:"comment"`
	Status      string                `firestore:"status"`
	Reply       *reviewReplyDocument  `firestore:"reply,omitempty"`
	ModeratedBy string                `firestore:"moderatedBy,omitempty"`
	ModeratedAt *time.Time            `firestore:"moderatedAt,omitempty"`
	CreatedAt   time.Time             `firestore:"createdAt"`
	UpdatedAt   time.Time             `firestore:"updatedAt"`
}

type reviewReplyDocument struct {
	Message   string    `firestore:"message"`
	AuthorRef string    `firestore:"authorRef"`
	Visible   bool      `firestore:"visible"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func newReviewDocument(review domain.Review) reviewDocument {
	doc := reviewDocument{
		OrderRef:  strings.TrimSpace(review.OrderRef),
		UserRef:   strings.TrimSpace(review.UserRef),
		Rating:    review.Rating,
		Comment:   review.Comment,
		Status:    string(review.Status),
		CreatedAt: review.CreatedAt.UTC(),
		UpdatedAt: review.UpdatedAt.UTC(),
	}
	if review.Reply != nil {
		doc.Reply = &reviewReplyDocument{
			Message:   review.Reply.Message,
			AuthorRef: strings.TrimSpace(review.Reply.AuthorRef),
			Visible:   review.Reply.Visible,
			CreatedAt: review.Reply.CreatedAt.UTC(),
			UpdatedAt: review.Reply.UpdatedAt.UTC(),
		}
	}
	if review.ModeratedBy != nil {
		doc.ModeratedBy = strings.TrimSpace(*review.ModeratedBy)
	}
	if review.ModeratedAt != nil {
		ts := review.ModeratedAt.UTC()
		doc.ModeratedAt = &ts
	}
	return doc
}

func (d reviewDocument) toDomain(id string) domain.Review {
	review := domain.Review{
		ID:        id,
		OrderRef:  d.OrderRef,
		UserRef:   d.UserRef,
		Rating:    d.Rating,
		Comment:   d.Comment,
		Status:    domain.ReviewStatus(d.Status),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.Reply != nil {
		review.Reply = &domain.ReviewReply{
			Message:   d.Reply.Message,
			AuthorRef: d.Reply.AuthorRef,
			Visible:   d.Reply.Visible,
			CreatedAt: d.Reply.CreatedAt,
			UpdatedAt: d.Reply.UpdatedAt,
		}
	}
	if d.ModeratedBy != "" {
		moderatedBy := d.ModeratedBy
		review.ModeratedBy = &moderatedBy
	}
	if d.ModeratedAt != nil {
		moderatedAt := *d.ModeratedAt
		review.ModeratedAt = &moderatedAt
	}
	return review
}
