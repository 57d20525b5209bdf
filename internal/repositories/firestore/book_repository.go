package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/darmolhimon/api/internal/domain"
	pfirestore "github.com/darmolhimon/api/internal/platform/firestore"
	"github.com/darmolhimon/api/internal/repositories"
)

// BookRepository reads catalog documents. It never mutates stock; that
// is the order repository's job inside its reservation transaction.
type BookRepository struct {
	provider *pfirestore.Provider
	books    *pfirestore.BaseRepository[bookDocument]
}

// NewBookRepository constructs the repository bound to the books collection.
func NewBookRepository(provider *pfirestore.Provider) (*BookRepository, error) {
	if provider == nil {
		return nil, errors.New("book repository requires firestore provider")
	}
	return &BookRepository{
		provider: provider,
		books:    pfirestore.NewBaseRepository[bookDocument](provider, booksCollection, nil, nil),
	}, nil
}

// FindByID loads a single book.
func (r *BookRepository) FindByID(ctx context.Context, bookID string) (domain.Book, error) {
	if r == nil || r.books == nil {
		return domain.Book{}, errors.New("book repository not initialised")
	}
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return domain.Book{}, errors.New("book find: book id is required")
	}
	doc, err := r.books.Get(ctx, bookID)
	if err != nil {
		return domain.Book{}, pfirestore.WrapError("books.findByID", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindMany loads a set of books keyed by id. Missing ids are simply
// absent from the returned map; callers decide whether that is fatal.
func (r *BookRepository) FindMany(ctx context.Context, bookIDs []string) (map[string]domain.Book, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("book repository not initialised")
	}
	out := make(map[string]domain.Book, len(bookIDs))
	if len(bookIDs) == 0 {
		return out, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("books.findMany", err)
	}

	refs := make([]*firestore.DocumentRef, 0, len(bookIDs))
	for _, id := range bookIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		refs = append(refs, client.Collection(booksCollection).Doc(id))
	}

	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("books.findMany", err)
	}
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var doc bookDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode book %s: %w", snap.Ref.ID, err)
		}
		out[snap.Ref.ID] = doc.toDomain(snap.Ref.ID)
	}
	return out, nil
}

// List returns a page of catalog entries.
func (r *BookRepository) List(ctx context.Context, filter repositories.BookListFilter) (domain.CursorPage[domain.Book], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Book]{}, errors.New("book repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Book]{}, pfirestore.WrapError("books.list", err)
	}

	query := client.Collection(booksCollection).Query
	if filter.OnlyPublished {
		query = query.Where("isPublished", "==", true)
	}
	if len(filter.Types) == 1 {
		query = query.Where("type", "==", string(filter.Types[0]))
	} else if len(filter.Types) > 1 {
		values := make([]any, 0, len(filter.Types))
		for _, t := range filter.Types {
			values = append(values, string(t))
		}
		query = query.Where("type", "in", values)
	}
	query = query.OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		query = query.StartAfter(token)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var books []domain.Book
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Book]{}, pfirestore.WrapError("books.list", err)
		}
		var doc bookDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Book]{}, fmt.Errorf("decode book %s: %w", snap.Ref.ID, err)
		}
		books = append(books, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(books) > pageSize
	if hasMore {
		books = books[:pageSize]
	}
	var nextToken string
	if hasMore && len(books) > 0 {
		nextToken = books[len(books)-1].ID
	}
	return domain.CursorPage[domain.Book]{Items: books, NextPageToken: nextToken}, nil
}
