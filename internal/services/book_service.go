package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/repositories"
)

var (
	// ErrBookInvalidInput signals the caller provided invalid data.
	ErrBookInvalidInput = errors.New("book: invalid input")
	// ErrBookNotFound indicates the book could not be located.
	ErrBookNotFound = errors.New("book: not found")
)

// BookServiceDeps bundles collaborators required to construct the book service.
type BookServiceDeps struct {
	Books  repositories.BookRepository
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type bookService struct {
	books  repositories.BookRepository
	logger func(context.Context, string, map[string]any)
}

// NewBookService wires dependencies into a concrete BookService implementation.
func NewBookService(deps BookServiceDeps) (BookService, error) {
	if deps.Books == nil {
		return nil, errors.New("book service: book repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &bookService{books: deps.Books, logger: logger}, nil
}

func (s *bookService) GetBook(ctx context.Context, bookID string) (Book, error) {
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return Book{}, fmt.Errorf("%w: book id is required", ErrBookInvalidInput)
	}
	book, err := s.books.FindByID(ctx, bookID)
	if err != nil {
		if isNotFound(err) {
			return Book{}, fmt.Errorf("%w: %s", ErrBookNotFound, bookID)
		}
		return Book{}, err
	}
	return book, nil
}

func (s *bookService) ListBooks(ctx context.Context, filter BookListFilter) (domain.CursorPage[Book], error) {
	return s.books.List(ctx, repositories.BookListFilter{
		Types:         filter.Types,
		OnlyPublished: filter.OnlyPublished,
		Pagination:    filter.Pagination,
	})
}
