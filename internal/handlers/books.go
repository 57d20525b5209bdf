package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/platform/httpx"
	"github.com/darmolhimon/api/internal/services"
)

// BookHandlers serves the public storefront catalog.
type BookHandlers struct {
	books services.BookService
}

// NewBookHandlers constructs catalog handlers.
func NewBookHandlers(books services.BookService) *BookHandlers {
	return &BookHandlers{books: books}
}

// Routes registers public catalog endpoints. Only published books are
// listed; unpublished documents stay invisible to the storefront.
func (h *BookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listBooks)
	r.Get("/{bookID}", h.getBook)
}

type bookPayload struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Author      string `json:"author,omitempty"`
	Type        string `json:"type"`
	Price       int64  `json:"price"`
	Currency    string `json:"currency"`
	InStock     bool   `json:"in_stock"`
	WeightGrams int    `json:"weight_grams,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type bookListResponse struct {
	Books         []bookPayload `json:"books"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}

func buildBookPayload(book services.Book) bookPayload {
	return bookPayload{
		ID:          book.ID,
		Title:       book.Title,
		Author:      book.Author,
		Type:        string(book.Type),
		Price:       book.Price,
		Currency:    book.Currency,
		InStock:     book.Type.IsDigital() || book.Stock > 0,
		WeightGrams: book.WeightGrams,
		CreatedAt:   formatTime(book.CreatedAt),
		UpdatedAt:   formatTime(book.UpdatedAt),
	}
}

func (h *BookHandlers) listBooks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := services.BookListFilter{
		OnlyPublished: true,
		Pagination: domain.Pagination{
			PageToken: strings.TrimSpace(r.URL.Query().Get("page_token")),
		},
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("page_size")); raw != "" {
		if size, err := strconv.Atoi(raw); err == nil {
			filter.Pagination.PageSize = size
		}
	}
	for _, raw := range r.URL.Query()["type"] {
		if kind := strings.TrimSpace(raw); kind != "" {
			filter.Types = append(filter.Types, domain.ProductType(kind))
		}
	}

	page, err := h.books.ListBooks(ctx, filter)
	if err != nil {
		writeBookError(ctx, w, err)
		return
	}

	books := make([]bookPayload, len(page.Items))
	for i, book := range page.Items {
		books[i] = buildBookPayload(book)
	}
	writeJSONResponse(w, http.StatusOK, bookListResponse{
		Books:         books,
		NextPageToken: page.NextPageToken,
	})
}

func (h *BookHandlers) getBook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	book, err := h.books.GetBook(ctx, chi.URLParam(r, "bookID"))
	if err != nil {
		writeBookError(ctx, w, err)
		return
	}
	if !book.IsPublished {
		httpx.WriteError(ctx, w, httpx.NewError("book_not_found", "book not found", http.StatusNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, buildBookPayload(book))
}

func writeBookError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrBookInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrBookNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("book_not_found", "book not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "failed to process catalog request", http.StatusInternalServerError))
	}
}
