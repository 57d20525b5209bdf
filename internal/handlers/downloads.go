package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/darmolhimon/api/internal/platform/httpx"
	"github.com/darmolhimon/api/internal/services"
)

const (
	defaultDownloadRateLimit  = 30
	defaultDownloadRateWindow = time.Minute
)

// DownloadHandlers redeems digital access tokens. The endpoint is public
// because the token itself is the credential, so it is rate limited per
// client address.
type DownloadHandlers struct {
	downloads services.DownloadService
	limiter   rateLimiter
}

// DownloadHandlerOption customises download handler construction.
type DownloadHandlerOption func(*DownloadHandlers)

// WithDownloadRateLimiter overrides the per-client redemption limiter.
func WithDownloadRateLimiter(limiter rateLimiter) DownloadHandlerOption {
	return func(h *DownloadHandlers) {
		h.limiter = limiter
	}
}

// WithDownloadRateLimit replaces the default limiter with one allowing
// limit redemptions per client address within each window.
func WithDownloadRateLimit(limit int, window time.Duration) DownloadHandlerOption {
	return func(h *DownloadHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewDownloadHandlers constructs download handlers with a default
// per-address rate limiter.
func NewDownloadHandlers(downloads services.DownloadService, opts ...DownloadHandlerOption) *DownloadHandlers {
	h := &DownloadHandlers{
		downloads: downloads,
		limiter:   newSimpleRateLimiter(defaultDownloadRateLimit, defaultDownloadRateWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the public token redemption endpoint.
func (h *DownloadHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{token}", h.redeemToken)
}

type downloadLinkResponse struct {
	URL       string `json:"url"`
	ExpiresAt string `json:"expires_at"`
}

func (h *DownloadHandlers) redeemToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.limiter != nil && !h.limiter.Allow(clientAddress(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many download requests", http.StatusTooManyRequests))
		return
	}

	token := strings.TrimSpace(chi.URLParam(r, "token"))
	link, err := h.downloads.RedeemDownloadToken(ctx, token)
	if err != nil {
		writeDownloadError(ctx, w, err)
		return
	}

	// Browsers follow the redirect straight into the signed storage URL;
	// API clients can opt into a JSON body instead.
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSONResponse(w, http.StatusOK, downloadLinkResponse{
			URL:       link.URL,
			ExpiresAt: formatTime(link.ExpiresAt),
		})
		return
	}
	http.Redirect(w, r, link.URL, http.StatusFound)
}

func clientAddress(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			forwarded = forwarded[:idx]
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeDownloadError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrDownloadInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrDownloadTokenInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("download_token_invalid", "download token is invalid or expired", http.StatusForbidden))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("download_error", "failed to process download request", http.StatusInternalServerError))
	}
}
