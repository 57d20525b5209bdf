package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/darmolhimon/api/internal/platform/httpx"
	"github.com/darmolhimon/api/internal/services"
)

// AuditLogHandlers exposes the staff-facing audit trail. Records are
// written by the services themselves; this surface is read-only.
type AuditLogHandlers struct {
	audit services.AuditLogService
}

// NewAuditLogHandlers constructs audit log handlers.
func NewAuditLogHandlers(audit services.AuditLogService) *AuditLogHandlers {
	return &AuditLogHandlers{audit: audit}
}

// AdminRoutes registers back-office audit endpoints.
func (h *AuditLogHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/audit-logs", h.listAuditLogs)
}

func (h *AuditLogHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.audit == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_implemented", "audit logs are not available", http.StatusNotImplemented))
		return
	}

	filter, ok := parseAuditLogFilter(w, r)
	if !ok {
		return
	}

	page, err := h.audit.List(ctx, filter)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_error", "could not list audit logs", http.StatusInternalServerError))
		return
	}

	entries := make([]auditLogEntryPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		entries = append(entries, buildAuditLogEntryPayload(entry))
	}
	writeJSONResponse(w, http.StatusOK, auditLogListResponse{
		Entries:       entries,
		NextPageToken: page.NextPageToken,
	})
}

func parseAuditLogFilter(w http.ResponseWriter, r *http.Request) (services.AuditLogFilter, bool) {
	ctx := r.Context()
	query := r.URL.Query()

	filter := services.AuditLogFilter{
		TargetRef: strings.TrimSpace(query.Get("target_ref")),
		Actor:     strings.TrimSpace(query.Get("actor")),
		ActorType: strings.TrimSpace(query.Get("actor_type")),
		Action:    strings.TrimSpace(query.Get("action")),
	}
	filter.Pagination.PageToken = strings.TrimSpace(query.Get("page_token"))
	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be a non-negative integer", http.StatusBadRequest))
			return services.AuditLogFilter{}, false
		}
		filter.Pagination.PageSize = size
	}

	if from, ok := parseTimeParam(r, "from"); ok {
		filter.DateRange.From = &from
	}
	if to, ok := parseTimeParam(r, "to"); ok {
		filter.DateRange.To = &to
	}

	return filter, true
}

type auditLogEntryPayload struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	ActorType string         `json:"actor_type"`
	Action    string         `json:"action"`
	TargetRef string         `json:"target_ref,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Diff      map[string]any `json:"diff,omitempty"`
	IPHash    string         `json:"ip_hash,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type auditLogListResponse struct {
	Entries       []auditLogEntryPayload `json:"entries"`
	NextPageToken string                 `json:"next_page_token,omitempty"`
}

func buildAuditLogEntryPayload(entry services.AuditLogEntry) auditLogEntryPayload {
	return auditLogEntryPayload{
		ID:        entry.ID,
		Actor:     entry.Actor,
		ActorType: entry.ActorType,
		Action:    entry.Action,
		TargetRef: entry.TargetRef,
		Metadata:  entry.Metadata,
		Diff:      entry.Diff,
		IPHash:    entry.IPHash,
		UserAgent: entry.UserAgent,
		Severity:  entry.Severity,
		RequestID: entry.RequestID,
		CreatedAt: formatTime(entry.CreatedAt),
	}
}
