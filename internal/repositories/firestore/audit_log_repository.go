package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/darmolhimon/api/internal/domain"
	pfirestore "github.com/darmolhimon/api/internal/platform/firestore"
	"github.com/darmolhimon/api/internal/repositories"
)

const auditLogsCollection = "audit_logs"

// AuditLogRepository persists immutable audit log entries for admin
// actions.
type AuditLogRepository struct {
	provider *pfirestore.Provider
	entries  *pfirestore.BaseRepository[auditLogDocument]
}

// NewAuditLogRepository constructs the repository bound to the
// audit_logs collection.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository requires firestore provider")
	}
	return &AuditLogRepository{
		provider: provider,
		entries:  pfirestore.NewBaseRepository[auditLogDocument](provider, auditLogsCollection, nil, nil),
	}, nil
}

// Append writes a single entry. Entries are never updated or deleted.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if r == nil || r.entries == nil {
		return errors.New("audit log repository not initialised")
	}
	if strings.TrimSpace(entry.ID) == "" {
		return errors.New("audit log append: entry id is required")
	}
	_, err := r.entries.Set(ctx, entry.ID, newAuditLogDocument(entry))
	return pfirestore.WrapError("auditLogs.append", err)
}

// List returns a page of entries matching the filter, newest first.
func (r *AuditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, errors.New("audit log repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, pfirestore.WrapError("auditLogs.list", err)
	}

	query := client.Collection(auditLogsCollection).Query
	if target := strings.TrimSpace(filter.TargetRef); target != "" {
		query = query.Where("targetRef", "==", target)
	}
	if actor := strings.TrimSpace(filter.Actor); actor != "" {
		query = query.Where("actor", "==", actor)
	}
	if actorType := strings.TrimSpace(filter.ActorType); actorType != "" {
		query = query.Where("actorType", "==", actorType)
	}
	if action := strings.TrimSpace(filter.Action); action != "" {
		query = query.Where("action", "==", action)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodePageCursor(token)
		if err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, pfirestore.WrapError("auditLogs.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var entries []domain.AuditLogEntry
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, pfirestore.WrapError("auditLogs.list", err)
		}
		var doc auditLogDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, fmt.Errorf("decode audit log %s: %w", snap.Ref.ID, err)
		}
		entries = append(entries, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(entries) > pageSize
	if hasMore {
		entries = entries[:pageSize]
	}
	var nextToken string
	if hasMore && len(entries) > 0 {
		last := entries[len(entries)-1]
		encoded, err := encodePageCursor(pageCursor{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, pfirestore.WrapError("auditLogs.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.AuditLogEntry]{Items: entries, NextPageToken: nextToken}, nil
}

type auditLogDocument struct {
	Actor     string         `firestore:"actor"`
	ActorType string         `firestore:"actorType,omitempty"`
	Action    string         `firestore:"action"`
	TargetRef string         `firestore:"targetRef,omitempty"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	Diff      map[string]any `firestore:"diff,omitempty"`
	IPHash    string         `firestore:"ipHash,omitempty"`
	UserAgent string         `firestore:"userAgent,omitempty"`
	Severity  string         `firestore:"severity,omitempty"`
	RequestID string         `firestore:"requestId,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

func newAuditLogDocument(entry domain.AuditLogEntry) auditLogDocument {
	return auditLogDocument{
		Actor:     strings.TrimSpace(entry.Actor),
		ActorType: strings.TrimSpace(entry.ActorType),
		Action:    strings.TrimSpace(entry.Action),
		TargetRef: strings.TrimSpace(entry.TargetRef),
		Metadata:  entry.Metadata,
		Diff:      entry.Diff,
		IPHash:    entry.IPHash,
		UserAgent: entry.UserAgent,
		Severity:  entry.Severity,
		RequestID: entry.RequestID,
		CreatedAt: entry.CreatedAt.UTC(),
	}
}

func (d auditLogDocument) toDomain(id string) domain.AuditLogEntry {
	return domain.AuditLogEntry{
		ID:        id,
		Actor:     d.Actor,
		ActorType: d.ActorType,
		Action:    d.Action,
		TargetRef: d.TargetRef,
		Metadata:  d.Metadata,
		Diff:      d.Diff,
		IPHash:    d.IPHash,
		UserAgent: d.UserAgent,
		Severity:  d.Severity,
		RequestID: d.RequestID,
		CreatedAt: d.CreatedAt,
	}
}
