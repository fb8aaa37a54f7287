// store.go implements Store, the synchronous façade over the audit
// repository. All paths that persist or read audit records go through it:
// the async writer, the query API, and the backup exporter's restore path.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/clinistock/audit-engine/internal/apperrors"
	"github.com/clinistock/audit-engine/internal/db/models"
	"github.com/clinistock/audit-engine/internal/db/repositories"
	"github.com/clinistock/audit-engine/internal/telemetry"
)

// Query pagination bounds.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
)

// Repository is the slice of the audit repository the store depends on.
type Repository interface {
	Append(ctx context.Context, rec *models.AuditRecord) error
	List(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditRecord, int, error)
	GetByID(ctx context.Context, id string) (*models.AuditRecord, error)
	Summary(ctx context.Context, tenantID *string, start, end time.Time) (*repositories.AuditSummary, error)
}

// Store validates and persists audit records, and answers queries over them.
type Store struct {
	repo Repository
}

// NewStore creates a new audit store on top of the given repository.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// Append validates and persists one record. A failed insert is retried once
// before the error is surfaced; the caller decides whether the loss is fatal
// (synchronous restore) or merely counted (async capture).
func (s *Store) Append(ctx context.Context, rec *models.AuditRecord) error {
	if rec == nil {
		return apperrors.NewValidation("record", "must not be nil")
	}
	if rec.Action == "" {
		return apperrors.NewValidation("action", "must not be empty")
	}
	if rec.ResourceType == "" {
		return apperrors.NewValidation("resource_type", "must not be empty")
	}
	if rec.TenantID == "" {
		return apperrors.NewValidation("tenant_id", "must not be empty")
	}
	if rec.Failed() && rec.ErrorDetail == nil {
		return apperrors.NewValidation("error_detail", "required for failed operations")
	}

	err := s.repo.Append(ctx, rec)
	if err == nil {
		return nil
	}

	telemetry.AuditAppendRetriesTotal.Inc()
	slog.Warn("audit append failed, retrying once", "action", rec.Action, "error", err)

	if err := s.repo.Append(ctx, rec); err != nil {
		return apperrors.NewStorage("audit.append", err)
	}
	return nil
}

// Query lists records matching the filters, newest first, and returns the
// total match count alongside the page.
func (s *Store) Query(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditRecord, int, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	if offset < 0 {
		offset = 0
	}
	if filters.OccurredAfter != nil && filters.OccurredBefore != nil &&
		filters.OccurredAfter.After(*filters.OccurredBefore) {
		return nil, 0, apperrors.NewValidation("occurred_after", "must not be after occurred_before")
	}

	records, total, err := s.repo.List(ctx, filters, limit, offset)
	if err != nil {
		return nil, 0, apperrors.NewStorage("audit.query", err)
	}
	return records, total, nil
}

// GetByID returns one record, or NotFoundError when no record has the id.
func (s *Store) GetByID(ctx context.Context, id string) (*models.AuditRecord, error) {
	if id == "" {
		return nil, apperrors.NewValidation("id", "must not be empty")
	}
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperrors.NewStorage("audit.get", err)
	}
	if rec == nil {
		return nil, &apperrors.NotFoundError{Resource: "audit_record", ID: id}
	}
	return rec, nil
}

// ResourceTrail returns the full audit history of one resource, newest first.
func (s *Store) ResourceTrail(ctx context.Context, resourceType, resourceID string, limit, offset int) ([]*models.AuditRecord, int, error) {
	if resourceType == "" {
		return nil, 0, apperrors.NewValidation("resource_type", "must not be empty")
	}
	if resourceID == "" {
		return nil, 0, apperrors.NewValidation("resource_id", "must not be empty")
	}
	return s.Query(ctx, repositories.AuditFilters{
		ResourceType: &resourceType,
		ResourceID:   &resourceID,
	}, limit, offset)
}

// Summary aggregates counts by action and by outcome over [start, end].
func (s *Store) Summary(ctx context.Context, tenantID *string, start, end time.Time) (*repositories.AuditSummary, error) {
	if start.IsZero() || end.IsZero() {
		return nil, apperrors.NewValidation("range", "start and end are required")
	}
	if start.After(end) {
		return nil, apperrors.NewValidation("range", "start must not be after end")
	}
	summary, err := s.repo.Summary(ctx, tenantID, start, end)
	if err != nil {
		return nil, apperrors.NewStorage("audit.summary", err)
	}
	return summary, nil
}
