// Package ledger implements the stock movement ledger: a signed record of
// every inventory quantity change, kept independently of the audit trail so
// that time-series stock queries never have to parse audit payloads.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinistock/audit-engine/internal/apperrors"
	"github.com/clinistock/audit-engine/internal/audit"
	"github.com/clinistock/audit-engine/internal/db/models"
	"github.com/clinistock/audit-engine/internal/db/repositories"
)

// Query paging bounds, shared with the audit store so operator tooling sees
// one consistent page size contract.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
)

// Repository is the persistence surface the ledger needs.
type Repository interface {
	Create(ctx context.Context, m *models.StockMovement) error
	List(ctx context.Context, filters repositories.MovementFilters, limit, offset int) ([]*models.StockMovement, int, error)
	GetByID(ctx context.Context, id string) (*models.StockMovement, error)
	Stats(ctx context.Context, tenantID *string, start, end time.Time) (*repositories.MovementStats, error)
}

// Ledger validates and records stock movements. Movements are usually
// recorded alongside an audit record describing the same business action;
// the ledger emits that companion record itself when a capture is attached.
type Ledger struct {
	repo    Repository
	capture *audit.Capture
}

// NewLedger creates a ledger. capture may be nil, in which case movements
// are persisted without companion audit records.
func NewLedger(repo Repository, capture *audit.Capture) *Ledger {
	return &Ledger{repo: repo, capture: capture}
}

// MovementInput carries the caller-supplied fields of one movement.
type MovementInput struct {
	TenantID      string
	ProductID     string
	MovementType  string
	QuantityDelta int64
	ActorID       string
	PatientID     *string
	RequestID     *string
	Notes         string
	// OccurredAt defaults to now when zero.
	OccurredAt time.Time
}

// RecordMovement validates and persists one stock movement. The sign of
// QuantityDelta is constrained by the movement type: entries are strictly
// positive, exits strictly negative, adjustments any nonzero value.
func (l *Ledger) RecordMovement(ctx context.Context, rc audit.RequestContext, in MovementInput) (*models.StockMovement, error) {
	if err := validateInput(in); err != nil {
		l.recordAudit(rc, in, nil, err)
		return nil, err
	}

	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	movement := &models.StockMovement{
		ID:            uuid.New().String(),
		TenantID:      in.TenantID,
		ProductID:     in.ProductID,
		MovementType:  in.MovementType,
		QuantityDelta: in.QuantityDelta,
		OccurredAt:    occurred,
		ActorID:       in.ActorID,
		PatientID:     in.PatientID,
		RequestID:     in.RequestID,
		Notes:         in.Notes,
	}

	if err := l.repo.Create(ctx, movement); err != nil {
		wrapped := apperrors.NewStorage("ledger.record", err)
		l.recordAudit(rc, in, movement, wrapped)
		return nil, wrapped
	}

	l.recordAudit(rc, in, movement, nil)
	return movement, nil
}

// GetMovementsForProduct returns the movement history of one product, newest
// first. Start and end are optional range bounds.
func (l *Ledger) GetMovementsForProduct(ctx context.Context, tenantID, productID string, start, end *time.Time, limit, offset int) ([]*models.StockMovement, int, error) {
	if productID == "" {
		return nil, 0, apperrors.NewValidation("product_id", "is required")
	}
	filters := repositories.MovementFilters{
		ProductID: &productID,
		Start:     start,
		End:       end,
	}
	if tenantID != "" {
		filters.TenantID = &tenantID
	}
	return l.Query(ctx, filters, limit, offset)
}

// Query returns movements matching the filters, newest first.
func (l *Ledger) Query(ctx context.Context, filters repositories.MovementFilters, limit, offset int) ([]*models.StockMovement, int, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	if offset < 0 {
		offset = 0
	}
	if filters.Start != nil && filters.End != nil && filters.End.Before(*filters.Start) {
		return nil, 0, apperrors.NewValidation("date_range", "end must not precede start")
	}

	movements, total, err := l.repo.List(ctx, filters, limit, offset)
	if err != nil {
		return nil, 0, apperrors.NewStorage("ledger.query", err)
	}
	return movements, total, nil
}

// GetByID returns one movement or NotFoundError.
func (l *Ledger) GetByID(ctx context.Context, id string) (*models.StockMovement, error) {
	movement, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperrors.NewStorage("ledger.get", err)
	}
	if movement == nil {
		return nil, &apperrors.NotFoundError{Resource: "stock_movement", ID: id}
	}
	return movement, nil
}

// GetStats aggregates movements over [start, end): per-type counts and
// quantity totals plus the overall in/out split.
func (l *Ledger) GetStats(ctx context.Context, tenantID *string, start, end time.Time) (*repositories.MovementStats, error) {
	if start.IsZero() || end.IsZero() {
		return nil, apperrors.NewValidation("date_range", "start and end are required")
	}
	if end.Before(start) {
		return nil, apperrors.NewValidation("date_range", "end must not precede start")
	}
	stats, err := l.repo.Stats(ctx, tenantID, start, end)
	if err != nil {
		return nil, apperrors.NewStorage("ledger.stats", err)
	}
	return stats, nil
}

func validateInput(in MovementInput) error {
	if in.TenantID == "" {
		return apperrors.NewValidation("tenant_id", "is required")
	}
	if in.ProductID == "" {
		return apperrors.NewValidation("product_id", "is required")
	}
	if in.ActorID == "" {
		return apperrors.NewValidation("actor_id", "is required")
	}
	if !models.ValidMovementType(in.MovementType) {
		return apperrors.NewValidation("movement_type", fmt.Sprintf("unknown type %q", in.MovementType))
	}
	switch {
	case in.QuantityDelta == 0:
		return apperrors.NewValidation("quantity_delta", "must be nonzero")
	case in.MovementType == models.MovementEntry && in.QuantityDelta < 0:
		return apperrors.NewValidation("quantity_delta", "must be positive for entries")
	case in.MovementType == models.MovementExit && in.QuantityDelta > 0:
		return apperrors.NewValidation("quantity_delta", "must be negative for exits")
	}
	return nil
}

// recordAudit emits the companion audit record for a movement attempt.
func (l *Ledger) recordAudit(rc audit.RequestContext, in MovementInput, movement *models.StockMovement, opErr error) {
	if l.capture == nil {
		return
	}

	if rc.TenantID == "" {
		rc.TenantID = in.TenantID
	}
	if rc.ActorID == nil && in.ActorID != "" {
		actor := in.ActorID
		rc.ActorID = &actor
	}

	ev := audit.Event{
		Action:       "STOCK_" + in.MovementType,
		ResourceType: "PRODUCT",
		Success:      opErr == nil,
		Metadata: map[string]interface{}{
			"movement_type":  in.MovementType,
			"quantity_delta": in.QuantityDelta,
		},
	}
	if in.ProductID != "" {
		id := in.ProductID
		ev.ResourceID = &id
	}
	if movement != nil {
		ev.Metadata["movement_id"] = movement.ID
		ev.OccurredAt = movement.OccurredAt
	}
	if in.PatientID != nil {
		ev.Metadata["patient_id"] = *in.PatientID
	}
	if in.RequestID != nil {
		ev.Metadata["request_id"] = *in.RequestID
	}
	if opErr != nil {
		detail := opErr.Error()
		ev.ErrorDetail = &detail
	}

	l.capture.Record(rc, ev)
}
