// flag_repository.go implements FlagRepository, the store for suspicious
// activity flags raised by the detector. Acknowledgement is the only update
// the table ever sees.
package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/clinistock/audit-engine/internal/apperrors"
	"github.com/clinistock/audit-engine/internal/db/models"
)

// FlagRepository handles suspicious flag database operations
type FlagRepository struct {
	db *sqlx.DB
}

// NewFlagRepository creates a new FlagRepository
func NewFlagRepository(db *sqlx.DB) *FlagRepository {
	return &FlagRepository{db: db}
}

// FlagFilters contains filters for querying suspicious flags
type FlagFilters struct {
	ActorID      *string
	TriggerRule  *string
	Severity     *string
	Acknowledged *bool
	CreatedAfter *time.Time
}

const flagColumns = `id, actor_id, window_start, window_end, trigger_rule, record_ids,
	severity, acknowledged, acknowledged_by, acknowledged_at, created_at`

// Create inserts a new flag row.
func (r *FlagRepository) Create(ctx context.Context, f *models.SuspiciousActivityFlag) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	recordIDs, err := json.Marshal(f.RecordIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal record ids: %w", err)
	}

	query := `
		INSERT INTO suspicious_flags (id, actor_id, window_start, window_end, trigger_rule,
			record_ids, severity, acknowledged, acknowledged_by, acknowledged_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		f.ID,
		f.ActorID,
		f.WindowStart,
		f.WindowEnd,
		f.TriggerRule,
		recordIDs,
		f.Severity,
		f.Acknowledged,
		f.AcknowledgedBy,
		f.AcknowledgedAt,
		f.CreatedAt,
	)

	return err
}

// List retrieves flags with optional filters, newest first.
func (r *FlagRepository) List(ctx context.Context, filters FlagFilters, limit, offset int) ([]*models.SuspiciousActivityFlag, int, error) {
	countQuery := `SELECT COUNT(*) FROM suspicious_flags WHERE 1=1`
	query := `SELECT ` + flagColumns + ` FROM suspicious_flags WHERE 1=1`

	args := make([]interface{}, 0)
	paramIndex := 1

	addFilter := func(clause string, value interface{}) {
		cond := fmt.Sprintf(clause, paramIndex)
		countQuery += cond
		query += cond
		args = append(args, value)
		paramIndex++
	}

	if filters.ActorID != nil {
		addFilter(` AND actor_id = $%d`, *filters.ActorID)
	}
	if filters.TriggerRule != nil {
		addFilter(` AND trigger_rule = $%d`, *filters.TriggerRule)
	}
	if filters.Severity != nil {
		addFilter(` AND severity = $%d`, *filters.Severity)
	}
	if filters.Acknowledged != nil {
		addFilter(` AND acknowledged = $%d`, *filters.Acknowledged)
	}
	if filters.CreatedAfter != nil {
		addFilter(` AND created_at >= $%d`, *filters.CreatedAfter)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	flags := make([]*models.SuspiciousActivityFlag, 0)
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, 0, err
		}
		flags = append(flags, f)
	}

	return flags, total, rows.Err()
}

// GetByID retrieves a single flag by ID. Returns (nil, nil) when no row
// matches.
func (r *FlagRepository) GetByID(ctx context.Context, id string) (*models.SuspiciousActivityFlag, error) {
	query := `SELECT ` + flagColumns + ` FROM suspicious_flags WHERE id = $1`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	f, err := scanFlag(rows)
	if err != nil {
		return nil, err
	}
	return f, rows.Err()
}

// HasUnacknowledgedOverlap reports whether an unacknowledged flag already
// exists for the same actor and rule with a window overlapping
// [windowStart, windowEnd]. Used by the detector to suppress duplicate flags.
func (r *FlagRepository) HasUnacknowledgedOverlap(ctx context.Context, actorID, rule string, windowStart, windowEnd time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM suspicious_flags
			WHERE actor_id = $1
			  AND trigger_rule = $2
			  AND NOT acknowledged
			  AND window_end >= $3
			  AND window_start <= $4
		)
	`

	var exists bool
	err := r.db.QueryRowContext(ctx, query, actorID, rule, windowStart, windowEnd).Scan(&exists)
	return exists, err
}

// Acknowledge marks a flag acknowledged by the given operator. Acknowledging
// an already-acknowledged flag is a no-op that still succeeds.
func (r *FlagRepository) Acknowledge(ctx context.Context, id, acknowledgedBy string) error {
	query := `
		UPDATE suspicious_flags
		SET acknowledged = TRUE,
		    acknowledged_by = COALESCE(acknowledged_by, $2),
		    acknowledged_at = COALESCE(acknowledged_at, $3)
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, acknowledgedBy, time.Now().UTC())
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &apperrors.NotFoundError{Resource: "suspicious_flag", ID: id}
	}
	return nil
}

func scanFlag(row rowScanner) (*models.SuspiciousActivityFlag, error) {
	f := &models.SuspiciousActivityFlag{}
	var recordIDs []byte

	err := row.Scan(
		&f.ID,
		&f.ActorID,
		&f.WindowStart,
		&f.WindowEnd,
		&f.TriggerRule,
		&recordIDs,
		&f.Severity,
		&f.Acknowledged,
		&f.AcknowledgedBy,
		&f.AcknowledgedAt,
		&f.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(recordIDs) > 0 {
		if err := json.Unmarshal(recordIDs, &f.RecordIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record ids: %w", err)
		}
	}
	return f, nil
}
