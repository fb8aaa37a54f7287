// audit_repository.go implements AuditRepository, the append-only store for
// audit records. Writes are insert-only; there is no update or delete path for
// this table by design.
package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/clinistock/audit-engine/internal/db/models"
)

// AuditRepository handles audit record database operations
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit records
type AuditFilters struct {
	TenantID       *string
	ActorID        *string
	Action         *string
	ResourceType   *string
	ResourceID     *string
	Success        *bool
	OccurredAfter  *time.Time
	OccurredBefore *time.Time
}

// AuditSummary aggregates a time range of audit records.
type AuditSummary struct {
	CountsByAction  map[string]int `json:"counts_by_action"`
	CountsByOutcome map[string]int `json:"counts_by_outcome"`
	TotalCount      int            `json:"total_count"`
}

const auditColumns = `id, tenant_id, actor_id, action, resource_type, resource_id,
	before_state, after_state, client_ip, user_agent, occurred_at, success, error_detail, metadata`

// Append inserts a new audit record. ID and OccurredAt are assigned here when
// the caller left them zero so every row carries both.
func (r *AuditRepository) Append(ctx context.Context, rec *models.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}

	beforeJSON, err := marshalJSONB(rec.BeforeState)
	if err != nil {
		return fmt.Errorf("marshal before_state: %w", err)
	}
	afterJSON, err := marshalJSONB(rec.AfterState)
	if err != nil {
		return fmt.Errorf("marshal after_state: %w", err)
	}
	metadataJSON, err := marshalJSONB(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO audit_records (id, tenant_id, actor_id, action, resource_type, resource_id,
			before_state, after_state, client_ip, user_agent, occurred_at, success, error_detail, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = r.db.ExecContext(ctx, query,
		rec.ID,
		rec.TenantID,
		rec.ActorID,
		rec.Action,
		rec.ResourceType,
		rec.ResourceID,
		beforeJSON,
		afterJSON,
		rec.ClientIP,
		rec.UserAgent,
		rec.OccurredAt,
		rec.Success,
		rec.ErrorDetail,
		metadataJSON,
	)

	return err
}

// List retrieves audit records with optional filters and pagination, ordered
// by occurred_at descending. The id tie-breaker keeps ordering stable across
// pages when many records share a timestamp.
func (r *AuditRepository) List(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditRecord, int, error) {
	countQuery := `SELECT COUNT(*) FROM audit_records WHERE 1=1`
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE 1=1`

	args := make([]interface{}, 0)
	paramIndex := 1

	addFilter := func(clause string, value interface{}) {
		cond := fmt.Sprintf(clause, paramIndex)
		countQuery += cond
		query += cond
		args = append(args, value)
		paramIndex++
	}

	if filters.TenantID != nil {
		addFilter(` AND tenant_id = $%d`, *filters.TenantID)
	}
	if filters.ActorID != nil {
		addFilter(` AND actor_id = $%d`, *filters.ActorID)
	}
	if filters.Action != nil {
		addFilter(` AND action = $%d`, *filters.Action)
	}
	if filters.ResourceType != nil {
		addFilter(` AND resource_type = $%d`, *filters.ResourceType)
	}
	if filters.ResourceID != nil {
		addFilter(` AND resource_id = $%d`, *filters.ResourceID)
	}
	if filters.Success != nil {
		addFilter(` AND success = $%d`, *filters.Success)
	}
	if filters.OccurredAfter != nil {
		addFilter(` AND occurred_at >= $%d`, *filters.OccurredAfter)
	}
	if filters.OccurredBefore != nil {
		addFilter(` AND occurred_at <= $%d`, *filters.OccurredBefore)
	}

	// Get total count
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	records := make([]*models.AuditRecord, 0)
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}

	return records, total, rows.Err()
}

// GetByID retrieves a single audit record by ID. Returns (nil, nil) when no
// record matches.
func (r *AuditRepository) GetByID(ctx context.Context, id string) (*models.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE id = $1`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanAuditRecord(rows)
	if err != nil {
		return nil, err
	}
	return rec, rows.Err()
}

// Summary aggregates record counts for a time range in the database rather
// than enumerating rows client-side, so it stays cheap at large volumes.
func (r *AuditRepository) Summary(ctx context.Context, tenantID *string, start, end time.Time) (*AuditSummary, error) {
	summary := &AuditSummary{
		CountsByAction:  make(map[string]int),
		CountsByOutcome: make(map[string]int),
	}

	where := ` WHERE occurred_at >= $1 AND occurred_at <= $2`
	args := []interface{}{start, end}
	if tenantID != nil {
		where += ` AND tenant_id = $3`
		args = append(args, *tenantID)
	}

	actionQuery := `SELECT action, COUNT(*) FROM audit_records` + where + ` GROUP BY action`
	rows, err := r.db.QueryContext(ctx, actionQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		summary.CountsByAction[action] = count
		summary.TotalCount += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	outcomeQuery := `SELECT success, COUNT(*) FROM audit_records` + where + ` GROUP BY success`
	outcomeRows, err := r.db.QueryContext(ctx, outcomeQuery, args...)
	if err != nil {
		return nil, err
	}
	defer outcomeRows.Close()
	for outcomeRows.Next() {
		var success bool
		var count int
		if err := outcomeRows.Scan(&success, &count); err != nil {
			return nil, err
		}
		if success {
			summary.CountsByOutcome["success"] = count
		} else {
			summary.CountsByOutcome["failure"] = count
		}
	}

	return summary, outcomeRows.Err()
}

// ListBetween returns all records in [start, end) ordered oldest-first. Used
// by the backup exporter (period export) and the detector (trailing window).
func (r *AuditRepository) ListBetween(ctx context.Context, start, end time.Time) ([]*models.AuditRecord, error) {
	query := `SELECT ` + auditColumns + `
		FROM audit_records
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*models.AuditRecord, 0)
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// RestoreBatch reinserts records from a backup payload, skipping ids that
// already exist so a restore over a partially-intact table is idempotent.
// Returns the number of rows actually inserted.
func (r *AuditRepository) RestoreBatch(ctx context.Context, records []*models.AuditRecord) (int, error) {
	restored := 0
	for _, rec := range records {
		beforeJSON, err := marshalJSONB(rec.BeforeState)
		if err != nil {
			return restored, fmt.Errorf("marshal before_state: %w", err)
		}
		afterJSON, err := marshalJSONB(rec.AfterState)
		if err != nil {
			return restored, fmt.Errorf("marshal after_state: %w", err)
		}
		metadataJSON, err := marshalJSONB(rec.Metadata)
		if err != nil {
			return restored, fmt.Errorf("marshal metadata: %w", err)
		}

		res, err := r.db.ExecContext(ctx, `
			INSERT INTO audit_records (id, tenant_id, actor_id, action, resource_type, resource_id,
				before_state, after_state, client_ip, user_agent, occurred_at, success, error_detail, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO NOTHING`,
			rec.ID, rec.TenantID, rec.ActorID, rec.Action, rec.ResourceType, rec.ResourceID,
			beforeJSON, afterJSON, rec.ClientIP, rec.UserAgent, rec.OccurredAt,
			rec.Success, rec.ErrorDetail, metadataJSON,
		)
		if err != nil {
			return restored, err
		}
		if n, err := res.RowsAffected(); err == nil {
			restored += int(n)
		}
	}
	return restored, nil
}

// rowScanner is satisfied by both *sql.Rows and *sql.Row.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditRecord(row rowScanner) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{}
	var beforeJSON, afterJSON, metadataJSON []byte

	err := row.Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.ActorID,
		&rec.Action,
		&rec.ResourceType,
		&rec.ResourceID,
		&beforeJSON,
		&afterJSON,
		&rec.ClientIP,
		&rec.UserAgent,
		&rec.OccurredAt,
		&rec.Success,
		&rec.ErrorDetail,
		&metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSONB(beforeJSON, &rec.BeforeState); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(afterJSON, &rec.AfterState); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(metadataJSON, &rec.Metadata); err != nil {
		return nil, err
	}

	return rec, nil
}

func marshalJSONB(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalJSONB(data []byte, dest *map[string]interface{}) error {
	if data == nil {
		return nil
	}
	return json.Unmarshal(data, dest)
}
