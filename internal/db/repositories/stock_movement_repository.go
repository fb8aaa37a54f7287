// stock_movement_repository.go implements StockMovementRepository, the
// time-series store for inventory quantity deltas. Movements are insert-only
// like audit records; corrections are modelled as adjustment movements, never
// as updates.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/clinistock/audit-engine/internal/db/models"
)

// StockMovementRepository handles stock movement database operations
type StockMovementRepository struct {
	db *sqlx.DB
}

// NewStockMovementRepository creates a new StockMovementRepository
func NewStockMovementRepository(db *sqlx.DB) *StockMovementRepository {
	return &StockMovementRepository{db: db}
}

// MovementFilters contains filters for querying stock movements
type MovementFilters struct {
	TenantID     *string
	ProductID    *string
	ActorID      *string
	PatientID    *string
	RequestID    *string
	MovementType *string
	Start        *time.Time
	End          *time.Time
}

// MovementTypeStat aggregates one movement type over a range.
type MovementTypeStat struct {
	Count         int   `json:"count"`
	QuantityTotal int64 `json:"quantity_total"`
}

// MovementStats aggregates movements over a time range.
type MovementStats struct {
	ByType   map[string]MovementTypeStat `json:"by_type"`
	TotalIn  int64                       `json:"total_in"`
	TotalOut int64                       `json:"total_out"`
}

const movementColumns = `id, tenant_id, product_id, movement_type, quantity_delta,
	occurred_at, actor_id, patient_id, request_id, notes`

// Create inserts a new stock movement row.
func (r *StockMovementRepository) Create(ctx context.Context, m *models.StockMovement) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.OccurredAt.IsZero() {
		m.OccurredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO stock_movements (id, tenant_id, product_id, movement_type, quantity_delta,
			occurred_at, actor_id, patient_id, request_id, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		m.ID,
		m.TenantID,
		m.ProductID,
		m.MovementType,
		m.QuantityDelta,
		m.OccurredAt,
		m.ActorID,
		m.PatientID,
		m.RequestID,
		m.Notes,
	)

	return err
}

// List retrieves stock movements with optional filters and pagination, ordered
// by occurred_at descending with an id tie-breaker for stable paging.
func (r *StockMovementRepository) List(ctx context.Context, filters MovementFilters, limit, offset int) ([]*models.StockMovement, int, error) {
	countQuery := `SELECT COUNT(*) FROM stock_movements WHERE 1=1`
	query := `SELECT ` + movementColumns + ` FROM stock_movements WHERE 1=1`

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
	if filters.ProductID != nil {
		addFilter(` AND product_id = $%d`, *filters.ProductID)
	}
	if filters.ActorID != nil {
		addFilter(` AND actor_id = $%d`, *filters.ActorID)
	}
	if filters.PatientID != nil {
		addFilter(` AND patient_id = $%d`, *filters.PatientID)
	}
	if filters.RequestID != nil {
		addFilter(` AND request_id = $%d`, *filters.RequestID)
	}
	if filters.MovementType != nil {
		addFilter(` AND movement_type = $%d`, *filters.MovementType)
	}
	if filters.Start != nil {
		addFilter(` AND occurred_at >= $%d`, *filters.Start)
	}
	if filters.End != nil {
		addFilter(` AND occurred_at <= $%d`, *filters.End)
	}

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

	movements := make([]*models.StockMovement, 0)
	for rows.Next() {
		m := &models.StockMovement{}
		err := rows.Scan(
			&m.ID,
			&m.TenantID,
			&m.ProductID,
			&m.MovementType,
			&m.QuantityDelta,
			&m.OccurredAt,
			&m.ActorID,
			&m.PatientID,
			&m.RequestID,
			&m.Notes,
		)
		if err != nil {
			return nil, 0, err
		}
		movements = append(movements, m)
	}

	return movements, total, rows.Err()
}

// GetByID retrieves a single stock movement by ID. Returns (nil, nil) when no
// row matches.
func (r *StockMovementRepository) GetByID(ctx context.Context, id string) (*models.StockMovement, error) {
	query := `SELECT ` + movementColumns + ` FROM stock_movements WHERE id = $1`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	m := &models.StockMovement{}
	err = rows.Scan(
		&m.ID,
		&m.TenantID,
		&m.ProductID,
		&m.MovementType,
		&m.QuantityDelta,
		&m.OccurredAt,
		&m.ActorID,
		&m.PatientID,
		&m.RequestID,
		&m.Notes,
	)
	if err != nil {
		return nil, err
	}
	return m, rows.Err()
}

// Stats aggregates movements in [start, end] by type, plus total units in and
// out. Aggregation happens in SQL so the call stays cheap on large ledgers.
func (r *StockMovementRepository) Stats(ctx context.Context, tenantID *string, start, end time.Time) (*MovementStats, error) {
	stats := &MovementStats{ByType: make(map[string]MovementTypeStat)}

	where := ` WHERE occurred_at >= $1 AND occurred_at <= $2`
	args := []interface{}{start, end}
	if tenantID != nil {
		where += ` AND tenant_id = $3`
		args = append(args, *tenantID)
	}

	query := `
		SELECT movement_type, COUNT(*), COALESCE(SUM(quantity_delta), 0)
		FROM stock_movements` + where + `
		GROUP BY movement_type`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var movementType string
		var count int
		var quantityTotal int64
		if err := rows.Scan(&movementType, &count, &quantityTotal); err != nil {
			return nil, err
		}
		stats.ByType[movementType] = MovementTypeStat{Count: count, QuantityTotal: quantityTotal}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Totals are split on row sign, not movement type, because adjustments
	// carry either sign.
	totalsQuery := `
		SELECT
			COALESCE(SUM(quantity_delta) FILTER (WHERE quantity_delta > 0), 0),
			COALESCE(-SUM(quantity_delta) FILTER (WHERE quantity_delta < 0), 0)
		FROM stock_movements` + where

	if err := r.db.QueryRowContext(ctx, totalsQuery, args...).Scan(&stats.TotalIn, &stats.TotalOut); err != nil {
		return nil, err
	}

	return stats, nil
}
