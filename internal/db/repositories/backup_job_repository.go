// backup_job_repository.go implements BackupJobRepository. Status transitions
// are guarded in the UPDATE statements themselves so a stale caller can never
// move a job backwards or reopen a terminal one.
package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/clinistock/audit-engine/internal/db/models"
)

// BackupJobRepository handles backup job database operations
type BackupJobRepository struct {
	db *sqlx.DB
}

// NewBackupJobRepository creates a new BackupJobRepository
func NewBackupJobRepository(db *sqlx.DB) *BackupJobRepository {
	return &BackupJobRepository{db: db}
}

const backupJobColumns = `id, started_at, completed_at, status, output_location,
	bytes_written, error, triggered_by, retention_deadline, cancel_requested`

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation. The single-active-job index surfaces concurrent starts this way.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Create inserts a new backup job in the initiated status. The partial unique
// index on active jobs rejects the insert when another job already holds the
// slot; callers detect that with IsUniqueViolation.
func (r *BackupJobRepository) Create(ctx context.Context, j *models.BackupJob) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.StartedAt.IsZero() {
		j.StartedAt = time.Now().UTC()
	}
	if j.Status == "" {
		j.Status = models.BackupInitiated
	}

	query := `
		INSERT INTO backup_jobs (id, started_at, completed_at, status, output_location,
			bytes_written, error, triggered_by, retention_deadline, cancel_requested)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		j.ID,
		j.StartedAt,
		j.CompletedAt,
		j.Status,
		j.OutputLocation,
		j.BytesWritten,
		j.Error,
		j.TriggeredBy,
		j.RetentionDeadline,
		j.CancelRequested,
	)

	return err
}

// GetActive retrieves the job currently holding the active slot, or (nil, nil)
// when no backup is in flight.
func (r *BackupJobRepository) GetActive(ctx context.Context) (*models.BackupJob, error) {
	query := `SELECT ` + backupJobColumns + ` FROM backup_jobs
		WHERE status IN ('initiated', 'running')`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	j, err := scanBackupJob(rows)
	if err != nil {
		return nil, err
	}
	return j, rows.Err()
}

// GetByID retrieves a backup job by ID. Returns (nil, nil) when no row
// matches.
func (r *BackupJobRepository) GetByID(ctx context.Context, id string) (*models.BackupJob, error) {
	query := `SELECT ` + backupJobColumns + ` FROM backup_jobs WHERE id = $1`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	j, err := scanBackupJob(rows)
	if err != nil {
		return nil, err
	}
	return j, rows.Err()
}

// ListRecent retrieves the most recently started jobs.
func (r *BackupJobRepository) ListRecent(ctx context.Context, limit int) ([]*models.BackupJob, error) {
	query := `SELECT ` + backupJobColumns + ` FROM backup_jobs
		ORDER BY started_at DESC LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]*models.BackupJob, 0)
	for rows.Next() {
		j, err := scanBackupJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

// MarkRunning transitions a job from initiated to running. Returns false when
// the job was not in the initiated status.
func (r *BackupJobRepository) MarkRunning(ctx context.Context, id string) (bool, error) {
	query := `UPDATE backup_jobs SET status = 'running' WHERE id = $1 AND status = 'initiated'`
	return r.guardedUpdate(ctx, query, id)
}

// MarkSucceeded transitions a running job to succeeded, recording where the
// export landed and how large it was.
func (r *BackupJobRepository) MarkSucceeded(ctx context.Context, id, outputLocation string, bytesWritten int64) (bool, error) {
	query := `
		UPDATE backup_jobs
		SET status = 'succeeded', output_location = $2, bytes_written = $3, completed_at = $4
		WHERE id = $1 AND status = 'running'
	`
	result, err := r.db.ExecContext(ctx, query, id, outputLocation, bytesWritten, time.Now().UTC())
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// MarkFailed transitions an active job to failed with the given error detail.
// Failure is reachable from both initiated and running.
func (r *BackupJobRepository) MarkFailed(ctx context.Context, id, errorDetail string) (bool, error) {
	query := `
		UPDATE backup_jobs
		SET status = 'failed', error = $2, completed_at = $3
		WHERE id = $1 AND status IN ('initiated', 'running')
	`
	result, err := r.db.ExecContext(ctx, query, id, errorDetail, time.Now().UTC())
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// RequestCancel sets the advisory cancel marker on an active job.
func (r *BackupJobRepository) RequestCancel(ctx context.Context, id string) (bool, error) {
	query := `UPDATE backup_jobs SET cancel_requested = TRUE
		WHERE id = $1 AND status IN ('initiated', 'running')`
	return r.guardedUpdate(ctx, query, id)
}

func (r *BackupJobRepository) guardedUpdate(ctx context.Context, query, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanBackupJob(row rowScanner) (*models.BackupJob, error) {
	j := &models.BackupJob{}
	err := row.Scan(
		&j.ID,
		&j.StartedAt,
		&j.CompletedAt,
		&j.Status,
		&j.OutputLocation,
		&j.BytesWritten,
		&j.Error,
		&j.TriggeredBy,
		&j.RetentionDeadline,
		&j.CancelRequested,
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}
