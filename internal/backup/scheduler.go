// Package backup implements the backup engine: scheduled and manual exports
// of the audit trail to the object store, tracked as BackupJob rows moving
// through initiated, running, and a terminal succeeded or failed status. At
// most one job may be active at a time; concurrent triggers are rejected with
// ConflictError, never queued. Retention cleanup and admin-gated restore run
// through the same service.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/clinistock/audit-engine/internal/apperrors"
	"github.com/clinistock/audit-engine/internal/config"
	"github.com/clinistock/audit-engine/internal/db/models"
	"github.com/clinistock/audit-engine/internal/db/repositories"
	"github.com/clinistock/audit-engine/internal/safego"
	"github.com/clinistock/audit-engine/internal/storage"
	"github.com/clinistock/audit-engine/internal/telemetry"
)

// JobStore is the persistence surface for backup job state.
type JobStore interface {
	Create(ctx context.Context, j *models.BackupJob) error
	GetActive(ctx context.Context) (*models.BackupJob, error)
	GetByID(ctx context.Context, id string) (*models.BackupJob, error)
	ListRecent(ctx context.Context, limit int) ([]*models.BackupJob, error)
	MarkRunning(ctx context.Context, id string) (bool, error)
	MarkSucceeded(ctx context.Context, id, outputLocation string, bytesWritten int64) (bool, error)
	MarkFailed(ctx context.Context, id, errorDetail string) (bool, error)
	RequestCancel(ctx context.Context, id string) (bool, error)
}

// Status is the operator view of the backup subsystem.
type Status struct {
	CurrentJob *models.BackupJob   `json:"current_job,omitempty"`
	RecentJobs []*models.BackupJob `json:"recent_jobs"`
}

// CleanupSummary describes one retention cleanup pass.
type CleanupSummary struct {
	FilesDeleted int       `json:"files_deleted"`
	CutoffDate   time.Time `json:"cutoff_date"`
}

// RestoreSummary describes one completed restore.
type RestoreSummary struct {
	BackupPath      string `json:"backup_path"`
	RecordsInBackup int    `json:"records_in_backup"`
	RecordsRestored int    `json:"records_restored"`
}

// Scheduler owns the backup timers and the process-wide active-job slot.
// One live instance per deployment; distributed leader election is out of
// scope, so horizontally scaled deployments must run exactly one scheduler.
type Scheduler struct {
	jobs     JobStore
	exporter *Exporter
	store    storage.ObjectStore

	interval        time.Duration
	cleanupInterval time.Duration
	retention       time.Duration
	adminTokenHash  string
	enabled         bool

	stopChan chan struct{}
	stopped  bool
}

// NewScheduler builds a scheduler from config. Call Initialize before
// starting the schedule.
func NewScheduler(jobs JobStore, exporter *Exporter, store storage.ObjectStore, cfg *config.BackupConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 7 * 24 * time.Hour
	}
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = 30
	}

	return &Scheduler{
		jobs:            jobs,
		exporter:        exporter,
		store:           store,
		interval:        interval,
		cleanupInterval: cleanupInterval,
		retention:       time.Duration(retentionDays) * 24 * time.Hour,
		adminTokenHash:  cfg.AdminTokenHash,
		enabled:         cfg.Enabled,
		stopChan:        make(chan struct{}),
	}
}

// Initialize recovers from an unclean shutdown: any job left in a
// non-terminal status by a previous process is marked failed so the active
// slot is free before the schedule arms.
func (s *Scheduler) Initialize(ctx context.Context) error {
	stale, err := s.jobs.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("checking for stale backup job: %w", err)
	}
	if stale == nil {
		return nil
	}

	slog.Warn("failing stale backup job from previous run",
		"job_id", stale.ID, "status", stale.Status, "started_at", stale.StartedAt)
	if _, err := s.jobs.MarkFailed(ctx, stale.ID, "interrupted by process restart"); err != nil {
		return fmt.Errorf("failing stale backup job %s: %w", stale.ID, err)
	}
	return nil
}

// StartBackupSchedule arms the export and cleanup timers. No-op when the
// backup engine is disabled in config.
func (s *Scheduler) StartBackupSchedule(ctx context.Context) {
	if !s.enabled {
		slog.Info("backup scheduler disabled")
		return
	}

	safego.Go(func() {
		exportTicker := time.NewTicker(s.interval)
		defer exportTicker.Stop()
		cleanupTicker := time.NewTicker(s.cleanupInterval)
		defer cleanupTicker.Stop()

		slog.Info("backup scheduler started",
			"interval", s.interval,
			"cleanup_interval", s.cleanupInterval,
			"retention", s.retention)

		for {
			select {
			case <-exportTicker.C:
				if _, err := s.PerformBackup(ctx, models.TriggerSchedule); err != nil {
					if apperrors.IsConflict(err) {
						slog.Warn("scheduled backup skipped, another job is active")
					} else {
						slog.Error("scheduled backup failed", "error", err)
					}
				}
			case <-cleanupTicker.C:
				if summary, err := s.CleanupOldBackups(ctx); err != nil {
					slog.Error("retention cleanup failed", "error", err)
				} else {
					slog.Info("retention cleanup completed",
						"files_deleted", summary.FilesDeleted,
						"cutoff_date", summary.CutoffDate)
				}
			case <-s.stopChan:
				slog.Info("backup scheduler stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	})
}

// StopBackupSchedule disarms the timers deterministically. Safe to call more
// than once and safe when the schedule never started.
func (s *Scheduler) StopBackupSchedule() {
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopChan)
}

// PerformBackup runs one full export synchronously: acquires the active-job
// slot, exports, and drives the job to a terminal status. Returns the
// terminal job. ConflictError when another job already holds the slot.
func (s *Scheduler) PerformBackup(ctx context.Context, trigger string) (*models.BackupJob, error) {
	job, err := s.acquireJob(ctx, trigger)
	if err != nil {
		return nil, err
	}
	if err := s.runExport(ctx, job); err != nil {
		return job, err
	}
	return job, nil
}

// TriggerManualBackup accepts a manual trigger and returns the created job
// immediately while the export continues in the background. Status is polled
// via GetBackupStatus. ConflictError when another job is active.
func (s *Scheduler) TriggerManualBackup(ctx context.Context) (*models.BackupJob, error) {
	job, err := s.acquireJob(ctx, models.TriggerManual)
	if err != nil {
		return nil, err
	}

	safego.Go(func() {
		// Detached from the request context: the export outlives the
		// triggering HTTP call.
		if err := s.runExport(context.Background(), job); err != nil {
			slog.Error("manual backup failed", "job_id", job.ID, "error", err)
		}
	})

	return job, nil
}

// acquireJob creates the initiated job, enforcing the single-active-job
// invariant. The partial unique index on backup_jobs is the authority; the
// GetActive pre-check just produces a friendlier conflict reason.
func (s *Scheduler) acquireJob(ctx context.Context, trigger string) (*models.BackupJob, error) {
	active, err := s.jobs.GetActive(ctx)
	if err != nil {
		return nil, apperrors.NewStorage("backup.trigger", err)
	}
	if active != nil {
		return nil, &apperrors.ConflictError{
			Reason: fmt.Sprintf("backup job %s is already %s", active.ID, active.Status),
		}
	}

	now := time.Now().UTC()
	job := &models.BackupJob{
		StartedAt:         now,
		Status:            models.BackupInitiated,
		TriggeredBy:       trigger,
		RetentionDeadline: now.Add(s.retention),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		if repositories.IsUniqueViolation(err) {
			return nil, &apperrors.ConflictError{Reason: "another backup job is already active"}
		}
		return nil, apperrors.NewStorage("backup.trigger", err)
	}
	return job, nil
}

// runExport drives one acquired job through running to a terminal status.
// Partial object-store output from a failed export is left in place for
// operator inspection.
func (s *Scheduler) runExport(ctx context.Context, job *models.BackupJob) error {
	applied, err := s.jobs.MarkRunning(ctx, job.ID)
	if err != nil {
		s.failJob(ctx, job, fmt.Sprintf("marking job running: %v", err))
		return apperrors.NewStorage("backup.run", err)
	}
	if !applied {
		return &apperrors.ConflictError{Reason: fmt.Sprintf("backup job %s no longer initiated", job.ID)}
	}
	job.Status = models.BackupRunning

	periodStart, err := s.periodStart(ctx, job)
	if err != nil {
		s.failJob(ctx, job, err.Error())
		return err
	}
	periodEnd := time.Now().UTC()

	started := time.Now()
	result, err := s.exporter.Export(ctx, periodStart, periodEnd)
	if err != nil {
		s.failJob(ctx, job, err.Error())
		return fmt.Errorf("backup job %s: %w", job.ID, err)
	}

	if _, err := s.jobs.MarkSucceeded(ctx, job.ID, result.Key, result.BytesWritten); err != nil {
		s.failJob(ctx, job, fmt.Sprintf("recording success: %v", err))
		return apperrors.NewStorage("backup.run", err)
	}
	job.Status = models.BackupSucceeded
	job.OutputLocation = result.Key
	job.BytesWritten = &result.BytesWritten

	telemetry.BackupRunsTotal.WithLabelValues(models.BackupSucceeded).Inc()
	telemetry.BackupDuration.Observe(time.Since(started).Seconds())
	telemetry.BackupBytesWrittenTotal.Add(float64(result.BytesWritten))

	slog.Info("backup completed",
		"job_id", job.ID,
		"output", result.Key,
		"bytes_written", result.BytesWritten,
		"record_count", result.RecordCount,
		"checksum", result.Checksum)

	return nil
}

// periodStart picks the export window start: the start of the most recent
// succeeded backup, or the zero time for a first-ever export.
func (s *Scheduler) periodStart(ctx context.Context, current *models.BackupJob) (time.Time, error) {
	recent, err := s.jobs.ListRecent(ctx, 20)
	if err != nil {
		return time.Time{}, apperrors.NewStorage("backup.run", err)
	}
	for _, j := range recent {
		if j.ID == current.ID {
			continue
		}
		if j.Status == models.BackupSucceeded {
			return j.StartedAt, nil
		}
	}
	return time.Time{}, nil
}

func (s *Scheduler) failJob(ctx context.Context, job *models.BackupJob, detail string) {
	telemetry.BackupRunsTotal.WithLabelValues(models.BackupFailed).Inc()
	job.Status = models.BackupFailed
	job.Error = &detail
	if _, err := s.jobs.MarkFailed(ctx, job.ID, detail); err != nil {
		slog.Error("failed to record backup failure", "job_id", job.ID, "error", err)
	}
}

// GetBackupStatus returns the active job, if any, plus recent history.
func (s *Scheduler) GetBackupStatus(ctx context.Context) (*Status, error) {
	current, err := s.jobs.GetActive(ctx)
	if err != nil {
		return nil, apperrors.NewStorage("backup.status", err)
	}
	recent, err := s.jobs.ListRecent(ctx, 10)
	if err != nil {
		return nil, apperrors.NewStorage("backup.status", err)
	}
	return &Status{CurrentJob: current, RecentJobs: recent}, nil
}

// RequestCancel marks an active job cancel-requested. The export itself may
// not support interruption, so this is advisory.
func (s *Scheduler) RequestCancel(ctx context.Context, jobID string) error {
	applied, err := s.jobs.RequestCancel(ctx, jobID)
	if err != nil {
		return apperrors.NewStorage("backup.cancel", err)
	}
	if !applied {
		return &apperrors.NotFoundError{Resource: "backup_job", ID: jobID}
	}
	return nil
}

// CleanupOldBackups deletes backup copies strictly older than the retention
// cutoff. An object exactly at the cutoff age is kept.
func (s *Scheduler) CleanupOldBackups(ctx context.Context) (*CleanupSummary, error) {
	cutoff := time.Now().UTC().Add(-s.retention)

	objects, err := s.store.List(ctx, s.exporter.Prefix()+"/")
	if err != nil {
		return nil, apperrors.NewStorage("backup.cleanup", err)
	}

	summary := &CleanupSummary{CutoffDate: cutoff}
	for _, obj := range objects {
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, obj.Key); err != nil {
			return summary, apperrors.NewStorage("backup.cleanup", err)
		}
		summary.FilesDeleted++
		telemetry.BackupObjectsDeletedTotal.Inc()
		slog.Info("deleted expired backup", "key", obj.Key, "last_modified", obj.LastModified)
	}

	return summary, nil
}

// RestoreFromBackup reinserts the records of one backup document into the
// live store. Requires the administrator token; rejects with PermissionError
// on a missing or wrong token and ValidationError on a missing path. Unlike
// audit writes, restore failures propagate to the caller.
func (s *Scheduler) RestoreFromBackup(ctx context.Context, backupPath, adminToken string) (*RestoreSummary, error) {
	if strings.TrimSpace(backupPath) == "" {
		return nil, apperrors.NewValidation("backup_path", "is required")
	}
	if err := s.authorizeAdmin(adminToken); err != nil {
		return nil, err
	}

	restored, total, err := s.exporter.Import(ctx, backupPath)
	if err != nil {
		return nil, err
	}

	slog.Info("backup restored",
		"backup_path", backupPath,
		"records_in_backup", total,
		"records_restored", restored)

	return &RestoreSummary{
		BackupPath:      backupPath,
		RecordsInBackup: total,
		RecordsRestored: restored,
	}, nil
}

func (s *Scheduler) authorizeAdmin(token string) error {
	if s.adminTokenHash == "" {
		return &apperrors.PermissionError{Capability: "backup:restore"}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.adminTokenHash), []byte(token)); err != nil {
		return &apperrors.PermissionError{Capability: "backup:restore"}
	}
	return nil
}
