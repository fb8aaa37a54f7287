// backup_job.go defines the BackupJob model tracking the lifecycle of one
// export of the durable store to the object store.
package models

import "time"

// Backup job statuses. Transitions only move forward:
// initiated → running → succeeded | failed. Terminal states are never reopened.
const (
	BackupInitiated = "initiated"
	BackupRunning   = "running"
	BackupSucceeded = "succeeded"
	BackupFailed    = "failed"
)

// Backup trigger sources.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// BackupJob represents one export operation. At most one job may be in a
// non-terminal status at any time; the scheduler enforces that exclusivity.
type BackupJob struct {
	ID                string
	StartedAt         time.Time
	CompletedAt       *time.Time
	Status            string
	OutputLocation    string
	BytesWritten      *int64 // nil until the job succeeds
	Error             *string
	TriggeredBy       string // schedule | manual
	RetentionDeadline time.Time
	// CancelRequested marks an operator cancel request. The export itself may
	// not support interruption, so this is advisory, not a guarantee.
	CancelRequested bool
}

// Terminal reports whether the job has reached a final status.
func (j *BackupJob) Terminal() bool {
	return j.Status == BackupSucceeded || j.Status == BackupFailed
}

// Active reports whether the job still holds the process-wide backup slot.
func (j *BackupJob) Active() bool {
	return j.Status == BackupInitiated || j.Status == BackupRunning
}
