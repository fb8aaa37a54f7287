// backups.go implements the operator endpoints for the backup subsystem:
// manual trigger, status, retention cleanup, cancellation and restore.
package admin

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clinistock/audit-engine/internal/apperrors"
	"github.com/clinistock/audit-engine/internal/backup"
	"github.com/clinistock/audit-engine/internal/db/models"
)

// AdminTokenHeader carries the administrator token checked before a restore.
const AdminTokenHeader = "X-Admin-Token"

// BackupHandler serves the backup operator API.
type BackupHandler struct {
	scheduler *backup.Scheduler
}

// NewBackupHandler creates the backup operator handler.
func NewBackupHandler(s *backup.Scheduler) *BackupHandler {
	return &BackupHandler{scheduler: s}
}

// @Summary      Trigger a manual backup
// @Description  Starts a backup run in the background and returns the job
// @Description  immediately. Returns 409 while another job is active.
// @Tags         Backups
// @Produce      json
// @Success      202  {object}  models.BackupJob
// @Failure      409  {object}  map[string]interface{}  "A backup is already running"
// @Router       /api/v1/admin/backups [post]
func (h *BackupHandler) Trigger(c *gin.Context) {
	job, err := h.scheduler.TriggerManualBackup(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, formatJob(job))
}

// @Summary      Backup subsystem status
// @Description  The currently active job, if any, plus recent job history.
// @Tags         Backups
// @Produce      json
// @Success      200  {object}  backup.Status
// @Router       /api/v1/admin/backups/status [get]
func (h *BackupHandler) Status(c *gin.Context) {
	status, err := h.scheduler.GetBackupStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	recent := make([]gin.H, len(status.RecentJobs))
	for i, j := range status.RecentJobs {
		recent[i] = formatJob(j)
	}
	resp := gin.H{"recent_jobs": recent}
	if status.CurrentJob != nil {
		resp["current_job"] = formatJob(status.CurrentJob)
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary      Delete expired backup copies
// @Description  Removes backup objects strictly older than the retention
// @Description  window and reports how many were deleted.
// @Tags         Backups
// @Produce      json
// @Success      200  {object}  backup.CleanupSummary
// @Router       /api/v1/admin/backups/cleanup [post]
func (h *BackupHandler) Cleanup(c *gin.Context) {
	summary, err := h.scheduler.CleanupOldBackups(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// @Summary      Request cancellation of a backup job
// @Tags         Backups
// @Produce      json
// @Param        id  path  string  true  "Job id"
// @Success      202  {object}  map[string]interface{}  "cancel_requested: true"
// @Failure      404  {object}  map[string]interface{}  "Job unknown or already finished"
// @Router       /api/v1/admin/backups/{id}/cancel [post]
func (h *BackupHandler) Cancel(c *gin.Context) {
	if err := h.scheduler.RequestCancel(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancel_requested": true, "id": c.Param("id")})
}

// restoreRequest names the backup object to restore from.
type restoreRequest struct {
	BackupPath string `json:"backup_path"`
}

// @Summary      Restore audit records from a backup
// @Description  Re-inserts records from the named backup object, skipping
// @Description  records that already exist. Requires the administrator token
// @Description  in the X-Admin-Token header.
// @Tags         Backups
// @Accept       json
// @Produce      json
// @Success      200  {object}  backup.RestoreSummary
// @Failure      403  {object}  map[string]interface{}  "Missing or wrong administrator token"
// @Router       /api/v1/admin/backups/restore [post]
func (h *BackupHandler) Restore(c *gin.Context) {
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	summary, err := h.scheduler.RestoreFromBackup(c.Request.Context(), req.BackupPath, c.GetHeader(AdminTokenHeader))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func formatJob(j *models.BackupJob) gin.H {
	return gin.H{
		"id":                 j.ID,
		"started_at":         j.StartedAt,
		"completed_at":       j.CompletedAt,
		"status":             j.Status,
		"output_location":    j.OutputLocation,
		"bytes_written":      j.BytesWritten,
		"error":              j.Error,
		"triggered_by":       j.TriggeredBy,
		"retention_deadline": j.RetentionDeadline,
		"cancel_requested":   j.CancelRequested,
	}
}

// respondError maps taxonomy errors onto status codes. Unclassified errors
// are a 500 with a generic message.
func respondError(c *gin.Context, err error) {
	var (
		validationErr *apperrors.ValidationError
		notFoundErr   *apperrors.NotFoundError
		permissionErr *apperrors.PermissionError
		conflictErr   *apperrors.ConflictError
	)

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
	case errors.As(err, &notFoundErr):
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundErr.Error()})
	case errors.As(err, &permissionErr):
		c.JSON(http.StatusForbidden, gin.H{"error": permissionErr.Error()})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, gin.H{"error": conflictErr.Error()})
	default:
		slog.Error("backup admin request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
