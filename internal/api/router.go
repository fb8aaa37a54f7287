// Package api wires together all HTTP routes for the audit engine.
//
// Route grouping philosophy:
//   - Query routes (/api/v1/audit, /movements, /flags) carry advisory
//     identity: a valid bearer token attributes the request to an actor and
//     tenant, a missing or invalid one leaves it anonymous. The engine audits
//     activity on the platform's behalf, it does not gate access to it.
//   - Backup administration (/api/v1/admin/) is also reachable without a
//     token, except restore, which checks the administrator token because it
//     writes into the audit trail.
//
// Every mutating route is wrapped by the audit middleware so operating the
// engine leaves the same trail as operating the platform.
package api

import (
	"context"
	"log"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/clinistock/audit-engine/internal/api/admin"
	"github.com/clinistock/audit-engine/internal/audit"
	"github.com/clinistock/audit-engine/internal/backup"
	"github.com/clinistock/audit-engine/internal/config"
	"github.com/clinistock/audit-engine/internal/db/repositories"
	"github.com/clinistock/audit-engine/internal/detector"
	"github.com/clinistock/audit-engine/internal/ledger"
	"github.com/clinistock/audit-engine/internal/middleware"
	"github.com/clinistock/audit-engine/internal/storage"

	// Import storage backends to register them
	_ "github.com/clinistock/audit-engine/internal/storage/azure"
	_ "github.com/clinistock/audit-engine/internal/storage/gcs"
	_ "github.com/clinistock/audit-engine/internal/storage/local"
	_ "github.com/clinistock/audit-engine/internal/storage/s3"
)

// BackgroundServices holds references to background goroutines and resources
// that must be stopped during graceful shutdown. The caller (cmd/server) is
// responsible for calling Shutdown() when the process receives a termination
// signal.
type BackgroundServices struct {
	writer       *audit.Writer
	detector     *detector.Detector
	scheduler    *backup.Scheduler
	shipper      audit.Shipper
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines. It should be called after the
// HTTP server has been shut down so that in-flight requests are drained
// first: the audit writer is closed last so the other services can still
// capture their own shutdown events.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.scheduler != nil {
		bg.scheduler.StopBackupSchedule()
	}
	if bg.detector != nil {
		bg.detector.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.writer != nil {
		bg.writer.Close()
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			slog.Warn("closing audit shippers", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, database *sqlx.DB) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	router.Use(gin.Recovery())

	// Initialize object store for backup copies
	objectStore, err := storage.NewObjectStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize object store: %v", err)
	}
	slog.Info("object store initialized", "backend", cfg.Storage.DefaultBackend)

	// Initialize repositories
	auditRepo := repositories.NewAuditRepository(database)
	movementRepo := repositories.NewStockMovementRepository(database)
	flagRepo := repositories.NewFlagRepository(database)
	jobRepo := repositories.NewBackupJobRepository(database)

	// Audit capture pipeline: capture -> bounded async writer -> store,
	// with a fan-out shipper feeding external alert destinations.
	shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		log.Fatalf("Failed to initialize audit shippers: %v", err)
	}
	store := audit.NewStore(auditRepo)
	writer := audit.NewWriter(store, shipper, cfg.Audit.QueueCapacity, cfg.Audit.AppendTimeout)
	capture := audit.NewCapture(writer, cfg.Audit.Enabled, cfg.Tenancy.DefaultTenant)

	movementLedger := ledger.NewLedger(movementRepo, capture)

	activityDetector := detector.NewDetector(auditRepo, flagRepo, shipper, &cfg.Detector)
	activityDetector.Start(context.Background())

	exporter := backup.NewExporter(auditRepo, auditRepo, objectStore, cfg.Backup.Prefix)
	scheduler := backup.NewScheduler(jobRepo, exporter, objectStore, &cfg.Backup)
	if err := scheduler.Initialize(context.Background()); err != nil {
		slog.Error("backup scheduler initialization", "error", err)
	}
	scheduler.StartBackupSchedule(context.Background())

	// Request-scoped middleware
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.IdentityMiddleware(cfg.Security.JWTSecret))

	bg := &BackgroundServices{
		writer:    writer,
		detector:  activityDetector,
		scheduler: scheduler,
		shipper:   shipper,
	}

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":      "ok",
			"audit_queue": writer.Depth(),
		})
	})

	auditHandler := NewAuditHandler(store)
	movementHandler := NewMovementHandler(movementLedger)
	flagHandler := NewFlagHandler(activityDetector)
	backupHandler := admin.NewBackupHandler(scheduler)

	v1 := router.Group("/api/v1")
	if cfg.Security.RateLimiting.Enabled {
		limiter := middleware.NewRateLimiter(middleware.RateLimitConfigFrom(cfg.Security.RateLimiting))
		bg.rateLimiters = append(bg.rateLimiters, limiter)
		v1.Use(middleware.RateLimitMiddleware(limiter))
	}

	auditRoutes := v1.Group("/audit")
	{
		auditRoutes.GET("", auditHandler.Query)
		auditRoutes.GET("/summary", auditHandler.Summary)
		auditRoutes.GET("/resource/:type/:id", auditHandler.ResourceTrail)
	}

	movementRoutes := v1.Group("/movements")
	{
		// Record is not wrapped by the audit middleware: the ledger emits
		// its own companion audit record and a second HTTP-level record
		// would double-count the movement.
		movementRoutes.POST("", movementHandler.Record)
		movementRoutes.GET("", movementHandler.Query)
		movementRoutes.GET("/stats", movementHandler.Stats)
		movementRoutes.GET("/:id", movementHandler.GetByID)
	}

	flagRoutes := v1.Group("/flags")
	{
		flagRoutes.GET("", flagHandler.List)
		flagRoutes.GET("/:id", flagHandler.GetByID)
		flagRoutes.POST("/:id/acknowledge",
			middleware.AuditMiddleware(capture, "FLAG_ACKNOWLEDGE", "FLAG"),
			flagHandler.Acknowledge)
	}

	adminRoutes := v1.Group("/admin/backups")
	{
		adminRoutes.POST("",
			middleware.AuditMiddleware(capture, "BACKUP_TRIGGER", "BACKUP"),
			backupHandler.Trigger)
		adminRoutes.GET("/status", backupHandler.Status)
		adminRoutes.POST("/cleanup",
			middleware.AuditMiddleware(capture, "BACKUP_CLEANUP", "BACKUP"),
			backupHandler.Cleanup)
		adminRoutes.POST("/restore",
			middleware.AuditMiddleware(capture, "BACKUP_RESTORE", "BACKUP"),
			backupHandler.Restore)
		adminRoutes.POST("/:id/cancel",
			middleware.AuditMiddleware(capture, "BACKUP_CANCEL", "BACKUP"),
			backupHandler.Cancel)
	}

	return router, bg
}
