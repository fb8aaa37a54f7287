// Package detector implements the suspicious activity scanner: a periodic,
// read-only pass over the recent audit trail that raises
// SuspiciousActivityFlags per actor. Flags are deduplicated against
// unacknowledged flags with overlapping windows, so one sustained anomaly
// produces one flag, not a storm. Flags never auto-expire; an operator
// acknowledges them.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clinistock/audit-engine/internal/apperrors"
	"github.com/clinistock/audit-engine/internal/audit"
	"github.com/clinistock/audit-engine/internal/config"
	"github.com/clinistock/audit-engine/internal/db/models"
	"github.com/clinistock/audit-engine/internal/db/repositories"
	"github.com/clinistock/audit-engine/internal/safego"
	"github.com/clinistock/audit-engine/internal/telemetry"
)

// Query paging bounds for flag listings.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
)

// AuditReader is the slice of the audit store the detector reads from.
type AuditReader interface {
	ListBetween(ctx context.Context, start, end time.Time) ([]*models.AuditRecord, error)
}

// FlagStore is the persistence surface for raised flags.
type FlagStore interface {
	Create(ctx context.Context, f *models.SuspiciousActivityFlag) error
	List(ctx context.Context, filters repositories.FlagFilters, limit, offset int) ([]*models.SuspiciousActivityFlag, int, error)
	GetByID(ctx context.Context, id string) (*models.SuspiciousActivityFlag, error)
	HasUnacknowledgedOverlap(ctx context.Context, actorID, rule string, windowStart, windowEnd time.Time) (bool, error)
	Acknowledge(ctx context.Context, id, acknowledgedBy string) error
}

// Detector scans the audit trail for anomalies on a fixed interval.
type Detector struct {
	auditReader AuditReader
	flags       FlagStore
	shipper     audit.Shipper
	rules       []Rule
	interval    time.Duration
	window      time.Duration
	enabled     bool
	stopChan    chan struct{}
}

// NewDetector builds a detector with the standard rule set sized from cfg.
// shipper may be nil; when set, every raised flag is also shipped to the
// external alerting collaborator.
func NewDetector(auditReader AuditReader, flags FlagStore, shipper audit.Shipper, cfg *config.DetectorConfig) *Detector {
	interval := cfg.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	window := cfg.Window
	if window <= 0 {
		window = 15 * time.Minute
	}

	authThreshold := cfg.AuthFailureThreshold
	if authThreshold <= 0 {
		authThreshold = 5
	}
	spreadThreshold := cfg.ResourceSpreadThreshold
	if spreadThreshold <= 0 {
		spreadThreshold = 6
	}
	deleteThreshold := cfg.DeleteBurstThreshold
	if deleteThreshold <= 0 {
		deleteThreshold = 10
	}

	return &Detector{
		auditReader: auditReader,
		flags:       flags,
		shipper:     shipper,
		rules: []Rule{
			&AuthFailureRule{Threshold: authThreshold},
			&ResourceSpreadRule{Threshold: spreadThreshold},
			&DeleteBurstRule{Threshold: deleteThreshold},
		},
		interval: interval,
		window:   window,
		enabled:  cfg.Enabled,
		stopChan: make(chan struct{}),
	}
}

// Start begins the periodic scan loop. It runs one scan immediately, then
// repeats on the configured interval until ctx is cancelled or Stop is called.
func (d *Detector) Start(ctx context.Context) {
	if !d.enabled {
		slog.Info("suspicious activity detector disabled")
		return
	}

	safego.Go(func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		slog.Info("suspicious activity detector started",
			"scan_interval", d.interval, "window", d.window)

		d.scanAndLog(ctx)

		for {
			select {
			case <-ticker.C:
				d.scanAndLog(ctx)
			case <-d.stopChan:
				slog.Info("suspicious activity detector stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	})
}

// Stop terminates the scan loop. Safe to call when Start never ran.
func (d *Detector) Stop() {
	select {
	case <-d.stopChan:
	default:
		close(d.stopChan)
	}
}

func (d *Detector) scanAndLog(ctx context.Context) {
	raised, err := d.Scan(ctx)
	if err != nil {
		slog.Error("detector scan failed", "error", err)
		return
	}
	if raised > 0 {
		slog.Warn("detector raised flags", "count", raised)
	}
}

// Scan runs all rules over the trailing window once and returns the number
// of flags raised. Also invokable on demand by operator tooling.
func (d *Detector) Scan(ctx context.Context) (int, error) {
	windowEnd := time.Now().UTC()
	windowStart := windowEnd.Add(-d.window)

	records, err := d.auditReader.ListBetween(ctx, windowStart, windowEnd)
	if err != nil {
		return 0, fmt.Errorf("loading audit window: %w", err)
	}

	byActor := make(map[string][]*models.AuditRecord)
	for _, rec := range records {
		if rec.ActorID == nil || *rec.ActorID == "" {
			continue
		}
		byActor[*rec.ActorID] = append(byActor[*rec.ActorID], rec)
	}

	raised := 0
	for actorID, actorRecords := range byActor {
		for _, rule := range d.rules {
			finding := rule.Evaluate(actorRecords)
			if finding == nil {
				continue
			}

			duplicate, err := d.flags.HasUnacknowledgedOverlap(ctx, actorID, rule.Name(), windowStart, windowEnd)
			if err != nil {
				return raised, fmt.Errorf("checking flag overlap: %w", err)
			}
			if duplicate {
				continue
			}

			flag := &models.SuspiciousActivityFlag{
				ID:          uuid.New().String(),
				ActorID:     actorID,
				WindowStart: windowStart,
				WindowEnd:   windowEnd,
				TriggerRule: rule.Name(),
				RecordIDs:   finding.RecordIDs,
				Severity:    finding.Severity,
				CreatedAt:   time.Now().UTC(),
			}
			if err := d.flags.Create(ctx, flag); err != nil {
				return raised, fmt.Errorf("persisting flag: %w", err)
			}

			raised++
			telemetry.SuspiciousFlagsRaisedTotal.WithLabelValues(rule.Name(), finding.Severity).Inc()
			slog.Warn("suspicious activity flag raised",
				"flag_id", flag.ID,
				"actor_id", actorID,
				"rule", rule.Name(),
				"severity", finding.Severity,
				"record_count", len(finding.RecordIDs))

			d.ship(ctx, flag)
		}
	}

	return raised, nil
}

// ship delivers a raised flag to the external alerting collaborator.
// Delivery failures are logged, never propagated.
func (d *Detector) ship(ctx context.Context, flag *models.SuspiciousActivityFlag) {
	if d.shipper == nil {
		return
	}
	actor := flag.ActorID
	entry := &audit.LogEntry{
		Timestamp:    flag.CreatedAt,
		ActorID:      actor,
		Action:       "SUSPICIOUS_ACTIVITY",
		ResourceType: "FLAG",
		ResourceID:   flag.ID,
		Success:      false,
		Metadata: map[string]interface{}{
			"trigger_rule": flag.TriggerRule,
			"severity":     flag.Severity,
			"window_start": flag.WindowStart,
			"window_end":   flag.WindowEnd,
			"record_count": len(flag.RecordIDs),
		},
	}
	if err := d.shipper.Ship(ctx, entry); err != nil {
		slog.Warn("flag notification delivery failed", "flag_id", flag.ID, "error", err)
	}
}

// ListFlags returns flags matching the filters, newest first.
func (d *Detector) ListFlags(ctx context.Context, filters repositories.FlagFilters, limit, offset int) ([]*models.SuspiciousActivityFlag, int, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	if offset < 0 {
		offset = 0
	}
	flags, total, err := d.flags.List(ctx, filters, limit, offset)
	if err != nil {
		return nil, 0, apperrors.NewStorage("detector.list_flags", err)
	}
	return flags, total, nil
}

// GetFlag returns one flag or NotFoundError.
func (d *Detector) GetFlag(ctx context.Context, id string) (*models.SuspiciousActivityFlag, error) {
	flag, err := d.flags.GetByID(ctx, id)
	if err != nil {
		return nil, apperrors.NewStorage("detector.get_flag", err)
	}
	if flag == nil {
		return nil, &apperrors.NotFoundError{Resource: "suspicious_flag", ID: id}
	}
	return flag, nil
}

// Acknowledge marks a flag as reviewed by an operator. Acknowledging an
// already-acknowledged flag is a no-op.
func (d *Detector) Acknowledge(ctx context.Context, id, acknowledgedBy string) error {
	if id == "" {
		return apperrors.NewValidation("flag_id", "is required")
	}
	if acknowledgedBy == "" {
		return apperrors.NewValidation("acknowledged_by", "is required")
	}
	return d.flags.Acknowledge(ctx, id, acknowledgedBy)
}
