// capture.go is the public capture surface for the rest of the platform.
// Every method is total: it never blocks on storage, never panics outward,
// and never returns an error to the instrumented code path.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/clinistock/audit-engine/internal/db/models"
)

// RequestContext carries the caller identity attached to captured events.
type RequestContext struct {
	TenantID  string
	ActorID   *string
	ClientIP  *string
	UserAgent *string
}

// Event describes one state-changing attempt to capture.
type Event struct {
	Action       string
	ResourceType string
	ResourceID   *string
	BeforeState  map[string]interface{}
	AfterState   map[string]interface{}
	Success      bool
	ErrorDetail  *string
	Metadata     map[string]interface{}
	// OccurredAt defaults to the capture time when zero.
	OccurredAt time.Time
}

// SnapshotFetcher loads the current state of a resource, used to capture
// before-images ahead of updates and deletes.
type SnapshotFetcher func(ctx context.Context, resourceID string) (map[string]interface{}, error)

// Capture accepts audit events from request handling and domain services.
type Capture struct {
	writer        *Writer
	enabled       bool
	defaultTenant string
}

// NewCapture creates the capture front-end. When enabled is false every
// method is a no-op, which is how test and migration environments silence
// auditing without touching call sites.
func NewCapture(writer *Writer, enabled bool, defaultTenant string) *Capture {
	return &Capture{
		writer:        writer,
		enabled:       enabled,
		defaultTenant: defaultTenant,
	}
}

// Enabled reports whether events are being persisted.
func (c *Capture) Enabled() bool { return c.enabled }

// Record captures one event. It never fails; malformed events are logged and
// skipped rather than surfaced to the instrumented operation.
func (c *Capture) Record(rc RequestContext, ev Event) {
	if !c.enabled {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in audit capture", "panic", r, "action", ev.Action)
		}
	}()

	if ev.Action == "" || ev.ResourceType == "" {
		slog.Warn("discarding audit event without action or resource type",
			"action", ev.Action, "resource_type", ev.ResourceType)
		return
	}

	tenant := rc.TenantID
	if tenant == "" {
		tenant = c.defaultTenant
	}

	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	c.writer.Enqueue(&models.AuditRecord{
		TenantID:     tenant,
		ActorID:      rc.ActorID,
		Action:       ev.Action,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		BeforeState:  ev.BeforeState,
		AfterState:   ev.AfterState,
		ClientIP:     rc.ClientIP,
		UserAgent:    rc.UserAgent,
		OccurredAt:   occurred,
		Success:      ev.Success,
		ErrorDetail:  ev.ErrorDetail,
		Metadata:     ev.Metadata,
	})
}

// RecordAuthEvent captures an authentication attempt. detail is recorded as
// the error detail on failures and ignored on successes.
func (c *Capture) RecordAuthEvent(rc RequestContext, action string, success bool, detail string, metadata map[string]interface{}) {
	var errDetail *string
	if !success && detail != "" {
		errDetail = &detail
	}
	c.Record(rc, Event{
		Action:       action,
		ResourceType: "AUTH",
		Success:      success,
		ErrorDetail:  errDetail,
		Metadata:     metadata,
	})
}

// SnapshotBefore loads a resource's current state for use as a before-image.
// Best effort: a fetch failure yields nil so the mutation it precedes is
// never blocked on snapshot availability.
func (c *Capture) SnapshotBefore(ctx context.Context, fetch SnapshotFetcher, resourceID string) map[string]interface{} {
	if !c.enabled || fetch == nil || resourceID == "" {
		return nil
	}
	state, err := fetch(ctx, resourceID)
	if err != nil {
		slog.Warn("failed to snapshot resource before mutation", "resource_id", resourceID, "error", err)
		return nil
	}
	return state
}
