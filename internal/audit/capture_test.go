package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clinistock/audit-engine/internal/audit"
)

func newCaptureHarness(t *testing.T, enabled bool, defaultTenant string) (*audit.Capture, *fakeRepo, *audit.Writer) {
	t.Helper()
	repo := &fakeRepo{}
	writer := audit.NewWriter(audit.NewStore(repo), nil, 8, time.Second)
	return audit.NewCapture(writer, enabled, defaultTenant), repo, writer
}

func TestCapture_DisabledIsNoOp(t *testing.T) {
	capture, repo, writer := newCaptureHarness(t, false, "clinic-1")

	capture.Record(audit.RequestContext{TenantID: "clinic-1"}, audit.Event{
		Action:       "CREATE",
		ResourceType: "PRODUCT",
		Success:      true,
	})
	writer.Close()

	if capture.Enabled() {
		t.Error("Enabled() = true, want false")
	}
	if repo.count() != 0 {
		t.Errorf("persisted %d records, want 0", repo.count())
	}
}

func TestCapture_Record(t *testing.T) {
	capture, repo, writer := newCaptureHarness(t, true, "clinic-1")

	actor := "user-3"
	prodID := "prod-9"
	capture.Record(audit.RequestContext{
		TenantID: "clinic-2",
		ActorID:  &actor,
	}, audit.Event{
		Action:       "UPDATE",
		ResourceType: "PRODUCT",
		ResourceID:   &prodID,
		BeforeState:  map[string]interface{}{"quantity": 10},
		AfterState:   map[string]interface{}{"quantity": 7},
		Success:      true,
	})
	writer.Close()

	records := repo.all()
	if len(records) != 1 {
		t.Fatalf("persisted %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.TenantID != "clinic-2" {
		t.Errorf("TenantID = %q, want clinic-2", rec.TenantID)
	}
	if rec.ActorID == nil || *rec.ActorID != "user-3" {
		t.Errorf("ActorID = %v, want user-3", rec.ActorID)
	}
	if rec.OccurredAt.IsZero() {
		t.Error("OccurredAt not defaulted")
	}
	if rec.BeforeState["quantity"] != 10 {
		t.Errorf("BeforeState = %v", rec.BeforeState)
	}
}

func TestCapture_DefaultsTenant(t *testing.T) {
	capture, repo, writer := newCaptureHarness(t, true, "clinic-default")

	capture.Record(audit.RequestContext{}, audit.Event{
		Action:       "CREATE",
		ResourceType: "PRODUCT",
		Success:      true,
	})
	writer.Close()

	records := repo.all()
	if len(records) != 1 {
		t.Fatalf("persisted %d records, want 1", len(records))
	}
	if records[0].TenantID != "clinic-default" {
		t.Errorf("TenantID = %q, want clinic-default", records[0].TenantID)
	}
}

func TestCapture_DiscardsIncompleteEvents(t *testing.T) {
	capture, repo, writer := newCaptureHarness(t, true, "clinic-1")

	capture.Record(audit.RequestContext{TenantID: "clinic-1"}, audit.Event{
		ResourceType: "PRODUCT",
		Success:      true,
	})
	capture.Record(audit.RequestContext{TenantID: "clinic-1"}, audit.Event{
		Action:  "DELETE",
		Success: true,
	})
	writer.Close()

	if repo.count() != 0 {
		t.Errorf("persisted %d records, want 0", repo.count())
	}
}

func TestCapture_RecordAuthEvent(t *testing.T) {
	capture, repo, writer := newCaptureHarness(t, true, "clinic-1")

	rc := audit.RequestContext{TenantID: "clinic-1"}
	capture.RecordAuthEvent(rc, "LOGIN", true, "ignored on success", nil)
	capture.RecordAuthEvent(rc, "LOGIN", false, "bad password", map[string]interface{}{"attempt": 3})
	writer.Close()

	records := repo.all()
	if len(records) != 2 {
		t.Fatalf("persisted %d records, want 2", len(records))
	}
	success, failure := records[0], records[1]
	if success.ResourceType != "AUTH" || failure.ResourceType != "AUTH" {
		t.Errorf("resource types = %q, %q, want AUTH", success.ResourceType, failure.ResourceType)
	}
	if success.ErrorDetail != nil {
		t.Errorf("success ErrorDetail = %q, want nil", *success.ErrorDetail)
	}
	if failure.ErrorDetail == nil || *failure.ErrorDetail != "bad password" {
		t.Errorf("failure ErrorDetail = %v, want bad password", failure.ErrorDetail)
	}
	if failure.Metadata["attempt"] != 3 {
		t.Errorf("failure Metadata = %v", failure.Metadata)
	}
}

func TestCapture_SnapshotBefore(t *testing.T) {
	capture, _, writer := newCaptureHarness(t, true, "clinic-1")
	defer writer.Close()

	want := map[string]interface{}{"name": "Amoxicillin", "quantity": 40}
	fetch := func(_ context.Context, id string) (map[string]interface{}, error) {
		if id != "prod-1" {
			t.Errorf("fetch called with %q", id)
		}
		return want, nil
	}

	got := capture.SnapshotBefore(context.Background(), fetch, "prod-1")
	if got["name"] != "Amoxicillin" {
		t.Errorf("snapshot = %v", got)
	}
}

func TestCapture_SnapshotBeforeFailure(t *testing.T) {
	capture, _, writer := newCaptureHarness(t, true, "clinic-1")
	defer writer.Close()

	failing := func(_ context.Context, _ string) (map[string]interface{}, error) {
		return nil, errors.New("resource gone")
	}
	if got := capture.SnapshotBefore(context.Background(), failing, "prod-1"); got != nil {
		t.Errorf("snapshot after fetch error = %v, want nil", got)
	}
	if got := capture.SnapshotBefore(context.Background(), nil, "prod-1"); got != nil {
		t.Errorf("snapshot with nil fetcher = %v, want nil", got)
	}
	if got := capture.SnapshotBefore(context.Background(), failing, ""); got != nil {
		t.Errorf("snapshot with empty id = %v, want nil", got)
	}
}
