package detector_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/clinistock/audit-engine/internal/apperrors"
	"github.com/clinistock/audit-engine/internal/config"
	"github.com/clinistock/audit-engine/internal/db/models"
	"github.com/clinistock/audit-engine/internal/db/repositories"
	"github.com/clinistock/audit-engine/internal/detector"
)

type fakeAuditReader struct {
	records []*models.AuditRecord
	err     error
}

func (f *fakeAuditReader) ListBetween(_ context.Context, _, _ time.Time) ([]*models.AuditRecord, error) {
	return f.records, f.err
}

type fakeFlagStore struct {
	mu       sync.Mutex
	flags    []*models.SuspiciousActivityFlag
	overlaps map[string]bool // keyed by actorID+"/"+rule
}

func (f *fakeFlagStore) Create(_ context.Context, flag *models.SuspiciousActivityFlag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = append(f.flags, flag)
	return nil
}

func (f *fakeFlagStore) List(_ context.Context, filters repositories.FlagFilters, limit, offset int) ([]*models.SuspiciousActivityFlag, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	matched := make([]*models.SuspiciousActivityFlag, 0)
	for _, flag := range f.flags {
		if filters.Acknowledged != nil && flag.Acknowledged != *filters.Acknowledged {
			continue
		}
		if filters.TriggerRule != nil && flag.TriggerRule != *filters.TriggerRule {
			continue
		}
		matched = append(matched, flag)
	}
	total := len(matched)
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (f *fakeFlagStore) GetByID(_ context.Context, id string) (*models.SuspiciousActivityFlag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, flag := range f.flags {
		if flag.ID == id {
			return flag, nil
		}
	}
	return nil, nil
}

func (f *fakeFlagStore) HasUnacknowledgedOverlap(_ context.Context, actorID, rule string, _, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlaps[actorID+"/"+rule], nil
}

func (f *fakeFlagStore) Acknowledge(_ context.Context, id, acknowledgedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, flag := range f.flags {
		if flag.ID == id {
			if !flag.Acknowledged {
				flag.Acknowledged = true
				flag.AcknowledgedBy = &acknowledgedBy
				now := time.Now()
				flag.AcknowledgedAt = &now
			}
			return nil
		}
	}
	return &apperrors.NotFoundError{Resource: "suspicious_flag", ID: id}
}

func (f *fakeFlagStore) all() []*models.SuspiciousActivityFlag {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.SuspiciousActivityFlag, len(f.flags))
	copy(out, f.flags)
	return out
}

func testConfig() *config.DetectorConfig {
	return &config.DetectorConfig{
		Enabled:                 true,
		ScanInterval:            time.Minute,
		Window:                  15 * time.Minute,
		AuthFailureThreshold:    3,
		ResourceSpreadThreshold: 4,
		DeleteBurstThreshold:    3,
	}
}

func authFailure(actorID string, n int) *models.AuditRecord {
	detail := "invalid credentials"
	return &models.AuditRecord{
		ID:           fmt.Sprintf("%s-auth-%d", actorID, n),
		TenantID:     "clinic-1",
		ActorID:      &actorID,
		Action:       "LOGIN",
		ResourceType: "AUTH",
		OccurredAt:   time.Now(),
		Success:      false,
		ErrorDetail:  &detail,
	}
}

func touchRecord(actorID, action, resourceType string, n int) *models.AuditRecord {
	return &models.AuditRecord{
		ID:           fmt.Sprintf("%s-%s-%d", actorID, action, n),
		TenantID:     "clinic-1",
		ActorID:      &actorID,
		Action:       action,
		ResourceType: resourceType,
		OccurredAt:   time.Now(),
		Success:      true,
	}
}

func newDetector(reader *fakeAuditReader, flags *fakeFlagStore) *detector.Detector {
	if flags.overlaps == nil {
		flags.overlaps = make(map[string]bool)
	}
	return detector.NewDetector(reader, flags, nil, testConfig())
}

// ---------------------------------------------------------------------------
// Rules
// ---------------------------------------------------------------------------

func TestAuthFailureRule(t *testing.T) {
	rule := &detector.AuthFailureRule{Threshold: 3}

	records := []*models.AuditRecord{
		authFailure("user-1", 1),
		authFailure("user-1", 2),
	}
	if finding := rule.Evaluate(records); finding != nil {
		t.Errorf("below threshold raised finding %+v", finding)
	}

	records = append(records, authFailure("user-1", 3))
	finding := rule.Evaluate(records)
	if finding == nil {
		t.Fatal("at threshold raised nothing")
	}
	if finding.Severity != models.SeverityCritical {
		t.Errorf("Severity = %q, want critical", finding.Severity)
	}
	if len(finding.RecordIDs) != 3 {
		t.Errorf("RecordIDs = %v", finding.RecordIDs)
	}
}

func TestAuthFailureRule_IgnoresSuccesses(t *testing.T) {
	rule := &detector.AuthFailureRule{Threshold: 2}

	records := []*models.AuditRecord{
		touchRecord("user-1", "LOGIN", "AUTH", 1),
		touchRecord("user-1", "LOGIN", "AUTH", 2),
		authFailure("user-1", 3),
	}
	if finding := rule.Evaluate(records); finding != nil {
		t.Errorf("successful logins counted as failures: %+v", finding)
	}
}

func TestResourceSpreadRule(t *testing.T) {
	rule := &detector.ResourceSpreadRule{Threshold: 3}

	records := []*models.AuditRecord{
		touchRecord("user-1", "READ", "PRODUCT", 1),
		touchRecord("user-1", "READ", "PRODUCT", 2),
		touchRecord("user-1", "READ", "PATIENT", 3),
	}
	if finding := rule.Evaluate(records); finding != nil {
		t.Errorf("two distinct types raised finding %+v", finding)
	}

	records = append(records, touchRecord("user-1", "READ", "SUPPLIER", 4))
	finding := rule.Evaluate(records)
	if finding == nil {
		t.Fatal("three distinct types raised nothing")
	}
	if finding.Severity != models.SeverityWarning {
		t.Errorf("Severity = %q, want warning", finding.Severity)
	}
	// one representative record per distinct type
	if len(finding.RecordIDs) != 3 {
		t.Errorf("RecordIDs = %v", finding.RecordIDs)
	}
}

func TestDeleteBurstRule(t *testing.T) {
	rule := &detector.DeleteBurstRule{Threshold: 2}

	records := []*models.AuditRecord{
		touchRecord("user-1", "DELETE", "PRODUCT", 1),
		touchRecord("user-1", "BULK_UPDATE", "PRODUCT", 2),
		touchRecord("user-1", "CREATE", "PRODUCT", 3),
	}
	finding := rule.Evaluate(records)
	if finding == nil {
		t.Fatal("delete burst raised nothing")
	}
	if len(finding.RecordIDs) != 2 {
		t.Errorf("RecordIDs = %v", finding.RecordIDs)
	}
	if finding.Severity != models.SeverityCritical {
		t.Errorf("Severity = %q, want critical", finding.Severity)
	}
}

// ---------------------------------------------------------------------------
// Scan
// ---------------------------------------------------------------------------

func TestScan_RaisesAuthFailureFlag(t *testing.T) {
	reader := &fakeAuditReader{records: []*models.AuditRecord{
		authFailure("user-1", 1),
		authFailure("user-1", 2),
		authFailure("user-1", 3),
	}}
	flags := &fakeFlagStore{}
	det := newDetector(reader, flags)

	raised, err := det.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if raised != 1 {
		t.Fatalf("raised = %d, want 1", raised)
	}

	flag := flags.all()[0]
	if flag.TriggerRule != "repeated_auth_failures" {
		t.Errorf("TriggerRule = %q", flag.TriggerRule)
	}
	if flag.ActorID != "user-1" {
		t.Errorf("ActorID = %q", flag.ActorID)
	}
	if flag.Acknowledged {
		t.Error("new flag already acknowledged")
	}
	if len(flag.RecordIDs) != 3 {
		t.Errorf("RecordIDs = %v", flag.RecordIDs)
	}
}

func TestScan_DedupesOverlappingUnacknowledged(t *testing.T) {
	reader := &fakeAuditReader{records: []*models.AuditRecord{
		authFailure("user-1", 1),
		authFailure("user-1", 2),
		authFailure("user-1", 3),
	}}
	flags := &fakeFlagStore{overlaps: map[string]bool{
		"user-1/repeated_auth_failures": true,
	}}
	det := newDetector(reader, flags)

	raised, err := det.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if raised != 0 {
		t.Errorf("raised = %d, want 0", raised)
	}
	if len(flags.all()) != 0 {
		t.Errorf("flags persisted despite overlap: %v", flags.all())
	}
}

func TestScan_GroupsByActor(t *testing.T) {
	records := []*models.AuditRecord{
		authFailure("user-1", 1),
		authFailure("user-1", 2),
		authFailure("user-2", 1),
	}
	records = append(records, authFailure("user-1", 3))
	reader := &fakeAuditReader{records: records}
	flags := &fakeFlagStore{}
	det := newDetector(reader, flags)

	raised, err := det.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	// user-1 has three failures, user-2 only one
	if raised != 1 {
		t.Fatalf("raised = %d, want 1", raised)
	}
	if flags.all()[0].ActorID != "user-1" {
		t.Errorf("ActorID = %q, want user-1", flags.all()[0].ActorID)
	}
}

func TestScan_SkipsAnonymousRecords(t *testing.T) {
	anon := authFailure("x", 1)
	anon.ActorID = nil
	reader := &fakeAuditReader{records: []*models.AuditRecord{anon, anon, anon}}
	flags := &fakeFlagStore{}
	det := newDetector(reader, flags)

	raised, err := det.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if raised != 0 {
		t.Errorf("raised = %d, want 0", raised)
	}
}

func TestScan_ReaderError(t *testing.T) {
	reader := &fakeAuditReader{err: errors.New("db down")}
	det := newDetector(reader, &fakeFlagStore{})

	if _, err := det.Scan(context.Background()); err == nil {
		t.Error("expected error from failing reader")
	}
}

// ---------------------------------------------------------------------------
// Flag operations
// ---------------------------------------------------------------------------

func TestListFlags(t *testing.T) {
	flags := &fakeFlagStore{}
	det := newDetector(&fakeAuditReader{}, flags)

	flags.flags = []*models.SuspiciousActivityFlag{
		{ID: "flag-1", TriggerRule: "delete_burst"},
		{ID: "flag-2", TriggerRule: "resource_spread", Acknowledged: true},
	}

	unack := false
	listed, total, err := det.ListFlags(context.Background(), repositories.FlagFilters{Acknowledged: &unack}, 10, 0)
	if err != nil {
		t.Fatalf("ListFlags: %v", err)
	}
	if total != 1 || listed[0].ID != "flag-1" {
		t.Errorf("total = %d, listed = %v", total, listed)
	}
}

func TestGetFlag_NotFound(t *testing.T) {
	det := newDetector(&fakeAuditReader{}, &fakeFlagStore{})

	_, err := det.GetFlag(context.Background(), "missing")
	var nferr *apperrors.NotFoundError
	if !errors.As(err, &nferr) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestAcknowledge(t *testing.T) {
	flags := &fakeFlagStore{}
	det := newDetector(&fakeAuditReader{}, flags)
	flags.flags = []*models.SuspiciousActivityFlag{{ID: "flag-1"}}

	if err := det.Acknowledge(context.Background(), "flag-1", "operator-1"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	flag := flags.all()[0]
	if !flag.Acknowledged || flag.AcknowledgedBy == nil || *flag.AcknowledgedBy != "operator-1" {
		t.Errorf("flag = %+v", flag)
	}

	if err := det.Acknowledge(context.Background(), "", "operator-1"); err == nil {
		t.Error("expected error for empty flag id")
	}
	if err := det.Acknowledge(context.Background(), "flag-1", ""); err == nil {
		t.Error("expected error for empty operator")
	}
}

func TestStartStop_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	det := detector.NewDetector(&fakeAuditReader{}, &fakeFlagStore{overlaps: map[string]bool{}}, nil, cfg)

	det.Start(context.Background())
	det.Stop()
	det.Stop()
}
