package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clinistock/audit-engine/internal/apperrors"
	"github.com/clinistock/audit-engine/internal/audit"
	"github.com/clinistock/audit-engine/internal/db/models"
	"github.com/clinistock/audit-engine/internal/db/repositories"
)

// fakeRepo is an in-memory audit.Repository with failure injection.
type fakeRepo struct {
	mu       sync.Mutex
	records  []*models.AuditRecord
	failNext int // number of Append calls to fail before succeeding
	listErr  error
}

func (f *fakeRepo) Append(_ context.Context, rec *models.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("insert failed")
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRepo) List(_ context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditRecord, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	matched := make([]*models.AuditRecord, 0)
	for _, rec := range f.records {
		if filters.ResourceType != nil && rec.ResourceType != *filters.ResourceType {
			continue
		}
		if filters.ResourceID != nil && (rec.ResourceID == nil || *rec.ResourceID != *filters.ResourceID) {
			continue
		}
		if filters.ActorID != nil && (rec.ActorID == nil || *rec.ActorID != *filters.ActorID) {
			continue
		}
		matched = append(matched, rec)
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

func (f *fakeRepo) GetByID(_ context.Context, id string) (*models.AuditRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) Summary(_ context.Context, _ *string, _, _ time.Time) (*repositories.AuditSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	summary := &repositories.AuditSummary{
		CountsByAction:  make(map[string]int),
		CountsByOutcome: make(map[string]int),
	}
	for _, rec := range f.records {
		summary.CountsByAction[rec.Action]++
		if rec.Success {
			summary.CountsByOutcome["success"]++
		} else {
			summary.CountsByOutcome["failure"]++
		}
		summary.TotalCount++
	}
	return summary, nil
}

func (f *fakeRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func validRecord() *models.AuditRecord {
	return &models.AuditRecord{
		TenantID:     "clinic-1",
		Action:       "UPDATE",
		ResourceType: "PRODUCT",
		Success:      true,
	}
}

// ---------------------------------------------------------------------------
// Append
// ---------------------------------------------------------------------------

func TestStoreAppend_Valid(t *testing.T) {
	repo := &fakeRepo{}
	store := audit.NewStore(repo)

	if err := store.Append(context.Background(), validRecord()); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if repo.count() != 1 {
		t.Errorf("records = %d, want 1", repo.count())
	}
}

func TestStoreAppend_ValidationErrors(t *testing.T) {
	store := audit.NewStore(&fakeRepo{})

	cases := []struct {
		name   string
		mutate func(*models.AuditRecord)
	}{
		{"missing action", func(r *models.AuditRecord) { r.Action = "" }},
		{"missing resource type", func(r *models.AuditRecord) { r.ResourceType = "" }},
		{"missing tenant", func(r *models.AuditRecord) { r.TenantID = "" }},
		{"failure without detail", func(r *models.AuditRecord) { r.Success = false }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := validRecord()
			tc.mutate(rec)
			err := store.Append(context.Background(), rec)
			var verr *apperrors.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestStoreAppend_RetriesOnce(t *testing.T) {
	repo := &fakeRepo{failNext: 1}
	store := audit.NewStore(repo)

	if err := store.Append(context.Background(), validRecord()); err != nil {
		t.Fatalf("Append after one failure: %v", err)
	}
	if repo.count() != 1 {
		t.Errorf("records = %d, want 1", repo.count())
	}
}

func TestStoreAppend_StorageErrorAfterRetry(t *testing.T) {
	repo := &fakeRepo{failNext: 2}
	store := audit.NewStore(repo)

	err := store.Append(context.Background(), validRecord())
	var serr *apperrors.StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if repo.count() != 0 {
		t.Errorf("records = %d, want 0", repo.count())
	}
}

// ---------------------------------------------------------------------------
// Query / GetByID / ResourceTrail / Summary
// ---------------------------------------------------------------------------

func TestStoreQuery_ClampsLimit(t *testing.T) {
	repo := &fakeRepo{}
	store := audit.NewStore(repo)
	for i := 0; i < 3; i++ {
		if err := store.Append(context.Background(), validRecord()); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	records, total, err := store.Query(context.Background(), repositories.AuditFilters{}, -5, -1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 3 || len(records) != 3 {
		t.Errorf("total = %d, len = %d, want 3, 3", total, len(records))
	}
}

func TestStoreQuery_InvertedRange(t *testing.T) {
	store := audit.NewStore(&fakeRepo{})
	after := time.Now()
	before := after.Add(-time.Hour)

	_, _, err := store.Query(context.Background(), repositories.AuditFilters{
		OccurredAfter:  &after,
		OccurredBefore: &before,
	}, 10, 0)
	var verr *apperrors.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestStoreQuery_StorageError(t *testing.T) {
	store := audit.NewStore(&fakeRepo{listErr: errors.New("db down")})

	_, _, err := store.Query(context.Background(), repositories.AuditFilters{}, 10, 0)
	var serr *apperrors.StorageError
	if !errors.As(err, &serr) {
		t.Errorf("expected StorageError, got %v", err)
	}
}

func TestStoreGetByID_NotFound(t *testing.T) {
	store := audit.NewStore(&fakeRepo{})

	_, err := store.GetByID(context.Background(), "missing")
	var nferr *apperrors.NotFoundError
	if !errors.As(err, &nferr) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestStoreResourceTrail(t *testing.T) {
	repo := &fakeRepo{}
	store := audit.NewStore(repo)

	prodID := "prod-3"
	rec := validRecord()
	rec.ResourceID = &prodID
	if err := store.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	other := validRecord()
	other.ResourceType = "PATIENT"
	if err := store.Append(context.Background(), other); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, total, err := store.ResourceTrail(context.Background(), "PRODUCT", prodID, 10, 0)
	if err != nil {
		t.Fatalf("ResourceTrail: %v", err)
	}
	if total != 1 || len(records) != 1 {
		t.Fatalf("total = %d, len = %d, want 1, 1", total, len(records))
	}

	if _, _, err := store.ResourceTrail(context.Background(), "", prodID, 10, 0); err == nil {
		t.Error("expected error for empty resource type")
	}
}

func TestStoreSummary(t *testing.T) {
	repo := &fakeRepo{}
	store := audit.NewStore(repo)

	rec := validRecord()
	if err := store.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	detail := "denied"
	failed := validRecord()
	failed.Success = false
	failed.ErrorDetail = &detail
	if err := store.Append(context.Background(), failed); err != nil {
		t.Fatalf("Append: %v", err)
	}

	summary, err := store.Summary(context.Background(), nil, time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.TotalCount != 2 {
		t.Errorf("TotalCount = %d, want 2", summary.TotalCount)
	}
	if summary.CountsByOutcome["success"] != 1 || summary.CountsByOutcome["failure"] != 1 {
		t.Errorf("CountsByOutcome = %v", summary.CountsByOutcome)
	}

	if _, err := store.Summary(context.Background(), nil, time.Now(), time.Now().Add(-time.Hour)); err == nil {
		t.Error("expected error for inverted range")
	}
}
