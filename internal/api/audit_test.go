package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clinistock/audit-engine/internal/audit"
	"github.com/clinistock/audit-engine/internal/db/models"
	"github.com/clinistock/audit-engine/internal/db/repositories"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeAuditRepo is an in-memory audit.Repository recording the filters each
// query was called with.
type fakeAuditRepo struct {
	records []*models.AuditRecord

	listErr     error
	lastFilters repositories.AuditFilters

	summaryStart time.Time
	summaryEnd   time.Time
}

func (f *fakeAuditRepo) Append(ctx context.Context, rec *models.AuditRecord) error {
	clone := *rec
	f.records = append(f.records, &clone)
	return nil
}

func (f *fakeAuditRepo) List(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditRecord, int, error) {
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	f.lastFilters = filters
	return f.records, len(f.records), nil
}

func (f *fakeAuditRepo) GetByID(ctx context.Context, id string) (*models.AuditRecord, error) {
	for _, r := range f.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeAuditRepo) Summary(ctx context.Context, tenantID *string, start, end time.Time) (*repositories.AuditSummary, error) {
	f.summaryStart = start
	f.summaryEnd = end
	summary := &repositories.AuditSummary{
		CountsByAction:  map[string]int{},
		CountsByOutcome: map[string]int{"success": 0, "failure": 0},
	}
	for _, r := range f.records {
		summary.CountsByAction[r.Action]++
		if r.Success {
			summary.CountsByOutcome["success"]++
		} else {
			summary.CountsByOutcome["failure"]++
		}
		summary.TotalCount++
	}
	return summary, nil
}

func auditRecordFixture(id, action string) *models.AuditRecord {
	return &models.AuditRecord{
		ID:           id,
		TenantID:     "clinic-1",
		Action:       action,
		ResourceType: "PRODUCT",
		OccurredAt:   time.Now().UTC(),
		Success:      true,
	}
}

// ---------------------------------------------------------------------------
// Router helper
// ---------------------------------------------------------------------------

func newAuditRouter(repo *fakeAuditRepo) *gin.Engine {
	h := NewAuditHandler(audit.NewStore(repo))

	r := gin.New()
	r.GET("/api/v1/audit", h.Query)
	r.GET("/api/v1/audit/summary", h.Summary)
	r.GET("/api/v1/audit/resource/:type/:id", h.ResourceTrail)
	return r
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v: %s", err, w.Body.String())
	}
	return body
}

// ---------------------------------------------------------------------------
// Query tests
// ---------------------------------------------------------------------------

func TestAuditQuery_ReturnsRecords(t *testing.T) {
	repo := &fakeAuditRepo{records: []*models.AuditRecord{
		auditRecordFixture("rec-1", "CREATE"),
		auditRecordFixture("rec-2", "UPDATE"),
	}}
	r := newAuditRouter(repo)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/audit?limit=10", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	records := body["records"].([]interface{})
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	first := records[0].(map[string]interface{})
	if first["id"] != "rec-1" || first["tenant_id"] != "clinic-1" || first["action"] != "CREATE" {
		t.Errorf("unexpected record shape: %v", first)
	}
	meta := body["meta"].(map[string]interface{})
	if meta["total"].(float64) != 2 || meta["limit"].(float64) != 10 {
		t.Errorf("unexpected meta: %v", meta)
	}
}

func TestAuditQuery_FilterPassthrough(t *testing.T) {
	repo := &fakeAuditRepo{}
	r := newAuditRouter(repo)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/audit?tenant_id=clinic-2&actor_id=user-9&success=false", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got := repo.lastFilters
	if got.TenantID == nil || *got.TenantID != "clinic-2" {
		t.Errorf("TenantID filter not forwarded: %v", got.TenantID)
	}
	if got.ActorID == nil || *got.ActorID != "user-9" {
		t.Errorf("ActorID filter not forwarded: %v", got.ActorID)
	}
	if got.Success == nil || *got.Success != false {
		t.Errorf("Success filter not forwarded: %v", got.Success)
	}
}

func TestAuditQuery_MalformedTimestamp(t *testing.T) {
	r := newAuditRouter(&fakeAuditRepo{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/audit?occurred_after=yesterday", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestAuditQuery_StorageErrorIsOpaque(t *testing.T) {
	repo := &fakeAuditRepo{listErr: context.DeadlineExceeded}
	r := newAuditRouter(repo)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/audit", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	body := decodeBody(t, w)
	if body["error"] != "internal server error" {
		t.Errorf("error = %q, storage detail must not leak", body["error"])
	}
}

// ---------------------------------------------------------------------------
// Summary tests
// ---------------------------------------------------------------------------

func TestAuditSummary_DefaultsToTrailingDay(t *testing.T) {
	repo := &fakeAuditRepo{records: []*models.AuditRecord{
		auditRecordFixture("rec-1", "CREATE"),
	}}
	r := newAuditRouter(repo)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/audit/summary", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	span := repo.summaryEnd.Sub(repo.summaryStart)
	if span != 24*time.Hour {
		t.Errorf("default summary span = %v, want 24h", span)
	}
	body := decodeBody(t, w)
	if body["total_count"].(float64) != 1 {
		t.Errorf("total_count = %v, want 1", body["total_count"])
	}
}

func TestAuditSummary_ExplicitRange(t *testing.T) {
	repo := &fakeAuditRepo{}
	r := newAuditRouter(repo)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET",
		"/api/v1/audit/summary?start=2026-08-01T00:00:00Z&end=2026-08-02T00:00:00Z", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if !repo.summaryStart.Equal(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", repo.summaryStart)
	}
	if !repo.summaryEnd.Equal(time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("end = %v", repo.summaryEnd)
	}
}

func TestAuditSummary_InvertedRange(t *testing.T) {
	r := newAuditRouter(&fakeAuditRepo{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET",
		"/api/v1/audit/summary?start=2026-08-02T00:00:00Z&end=2026-08-01T00:00:00Z", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Resource trail tests
// ---------------------------------------------------------------------------

func TestAuditResourceTrail_FiltersByResource(t *testing.T) {
	repo := &fakeAuditRepo{records: []*models.AuditRecord{
		auditRecordFixture("rec-1", "UPDATE"),
	}}
	r := newAuditRouter(repo)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/audit/resource/PRODUCT/prod-7", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	got := repo.lastFilters
	if got.ResourceType == nil || *got.ResourceType != "PRODUCT" {
		t.Errorf("ResourceType filter = %v, want PRODUCT", got.ResourceType)
	}
	if got.ResourceID == nil || *got.ResourceID != "prod-7" {
		t.Errorf("ResourceID filter = %v, want prod-7", got.ResourceID)
	}
}
