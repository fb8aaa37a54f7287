package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clinistock/audit-engine/internal/audit"
	"github.com/clinistock/audit-engine/internal/db/models"
	"github.com/clinistock/audit-engine/internal/db/repositories"
	"github.com/clinistock/audit-engine/internal/ledger"
)

// fakeMovementRepo is an in-memory ledger.Repository.
type fakeMovementRepo struct {
	movements []*models.StockMovement

	statsStart time.Time
	statsEnd   time.Time
}

func (f *fakeMovementRepo) Create(ctx context.Context, m *models.StockMovement) error {
	clone := *m
	f.movements = append(f.movements, &clone)
	return nil
}

func (f *fakeMovementRepo) List(ctx context.Context, filters repositories.MovementFilters, limit, offset int) ([]*models.StockMovement, int, error) {
	return f.movements, len(f.movements), nil
}

func (f *fakeMovementRepo) GetByID(ctx context.Context, id string) (*models.StockMovement, error) {
	for _, m := range f.movements {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, nil
}

func (f *fakeMovementRepo) Stats(ctx context.Context, tenantID *string, start, end time.Time) (*repositories.MovementStats, error) {
	f.statsStart = start
	f.statsEnd = end
	stats := &repositories.MovementStats{ByType: map[string]repositories.MovementTypeStat{}}
	for _, m := range f.movements {
		entry := stats.ByType[m.MovementType]
		entry.Count++
		entry.QuantityTotal += m.QuantityDelta
		stats.ByType[m.MovementType] = entry
		if m.QuantityDelta > 0 {
			stats.TotalIn += m.QuantityDelta
		} else {
			stats.TotalOut += -m.QuantityDelta
		}
	}
	return stats, nil
}

func newMovementRouter(t *testing.T, repo *fakeMovementRepo) (*gin.Engine, *fakeAuditRepo) {
	t.Helper()

	auditRepo := &fakeAuditRepo{}
	writer := audit.NewWriter(audit.NewStore(auditRepo), nil, 16, time.Second)
	t.Cleanup(writer.Close)
	capture := audit.NewCapture(writer, true, "clinic-default")

	h := NewMovementHandler(ledger.NewLedger(repo, capture))

	r := gin.New()
	r.POST("/api/v1/movements", h.Record)
	r.GET("/api/v1/movements", h.Query)
	r.GET("/api/v1/movements/stats", h.Stats)
	r.GET("/api/v1/movements/:id", h.GetByID)
	return r, auditRepo
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestRecordMovement_Created(t *testing.T) {
	repo := &fakeMovementRepo{}
	r, _ := newMovementRouter(t, repo)

	w := postJSON(r, "/api/v1/movements", `{
		"tenant_id": "clinic-1",
		"product_id": "prod-1",
		"movement_type": "entry",
		"quantity_delta": 5,
		"actor_id": "user-1"
	}`)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["id"] == "" || body["movement_type"] != "entry" || body["quantity_delta"].(float64) != 5 {
		t.Errorf("unexpected response: %v", body)
	}
	if len(repo.movements) != 1 {
		t.Fatalf("persisted %d movements, want 1", len(repo.movements))
	}
}

func TestRecordMovement_SignViolation(t *testing.T) {
	r, _ := newMovementRouter(t, &fakeMovementRepo{})

	w := postJSON(r, "/api/v1/movements", `{
		"tenant_id": "clinic-1",
		"product_id": "prod-1",
		"movement_type": "entry",
		"quantity_delta": -5,
		"actor_id": "user-1"
	}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestRecordMovement_MissingProductID(t *testing.T) {
	r, _ := newMovementRouter(t, &fakeMovementRepo{})

	w := postJSON(r, "/api/v1/movements", `{
		"tenant_id": "clinic-1",
		"movement_type": "entry",
		"quantity_delta": 5,
		"actor_id": "user-1"
	}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestMovementQuery_ReturnsPage(t *testing.T) {
	repo := &fakeMovementRepo{movements: []*models.StockMovement{
		{ID: "mv-1", TenantID: "clinic-1", ProductID: "prod-1", MovementType: "entry", QuantityDelta: 5, ActorID: "user-1"},
	}}
	r, _ := newMovementRouter(t, repo)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/movements", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	movements := body["movements"].([]interface{})
	if len(movements) != 1 {
		t.Fatalf("movements = %d, want 1", len(movements))
	}
	first := movements[0].(map[string]interface{})
	if first["id"] != "mv-1" || first["product_id"] != "prod-1" {
		t.Errorf("unexpected movement shape: %v", first)
	}
}

func TestMovementGetByID_NotFound(t *testing.T) {
	r, _ := newMovementRouter(t, &fakeMovementRepo{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/movements/missing", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", w.Code, w.Body.String())
	}
}

func TestMovementStats_DefaultRange(t *testing.T) {
	repo := &fakeMovementRepo{movements: []*models.StockMovement{
		{ID: "mv-1", MovementType: "entry", QuantityDelta: 20},
		{ID: "mv-2", MovementType: "exit", QuantityDelta: -7},
	}}
	r, _ := newMovementRouter(t, repo)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/movements/stats", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if span := repo.statsEnd.Sub(repo.statsStart); span != 30*24*time.Hour {
		t.Errorf("default stats span = %v, want 30 days", span)
	}
	body := decodeBody(t, w)
	if body["total_in"].(float64) != 20 || body["total_out"].(float64) != 7 {
		t.Errorf("unexpected totals: %v", body)
	}
}
