// movements.go implements the stock-movement ledger endpoints: recording a
// movement and the operator queries over the ledger.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clinistock/audit-engine/internal/audit"
	"github.com/clinistock/audit-engine/internal/db/models"
	"github.com/clinistock/audit-engine/internal/db/repositories"
	"github.com/clinistock/audit-engine/internal/ledger"
	"github.com/clinistock/audit-engine/internal/middleware"
)

// defaultStatsWindow is the range aggregated when the caller gives no
// explicit start/end.
const defaultStatsWindow = 30 * 24 * time.Hour

// MovementHandler serves the stock-movement ledger.
type MovementHandler struct {
	ledger *ledger.Ledger
}

// NewMovementHandler creates the movement handler.
func NewMovementHandler(l *ledger.Ledger) *MovementHandler {
	return &MovementHandler{ledger: l}
}

// movementRequest is the JSON body accepted by Record. Tenant and actor come
// from the request identity; the body may carry them for callers recording on
// behalf of batch processes that authenticate differently.
type movementRequest struct {
	TenantID      string     `json:"tenant_id"`
	ProductID     string     `json:"product_id" binding:"required"`
	MovementType  string     `json:"movement_type" binding:"required"`
	QuantityDelta int64      `json:"quantity_delta"`
	ActorID       string     `json:"actor_id"`
	PatientID     *string    `json:"patient_id"`
	Notes         string     `json:"notes"`
	OccurredAt    *time.Time `json:"occurred_at"`
}

// @Summary      Record a stock movement
// @Description  Appends one movement to the ledger. Entries must carry a
// @Description  positive quantity delta, exits a negative one; adjustments
// @Description  accept either sign but never zero.
// @Tags         Movements
// @Accept       json
// @Produce      json
// @Success      201  {object}  models.StockMovement
// @Failure      400  {object}  map[string]interface{}  "Validation failure"
// @Router       /api/v1/movements [post]
func (h *MovementHandler) Record(c *gin.Context) {
	var req movementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	rc := requestIdentity(c)
	in := ledger.MovementInput{
		TenantID:      req.TenantID,
		ProductID:     req.ProductID,
		MovementType:  req.MovementType,
		QuantityDelta: req.QuantityDelta,
		ActorID:       req.ActorID,
		PatientID:     req.PatientID,
		Notes:         req.Notes,
	}
	if in.TenantID == "" {
		in.TenantID = rc.TenantID
	}
	if in.ActorID == "" && rc.ActorID != nil {
		in.ActorID = *rc.ActorID
	}
	if req.OccurredAt != nil {
		in.OccurredAt = *req.OccurredAt
	}
	if rid := c.GetString(middleware.RequestIDKey); rid != "" {
		in.RequestID = &rid
	}

	movement, err := h.ledger.RecordMovement(c.Request.Context(), rc, in)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, formatMovement(movement))
}

// @Summary      Query stock movements
// @Description  Filtered, paginated query over the ledger, newest first.
// @Tags         Movements
// @Produce      json
// @Param        tenant_id      query  string  false  "Filter by tenant"
// @Param        product_id     query  string  false  "Filter by product"
// @Param        actor_id       query  string  false  "Filter by actor"
// @Param        patient_id     query  string  false  "Filter by patient"
// @Param        movement_type  query  string  false  "entry, exit or adjustment"
// @Param        start          query  string  false  "RFC 3339 lower bound"
// @Param        end            query  string  false  "RFC 3339 upper bound"
// @Param        limit          query  int     false  "Maximum results (default 50, max 500)"
// @Param        offset         query  int     false  "Pagination offset"
// @Success      200  {object}  map[string]interface{}  "movements: [], meta: {limit, offset, total}"
// @Router       /api/v1/movements [get]
func (h *MovementHandler) Query(c *gin.Context) {
	start, err := queryTime(c, "start")
	if err != nil {
		RespondError(c, err)
		return
	}
	end, err := queryTime(c, "end")
	if err != nil {
		RespondError(c, err)
		return
	}

	filters := repositories.MovementFilters{
		TenantID:     queryString(c, "tenant_id"),
		ProductID:    queryString(c, "product_id"),
		ActorID:      queryString(c, "actor_id"),
		PatientID:    queryString(c, "patient_id"),
		RequestID:    queryString(c, "request_id"),
		MovementType: queryString(c, "movement_type"),
		Start:        start,
		End:          end,
	}
	limit, offset := Pagination(c, ledger.DefaultQueryLimit, ledger.MaxQueryLimit)

	movements, total, err := h.ledger.Query(c.Request.Context(), filters, limit, offset)
	if err != nil {
		RespondError(c, err)
		return
	}

	formatted := make([]gin.H, len(movements))
	for i, m := range movements {
		formatted[i] = formatMovement(m)
	}
	c.JSON(http.StatusOK, gin.H{
		"movements": formatted,
		"meta": gin.H{
			"limit":  limit,
			"offset": offset,
			"total":  total,
		},
	})
}

// @Summary      Get one stock movement
// @Tags         Movements
// @Produce      json
// @Param        id  path  string  true  "Movement id"
// @Success      200  {object}  models.StockMovement
// @Failure      404  {object}  map[string]interface{}  "Unknown movement"
// @Router       /api/v1/movements/{id} [get]
func (h *MovementHandler) GetByID(c *gin.Context) {
	movement, err := h.ledger.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, formatMovement(movement))
}

func formatMovement(m *models.StockMovement) gin.H {
	return gin.H{
		"id":             m.ID,
		"tenant_id":      m.TenantID,
		"product_id":     m.ProductID,
		"movement_type":  m.MovementType,
		"quantity_delta": m.QuantityDelta,
		"occurred_at":    m.OccurredAt,
		"actor_id":       m.ActorID,
		"patient_id":     m.PatientID,
		"request_id":     m.RequestID,
		"notes":          m.Notes,
	}
}

// @Summary      Stock movement statistics
// @Description  Per-type counts and quantity totals plus the overall in/out
// @Description  split. The range defaults to the trailing 30 days.
// @Tags         Movements
// @Produce      json
// @Param        tenant_id query string false "Filter by tenant"
// @Param        start     query string false "RFC 3339 range start"
// @Param        end       query string false "RFC 3339 range end"
// @Success      200  {object}  repositories.MovementStats
// @Router       /api/v1/movements/stats [get]
func (h *MovementHandler) Stats(c *gin.Context) {
	startPtr, err := queryTime(c, "start")
	if err != nil {
		RespondError(c, err)
		return
	}
	endPtr, err := queryTime(c, "end")
	if err != nil {
		RespondError(c, err)
		return
	}

	end := time.Now().UTC()
	if endPtr != nil {
		end = *endPtr
	}
	start := end.Add(-defaultStatsWindow)
	if startPtr != nil {
		start = *startPtr
	}

	stats, err := h.ledger.GetStats(c.Request.Context(), queryString(c, "tenant_id"), start, end)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// requestIdentity assembles the audit identity of the current request from
// what the identity middleware extracted.
func requestIdentity(c *gin.Context) audit.RequestContext {
	rc := audit.RequestContext{TenantID: middleware.TenantID(c)}
	if actor := middleware.ActorID(c); actor != "" {
		rc.ActorID = &actor
	}
	if ip := c.ClientIP(); ip != "" {
		rc.ClientIP = &ip
	}
	if ua := c.Request.UserAgent(); ua != "" {
		rc.UserAgent = &ua
	}
	return rc
}
