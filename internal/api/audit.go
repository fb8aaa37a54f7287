// audit.go implements the read-only query endpoints over the audit trail.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clinistock/audit-engine/internal/audit"
	"github.com/clinistock/audit-engine/internal/db/models"
	"github.com/clinistock/audit-engine/internal/db/repositories"
)

// defaultSummaryWindow is the range queried when the caller gives no
// explicit start/end, covering the most recent day of activity.
const defaultSummaryWindow = 24 * time.Hour

// AuditHandler serves operator queries over persisted audit records.
type AuditHandler struct {
	store *audit.Store
}

// NewAuditHandler creates the audit query handler.
func NewAuditHandler(store *audit.Store) *AuditHandler {
	return &AuditHandler{store: store}
}

// @Summary      Query audit records
// @Description  Filtered, paginated query over the audit trail, newest first.
// @Tags         Audit
// @Produce      json
// @Param        tenant_id      query  string  false  "Filter by tenant"
// @Param        actor_id       query  string  false  "Filter by actor"
// @Param        action         query  string  false  "Filter by action"
// @Param        resource_type  query  string  false  "Filter by resource type"
// @Param        resource_id    query  string  false  "Filter by resource id"
// @Param        success        query  bool    false  "Filter by outcome"
// @Param        occurred_after  query string  false  "RFC 3339 lower bound"
// @Param        occurred_before query string  false  "RFC 3339 upper bound"
// @Param        limit          query  int     false  "Maximum results (default 50, max 500)"
// @Param        offset         query  int     false  "Pagination offset"
// @Success      200  {object}  map[string]interface{}  "records: [], meta: {limit, offset, total}"
// @Router       /api/v1/audit [get]
func (h *AuditHandler) Query(c *gin.Context) {
	after, err := queryTime(c, "occurred_after")
	if err != nil {
		RespondError(c, err)
		return
	}
	before, err := queryTime(c, "occurred_before")
	if err != nil {
		RespondError(c, err)
		return
	}

	filters := repositories.AuditFilters{
		TenantID:       queryString(c, "tenant_id"),
		ActorID:        queryString(c, "actor_id"),
		Action:         queryString(c, "action"),
		ResourceType:   queryString(c, "resource_type"),
		ResourceID:     queryString(c, "resource_id"),
		Success:        queryBool(c, "success"),
		OccurredAfter:  after,
		OccurredBefore: before,
	}
	limit, offset := Pagination(c, audit.DefaultQueryLimit, audit.MaxQueryLimit)

	records, total, err := h.store.Query(c.Request.Context(), filters, limit, offset)
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": formatAuditRecords(records),
		"meta": gin.H{
			"limit":  limit,
			"offset": offset,
			"total":  total,
		},
	})
}

// @Summary      Audit activity summary
// @Description  Counts by action and by outcome over a time range. The range
// @Description  defaults to the trailing 24 hours.
// @Tags         Audit
// @Produce      json
// @Param        tenant_id query string false "Filter by tenant"
// @Param        start     query string false "RFC 3339 range start"
// @Param        end       query string false "RFC 3339 range end"
// @Success      200  {object}  repositories.AuditSummary
// @Router       /api/v1/audit/summary [get]
func (h *AuditHandler) Summary(c *gin.Context) {
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
	start := end.Add(-defaultSummaryWindow)
	if startPtr != nil {
		start = *startPtr
	}

	summary, err := h.store.Summary(c.Request.Context(), queryString(c, "tenant_id"), start, end)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// @Summary      Per-resource audit trail
// @Description  Full audit history of one resource, newest first.
// @Tags         Audit
// @Produce      json
// @Param        type    path   string  true   "Resource type"
// @Param        id      path   string  true   "Resource id"
// @Param        limit   query  int     false  "Maximum results (default 50, max 500)"
// @Param        offset  query  int     false  "Pagination offset"
// @Success      200  {object}  map[string]interface{}  "records: [], meta: {limit, offset, total}"
// @Router       /api/v1/audit/resource/{type}/{id} [get]
func (h *AuditHandler) ResourceTrail(c *gin.Context) {
	limit, offset := Pagination(c, audit.DefaultQueryLimit, audit.MaxQueryLimit)

	records, total, err := h.store.ResourceTrail(c.Request.Context(), c.Param("type"), c.Param("id"), limit, offset)
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": formatAuditRecords(records),
		"meta": gin.H{
			"limit":  limit,
			"offset": offset,
			"total":  total,
		},
	})
}

func formatAuditRecords(records []*models.AuditRecord) []gin.H {
	out := make([]gin.H, len(records))
	for i, r := range records {
		out[i] = gin.H{
			"id":            r.ID,
			"tenant_id":     r.TenantID,
			"actor_id":      r.ActorID,
			"action":        r.Action,
			"resource_type": r.ResourceType,
			"resource_id":   r.ResourceID,
			"before_state":  r.BeforeState,
			"after_state":   r.AfterState,
			"client_ip":     r.ClientIP,
			"user_agent":    r.UserAgent,
			"occurred_at":   r.OccurredAt,
			"success":       r.Success,
			"error_detail":  r.ErrorDetail,
			"metadata":      r.Metadata,
		}
	}
	return out
}
