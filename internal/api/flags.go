// flags.go implements the suspicious-activity flag review endpoints.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clinistock/audit-engine/internal/db/models"
	"github.com/clinistock/audit-engine/internal/db/repositories"
	"github.com/clinistock/audit-engine/internal/detector"
	"github.com/clinistock/audit-engine/internal/middleware"
)

// FlagHandler serves review and acknowledgement of raised flags.
type FlagHandler struct {
	detector *detector.Detector
}

// NewFlagHandler creates the flag review handler.
func NewFlagHandler(d *detector.Detector) *FlagHandler {
	return &FlagHandler{detector: d}
}

// @Summary      List suspicious-activity flags
// @Description  Filtered, paginated list of raised flags, newest first.
// @Tags         Flags
// @Produce      json
// @Param        actor_id      query  string  false  "Filter by flagged actor"
// @Param        trigger_rule  query  string  false  "Filter by detection rule"
// @Param        severity      query  string  false  "warning or critical"
// @Param        acknowledged  query  bool    false  "Filter by review state"
// @Param        created_after query  string  false  "RFC 3339 lower bound"
// @Param        limit         query  int     false  "Maximum results (default 50, max 500)"
// @Param        offset        query  int     false  "Pagination offset"
// @Success      200  {object}  map[string]interface{}  "flags: [], meta: {limit, offset, total}"
// @Router       /api/v1/flags [get]
func (h *FlagHandler) List(c *gin.Context) {
	createdAfter, err := queryTime(c, "created_after")
	if err != nil {
		RespondError(c, err)
		return
	}

	filters := repositories.FlagFilters{
		ActorID:      queryString(c, "actor_id"),
		TriggerRule:  queryString(c, "trigger_rule"),
		Severity:     queryString(c, "severity"),
		Acknowledged: queryBool(c, "acknowledged"),
		CreatedAfter: createdAfter,
	}
	limit, offset := Pagination(c, detector.DefaultQueryLimit, detector.MaxQueryLimit)

	flags, total, err := h.detector.ListFlags(c.Request.Context(), filters, limit, offset)
	if err != nil {
		RespondError(c, err)
		return
	}

	formatted := make([]gin.H, len(flags))
	for i, f := range flags {
		formatted[i] = formatFlag(f)
	}
	c.JSON(http.StatusOK, gin.H{
		"flags": formatted,
		"meta": gin.H{
			"limit":  limit,
			"offset": offset,
			"total":  total,
		},
	})
}

// @Summary      Get one flag
// @Tags         Flags
// @Produce      json
// @Param        id  path  string  true  "Flag id"
// @Success      200  {object}  models.SuspiciousActivityFlag
// @Failure      404  {object}  map[string]interface{}  "Unknown flag"
// @Router       /api/v1/flags/{id} [get]
func (h *FlagHandler) GetByID(c *gin.Context) {
	flag, err := h.detector.GetFlag(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, formatFlag(flag))
}

func formatFlag(f *models.SuspiciousActivityFlag) gin.H {
	return gin.H{
		"id":              f.ID,
		"actor_id":        f.ActorID,
		"window_start":    f.WindowStart,
		"window_end":      f.WindowEnd,
		"trigger_rule":    f.TriggerRule,
		"record_ids":      f.RecordIDs,
		"severity":        f.Severity,
		"acknowledged":    f.Acknowledged,
		"acknowledged_by": f.AcknowledgedBy,
		"acknowledged_at": f.AcknowledgedAt,
		"created_at":      f.CreatedAt,
	}
}

// acknowledgeRequest optionally names the reviewer when the request identity
// carries no actor.
type acknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

// @Summary      Acknowledge a flag
// @Description  Marks a flag reviewed, recording who reviewed it. The
// @Description  reviewer defaults to the authenticated actor.
// @Tags         Flags
// @Accept       json
// @Produce      json
// @Param        id  path  string  true  "Flag id"
// @Success      200  {object}  map[string]interface{}  "acknowledged: true"
// @Failure      404  {object}  map[string]interface{}  "Unknown flag"
// @Router       /api/v1/flags/{id}/acknowledge [post]
func (h *FlagHandler) Acknowledge(c *gin.Context) {
	var req acknowledgeRequest
	// Body is optional; the authenticated actor is enough.
	_ = c.ShouldBindJSON(&req)

	reviewer := req.AcknowledgedBy
	if reviewer == "" {
		reviewer = middleware.ActorID(c)
	}

	if err := h.detector.Acknowledge(c.Request.Context(), c.Param("id"), reviewer); err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true, "id": c.Param("id")})
}
