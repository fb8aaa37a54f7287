// rules.go defines the detection rules the scanner runs over each actor's
// window of audit records. Every rule implements the same Rule contract, so
// new heuristics plug into the scan loop without touching it.
package detector

import (
	"strings"

	"github.com/clinistock/audit-engine/internal/db/models"
)

// Finding is a rule hit: the records that tripped the rule and its severity.
type Finding struct {
	RecordIDs []string
	Severity  string
}

// Rule evaluates one actor's audit records within the trailing window and
// returns a Finding, or nil when nothing anomalous was seen. Records arrive
// ordered oldest first.
type Rule interface {
	Name() string
	Evaluate(records []*models.AuditRecord) *Finding
}

// AuthFailureRule flags repeated authentication failures.
type AuthFailureRule struct {
	Threshold int
}

func (r *AuthFailureRule) Name() string { return "repeated_auth_failures" }

func (r *AuthFailureRule) Evaluate(records []*models.AuditRecord) *Finding {
	var ids []string
	for _, rec := range records {
		if rec.ResourceType == "AUTH" && rec.Failed() {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) < r.Threshold {
		return nil
	}
	return &Finding{RecordIDs: ids, Severity: models.SeverityCritical}
}

// ResourceSpreadRule flags one actor touching an unusually high number of
// distinct resource types, a lateral-movement signal.
type ResourceSpreadRule struct {
	Threshold int
}

func (r *ResourceSpreadRule) Name() string { return "resource_spread" }

func (r *ResourceSpreadRule) Evaluate(records []*models.AuditRecord) *Finding {
	seen := make(map[string]bool)
	var ids []string
	for _, rec := range records {
		if rec.ResourceType == "" || rec.ResourceType == "AUTH" {
			continue
		}
		if !seen[rec.ResourceType] {
			seen[rec.ResourceType] = true
			ids = append(ids, rec.ID)
		}
	}
	if len(seen) < r.Threshold {
		return nil
	}
	return &Finding{RecordIDs: ids, Severity: models.SeverityWarning}
}

// DeleteBurstRule flags a burst of delete or bulk-class actions.
type DeleteBurstRule struct {
	Threshold int
}

func (r *DeleteBurstRule) Name() string { return "delete_burst" }

func (r *DeleteBurstRule) Evaluate(records []*models.AuditRecord) *Finding {
	var ids []string
	for _, rec := range records {
		action := strings.ToUpper(rec.Action)
		if strings.Contains(action, "DELETE") || strings.Contains(action, "BULK") {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) < r.Threshold {
		return nil
	}
	return &Finding{RecordIDs: ids, Severity: models.SeverityCritical}
}
