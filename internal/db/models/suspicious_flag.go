// suspicious_flag.go defines the SuspiciousActivityFlag model, the anomaly
// signal the detector derives from a window of audit records for one actor.
// Acknowledged is the single mutable field in the whole data model; it is
// flipped once by a human operator and flags never auto-expire.
package models

import "time"

// Flag severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// SuspiciousActivityFlag represents one raised anomaly for an actor.
type SuspiciousActivityFlag struct {
	ID          string
	ActorID     string
	WindowStart time.Time
	WindowEnd   time.Time
	TriggerRule string   // rule name, e.g. "repeated_auth_failures"
	RecordIDs   []string // ordered ids of the audit records that tripped the rule
	Severity    string
	Acknowledged   bool
	AcknowledgedBy *string
	AcknowledgedAt *time.Time
	CreatedAt      time.Time
}

// Overlaps reports whether the flag's window overlaps [start, end].
func (f *SuspiciousActivityFlag) Overlaps(start, end time.Time) bool {
	return !f.WindowEnd.Before(start) && !f.WindowStart.After(end)
}
