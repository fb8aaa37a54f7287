// Package models - audit_record.go defines the AuditRecord model, the immutable
// log entry describing one state-changing attempt. Records are append-only:
// nothing in the engine updates or deletes a row once written, and retention
// pruning applies only to backup copies in the object store, never to the live
// table.
package models

import "time"

// AuditRecord represents one audited state-changing attempt.
type AuditRecord struct {
	ID           string
	TenantID     string
	ActorID      *string // nullable: system/anonymous actions are permitted
	Action       string  // free-form verb: "CREATE", "UPDATE", "DELETE", "LOGIN", ...
	ResourceType string  // "PRODUCT", "PATIENT", "STOCK_MOVEMENT", "AUTH", ...
	ResourceID   *string
	BeforeState  map[string]interface{} // opaque snapshot before the operation (UPDATE/DELETE)
	AfterState   map[string]interface{} // opaque snapshot after the operation (CREATE/UPDATE)
	ClientIP     *string
	UserAgent    *string
	OccurredAt   time.Time
	Success      bool                   // outcome: false when the wrapped operation reported failure
	ErrorDetail  *string                // non-nil exactly when Success is false
	Metadata     map[string]interface{} // JSONB: method, path, status code, duration, ...
}

// Failed reports whether the record describes a failed operation.
func (r *AuditRecord) Failed() bool { return !r.Success }
