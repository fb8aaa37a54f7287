// stock_movement.go defines the StockMovement ledger entry, a derived record of
// one inventory quantity change correlated to an audit record but persisted
// independently for time-series queries.
package models

import "time"

// Movement types. The sign of QuantityDelta is constrained per type: entries
// are strictly positive, exits strictly negative, adjustments either.
const (
	MovementEntry      = "entry"
	MovementExit       = "exit"
	MovementAdjustment = "adjustment"
)

// StockMovement represents one inventory quantity delta.
type StockMovement struct {
	ID            string
	TenantID      string
	ProductID     string
	MovementType  string // entry | exit | adjustment
	QuantityDelta int64  // signed; see the per-type sign invariant above
	OccurredAt    time.Time
	ActorID       string
	PatientID     *string // set when the movement dispensed stock to a patient
	RequestID     *string // set when the movement fulfilled a product request
	Notes         string
}

// ValidMovementType reports whether t is one of the known movement types.
func ValidMovementType(t string) bool {
	switch t {
	case MovementEntry, MovementExit, MovementAdjustment:
		return true
	}
	return false
}
