// Package apperrors defines the error taxonomy shared by the audit, ledger,
// and backup packages. Errors are classified with errors.As so callers can map
// them to HTTP status codes (or swallow them, in the audit write path) without
// string matching.
package apperrors

import (
	"errors"
	"fmt"
)

// ValidationError indicates malformed input to a ledger or backup call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidation creates a ValidationError for a single field.
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// StorageError indicates the durable store or object store was unreachable or
// rejected an operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorage wraps err as a StorageError for the named operation.
func NewStorage(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// PermissionError indicates the caller lacks the capability required for a
// privileged operation (currently only backup restore).
type PermissionError struct {
	Capability string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: requires %s capability", e.Capability)
}

// ConflictError indicates an operation lost a mutual-exclusion check, e.g. a
// backup trigger while another job is still in flight.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Reason)
}

// NotFoundError indicates an unknown job, flag, record, or backup path.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// Classification helpers, used where only the category matters.

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsPermission(err error) bool {
	var target *PermissionError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}
