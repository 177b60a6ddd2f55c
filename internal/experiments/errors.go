package experiments

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched with errors.Is against lookups for unknown tests.
var ErrNotFound = errors.New("experiment not found")

// ValidationError rejects a malformed definition before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid experiment: %s", e.Message)
	}
	return fmt.Sprintf("invalid experiment: %s: %s", e.Field, e.Message)
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError identifies which experiment a lookup missed.
type NotFoundError struct {
	TestID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("experiment %s not found", e.TestID)
}

// Is lets errors.Is(err, ErrNotFound) match the typed form.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConflictError reports an illegal lifecycle transition.
type ConflictError struct {
	TestID  string
	Status  Status
	Attempt string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("experiment %s: cannot %s while %s", e.TestID, e.Attempt, e.Status)
}

// AssignmentError wraps an internal bucketing or store failure. The assignment
// path never surfaces it to callers; it is logged and the caller sees a nil
// assignment (control behavior) instead.
type AssignmentError struct {
	TestID string
	UserID string
	Err    error
}

func (e *AssignmentError) Error() string {
	return fmt.Sprintf("assignment failed for user %s in experiment %s: %v", e.UserID, e.TestID, e.Err)
}

func (e *AssignmentError) Unwrap() error { return e.Err }
