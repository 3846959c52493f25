package types

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrTaskNotFound is returned when a task id resolves to nothing.
	ErrTaskNotFound = errors.New("task not found")

	// ErrThoughtNotFound is returned when a thought id resolves to nothing.
	ErrThoughtNotFound = errors.New("thought not found")

	// ErrTamperDetected is returned once audit chain verification fails.
	// After it is raised the audit service refuses further appends.
	ErrTamperDetected = errors.New("audit chain tamper detected")

	// ErrAuditFrozen is returned for appends attempted after tamper
	// detection froze the chain.
	ErrAuditFrozen = errors.New("audit chain frozen after tamper detection")

	// ErrDuplicateSequence is returned when an audit append would reuse an
	// existing sequence number.
	ErrDuplicateSequence = errors.New("duplicate audit sequence number")

	// ErrNoSigningKey is returned when signing is requested before any key
	// has been generated or loaded.
	ErrNoSigningKey = errors.New("no active signing key")

	// ErrShuttingDown is returned for work submitted after shutdown began.
	ErrShuttingDown = errors.New("agent is shutting down")

	// ErrQueueSaturated is returned when the thought queue cannot accept
	// more work this round.
	ErrQueueSaturated = errors.New("thought queue saturated")
)

// =============================================================================
// TYPED ERRORS
// =============================================================================

// ValidationError reports a malformed request or parameter set. Validation
// failures are terminal for the request; they are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError constructs a ValidationError for one field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CapabilityUnavailableError reports that no registered provider could serve
// a capability request: none registered, all breakers open, or every healthy
// candidate failed. Attempted lists provider names in the order tried.
type CapabilityUnavailableError struct {
	Capability string
	Attempted  []string
	Last       error
}

func (e *CapabilityUnavailableError) Error() string {
	if len(e.Attempted) == 0 {
		return fmt.Sprintf("capability %q unavailable: no healthy providers", e.Capability)
	}
	return fmt.Sprintf("capability %q unavailable after %d providers", e.Capability, len(e.Attempted))
}

func (e *CapabilityUnavailableError) Unwrap() error { return e.Last }

// IsCapabilityUnavailable reports whether err is a CapabilityUnavailableError.
func IsCapabilityUnavailable(err error) bool {
	var ce *CapabilityUnavailableError
	return errors.As(err, &ce)
}

// ChainVerificationError reports exactly where audit chain verification
// failed and why.
type ChainVerificationError struct {
	SequenceNumber int64
	Reason         string
}

func (e *ChainVerificationError) Error() string {
	return fmt.Sprintf("audit chain broken at sequence %d: %s", e.SequenceNumber, e.Reason)
}

func (e *ChainVerificationError) Unwrap() error { return ErrTamperDetected }

// DeadlineError reports that a bounded operation exceeded its budget.
type DeadlineError struct {
	Operation string
	Budget    string
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("%s exceeded %s budget", e.Operation, e.Budget)
}
