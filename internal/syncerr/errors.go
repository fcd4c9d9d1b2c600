// Package syncerr defines the shared error taxonomy of the sync engine.
//
// Only genuine failures are errors here. Conflict resolution outcomes and
// stale-update rejections are normal results of last-writer-wins and are
// logged, never returned as errors.
package syncerr

import (
	"errors"
	"fmt"
)

// Code categorizes sync errors.
type Code string

const (
	// CodeTransport indicates a publish or subscribe failure on the
	// underlying transport. Retried with backoff; surfaced only when
	// retries are exhausted.
	CodeTransport Code = "TRANSPORT_ERROR"

	// CodeValidation indicates a malformed incoming event (for example a
	// missing element id). The event is dropped with a warning and the
	// connection state is unaffected.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeSyncTimeout indicates a missed heartbeat window. Triggers the
	// error connection state and reconnection.
	CodeSyncTimeout Code = "SYNC_TIMEOUT"

	// CodeRetryExhausted indicates local retries (queue flush,
	// propagation, reconnection) ran out. This is the only code surfaced
	// to callers as a persistent failed status.
	CodeRetryExhausted Code = "RETRY_EXHAUSTED"
)

// SyncError is a categorized error with structured context for logs and
// telemetry.
type SyncError struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// NoteID identifies the affected document, when known.
	NoteID string

	// ElementID identifies the affected element, when known.
	ElementID string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.NoteID != "" {
		msg += fmt.Sprintf(" (note=%s)", e.NoteID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *SyncError) Unwrap() error { return e.Err }

// NewTransport wraps a transport failure.
func NewTransport(noteID string, err error) *SyncError {
	return &SyncError{Code: CodeTransport, Message: "transport operation failed", NoteID: noteID, Err: err}
}

// NewValidation reports a malformed incoming event.
func NewValidation(noteID, elementID, detail string) *SyncError {
	return &SyncError{Code: CodeValidation, Message: detail, NoteID: noteID, ElementID: elementID}
}

// NewSyncTimeout reports a missed heartbeat window.
func NewSyncTimeout(noteID string) *SyncError {
	return &SyncError{Code: CodeSyncTimeout, Message: "no heartbeat within health window", NoteID: noteID}
}

// NewRetryExhausted reports that local retries ran out.
func NewRetryExhausted(noteID string, attempts int, err error) *SyncError {
	return &SyncError{
		Code:    CodeRetryExhausted,
		Message: fmt.Sprintf("gave up after %d attempts", attempts),
		NoteID:  noteID,
		Err:     err,
	}
}

// is reports whether err carries the given code, unwrapping as needed.
func is(err error, code Code) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool { return is(err, CodeTransport) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return is(err, CodeValidation) }

// IsSyncTimeout reports whether err is a heartbeat timeout.
func IsSyncTimeout(err error) bool { return is(err, CodeSyncTimeout) }

// IsRetryExhausted reports whether err is an exhausted-retries failure.
func IsRetryExhausted(err error) bool { return is(err, CodeRetryExhausted) }
