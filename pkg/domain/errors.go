package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below match them through errors.Is.
var (
	// ErrSessionNotFound is returned when a session ID cannot be found in the store.
	ErrSessionNotFound = errors.New("session not found")

	// ErrPersistence is returned when a durable read or write fails.
	ErrPersistence = errors.New("persistence failure")

	// ErrTerminalState is returned when a transition is attempted from completed or abandoned.
	ErrTerminalState = errors.New("session is in a terminal state")

	// ErrInvalidTransition is returned for transitions that are not legal from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrValidation is returned for malformed input to create or import.
	ErrValidation = errors.New("validation failed")

	// ErrConcurrentModification is returned when the stored version advanced since load.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrDuplicateSession is returned when inserting a session ID that already exists.
	ErrDuplicateSession = errors.New("session already exists")
)

// NotFoundError identifies the session that could not be found.
type NotFoundError struct {
	SessionID string
}

// NewNotFoundError creates a NotFoundError for the given session.
func NewNotFoundError(sessionID string) *NotFoundError {
	return &NotFoundError{SessionID: sessionID}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session '%s' not found", e.SessionID)
}

// Is reports whether target is ErrSessionNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrSessionNotFound
}

// PersistenceError wraps a gateway failure with the operation that triggered it.
type PersistenceError struct {
	Op        string
	SessionID string
	Err       error
}

// NewPersistenceError wraps err as a PersistenceError.
func NewPersistenceError(op, sessionID string, err error) *PersistenceError {
	return &PersistenceError{Op: op, SessionID: sessionID, Err: err}
}

func (e *PersistenceError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s session '%s' failed: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is reports whether target is ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// TerminalStateError is returned when a transition is attempted out of a terminal state.
type TerminalStateError struct {
	SessionID string
	Status    LifecycleStatus
	Attempted LifecycleStatus
}

func (e *TerminalStateError) Error() string {
	if e.Attempted == "" {
		return fmt.Sprintf("session '%s' is %s and cannot be modified", e.SessionID, e.Status)
	}
	return fmt.Sprintf("session '%s' is %s and cannot move to %s", e.SessionID, e.Status, e.Attempted)
}

// Is reports whether target is ErrTerminalState.
func (e *TerminalStateError) Is(target error) bool {
	return target == ErrTerminalState
}

// TransitionError is returned for illegal transitions between non-terminal states.
type TransitionError struct {
	SessionID string
	From      LifecycleStatus
	To        LifecycleStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session '%s': cannot move from %s to %s", e.SessionID, e.From, e.To)
}

// Is reports whether target is ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ValidationError describes malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConcurrentModificationError is returned by an update whose expected version is stale.
type ConcurrentModificationError struct {
	SessionID string
	Expected  int64
	Actual    int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("session '%s' was modified concurrently (expected version %d, found %d)",
		e.SessionID, e.Expected, e.Actual)
}

// Is reports whether target is ErrConcurrentModification.
func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification
}
