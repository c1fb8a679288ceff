package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/torque/internal/rules"
)

// SessionError is a structural misuse of the session API.
//
// Torque, angle, yield and sequence failures are never SessionErrors: they
// are recorded as event statuses. SessionError covers the cases where the
// caller asked for something the session cannot do.
type SessionError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// SessionID identifies the affected session, if any.
	SessionID string

	// Outcomes carries the gate outcomes for ValidationBlocked.
	Outcomes []rules.Outcome
}

// ErrorCode categorizes session errors.
type ErrorCode string

const (
	// ErrCodeNotActive: the session exists but is not ACTIVE.
	ErrCodeNotActive ErrorCode = "SESSION_NOT_ACTIVE"

	// ErrCodeClosed: the session is COMPLETED or ABORTED.
	ErrCodeClosed ErrorCode = "SESSION_CLOSED"

	// ErrCodeStopped: the session's worker was stopped before the session
	// reached a terminal status. The session keeps its last status.
	ErrCodeStopped ErrorCode = "ORCHESTRATOR_STOPPED"

	// ErrCodeHeld: a failure awaits supervisor approval.
	ErrCodeHeld ErrorCode = "SESSION_HELD"

	// ErrCodeNotHeld: an approval arrived for a session that is not held.
	ErrCodeNotHeld ErrorCode = "SESSION_NOT_HELD"

	// ErrCodeBlocked: a calibration or certification gate rejected the reading.
	ErrCodeBlocked ErrorCode = "VALIDATION_BLOCKED"

	// ErrCodeInvalidReading: the raw reading could not be normalized.
	ErrCodeInvalidReading ErrorCode = "INVALID_READING"

	// ErrCodeInvalidTransition: e.g. resuming a session that is not paused.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// ErrCodeConflict: the specification already has an open session.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeWrenchBusy: the wrench is held by another open session.
	ErrCodeWrenchBusy ErrorCode = "WRENCH_BUSY"

	// ErrCodeNotFound: no session with that id.
	ErrCodeNotFound ErrorCode = "SESSION_NOT_FOUND"

	// ErrCodeSpecUnavailable: the specification is unknown, not yet
	// effective, or expired.
	ErrCodeSpecUnavailable ErrorCode = "SPECIFICATION_UNAVAILABLE"
)

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s: %s (session=%s)", e.Code, e.Message, e.SessionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a SessionError.
func NewError(code ErrorCode, sessionID, format string, args ...any) *SessionError {
	return &SessionError{Code: code, SessionID: sessionID, Message: fmt.Sprintf(format, args...)}
}

// Code returns the ErrorCode of err, or "" if err is not a SessionError.
func Code(err error) ErrorCode {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsNotActive reports whether err is a SessionNotActive error.
func IsNotActive(err error) bool { return Code(err) == ErrCodeNotActive }

// IsClosed reports whether err is a SessionClosed error.
func IsClosed(err error) bool { return Code(err) == ErrCodeClosed }

// IsStopped reports whether err is an OrchestratorStopped error.
func IsStopped(err error) bool { return Code(err) == ErrCodeStopped }

// IsHeld reports whether err is a SessionHeld error.
func IsHeld(err error) bool { return Code(err) == ErrCodeHeld }

// IsBlocked reports whether err is a ValidationBlocked error.
func IsBlocked(err error) bool { return Code(err) == ErrCodeBlocked }

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool { return Code(err) == ErrCodeConflict }

// IsWrenchBusy reports whether err is a WrenchBusy error.
func IsWrenchBusy(err error) bool { return Code(err) == ErrCodeWrenchBusy }

// IsNotFound reports whether err is a SessionNotFound error.
func IsNotFound(err error) bool { return Code(err) == ErrCodeNotFound }

// IsSpecUnavailable reports whether err is a SpecificationUnavailable error.
func IsSpecUnavailable(err error) bool { return Code(err) == ErrCodeSpecUnavailable }
