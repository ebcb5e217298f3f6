package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned when caller input has the wrong shape.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrAlreadyInProgress is returned when a session is started while another is active.
	ErrAlreadyInProgress = errors.New("provisioning already in progress")

	// ErrNoPendingChallenge is returned when issuer data arrives out of order
	// or for a session that did not produce the current challenge.
	ErrNoPendingChallenge = errors.New("no pending challenge")

	// ErrDecodeFailure is returned when issuer-supplied fields are not valid base64.
	ErrDecodeFailure = errors.New("issuer data decode failure")

	// ErrConfigurationRejected is the terminal error of a session the subsystem refused to start.
	ErrConfigurationRejected = errors.New("configuration rejected")

	// ErrCancelled is the terminal error of an abandoned session.
	ErrCancelled = errors.New("provisioning cancelled")

	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSubsystem is the parent of every opaque failure reported by the secure subsystem.
	ErrSubsystem = errors.New("secure subsystem error")
)

// Wire codes reported to callers.
const (
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeAlreadyInProgress     = "ALREADY_IN_PROGRESS"
	CodeNoPendingChallenge    = "NO_PENDING_CHALLENGE"
	CodeDecodeFailure         = "DECODE_FAILURE"
	CodeConfigurationRejected = "CONFIGURATION_REJECTED"
	CodeCancelled             = "CANCELLED"
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeSubsystemError        = "SUBSYSTEM_ERROR"
)

// SubsystemError carries the description of a failure reported by the secure subsystem.
type SubsystemError struct {
	Description string
}

func (e *SubsystemError) Error() string {
	return e.Description
}

func (e *SubsystemError) Unwrap() error {
	return ErrSubsystem
}

// RejectionError is returned by StartProvisioning when the configuration is refused outright.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("provisioning configuration rejected: %s", e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return ErrConfigurationRejected
}

// ErrorCode maps an error to its stable wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrAlreadyInProgress):
		return CodeAlreadyInProgress
	case errors.Is(err, ErrNoPendingChallenge):
		return CodeNoPendingChallenge
	case errors.Is(err, ErrDecodeFailure):
		return CodeDecodeFailure
	case errors.Is(err, ErrConfigurationRejected):
		return CodeConfigurationRejected
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	default:
		return CodeSubsystemError
	}
}
