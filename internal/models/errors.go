package models

import (
	"errors"
	"fmt"
)

// Error codes, one per fault class.
const (
	CodeTransport   = "TRANSPORT_ERROR"
	CodeSignaling   = "SIGNALING_ERROR"
	CodeConsistency = "CONSISTENCY_ERROR"
	CodeFatal       = "FATAL_ERROR"
	CodeValidation  = "VALIDATION_ERROR"
	CodeNotFound    = "NOT_FOUND"
)

var (
	// ErrAckTimeout is returned when the server never acknowledged an emit.
	ErrAckTimeout = errors.New("acknowledgement timed out")
	// ErrNotConnected is returned when the channel is down.
	ErrNotConnected = errors.New("channel not connected")
	// ErrAuthRejected means the credential was refused and must be refreshed.
	ErrAuthRejected = errors.New("credential rejected")
	// ErrCallBusy is returned when a call is placed while another one is in progress.
	ErrCallBusy = errors.New("another call is in progress")
	// ErrNoActiveCall is returned by call actions that need a session.
	ErrNoActiveCall = errors.New("no active call")
	// ErrInvalidTransition is returned when a call action does not apply to the current state.
	ErrInvalidTransition = errors.New("invalid call state transition")
	// ErrMediaDenied is returned when local capture could not be acquired.
	ErrMediaDenied = errors.New("media permission denied")
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError represents a custom application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps a connection drop or ack failure.
func NewTransportError(message string, err error) *AppError {
	return &AppError{Code: CodeTransport, Message: message, Err: err}
}

// NewSignalingError wraps a media or session-description failure during a call.
func NewSignalingError(message string, err error) *AppError {
	return &AppError{Code: CodeSignaling, Message: message, Err: err}
}

// NewConsistencyError reports an event that does not fit the local cache.
func NewConsistencyError(message string) *AppError {
	return &AppError{Code: CodeConsistency, Message: message}
}

// NewFatalError wraps an error that must be handled by the session layer.
func NewFatalError(message string, err error) *AppError {
	return &AppError{Code: CodeFatal, Message: message, Err: err}
}

func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

// IsCode reports whether err is an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}
