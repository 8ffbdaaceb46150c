package realtime

import (
	"errors"
	"fmt"
)

// ErrorCode represents a categorized error type.
type ErrorCode int

const (
	// Protocol Errors (from server error frames)
	ErrorUnknown ErrorCode = iota
	ErrorUnsupportedVersion
	ErrorUnauthorized
	ErrorInvalidMessage
	ErrorBadRequest
	ErrorRoomNotFound
	ErrorAccessDenied
	ErrorRateLimited
	ErrorInternalServer

	// Client-side Errors
	ErrorConnection
	ErrorDisconnected
	ErrorTimeout
	ErrorInvalidConfig
	ErrorNotConnected
	ErrorSerialization
	ErrorConnectInFlight
	ErrorRetryTooSoon
	ErrorNoEndpoint
	ErrorAlreadyConnected
	ErrorReconnectExhausted
	ErrorPollingExhausted
	ErrorMalformedPayload
	ErrorNotAuthenticated
)

// String returns the string representation of an ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrorUnknown:
		return "unknown"
	case ErrorUnsupportedVersion:
		return "unsupported_version"
	case ErrorUnauthorized:
		return "unauthorized"
	case ErrorInvalidMessage:
		return "invalid_message"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorRoomNotFound:
		return "room_not_found"
	case ErrorAccessDenied:
		return "access_denied"
	case ErrorRateLimited:
		return "rate_limited"
	case ErrorInternalServer:
		return "internal_error"
	case ErrorConnection:
		return "connection_error"
	case ErrorDisconnected:
		return "disconnected"
	case ErrorTimeout:
		return "timeout"
	case ErrorInvalidConfig:
		return "invalid_config"
	case ErrorNotConnected:
		return "not_connected"
	case ErrorSerialization:
		return "serialization_error"
	case ErrorConnectInFlight:
		return "connect_in_flight"
	case ErrorRetryTooSoon:
		return "retry_too_soon"
	case ErrorNoEndpoint:
		return "no_endpoint"
	case ErrorAlreadyConnected:
		return "already_connected"
	case ErrorReconnectExhausted:
		return "reconnect_failed"
	case ErrorPollingExhausted:
		return "polling_failed"
	case ErrorMalformedPayload:
		return "malformed_payload"
	case ErrorNotAuthenticated:
		return "not_authenticated"
	default:
		return fmt.Sprintf("unknown_code_%d", e)
	}
}

// ParseErrorCode converts a protocol error code string to ErrorCode.
func ParseErrorCode(code string) ErrorCode {
	switch code {
	case "unsupported_version":
		return ErrorUnsupportedVersion
	case "unauthorized":
		return ErrorUnauthorized
	case "invalid_message":
		return ErrorInvalidMessage
	case "bad_request":
		return ErrorBadRequest
	case "room_not_found":
		return ErrorRoomNotFound
	case "access_denied":
		return ErrorAccessDenied
	case "rate_limited":
		return ErrorRateLimited
	case "internal_error":
		return ErrorInternalServer
	default:
		return ErrorUnknown
	}
}

// Error is a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s (wrapped: %v)", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with an Error.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Wrapped: err,
	}
}

// FromProtocolError converts a server error frame to Error.
func FromProtocolError(e *ProtocolError) *Error {
	if e == nil {
		return nil
	}
	return &Error{
		Code:    ParseErrorCode(e.Code),
		Message: e.Msg,
	}
}

// Sentinels for errors.Is checks.
var (
	ErrConnectInFlight    = NewError(ErrorConnectInFlight, "connection attempt already in flight")
	ErrRetryTooSoon       = NewError(ErrorRetryTooSoon, "connection attempted too soon after the previous one")
	ErrNoEndpoint         = NewError(ErrorNoEndpoint, "no realtime endpoint configured")
	ErrAlreadyConnected   = NewError(ErrorAlreadyConnected, "already connected")
	ErrNotConnected       = NewError(ErrorNotConnected, "not connected")
	ErrReconnectExhausted = NewError(ErrorReconnectExhausted, "reconnect attempts exhausted")
	ErrNotAuthenticated   = NewError(ErrorNotAuthenticated, "no authenticated principal")
)

// IsProtocolError checks if an error is a protocol error (from server).
func IsProtocolError(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	return re.Code >= ErrorUnsupportedVersion && re.Code <= ErrorInternalServer
}

// IsConnectionError checks if an error is a connection-related error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	switch re.Code {
	case ErrorConnection, ErrorDisconnected, ErrorTimeout, ErrorReconnectExhausted:
		return true
	}
	return false
}
