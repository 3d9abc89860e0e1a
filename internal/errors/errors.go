// Package errors provides standardized error handling for the file storage service.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the file storage service.
type ErrorCode string

const (
	// Validation errors
	FS_VALIDATION  ErrorCode = "FS_VALIDATION"  // General validation error
	FS_BAD_REQUEST ErrorCode = "FS_BAD_REQUEST" // Malformed request
	FS_MEDIA_SIZE  ErrorCode = "FS_MEDIA_SIZE"  // Payload size limit exceeded
	FS_MEDIA_TYPE  ErrorCode = "FS_MEDIA_TYPE"  // MIME type not allowed

	// Authentication/Authorization errors
	FS_AUTHN       ErrorCode = "FS_AUTHN"       // Authentication failed
	FS_JWT_INVALID ErrorCode = "FS_JWT_INVALID" // Invalid JWT
	FS_JWT_EXPIRED ErrorCode = "FS_JWT_EXPIRED" // Expired JWT
	FS_FORBIDDEN   ErrorCode = "FS_FORBIDDEN"   // Caller may not touch the resource

	// Resource errors
	FS_NOT_FOUND ErrorCode = "FS_NOT_FOUND" // Record absent or already deleted
	FS_INTEGRITY ErrorCode = "FS_INTEGRITY" // Metadata present but payload missing

	// Backend errors
	FS_BACKEND_UNAVAILABLE ErrorCode = "FS_BACKEND_UNAVAILABLE" // Strategy unreachable or misconfigured
	FS_TIMEOUT             ErrorCode = "FS_TIMEOUT"             // Physical operation exceeded its deadline

	// Server errors
	FS_INTERNAL ErrorCode = "FS_INTERNAL" // Internal server error
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`

	cause error
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	e := New(code, message, correlationID)
	e.Details = details
	return e
}

// Wrap creates an Error that keeps cause reachable through errors.Unwrap.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != nil {
		msg = fmt.Sprintf("%s (details: %v)", msg, e.Details)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCorrelationID returns a copy of e stamped with the given correlation ID.
func (e *Error) WithCorrelationID(correlationID string) *Error {
	c := *e
	c.CorrelationID = correlationID
	return &c
}

// CodeOf extracts the error code from err, or FS_INTERNAL when err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return FS_INTERNAL
}

// HasCode reports whether err (or anything it wraps) carries code.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsValidation reports whether err is one of the validation codes.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case FS_VALIDATION, FS_BAD_REQUEST, FS_MEDIA_SIZE, FS_MEDIA_TYPE:
		return true
	}
	return false
}

// From converts any error to *Error, mapping unknown errors to FS_INTERNAL.
func From(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(FS_INTERNAL, "internal error", err)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case FS_VALIDATION, FS_BAD_REQUEST, FS_MEDIA_SIZE, FS_MEDIA_TYPE:
		return http.StatusBadRequest
	case FS_AUTHN, FS_JWT_INVALID, FS_JWT_EXPIRED:
		return http.StatusUnauthorized
	case FS_FORBIDDEN:
		return http.StatusForbidden
	case FS_NOT_FOUND:
		return http.StatusNotFound
	case FS_BACKEND_UNAVAILABLE:
		return http.StatusServiceUnavailable
	case FS_TIMEOUT:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
