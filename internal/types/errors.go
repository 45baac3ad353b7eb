package types

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies every error the service surfaces. Codes map one-to-one to
// the HTTP error bodies returned at the API boundary.
type Code string

const (
	CodeValidation    Code = "VALIDATION"
	CodeOwnership     Code = "OWNERSHIP"
	CodeState         Code = "STATE"
	CodeQuotaExceeded Code = "QUOTA_EXCEEDED"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeIntegrity     Code = "INTEGRITY"
	CodeExternal      Code = "EXTERNAL"
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeInternal      Code = "INTERNAL"
)

// Error is a classified service error. Message is safe to return to callers;
// the wrapped cause is for logs only.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a classified error with a caller-safe message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying cause. The message is caller-safe;
// the cause is preserved for logging and errors.Is/As chains.
func WrapError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the classification of err, defaulting to CodeInternal for
// anything unclassified (including storage and driver errors).
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// MessageOf returns the caller-safe message of a classified error. For
// unclassified errors it returns a generic message so internals never leak.
func MessageOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Message
	}
	return "internal error"
}

// HTTPStatus maps an error code to its HTTP status. Conflicts surface as
// 5xx: the request was well-formed and the caller can only retry.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeOwnership:
		return http.StatusForbidden
	case CodeState:
		return http.StatusConflict
	case CodeQuotaExceeded, CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNotFound:
		return http.StatusNotFound
	case CodeExternal:
		return http.StatusBadGateway
	case CodeConflict, CodeIntegrity, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
