package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable machine-readable identifier surfaced to callers.
type ErrorCode string

const (
	CodeValidation          ErrorCode = "VALIDATION"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeStoreMismatch       ErrorCode = "STORE_MISMATCH"
	CodeOwnerMismatch       ErrorCode = "OWNER_MISMATCH"
	CodeStateConflict       ErrorCode = "STATE_CONFLICT"
	CodeVersionConflict     ErrorCode = "VERSION_CONFLICT"
	CodeIdempotencyConflict ErrorCode = "IDEMPOTENCY_CONFLICT"
	CodeRequestInFlight     ErrorCode = "REQUEST_IN_FLIGHT"
	CodeGatewayFailure      ErrorCode = "GATEWAY_FAILURE"
	CodeSystemError         ErrorCode = "SYSTEM_ERROR"
)

// ErrorCategory groups codes into the coarse failure classes used for reporting.
type ErrorCategory string

const (
	CategoryValidation          ErrorCategory = "VALIDATION"
	CategoryNotFound            ErrorCategory = "NOT_FOUND"
	CategoryAuthorization       ErrorCategory = "AUTHORIZATION"
	CategoryStateConflict       ErrorCategory = "STATE_CONFLICT"
	CategoryVersionConflict     ErrorCategory = "VERSION_CONFLICT"
	CategoryIdempotencyConflict ErrorCategory = "IDEMPOTENCY_CONFLICT"
	CategoryGatewayFailure      ErrorCategory = "GATEWAY_FAILURE"
	CategorySystemError         ErrorCategory = "SYSTEM_ERROR"
)

// Error is the typed failure returned by every order operation.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

var (
	ErrValidation          = &Error{Code: CodeValidation, Message: "invalid input"}
	ErrNotFound            = &Error{Code: CodeNotFound, Message: "order not found"}
	ErrStoreMismatch       = &Error{Code: CodeStoreMismatch, Message: "order does not belong to store"}
	ErrOwnerMismatch       = &Error{Code: CodeOwnerMismatch, Message: "order does not belong to user"}
	ErrStateConflict       = &Error{Code: CodeStateConflict, Message: "transition not allowed from current status"}
	ErrVersionConflict     = &Error{Code: CodeVersionConflict, Message: "order was modified concurrently; refresh the order and retry"}
	ErrIdempotencyConflict = &Error{Code: CodeIdempotencyConflict, Message: "request previously failed; retry with a new requestId"}
	ErrRequestInFlight     = &Error{Code: CodeRequestInFlight, Message: "request with this requestId is still being processed; retry later or use a new requestId"}
	ErrGatewayFailure      = &Error{Code: CodeGatewayFailure, Message: "payment gateway failure"}
	ErrSystem              = &Error{Code: CodeSystemError, Message: "unexpected system error"}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// NewError constructs a typed error. An empty message falls back to the code's default.
func NewError(code ErrorCode, message string, err error) *Error {
	if message == "" {
		message = defaultMessage(code)
	}
	return &Error{Code: code, Message: message, Err: err}
}

// Errorf formats a message for the supplied code.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code, treating untyped errors as system errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeSystemError
}

// MessageOf returns the caller-facing message for err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Message
	}
	return defaultMessage(CodeSystemError)
}

// CategoryOf maps an error onto its reporting category.
func CategoryOf(err error) ErrorCategory {
	switch CodeOf(err) {
	case "":
		return ""
	case CodeValidation:
		return CategoryValidation
	case CodeNotFound:
		return CategoryNotFound
	case CodeStoreMismatch, CodeOwnerMismatch:
		return CategoryAuthorization
	case CodeStateConflict:
		return CategoryStateConflict
	case CodeVersionConflict:
		return CategoryVersionConflict
	case CodeIdempotencyConflict, CodeRequestInFlight:
		return CategoryIdempotencyConflict
	case CodeGatewayFailure:
		return CategoryGatewayFailure
	default:
		return CategorySystemError
	}
}

func defaultMessage(code ErrorCode) string {
	switch code {
	case CodeValidation:
		return ErrValidation.Message
	case CodeNotFound:
		return ErrNotFound.Message
	case CodeStoreMismatch:
		return ErrStoreMismatch.Message
	case CodeOwnerMismatch:
		return ErrOwnerMismatch.Message
	case CodeStateConflict:
		return ErrStateConflict.Message
	case CodeVersionConflict:
		return ErrVersionConflict.Message
	case CodeIdempotencyConflict:
		return ErrIdempotencyConflict.Message
	case CodeRequestInFlight:
		return ErrRequestInFlight.Message
	case CodeGatewayFailure:
		return ErrGatewayFailure.Message
	default:
		return ErrSystem.Message
	}
}
