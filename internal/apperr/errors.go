// Package apperr defines the error taxonomy shared by the wallet engine,
// auth pipeline and AML analyzer. Components raise *Error values; only the
// HTTP layer maps them to status codes and response envelopes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure class. Codes are part of the partner-facing API
// contract and must stay stable.
type Code string

const (
	CodeUnauthenticated       Code = "unauthenticated"
	CodeIPNotAllowed          Code = "ip-not-allowed"
	CodePermissionDenied      Code = "permission-denied"
	CodeRateLimited           Code = "rate-limited"
	CodeNotFound              Code = "not-found"
	CodeInvalidAmount         Code = "invalid-amount"
	CodeCurrencyMismatch      Code = "currency-mismatch"
	CodeInsufficientFunds     Code = "insufficient-funds"
	CodeIdempotencyConflict   Code = "idempotency-conflict"
	CodeAlreadyRolledBack     Code = "already-rolled-back"
	CodeWalletLocked          Code = "wallet-locked"
	CodeDeadlineExceeded      Code = "deadline-exceeded"
	CodeDependencyUnavailable Code = "dependency-unavailable"
	CodeInternal              Code = "internal"
)

// Error is a typed application error carrying a taxonomy code, a
// partner-facing message and optional structured details.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	cause   error
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records an underlying cause. The cause is kept
// for logging and errors.Is/As chains; it is never serialized to partners.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches two Errors by code so sentinel-style comparisons work:
// errors.Is(err, apperr.New(apperr.CodeNotFound, "")).
func (e *Error) Is(target error) bool {
	var appErr *Error
	if errors.As(target, &appErr) {
		return e.Code == appErr.Code
	}
	return false
}

// WithDetail attaches a structured detail for the error envelope.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the taxonomy code from any error. Unknown errors are
// classified as internal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given taxonomy code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a taxonomy code to its HTTP status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeIPNotAllowed, CodePermissionDenied:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidAmount, CodeCurrencyMismatch, CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case CodeIdempotencyConflict, CodeAlreadyRolledBack:
		return http.StatusConflict
	case CodeWalletLocked:
		return http.StatusLocked
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case CodeDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromContextErr converts context deadline errors into the taxonomy.
// Other errors pass through unchanged.
func FromContextErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeDeadlineExceeded, "operation deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return Wrap(CodeDeadlineExceeded, "request canceled", err)
	default:
		return err
	}
}
