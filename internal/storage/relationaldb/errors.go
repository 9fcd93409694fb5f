package relationaldb

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by repository implementations.
var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrPartnerNotFound     = errors.New("partner not found")
	ErrAPIKeyNotFound      = errors.New("api key not found")
	ErrAlertNotFound       = errors.New("alert not found")
	ErrDuplicateReference  = errors.New("duplicate transaction reference")
	ErrDuplicateWallet     = errors.New("wallet already exists")
	ErrTransactionClosed   = errors.New("transaction is closed")
)

// ErrorType categorizes database errors for retry decisions.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConfiguration
	ErrorTypeConnection
	ErrorTypeTransaction
	ErrorTypeQuery
	ErrorTypeConstraint
	ErrorTypeSchema
)

// DatabaseError wraps a low-level failure with the operation that hit it.
type DatabaseError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
}

func (e *DatabaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

func (e *DatabaseError) Unwrap() error { return e.Cause }

// Retryable reports whether the caller may usefully retry.
func (e *DatabaseError) Retryable() bool {
	return e.Type == ErrorTypeConnection || e.Type == ErrorTypeTransaction
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(operation, message string, cause error) *DatabaseError {
	return &DatabaseError{Type: ErrorTypeConfiguration, Operation: operation, Message: message, Cause: cause}
}

// NewConnectionError creates a connection error.
func NewConnectionError(operation, message string, cause error) *DatabaseError {
	return &DatabaseError{Type: ErrorTypeConnection, Operation: operation, Message: message, Cause: cause}
}

// NewTransactionError creates a transaction error.
func NewTransactionError(operation, message string, cause error) *DatabaseError {
	return &DatabaseError{Type: ErrorTypeTransaction, Operation: operation, Message: message, Cause: cause}
}

// NewQueryError creates a query error.
func NewQueryError(operation, message string, cause error) *DatabaseError {
	return &DatabaseError{Type: ErrorTypeQuery, Operation: operation, Message: message, Cause: cause}
}

// NewConstraintError creates a constraint-violation error.
func NewConstraintError(operation, message string, cause error) *DatabaseError {
	return &DatabaseError{Type: ErrorTypeConstraint, Operation: operation, Message: message, Cause: cause}
}

// NewSchemaError creates a schema error.
func NewSchemaError(operation, message string, cause error) *DatabaseError {
	return &DatabaseError{Type: ErrorTypeSchema, Operation: operation, Message: message, Cause: cause}
}

// IsNotFound reports whether err is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrPartnerNotFound) ||
		errors.Is(err, ErrAPIKeyNotFound) ||
		errors.Is(err, ErrAlertNotFound)
}
