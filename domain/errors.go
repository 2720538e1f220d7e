package domain

import (
	"errors"
	"fmt"
)

// ErrorCode represents a semantic classification shared across transport layers.
type ErrorCode string

const (
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeInvalid           ErrorCode = "INVALID"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrCodeTenantUnavailable ErrorCode = "TENANT_UNAVAILABLE"
	ErrCodeIntegrity         ErrorCode = "INTEGRITY"
	ErrCodeEncryption        ErrorCode = "ENCRYPTION"
	ErrCodeInternal          ErrorCode = "INTERNAL"
)

// Error represents a domain-level error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError builds a domain error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError wraps an existing error with a domain classification.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain errors.
var (
	ErrAggregateNotFound = NewError(ErrCodeNotFound, "aggregate not found")
	ErrSnapshotNotFound  = NewError(ErrCodeNotFound, "snapshot not found")
	ErrTenantNotFound    = NewError(ErrCodeNotFound, "tenant not found")
	ErrVersionConflict   = NewError(ErrCodeConflict, "expected version does not match stored version")
	ErrTenantUnavailable = NewError(ErrCodeTenantUnavailable, "tenant not available")
	ErrInvalidPayload    = NewError(ErrCodeInvalid, "invalid payload")
)

// IsDomainError helps checking error codes.
func IsDomainError(err error, code ErrorCode) bool {
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Code == code
	}
	return false
}

// IsConflict reports whether err is an optimistic-concurrency conflict.
func IsConflict(err error) bool { return IsDomainError(err, ErrCodeConflict) }

// IsValidationFailed reports whether err is a rejected business transition.
func IsValidationFailed(err error) bool { return IsDomainError(err, ErrCodeValidationFailed) }

// IsTenantUnavailable reports whether err is a closed tenant-routing failure.
func IsTenantUnavailable(err error) bool { return IsDomainError(err, ErrCodeTenantUnavailable) }

// IsIntegrity reports whether err indicates stream corruption. Integrity
// failures halt processing of the affected aggregate and are never retried.
func IsIntegrity(err error) bool { return IsDomainError(err, ErrCodeIntegrity) }
