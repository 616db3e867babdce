// Package errors provides structured error types for the sowdb engine.
// All errors include a category, a stable code, a message, and a retryable
// flag so transports can report them consistently.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory classifies errors by the layer that raised them.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryAuth       ErrorCategory = "AUTH"
	ErrCategoryNotFound   ErrorCategory = "NOT_FOUND"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryRegistry   ErrorCategory = "REGISTRY"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes. These strings are part of the wire contract.
const (
	// Validation codes
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeEmptyBody        = "EMPTY_BODY"
	CodeBodyTooLarge     = "BODY_TOO_LARGE"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"

	// Auth codes
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbiddenTable = "FORBIDDEN_TABLE"
	CodeReadsDisabled  = "READS_DISABLED"

	// Not found codes
	CodeTableNotFound = "TABLE_NOT_FOUND"
	CodeStoreNotFound = "STORE_NOT_FOUND"
	CodeRouteNotFound = "ROUTE_NOT_FOUND"

	// Storage codes
	CodeStorageBusy           = "STORAGE_BUSY"
	CodeSchemaMigrationFailed = "SCHEMA_MIGRATION_FAILED"
	CodeWriteFailed           = "WRITE_FAILED"
	CodeQueryFailed           = "QUERY_FAILED"

	// Registry codes
	CodeLoggingFailed = "LOGGING_FAILED"

	// Internal codes
	CodeUnexpected   = "UNEXPECTED"
	CodeShuttingDown = "SHUTTING_DOWN"
)

// SowError is the structured error type used throughout the engine.
type SowError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *SowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *SowError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *SowError) Is(target error) bool {
	var t *SowError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new SowError.
func New(category ErrorCategory, code, message string) *SowError {
	return &SowError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new SowError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *SowError {
	return &SowError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *SowError) WithDetails(details map[string]interface{}) *SowError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *SowError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a SowError.
func GetCategory(err error) ErrorCategory {
	var se *SowError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a SowError.
func GetCode(err error) string {
	var se *SowError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// As extracts the SowError from an error chain. Errors that are not
// SowErrors are reported as UNEXPECTED internal errors.
func As(err error) *SowError {
	var se *SowError
	if errors.As(err, &se) {
		return se
	}
	return NewInternalError("unexpected error", err)
}

// HTTPStatus maps an error to the HTTP status code reported to callers.
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case CodeInvalidRequest, CodeEmptyBody:
		return http.StatusBadRequest
	case CodeBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbiddenTable, CodeReadsDisabled:
		return http.StatusForbidden
	case CodeTableNotFound, CodeStoreNotFound, CodeRouteNotFound:
		return http.StatusNotFound
	case CodeStorageBusy, CodeShuttingDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// isRetryable determines if an error code is retryable.
func isRetryable(category ErrorCategory, code string) bool {
	return (category == ErrCategoryStorage && code == CodeStorageBusy) ||
		(category == ErrCategoryInternal && code == CodeShuttingDown)
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *SowError {
	return New(ErrCategoryValidation, code, message)
}

func NewAuthError(code, message string) *SowError {
	return New(ErrCategoryAuth, code, message)
}

func NewNotFoundError(code, message string) *SowError {
	return New(ErrCategoryNotFound, code, message)
}

func NewStorageError(code, message string, cause error) *SowError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewRegistryError(message string, cause error) *SowError {
	return Wrap(ErrCategoryRegistry, CodeLoggingFailed, message, cause)
}

func NewInternalError(message string, cause error) *SowError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
