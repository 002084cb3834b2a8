// Package errors provides error codes shared by the sync core and its host bridge.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be bridged to the host app.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"
	ErrReadOnly ErrorCode = "READ_ONLY"

	// Failure taxonomy of the sync core
	ErrConnectivity    ErrorCode = "CONNECTIVITY_ERROR"
	ErrAuthentication  ErrorCode = "AUTHENTICATION_ERROR"
	ErrValidation      ErrorCode = "VALIDATION_ERROR"
	ErrRemoteRejection ErrorCode = "REMOTE_REJECTION"
	ErrTransient       ErrorCode = "TRANSIENT_ERROR"
	ErrStorage         ErrorCode = "STORAGE_ERROR"

	// Sync errors
	ErrSyncInProgress     ErrorCode = "SYNC_IN_PROGRESS"
	ErrDependencyPending  ErrorCode = "DEPENDENCY_PENDING"
	ErrNoCachedCredential ErrorCode = "NO_CACHED_CREDENTIALS"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
	// Status carries the HTTP status for remote failures, 0 otherwise.
	Status int
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the outermost error code, or ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether an operation that failed with err may succeed if
// repeated unchanged. Only transient failures qualify.
func Retryable(err error) bool {
	return Is(err, ErrTransient)
}

// Connectivity reports a missing network where one is required.
func Connectivity(message string) *AppError {
	return New(ErrConnectivity, message)
}

// Authentication wraps an invalid or expired credential failure.
func Authentication(message string, err error) *AppError {
	return Wrap(ErrAuthentication, message, err)
}

// Storage wraps a local persistence failure.
func Storage(message string, err error) *AppError {
	return Wrap(ErrStorage, message, err)
}

// Transient wraps a timeout, 5xx or connection failure.
func Transient(message string, err error) *AppError {
	return Wrap(ErrTransient, message, err)
}

// Rejection reports a remote 4xx rejection other than 401.
func Rejection(status int, message string) *AppError {
	return &AppError{Code: ErrRemoteRejection, Message: message, Status: status}
}
