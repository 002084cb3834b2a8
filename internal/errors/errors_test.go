// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrReadOnly,
		ErrConnectivity, ErrAuthentication, ErrValidation, ErrRemoteRejection,
		ErrTransient, ErrStorage, ErrSyncInProgress, ErrDependencyPending,
		ErrNoCachedCredential, ErrDatabase, ErrMigration,
	}
	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		assert.NotEmpty(t, code)
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrStorage, Message: "write queue", Err: errors.New("disk full")},
			want:     "[STORAGE_ERROR] write queue: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.appError.Error())
		})
	}
}

// TestIs_wrapped verifies code matching through fmt wrapping and nested AppErrors.
func TestIs_wrapped(t *testing.T) {
	inner := Authentication("refresh rejected", errors.New("401"))
	outer := Wrap(ErrInternal, "sync aborted", inner)
	wrapped := fmt.Errorf("run: %w", outer)

	assert.True(t, Is(wrapped, ErrInternal))
	assert.True(t, Is(wrapped, ErrAuthentication))
	assert.False(t, Is(wrapped, ErrTransient))
	assert.False(t, Is(errors.New("plain"), ErrInternal))
	assert.False(t, Is(nil, ErrInternal))
}

// TestRetryable verifies only transient errors are retryable.
func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Transient("timeout", errors.New("deadline"))))
	assert.False(t, Retryable(Rejection(400, "bad amount")))
	assert.False(t, Retryable(Connectivity("offline")))
	assert.False(t, Retryable(errors.New("plain")))
}

// TestCodeOf verifies code extraction.
func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrRemoteRejection, CodeOf(Rejection(422, "invalid")))
	assert.Equal(t, ErrInternal, CodeOf(errors.New("plain")))

	rej := Rejection(409, "conflict")
	assert.Equal(t, 409, rej.Status)
}
