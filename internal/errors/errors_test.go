// Package errors tests for error code definitions and error handling.
package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

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
			appError: &AppError{Code: ErrDatabase, Message: "query failed", Err: stderrors.New("disk full")},
			want:     "[DATABASE_ERROR] query failed: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.appError.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := stderrors.New("boom")
	err := Wrap(ErrSyncFailed, "push", inner)
	assert.True(t, stderrors.Is(err, inner))
}

func TestAppError_IsMatchesCode(t *testing.T) {
	sentinel := New(ErrQueueFull, "change queue is full")
	wrapped := fmt.Errorf("enqueue: %w", Wrap(ErrQueueFull, "capacity 10", nil))

	assert.True(t, stderrors.Is(wrapped, sentinel))
	assert.False(t, stderrors.Is(wrapped, New(ErrSyncOffline, "offline")))
}

func TestIsAndCodeOf(t *testing.T) {
	err := fmt.Errorf("ctx: %w", New(ErrEntityCorrupt, "bad row"))

	assert.True(t, Is(err, ErrEntityCorrupt))
	assert.False(t, Is(err, ErrEntityNotFound))
	assert.Equal(t, ErrEntityCorrupt, CodeOf(err))
	assert.Equal(t, ErrInternal, CodeOf(stderrors.New("plain")))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
}
