// Package errors provides error codes shared by the sync core and the desktop API.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode is a stable, machine-readable error identifier surfaced to the UI.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Entity errors
	ErrEntityNotFound ErrorCode = "ENTITY_NOT_FOUND"
	ErrEntityCorrupt  ErrorCode = "ENTITY_CORRUPT"

	// Sync errors
	ErrSyncNotConfigured   ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSyncFailed          ErrorCode = "SYNC_FAILED"
	ErrSyncOffline         ErrorCode = "SYNC_OFFLINE"
	ErrSyncRemoteRejected  ErrorCode = "SYNC_REMOTE_REJECTED"
	ErrSyncDeadLetter      ErrorCode = "SYNC_DEAD_LETTER"
	ErrSyncConflictPending ErrorCode = "SYNC_CONFLICT_PENDING"
	ErrSyncConflictMissing ErrorCode = "SYNC_CONFLICT_NOT_FOUND"
	ErrSyncInProgress      ErrorCode = "SYNC_IN_PROGRESS"
	ErrQueueFull           ErrorCode = "QUEUE_FULL"

	// Crypto errors
	ErrCryptoFailed ErrorCode = "CRYPTO_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
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

// Is makes errors.Is match any AppError carrying the same code, so package
// sentinels built with New can be compared against wrapped instances.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
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

// Is checks if err, or any error it wraps, carries code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
