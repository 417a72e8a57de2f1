// Package errors provides the error taxonomy shared by the patrol engine,
// the local queue, the sync engine and the remote adapters.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to callers.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Scan errors
	ErrScanUnreadable ErrorCode = "SCAN_UNREADABLE"
	ErrSiteMismatch   ErrorCode = "SITE_MISMATCH"

	// Authorization errors
	ErrNotAssigned ErrorCode = "NOT_ASSIGNED"

	// Patrol state errors
	ErrAlreadyActive           ErrorCode = "ALREADY_ACTIVE"
	ErrNoActivePatrol          ErrorCode = "NO_ACTIVE_PATROL"
	ErrDuplicateVisit          ErrorCode = "DUPLICATE_VISIT"
	ErrInvalidCheckpoint       ErrorCode = "INVALID_CHECKPOINT"
	ErrNoCheckpointsConfigured ErrorCode = "NO_CHECKPOINTS_CONFIGURED"
	ErrSyncInProgress          ErrorCode = "SYNC_IN_PROGRESS"

	// Transient I/O errors
	ErrNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrTimeout            ErrorCode = "TIMEOUT"

	// Local storage errors
	ErrStorageFull    ErrorCode = "STORAGE_FULL"
	ErrStorageCorrupt ErrorCode = "STORAGE_CORRUPT"
	ErrDatabase       ErrorCode = "DATABASE_ERROR"
	ErrMigration      ErrorCode = "MIGRATION_FAILED"

	// Remote store errors
	ErrRemoteRejected ErrorCode = "REMOTE_REJECTED"
)

// Kind groups error codes by how they propagate.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindTransientIO   Kind = "transient_io"
	KindStorage       Kind = "storage"
	KindRemote        Kind = "remote"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal"
)

var kinds = map[ErrorCode]Kind{
	ErrValidation:              KindValidation,
	ErrScanUnreadable:          KindValidation,
	ErrSiteMismatch:            KindValidation,
	ErrNotAssigned:             KindAuthorization,
	ErrAlreadyActive:           KindState,
	ErrNoActivePatrol:          KindState,
	ErrDuplicateVisit:          KindState,
	ErrInvalidCheckpoint:       KindState,
	ErrNoCheckpointsConfigured: KindState,
	ErrSyncInProgress:          KindState,
	ErrNetworkUnavailable:      KindTransientIO,
	ErrTimeout:                 KindTransientIO,
	ErrStorageFull:             KindStorage,
	ErrStorageCorrupt:          KindStorage,
	ErrDatabase:                KindStorage,
	ErrMigration:               KindStorage,
	ErrRemoteRejected:          KindRemote,
	ErrNotFound:                KindNotFound,
	ErrInternal:                KindInternal,
}

// Kind returns the propagation class of the code.
func (c ErrorCode) Kind() Kind {
	if k, ok := kinds[c]; ok {
		return k
	}
	return KindInternal
}

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

// Kind returns the propagation class of the error.
func (e *AppError) Kind() Kind {
	return e.Code.Kind()
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is checks if an error (or anything it wraps) carries a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ErrInternal
}

// KindOf classifies err. Bare context deadline errors count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if appErr, ok := As(err); ok {
		return appErr.Kind()
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTransientIO
	}
	return KindInternal
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientIO
}
