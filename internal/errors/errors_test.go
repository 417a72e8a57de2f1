// Package errors tests for error code definitions and error handling.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestErrorCodeKinds verifies every code maps to the expected propagation class.
func TestErrorCodeKinds(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want Kind
	}{
		{ErrValidation, KindValidation},
		{ErrScanUnreadable, KindValidation},
		{ErrSiteMismatch, KindValidation},
		{ErrNotAssigned, KindAuthorization},
		{ErrAlreadyActive, KindState},
		{ErrNoActivePatrol, KindState},
		{ErrDuplicateVisit, KindState},
		{ErrInvalidCheckpoint, KindState},
		{ErrNoCheckpointsConfigured, KindState},
		{ErrSyncInProgress, KindState},
		{ErrNetworkUnavailable, KindTransientIO},
		{ErrTimeout, KindTransientIO},
		{ErrStorageFull, KindStorage},
		{ErrStorageCorrupt, KindStorage},
		{ErrDatabase, KindStorage},
		{ErrRemoteRejected, KindRemote},
		{ErrNotFound, KindNotFound},
		{ErrInternal, KindInternal},
		{ErrorCode("SOMETHING_NEW"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.Kind(); got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
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
			appError: &AppError{Code: ErrDatabase, Message: "query failed", Err: errors.New("connection lost")},
			want:     "[DATABASE_ERROR] query failed: connection lost",
		},
		{
			name:     "duplicate visit",
			appError: &AppError{Code: ErrDuplicateVisit, Message: "checkpoint cp-a already visited"},
			want:     "[DUPLICATE_VISIT] checkpoint cp-a already visited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.appError.Error()
			if got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWrap_Unwrap verifies the underlying error stays reachable.
func TestWrap_Unwrap(t *testing.T) {
	underlying := errors.New("disk full")
	err := Wrap(ErrStorageFull, "enqueue failed", underlying)

	if !errors.Is(err, underlying) {
		t.Error("errors.Is() should find the underlying error")
	}
	if err.Unwrap() != underlying {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), underlying)
	}
}

// TestIs_wrappedChain verifies Is looks through fmt.Errorf wrapping.
func TestIs_wrappedChain(t *testing.T) {
	base := New(ErrAlreadyActive, "guard g1 already on patrol")
	wrapped := fmt.Errorf("start patrol: %w", base)

	if !Is(wrapped, ErrAlreadyActive) {
		t.Error("Is() should match through wrapping")
	}
	if Is(wrapped, ErrDuplicateVisit) {
		t.Error("Is() should not match a different code")
	}
	if Is(errors.New("plain"), ErrAlreadyActive) {
		t.Error("Is() should not match a foreign error")
	}
	if got := CodeOf(wrapped); got != ErrAlreadyActive {
		t.Errorf("CodeOf() = %q, want %q", got, ErrAlreadyActive)
	}
}

// TestKindOf verifies classification of app and foreign errors.
func TestKindOf(t *testing.T) {
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
	if got := KindOf(New(ErrTimeout, "gps")); got != KindTransientIO {
		t.Errorf("KindOf(timeout) = %q", got)
	}
	if got := KindOf(fmt.Errorf("dial: %w", context.DeadlineExceeded)); got != KindTransientIO {
		t.Errorf("KindOf(deadline) = %q", got)
	}
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("KindOf(foreign) = %q", got)
	}
	if !IsTransient(Wrap(ErrNetworkUnavailable, "offline", nil)) {
		t.Error("IsTransient() should be true for network errors")
	}
	if IsTransient(New(ErrRemoteRejected, "400")) {
		t.Error("IsTransient() should be false for remote rejections")
	}
}

// TestNewf verifies formatted messages.
func TestNewf(t *testing.T) {
	err := Newf(ErrInvalidCheckpoint, "checkpoint %s is not part of site %s", "cp-9", "site-1")
	if !strings.Contains(err.Error(), "cp-9") || !strings.Contains(err.Error(), "site-1") {
		t.Errorf("Newf() message = %q", err.Error())
	}
}
