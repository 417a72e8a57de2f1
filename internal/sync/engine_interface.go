// Package sync reconciles the local durable queue with the remote store.
package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync performs one reconciliation pass.
	// Returns the pass statistics or an error when the pass could not run.
	Sync(ctx context.Context) (*SyncResult, error)

	// SetEventHandler sets the handler notified during passes.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the time the last pass completed.
	LastSync() *time.Time

	// PendingChanges returns the number of entries left pending after the
	// last pass.
	PendingChanges() int

	// LastError returns the last error that occurred during sync.
	LastError() error
}
