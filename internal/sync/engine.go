package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/patrolsync/internal/connectivity"
	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/logging"
	"github.com/kimhsiao/patrolsync/internal/models"
	"github.com/kimhsiao/patrolsync/internal/remote"
	"github.com/kimhsiao/patrolsync/internal/sync/queue"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncEventType identifies a notification emitted during a pass.
type SyncEventType string

const (
	SyncEventStarted    SyncEventType = "started"
	SyncEventItemSynced SyncEventType = "item_synced"
	SyncEventItemFailed SyncEventType = "item_failed"
	SyncEventCompleted  SyncEventType = "completed"
	SyncEventFailed     SyncEventType = "failed"
)

// SyncEvent is one notification emitted during a pass.
type SyncEvent struct {
	Type      SyncEventType `json:"type"`
	ItemID    string        `json:"item_id,omitempty"`
	ItemType  string        `json:"item_type,omitempty"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// SyncEventHandler receives sync notifications.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncErrorEntry is one recorded item failure.
type SyncErrorEntry struct {
	ItemID    string    `json:"item_id"`
	Operation string    `json:"operation"`
	Code      string    `json:"code"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

const maxErrorHistory = 100

// SyncResult represents the result of a sync pass.
type SyncResult struct {
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
	PingsSynced  int           `json:"pings_synced"`
	EventsSynced int           `json:"events_synced"`
	Failed       int           `json:"failed"`
	Deferred     int           `json:"deferred"`
	Purged       int64         `json:"purged"`
	Error        string        `json:"error,omitempty"`
}

// Engine drains the queue into the remote store. At most one pass runs at a
// time; a second caller gets SYNC_IN_PROGRESS instead of restarting it.
type Engine struct {
	queue  *queue.Queue
	remote remote.Store
	oracle connectivity.Oracle

	running atomic.Bool

	mu         sync.RWMutex
	status     SyncStatus
	lastSync   *time.Time
	pending    int
	lastErr    error
	handler    SyncEventHandler
	errHistory []SyncErrorEntry
}

// NewEngine creates a new Engine.
func NewEngine(q *queue.Queue, store remote.Store, oracle connectivity.Oracle) *Engine {
	return &Engine{
		queue:  q,
		remote: store,
		oracle: oracle,
		status: SyncStatusIdle,
	}
}

// SetEventHandler sets the handler notified during passes.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the time the last pass completed.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// PendingChanges returns the number of entries left after the last pass.
func (e *Engine) PendingChanges() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pending
}

// LastError returns the last sync error.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// IsSyncing reports whether a pass is running.
func (e *Engine) IsSyncing() bool {
	return e.running.Load()
}

// GetErrorHistory returns a copy of the recorded item failures, oldest first.
func (e *Engine) GetErrorHistory() []SyncErrorEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SyncErrorEntry, len(e.errHistory))
	copy(out, e.errHistory)
	return out
}

// ClearErrorHistory drops recorded failures.
func (e *Engine) ClearErrorHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errHistory = nil
}

func (e *Engine) recordError(itemID, operation string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errHistory = append(e.errHistory, SyncErrorEntry{
		ItemID:    itemID,
		Operation: operation,
		Code:      string(apperrors.CodeOf(err)),
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
	if len(e.errHistory) > maxErrorHistory {
		e.errHistory = e.errHistory[len(e.errHistory)-maxErrorHistory:]
	}
}

func (e *Engine) emitEvent(event SyncEvent) {
	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()
	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	handler.OnSyncEvent(event)
}

func (e *Engine) setStatus(status SyncStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
}

// Sync runs one pass: pings oldest first, then the remaining field events
// oldest first across all patrols, then a purge of delivered rows. A failing
// item is marked and the pass moves on. Events that follow a failed event of
// the same patrol are deferred to keep per-patrol order.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "a sync pass is already running")
	}
	defer e.running.Store(false)

	if !e.oracle.IsOnline() {
		return nil, apperrors.New(apperrors.ErrNetworkUnavailable, "device is offline")
	}

	e.setStatus(SyncStatusSyncing)
	result := &SyncResult{StartTime: time.Now().UTC()}
	e.emitEvent(SyncEvent{Type: SyncEventStarted, Timestamp: result.StartTime})

	passErr := e.drain(ctx, result)

	if purged, err := e.queue.PurgeSynced(context.WithoutCancel(ctx)); err != nil {
		logging.Error("Failed to purge synced rows", err)
		if passErr == nil {
			passErr = err
		}
	} else {
		result.Purged = purged.Events + purged.Pings
	}

	result.EndTime = time.Now().UTC()
	result.Duration = result.EndTime.Sub(result.StartTime)
	pending := e.countPending(context.WithoutCancel(ctx))

	e.mu.Lock()
	e.pending = pending
	switch {
	case passErr != nil:
		e.status = SyncStatusFailed
		e.lastErr = passErr
		result.Error = passErr.Error()
	case result.Failed > 0:
		e.status = SyncStatusFailed
		e.lastSync = &result.EndTime
	default:
		e.status = SyncStatusIdle
		e.lastErr = nil
		e.lastSync = &result.EndTime
	}
	e.mu.Unlock()

	fields := map[string]interface{}{
		"pings_synced":  result.PingsSynced,
		"events_synced": result.EventsSynced,
		"failed":        result.Failed,
		"deferred":      result.Deferred,
		"purged":        result.Purged,
		"pending":       pending,
		"duration_ms":   result.Duration.Milliseconds(),
	}
	if passErr != nil {
		logging.ErrorWithCode("Sync pass aborted", string(apperrors.CodeOf(passErr)), passErr, fields)
		e.emitEvent(SyncEvent{Type: SyncEventFailed, Error: passErr.Error()})
		return result, passErr
	}
	logging.Info("Sync pass completed", fields)
	e.emitEvent(SyncEvent{
		Type:    SyncEventCompleted,
		Message: fmt.Sprintf("synced %d pings and %d events", result.PingsSynced, result.EventsSynced),
	})
	return result, nil
}

func (e *Engine) drain(ctx context.Context, result *SyncResult) error {
	if err := e.checkpoint(ctx); err != nil {
		return err
	}
	pings, err := e.queue.UnsyncedPings(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending pings: %w", err)
	}
	for _, p := range pings {
		if err := e.checkpoint(ctx); err != nil {
			return err
		}
		err := remote.Classify(remote.OpInsertLocationPing, e.remote.InsertLocationPing(ctx, p))
		if err != nil {
			e.itemFailed(ctx, p.ID, string(models.EventLocationUpdate), err, e.queue.MarkPingFailed)
			result.Failed++
			continue
		}
		if err := e.queue.MarkPingSynced(ctx, p.ID); err != nil {
			return err
		}
		result.PingsSynced++
		e.emitEvent(SyncEvent{Type: SyncEventItemSynced, ItemID: p.ID, ItemType: string(models.EventLocationUpdate)})
	}

	events, err := e.queue.QueryUnsynced(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list pending events: %w", err)
	}
	blocked := make(map[string]bool)
	for _, ev := range events {
		if err := e.checkpoint(ctx); err != nil {
			return err
		}
		if ev.PatrolID != "" && blocked[ev.PatrolID] {
			result.Deferred++
			continue
		}
		if err := Dispatch(ctx, e.remote, ev); err != nil {
			e.itemFailed(ctx, ev.ID, string(ev.Type), err, e.queue.MarkFailed)
			result.Failed++
			if ev.PatrolID != "" {
				blocked[ev.PatrolID] = true
			}
			continue
		}
		if err := e.queue.MarkSynced(ctx, ev.ID); err != nil {
			return err
		}
		result.EventsSynced++
		e.emitEvent(SyncEvent{Type: SyncEventItemSynced, ItemID: ev.ID, ItemType: string(ev.Type)})
	}
	return nil
}

// checkpoint stops the pass between items on cancellation or when the
// device drops offline.
func (e *Engine) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.oracle.IsOnline() {
		return apperrors.New(apperrors.ErrNetworkUnavailable, "device went offline during sync")
	}
	return nil
}

func (e *Engine) itemFailed(ctx context.Context, id, itemType string, cause error,
	mark func(context.Context, string, error) error) {
	if err := mark(context.WithoutCancel(ctx), id, cause); err != nil {
		logging.Error("Failed to record sync failure", err, map[string]interface{}{"item_id": id})
	}
	e.recordError(id, itemType, cause)
	logging.Warn("Sync item failed", map[string]interface{}{
		"item_id":    id,
		"item_type":  itemType,
		"error_code": string(apperrors.CodeOf(cause)),
		"error":      cause.Error(),
	})
	e.emitEvent(SyncEvent{Type: SyncEventItemFailed, ItemID: id, ItemType: itemType, Error: cause.Error()})
}

func (e *Engine) countPending(ctx context.Context) int {
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return 0
	}
	return stats.PendingEvents + stats.PendingPings
}

var _ SyncEngineInterface = (*Engine)(nil)
