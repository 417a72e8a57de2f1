// Package sync tests for the reconciliation engine.
package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/patrolsync/internal/connectivity"
	"github.com/kimhsiao/patrolsync/internal/db"
	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/models"
	"github.com/kimhsiao/patrolsync/internal/remote"
	"github.com/kimhsiao/patrolsync/internal/sync/queue"
	"github.com/kimhsiao/patrolsync/internal/uuid"
)

// testEventHandler is a test implementation of SyncEventHandler.
type testEventHandler struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (h *testEventHandler) OnSyncEvent(event SyncEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *testEventHandler) types() []SyncEventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SyncEventType, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	queue  *queue.Queue
	remote *remote.Memory
	oracle *connectivity.Switch
	engine *Engine
	router *Router
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	database, err := db.OpenAndMigrate(t.TempDir())
	if err != nil {
		t.Fatalf("OpenAndMigrate() failed: %v", err)
	}
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	f := &fixture{
		queue:  queue.New(repo, queue.Options{}),
		remote: remote.NewMemory(),
		oracle: connectivity.NewSwitch(online),
	}
	f.engine = NewEngine(f.queue, f.remote, f.oracle)
	f.router = NewRouter(f.remote, f.queue, f.oracle)
	return f
}

func mustEvent(t *testing.T, typ models.EventType, patrolID string, payload interface{}) *models.FieldEvent {
	t.Helper()
	e, err := models.NewFieldEvent(typ, "guard-1", patrolID, payload)
	if err != nil {
		t.Fatalf("NewFieldEvent() failed: %v", err)
	}
	return e
}

func observationEvent(t *testing.T, patrolID string) *models.FieldEvent {
	t.Helper()
	return mustEvent(t, models.EventObservation, patrolID, &models.Observation{
		ID:        uuid.New(),
		GuardID:   "guard-1",
		PatrolID:  patrolID,
		Payload:   []byte(`{"note":"gate open"}`),
		CreatedAt: time.Now().UTC(),
	})
}

func sessionEvents(t *testing.T, patrolID string, checkpoints ...string) []*models.FieldEvent {
	t.Helper()
	start := time.Now().UTC()
	events := []*models.FieldEvent{mustEvent(t, models.EventPatrolStart, patrolID, &models.PatrolSession{
		ID:        patrolID,
		GuardID:   "guard-1",
		SiteID:    "site-1",
		StartTime: start,
		Status:    models.PatrolStatusActive,
	})}
	for _, cp := range checkpoints {
		events = append(events, mustEvent(t, models.EventCheckpointVisit, patrolID, &models.CheckpointVisit{
			ID:           uuid.New(),
			PatrolID:     patrolID,
			CheckpointID: cp,
			Timestamp:    start,
		}))
	}
	return events
}

// TestNewEngine verifies engine creation.
func TestNewEngine(t *testing.T) {
	engine := NewEngine(nil, nil, connectivity.NewSwitch(false))

	if engine.Status() != SyncStatusIdle {
		t.Errorf("status = %v, want SyncStatusIdle", engine.Status())
	}
	if engine.LastSync() != nil {
		t.Error("lastSync should be nil initially")
	}
	if engine.PendingChanges() != 0 {
		t.Error("pending should be 0 initially")
	}
	if engine.LastError() != nil {
		t.Error("lastErr should be nil initially")
	}
}

// TestSetEventHandler_nil verifies a nil handler is handled.
func TestSetEventHandler_nil(t *testing.T) {
	engine := NewEngine(nil, nil, connectivity.NewSwitch(false))
	engine.SetEventHandler(nil)
	engine.emitEvent(SyncEvent{Type: SyncEventStarted})
}

// TestEmitEvent verifies event emission with timestamp.
func TestEmitEvent(t *testing.T) {
	engine := NewEngine(nil, nil, connectivity.NewSwitch(false))
	handler := &testEventHandler{}
	engine.SetEventHandler(handler)

	engine.emitEvent(SyncEvent{Type: SyncEventStarted, Message: "Test"})
	testTime := time.Now().Add(-time.Hour)
	engine.emitEvent(SyncEvent{Type: SyncEventCompleted, Timestamp: testTime})

	if len(handler.events) != 2 {
		t.Fatalf("events count = %d, want 2", len(handler.events))
	}
	if handler.events[0].Message != "Test" {
		t.Errorf("event message = %q, want 'Test'", handler.events[0].Message)
	}
	if handler.events[0].Timestamp.IsZero() {
		t.Error("event timestamp should be set automatically")
	}
	if !handler.events[1].Timestamp.Equal(testTime) {
		t.Errorf("timestamp was not preserved, got %v", handler.events[1].Timestamp)
	}
}

// TestGetErrorHistory verifies error history retrieval.
func TestGetErrorHistory(t *testing.T) {
	engine := NewEngine(nil, nil, connectivity.NewSwitch(false))

	history := engine.GetErrorHistory()
	if history == nil || len(history) != 0 {
		t.Fatalf("history = %v, want empty non-nil", history)
	}

	engine.recordError("item1", "observation", apperrors.New(apperrors.ErrRemoteRejected, "400"))
	engine.recordError("item2", "emergency", errors.New("another error"))

	history = engine.GetErrorHistory()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Code != string(apperrors.ErrRemoteRejected) {
		t.Errorf("code = %q", history[0].Code)
	}

	// Verify it returns a copy, not the original slice
	history[0] = SyncErrorEntry{}
	if engine.GetErrorHistory()[0].ItemID != "item1" {
		t.Error("modifying returned history affected original")
	}

	engine.ClearErrorHistory()
	if len(engine.GetErrorHistory()) != 0 {
		t.Error("history not cleared")
	}
}

// TestRecordError verifies error recording with history limits.
func TestRecordError(t *testing.T) {
	engine := NewEngine(nil, nil, connectivity.NewSwitch(false))

	for i := 0; i < 150; i++ {
		engine.recordError("item", "test", errors.New("test error"))
	}

	if got := len(engine.GetErrorHistory()); got != maxErrorHistory {
		t.Errorf("history length = %d, want %d", got, maxErrorHistory)
	}
}

// TestSync_offline verifies a pass refuses to run without connectivity.
func TestSync_offline(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.engine.Sync(context.Background())
	if !apperrors.Is(err, apperrors.ErrNetworkUnavailable) {
		t.Errorf("Sync() error = %v, want NETWORK_UNAVAILABLE", err)
	}
}

// TestSync_successEmpty verifies an empty pass completes.
func TestSync_successEmpty(t *testing.T) {
	f := newFixture(t, true)
	handler := &testEventHandler{}
	f.engine.SetEventHandler(handler)

	result, err := f.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if result.EventsSynced != 0 || result.PingsSynced != 0 {
		t.Errorf("result = %+v, want nothing synced", result)
	}
	if f.engine.Status() != SyncStatusIdle {
		t.Errorf("status = %v", f.engine.Status())
	}
	if f.engine.LastSync() == nil {
		t.Error("LastSync() should be set")
	}
	types := handler.types()
	if len(types) != 2 || types[0] != SyncEventStarted || types[1] != SyncEventCompleted {
		t.Errorf("events = %v", types)
	}
}

// TestSync_offlineDurability enqueues five events while offline, reconnects
// and checks that one pass delivers and purges them.
func TestSync_offlineDurability(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	for _, e := range sessionEvents(t, "patrol-1", "cp-a", "cp-b") {
		if _, err := f.router.Route(ctx, e); err != nil {
			t.Fatalf("Route() failed: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := f.router.Route(ctx, observationEvent(t, "patrol-1")); err != nil {
			t.Fatalf("Route() failed: %v", err)
		}
	}

	if n, _ := f.queue.UnsyncedCount(ctx); n != 5 {
		t.Fatalf("UnsyncedCount() = %d, want 5", n)
	}

	f.oracle.SetOnline(true)
	result, err := f.engine.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if result.EventsSynced != 5 {
		t.Errorf("EventsSynced = %d, want 5", result.EventsSynced)
	}
	if result.Purged != 5 {
		t.Errorf("Purged = %d, want 5", result.Purged)
	}
	if n, _ := f.queue.UnsyncedCount(ctx); n != 0 {
		t.Errorf("UnsyncedCount() after sync = %d, want 0", n)
	}
	if f.remote.SessionCount() != 1 || f.remote.VisitCount() != 2 || f.remote.ObservationCount() != 2 {
		t.Errorf("remote holds %d sessions, %d visits, %d observations",
			f.remote.SessionCount(), f.remote.VisitCount(), f.remote.ObservationCount())
	}
	if f.engine.PendingChanges() != 0 {
		t.Errorf("PendingChanges() = %d", f.engine.PendingChanges())
	}
}

// TestSync_conservation verifies N queued entries yield exactly N upserts.
func TestSync_conservation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	const n = 12
	for i := 0; i < n; i++ {
		if err := f.queue.Enqueue(ctx, observationEvent(t, "")); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}
	f.oracle.SetOnline(true)

	if _, err := f.engine.Sync(ctx); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if got := f.remote.Calls(remote.OpInsertObservation); got != n {
		t.Errorf("InsertObservation calls = %d, want %d", got, n)
	}

	// A second pass has nothing to send.
	if _, err := f.engine.Sync(ctx); err != nil {
		t.Fatalf("second Sync() failed: %v", err)
	}
	if got := f.remote.Calls(remote.OpInsertObservation); got != n {
		t.Errorf("InsertObservation calls after second pass = %d, want %d", got, n)
	}
}

// TestSync_pingsFirst verifies pings drain before other events.
func TestSync_pingsFirst(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if err := f.queue.Enqueue(ctx, observationEvent(t, "")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := f.router.RoutePing(ctx, &models.LocationPing{GuardID: "guard-1", PatrolID: "p1"}); err != nil {
		t.Fatalf("RoutePing() failed: %v", err)
	}

	var order []remote.Operation
	var mu sync.Mutex
	f.remote.SetFailure(func(op remote.Operation) error {
		mu.Lock()
		order = append(order, op)
		mu.Unlock()
		return nil
	})
	f.oracle.SetOnline(true)

	result, err := f.engine.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if result.PingsSynced != 1 || result.EventsSynced != 1 {
		t.Errorf("result = %+v", result)
	}
	if len(order) != 2 || order[0] != remote.OpInsertLocationPing {
		t.Errorf("call order = %v, want ping first", order)
	}
}

// TestSync_itemIsolation verifies one failing item does not stop the pass.
func TestSync_itemIsolation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if err := f.queue.Enqueue(ctx, observationEvent(t, "")); err != nil {
		t.Fatal(err)
	}
	emergency := mustEvent(t, models.EventEmergency, "", &models.EmergencyReport{ID: uuid.New(), GuardID: "guard-1"})
	if err := f.queue.Enqueue(ctx, emergency); err != nil {
		t.Fatal(err)
	}
	if err := f.queue.Enqueue(ctx, observationEvent(t, "")); err != nil {
		t.Fatal(err)
	}

	f.remote.SetFailure(func(op remote.Operation) error {
		if op == remote.OpInsertEmergencyReport {
			return apperrors.New(apperrors.ErrRemoteRejected, "schema mismatch")
		}
		return nil
	})
	f.oracle.SetOnline(true)

	result, err := f.engine.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if result.EventsSynced != 2 || result.Failed != 1 {
		t.Errorf("result = %+v, want 2 synced and 1 failed", result)
	}
	if f.engine.Status() != SyncStatusFailed {
		t.Errorf("status = %v, want failed", f.engine.Status())
	}

	stats, _ := f.queue.Stats(ctx)
	if stats.PendingEvents != 1 || stats.FailedEvents != 1 || stats.MaxAttempts != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(f.engine.GetErrorHistory()) != 1 {
		t.Errorf("error history = %v", f.engine.GetErrorHistory())
	}

	// Once the remote accepts it the entry drains.
	f.remote.SetFailure(nil)
	if _, err := f.engine.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.queue.UnsyncedCount(ctx); n != 0 {
		t.Errorf("UnsyncedCount() = %d, want 0", n)
	}
	if f.engine.Status() != SyncStatusIdle {
		t.Errorf("status = %v, want idle", f.engine.Status())
	}
}

// TestSync_defersAfterFailedStart verifies visits wait for their session.
func TestSync_defersAfterFailedStart(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	for _, e := range sessionEvents(t, "patrol-1", "cp-a", "cp-b") {
		if err := f.queue.Enqueue(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	f.remote.SetFailure(func(op remote.Operation) error {
		if op == remote.OpCreatePatrolSession {
			return apperrors.New(apperrors.ErrNetworkUnavailable, "reset")
		}
		return nil
	})
	f.oracle.SetOnline(true)

	result, err := f.engine.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed != 1 || result.Deferred != 2 {
		t.Errorf("result = %+v, want 1 failed and 2 deferred", result)
	}
	if f.remote.Calls(remote.OpInsertCheckpointVisit) != 0 {
		t.Error("visits were sent before their session")
	}

	f.remote.SetFailure(nil)
	result, err = f.engine.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.EventsSynced != 3 {
		t.Errorf("EventsSynced = %d, want 3", result.EventsSynced)
	}
}

// blockingStore holds InsertObservation until release is closed.
type blockingStore struct {
	*remote.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) InsertObservation(ctx context.Context, o *models.Observation) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.Memory.InsertObservation(ctx, o)
}

// TestSync_alreadyInProgress verifies single-flight.
func TestSync_alreadyInProgress(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if err := f.queue.Enqueue(ctx, observationEvent(t, "")); err != nil {
		t.Fatal(err)
	}

	store := &blockingStore{Memory: f.remote, entered: make(chan struct{}), release: make(chan struct{})}
	engine := NewEngine(f.queue, store, f.oracle)
	f.oracle.SetOnline(true)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Sync(ctx)
		done <- err
	}()
	<-store.entered

	if !engine.IsSyncing() {
		t.Error("IsSyncing() = false during a pass")
	}
	if engine.Status() != SyncStatusSyncing {
		t.Errorf("Status() = %v during a pass", engine.Status())
	}
	_, err := engine.Sync(ctx)
	if !apperrors.Is(err, apperrors.ErrSyncInProgress) {
		t.Errorf("second Sync() error = %v, want SYNC_IN_PROGRESS", err)
	}

	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("first Sync() failed: %v", err)
	}
	if f.remote.ObservationCount() != 1 {
		t.Errorf("ObservationCount() = %d, want 1", f.remote.ObservationCount())
	}
}

// TestSync_contextCancellation verifies a cancelled pass stops between items.
func TestSync_contextCancellation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := f.queue.Enqueue(ctx, observationEvent(t, "")); err != nil {
			t.Fatal(err)
		}
	}
	f.oracle.SetOnline(true)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	result, err := f.engine.Sync(cancelled)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sync() error = %v, want context.Canceled", err)
	}
	if result == nil || result.EventsSynced != 0 {
		t.Errorf("result = %+v", result)
	}
	if n, _ := f.queue.UnsyncedCount(ctx); n != 3 {
		t.Errorf("UnsyncedCount() = %d, want 3", n)
	}
	if f.engine.LastError() == nil {
		t.Error("LastError() should be set")
	}
}

// TestSync_idempotentReplay verifies replaying a delivered event is harmless.
func TestSync_idempotentReplay(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	e := observationEvent(t, "")
	if _, err := f.router.Route(ctx, e); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash between remote write and mark: the same event is
	// queued again and replayed.
	replay := *e
	replay.Synced = false
	if err := f.queue.Enqueue(ctx, &replay); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if f.remote.ObservationCount() != 1 {
		t.Errorf("ObservationCount() = %d, want 1", f.remote.ObservationCount())
	}
}

func queueWithMax(t *testing.T, max int) *queue.Queue {
	t.Helper()
	database, err := db.OpenAndMigrate(t.TempDir())
	if err != nil {
		t.Fatalf("OpenAndMigrate() failed: %v", err)
	}
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	return queue.New(repo, queue.Options{MaxEvents: max})
}
