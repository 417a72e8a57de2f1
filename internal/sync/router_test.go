package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/models"
	"github.com/kimhsiao/patrolsync/internal/remote"
	"github.com/kimhsiao/patrolsync/internal/remote/httpstore"
)

// TestRoute_online verifies direct delivery leaves nothing queued.
func TestRoute_online(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	e := observationEvent(t, "patrol-1")
	outcome, err := f.router.Route(ctx, e)
	if err != nil {
		t.Fatalf("Route() failed: %v", err)
	}
	if outcome != OutcomeDelivered {
		t.Errorf("outcome = %v, want delivered", outcome)
	}
	if e.ID == "" {
		t.Error("Route() should assign an id")
	}
	if n, _ := f.queue.UnsyncedCount(ctx); n != 0 {
		t.Errorf("UnsyncedCount() = %d, want 0", n)
	}
	if f.remote.ObservationCount() != 1 {
		t.Errorf("ObservationCount() = %d", f.remote.ObservationCount())
	}
}

// TestRoute_offline verifies offline writes are queued without remote calls.
func TestRoute_offline(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	outcome, err := f.router.Route(ctx, observationEvent(t, "patrol-1"))
	if err != nil {
		t.Fatalf("Route() failed: %v", err)
	}
	if outcome != OutcomeQueued {
		t.Errorf("outcome = %v, want queued", outcome)
	}
	if f.remote.Calls(remote.OpInsertObservation) != 0 {
		t.Error("offline route reached the remote store")
	}
	if n, _ := f.queue.UnsyncedCount(ctx); n != 1 {
		t.Errorf("UnsyncedCount() = %d, want 1", n)
	}
}

// TestRoute_transientFallsBack verifies a failed direct write is queued.
func TestRoute_transientFallsBack(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.remote.SetFailure(func(remote.Operation) error {
		return apperrors.New(apperrors.ErrTimeout, "slow link")
	})

	e := observationEvent(t, "patrol-1")
	outcome, err := f.router.Route(ctx, e)
	if err != nil {
		t.Fatalf("Route() failed: %v", err)
	}
	if outcome != OutcomeQueued {
		t.Errorf("outcome = %v, want queued", outcome)
	}
	pending, _ := f.queue.QueryUnsynced(ctx, "patrol-1")
	if len(pending) != 1 || pending[0].ID != e.ID {
		t.Fatalf("pending = %v, want the routed event", pending)
	}
	if pending[0].Attempts != 0 {
		t.Errorf("Attempts = %d, transient failures are not counted", pending[0].Attempts)
	}
}

// TestRoute_rejectedIsQueuedWithAttempt verifies a rejection keeps the write
// and records the attempt.
func TestRoute_rejectedIsQueuedWithAttempt(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.remote.SetFailure(func(remote.Operation) error {
		return apperrors.New(apperrors.ErrRemoteRejected, "422")
	})

	outcome, err := f.router.Route(ctx, observationEvent(t, ""))
	if err != nil {
		t.Fatalf("Route() failed: %v", err)
	}
	if outcome != OutcomeQueued {
		t.Errorf("outcome = %v", outcome)
	}
	stats, _ := f.queue.Stats(ctx)
	if stats.FailedEvents != 1 {
		t.Errorf("FailedEvents = %d, want 1", stats.FailedEvents)
	}
}

// TestRoute_invalid verifies validation errors surface.
func TestRoute_invalid(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.router.Route(ctx, &models.FieldEvent{Type: "bogus", Payload: []byte(`{}`)})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Route(bogus) error = %v, want VALIDATION_ERROR", err)
	}

	bad := &models.FieldEvent{Type: models.EventCheckpointVisit, Payload: []byte(`[1,2]`)}
	_, err = f.router.Route(ctx, bad)
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Route(bad payload) error = %v, want VALIDATION_ERROR", err)
	}
	if n, _ := f.queue.UnsyncedCount(ctx); n != 0 {
		t.Errorf("invalid events were queued: %d", n)
	}
}

// TestRoute_storageFullSurfaces verifies queue capacity errors reach the caller.
func TestRoute_storageFullSurfaces(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.router.queue = queueWithMax(t, 1)

	if _, err := f.router.Route(ctx, observationEvent(t, "")); err != nil {
		t.Fatal(err)
	}
	_, err := f.router.Route(ctx, observationEvent(t, ""))
	if !apperrors.Is(err, apperrors.ErrStorageFull) {
		t.Errorf("Route() error = %v, want STORAGE_FULL", err)
	}
}

// TestRoutePing verifies pings take the ring when offline and go direct
// when online.
func TestRoutePing(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	p := &models.LocationPing{GuardID: "guard-1", PatrolID: "p1", Coords: models.Coords{Latitude: 1}}
	if err := f.router.RoutePing(ctx, p); err != nil {
		t.Fatalf("RoutePing() failed: %v", err)
	}
	if p.ID == "" {
		t.Error("RoutePing() should assign an id")
	}
	if n, _ := f.queue.UnsyncedPingCount(ctx); n != 1 {
		t.Errorf("UnsyncedPingCount() = %d, want 1", n)
	}
	if n, _ := f.queue.UnsyncedCount(ctx); n != 0 {
		t.Errorf("pings leaked into the event queue: %d", n)
	}

	f.oracle.SetOnline(true)
	if err := f.router.RoutePing(ctx, &models.LocationPing{GuardID: "guard-1", PatrolID: "p1"}); err != nil {
		t.Fatalf("RoutePing() failed: %v", err)
	}
	if f.remote.PingCount() != 1 {
		t.Errorf("PingCount() = %d, want 1", f.remote.PingCount())
	}
}

// TestRoute_notFoundIsQueued verifies a 404 from the remote keeps the write
// instead of dropping it.
func TestRoute_notFoundIsQueued(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	f.router = NewRouter(httpstore.New(httpstore.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}), f.queue, f.oracle)

	now := time.Now().UTC()
	e := mustEvent(t, models.EventPatrolEnd, "patrol-1", &models.PatrolEnd{
		PatrolID: "patrol-1",
		Patch:    models.SessionPatch{EndTime: &now, Status: models.PatrolStatusCompleted},
	})
	outcome, err := f.router.Route(ctx, e)
	if err != nil {
		t.Fatalf("Route() failed: %v", err)
	}
	if outcome != OutcomeQueued {
		t.Errorf("outcome = %v, want queued", outcome)
	}
	pending, _ := f.queue.QueryUnsynced(ctx, "patrol-1")
	if len(pending) != 1 || pending[0].ID != e.ID {
		t.Fatalf("pending = %v, want the end event", pending)
	}
	if pending[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", pending[0].Attempts)
	}
}

// TestRoute_queuesBehindPendingPatrolEvents verifies an online write waits
// for the patrol's earlier queued events.
func TestRoute_queuesBehindPendingPatrolEvents(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	events := sessionEvents(t, "patrol-1", "cp-a")
	if _, err := f.router.Route(ctx, events[0]); err != nil {
		t.Fatalf("Route() failed: %v", err)
	}

	f.oracle.SetOnline(true)
	outcome, err := f.router.Route(ctx, events[1])
	if err != nil {
		t.Fatalf("Route() failed: %v", err)
	}
	if outcome != OutcomeQueued {
		t.Errorf("outcome = %v, want queued", outcome)
	}
	if f.remote.VisitCount() != 0 {
		t.Errorf("VisitCount() = %d, visit overtook its session", f.remote.VisitCount())
	}

	other, err := f.router.Route(ctx, observationEvent(t, "patrol-2"))
	if err != nil {
		t.Fatalf("Route() failed: %v", err)
	}
	if other != OutcomeDelivered {
		t.Errorf("other patrol outcome = %v, want delivered", other)
	}

	if _, err := f.engine.Sync(ctx); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if f.remote.SessionCount() != 1 || f.remote.VisitCount() != 1 {
		t.Errorf("remote sessions=%d visits=%d, want 1/1", f.remote.SessionCount(), f.remote.VisitCount())
	}

	outcome, err = f.router.Route(ctx, sessionEvents(t, "patrol-1", "cp-b")[1])
	if err != nil {
		t.Fatalf("Route() failed: %v", err)
	}
	if outcome != OutcomeDelivered {
		t.Errorf("outcome after drain = %v, want delivered", outcome)
	}
}
