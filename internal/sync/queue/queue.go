// Package queue provides the local durable queue of field events awaiting
// delivery to the remote store, plus the capped location ping ring.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/patrolsync/internal/db"
	"github.com/kimhsiao/patrolsync/internal/digest"
	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/logging"
	"github.com/kimhsiao/patrolsync/internal/models"
	"github.com/kimhsiao/patrolsync/internal/uuid"
)

const (
	// DefaultMaxEvents bounds the number of pending non-ping events.
	DefaultMaxEvents = 10000
	// DefaultPingCapacity is the size of the location ping ring.
	DefaultPingCapacity = 100
)

// Options sizes the queue.
type Options struct {
	MaxEvents    int
	PingCapacity int
}

// Queue is the device's durable outbox.
type Queue struct {
	store        db.QueueStore
	maxEvents    int
	pingCapacity int

	// mu serializes the capacity check with the insert.
	mu sync.Mutex
}

// Stats summarizes the backlog.
type Stats struct {
	PendingEvents int `json:"pending_events"`
	PendingPings  int `json:"pending_pings"`
	StoredPings   int `json:"stored_pings"`
	PingCapacity  int `json:"ping_capacity"`
	FailedEvents  int `json:"failed_events"`
	MaxAttempts   int `json:"max_attempts"`
}

// PurgeResult counts rows removed by PurgeSynced.
type PurgeResult struct {
	Events int64 `json:"events"`
	Pings  int64 `json:"pings"`
}

// New creates a Queue over store. Zero options take the defaults.
func New(store db.QueueStore, opts Options) *Queue {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.PingCapacity <= 0 {
		opts.PingCapacity = DefaultPingCapacity
	}
	return &Queue{
		store:        store,
		maxEvents:    opts.MaxEvents,
		pingCapacity: opts.PingCapacity,
	}
}

// PingCapacity returns the size of the ping ring.
func (q *Queue) PingCapacity() int {
	return q.pingCapacity
}

// Enqueue durably appends an event. It assigns an id when missing, resets
// the synced flag and stamps a payload checksum. location_update events are
// diverted to the ping ring. The only failure surfaced for capacity is
// STORAGE_FULL.
func (q *Queue) Enqueue(ctx context.Context, e *models.FieldEvent) error {
	if !e.Type.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown event type %q", e.Type)
	}
	if e.Type == models.EventLocationUpdate {
		var p models.LocationPing
		if err := e.Decode(&p); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "invalid location payload", err)
		}
		if p.ID == "" {
			p.ID = e.ID
		}
		return q.EnqueuePing(ctx, &p)
	}

	e.ID = uuid.OrNew(e.ID)
	e.Synced = false
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	sum, err := digest.Sum(e.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "payload is not valid JSON", err)
	}
	e.Checksum = sum

	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.store.CountUnsyncedEvents(ctx, "")
	if err != nil {
		return err
	}
	if pending >= q.maxEvents {
		err := apperrors.Newf(apperrors.ErrStorageFull, "queue is full (max events: %d)", q.maxEvents)
		logging.ErrorWithCode("Refusing to enqueue field event", string(apperrors.ErrStorageFull), err,
			map[string]interface{}{"event_type": string(e.Type), "patrol_id": e.PatrolID})
		return err
	}

	if err := q.store.InsertFieldEvent(ctx, e); err != nil {
		return err
	}

	logging.Debug("Enqueued field event", map[string]interface{}{
		"event_id":   e.ID,
		"event_type": string(e.Type),
		"patrol_id":  e.PatrolID,
	})
	return nil
}

// EnqueuePing appends a ping to the ring. The oldest pings are dropped once
// the ring is full.
func (q *Queue) EnqueuePing(ctx context.Context, p *models.LocationPing) error {
	p.ID = uuid.OrNew(p.ID)
	p.Synced = false
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return q.store.InsertPing(ctx, p, q.pingCapacity)
}

// QueryUnsynced returns pending field events oldest first, optionally scoped
// to one patrol. Entries whose payload no longer matches its checksum are
// logged and skipped but left in place.
func (q *Queue) QueryUnsynced(ctx context.Context, patrolID string) ([]*models.FieldEvent, error) {
	events, err := q.store.ListUnsyncedEvents(ctx, patrolID, 0)
	if err != nil {
		return nil, err
	}

	valid := events[:0]
	for _, e := range events {
		if err := Verify(e); err != nil {
			logging.ErrorWithCode("Skipping corrupt queue entry", string(apperrors.ErrStorageCorrupt), err,
				map[string]interface{}{"event_id": e.ID, "event_type": string(e.Type)})
			continue
		}
		valid = append(valid, e)
	}
	return valid, nil
}

// Verify checks an event's payload against its stored checksum.
func Verify(e *models.FieldEvent) error {
	if !digest.Verify(e.Payload, e.Checksum) {
		return apperrors.Newf(apperrors.ErrStorageCorrupt, "checksum mismatch for event %s", e.ID)
	}
	return nil
}

// UnsyncedPings returns pending pings oldest first.
func (q *Queue) UnsyncedPings(ctx context.Context) ([]*models.LocationPing, error) {
	return q.store.ListUnsyncedPings(ctx, 0)
}

// MarkSynced flags an event as delivered. Unknown or already synced ids are
// a no-op.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	return q.store.MarkEventSynced(ctx, id)
}

// MarkPingSynced flags a ping as delivered.
func (q *Queue) MarkPingSynced(ctx context.Context, id string) error {
	return q.store.MarkPingSynced(ctx, id)
}

// MarkFailed records a failed delivery. The event stays pending.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	return q.store.MarkEventFailed(ctx, id, reason(cause))
}

// MarkPingFailed records a failed ping delivery.
func (q *Queue) MarkPingFailed(ctx context.Context, id string, cause error) error {
	return q.store.MarkPingFailed(ctx, id, reason(cause))
}

func reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// PurgeSynced deletes rows already flagged synced. Unsynced rows, including
// ones enqueued while the purge runs, are never removed.
func (q *Queue) PurgeSynced(ctx context.Context) (PurgeResult, error) {
	var res PurgeResult
	var err error
	if res.Pings, err = q.store.PurgeSyncedPings(ctx); err != nil {
		return res, err
	}
	if res.Events, err = q.store.PurgeSyncedEvents(ctx); err != nil {
		return res, err
	}
	if res.Events > 0 || res.Pings > 0 {
		logging.Debug("Purged synced queue entries", map[string]interface{}{
			"events": res.Events,
			"pings":  res.Pings,
		})
	}
	return res, nil
}

// UnsyncedCount returns the number of pending field events, pings excluded.
func (q *Queue) UnsyncedCount(ctx context.Context) (int, error) {
	return q.store.CountUnsyncedEvents(ctx, "")
}

// PendingForPatrol counts the patrol's field events still waiting for
// delivery.
func (q *Queue) PendingForPatrol(ctx context.Context, patrolID string) (int, error) {
	if patrolID == "" {
		return 0, nil
	}
	return q.store.CountUnsyncedEvents(ctx, patrolID)
}

// UnsyncedPingCount returns the number of pending pings.
func (q *Queue) UnsyncedPingCount(ctx context.Context) (int, error) {
	return q.store.CountUnsyncedPings(ctx)
}

// Stats returns backlog statistics.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.PendingEvents, err = q.store.CountUnsyncedEvents(ctx, ""); err != nil {
		return s, err
	}
	if s.PendingPings, err = q.store.CountUnsyncedPings(ctx); err != nil {
		return s, err
	}
	if s.StoredPings, err = q.store.CountPings(ctx); err != nil {
		return s, err
	}
	s.PingCapacity = q.pingCapacity
	if s.FailedEvents, s.MaxAttempts, err = q.store.FailedEventStats(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// RememberPing records p as the last known fix without queueing it.
func (q *Queue) RememberPing(ctx context.Context, p *models.LocationPing) error {
	p.ID = uuid.OrNew(p.ID)
	return q.store.UpsertLastPing(ctx, p)
}

// LatestPing returns the last known fix for the guard within the patrol,
// or nil.
func (q *Queue) LatestPing(ctx context.Context, guardID, patrolID string) (*models.LocationPing, error) {
	return q.store.LatestPingForPatrol(ctx, guardID, patrolID)
}

// LatestGuardPing returns the guard's last known fix across patrols, or nil.
func (q *Queue) LatestGuardPing(ctx context.Context, guardID string) (*models.LocationPing, error) {
	return q.store.LatestPingForGuard(ctx, guardID)
}
