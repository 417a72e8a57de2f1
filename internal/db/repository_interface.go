// Package db provides repository interfaces for the local patrol store.
package db

import (
	"context"

	"github.com/kimhsiao/patrolsync/internal/models"
)

// EventStore defines persistence for queued field events.
type EventStore interface {
	InsertFieldEvent(ctx context.Context, e *models.FieldEvent) error
	ListUnsyncedEvents(ctx context.Context, patrolID string, limit int) ([]*models.FieldEvent, error)
	MarkEventSynced(ctx context.Context, id string) error
	MarkEventFailed(ctx context.Context, id, reason string) error
	PurgeSyncedEvents(ctx context.Context) (int64, error)
	CountUnsyncedEvents(ctx context.Context, patrolID string) (int, error)
	FailedEventStats(ctx context.Context) (failed int, maxAttempts int, err error)
}

// PingStore defines persistence for the location ping ring.
type PingStore interface {
	InsertPing(ctx context.Context, p *models.LocationPing, capacity int) error
	ListUnsyncedPings(ctx context.Context, limit int) ([]*models.LocationPing, error)
	MarkPingSynced(ctx context.Context, id string) error
	MarkPingFailed(ctx context.Context, id, reason string) error
	PurgeSyncedPings(ctx context.Context) (int64, error)
	CountUnsyncedPings(ctx context.Context) (int, error)
	CountPings(ctx context.Context) (int, error)
	UpsertLastPing(ctx context.Context, p *models.LocationPing) error
	LatestPingForPatrol(ctx context.Context, guardID, patrolID string) (*models.LocationPing, error)
	LatestPingForGuard(ctx context.Context, guardID string) (*models.LocationPing, error)
}

// QueueStore combines what the durable queue needs.
type QueueStore interface {
	EventStore
	PingStore
}

// SessionStore defines persistence for local patrol sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, s *models.PatrolSession) error
	GetSession(ctx context.Context, id string) (*models.PatrolSession, error)
	ActiveSession(ctx context.Context, guardID string) (*models.PatrolSession, error)
	ListActiveSessions(ctx context.Context) ([]*models.PatrolSession, error)
}

// VisitStore defines persistence for checkpoint visits.
type VisitStore interface {
	InsertVisit(ctx context.Context, v *models.CheckpointVisit) error
	DeleteVisit(ctx context.Context, id string) error
	ImportRemoteVisits(ctx context.Context, visits []*models.CheckpointVisit) (int, error)
	ListVisits(ctx context.Context, patrolID string) ([]*models.CheckpointVisit, error)
	ListVisitedCheckpoints(ctx context.Context, patrolID string) ([]string, error)
}

// CheckpointStore defines persistence for the checkpoint catalog and the
// per-patrol checkpoint sets.
type CheckpointStore interface {
	CacheSiteCheckpoints(ctx context.Context, siteID string, defs []*models.CheckpointDefinition) error
	SiteCheckpoints(ctx context.Context, siteID string) ([]*models.CheckpointDefinition, error)
	SavePatrolCheckpoints(ctx context.Context, patrolID string, defs []*models.CheckpointDefinition) error
	PatrolCheckpoints(ctx context.Context, patrolID string) ([]*models.CheckpointDefinition, error)
}

// PatrolStore groups the stores the patrol service reads and writes.
type PatrolStore interface {
	SessionStore
	VisitStore
	CheckpointStore
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ EventStore      = (*Repository)(nil)
	_ PingStore       = (*Repository)(nil)
	_ QueueStore      = (*Repository)(nil)
	_ SessionStore    = (*Repository)(nil)
	_ VisitStore      = (*Repository)(nil)
	_ CheckpointStore = (*Repository)(nil)
	_ PatrolStore     = (*Repository)(nil)
)
