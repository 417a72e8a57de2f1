// Package remote defines the central store the device reconciles with.
// Every write is keyed on the client-generated id so replaying it after a
// crash mid-sync has no additional effect.
package remote

import (
	"context"

	"github.com/kimhsiao/patrolsync/internal/models"
)

// Operation names a remote call. Used for logging and by the in-memory
// store's call accounting.
type Operation string

const (
	OpCreatePatrolSession       Operation = "create_patrol_session"
	OpUpdatePatrolSession       Operation = "update_patrol_session"
	OpGetActivePatrolSession    Operation = "get_active_patrol_session"
	OpInsertCheckpointVisit     Operation = "insert_checkpoint_visit"
	OpListCheckpointVisits      Operation = "list_checkpoint_visits"
	OpListCheckpointDefinitions Operation = "list_checkpoint_definitions"
	OpInsertLocationPing        Operation = "insert_location_ping"
	OpInsertObservation         Operation = "insert_observation"
	OpInsertEmergencyReport     Operation = "insert_emergency_report"
	OpIsAssigned                Operation = "is_assigned"
)

// Store is the remote persistence consumed by the patrol engine. Inserts
// must treat an already stored id as success.
type Store interface {
	CreatePatrolSession(ctx context.Context, s *models.PatrolSession) error
	UpdatePatrolSession(ctx context.Context, id string, patch models.SessionPatch) error
	// GetActivePatrolSession returns nil when the guard has no active session.
	GetActivePatrolSession(ctx context.Context, guardID string) (*models.PatrolSession, error)
	InsertCheckpointVisit(ctx context.Context, v *models.CheckpointVisit) error
	ListCheckpointVisits(ctx context.Context, patrolID string) ([]*models.CheckpointVisit, error)
	// ListCheckpointDefinitions returns active definitions for the site,
	// narrowed to groupID when it is set.
	ListCheckpointDefinitions(ctx context.Context, siteID, groupID string) ([]*models.CheckpointDefinition, error)
	InsertLocationPing(ctx context.Context, p *models.LocationPing) error
	InsertObservation(ctx context.Context, o *models.Observation) error
	InsertEmergencyReport(ctx context.Context, r *models.EmergencyReport) error
}

// AssignmentChecker answers whether a guard is rostered on a site.
type AssignmentChecker interface {
	IsAssigned(ctx context.Context, guardID, siteID string) (bool, error)
}
