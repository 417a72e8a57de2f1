// Package progress derives checkpoint progress for a patrol and validates
// visits before they are written.
package progress

import (
	"context"
	"math"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/models"
)

// Store is the read side the calculator needs.
type Store interface {
	PatrolCheckpoints(ctx context.Context, patrolID string) ([]*models.CheckpointDefinition, error)
	ListVisitedCheckpoints(ctx context.Context, patrolID string) ([]string, error)
}

// Compute builds a snapshot from raw counts. Percent is rounded, reports 100
// only when every checkpoint is visited, and is 0 when there are none.
func Compute(total, visited int) models.ProgressSnapshot {
	if visited < 0 {
		visited = 0
	}
	if visited > total {
		visited = total
	}
	snap := models.ProgressSnapshot{TotalCheckpoints: total, VisitedCheckpoints: visited}
	if total <= 0 {
		return snap
	}
	pct := int(math.Round(float64(visited) / float64(total) * 100))
	if pct == 100 && visited < total {
		pct = 99
	}
	snap.Percent = pct
	return snap
}

// Members returns the ids of the active definitions matching (site, group).
func Members(defs []*models.CheckpointDefinition, siteID, groupID string) map[string]bool {
	set := make(map[string]bool, len(defs))
	for _, d := range defs {
		if d.Matches(siteID, groupID) {
			set[d.ID] = true
		}
	}
	return set
}

// Calculator computes progress from the patrol's frozen checkpoint set and
// its visits, whether recorded locally, still queued, or pulled remotely.
type Calculator struct {
	store Store
}

// NewCalculator creates a Calculator over store.
func NewCalculator(store Store) *Calculator {
	return &Calculator{store: store}
}

func (c *Calculator) load(ctx context.Context, s *models.PatrolSession) (map[string]bool, []string, error) {
	defs, err := c.store.PatrolCheckpoints(ctx, s.ID)
	if err != nil {
		return nil, nil, err
	}
	visited, err := c.store.ListVisitedCheckpoints(ctx, s.ID)
	if err != nil {
		return nil, nil, err
	}
	return Members(defs, s.SiteID, s.CheckpointGroupID), visited, nil
}

// Snapshot returns the current progress for the session. Visits to ids
// outside the checkpoint set are not counted.
func (c *Calculator) Snapshot(ctx context.Context, s *models.PatrolSession) (models.ProgressSnapshot, error) {
	members, visited, err := c.load(ctx, s)
	if err != nil {
		return models.ProgressSnapshot{}, err
	}
	seen := make(map[string]bool, len(visited))
	for _, id := range visited {
		if members[id] {
			seen[id] = true
		}
	}
	return Compute(len(members), len(seen)), nil
}

// ValidateVisit rejects a visit before any write: NO_CHECKPOINTS_CONFIGURED
// for an empty set, DUPLICATE_VISIT for an id already visited and
// INVALID_CHECKPOINT for an id outside the set.
func (c *Calculator) ValidateVisit(ctx context.Context, s *models.PatrolSession, checkpointID string) error {
	if checkpointID == "" {
		return apperrors.New(apperrors.ErrValidation, "checkpoint id is required")
	}
	members, visited, err := c.load(ctx, s)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return apperrors.Newf(apperrors.ErrNoCheckpointsConfigured, "no checkpoints configured for site %s", s.SiteID)
	}
	for _, id := range visited {
		if id == checkpointID {
			return apperrors.Newf(apperrors.ErrDuplicateVisit, "checkpoint %s already visited", checkpointID)
		}
	}
	if !members[checkpointID] {
		return apperrors.Newf(apperrors.ErrInvalidCheckpoint, "checkpoint %s is not part of this patrol", checkpointID)
	}
	return nil
}
