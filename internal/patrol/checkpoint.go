package patrol

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/logging"
	"github.com/kimhsiao/patrolsync/internal/models"
	"github.com/kimhsiao/patrolsync/internal/scan"
	syncpkg "github.com/kimhsiao/patrolsync/internal/sync"
	"github.com/kimhsiao/patrolsync/internal/uuid"
)

// VisitResult is returned for an accepted checkpoint visit.
type VisitResult struct {
	Visit          *models.CheckpointVisit `json:"visit"`
	Progress       models.ProgressSnapshot `json:"progress"`
	Outcome        syncpkg.Outcome         `json:"outcome"`
	AutoCompleting bool                    `json:"auto_completing"`
}

// RecordCheckpoint records one visit. The duplicate and membership checks
// and the write run under the patrol's lock, so two racing calls for the
// same checkpoint yield exactly one visit. Reaching full coverage schedules
// an automatic End.
func (s *Service) RecordCheckpoint(ctx context.Context, patrolID, checkpointID string) (*VisitResult, error) {
	unlock := s.patrolLocks.Lock(patrolID)
	defer unlock()

	session, err := s.activeSession(ctx, patrolID)
	if err != nil {
		return nil, err
	}
	if err := s.calc.ValidateVisit(ctx, session, checkpointID); err != nil {
		return nil, err
	}

	loc := s.resolver.Resolve(ctx, session.GuardID, session.ID, s.cfg.InteractiveTimeout)
	visit := &models.CheckpointVisit{
		ID:           uuid.New(),
		PatrolID:     session.ID,
		CheckpointID: checkpointID,
		Timestamp:    time.Now().UTC(),
		Coords:       loc.Coords(),
	}
	if err := s.store.InsertVisit(ctx, visit); err != nil {
		return nil, err
	}

	outcome, err := s.route(ctx, models.EventCheckpointVisit, session.GuardID, session.ID, visit)
	if err != nil {
		if delErr := s.store.DeleteVisit(context.WithoutCancel(ctx), visit.ID); delErr != nil {
			logging.Error("Failed to roll back visit", delErr, map[string]interface{}{"visit_id": visit.ID})
		}
		return nil, err
	}

	snap, err := s.calc.Snapshot(ctx, session)
	if err != nil {
		return nil, err
	}
	result := &VisitResult{Visit: visit, Progress: snap, Outcome: outcome}
	if snap.Complete() {
		result.AutoCompleting = s.scheduleAutoEnd(session.ID)
	}

	logging.Info("Checkpoint recorded", map[string]interface{}{
		"patrol_id":     session.ID,
		"checkpoint_id": checkpointID,
		"visited":       snap.VisitedCheckpoints,
		"total":         snap.TotalCheckpoints,
		"percent":       snap.Percent,
		"outcome":       string(outcome),
	})
	s.emit(Event{
		Type:         EventCheckpointRecorded,
		PatrolID:     session.ID,
		GuardID:      session.GuardID,
		CheckpointID: checkpointID,
		Progress:     &snap,
		Outcome:      string(outcome),
	})
	return result, nil
}

// scheduleAutoEnd arms the session's delayed End.
func (s *Service) scheduleAutoEnd(patrolID string) bool {
	c := s.controller(patrolID)
	if c == nil {
		return false
	}
	return c.scheduleAutoEnd(s.cfg.AutoCompleteDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.InteractiveTimeout+30*time.Second)
		defer cancel()
		if _, err := s.End(ctx, patrolID, true); err != nil && !apperrors.Is(err, apperrors.ErrNoActivePatrol) {
			logging.ErrorWithCode("Automatic patrol completion failed", string(apperrors.CodeOf(err)), err,
				map[string]interface{}{"patrol_id": patrolID})
		}
	})
}

// RecordScan records the checkpoint encoded in a decoded QR string.
func (s *Service) RecordScan(ctx context.Context, patrolID, raw string) (*VisitResult, error) {
	payload, err := scan.Parse(raw)
	if err != nil {
		return nil, err
	}
	return s.recordPayload(ctx, patrolID, payload)
}

func (s *Service) recordPayload(ctx context.Context, patrolID string, payload scan.Payload) (*VisitResult, error) {
	session, err := s.activeSession(ctx, patrolID)
	if err != nil {
		return nil, err
	}
	if payload.SiteID != "" && payload.SiteID != session.SiteID {
		return nil, apperrors.Newf(apperrors.ErrSiteMismatch,
			"checkpoint %s belongs to site %s, patrol is on site %s", payload.CheckpointID, payload.SiteID, session.SiteID)
	}
	return s.RecordCheckpoint(ctx, patrolID, payload.CheckpointID)
}

// WatchScan pulls camera frames until one decodes to a checkpoint and
// records it. The watch ends with the patrol: ending the session cancels it.
func (s *Service) WatchScan(ctx context.Context, patrolID string, frames <-chan []byte, dec scan.Decoder) (*VisitResult, error) {
	c := s.controller(patrolID)
	if c == nil {
		return nil, apperrors.Newf(apperrors.ErrNoActivePatrol, "patrol %s is not active", patrolID)
	}
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	payload, err := scan.Watch(watchCtx, frames, dec)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil, apperrors.Newf(apperrors.ErrNoActivePatrol, "patrol %s ended during scan", patrolID)
		}
		return nil, err
	}
	return s.recordPayload(ctx, patrolID, payload)
}
