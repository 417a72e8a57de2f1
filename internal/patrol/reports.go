package patrol

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/logging"
	"github.com/kimhsiao/patrolsync/internal/models"
	syncpkg "github.com/kimhsiao/patrolsync/internal/sync"
	"github.com/kimhsiao/patrolsync/internal/uuid"
)

// RecordObservation routes a field note for an active patrol. The payload
// is passed through untouched.
func (s *Service) RecordObservation(ctx context.Context, patrolID string, payload json.RawMessage) (*models.Observation, syncpkg.Outcome, error) {
	if !json.Valid(payload) {
		return nil, "", apperrors.New(apperrors.ErrValidation, "observation payload must be JSON")
	}
	session, err := s.activeSession(ctx, patrolID)
	if err != nil {
		return nil, "", err
	}

	obs := &models.Observation{
		ID:        uuid.New(),
		GuardID:   session.GuardID,
		PatrolID:  session.ID,
		SiteID:    session.SiteID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	outcome, err := s.route(ctx, models.EventObservation, session.GuardID, session.ID, obs)
	if err != nil {
		return nil, "", err
	}

	logging.Info("Observation recorded", map[string]interface{}{
		"patrol_id":      session.ID,
		"observation_id": obs.ID,
		"outcome":        string(outcome),
	})
	s.emit(Event{Type: EventObservation, PatrolID: session.ID, GuardID: session.GuardID, Outcome: string(outcome)})
	return obs, outcome, nil
}

// RecordEmergency routes an incident report. A patrol is optional; when
// given it must exist and supplies the site.
func (s *Service) RecordEmergency(ctx context.Context, guardID, patrolID string, payload json.RawMessage) (*models.EmergencyReport, syncpkg.Outcome, error) {
	if guardID == "" {
		return nil, "", apperrors.New(apperrors.ErrValidation, "guard id is required")
	}
	if !json.Valid(payload) {
		return nil, "", apperrors.New(apperrors.ErrValidation, "emergency payload must be JSON")
	}

	report := &models.EmergencyReport{
		ID:        uuid.New(),
		GuardID:   guardID,
		PatrolID:  patrolID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if patrolID != "" {
		session, err := s.store.GetSession(ctx, patrolID)
		if err != nil {
			return nil, "", err
		}
		if session.GuardID != guardID {
			return nil, "", apperrors.Newf(apperrors.ErrValidation, "patrol %s belongs to another guard", patrolID)
		}
		report.SiteID = session.SiteID
	}

	loc := s.resolver.Resolve(ctx, guardID, patrolID, s.cfg.InteractiveTimeout)
	report.Location = loc.Coords()

	outcome, err := s.route(ctx, models.EventEmergency, guardID, patrolID, report)
	if err != nil {
		return nil, "", err
	}

	logging.Warn("Emergency recorded", map[string]interface{}{
		"guard_id":  guardID,
		"patrol_id": patrolID,
		"report_id": report.ID,
		"location":  string(loc.Source),
		"outcome":   string(outcome),
	})
	s.emit(Event{Type: EventEmergency, PatrolID: patrolID, GuardID: guardID, Outcome: string(outcome)})
	return report, outcome, nil
}
