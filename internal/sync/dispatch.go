package sync

import (
	"context"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/models"
	"github.com/kimhsiao/patrolsync/internal/remote"
)

// Dispatch sends one field event to the matching remote upsert. Payload
// decoding failures are VALIDATION_ERROR; remote failures are classified.
func Dispatch(ctx context.Context, store remote.Store, e *models.FieldEvent) error {
	switch e.Type {
	case models.EventPatrolStart:
		var s models.PatrolSession
		if err := e.Decode(&s); err != nil {
			return invalidPayload(e, err)
		}
		return remote.Classify(remote.OpCreatePatrolSession, store.CreatePatrolSession(ctx, &s))

	case models.EventPatrolEnd:
		var end models.PatrolEnd
		if err := e.Decode(&end); err != nil {
			return invalidPayload(e, err)
		}
		if end.PatrolID == "" {
			end.PatrolID = e.PatrolID
		}
		return remote.Classify(remote.OpUpdatePatrolSession, store.UpdatePatrolSession(ctx, end.PatrolID, end.Patch))

	case models.EventCheckpointVisit:
		var v models.CheckpointVisit
		if err := e.Decode(&v); err != nil {
			return invalidPayload(e, err)
		}
		return remote.Classify(remote.OpInsertCheckpointVisit, store.InsertCheckpointVisit(ctx, &v))

	case models.EventObservation:
		var o models.Observation
		if err := e.Decode(&o); err != nil {
			return invalidPayload(e, err)
		}
		return remote.Classify(remote.OpInsertObservation, store.InsertObservation(ctx, &o))

	case models.EventEmergency:
		var r models.EmergencyReport
		if err := e.Decode(&r); err != nil {
			return invalidPayload(e, err)
		}
		return remote.Classify(remote.OpInsertEmergencyReport, store.InsertEmergencyReport(ctx, &r))

	case models.EventLocationUpdate:
		var p models.LocationPing
		if err := e.Decode(&p); err != nil {
			return invalidPayload(e, err)
		}
		return remote.Classify(remote.OpInsertLocationPing, store.InsertLocationPing(ctx, &p))
	}
	return apperrors.Newf(apperrors.ErrValidation, "unknown event type %q", e.Type)
}

func invalidPayload(e *models.FieldEvent, err error) error {
	return apperrors.Wrap(apperrors.ErrValidation, "invalid "+string(e.Type)+" payload", err)
}
