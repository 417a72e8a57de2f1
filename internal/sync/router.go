package sync

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/kimhsiao/patrolsync/internal/connectivity"
	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/logging"
	"github.com/kimhsiao/patrolsync/internal/models"
	"github.com/kimhsiao/patrolsync/internal/remote"
	"github.com/kimhsiao/patrolsync/internal/sync/queue"
	"github.com/kimhsiao/patrolsync/internal/uuid"
)

// Outcome tells a caller where a routed write ended up.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeQueued    Outcome = "queued"
)

// Router makes the online/offline decision for every write. Online writes go
// straight to the remote store and fall back to the queue when delivery
// fails; offline writes are queued. A field event whose patrol still has
// queued events is queued behind them so the remote sees each patrol's
// writes in order.
type Router struct {
	remote remote.Store
	queue  *queue.Queue
	oracle connectivity.Oracle
}

// NewRouter creates a Router.
func NewRouter(store remote.Store, q *queue.Queue, oracle connectivity.Oracle) *Router {
	return &Router{remote: store, queue: q, oracle: oracle}
}

// Route delivers or queues e. The event id is assigned here when missing so
// that a later replay from the queue carries the same idempotency key.
// Validation errors and queue failures such as STORAGE_FULL surface; every
// other delivery failure leaves the event in the queue.
func (r *Router) Route(ctx context.Context, e *models.FieldEvent) (Outcome, error) {
	if !e.Type.Valid() {
		return "", apperrors.Newf(apperrors.ErrValidation, "unknown event type %q", e.Type)
	}
	e.ID = uuid.OrNew(e.ID)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if !r.oracle.IsOnline() {
		return r.enqueue(ctx, e, nil)
	}
	if e.Type != models.EventLocationUpdate {
		pending, err := r.queue.PendingForPatrol(ctx, e.PatrolID)
		if err != nil {
			return "", err
		}
		if pending > 0 {
			logging.Debug("Queueing behind pending patrol events", map[string]interface{}{
				"event_id":   e.ID,
				"event_type": string(e.Type),
				"patrol_id":  e.PatrolID,
				"pending":    pending,
			})
			return r.enqueue(ctx, e, nil)
		}
	}

	err := Dispatch(ctx, r.remote, e)
	if err == nil {
		logging.Debug("Delivered field event", map[string]interface{}{
			"event_id":   e.ID,
			"event_type": string(e.Type),
			"patrol_id":  e.PatrolID,
		})
		return OutcomeDelivered, nil
	}

	if apperrors.KindOf(err) == apperrors.KindValidation {
		return "", err
	}

	logging.Warn("Direct delivery failed, queueing", map[string]interface{}{
		"event_id":   e.ID,
		"event_type": string(e.Type),
		"error_code": string(apperrors.CodeOf(err)),
		"error":      err.Error(),
	})
	return r.enqueue(context.WithoutCancel(ctx), e, err)
}

// RoutePing routes a location ping.
func (r *Router) RoutePing(ctx context.Context, p *models.LocationPing) error {
	p.ID = uuid.OrNew(p.ID)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	e, err := models.NewFieldEvent(models.EventLocationUpdate, p.GuardID, p.PatrolID, p)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid location ping", err)
	}
	e.ID = p.ID
	e.Timestamp = p.CreatedAt
	_, err = r.Route(ctx, e)
	return err
}

func (r *Router) enqueue(ctx context.Context, e *models.FieldEvent, cause error) (Outcome, error) {
	if err := r.queue.Enqueue(ctx, e); err != nil {
		return "", err
	}
	if cause != nil && !apperrors.IsTransient(cause) && !stderrors.Is(cause, context.Canceled) {
		var markErr error
		if e.Type == models.EventLocationUpdate {
			markErr = r.queue.MarkPingFailed(ctx, e.ID, cause)
		} else {
			markErr = r.queue.MarkFailed(ctx, e.ID, cause)
		}
		if markErr != nil {
			logging.Warn("Failed to record delivery failure", map[string]interface{}{
				"event_id": e.ID,
				"error":    markErr.Error(),
			})
		}
	}
	return OutcomeQueued, nil
}
