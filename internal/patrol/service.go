// Package patrol implements the patrol session state machine: starting and
// ending sessions, recording checkpoint visits with at-most-once semantics,
// and the per-session background work that lives only while a session is
// active.
package patrol

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/patrolsync/internal/connectivity"
	"github.com/kimhsiao/patrolsync/internal/db"
	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/location"
	"github.com/kimhsiao/patrolsync/internal/logging"
	"github.com/kimhsiao/patrolsync/internal/models"
	"github.com/kimhsiao/patrolsync/internal/progress"
	"github.com/kimhsiao/patrolsync/internal/remote"
	syncpkg "github.com/kimhsiao/patrolsync/internal/sync"
	"github.com/kimhsiao/patrolsync/internal/sync/queue"
	"github.com/kimhsiao/patrolsync/internal/uuid"
)

// Defaults for Config.
const (
	DefaultAutoCompleteDelay  = 2 * time.Second
	DefaultInteractiveTimeout = 5 * time.Second
)

// Config tunes the session state machine.
type Config struct {
	AutoCompleteDelay  time.Duration
	InteractiveTimeout time.Duration
	SampleInterval     time.Duration
	SampleTimeout      time.Duration
}

// Syncer runs a reconciliation pass on demand.
type Syncer interface {
	SyncNow(ctx context.Context) (*syncpkg.SyncResult, error)
	LastSync() *time.Time
}

// Deps are the collaborators of the Service. Assignments and Syncer are
// optional.
type Deps struct {
	Store       db.PatrolStore
	Queue       *queue.Queue
	Router      *syncpkg.Router
	Remote      remote.Store
	Assignments remote.AssignmentChecker
	Oracle      connectivity.Oracle
	Resolver    *location.Resolver
	Syncer      Syncer
}

// StartRequest carries the fields a guard supplies to start a patrol.
type StartRequest struct {
	GuardID           string `json:"guard_id"`
	SiteID            string `json:"site_id"`
	TeamID            string `json:"team_id,omitempty"`
	CheckpointGroupID string `json:"checkpoint_group_id,omitempty"`
}

// Service is the patrol session state machine.
type Service struct {
	store       db.PatrolStore
	queue       *queue.Queue
	router      *syncpkg.Router
	remote      remote.Store
	assignments remote.AssignmentChecker
	oracle      connectivity.Oracle
	resolver    *location.Resolver
	syncer      Syncer
	calc        *progress.Calculator
	cfg         Config

	guardLocks  *keyedMutex
	patrolLocks *keyedMutex

	mu          sync.Mutex
	controllers map[string]*controller
	handler     EventHandler
	closed      bool
}

// NewService creates a Service. Zero durations in cfg take the defaults.
func NewService(deps Deps, cfg Config) *Service {
	if cfg.AutoCompleteDelay <= 0 {
		cfg.AutoCompleteDelay = DefaultAutoCompleteDelay
	}
	if cfg.InteractiveTimeout <= 0 {
		cfg.InteractiveTimeout = DefaultInteractiveTimeout
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = location.NewResolver(nil, deps.Queue)
	}
	return &Service{
		store:       deps.Store,
		queue:       deps.Queue,
		router:      deps.Router,
		remote:      deps.Remote,
		assignments: deps.Assignments,
		oracle:      deps.Oracle,
		resolver:    resolver,
		syncer:      deps.Syncer,
		calc:        progress.NewCalculator(deps.Store),
		cfg:         cfg,
		guardLocks:  newKeyedMutex(),
		patrolLocks: newKeyedMutex(),
		controllers: make(map[string]*controller),
	}
}

// Start opens a patrol for the guard. It fails with ALREADY_ACTIVE when the
// guard has an active session locally or remotely and with NOT_ASSIGNED
// when the roster says the guard does not work the site. An unreachable
// roster or remote store does not block the start.
func (s *Service) Start(ctx context.Context, req StartRequest) (*models.PatrolSession, error) {
	if req.GuardID == "" || req.SiteID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "guard_id and site_id are required")
	}

	unlock := s.guardLocks.Lock(req.GuardID)
	defer unlock()

	existing, err := s.store.ActiveSession(ctx, req.GuardID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.Newf(apperrors.ErrAlreadyActive, "guard %s already has active patrol %s", req.GuardID, existing.ID)
	}

	online := s.oracle.IsOnline()
	if online {
		if err := s.checkRemoteActive(ctx, req.GuardID); err != nil {
			return nil, err
		}
		if err := s.authorize(ctx, req.GuardID, req.SiteID); err != nil {
			return nil, err
		}
	} else {
		logging.Warn("Starting patrol offline, assignment not verified", map[string]interface{}{
			"guard_id": req.GuardID,
			"site_id":  req.SiteID,
		})
	}

	defs := s.checkpointSet(ctx, req.SiteID, req.CheckpointGroupID, online)
	loc := s.resolver.Resolve(ctx, req.GuardID, "", s.cfg.InteractiveTimeout)

	session := &models.PatrolSession{
		ID:                uuid.New(),
		GuardID:           req.GuardID,
		SiteID:            req.SiteID,
		TeamID:            req.TeamID,
		CheckpointGroupID: req.CheckpointGroupID,
		StartTime:         time.Now().UTC(),
		Status:            models.PatrolStatusActive,
		LastKnownLocation: loc.Coords(),
	}
	if err := s.store.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	if err := s.store.SavePatrolCheckpoints(ctx, session.ID, defs); err != nil {
		s.abandon(ctx, session)
		return nil, err
	}

	outcome, err := s.route(ctx, models.EventPatrolStart, session.GuardID, session.ID, session)
	if err != nil {
		s.abandon(ctx, session)
		return nil, err
	}

	s.startController(session)

	logging.Info("Patrol started", map[string]interface{}{
		"patrol_id":   session.ID,
		"guard_id":    session.GuardID,
		"site_id":     session.SiteID,
		"checkpoints": len(defs),
		"outcome":     string(outcome),
		"location":    string(loc.Source),
	})
	s.emit(Event{Type: EventStarted, PatrolID: session.ID, GuardID: session.GuardID, Outcome: string(outcome)})
	return session, nil
}

func (s *Service) checkRemoteActive(ctx context.Context, guardID string) error {
	remoteActive, err := s.remote.GetActivePatrolSession(ctx, guardID)
	if err != nil {
		logging.Warn("Could not check remote active patrol", map[string]interface{}{
			"guard_id":   guardID,
			"error_code": string(apperrors.CodeOf(err)),
			"error":      err.Error(),
		})
		return nil
	}
	if remoteActive != nil {
		return apperrors.Newf(apperrors.ErrAlreadyActive, "guard %s already has active patrol %s", guardID, remoteActive.ID)
	}
	return nil
}

func (s *Service) authorize(ctx context.Context, guardID, siteID string) error {
	if s.assignments == nil {
		return nil
	}
	ok, err := s.assignments.IsAssigned(ctx, guardID, siteID)
	if err != nil {
		if apperrors.IsTransient(err) {
			logging.Warn("Assignment check unavailable, continuing", map[string]interface{}{
				"guard_id": guardID,
				"site_id":  siteID,
				"error":    err.Error(),
			})
			return nil
		}
		return err
	}
	if !ok {
		return apperrors.Newf(apperrors.ErrNotAssigned, "guard %s is not assigned to site %s", guardID, siteID)
	}
	return nil
}

// checkpointSet returns the definitions frozen into a new patrol. The site
// catalog is refreshed when online and read from the cache otherwise.
func (s *Service) checkpointSet(ctx context.Context, siteID, groupID string, online bool) []*models.CheckpointDefinition {
	var catalog []*models.CheckpointDefinition
	if online {
		fresh, err := s.refresh(ctx, siteID)
		if err == nil {
			catalog = fresh
		} else {
			logging.Warn("Using cached checkpoints", map[string]interface{}{
				"site_id": siteID,
				"error":   err.Error(),
			})
		}
	}
	if catalog == nil {
		cached, err := s.store.SiteCheckpoints(ctx, siteID)
		if err != nil {
			logging.Error("Failed to read cached checkpoints", err, map[string]interface{}{"site_id": siteID})
		}
		catalog = cached
	}

	var out []*models.CheckpointDefinition
	for _, d := range catalog {
		if d.Matches(siteID, groupID) {
			out = append(out, d)
		}
	}
	return out
}

func (s *Service) refresh(ctx context.Context, siteID string) ([]*models.CheckpointDefinition, error) {
	defs, err := s.remote.ListCheckpointDefinitions(ctx, siteID, "")
	if err != nil {
		return nil, err
	}
	if err := s.store.CacheSiteCheckpoints(ctx, siteID, defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// RefreshCheckpoints pulls the site catalog into the local cache so a
// patrol can later start offline. Returns the number of definitions cached.
func (s *Service) RefreshCheckpoints(ctx context.Context, siteID string) (int, error) {
	if siteID == "" {
		return 0, apperrors.New(apperrors.ErrValidation, "site_id is required")
	}
	if !s.oracle.IsOnline() {
		return 0, apperrors.New(apperrors.ErrNetworkUnavailable, "device is offline")
	}
	defs, err := s.refresh(ctx, siteID)
	if err != nil {
		return 0, err
	}
	return len(defs), nil
}

// abandon marks a session that could not be fully started as interrupted
// so it does not block the guard.
func (s *Service) abandon(ctx context.Context, session *models.PatrolSession) {
	now := time.Now().UTC()
	session.Apply(models.SessionPatch{EndTime: &now, Status: models.PatrolStatusInterrupted})
	if err := s.store.SaveSession(context.WithoutCancel(ctx), session); err != nil {
		logging.Error("Failed to abandon patrol", err, map[string]interface{}{"patrol_id": session.ID})
	}
}

// End completes an active patrol. auto marks completion triggered by full
// checkpoint coverage.
func (s *Service) End(ctx context.Context, patrolID string, auto bool) (*models.PatrolSession, error) {
	return s.finish(ctx, patrolID, models.PatrolStatusCompleted, auto, "")
}

// Interrupt closes an active patrol that cannot be continued.
func (s *Service) Interrupt(ctx context.Context, patrolID, reason string) (*models.PatrolSession, error) {
	return s.finish(ctx, patrolID, models.PatrolStatusInterrupted, false, reason)
}

func (s *Service) finish(ctx context.Context, patrolID string, status models.PatrolStatus, auto bool, reason string) (*models.PatrolSession, error) {
	unlock := s.patrolLocks.Lock(patrolID)
	defer unlock()

	session, err := s.activeSession(ctx, patrolID)
	if err != nil {
		return nil, err
	}

	loc := s.resolver.Resolve(ctx, session.GuardID, session.ID, s.cfg.InteractiveTimeout)
	now := time.Now().UTC()
	patch := models.SessionPatch{
		EndTime:           &now,
		Status:            status,
		LastKnownLocation: loc.Coords(),
		AutoCompleted:     auto,
	}
	prev := *session
	session.Apply(patch)
	if err := s.store.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	outcome, err := s.route(ctx, models.EventPatrolEnd, session.GuardID, session.ID,
		&models.PatrolEnd{PatrolID: session.ID, Patch: patch, Reason: reason})
	if err != nil {
		if saveErr := s.store.SaveSession(context.WithoutCancel(ctx), &prev); saveErr != nil {
			logging.Error("Failed to restore patrol after end write failed", saveErr,
				map[string]interface{}{"patrol_id": session.ID})
		}
		logging.ErrorWithCode("Patrol end write failed, patrol stays active", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"patrol_id": session.ID})
		return nil, err
	}
	s.stopController(session.ID)

	eventType := EventCompleted
	if status == models.PatrolStatusInterrupted {
		eventType = EventInterrupted
	}
	logging.Info("Patrol ended", map[string]interface{}{
		"patrol_id":      session.ID,
		"status":         string(status),
		"auto_completed": auto,
		"reason":         reason,
		"outcome":        string(outcome),
	})
	s.emit(Event{Type: eventType, PatrolID: session.ID, GuardID: session.GuardID, Outcome: string(outcome)})
	return session, nil
}

// activeSession loads a session that must still be active.
func (s *Service) activeSession(ctx context.Context, patrolID string) (*models.PatrolSession, error) {
	if patrolID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "patrol id is required")
	}
	session, err := s.store.GetSession(ctx, patrolID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Newf(apperrors.ErrNoActivePatrol, "patrol %s does not exist", patrolID)
		}
		return nil, err
	}
	if !session.IsActive() {
		return nil, apperrors.Newf(apperrors.ErrNoActivePatrol, "patrol %s is %s", patrolID, session.Status)
	}
	return session, nil
}

// route wraps payload in a field event and hands it to the router.
func (s *Service) route(ctx context.Context, t models.EventType, guardID, patrolID string, payload interface{}) (syncpkg.Outcome, error) {
	e, err := models.NewFieldEvent(t, guardID, patrolID, payload)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "invalid payload", err)
	}
	return s.router.Route(ctx, e)
}

func (s *Service) startController(session *models.PatrolSession) {
	pinger := location.NewPinger(s.resolver, s.router, s.queue, location.PingerConfig{
		GuardID:  session.GuardID,
		PatrolID: session.ID,
		Interval: s.cfg.SampleInterval,
		Timeout:  s.cfg.SampleTimeout,
	})
	c := newController(session.ID, pinger)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if old, ok := s.controllers[session.ID]; ok {
		defer old.stop()
	}
	s.controllers[session.ID] = c
	s.mu.Unlock()

	c.start()
}

func (s *Service) stopController(patrolID string) {
	s.mu.Lock()
	c, ok := s.controllers[patrolID]
	delete(s.controllers, patrolID)
	s.mu.Unlock()
	if ok {
		c.stop()
	}
}

func (s *Service) controller(patrolID string) *controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controllers[patrolID]
}

// ActiveSession is the guard's current patrol. RemoteOnly marks a session
// started on another device: it is not in the local store, so visits and
// End on this device reject it with NO_ACTIVE_PATROL.
type ActiveSession struct {
	*models.PatrolSession
	RemoteOnly bool `json:"remote_only"`
}

// ActivePatrol returns the guard's active session, or nil. The remote store
// is consulted when nothing is active locally and the device is online.
func (s *Service) ActivePatrol(ctx context.Context, guardID string) (*ActiveSession, error) {
	if guardID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "guard id is required")
	}
	session, err := s.store.ActiveSession(ctx, guardID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return &ActiveSession{PatrolSession: session}, nil
	}
	if !s.oracle.IsOnline() {
		return nil, nil
	}
	remoteActive, err := s.remote.GetActivePatrolSession(ctx, guardID)
	if err != nil {
		if apperrors.IsTransient(err) {
			return nil, nil
		}
		return nil, err
	}
	if remoteActive == nil {
		return nil, nil
	}
	return &ActiveSession{PatrolSession: remoteActive, RemoteOnly: true}, nil
}

// Progress returns the checkpoint progress of a patrol in any state.
func (s *Service) Progress(ctx context.Context, patrolID string) (models.ProgressSnapshot, error) {
	session, err := s.store.GetSession(ctx, patrolID)
	if err != nil {
		return models.ProgressSnapshot{}, err
	}
	return s.calc.Snapshot(ctx, session)
}

// OfflineStatus reports connectivity and the local backlog.
func (s *Service) OfflineStatus(ctx context.Context) (models.OfflineStatus, error) {
	status := models.OfflineStatus{IsOnline: s.oracle.IsOnline()}
	var err error
	if status.UnsyncedCount, err = s.queue.UnsyncedCount(ctx); err != nil {
		return status, err
	}
	if status.UnsyncedPings, err = s.queue.UnsyncedPingCount(ctx); err != nil {
		return status, err
	}
	if s.syncer != nil {
		status.LastSync = s.syncer.LastSync()
	}
	return status, nil
}

// SyncNow runs a reconciliation pass immediately.
func (s *Service) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if s.syncer == nil {
		return nil, apperrors.New(apperrors.ErrInternal, "sync is not configured")
	}
	return s.syncer.SyncNow(ctx)
}

// Resume restarts the controllers of sessions left active by a previous
// process and merges visits the remote store already holds. Returns the
// number of sessions resumed.
func (s *Service) Resume(ctx context.Context) (int, error) {
	sessions, err := s.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	online := s.oracle.IsOnline()
	for _, session := range sessions {
		if online {
			s.importRemoteVisits(ctx, session.ID)
		}
		s.startController(session)

		snap, err := s.calc.Snapshot(ctx, session)
		if err == nil && snap.Complete() {
			s.scheduleAutoEnd(session.ID)
		}
		logging.Info("Patrol resumed", map[string]interface{}{
			"patrol_id": session.ID,
			"guard_id":  session.GuardID,
			"percent":   snap.Percent,
		})
	}
	return len(sessions), nil
}

func (s *Service) importRemoteVisits(ctx context.Context, patrolID string) {
	visits, err := s.remote.ListCheckpointVisits(ctx, patrolID)
	if err != nil {
		logging.Warn("Could not load remote visits", map[string]interface{}{
			"patrol_id": patrolID,
			"error":     err.Error(),
		})
		return
	}
	added, err := s.store.ImportRemoteVisits(ctx, visits)
	if err != nil {
		logging.Error("Failed to cache remote visits", err, map[string]interface{}{"patrol_id": patrolID})
		return
	}
	if added > 0 {
		logging.Info("Cached remote visits", map[string]interface{}{"patrol_id": patrolID, "added": added})
	}
}

// Close stops every session controller. Sessions stay active and are picked
// up again by Resume.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	controllers := s.controllers
	s.controllers = make(map[string]*controller)
	s.mu.Unlock()

	for _, c := range controllers {
		c.stop()
	}
}
