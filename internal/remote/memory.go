package remote

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/models"
)

// Memory is an in-process Store and AssignmentChecker. It backs the agent's
// "memory" driver and the package tests.
type Memory struct {
	mu sync.Mutex

	sessions     map[string]*models.PatrolSession
	visits       map[string]*models.CheckpointVisit // by id
	visitKeys    map[string]string                  // patrol/checkpoint -> id
	definitions  []*models.CheckpointDefinition
	pings        map[string]*models.LocationPing
	observations map[string]*models.Observation
	emergencies  map[string]*models.EmergencyReport

	assignments map[string]map[string]bool

	calls   map[Operation]int
	failure func(op Operation) error
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:     make(map[string]*models.PatrolSession),
		visits:       make(map[string]*models.CheckpointVisit),
		visitKeys:    make(map[string]string),
		pings:        make(map[string]*models.LocationPing),
		observations: make(map[string]*models.Observation),
		emergencies:  make(map[string]*models.EmergencyReport),
		calls:        make(map[Operation]int),
	}
}

// SetFailure installs fn to decide per call whether it fails. A nil fn
// clears it.
func (m *Memory) SetFailure(fn func(op Operation) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = fn
}

// SetCheckpoints replaces the checkpoint catalog.
func (m *Memory) SetCheckpoints(defs ...*models.CheckpointDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions = append([]*models.CheckpointDefinition(nil), defs...)
}

// Assign rosters a guard on a site. Until the first call every guard is
// treated as assigned everywhere.
func (m *Memory) Assign(guardID, siteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assignments == nil {
		m.assignments = make(map[string]map[string]bool)
	}
	if m.assignments[guardID] == nil {
		m.assignments[guardID] = make(map[string]bool)
	}
	m.assignments[guardID][siteID] = true
}

// Calls returns how many times op was invoked, failed calls included.
func (m *Memory) Calls(op Operation) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// begin counts the call and applies failure injection. Caller holds mu.
func (m *Memory) begin(op Operation) error {
	m.calls[op]++
	if m.failure != nil {
		return m.failure(op)
	}
	return nil
}

// CreatePatrolSession stores s unless its id is already known.
func (m *Memory) CreatePatrolSession(ctx context.Context, s *models.PatrolSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpCreatePatrolSession); err != nil {
		return err
	}
	if _, ok := m.sessions[s.ID]; ok {
		return nil
	}
	for _, existing := range m.sessions {
		if existing.GuardID == s.GuardID && existing.IsActive() && s.IsActive() {
			return apperrors.Newf(apperrors.ErrRemoteRejected, "guard %s already has active session %s", s.GuardID, existing.ID)
		}
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

// UpdatePatrolSession applies patch to a stored session.
func (m *Memory) UpdatePatrolSession(ctx context.Context, id string, patch models.SessionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpUpdatePatrolSession); err != nil {
		return err
	}
	s, ok := m.sessions[id]
	if !ok {
		return apperrors.Newf(apperrors.ErrRemoteRejected, "patrol session %s does not exist", id)
	}
	s.Apply(patch)
	return nil
}

// GetActivePatrolSession returns the guard's active session or nil.
func (m *Memory) GetActivePatrolSession(ctx context.Context, guardID string) (*models.PatrolSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpGetActivePatrolSession); err != nil {
		return nil, err
	}
	for _, s := range m.sessions {
		if s.GuardID == guardID && s.IsActive() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

// InsertCheckpointVisit stores v. Duplicate ids or (patrol, checkpoint)
// pairs are accepted and ignored.
func (m *Memory) InsertCheckpointVisit(ctx context.Context, v *models.CheckpointVisit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpInsertCheckpointVisit); err != nil {
		return err
	}
	key := v.PatrolID + "/" + v.CheckpointID
	if _, ok := m.visits[v.ID]; ok {
		return nil
	}
	if _, ok := m.visitKeys[key]; ok {
		return nil
	}
	cp := *v
	m.visits[v.ID] = &cp
	m.visitKeys[key] = v.ID
	return nil
}

// ListCheckpointVisits returns the stored visits of a patrol.
func (m *Memory) ListCheckpointVisits(ctx context.Context, patrolID string) ([]*models.CheckpointVisit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpListCheckpointVisits); err != nil {
		return nil, err
	}
	var out []*models.CheckpointVisit
	for _, v := range m.visits {
		if v.PatrolID == patrolID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ListCheckpointDefinitions returns active definitions for (site, group).
func (m *Memory) ListCheckpointDefinitions(ctx context.Context, siteID, groupID string) ([]*models.CheckpointDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpListCheckpointDefinitions); err != nil {
		return nil, err
	}
	var out []*models.CheckpointDefinition
	for _, d := range m.definitions {
		if d.Matches(siteID, groupID) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// InsertLocationPing stores p unless its id is known.
func (m *Memory) InsertLocationPing(ctx context.Context, p *models.LocationPing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpInsertLocationPing); err != nil {
		return err
	}
	if _, ok := m.pings[p.ID]; !ok {
		cp := *p
		m.pings[p.ID] = &cp
	}
	return nil
}

// InsertObservation stores o unless its id is known.
func (m *Memory) InsertObservation(ctx context.Context, o *models.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpInsertObservation); err != nil {
		return err
	}
	if _, ok := m.observations[o.ID]; !ok {
		cp := *o
		m.observations[o.ID] = &cp
	}
	return nil
}

// InsertEmergencyReport stores r unless its id is known.
func (m *Memory) InsertEmergencyReport(ctx context.Context, r *models.EmergencyReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpInsertEmergencyReport); err != nil {
		return err
	}
	if _, ok := m.emergencies[r.ID]; !ok {
		cp := *r
		m.emergencies[r.ID] = &cp
	}
	return nil
}

// IsAssigned reports whether the guard is rostered on the site.
func (m *Memory) IsAssigned(ctx context.Context, guardID, siteID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpIsAssigned); err != nil {
		return false, err
	}
	if m.assignments == nil {
		return true, nil
	}
	return m.assignments[guardID][siteID], nil
}

// Session returns a copy of a stored session, or nil.
func (m *Memory) Session(id string) *models.PatrolSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// Counts of stored records.

func (m *Memory) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Memory) VisitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.visits)
}

func (m *Memory) PingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pings)
}

func (m *Memory) ObservationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observations)
}

func (m *Memory) EmergencyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.emergencies)
}

var (
	_ Store             = (*Memory)(nil)
	_ AssignmentChecker = (*Memory)(nil)
)
