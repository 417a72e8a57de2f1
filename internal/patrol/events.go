package patrol

import (
	"time"

	"github.com/kimhsiao/patrolsync/internal/models"
)

// EventType identifies a patrol lifecycle notification.
type EventType string

const (
	EventStarted            EventType = "patrol_started"
	EventCheckpointRecorded EventType = "checkpoint_recorded"
	EventCompleted          EventType = "patrol_completed"
	EventInterrupted        EventType = "patrol_interrupted"
	EventObservation        EventType = "observation_recorded"
	EventEmergency          EventType = "emergency_recorded"
)

// Event is emitted after a patrol write has been routed.
type Event struct {
	Type         EventType                `json:"type"`
	PatrolID     string                   `json:"patrol_id,omitempty"`
	GuardID      string                   `json:"guard_id"`
	CheckpointID string                   `json:"checkpoint_id,omitempty"`
	Progress     *models.ProgressSnapshot `json:"progress,omitempty"`
	Outcome      string                   `json:"outcome,omitempty"`
	Timestamp    time.Time                `json:"timestamp"`
}

// EventHandler receives patrol events.
type EventHandler interface {
	OnPatrolEvent(event Event)
}

// SetEventHandler installs h. A nil h disables notifications.
func (s *Service) SetEventHandler(h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *Service) emit(event Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	h.OnPatrolEvent(event)
}
