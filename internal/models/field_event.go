// Package models provides data model definitions for the patrol engine.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the remote operation a queued field event replays.
type EventType string

const (
	EventCheckpointVisit EventType = "checkpoint_visit"
	EventObservation     EventType = "observation"
	EventEmergency       EventType = "emergency"
	EventLocationUpdate  EventType = "location_update"
	EventPatrolStart     EventType = "patrol_start"
	EventPatrolEnd       EventType = "patrol_end"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventCheckpointVisit, EventObservation, EventEmergency,
		EventLocationUpdate, EventPatrolStart, EventPatrolEnd:
		return true
	}
	return false
}

// FieldEvent is a durable record of a field action awaiting delivery.
type FieldEvent struct {
	ID        string          `db:"id" json:"id"`
	Type      EventType       `db:"type" json:"type"`
	PatrolID  string          `db:"patrol_id" json:"patrol_id,omitempty"`
	GuardID   string          `db:"guard_id" json:"guard_id,omitempty"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Checksum  string          `db:"checksum" json:"checksum"`
	Timestamp time.Time       `db:"timestamp" json:"timestamp"`
	Synced    bool            `db:"synced" json:"synced"`
	Attempts  int             `db:"attempts" json:"attempts"`
	LastError string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for FieldEvent.
func (FieldEvent) TableName() string {
	return "field_events"
}

// NewFieldEvent marshals payload into a new, unsynced event.
func NewFieldEvent(t EventType, guardID, patrolID string, payload interface{}) (*FieldEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return &FieldEvent{
		Type:      t,
		GuardID:   guardID,
		PatrolID:  patrolID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e *FieldEvent) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// OfflineStatus summarizes connectivity and the local backlog.
type OfflineStatus struct {
	IsOnline      bool       `json:"is_online"`
	UnsyncedCount int        `json:"unsynced_count"`
	UnsyncedPings int        `json:"unsynced_pings"`
	LastSync      *time.Time `json:"last_sync,omitempty"`
}
