// Package models provides data model definitions for the patrol engine.
package models

import "time"

// PatrolStatus is the lifecycle state of a patrol session.
type PatrolStatus string

const (
	PatrolStatusActive      PatrolStatus = "active"
	PatrolStatusCompleted   PatrolStatus = "completed"
	PatrolStatusInterrupted PatrolStatus = "interrupted"
)

// Coords is a WGS84 position.
type Coords struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PatrolSession is a bounded guard-on-site work interval.
type PatrolSession struct {
	ID                string       `db:"id" json:"id"`
	GuardID           string       `db:"guard_id" json:"guard_id"`
	SiteID            string       `db:"site_id" json:"site_id"`
	TeamID            string       `db:"team_id" json:"team_id,omitempty"`
	CheckpointGroupID string       `db:"checkpoint_group_id" json:"checkpoint_group_id,omitempty"`
	StartTime         time.Time    `db:"start_time" json:"start_time"`
	EndTime           *time.Time   `db:"end_time" json:"end_time,omitempty"`
	Status            PatrolStatus `db:"status" json:"status"`
	LastKnownLocation *Coords      `db:"last_known_location" json:"last_known_location,omitempty"`
	AutoCompleted     bool         `db:"auto_completed" json:"auto_completed"`
}

// TableName returns the table name for PatrolSession.
func (PatrolSession) TableName() string {
	return "patrol_sessions"
}

// IsActive reports whether the session still accepts checkpoint visits.
func (s *PatrolSession) IsActive() bool {
	return s.Status == PatrolStatusActive
}

// SessionPatch is the mutable subset of a session sent to the remote store.
type SessionPatch struct {
	EndTime           *time.Time   `json:"end_time,omitempty"`
	Status            PatrolStatus `json:"status"`
	LastKnownLocation *Coords      `json:"last_known_location,omitempty"`
	AutoCompleted     bool         `json:"auto_completed"`
}

// Apply copies the patch onto the session.
func (s *PatrolSession) Apply(p SessionPatch) {
	if p.EndTime != nil {
		end := *p.EndTime
		s.EndTime = &end
	}
	if p.Status != "" {
		s.Status = p.Status
	}
	if p.LastKnownLocation != nil {
		loc := *p.LastKnownLocation
		s.LastKnownLocation = &loc
	}
	s.AutoCompleted = s.AutoCompleted || p.AutoCompleted
}

// PatrolEnd is the payload of a patrol_end field event.
type PatrolEnd struct {
	PatrolID string       `json:"patrol_id"`
	Patch    SessionPatch `json:"patch"`
	Reason   string       `json:"reason,omitempty"`
}
