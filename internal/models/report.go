// Package models provides data model definitions for the patrol engine.
package models

import (
	"encoding/json"
	"time"
)

// Observation is a free-form field note. The payload is passed through to
// the remote store untouched.
type Observation struct {
	ID        string          `db:"id" json:"id"`
	GuardID   string          `db:"guard_id" json:"guard_id"`
	PatrolID  string          `db:"patrol_id" json:"patrol_id,omitempty"`
	SiteID    string          `db:"site_id" json:"site_id,omitempty"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// EmergencyReport is an incident raised by a guard, with or without a patrol.
type EmergencyReport struct {
	ID        string          `db:"id" json:"id"`
	GuardID   string          `db:"guard_id" json:"guard_id"`
	PatrolID  string          `db:"patrol_id" json:"patrol_id,omitempty"`
	SiteID    string          `db:"site_id" json:"site_id,omitempty"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Location  *Coords         `db:"location" json:"location,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
