// Package models provides data model definitions for the patrol engine.
package models

import "time"

// LocationPing is one location sample for a guard.
type LocationPing struct {
	ID        string    `db:"id" json:"id"`
	GuardID   string    `db:"guard_id" json:"guard_id"`
	PatrolID  string    `db:"patrol_id" json:"patrol_id,omitempty"`
	Coords    Coords    `db:"coords" json:"coords"`
	Accuracy  float64   `db:"accuracy" json:"accuracy"`
	Heading   *float64  `db:"heading" json:"heading,omitempty"`
	Speed     *float64  `db:"speed" json:"speed,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Synced    bool      `db:"synced" json:"-"`
}

// TableName returns the table name for LocationPing.
func (LocationPing) TableName() string {
	return "location_pings"
}
