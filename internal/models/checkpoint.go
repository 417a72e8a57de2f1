// Package models provides data model definitions for the patrol engine.
package models

import "time"

// CheckpointDefinition is a scannable waypoint configured for a site.
type CheckpointDefinition struct {
	ID                string `db:"id" json:"id"`
	SiteID            string `db:"site_id" json:"site_id"`
	CheckpointGroupID string `db:"checkpoint_group_id" json:"checkpoint_group_id,omitempty"`
	Name              string `db:"name" json:"name"`
	LocationLabel     string `db:"location_label" json:"location_label"`
	Active            bool   `db:"active" json:"active"`
}

// TableName returns the table name for CheckpointDefinition.
func (CheckpointDefinition) TableName() string {
	return "checkpoint_definitions"
}

// Matches reports whether the definition is active and belongs to the
// site and, when groupID is set, to that checkpoint group.
func (d CheckpointDefinition) Matches(siteID, groupID string) bool {
	if !d.Active || d.SiteID != siteID {
		return false
	}
	return groupID == "" || d.CheckpointGroupID == groupID
}

// CheckpointVisit records one checkpoint reached during a patrol.
type CheckpointVisit struct {
	ID           string    `db:"id" json:"id"`
	PatrolID     string    `db:"patrol_id" json:"patrol_id"`
	CheckpointID string    `db:"checkpoint_id" json:"checkpoint_id"`
	Timestamp    time.Time `db:"timestamp" json:"timestamp"`
	Coords       *Coords   `db:"coords" json:"coords,omitempty"`
}

// TableName returns the table name for CheckpointVisit.
func (CheckpointVisit) TableName() string {
	return "checkpoint_visits"
}

// ProgressSnapshot is derived from a patrol's checkpoint set and visits.
type ProgressSnapshot struct {
	TotalCheckpoints   int `json:"total_checkpoints"`
	VisitedCheckpoints int `json:"visited_checkpoints"`
	Percent            int `json:"percent"`
}

// Complete reports whether every configured checkpoint has been visited.
func (p ProgressSnapshot) Complete() bool {
	return p.TotalCheckpoints > 0 && p.VisitedCheckpoints >= p.TotalCheckpoints
}

// NoCheckpoints reports the "no checkpoints configured" condition.
func (p ProgressSnapshot) NoCheckpoints() bool {
	return p.TotalCheckpoints == 0
}
