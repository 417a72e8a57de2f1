// Package pgstore is a remote.Store writing straight to the central
// PostgreSQL database. Inserts use ON CONFLICT DO NOTHING on the client id.
package pgstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kimhsiao/patrolsync/internal/config"
	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/models"
	"github.com/kimhsiao/patrolsync/internal/remote"
)

// Open connects to PostgreSQL and verifies the connection.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Store implements remote.Store and remote.AssignmentChecker over *sql.DB.
type Store struct {
	db *sql.DB
}

// New wraps an open database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// classify maps PostgreSQL failures onto the error taxonomy.
func classify(op remote.Operation, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		msg := fmt.Sprintf("%s failed (%s)", op, pqErr.Code)
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			// connection exception, insufficient resources, operator intervention
			return apperrors.Wrap(apperrors.ErrNetworkUnavailable, msg, err)
		case "40":
			// serialization failure or deadlock; safe to replay
			return apperrors.Wrap(apperrors.ErrNetworkUnavailable, msg, err)
		}
		return apperrors.Wrap(apperrors.ErrRemoteRejected, msg, err)
	}
	return remote.Classify(op, err)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullCoords(c *models.Coords) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Latitude, Valid: true}, sql.NullFloat64{Float64: c.Longitude, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// CreatePatrolSession implements remote.Store.
func (s *Store) CreatePatrolSession(ctx context.Context, session *models.PatrolSession) error {
	lat, lng := nullCoords(session.LastKnownLocation)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patrol_sessions (id, guard_id, site_id, team_id, checkpoint_group_id,
			start_time, end_time, status, last_latitude, last_longitude, auto_completed)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		session.ID, session.GuardID, session.SiteID, session.TeamID, session.CheckpointGroupID,
		session.StartTime, nullTime(session.EndTime), string(session.Status), lat, lng, session.AutoCompleted)
	return classify(remote.OpCreatePatrolSession, err)
}

// UpdatePatrolSession implements remote.Store. Fields absent from the patch
// keep their stored value.
func (s *Store) UpdatePatrolSession(ctx context.Context, id string, patch models.SessionPatch) error {
	lat, lng := nullCoords(patch.LastKnownLocation)
	res, err := s.db.ExecContext(ctx, `
		UPDATE patrol_sessions SET
			end_time = COALESCE($2, end_time),
			status = COALESCE(NULLIF($3, ''), status),
			last_latitude = COALESCE($4, last_latitude),
			last_longitude = COALESCE($5, last_longitude),
			auto_completed = auto_completed OR $6
		WHERE id = $1`,
		id, nullTime(patch.EndTime), string(patch.Status), lat, lng, patch.AutoCompleted)
	if err != nil {
		return classify(remote.OpUpdatePatrolSession, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(remote.OpUpdatePatrolSession, err)
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrRemoteRejected, "patrol session %s does not exist", id)
	}
	return nil
}

// GetActivePatrolSession implements remote.Store.
func (s *Store) GetActivePatrolSession(ctx context.Context, guardID string) (*models.PatrolSession, error) {
	var session models.PatrolSession
	var teamID, groupID sql.NullString
	var end sql.NullTime
	var lat, lng sql.NullFloat64
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, guard_id, site_id, team_id, checkpoint_group_id, start_time, end_time,
			status, last_latitude, last_longitude, auto_completed
		FROM patrol_sessions
		WHERE guard_id = $1 AND status = 'active'
		ORDER BY start_time DESC
		LIMIT 1`, guardID).Scan(
		&session.ID, &session.GuardID, &session.SiteID, &teamID, &groupID, &session.StartTime, &end,
		&status, &lat, &lng, &session.AutoCompleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(remote.OpGetActivePatrolSession, err)
	}
	session.TeamID = teamID.String
	session.CheckpointGroupID = groupID.String
	session.Status = models.PatrolStatus(status)
	if end.Valid {
		t := end.Time
		session.EndTime = &t
	}
	if lat.Valid && lng.Valid {
		session.LastKnownLocation = &models.Coords{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	return &session, nil
}

// InsertCheckpointVisit implements remote.Store. A conflict on the id or on
// (patrol_id, checkpoint_id) is ignored.
func (s *Store) InsertCheckpointVisit(ctx context.Context, v *models.CheckpointVisit) error {
	lat, lng := nullCoords(v.Coords)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoint_visits (id, patrol_id, checkpoint_id, visited_at, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		v.ID, v.PatrolID, v.CheckpointID, v.Timestamp, lat, lng)
	return classify(remote.OpInsertCheckpointVisit, err)
}

// ListCheckpointVisits implements remote.Store.
func (s *Store) ListCheckpointVisits(ctx context.Context, patrolID string) ([]*models.CheckpointVisit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patrol_id, checkpoint_id, visited_at, latitude, longitude
		FROM checkpoint_visits
		WHERE patrol_id = $1
		ORDER BY visited_at`, patrolID)
	if err != nil {
		return nil, classify(remote.OpListCheckpointVisits, err)
	}
	defer rows.Close()

	var visits []*models.CheckpointVisit
	for rows.Next() {
		var v models.CheckpointVisit
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&v.ID, &v.PatrolID, &v.CheckpointID, &v.Timestamp, &lat, &lng); err != nil {
			return nil, classify(remote.OpListCheckpointVisits, err)
		}
		if lat.Valid && lng.Valid {
			v.Coords = &models.Coords{Latitude: lat.Float64, Longitude: lng.Float64}
		}
		visits = append(visits, &v)
	}
	return visits, classify(remote.OpListCheckpointVisits, rows.Err())
}

// ListCheckpointDefinitions implements remote.Store.
func (s *Store) ListCheckpointDefinitions(ctx context.Context, siteID, groupID string) ([]*models.CheckpointDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, site_id, COALESCE(checkpoint_group_id, ''), name, COALESCE(location_label, ''), active
		FROM checkpoint_definitions
		WHERE site_id = $1 AND active AND ($2 = '' OR checkpoint_group_id = $2)
		ORDER BY id`, siteID, groupID)
	if err != nil {
		return nil, classify(remote.OpListCheckpointDefinitions, err)
	}
	defer rows.Close()

	var defs []*models.CheckpointDefinition
	for rows.Next() {
		var d models.CheckpointDefinition
		if err := rows.Scan(&d.ID, &d.SiteID, &d.CheckpointGroupID, &d.Name, &d.LocationLabel, &d.Active); err != nil {
			return nil, classify(remote.OpListCheckpointDefinitions, err)
		}
		defs = append(defs, &d)
	}
	return defs, classify(remote.OpListCheckpointDefinitions, rows.Err())
}

// InsertLocationPing implements remote.Store.
func (s *Store) InsertLocationPing(ctx context.Context, p *models.LocationPing) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO location_pings (id, guard_id, patrol_id, latitude, longitude, accuracy, heading, speed, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.GuardID, p.PatrolID, p.Coords.Latitude, p.Coords.Longitude, p.Accuracy,
		nullFloat(p.Heading), nullFloat(p.Speed), p.CreatedAt)
	return classify(remote.OpInsertLocationPing, err)
}

// InsertObservation implements remote.Store.
func (s *Store) InsertObservation(ctx context.Context, o *models.Observation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (id, guard_id, patrol_id, site_id, payload, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, o.GuardID, o.PatrolID, o.SiteID, []byte(o.Payload), o.CreatedAt)
	return classify(remote.OpInsertObservation, err)
}

// InsertEmergencyReport implements remote.Store.
func (s *Store) InsertEmergencyReport(ctx context.Context, r *models.EmergencyReport) error {
	lat, lng := nullCoords(r.Location)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emergency_reports (id, guard_id, patrol_id, site_id, payload, latitude, longitude, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.GuardID, r.PatrolID, r.SiteID, []byte(r.Payload), lat, lng, r.CreatedAt)
	return classify(remote.OpInsertEmergencyReport, err)
}

// IsAssigned implements remote.AssignmentChecker.
func (s *Store) IsAssigned(ctx context.Context, guardID, siteID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM guard_site_assignments
			WHERE guard_id = $1 AND site_id = $2 AND active
		)`, guardID, siteID).Scan(&ok)
	if err != nil {
		return false, classify(remote.OpIsAssigned, err)
	}
	return ok, nil
}

var (
	_ remote.Store             = (*Store)(nil)
	_ remote.AssignmentChecker = (*Store)(nil)
)
