package db

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/models"
)

// VisitSource tells locally recorded visits apart from ones pulled remotely.
type VisitSource string

const (
	VisitSourceLocal  VisitSource = "local"
	VisitSourceRemote VisitSource = "remote"
)

// =====================================================
// PatrolSession Operations
// =====================================================

const sessionColumns = `id, guard_id, site_id, team_id, checkpoint_group_id, start_time, end_time,
	status, last_latitude, last_longitude, auto_completed`

// SaveSession inserts or updates a session. Inserting a second active
// session for the same guard fails with ALREADY_ACTIVE.
func (r *Repository) SaveSession(ctx context.Context, s *models.PatrolSession) error {
	var endTime sql.NullInt64
	if s.EndTime != nil {
		endTime = sql.NullInt64{Int64: toMillis(*s.EndTime), Valid: true}
	}
	var lat, lng sql.NullFloat64
	if s.LastKnownLocation != nil {
		lat = sql.NullFloat64{Float64: s.LastKnownLocation.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: s.LastKnownLocation.Longitude, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
	INSERT INTO patrol_sessions (`+sessionColumns+`, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		end_time = excluded.end_time,
		status = excluded.status,
		last_latitude = excluded.last_latitude,
		last_longitude = excluded.last_longitude,
		auto_completed = excluded.auto_completed,
		updated_at = excluded.updated_at`,
		s.ID, s.GuardID, s.SiteID, s.TeamID, s.CheckpointGroupID, toMillis(s.StartTime), endTime,
		string(s.Status), lat, lng, s.AutoCompleted, toMillis(time.Now()))
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Wrap(apperrors.ErrAlreadyActive, "guard "+s.GuardID+" already has an active patrol", err)
		}
		return storageError("save session", err)
	}
	return nil
}

// GetSession returns a session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.PatrolSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM patrol_sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "patrol "+id+" not found")
	}
	if err != nil {
		return nil, storageError("get session", err)
	}
	return s, nil
}

// ActiveSession returns the guard's active session, or nil when idle.
func (r *Repository) ActiveSession(ctx context.Context, guardID string) (*models.PatrolSession, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM patrol_sessions WHERE guard_id = ? AND status = 'active'`, guardID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("get active session", err)
	}
	return s, nil
}

// ListActiveSessions returns every session still marked active.
func (r *Repository) ListActiveSessions(ctx context.Context) ([]*models.PatrolSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM patrol_sessions WHERE status = 'active' ORDER BY start_time`)
	if err != nil {
		return nil, storageError("list active sessions", err)
	}
	defer rows.Close()

	var sessions []*models.PatrolSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, storageError("scan session", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate sessions", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.PatrolSession, error) {
	var s models.PatrolSession
	var status string
	var start int64
	var end sql.NullInt64
	var lat, lng sql.NullFloat64
	err := row.Scan(&s.ID, &s.GuardID, &s.SiteID, &s.TeamID, &s.CheckpointGroupID, &start, &end,
		&status, &lat, &lng, &s.AutoCompleted)
	if err != nil {
		return nil, err
	}
	s.Status = models.PatrolStatus(status)
	s.StartTime = fromMillis(start)
	if end.Valid {
		t := fromMillis(end.Int64)
		s.EndTime = &t
	}
	if lat.Valid && lng.Valid {
		s.LastKnownLocation = &models.Coords{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	return &s, nil
}

// =====================================================
// CheckpointVisit Operations
// =====================================================

// InsertVisit stores a local visit. A second visit for the same
// (patrol, checkpoint) fails with DUPLICATE_VISIT and changes nothing.
func (r *Repository) InsertVisit(ctx context.Context, v *models.CheckpointVisit) error {
	inserted, err := r.insertVisit(ctx, r.db, v, VisitSourceLocal)
	if err != nil {
		return err
	}
	if !inserted {
		return apperrors.Newf(apperrors.ErrDuplicateVisit, "checkpoint %s already visited in patrol %s", v.CheckpointID, v.PatrolID)
	}
	return nil
}

func (r *Repository) insertVisit(ctx context.Context, ex execer, v *models.CheckpointVisit, source VisitSource) (bool, error) {
	var lat, lng sql.NullFloat64
	if v.Coords != nil {
		lat = sql.NullFloat64{Float64: v.Coords.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: v.Coords.Longitude, Valid: true}
	}
	res, err := ex.ExecContext(ctx, `
	INSERT OR IGNORE INTO checkpoint_visits (id, patrol_id, checkpoint_id, timestamp, latitude, longitude, source)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.PatrolID, v.CheckpointID, toMillis(v.Timestamp), lat, lng, string(source))
	if err != nil {
		return false, storageError("insert visit", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageError("insert visit", err)
	}
	return n > 0, nil
}

// DeleteVisit removes a local visit whose write could not be routed.
// Remote visits are left alone.
func (r *Repository) DeleteVisit(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM checkpoint_visits WHERE id = ? AND source = ?`, id, string(VisitSourceLocal)); err != nil {
		return storageError("delete visit", err)
	}
	return nil
}

// ImportRemoteVisits caches visits already held by the remote store.
// Visits already known locally are skipped. Returns the number added.
func (r *Repository) ImportRemoteVisits(ctx context.Context, visits []*models.CheckpointVisit) (int, error) {
	if len(visits) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageError("begin visit import", err)
	}
	defer tx.Rollback()

	added := 0
	for _, v := range visits {
		ok, err := r.insertVisit(ctx, tx, v, VisitSourceRemote)
		if err != nil {
			return 0, err
		}
		if ok {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storageError("commit visit import", err)
	}
	return added, nil
}

// ListVisits returns the patrol's visits in the order they happened.
func (r *Repository) ListVisits(ctx context.Context, patrolID string) ([]*models.CheckpointVisit, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, patrol_id, checkpoint_id, timestamp, latitude, longitude
	FROM checkpoint_visits WHERE patrol_id = ? ORDER BY timestamp, id`, patrolID)
	if err != nil {
		return nil, storageError("list visits", err)
	}
	defer rows.Close()

	var visits []*models.CheckpointVisit
	for rows.Next() {
		var v models.CheckpointVisit
		var ts int64
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&v.ID, &v.PatrolID, &v.CheckpointID, &ts, &lat, &lng); err != nil {
			return nil, storageError("scan visit", err)
		}
		v.Timestamp = fromMillis(ts)
		if lat.Valid && lng.Valid {
			v.Coords = &models.Coords{Latitude: lat.Float64, Longitude: lng.Float64}
		}
		visits = append(visits, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate visits", err)
	}
	return visits, nil
}

// ListVisitedCheckpoints returns the distinct checkpoint ids visited in a patrol.
func (r *Repository) ListVisitedCheckpoints(ctx context.Context, patrolID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT checkpoint_id FROM checkpoint_visits WHERE patrol_id = ? ORDER BY checkpoint_id`, patrolID)
	if err != nil {
		return nil, storageError("list visited checkpoints", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageError("scan visited checkpoint", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate visited checkpoints", err)
	}
	return ids, nil
}

// =====================================================
// Checkpoint catalog Operations
// =====================================================

// CacheSiteCheckpoints replaces the cached catalog for a site.
func (r *Repository) CacheSiteCheckpoints(ctx context.Context, siteID string, defs []*models.CheckpointDefinition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin checkpoint cache", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_cache WHERE site_id = ?`, siteID); err != nil {
		return storageError("clear checkpoint cache", err)
	}
	for _, d := range defs {
		_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoint_cache (site_id, checkpoint_id, checkpoint_group_id, name, location_label, active)
		VALUES (?, ?, ?, ?, ?, ?)`,
			siteID, d.ID, d.CheckpointGroupID, d.Name, d.LocationLabel, d.Active)
		if err != nil {
			return storageError("cache checkpoint", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageError("commit checkpoint cache", err)
	}
	return nil
}

// SiteCheckpoints returns the cached catalog for a site, active or not.
func (r *Repository) SiteCheckpoints(ctx context.Context, siteID string) ([]*models.CheckpointDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT checkpoint_id, site_id, checkpoint_group_id, name, location_label, active
	FROM checkpoint_cache WHERE site_id = ? ORDER BY checkpoint_id`, siteID)
	if err != nil {
		return nil, storageError("list site checkpoints", err)
	}
	defer rows.Close()
	return scanDefinitions(rows)
}

// SavePatrolCheckpoints freezes the checkpoint set for a patrol. The set is
// written once; later calls for the same patrol keep the original rows.
func (r *Repository) SavePatrolCheckpoints(ctx context.Context, patrolID string, defs []*models.CheckpointDefinition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin checkpoint set", err)
	}
	defer tx.Rollback()

	for _, d := range defs {
		_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO checkpoint_sets (patrol_id, checkpoint_id, site_id, checkpoint_group_id, name, location_label)
		VALUES (?, ?, ?, ?, ?, ?)`,
			patrolID, d.ID, d.SiteID, d.CheckpointGroupID, d.Name, d.LocationLabel)
		if err != nil {
			return storageError("save checkpoint set", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageError("commit checkpoint set", err)
	}
	return nil
}

// PatrolCheckpoints returns the frozen checkpoint set for a patrol.
func (r *Repository) PatrolCheckpoints(ctx context.Context, patrolID string) ([]*models.CheckpointDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT checkpoint_id, site_id, checkpoint_group_id, name, location_label, 1
	FROM checkpoint_sets WHERE patrol_id = ? ORDER BY checkpoint_id`, patrolID)
	if err != nil {
		return nil, storageError("list patrol checkpoints", err)
	}
	defer rows.Close()
	return scanDefinitions(rows)
}

func scanDefinitions(rows *sql.Rows) ([]*models.CheckpointDefinition, error) {
	var defs []*models.CheckpointDefinition
	for rows.Next() {
		var d models.CheckpointDefinition
		if err := rows.Scan(&d.ID, &d.SiteID, &d.CheckpointGroupID, &d.Name, &d.LocationLabel, &d.Active); err != nil {
			return nil, storageError("scan checkpoint", err)
		}
		defs = append(defs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate checkpoints", err)
	}
	return defs, nil
}
