// Package db provides repository operations over the local patrol store.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/models"
)

// Repository provides the queue and patrol state operations.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for the hot queue queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have prepared the same query; keep the first.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// storageError maps SQLite failures onto the storage error codes.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if stderrors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_FULL:
			return apperrors.Wrap(apperrors.ErrStorageFull, op, err)
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return apperrors.Wrap(apperrors.ErrStorageCorrupt, op, err)
		}
	}
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !stderrors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// =====================================================
// FieldEvent Operations
// =====================================================

// InsertFieldEvent appends an event to the queue.
func (r *Repository) InsertFieldEvent(ctx context.Context, e *models.FieldEvent) error {
	query := `
	INSERT INTO field_events (id, type, patrol_id, guard_id, payload, checksum, timestamp, synced, attempts, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return storageError("prepare field event insert", err)
	}
	_, err = stmt.ExecContext(ctx, e.ID, string(e.Type), e.PatrolID, e.GuardID, string(e.Payload),
		e.Checksum, toMillis(e.Timestamp), e.Synced, e.Attempts, e.LastError)
	if err != nil {
		return storageError("insert field event", err)
	}
	return nil
}

// ListUnsyncedEvents returns pending events oldest first, optionally scoped
// to one patrol. A limit of zero returns all of them.
func (r *Repository) ListUnsyncedEvents(ctx context.Context, patrolID string, limit int) ([]*models.FieldEvent, error) {
	query := `
	SELECT id, type, patrol_id, guard_id, payload, checksum, timestamp, synced, attempts, last_error
	FROM field_events WHERE synced = 0`
	args := []interface{}{}
	if patrolID != "" {
		query += " AND patrol_id = ?"
		args = append(args, patrolID)
	}
	query += " ORDER BY seq ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("list unsynced events", err)
	}
	defer rows.Close()

	var events []*models.FieldEvent
	for rows.Next() {
		var e models.FieldEvent
		var eventType, payload string
		var ts int64
		if err := rows.Scan(&e.ID, &eventType, &e.PatrolID, &e.GuardID, &payload,
			&e.Checksum, &ts, &e.Synced, &e.Attempts, &e.LastError); err != nil {
			return nil, storageError("scan field event", err)
		}
		e.Type = models.EventType(eventType)
		e.Payload = []byte(payload)
		e.Timestamp = fromMillis(ts)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate field events", err)
	}
	return events, nil
}

// MarkEventSynced flags an event as delivered. Unknown ids are a no-op.
func (r *Repository) MarkEventSynced(ctx context.Context, id string) error {
	stmt, err := r.PrepareStmt(ctx, `UPDATE field_events SET synced = 1, last_error = '' WHERE id = ? AND synced = 0`)
	if err != nil {
		return storageError("prepare mark synced", err)
	}
	if _, err := stmt.ExecContext(ctx, id); err != nil {
		return storageError("mark event synced", err)
	}
	return nil
}

// MarkEventFailed records a failed delivery attempt. The event stays pending.
func (r *Repository) MarkEventFailed(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE field_events SET attempts = attempts + 1, last_error = ? WHERE id = ? AND synced = 0`,
		reason, id)
	return storageError("mark event failed", err)
}

// PurgeSyncedEvents deletes delivered events. Unsynced rows are never touched.
func (r *Repository) PurgeSyncedEvents(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM field_events WHERE synced = 1`)
	if err != nil {
		return 0, storageError("purge synced events", err)
	}
	return res.RowsAffected()
}

// CountUnsyncedEvents counts pending events, optionally for one patrol.
func (r *Repository) CountUnsyncedEvents(ctx context.Context, patrolID string) (int, error) {
	query := `SELECT COUNT(*) FROM field_events WHERE synced = 0`
	args := []interface{}{}
	if patrolID != "" {
		query += " AND patrol_id = ?"
		args = append(args, patrolID)
	}
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, storageError("count unsynced events", err)
	}
	return n, nil
}

// CountFieldEvents counts all stored events, synced or not.
func (r *Repository) CountFieldEvents(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM field_events`).Scan(&n); err != nil {
		return 0, storageError("count field events", err)
	}
	return n, nil
}

// FailedEventStats returns the number of pending events with at least one
// failed attempt and the highest attempt count.
func (r *Repository) FailedEventStats(ctx context.Context) (failed int, maxAttempts int, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(attempts), 0) FROM field_events WHERE synced = 0 AND attempts > 0`,
	).Scan(&failed, &maxAttempts)
	if err != nil {
		return 0, 0, storageError("failed event stats", err)
	}
	return failed, maxAttempts, nil
}

// =====================================================
// LocationPing Operations
// =====================================================

// InsertPing appends a ping and trims the ring to capacity, oldest first.
// The last known fix for (guard, patrol) is updated in the same transaction.
func (r *Repository) InsertPing(ctx context.Context, p *models.LocationPing, capacity int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin ping insert", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO location_pings (id, guard_id, patrol_id, latitude, longitude, accuracy, heading, speed, created_at, synced)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.GuardID, p.PatrolID, p.Coords.Latitude, p.Coords.Longitude, p.Accuracy,
		nullFloat(p.Heading), nullFloat(p.Speed), toMillis(p.CreatedAt), p.Synced)
	if err != nil {
		return storageError("insert ping", err)
	}

	if capacity > 0 {
		_, err = tx.ExecContext(ctx, `
		DELETE FROM location_pings
		WHERE seq NOT IN (SELECT seq FROM location_pings ORDER BY seq DESC LIMIT ?)`, capacity)
		if err != nil {
			return storageError("trim ping ring", err)
		}
	}

	if err := upsertLastPing(ctx, tx, p); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageError("commit ping insert", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertLastPing(ctx context.Context, ex execer, p *models.LocationPing) error {
	_, err := ex.ExecContext(ctx, `
	INSERT INTO last_pings (guard_id, patrol_id, ping_id, latitude, longitude, accuracy, heading, speed, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (guard_id, patrol_id) DO UPDATE SET
		ping_id = excluded.ping_id,
		latitude = excluded.latitude,
		longitude = excluded.longitude,
		accuracy = excluded.accuracy,
		heading = excluded.heading,
		speed = excluded.speed,
		created_at = excluded.created_at
	WHERE excluded.created_at >= last_pings.created_at`,
		p.GuardID, p.PatrolID, p.ID, p.Coords.Latitude, p.Coords.Longitude, p.Accuracy,
		nullFloat(p.Heading), nullFloat(p.Speed), toMillis(p.CreatedAt))
	return storageError("upsert last ping", err)
}

// UpsertLastPing records p as the latest fix for its (guard, patrol) when it
// is not older than the stored one.
func (r *Repository) UpsertLastPing(ctx context.Context, p *models.LocationPing) error {
	return upsertLastPing(ctx, r.db, p)
}

// ListUnsyncedPings returns pending pings oldest first.
func (r *Repository) ListUnsyncedPings(ctx context.Context, limit int) ([]*models.LocationPing, error) {
	query := `
	SELECT id, guard_id, patrol_id, latitude, longitude, accuracy, heading, speed, created_at, synced
	FROM location_pings WHERE synced = 0 ORDER BY seq ASC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("list unsynced pings", err)
	}
	defer rows.Close()

	var pings []*models.LocationPing
	for rows.Next() {
		var p models.LocationPing
		var heading, speed sql.NullFloat64
		var created int64
		if err := rows.Scan(&p.ID, &p.GuardID, &p.PatrolID, &p.Coords.Latitude, &p.Coords.Longitude,
			&p.Accuracy, &heading, &speed, &created, &p.Synced); err != nil {
			return nil, storageError("scan ping", err)
		}
		p.Heading = floatPtr(heading)
		p.Speed = floatPtr(speed)
		p.CreatedAt = fromMillis(created)
		pings = append(pings, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate pings", err)
	}
	return pings, nil
}

// MarkPingSynced flags a ping as delivered. Unknown ids are a no-op.
func (r *Repository) MarkPingSynced(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE location_pings SET synced = 1 WHERE id = ? AND synced = 0`, id)
	return storageError("mark ping synced", err)
}

// MarkPingFailed records a failed delivery attempt for a ping.
func (r *Repository) MarkPingFailed(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE location_pings SET attempts = attempts + 1, last_error = ? WHERE id = ? AND synced = 0`,
		reason, id)
	return storageError("mark ping failed", err)
}

// PurgeSyncedPings deletes delivered pings.
func (r *Repository) PurgeSyncedPings(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM location_pings WHERE synced = 1`)
	if err != nil {
		return 0, storageError("purge synced pings", err)
	}
	return res.RowsAffected()
}

// CountUnsyncedPings counts pending pings.
func (r *Repository) CountUnsyncedPings(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM location_pings WHERE synced = 0`).Scan(&n); err != nil {
		return 0, storageError("count unsynced pings", err)
	}
	return n, nil
}

// CountPings counts every ping held in the ring.
func (r *Repository) CountPings(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM location_pings`).Scan(&n); err != nil {
		return 0, storageError("count pings", err)
	}
	return n, nil
}

// LatestPingForPatrol returns the last known fix recorded for the patrol,
// or nil when there is none.
func (r *Repository) LatestPingForPatrol(ctx context.Context, guardID, patrolID string) (*models.LocationPing, error) {
	return r.latestPing(ctx,
		`SELECT ping_id, guard_id, patrol_id, latitude, longitude, accuracy, heading, speed, created_at
		 FROM last_pings WHERE guard_id = ? AND patrol_id = ?`, guardID, patrolID)
}

// LatestPingForGuard returns the most recent fix for the guard across all
// patrols, or nil when there is none.
func (r *Repository) LatestPingForGuard(ctx context.Context, guardID string) (*models.LocationPing, error) {
	return r.latestPing(ctx,
		`SELECT ping_id, guard_id, patrol_id, latitude, longitude, accuracy, heading, speed, created_at
		 FROM last_pings WHERE guard_id = ? ORDER BY created_at DESC LIMIT 1`, guardID)
}

func (r *Repository) latestPing(ctx context.Context, query string, args ...interface{}) (*models.LocationPing, error) {
	var p models.LocationPing
	var heading, speed sql.NullFloat64
	var created int64
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.GuardID, &p.PatrolID,
		&p.Coords.Latitude, &p.Coords.Longitude, &p.Accuracy, &heading, &speed, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("read last ping", err)
	}
	p.Heading = floatPtr(heading)
	p.Speed = floatPtr(speed)
	p.CreatedAt = fromMillis(created)
	return &p, nil
}
