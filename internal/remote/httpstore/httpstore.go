// Package httpstore is a remote.Store over a JSON REST API. Every write
// carries an Idempotency-Key header set to the record's client id.
package httpstore

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kimhsiao/patrolsync/internal/logging"
	"github.com/kimhsiao/patrolsync/internal/models"
	"github.com/kimhsiao/patrolsync/internal/remote"
)

// IdempotencyHeader carries the client-generated record id.
const IdempotencyHeader = "Idempotency-Key"

// Config configures the REST client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RetryCount int
}

// Store talks to the patrol backend over HTTP.
type Store struct {
	client *resty.Client
}

// New creates a Store.
func New(cfg Config) *Store {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &Store{client: client}
}

// write posts body with an idempotency key. A 409 means the record is
// already stored and counts as success when duplicateOK is set.
func (s *Store) write(ctx context.Context, op remote.Operation, method, path, key string, body interface{}, duplicateOK bool) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader(IdempotencyHeader, key).
		SetBody(body).
		Execute(method, path)
	if err != nil {
		return remote.Classify(op, err)
	}
	if duplicateOK && resp.StatusCode() == http.StatusConflict {
		logging.Debug("Remote already has record", map[string]interface{}{"operation": string(op), "key": key})
		return nil
	}
	return remote.ClassifyStatus(op, resp.StatusCode(), resp.String())
}

// read issues a GET into result. It returns found=false on 404.
func (s *Store) read(ctx context.Context, op remote.Operation, path string, query url.Values, result interface{}) (bool, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParamsFromValues(query).
		SetResult(result).
		Get(path)
	if err != nil {
		return false, remote.Classify(op, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if err := remote.ClassifyStatus(op, resp.StatusCode(), resp.String()); err != nil {
		return false, err
	}
	return true, nil
}

// CreatePatrolSession implements remote.Store.
func (s *Store) CreatePatrolSession(ctx context.Context, session *models.PatrolSession) error {
	return s.write(ctx, remote.OpCreatePatrolSession, resty.MethodPost, "/patrol-sessions", session.ID, session, true)
}

// UpdatePatrolSession implements remote.Store.
func (s *Store) UpdatePatrolSession(ctx context.Context, id string, patch models.SessionPatch) error {
	key := id + ":" + string(patch.Status)
	return s.write(ctx, remote.OpUpdatePatrolSession, resty.MethodPatch, "/patrol-sessions/"+url.PathEscape(id), key, patch, false)
}

// GetActivePatrolSession implements remote.Store.
func (s *Store) GetActivePatrolSession(ctx context.Context, guardID string) (*models.PatrolSession, error) {
	var session models.PatrolSession
	found, err := s.read(ctx, remote.OpGetActivePatrolSession,
		"/guards/"+url.PathEscape(guardID)+"/active-patrol-session", nil, &session)
	if err != nil || !found {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// InsertCheckpointVisit implements remote.Store.
func (s *Store) InsertCheckpointVisit(ctx context.Context, v *models.CheckpointVisit) error {
	return s.write(ctx, remote.OpInsertCheckpointVisit, resty.MethodPost, "/checkpoint-visits", v.ID, v, true)
}

// ListCheckpointVisits implements remote.Store.
func (s *Store) ListCheckpointVisits(ctx context.Context, patrolID string) ([]*models.CheckpointVisit, error) {
	var visits []*models.CheckpointVisit
	if _, err := s.read(ctx, remote.OpListCheckpointVisits,
		"/patrol-sessions/"+url.PathEscape(patrolID)+"/checkpoint-visits", nil, &visits); err != nil {
		return nil, err
	}
	return visits, nil
}

// ListCheckpointDefinitions implements remote.Store.
func (s *Store) ListCheckpointDefinitions(ctx context.Context, siteID, groupID string) ([]*models.CheckpointDefinition, error) {
	query := url.Values{"active": {"true"}}
	if groupID != "" {
		query.Set("group", groupID)
	}
	var defs []*models.CheckpointDefinition
	if _, err := s.read(ctx, remote.OpListCheckpointDefinitions,
		"/sites/"+url.PathEscape(siteID)+"/checkpoints", query, &defs); err != nil {
		return nil, err
	}
	out := defs[:0]
	for _, d := range defs {
		if d.SiteID == "" {
			d.SiteID = siteID
		}
		if d.Matches(siteID, groupID) {
			out = append(out, d)
		}
	}
	return out, nil
}

// InsertLocationPing implements remote.Store.
func (s *Store) InsertLocationPing(ctx context.Context, p *models.LocationPing) error {
	return s.write(ctx, remote.OpInsertLocationPing, resty.MethodPost, "/location-pings", p.ID, p, true)
}

// InsertObservation implements remote.Store.
func (s *Store) InsertObservation(ctx context.Context, o *models.Observation) error {
	return s.write(ctx, remote.OpInsertObservation, resty.MethodPost, "/observations", o.ID, o, true)
}

// InsertEmergencyReport implements remote.Store.
func (s *Store) InsertEmergencyReport(ctx context.Context, r *models.EmergencyReport) error {
	return s.write(ctx, remote.OpInsertEmergencyReport, resty.MethodPost, "/emergency-reports", r.ID, r, true)
}

type assignment struct {
	Assigned bool `json:"assigned"`
}

// IsAssigned implements remote.AssignmentChecker. An unknown guard or site
// (404) is reported as not assigned.
func (s *Store) IsAssigned(ctx context.Context, guardID, siteID string) (bool, error) {
	var a assignment
	found, err := s.read(ctx, remote.OpIsAssigned,
		"/guards/"+url.PathEscape(guardID)+"/sites/"+url.PathEscape(siteID)+"/assignment", nil, &a)
	if err != nil {
		return false, err
	}
	return found && a.Assigned, nil
}

var (
	_ remote.Store             = (*Store)(nil)
	_ remote.AssignmentChecker = (*Store)(nil)
)
