// Package location resolves best-effort guard positions and samples them
// periodically while a patrol is active.
package location

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/logging"
	"github.com/kimhsiao/patrolsync/internal/models"
)

// Fix is one position reading.
type Fix struct {
	Coords   models.Coords `json:"coords"`
	Accuracy float64       `json:"accuracy"`
	Heading  *float64      `json:"heading,omitempty"`
	Speed    *float64      `json:"speed,omitempty"`
	At       time.Time     `json:"at"`
}

// Provider reads the device position. Implementations may block until ctx
// is done.
type Provider interface {
	Current(ctx context.Context) (Fix, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Fix, error)

// Current implements Provider.
func (f ProviderFunc) Current(ctx context.Context) (Fix, error) {
	return f(ctx)
}

// History is the last-known-fix memory kept outside the ping ring.
type History interface {
	LatestPing(ctx context.Context, guardID, patrolID string) (*models.LocationPing, error)
	LatestGuardPing(ctx context.Context, guardID string) (*models.LocationPing, error)
	RememberPing(ctx context.Context, p *models.LocationPing) error
}

// Source tells where a resolved position came from.
type Source string

const (
	SourceLive          Source = "live"
	SourcePatrolHistory Source = "patrol_history"
	SourceGuardHistory  Source = "guard_history"
	SourceNone          Source = "none"
)

// Result is the outcome of Resolve. Fix is nil when Source is SourceNone.
type Result struct {
	Fix    *Fix
	Source Source
}

// Coords returns the resolved coordinates or nil.
func (r Result) Coords() *models.Coords {
	if r.Fix == nil {
		return nil
	}
	c := r.Fix.Coords
	return &c
}

// Resolver applies the fallback chain: live read, the latest fix for the
// patrol, the latest fix for the guard, nothing.
type Resolver struct {
	provider Provider
	history  History
}

// NewResolver creates a Resolver. provider may be nil on devices without
// positioning.
func NewResolver(provider Provider, history History) *Resolver {
	return &Resolver{provider: provider, history: history}
}

// Resolve never fails: a stalled or failing live read falls back to stored
// fixes once timeout elapses.
func (r *Resolver) Resolve(ctx context.Context, guardID, patrolID string, timeout time.Duration) Result {
	if fix, err := r.live(ctx, timeout); err == nil {
		return Result{Fix: &fix, Source: SourceLive}
	} else {
		logging.Debug("Live location unavailable", map[string]interface{}{
			"guard_id":   guardID,
			"patrol_id":  patrolID,
			"error_code": string(apperrors.CodeOf(err)),
			"error":      err.Error(),
		})
	}

	if r.history != nil {
		if patrolID != "" {
			if p, err := r.history.LatestPing(ctx, guardID, patrolID); err == nil && p != nil {
				return Result{Fix: fixOf(p), Source: SourcePatrolHistory}
			}
		}
		if p, err := r.history.LatestGuardPing(ctx, guardID); err == nil && p != nil {
			return Result{Fix: fixOf(p), Source: SourceGuardHistory}
		}
	}
	return Result{Source: SourceNone}
}

func (r *Resolver) live(ctx context.Context, timeout time.Duration) (Fix, error) {
	if r.provider == nil {
		return Fix{}, apperrors.New(apperrors.ErrNotFound, "no location provider")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type reading struct {
		fix Fix
		err error
	}
	ch := make(chan reading, 1)
	go func() {
		fix, err := r.provider.Current(ctx)
		ch <- reading{fix, err}
	}()

	select {
	case <-ctx.Done():
		return Fix{}, apperrors.Wrap(apperrors.ErrTimeout, "location read timed out", ctx.Err())
	case got := <-ch:
		if got.err != nil {
			return Fix{}, got.err
		}
		if got.fix.At.IsZero() {
			got.fix.At = time.Now().UTC()
		}
		return got.fix, nil
	}
}

func fixOf(p *models.LocationPing) *Fix {
	return &Fix{
		Coords:   p.Coords,
		Accuracy: p.Accuracy,
		Heading:  p.Heading,
		Speed:    p.Speed,
		At:       p.CreatedAt,
	}
}
