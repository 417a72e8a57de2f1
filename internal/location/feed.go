package location

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
)

// Feed is a Provider fed by pushed fixes, such as the handset's GPS
// forwarding positions to the agent. Current returns the latest fix while it
// is fresh, otherwise it waits for the next one.
type Feed struct {
	maxAge time.Duration

	mu      sync.Mutex
	latest  *Fix
	waiters []chan Fix
}

// NewFeed creates a Feed whose fixes expire after maxAge.
func NewFeed(maxAge time.Duration) *Feed {
	return &Feed{maxAge: maxAge}
}

// Update publishes a new fix.
func (f *Feed) Update(fix Fix) {
	if fix.At.IsZero() {
		fix.At = time.Now().UTC()
	}
	f.mu.Lock()
	f.latest = &fix
	waiters := f.waiters
	f.waiters = nil
	f.mu.Unlock()

	for _, w := range waiters {
		w <- fix
	}
}

// Current implements Provider.
func (f *Feed) Current(ctx context.Context) (Fix, error) {
	f.mu.Lock()
	if f.latest != nil && (f.maxAge <= 0 || time.Since(f.latest.At) <= f.maxAge) {
		fix := *f.latest
		f.mu.Unlock()
		return fix, nil
	}
	w := make(chan Fix, 1)
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	select {
	case fix := <-w:
		return fix, nil
	case <-ctx.Done():
		f.mu.Lock()
		for i, other := range f.waiters {
			if other == w {
				f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		return Fix{}, apperrors.Wrap(apperrors.ErrTimeout, "no fresh location fix", ctx.Err())
	}
}

var _ Provider = (*Feed)(nil)
