package patrol

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/patrolsync/internal/location"
)

// controller owns the background work of one active session: the location
// pinger, a pending auto-end timer and the context scan watchers run under.
// Nothing it starts outlives stop.
type controller struct {
	patrolID string
	pinger   *location.Pinger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	autoEnd *time.Timer
	stopped bool
}

func newController(patrolID string, pinger *location.Pinger) *controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &controller{
		patrolID: patrolID,
		pinger:   pinger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *controller) start() {
	if c.pinger != nil {
		c.pinger.Start()
	}
}

// scheduleAutoEnd arms fn to run after delay. Only the first call arms.
func (c *controller) scheduleAutoEnd(delay time.Duration, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.autoEnd != nil {
		return false
	}
	c.autoEnd = time.AfterFunc(delay, fn)
	return true
}

func (c *controller) autoEndPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoEnd != nil && !c.stopped
}

// stop cancels the timer and the session context, then waits for the pinger.
func (c *controller) stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.autoEnd != nil {
		c.autoEnd.Stop()
	}
	c.mu.Unlock()

	c.cancel()
	if c.pinger != nil {
		c.pinger.Stop()
	}
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
