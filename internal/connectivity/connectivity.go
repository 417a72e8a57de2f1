// Package connectivity reports whether the remote store is reachable and
// notifies subscribers when that changes.
package connectivity

import (
	"sort"
	"sync"

	"github.com/kimhsiao/patrolsync/internal/logging"
)

// Oracle is the online/offline source consulted by every write site.
type Oracle interface {
	IsOnline() bool
	// OnTransition registers fn for online/offline changes and returns a
	// function that unregisters it.
	OnTransition(fn func(online bool)) (cancel func())
}

// Switch is an Oracle whose state is set explicitly.
type Switch struct {
	mu     sync.RWMutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

// NewSwitch creates a Switch in the given state.
func NewSwitch(online bool) *Switch {
	return &Switch{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// IsOnline returns the current state.
func (s *Switch) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// SetOnline changes the state. Subscribers are called in registration order
// only when the state actually changes.
func (s *Switch) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online

	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"is_online": online})

	for _, fn := range subs {
		fn(online)
	}
}

// OnTransition registers fn and returns its cancel function.
func (s *Switch) OnTransition(fn func(online bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

var _ Oracle = (*Switch)(nil)
