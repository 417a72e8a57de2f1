package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/patrolsync/internal/models"
)

type fakeHistory struct {
	mu         sync.Mutex
	byPatrol   map[string]*models.LocationPing
	byGuard    map[string]*models.LocationPing
	remembered []*models.LocationPing
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		byPatrol: map[string]*models.LocationPing{},
		byGuard:  map[string]*models.LocationPing{},
	}
}

func (h *fakeHistory) LatestPing(_ context.Context, guardID, patrolID string) (*models.LocationPing, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byPatrol[guardID+"/"+patrolID], nil
}

func (h *fakeHistory) LatestGuardPing(_ context.Context, guardID string) (*models.LocationPing, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byGuard[guardID], nil
}

func (h *fakeHistory) RememberPing(_ context.Context, p *models.LocationPing) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remembered = append(h.remembered, p)
	h.byPatrol[p.GuardID+"/"+p.PatrolID] = p
	h.byGuard[p.GuardID] = p
	return nil
}

type fakeWriter struct {
	mu    sync.Mutex
	pings []*models.LocationPing
	err   error
}

func (w *fakeWriter) RoutePing(_ context.Context, p *models.LocationPing) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.pings = append(w.pings, p)
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pings)
}

func staticProvider(lat, lng float64) Provider {
	return ProviderFunc(func(context.Context) (Fix, error) {
		return Fix{Coords: models.Coords{Latitude: lat, Longitude: lng}, Accuracy: 5}, nil
	})
}

func stalledProvider() Provider {
	return ProviderFunc(func(ctx context.Context) (Fix, error) {
		<-ctx.Done()
		return Fix{}, ctx.Err()
	})
}

func TestResolve_live(t *testing.T) {
	r := NewResolver(staticProvider(25.03, 121.56), newFakeHistory())

	res := r.Resolve(context.Background(), "g1", "p1", time.Second)

	assert.Equal(t, SourceLive, res.Source)
	require.NotNil(t, res.Fix)
	assert.Equal(t, 25.03, res.Fix.Coords.Latitude)
	assert.False(t, res.Fix.At.IsZero())
}

func TestResolve_fallbackChain(t *testing.T) {
	h := newFakeHistory()
	h.byGuard["g1"] = &models.LocationPing{GuardID: "g1", Coords: models.Coords{Latitude: 1}}

	r := NewResolver(stalledProvider(), h)

	start := time.Now()
	res := r.Resolve(context.Background(), "g1", "p1", 20*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, SourceGuardHistory, res.Source)
	assert.Equal(t, 1.0, res.Coords().Latitude)

	h.byPatrol["g1/p1"] = &models.LocationPing{GuardID: "g1", PatrolID: "p1", Coords: models.Coords{Latitude: 2}}
	res = r.Resolve(context.Background(), "g1", "p1", 20*time.Millisecond)
	assert.Equal(t, SourcePatrolHistory, res.Source)
	assert.Equal(t, 2.0, res.Coords().Latitude)
}

func TestResolve_none(t *testing.T) {
	failing := ProviderFunc(func(context.Context) (Fix, error) {
		return Fix{}, errors.New("permission denied")
	})
	r := NewResolver(failing, newFakeHistory())

	res := r.Resolve(context.Background(), "g1", "p1", time.Second)

	assert.Equal(t, SourceNone, res.Source)
	assert.Nil(t, res.Fix)
	assert.Nil(t, res.Coords())

	res = NewResolver(nil, nil).Resolve(context.Background(), "g1", "", time.Second)
	assert.Equal(t, SourceNone, res.Source)
}

func TestPinger_SampleLiveWritesAndRemembers(t *testing.T) {
	h := newFakeHistory()
	w := &fakeWriter{}
	p := NewPinger(NewResolver(staticProvider(3, 4), h), w, h, PingerConfig{GuardID: "g1", PatrolID: "p1"})

	res := p.Sample(context.Background())

	assert.Equal(t, SourceLive, res.Source)
	require.Equal(t, 1, w.count())
	ping := w.pings[0]
	assert.NotEmpty(t, ping.ID)
	assert.Equal(t, "p1", ping.PatrolID)
	assert.Equal(t, 4.0, ping.Coords.Longitude)
	require.Len(t, h.remembered, 1)
	assert.Equal(t, ping.ID, h.remembered[0].ID)
}

func TestPinger_SampleFallbackNotWritten(t *testing.T) {
	h := newFakeHistory()
	h.byPatrol["g1/p1"] = &models.LocationPing{ID: "old", GuardID: "g1", PatrolID: "p1"}
	w := &fakeWriter{}
	p := NewPinger(NewResolver(stalledProvider(), h), w, h,
		PingerConfig{GuardID: "g1", PatrolID: "p1", Timeout: 10 * time.Millisecond})

	res := p.Sample(context.Background())

	assert.Equal(t, SourcePatrolHistory, res.Source)
	assert.Zero(t, w.count())
	assert.Empty(t, h.remembered)
}

func TestPinger_SampleWriteFailureNotRemembered(t *testing.T) {
	h := newFakeHistory()
	w := &fakeWriter{err: errors.New("disk full")}
	p := NewPinger(NewResolver(staticProvider(1, 1), h), w, h, PingerConfig{GuardID: "g1", PatrolID: "p1"})

	p.Sample(context.Background())

	assert.Empty(t, h.remembered)
}

func TestPinger_StartStop(t *testing.T) {
	h := newFakeHistory()
	w := &fakeWriter{}
	p := NewPinger(NewResolver(staticProvider(1, 2), h), w, h,
		PingerConfig{GuardID: "g1", PatrolID: "p1", Interval: 10 * time.Millisecond})

	p.Start()
	p.Start()
	assert.True(t, p.IsRunning())

	require.Eventually(t, func() bool { return w.count() >= 2 }, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop()
	assert.False(t, p.IsRunning())

	after := w.count()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, w.count(), "no samples after Stop")
}

func TestPinger_StopCancelsStalledSample(t *testing.T) {
	p := NewPinger(NewResolver(stalledProvider(), nil), &fakeWriter{}, nil,
		PingerConfig{GuardID: "g1", PatrolID: "p1", Interval: 5 * time.Millisecond, Timeout: time.Hour})

	p.Start()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return while a sample was stalled")
	}
}

func TestFeed(t *testing.T) {
	f := NewFeed(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Current(ctx)
	require.Error(t, err)

	got := make(chan Fix, 1)
	go func() {
		fix, err := f.Current(context.Background())
		if err == nil {
			got <- fix
		}
	}()
	time.Sleep(10 * time.Millisecond)
	f.Update(Fix{Coords: models.Coords{Latitude: 7}})

	select {
	case fix := <-got:
		assert.Equal(t, 7.0, fix.Coords.Latitude)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by Update")
	}

	fix, err := f.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7.0, fix.Coords.Latitude)
}

func TestFeed_staleFixWaits(t *testing.T) {
	f := NewFeed(time.Millisecond)
	f.Update(Fix{Coords: models.Coords{Latitude: 1}, At: time.Now().Add(-time.Hour)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Current(ctx)
	assert.Error(t, err)
}
