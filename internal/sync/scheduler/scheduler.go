// Package scheduler triggers reconciliation passes in the background: once
// when the device comes back online and periodically while it stays online.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/patrolsync/internal/connectivity"
	"github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/logging"
	syncpkg "github.com/kimhsiao/patrolsync/internal/sync"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       syncpkg.SyncEngineInterface
	oracle       connectivity.Oracle
	syncInterval time.Duration
	passTimeout  time.Duration

	mu             sync.RWMutex
	stopCh         chan struct{}
	cancelRuns     context.CancelFunc
	unsubscribe    func()
	wg             sync.WaitGroup
	isRunning      bool
	syncInProgress bool
	lastSyncTime   time.Time
	lastResult     *syncpkg.SyncResult
	lastErr        error
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to sync while online (default: 30 seconds)
	PassTimeout  time.Duration // Upper bound for one pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 30 * time.Second,
		PassTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, oracle connectivity.Oracle, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	interval := config.SyncInterval
	if interval <= 0 {
		interval = defaults.SyncInterval
	}
	timeout := config.PassTimeout
	if timeout <= 0 {
		timeout = defaults.PassTimeout
	}

	return &Scheduler{
		engine:       engine,
		oracle:       oracle,
		syncInterval: interval,
		passTimeout:  timeout,
	}
}

// Start starts the background sync scheduler. A pass runs right away when
// the device is already online.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRuns = cancel
	s.wg.Add(1)
	s.unsubscribe = s.oracle.OnTransition(func(online bool) {
		if online {
			logging.Info("Connectivity restored, triggering sync", nil)
			s.spawn(runCtx, "reconnect")
		}
	})
	s.mu.Unlock()

	go s.periodicSyncLoop(runCtx, s.stopCh)

	if s.oracle.IsOnline() {
		s.spawn(runCtx, "startup")
	}

	logging.Info("Background sync scheduler started",
		map[string]interface{}{"interval": s.syncInterval.String()})
}

// Stop stops the scheduler and waits for an in-flight pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	cancel := s.cancelRuns
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	cancel()
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// periodicSyncLoop runs a pass on every tick while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !s.oracle.IsOnline() {
				continue
			}
			s.spawn(ctx, "interval")
		}
	}
}

// spawn starts a tracked background pass unless one is already running or
// the scheduler has stopped.
func (s *Scheduler) spawn(ctx context.Context, trigger string) bool {
	s.mu.Lock()
	if !s.isRunning || s.syncInProgress {
		s.mu.Unlock()
		if s.isRunning {
			logging.Debug("Sync already in progress, skipping", map[string]interface{}{"trigger": trigger})
		}
		return false
	}
	s.syncInProgress = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.runSync(ctx, trigger)
	}()
	return true
}

// runSync executes one pass. Caller has set syncInProgress.
func (s *Scheduler) runSync(ctx context.Context, trigger string) {
	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	if !s.oracle.IsOnline() {
		logging.Debug("Skipping sync - device is offline", nil)
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	s.record(result, err)

	if err != nil {
		if errors.Is(err, errors.ErrSyncInProgress) {
			logging.Debug("Sync already in progress, skipping", map[string]interface{}{"trigger": trigger})
			return
		}
		logging.ErrorWithCode("Background sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"trigger": trigger})
		return
	}

	logging.Info("Background sync completed",
		map[string]interface{}{
			"trigger":       trigger,
			"pings_synced":  result.PingsSynced,
			"events_synced": result.EventsSynced,
			"failed":        result.Failed,
		})
}

func (s *Scheduler) record(result *syncpkg.SyncResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if result != nil {
		s.lastResult = result
	}
	if errors.Is(err, errors.ErrSyncInProgress) {
		return
	}
	s.lastErr = err
	if err == nil {
		s.lastSyncTime = time.Now()
	}
}

// TriggerSync starts a background pass.
// Returns true if a pass was started, false if one is already running.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	return s.spawn(ctx, "manual")
}

// SyncNow runs a pass in the caller's goroutine and returns its result.
// A pass already running yields SYNC_IN_PROGRESS.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	s.record(result, err)
	if err != nil {
		return result, err
	}

	logging.Info("Manual sync completed",
		map[string]interface{}{
			"pings_synced":  result.PingsSynced,
			"events_synced": result.EventsSynced,
			"failed":        result.Failed,
		})
	return result, nil
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool                `json:"is_running"`
	IsOnline       bool                `json:"is_online"`
	LastSyncTime   *time.Time          `json:"last_sync_time,omitempty"`
	SyncInProgress bool                `json:"sync_in_progress"`
	PendingItems   int                 `json:"pending_items"`
	EngineStatus   syncpkg.SyncStatus  `json:"engine_status"`
	LastResult     *syncpkg.SyncResult `json:"last_result,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		SyncInProgress: s.syncInProgress,
		LastResult:     s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	s.mu.RUnlock()

	status.IsOnline = s.oracle.IsOnline()
	status.PendingItems = s.engine.PendingChanges()
	status.EngineStatus = s.engine.Status()
	return status
}

// LastSync returns the time of the last successful pass, or nil.
func (s *Scheduler) LastSync() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSyncTime.IsZero() {
		return nil
	}
	t := s.lastSyncTime
	return &t
}

// IsOnline returns whether the device is online.
func (s *Scheduler) IsOnline() bool {
	return s.oracle.IsOnline()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
