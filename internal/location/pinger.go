package location

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/logging"
	"github.com/kimhsiao/patrolsync/internal/models"
	"github.com/kimhsiao/patrolsync/internal/uuid"
)

// Sampling defaults.
const (
	DefaultSampleInterval = 60 * time.Second
	DefaultSampleTimeout  = 20 * time.Second
)

// PingWriter delivers a ping to the remote store or the local ring.
type PingWriter interface {
	RoutePing(ctx context.Context, p *models.LocationPing) error
}

// PingerConfig identifies the patrol being sampled.
type PingerConfig struct {
	GuardID  string
	PatrolID string
	Interval time.Duration
	Timeout  time.Duration
}

// Pinger samples the guard's position on a fixed interval for one patrol.
type Pinger struct {
	resolver *Resolver
	writer   PingWriter
	history  History
	cfg      PingerConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPinger creates a Pinger. Zero durations take the defaults.
func NewPinger(resolver *Resolver, writer PingWriter, history History, cfg PingerConfig) *Pinger {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSampleInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSampleTimeout
	}
	return &Pinger{
		resolver: resolver,
		writer:   writer,
		history:  history,
		cfg:      cfg,
	}
}

// Start begins sampling. Calling Start on a running Pinger is a no-op.
func (p *Pinger) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.loop(p.stopCh)

	logging.Debug("Location pinger started", map[string]interface{}{
		"patrol_id": p.cfg.PatrolID,
		"interval":  p.cfg.Interval.String(),
	})
}

// Stop halts sampling and waits for an in-flight sample to finish.
func (p *Pinger) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logging.Debug("Location pinger stopped", map[string]interface{}{"patrol_id": p.cfg.PatrolID})
}

// IsRunning reports whether the sampling loop is active.
func (p *Pinger) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pinger) loop(stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-stop:
					cancel()
				case <-ctx.Done():
				}
			}()
			p.Sample(ctx)
			cancel()
		}
	}
}

// Sample takes one reading. Only live fixes are written through the router;
// a sample resolved from history or to none is logged and not written.
func (p *Pinger) Sample(ctx context.Context) Result {
	res := p.resolver.Resolve(ctx, p.cfg.GuardID, p.cfg.PatrolID, p.cfg.Timeout)
	if res.Source != SourceLive {
		logging.Info("Location sample skipped", map[string]interface{}{
			"patrol_id": p.cfg.PatrolID,
			"source":    string(res.Source),
		})
		return res
	}

	ping := &models.LocationPing{
		ID:        uuid.New(),
		GuardID:   p.cfg.GuardID,
		PatrolID:  p.cfg.PatrolID,
		Coords:    res.Fix.Coords,
		Accuracy:  res.Fix.Accuracy,
		Heading:   res.Fix.Heading,
		Speed:     res.Fix.Speed,
		CreatedAt: res.Fix.At.UTC(),
	}
	if err := p.writer.RoutePing(ctx, ping); err != nil {
		logging.ErrorWithCode("Failed to record location ping", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"patrol_id": p.cfg.PatrolID, "ping_id": ping.ID})
		return res
	}
	if p.history != nil {
		if err := p.history.RememberPing(ctx, ping); err != nil {
			logging.Warn("Failed to remember location ping", map[string]interface{}{
				"patrol_id": p.cfg.PatrolID,
				"error":     err.Error(),
			})
		}
	}
	return res
}
