package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kimhsiao/patrolsync/internal/logging"
)

// ProberConfig configures a health-check driven Oracle.
type ProberConfig struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	// Initial is the state reported before the first probe completes.
	Initial bool
}

// Prober is an Oracle that polls a health endpoint. Any 2xx answer within
// the timeout counts as online.
type Prober struct {
	*Switch

	client   *resty.Client
	url      string
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewProber creates a Prober. It does not probe until Start or Probe is called.
func NewProber(cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Prober{
		Switch:   NewSwitch(cfg.Initial),
		client:   client,
		url:      cfg.URL,
		interval: cfg.Interval,
	}
}

// Probe performs one health check, updates the state and returns it.
func (p *Prober) Probe(ctx context.Context) bool {
	resp, err := p.client.R().SetContext(ctx).Get(p.url)
	online := err == nil && resp.IsSuccess()
	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{"url": p.url, "error": err.Error()})
	} else if !online {
		logging.Debug("Connectivity probe unhealthy", map[string]interface{}{"url": p.url, "status": resp.StatusCode()})
	}
	p.SetOnline(online)
	return online
}

// Start probes immediately and then every interval until Stop or ctx ends.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

var _ Oracle = (*Prober)(nil)
