// Package main runs the on-device patrol agent: the local store, the sync
// scheduler and the REST/WebSocket API the handset app talks to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/patrolsync/cmd/agent/handlers"
	"github.com/kimhsiao/patrolsync/internal/config"
	"github.com/kimhsiao/patrolsync/internal/connectivity"
	"github.com/kimhsiao/patrolsync/internal/db"
	"github.com/kimhsiao/patrolsync/internal/location"
	"github.com/kimhsiao/patrolsync/internal/logging"
	"github.com/kimhsiao/patrolsync/internal/patrol"
	"github.com/kimhsiao/patrolsync/internal/remote"
	"github.com/kimhsiao/patrolsync/internal/remote/httpstore"
	"github.com/kimhsiao/patrolsync/internal/remote/pgstore"
	syncpkg "github.com/kimhsiao/patrolsync/internal/sync"
	"github.com/kimhsiao/patrolsync/internal/sync/queue"
	"github.com/kimhsiao/patrolsync/internal/sync/scheduler"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("PATROL_CONFIG"), "path to the YAML config file")
	rollback := flag.Bool("rollback", false, "revert the newest schema migration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "patrol-agent: %v\n", err)
		os.Exit(1)
	}
	if *rollback {
		version, err := db.Rollback(cfg.DataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "patrol-agent: rollback: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("schema rolled back to version %d\n", version)
		return
	}
	if err := logging.Init(logging.Config{
		Level:   logging.LogLevel(cfg.Log.Level),
		Format:  cfg.Log.Format,
		Service: "patrol-agent",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "patrol-agent: init logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Get().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("Agent stopped", err)
		os.Exit(1)
	}
}

// remoteStore is what the agent needs from a remote adapter.
type remoteStore interface {
	remote.Store
	remote.AssignmentChecker
}

func newRemote(cfg config.RemoteConfig) (remoteStore, func(), error) {
	switch cfg.Driver {
	case config.DriverHTTP:
		return httpstore.New(httpstore.Config{
			BaseURL:    cfg.BaseURL,
			Token:      cfg.Token,
			Timeout:    cfg.Timeout,
			RetryCount: cfg.RetryCount,
		}), func() {}, nil
	case config.DriverPostgres:
		pg, err := pgstore.Open(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pg), func() { pg.Close() }, nil
	case config.DriverMemory:
		return remote.NewMemory(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown remote driver %q", cfg.Driver)
}

// newOracle probes the configured health endpoint, or reports online when
// no probe is configured.
func newOracle(ctx context.Context, cfg config.ConnectivityConfig) (connectivity.Oracle, func()) {
	if cfg.ProbeURL == "" {
		return connectivity.NewSwitch(true), func() {}
	}
	prober := connectivity.NewProber(connectivity.ProberConfig{
		URL:      cfg.ProbeURL,
		Interval: cfg.ProbeInterval,
		Timeout:  cfg.ProbeTimeout,
	})
	prober.Start(ctx)
	return prober, prober.Stop
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	database, err := db.OpenAndMigrate(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()
	repo := db.NewRepository(database.DB)
	defer repo.Close()

	store, closeRemote, err := newRemote(cfg.Remote)
	if err != nil {
		return err
	}
	defer closeRemote()

	oracle, stopOracle := newOracle(ctx, cfg.Connectivity)
	defer stopOracle()

	q := queue.New(repo, queue.Options{MaxEvents: cfg.Queue.MaxEvents, PingCapacity: cfg.Queue.PingCapacity})
	router := syncpkg.NewRouter(store, q, oracle)
	engine := syncpkg.NewEngine(q, store, oracle)
	sched := scheduler.NewScheduler(engine, oracle, &scheduler.SchedulerConfig{
		SyncInterval: cfg.Sync.Interval,
		PassTimeout:  cfg.Sync.PassTimeout,
	})

	feed := location.NewFeed(cfg.Location.SampleInterval)
	patrols := patrol.NewService(patrol.Deps{
		Store:       repo,
		Queue:       q,
		Router:      router,
		Remote:      store,
		Assignments: store,
		Oracle:      oracle,
		Resolver:    location.NewResolver(feed, q),
		Syncer:      sched,
	}, patrol.Config{
		AutoCompleteDelay:  cfg.Patrol.AutoCompleteDelay,
		InteractiveTimeout: cfg.Location.InteractiveTimeout,
		SampleInterval:     cfg.Location.SampleInterval,
		SampleTimeout:      cfg.Location.SampleTimeout,
	})
	defer patrols.Close()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := NewWSHub(hubCtx, cfg.API.AllowOrigins)
	engine.SetEventHandler(hub)
	patrols.SetEventHandler(hub)

	resumed, err := patrols.Resume(ctx)
	if err != nil {
		return fmt.Errorf("failed to resume patrols: %w", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: cfg.API.Addr,
		Handler: handlers.NewRouter(cfg.API,
			handlers.NewPatrolHandler(patrols, feed),
			handlers.NewSyncHandler(patrols, sched, engine),
			hub.HandleWebSocket),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Patrol agent listening", map[string]interface{}{
			"addr":            cfg.API.Addr,
			"device_id":       cfg.DeviceID,
			"remote_driver":   cfg.Remote.Driver,
			"resumed_patrols": resumed,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logging.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server forced to shutdown", err)
	}
	logging.Info("Patrol agent stopped")
	return nil
}
