package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/forgeworks/specforge/internal/bus"
	"github.com/forgeworks/specforge/internal/cache"
	"github.com/forgeworks/specforge/internal/capability"
	"github.com/forgeworks/specforge/internal/config"
	"github.com/forgeworks/specforge/internal/janitor"
	"github.com/forgeworks/specforge/internal/notify"
	"github.com/forgeworks/specforge/internal/pipeline"
)

const (
	// workerPollInterval bounds how long an idle worker waits before
	// re-checking the queue when no wakeup arrives. Retry backoffs
	// come due on this cadence too.
	workerPollInterval = 500 * time.Millisecond

	shutdownGrace = 5 * time.Second
)

// DaemonOptions carries collaborators the daemon manages beyond the
// pipeline dependencies.
type DaemonOptions struct {
	// Source enables capability hot reload when a catalog dir changes.
	// Nil disables the watcher.
	Source *capability.DirSource

	// Cache is swept by the janitor, usually the router's route cache.
	Cache *cache.Cache

	Logger *slog.Logger
}

// Daemon runs pipeline workers, the janitor, the notify dispatcher and
// the HTTP gateway as one unit.
type Daemon struct {
	cfg    config.Config
	deps   pipeline.Deps
	opts   DaemonOptions
	logger *slog.Logger

	workers  []*pipeline.Orchestrator
	jan      *janitor.Janitor
	dispatch *notify.Dispatcher
	server   *Server

	mu   sync.Mutex
	addr string

	wg sync.WaitGroup
}

func NewDaemon(cfg config.Config, deps pipeline.Deps, opts DaemonOptions) (*Daemon, error) {
	if deps.Bus == nil {
		return nil, fmt.Errorf("daemon: event bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// The gateway gets its own orchestrator for Submit and Snapshot;
	// neither claims builds, so it never competes with the workers.
	apiOrch, err := pipeline.New(deps, pipeline.Options{})
	if err != nil {
		return nil, err
	}
	srv, err := New(Config{
		Store:        deps.Store,
		Orchestrator: apiOrch,
		Bus:          deps.Bus,
		AuthToken:    cfg.Gateway.AuthToken,
		AllowOrigins: cfg.Gateway.AllowOrigins,
	})
	if err != nil {
		return nil, err
	}

	n := cfg.Pipeline.Workers
	if n <= 0 {
		n = 1
	}
	workers := make([]*pipeline.Orchestrator, n)
	for i := range workers {
		// Each worker keeps its own lease owner id.
		if workers[i], err = pipeline.New(deps, pipeline.Options{}); err != nil {
			return nil, err
		}
	}

	jan, err := janitor.New(janitor.Config{
		Store:    deps.Store,
		Cache:    opts.Cache,
		Schedule: cfg.Janitor,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &Daemon{
		cfg:      cfg,
		deps:     deps,
		opts:     opts,
		logger:   logger,
		workers:  workers,
		jan:      jan,
		dispatch: notify.NewDispatcher(deps.Bus, logger, notify.FromConfig(cfg.Notify, logger)...),
		server:   srv,
	}, nil
}

// Addr reports the bound listen address once Run is serving. Empty when
// the gateway is disabled or not yet started.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Run blocks until ctx is canceled or the HTTP server fails, then shuts
// everything down in order: listener, janitor, dispatcher, workers.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Requeue builds orphaned by a previous crash before any worker
	// starts. No worker exists yet, so every RUNNING row is stale.
	recovered, err := d.deps.Store.RecoverRunningBuilds(ctx)
	if err != nil {
		return fmt.Errorf("daemon: crash recovery: %w", err)
	}
	if recovered > 0 {
		d.logger.Info("daemon: requeued interrupted builds", "count", recovered)
	}

	var srv *http.Server
	var serverErr chan error
	if d.cfg.Gateway.Enabled {
		ln, err := net.Listen("tcp", d.cfg.Gateway.BindAddr)
		if err != nil {
			return fmt.Errorf("daemon: listen %s: %w", d.cfg.Gateway.BindAddr, err)
		}
		d.mu.Lock()
		d.addr = ln.Addr().String()
		d.mu.Unlock()

		srv = &http.Server{
			Handler:           d.server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		serverErr = make(chan error, 1)
		go func() { serverErr <- srv.Serve(ln) }()
	}

	d.jan.Start(ctx)
	d.dispatch.Start(ctx)
	d.startCapabilityWatcher(ctx)

	for i, orch := range d.workers {
		d.wg.Add(1)
		go d.runWorker(ctx, i+1, orch)
	}

	d.logger.Info("daemon started", "addr", d.Addr(), "workers", len(d.workers))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("daemon: gateway server: %w", err)
		}
	}
	cancel()

	if srv != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := srv.Shutdown(shutCtx); err != nil {
			d.logger.Warn("daemon: gateway shutdown", "error", err)
		}
		shutCancel()
	}
	d.jan.Stop()
	d.dispatch.Stop()
	d.wg.Wait()
	d.logger.Info("daemon stopped")
	return runErr
}

// runWorker drains the ready queue, then sleeps until a build.created
// wakeup or the poll tick. The lease heartbeat inside the orchestrator
// keeps long builds from being requeued under this worker.
func (d *Daemon) runWorker(ctx context.Context, id int, orch *pipeline.Orchestrator) {
	defer d.wg.Done()
	log := d.logger.With("worker", id)

	sub := d.deps.Bus.Subscribe(bus.TopicBuildCreated)
	defer d.deps.Bus.Unsubscribe(sub)
	wake := sub.Ch()

	ticker := time.NewTicker(workerPollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			res, err := orch.RunNext(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("worker: build run failed", "error", err)
				break
			}
			if res == nil {
				break
			}
			log.Info("worker: build finished",
				"build_id", res.BuildID, "status", res.Status)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

func (d *Daemon) startCapabilityWatcher(ctx context.Context) {
	if d.opts.Source == nil || len(d.cfg.Capabilities.Dirs) == 0 {
		return
	}
	watcher := capability.NewWatcher(d.cfg.Capabilities.Dirs)
	if err := watcher.Start(ctx); err != nil {
		d.logger.Warn("daemon: capability watcher unavailable", "error", err)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for range watcher.Events() {
			n, err := d.opts.Source.Reload(ctx)
			if err != nil {
				d.logger.Warn("daemon: capability reload failed", "error", err)
				continue
			}
			d.logger.Info("daemon: capabilities reloaded", "count", n)
		}
	}()
}
