// Package daemon wires the State Store, Worker Manager, Dispatcher, and
// RPC Transport into the long-lived background process: singleton
// lock/pidfile lifecycle, signal handling, the health-check loop, RPC
// method registration, and graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/steveyegge/mabd/internal/config"
	"github.com/steveyegge/mabd/internal/constants"
	"github.com/steveyegge/mabd/internal/dispatch"
	"github.com/steveyegge/mabd/internal/rpc"
	"github.com/steveyegge/mabd/internal/spawn"
	"github.com/steveyegge/mabd/internal/store"
	"github.com/steveyegge/mabd/internal/town"
	"github.com/steveyegge/mabd/internal/workers"
)

// ErrAlreadyRunning is returned by Run when another daemon instance holds
// the lock file.
var ErrAlreadyRunning = fmt.Errorf("daemon already running (lock held by another process)")

// Daemon is the long-lived background process that supervises workers for
// every town under one home directory.
type Daemon struct {
	home      string
	logger    *slog.Logger
	startedAt time.Time

	store      *store.Store
	manager    *workers.Manager
	dispatcher *dispatch.Dispatcher
	towns      *town.Manager
	rpcServer  *rpc.Server
	health     config.HealthConfig

	lock *flock.Flock

	shutdownOnce sync.Once
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// Options configures New beyond what Config alone carries.
type Options struct {
	SpawnerKind  spawn.Kind
	ClaudePath   string
	UseWorktrees bool
}

// New builds a Daemon over cfg, opening its store, constructing its
// Spawner/Manager/Dispatcher, and registering every RPC handler. It does
// not yet bind the socket or acquire the singleton lock — call Run for
// that.
func New(cfg config.Config, opts Options) (*Daemon, error) {
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return nil, fmt.Errorf("creating home directory %s: %w", cfg.Home, err)
	}

	logPath := filepath.Join(cfg.Home, constants.DaemonLogFile)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(logFile, nil))

	st, err := store.Open(filepath.Join(cfg.Home, constants.DatabaseFile))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	sp, err := spawn.New(opts.SpawnerKind, filepath.Join(cfg.Home, constants.LogsDirName), opts.ClaudePath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("constructing spawner: %w", err)
	}

	heartbeatDir := filepath.Join(cfg.Home, constants.HeartbeatDirName)
	manager := workers.NewManager(st, sp, heartbeatDir, cfg.Health, opts.UseWorktrees, logger.With("component", "workers"))
	dispatcher := dispatch.New(manager, logger.With("component", "dispatch"))
	towns := town.NewManager(st)

	d := &Daemon{
		home:       cfg.Home,
		logger:     logger,
		startedAt:  time.Now(),
		store:      st,
		manager:    manager,
		dispatcher: dispatcher,
		towns:      towns,
		health:     cfg.Health,
		rpcServer:  rpc.NewServer(filepath.Join(cfg.Home, constants.SocketFile), logger.With("component", "rpc")),
	}
	d.registerHandlers()
	return d, nil
}

// Run acquires the singleton lock, writes the pidfile, starts the RPC
// server and health-check loop, and blocks until ctx is cancelled or
// Shutdown is called. It always cleans up the lock and pidfile on return.
func (d *Daemon) Run(ctx context.Context) error {
	lockPath := filepath.Join(d.home, constants.DaemonLockFile)
	d.lock = flock.New(lockPath)
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer d.lock.Unlock()

	pidPath := filepath.Join(d.home, constants.DaemonPIDFile)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing pidfile: %w", err)
	}
	defer os.Remove(pidPath)

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.rpcServer.Serve(runCtx); err != nil {
			d.logger.Error("rpc server exited", "error", err)
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.healthLoop(runCtx)
	}()

	d.logger.Info("daemon started", "pid", os.Getpid(), "home", d.home)

	<-runCtx.Done()
	d.shutdown()
	d.wg.Wait()
	d.logger.Info("daemon stopped")
	return nil
}

// Shutdown requests an orderly stop: cancels the run context (unblocking
// Run) and lets its deferred cleanup execute. Safe to call multiple times
// and from any goroutine.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
	})
}

// shutdown performs the actual teardown sequence once the run context is
// cancelled: stop the dispatcher, cancel pending restarts, stop every
// running worker, drain the RPC server, then close the store. Mirrors
// the teacher's own cancel-restarts-then-stop-all-then-stop-rpc order.
func (d *Daemon) shutdown() {
	d.dispatcher.Shutdown()

	d.manager.CancelPendingRestarts()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := d.manager.StopAll(shutdownCtx, true, 10*time.Second); err != nil {
		d.logger.Warn("stopping workers", "error", err)
	}

	if err := d.rpcServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("rpc server shutdown", "error", err)
	}

	d.manager.Wait()

	if err := d.store.Close(); err != nil {
		d.logger.Warn("closing store", "error", err)
	}
}

// healthLoop runs HealthCheckAndRestart on the configured cadence until
// ctx is cancelled.
func (d *Daemon) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(d.health.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			crashed, scheduled, err := d.manager.HealthCheckAndRestart(ctx)
			if err != nil {
				d.logger.Warn("health check failed", "error", err)
				continue
			}
			if len(crashed) > 0 {
				d.logger.Warn("health check found crashed workers", "count", len(crashed), "restarts_scheduled", len(scheduled))
			}
		}
	}
}
