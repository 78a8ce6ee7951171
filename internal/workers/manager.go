// Package workers owns the lifecycle of spawned worker processes: spawning
// them through a spawn.Spawner, tracking liveness via PID probes and
// heartbeat files, detecting crashes, and scheduling backed-off
// auto-restarts. It is the process supervisor sitting above the raw
// spawn.Spawner and below the RPC-facing daemon.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/steveyegge/mabd/internal/config"
	"github.com/steveyegge/mabd/internal/constants"
	gitutil "github.com/steveyegge/mabd/internal/git"
	"github.com/steveyegge/mabd/internal/spawn"
	"github.com/steveyegge/mabd/internal/store"
)

// ErrNotFound is returned when an operation references an unknown worker id.
var ErrNotFound = store.ErrNotFound

// HealthStatus summarizes the worker population's health at a point in time.
type HealthStatus struct {
	HealthyWorkers       int
	UnhealthyWorkers     int
	CrashedWorkers       int
	TotalRestarts        int
	WorkersAtMaxRestarts int
	Config               config.HealthConfig
}

// SpawnRequest describes a worker to spawn. TownName defaults to "default"
// when empty.
type SpawnRequest struct {
	Role        string
	ProjectPath string
	TownName    string
	AutoRestart bool
	BeadID      string
}

// Manager supervises the full population of worker processes for a single
// daemon instance. One Manager owns one store.Store and one spawn.Spawner;
// its in-memory maps (active process handles, pending restarts) do not
// survive a daemon restart, so every operation that needs process state
// falls back to the persisted worker record first.
type Manager struct {
	store        *store.Store
	spawner      spawn.Spawner
	heartbeatDir string
	health       config.HealthConfig
	useWorktrees bool
	logger       *slog.Logger

	mu              sync.Mutex
	active          map[string]spawn.ProcessInfo
	pendingRestarts map[string]context.CancelFunc
	wg              sync.WaitGroup
}

// NewManager builds a Manager. logger may be nil, in which case
// slog.Default() is used.
func NewManager(st *store.Store, spawner spawn.Spawner, heartbeatDir string, health config.HealthConfig, useWorktrees bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:           st,
		spawner:         spawner,
		heartbeatDir:    heartbeatDir,
		health:          health,
		useWorktrees:    useWorktrees,
		logger:          logger,
		active:          make(map[string]spawn.ProcessInfo),
		pendingRestarts: make(map[string]context.CancelFunc),
	}
}

func generateWorkerID(role string) string {
	id := uuid.New().String()
	return fmt.Sprintf("worker-%s-%s", role, id[:8])
}

// isProcessRunning reports whether pid refers to a live process, probed
// with a zero signal (no actual delivery).
func isProcessRunning(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// Spawn starts a new worker, persisting its record before and after the
// launch attempt so a crash mid-spawn still leaves an auditable row.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (store.Worker, error) {
	if !constants.ValidRoles[req.Role] {
		return store.Worker{}, fmt.Errorf("spawning worker: invalid role %q", req.Role)
	}
	townName := req.TownName
	if townName == "" {
		townName = "default"
	}

	w := store.Worker{
		ID:          generateWorkerID(req.Role),
		Role:        req.Role,
		ProjectPath: req.ProjectPath,
		Status:      store.WorkerStarting,
		CreatedAt:   time.Now().UTC(),
		AutoRestart: req.AutoRestart,
		TownName:    townName,
	}
	if req.BeadID != "" {
		w.BeadID = &req.BeadID
	}
	if err := m.store.InsertWorker(w); err != nil {
		return store.Worker{}, fmt.Errorf("spawning worker: %w", err)
	}

	info, err := m.spawnProcess(ctx, w)
	if err != nil {
		w.Status = store.WorkerFailed
		msg := err.Error()
		w.ErrorMessage = &msg
		if uerr := m.store.UpdateWorker(w); uerr != nil {
			m.logger.Warn("recording failed spawn", "worker", w.ID, "error", uerr)
		}
		return store.Worker{}, fmt.Errorf("spawning worker %s: %w", w.ID, err)
	}

	pid := info.PID
	w.PID = &pid
	w.Status = store.WorkerRunning
	started := info.StartedAt.UTC()
	w.StartedAt = &started
	if info.WorktreePath != "" {
		w.WorktreePath = &info.WorktreePath
		w.WorktreeBranch = &info.WorktreeBranch
	}

	m.mu.Lock()
	m.active[w.ID] = info
	m.mu.Unlock()

	if err := writeHeartbeat(m.heartbeatDir, w.ID); err != nil {
		m.logger.Warn("writing initial heartbeat", "worker", w.ID, "error", err)
	}
	hbNow := time.Now().UTC()
	w.LastHeartbeat = &hbNow

	if err := m.store.UpdateWorker(w); err != nil {
		return store.Worker{}, fmt.Errorf("recording spawned worker %s: %w", w.ID, err)
	}
	m.logger.Info("worker spawned", "worker", w.ID, "role", w.Role, "pid", pid)
	return w, nil
}

func (m *Manager) spawnProcess(ctx context.Context, w store.Worker) (spawn.ProcessInfo, error) {
	env := map[string]string{
		constants.EnvWorkerHeartbeat: heartbeatPath(m.heartbeatDir, w.ID),
		constants.EnvWorkerTown:      w.TownName,
	}
	beadID := ""
	if w.BeadID != nil {
		beadID = *w.BeadID
	}
	return m.spawner.Spawn(ctx, spawn.Request{
		Role:         w.Role,
		ProjectPath:  w.ProjectPath,
		WorkerID:     w.ID,
		TownName:     w.TownName,
		BeadID:       beadID,
		Env:          env,
		UseWorktrees: m.useWorktrees,
	})
}

// Stop stops a single worker. If the worker is not running or starting,
// its current record is returned unchanged.
func (m *Manager) Stop(ctx context.Context, workerID string, graceful bool, timeout time.Duration) (store.Worker, error) {
	w, err := m.store.GetWorker(workerID)
	if err != nil {
		return store.Worker{}, err
	}
	if w.Status != store.WorkerRunning && w.Status != store.WorkerStarting {
		return w, nil
	}

	w.Status = store.WorkerStopping
	if err := m.store.UpdateWorker(w); err != nil {
		return store.Worker{}, err
	}

	m.mu.Lock()
	info, hasInfo := m.active[workerID]
	m.mu.Unlock()

	if hasInfo {
		exitCode, terr := m.spawner.Terminate(ctx, info, graceful, timeout)
		if terr != nil {
			m.logger.Warn("terminating worker", "worker", workerID, "error", terr)
		}
		w.ExitCode = exitCode
	} else if w.PID != nil {
		terminateByPID(*w.PID, graceful, timeout)
	}

	m.mu.Lock()
	delete(m.active, workerID)
	m.mu.Unlock()
	cleanupHeartbeat(m.heartbeatDir, workerID)

	if w.WorktreePath != nil {
		if root := gitutil.Root(ctx, w.ProjectPath); root != "" {
			gitutil.RemoveWorktree(ctx, root, *w.WorktreePath)
		}
		w.WorktreePath = nil
		w.WorktreeBranch = nil
	}

	w.Status = store.WorkerStopped
	stopped := time.Now().UTC()
	w.StoppedAt = &stopped
	if err := m.store.UpdateWorker(w); err != nil {
		return store.Worker{}, err
	}
	m.logger.Info("worker stopped", "worker", workerID)
	return w, nil
}

// terminateByPID is the fallback path used when the manager holds no
// in-memory ProcessInfo for the worker (e.g. after a daemon restart).
func terminateByPID(pid int, graceful bool, timeout time.Duration) {
	if !graceful {
		_ = unix.Kill(pid, unix.SIGKILL)
		return
	}
	_ = unix.Kill(pid, unix.SIGTERM)
	deadline := time.Now().Add(timeout)
	for isProcessRunning(pid) {
		if time.Now().After(deadline) {
			_ = unix.Kill(pid, unix.SIGKILL)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// StopAll stops every currently running worker, continuing past individual
// failures so one stuck worker cannot block the rest.
func (m *Manager) StopAll(ctx context.Context, graceful bool, timeout time.Duration) ([]store.Worker, error) {
	running, err := m.store.ListWorkers(store.WorkerFilter{Status: store.WorkerRunning})
	if err != nil {
		return nil, err
	}
	var stopped []store.Worker
	for _, w := range running {
		sw, err := m.Stop(ctx, w.ID, graceful, timeout)
		if err != nil {
			m.logger.Warn("stopping worker during stop-all", "worker", w.ID, "error", err)
			continue
		}
		stopped = append(stopped, sw)
	}
	return stopped, nil
}

// Get returns a single worker by id.
func (m *Manager) Get(workerID string) (store.Worker, error) {
	return m.store.GetWorker(workerID)
}

// List returns workers matching the filter.
func (m *Manager) List(filter store.WorkerFilter) ([]store.Worker, error) {
	return m.store.ListWorkers(filter)
}

// CountRunning counts currently running workers, optionally scoped to a town.
func (m *Manager) CountRunning(townName string) (int, error) {
	return m.store.CountWorkers(store.WorkerFilter{Status: store.WorkerRunning, TownName: townName})
}

// HealthCheck probes every running worker for liveness and heartbeat
// freshness, marking any that fail as crashed. It returns the workers
// transitioned to crashed.
func (m *Manager) HealthCheck(ctx context.Context) ([]store.Worker, error) {
	running, err := m.store.ListWorkers(store.WorkerFilter{Status: store.WorkerRunning})
	if err != nil {
		return nil, err
	}

	var crashed []store.Worker
	for _, w := range running {
		healthy, err := m.checkWorkerHealth(&w)
		if err != nil {
			m.logger.Warn("checking worker health", "worker", w.ID, "error", err)
		}
		if healthy {
			continue
		}

		w.Status = store.WorkerCrashed
		w.CrashCount++
		stopped := time.Now().UTC()
		w.StoppedAt = &stopped
		if err := m.store.UpdateWorker(w); err != nil {
			return nil, fmt.Errorf("marking worker %s crashed: %w", w.ID, err)
		}
		crashed = append(crashed, w)

		m.mu.Lock()
		delete(m.active, w.ID)
		m.mu.Unlock()
		cleanupHeartbeat(m.heartbeatDir, w.ID)
		m.logger.Warn("worker crashed", "worker", w.ID, "crash_count", w.CrashCount)
	}
	return crashed, nil
}

func (m *Manager) checkWorkerHealth(w *store.Worker) (bool, error) {
	if w.PID != nil && !isProcessRunning(*w.PID) {
		return false, nil
	}

	hb, ok := readHeartbeat(m.heartbeatDir, w.ID)
	if !ok {
		return true, nil
	}
	if time.Since(hb) > m.health.HeartbeatTimeout() {
		return false, nil
	}
	w.LastHeartbeat = &hb
	if err := m.store.UpdateWorker(*w); err != nil {
		return true, err
	}
	return true, nil
}

// AutoRestart schedules a backed-off restart attempt for a crashed worker.
// It returns true if a restart was scheduled, false if skipped (disabled
// globally or per-worker, already pending, or at or past the max restart
// count).
func (m *Manager) AutoRestart(worker store.Worker) bool {
	if !m.health.AutoRestartEnabled {
		return false
	}
	if !worker.AutoRestart {
		return false
	}

	if worker.CrashCount >= m.health.MaxRestartCount {
		worker.AutoRestart = false
		msg := fmt.Sprintf("exceeded max restart count (%d)", m.health.MaxRestartCount)
		worker.ErrorMessage = &msg
		if err := m.store.UpdateWorker(worker); err != nil {
			m.logger.Warn("disabling auto-restart after max count", "worker", worker.ID, "error", err)
		}
		return false
	}

	m.mu.Lock()
	if _, pending := m.pendingRestarts[worker.ID]; pending {
		m.mu.Unlock()
		return false
	}
	restartCtx, cancel := context.WithCancel(context.Background())
	m.pendingRestarts[worker.ID] = cancel
	m.mu.Unlock()

	delay := calculateBackoff(worker.CrashCount, m.health.BackoffBase(), m.health.BackoffCap())
	m.logger.Info("scheduling auto-restart", "worker", worker.ID, "delay", delay, "crash_count", worker.CrashCount)

	m.wg.Add(1)
	go m.delayedRestart(restartCtx, worker, delay)
	return true
}

func (m *Manager) delayedRestart(ctx context.Context, worker store.Worker, delay time.Duration) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.pendingRestarts, worker.ID)
		m.mu.Unlock()
	}()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	current, err := m.store.GetWorker(worker.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("loading worker for restart", "worker", worker.ID, "error", err)
		}
		return
	}
	if current.Status != store.WorkerCrashed && current.Status != store.WorkerFailed {
		return
	}
	if !current.AutoRestart {
		return
	}

	if _, err := m.restartWorker(context.Background(), current); err != nil {
		m.logger.Error("auto-restart failed", "worker", worker.ID, "error", err)
		msg := fmt.Sprintf("restart failed: %v", err)
		current.ErrorMessage = &msg
		current.Status = store.WorkerFailed
		if uerr := m.store.UpdateWorker(current); uerr != nil {
			m.logger.Warn("recording failed restart", "worker", worker.ID, "error", uerr)
		}
		return
	}
	m.logger.Info("worker restarted", "worker", worker.ID)
}

func (m *Manager) restartWorker(ctx context.Context, w store.Worker) (store.Worker, error) {
	restartAt := time.Now().UTC()
	w.LastRestartAt = &restartAt

	info, err := m.spawnProcess(ctx, w)
	if err != nil {
		return store.Worker{}, fmt.Errorf("restarting worker %s: %w", w.ID, err)
	}

	pid := info.PID
	w.PID = &pid
	w.Status = store.WorkerRunning
	started := info.StartedAt.UTC()
	w.StartedAt = &started
	w.StoppedAt = nil
	w.ExitCode = nil
	w.ErrorMessage = nil
	if info.WorktreePath != "" {
		w.WorktreePath = &info.WorktreePath
		w.WorktreeBranch = &info.WorktreeBranch
	}

	m.mu.Lock()
	m.active[w.ID] = info
	m.mu.Unlock()

	if err := writeHeartbeat(m.heartbeatDir, w.ID); err != nil {
		m.logger.Warn("writing restart heartbeat", "worker", w.ID, "error", err)
	}
	hbNow := time.Now().UTC()
	w.LastHeartbeat = &hbNow

	if err := m.store.UpdateWorker(w); err != nil {
		return store.Worker{}, err
	}
	return w, nil
}

// GetHealthStatus summarizes the current health of the worker population.
func (m *Manager) GetHealthStatus() (HealthStatus, error) {
	all, err := m.store.ListWorkers(store.WorkerFilter{})
	if err != nil {
		return HealthStatus{}, err
	}

	status := HealthStatus{Config: m.health}
	for _, w := range all {
		status.TotalRestarts += w.CrashCount
		if w.CrashCount >= m.health.MaxRestartCount {
			status.WorkersAtMaxRestarts++
		}
		switch w.Status {
		case store.WorkerCrashed:
			status.CrashedWorkers++
		case store.WorkerRunning:
			if hb, ok := readHeartbeat(m.heartbeatDir, w.ID); ok && time.Since(hb) <= m.health.HeartbeatTimeout() {
				status.HealthyWorkers++
			} else {
				status.UnhealthyWorkers++
			}
		}
	}
	return status, nil
}

// HealthCheckAndRestart runs a health sweep and schedules auto-restarts for
// any crashed worker that qualifies. It is the method the daemon's periodic
// health loop calls.
func (m *Manager) HealthCheckAndRestart(ctx context.Context) (crashed, scheduled []store.Worker, err error) {
	crashed, err = m.HealthCheck(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range crashed {
		if m.health.AutoRestartEnabled && w.AutoRestart && m.AutoRestart(w) {
			scheduled = append(scheduled, w)
		}
	}
	return crashed, scheduled, nil
}

// CancelPendingRestarts cancels every in-flight delayed restart and returns
// the number cancelled. Used during daemon shutdown.
func (m *Manager) CancelPendingRestarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, cancel := range m.pendingRestarts {
		cancel()
		n++
		delete(m.pendingRestarts, id)
	}
	return n
}

// Wait blocks until every pending restart goroutine has exited. Call after
// CancelPendingRestarts during shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}
