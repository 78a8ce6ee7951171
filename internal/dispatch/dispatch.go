// Package dispatch runs a per-project polling loop that looks for ready
// work and spawns a one-shot worker to handle it when a role is idle.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/mabd/internal/constants"
	"github.com/steveyegge/mabd/internal/store"
	"github.com/steveyegge/mabd/internal/workers"
)

// DefaultInterval is the polling cadence used when a caller does not
// specify one.
const DefaultInterval = 5 * time.Second

// bdReadyTimeout bounds a single `bd ready` subprocess invocation.
const bdReadyTimeout = 10 * time.Second

// Bead is the subset of `bd ready`'s JSON output the dispatcher needs.
type Bead struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Priority int    `json:"priority"`
}

// Status reports the dispatcher's current configuration.
type Status struct {
	Enabled         bool
	ProjectPath     string
	Roles           []string
	IntervalSeconds float64
	TaskRunning     bool
}

// Dispatcher polls a single project for ready beads, one role at a time,
// and spawns a non-auto-restarting worker to pick up the highest-priority
// bead whenever a role has no active worker already.
type Dispatcher struct {
	manager *workers.Manager
	logger  *slog.Logger

	// bdReady runs `bd ready` for a role against a project and returns the
	// parsed beads. Overridable in tests.
	bdReady func(ctx context.Context, role, projectPath string) []Bead

	// dbReady reports whether a project's bead database is present.
	// Defaults to a direct stat; SetDBWatcher replaces it with an
	// fsnotify-backed check so the common case avoids a syscall per poll.
	dbReady func(projectPath string) bool

	mu          sync.Mutex
	enabled     bool
	projectPath string
	roles       []string
	interval    time.Duration

	active map[string]map[string]bool // projectPath -> role -> has active worker

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Dispatcher over manager. logger may be nil.
func New(manager *workers.Manager, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		manager:  manager,
		logger:   logger,
		interval: DefaultInterval,
		active:   make(map[string]map[string]bool),
	}
	d.bdReady = d.runBdReady
	d.dbReady = func(projectPath string) bool {
		_, err := os.Stat(filepath.Join(projectPath, ".beads", "beads.db"))
		return err == nil
	}
	return d
}

// DBWatcher is satisfied by *town.DBWatcher; kept as an interface here to
// avoid an import cycle between dispatch and town.
type DBWatcher interface {
	IsReady(projectPath string) bool
}

// SetDBWatcher replaces the default per-call stat with watcher's cached
// readiness state.
func (d *Dispatcher) SetDBWatcher(watcher DBWatcher) {
	d.dbReady = watcher.IsReady
}

// Start configures and enables the dispatch loop, launching its background
// goroutine if one is not already running. roles defaults to every known
// role when empty.
func (d *Dispatcher) Start(projectPath string, roles []string, interval time.Duration) error {
	if projectPath == "" {
		return fmt.Errorf("starting dispatch: project_path is required")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if len(roles) == 0 {
		for role := range constants.RoleToLabel {
			roles = append(roles, role)
		}
		sort.Strings(roles)
	}

	d.mu.Lock()
	d.enabled = true
	d.projectPath = projectPath
	d.roles = roles
	d.interval = interval
	alreadyRunning := d.running
	d.mu.Unlock()

	if alreadyRunning {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.mu.Lock()
	d.cancel = cancel
	d.done = done
	d.running = true
	d.mu.Unlock()

	go func() {
		defer close(done)
		d.loop(ctx)
	}()
	return nil
}

// Stop disables the dispatch loop. The background goroutine notices on its
// next tick and exits; Stop does not block waiting for it.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.enabled = false
	d.mu.Unlock()
}

// Shutdown disables the loop and cancels its context, then waits for the
// goroutine to exit.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.enabled = false
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// GetStatus reports the dispatcher's current configuration.
func (d *Dispatcher) GetStatus() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Enabled:         d.enabled,
		ProjectPath:     d.projectPath,
		Roles:           append([]string(nil), d.roles...),
		IntervalSeconds: d.interval.Seconds(),
		TaskRunning:     d.running,
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	for {
		d.mu.Lock()
		enabled := d.enabled
		projectPath := d.projectPath
		roles := append([]string(nil), d.roles...)
		interval := d.interval
		d.mu.Unlock()

		if !enabled || projectPath == "" {
			return
		}

		for _, role := range roles {
			if ctx.Err() != nil {
				return
			}
			if err := d.dispatchForRole(ctx, role, projectPath); err != nil {
				d.logger.Warn("dispatch cycle failed", "role", role, "project", projectPath, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// dispatchForRole spawns a worker for the next ready bead assigned to role,
// unless a worker is already active for that (project, role) pair.
func (d *Dispatcher) dispatchForRole(ctx context.Context, role, projectPath string) error {
	d.mu.Lock()
	if d.active[projectPath] != nil && d.active[projectPath][role] {
		d.mu.Unlock()
		if d.hasLiveWorker(projectPath, role) {
			return nil
		}
		delete(d.active[projectPath], role)
	} else {
		d.mu.Unlock()
	}

	beads := d.bdReady(ctx, role, projectPath)
	if len(beads) == 0 {
		return nil
	}

	bead := beads[0]
	w, err := d.manager.Spawn(ctx, workers.SpawnRequest{
		Role:        role,
		ProjectPath: projectPath,
		AutoRestart: false,
		BeadID:      bead.ID,
	})
	if err != nil {
		d.logger.Warn("dispatch spawn failed", "role", role, "bead", bead.ID, "error", err)
		return nil
	}

	d.mu.Lock()
	if d.active[projectPath] == nil {
		d.active[projectPath] = make(map[string]bool)
	}
	d.active[projectPath][role] = true
	d.mu.Unlock()

	d.logger.Info("dispatched worker for bead", "worker", w.ID, "role", role, "bead", bead.ID)
	return nil
}

// hasLiveWorker reports whether any worker record for (projectPath, role)
// is still in a running/starting state.
func (d *Dispatcher) hasLiveWorker(projectPath, role string) bool {
	running, err := d.manager.List(store.WorkerFilter{ProjectPath: projectPath, Role: role, Status: store.WorkerRunning})
	if err != nil {
		return false
	}
	if len(running) > 0 {
		return true
	}
	starting, err := d.manager.List(store.WorkerFilter{ProjectPath: projectPath, Role: role, Status: store.WorkerStarting})
	if err != nil {
		return false
	}
	return len(starting) > 0
}

// runBdReady shells out to `bd ready`, filtering by the role's label
// unless the role has none (the manager role), and returns the parsed
// bead list. Any failure (binary missing, non-zero exit, invalid JSON,
// timeout) yields an empty slice rather than an error, since an empty
// queue and a broken `bd` invocation look the same to the dispatch loop.
func (d *Dispatcher) runBdReady(ctx context.Context, role, projectPath string) []Bead {
	bdPath, err := exec.LookPath("bd")
	if err != nil {
		return nil
	}

	if !d.dbReady(projectPath) {
		return nil
	}

	args := []string{"ready", "--json"}
	if label := constants.RoleToLabel[role]; label != constants.NoLabelFilter {
		args = append(args, "-l", label)
	}

	runCtx, cancel := context.WithTimeout(ctx, bdReadyTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bdPath, args...)
	cmd.Dir = projectPath
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil
	}

	var beads []Bead
	if err := json.Unmarshal(out, &beads); err != nil {
		return nil
	}
	return beads
}
