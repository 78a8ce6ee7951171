// Package spawn launches and terminates worker child processes. The
// primary implementation allocates a pseudo-terminal and streams its
// output to a per-worker log file; a secondary implementation runs the
// child inside a named tmux session. Both implement the Spawner interface
// so the worker manager is agnostic to which is in use.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ProcessInfo describes a successfully spawned child.
type ProcessInfo struct {
	PID            int
	WorkerID       string
	Role           string
	ProjectPath    string
	LogFile        string
	StartedAt      time.Time
	WorktreePath   string
	WorktreeBranch string

	// Handle is opaque state the Spawner implementation needs later to
	// terminate the process (e.g. the *os.Process and PTY master fd, or
	// the tmux session name). Only the Spawner that created it should
	// interpret it.
	Handle any
}

// Error is the error kind the spawner produces: invalid role, missing
// prompt file, launch failure, or immediate child exit.
type Error struct {
	Role     string
	WorkerID string
	Detail   string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Detail
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.WorkerID != "" {
		return fmt.Sprintf("spawning worker %s (role %s): %s", e.WorkerID, e.Role, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrUnknownRole is wrapped by Error.Cause when role is outside the closed
// set in constants.ValidRoles.
var ErrUnknownRole = errors.New("unknown role")

// Request describes what to spawn.
type Request struct {
	Role        string
	ProjectPath string
	WorkerID    string
	TownName    string
	// BeadID selects the single-task prompt over the polling prompt when
	// non-empty. This is the ONLY signal the Spawner uses to choose.
	BeadID string
	// Env is merged on top of the base worker environment; callers use it
	// to pass the heartbeat file path, which is worker-manager-owned.
	Env map[string]string
	// UseWorktrees enables per-worker isolated git checkouts.
	UseWorktrees bool
}

// Spawner is the abstract contract both concrete implementations satisfy.
type Spawner interface {
	// Spawn launches a child and returns its process info, or a *Error.
	Spawn(ctx context.Context, req Request) (ProcessInfo, error)
	// Terminate politely signals the process, waits up to timeout, then
	// forces termination. Returns the exit code, or nil if the process
	// never exited within the deadline.
	Terminate(ctx context.Context, info ProcessInfo, graceful bool, timeout time.Duration) (*int, error)
}
