package spawn

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/steveyegge/mabd/internal/config"
	"github.com/steveyegge/mabd/internal/constants"
	gitutil "github.com/steveyegge/mabd/internal/git"
)

// startupProbeDelay is how long PTYSpawner waits after launch to detect an
// immediate crash, mirroring the Python source's 0.2s post-spawn sleep.
const startupProbeDelay = 200 * time.Millisecond

// ptyHandle is the opaque Handle a ProcessInfo carries for a PTY-spawned
// worker: the OS process and the PTY master, needed later to terminate.
type ptyHandle struct {
	process *os.Process
	master  *os.File
}

// PTYSpawner allocates a pseudo-terminal pair, forks a child whose stdio
// is the PTY slave, and starts a background goroutine that streams PTY
// output to a per-worker log file.
type PTYSpawner struct {
	LogsDir    string
	ClaudePath string
	PromptsDir func(projectPath string) string // defaults to <project>/prompts

	mu sync.Mutex
}

// NewPTYSpawner returns a PTYSpawner writing logs under logsDir.
func NewPTYSpawner(logsDir, claudePath string) *PTYSpawner {
	return &PTYSpawner{LogsDir: logsDir, ClaudePath: claudePath}
}

func (s *PTYSpawner) promptsDir(projectPath string) string {
	if s.PromptsDir != nil {
		return s.PromptsDir(projectPath)
	}
	return filepath.Join(projectPath, "prompts")
}

// Spawn implements Spawner.
func (s *PTYSpawner) Spawn(ctx context.Context, req Request) (ProcessInfo, error) {
	if !constants.ValidRoles[req.Role] {
		return ProcessInfo{}, &Error{Role: req.Role, WorkerID: req.WorkerID, Detail: "invalid role", Cause: ErrUnknownRole}
	}

	project, err := filepath.Abs(req.ProjectPath)
	if err != nil {
		return ProcessInfo{}, &Error{Role: req.Role, WorkerID: req.WorkerID, Detail: "resolving project path", Cause: err}
	}
	if info, err := os.Stat(project); err != nil || !info.IsDir() {
		return ProcessInfo{}, &Error{Role: req.Role, WorkerID: req.WorkerID, Detail: fmt.Sprintf("project path not found: %s", project)}
	}

	if err := os.MkdirAll(s.LogsDir, 0o755); err != nil {
		return ProcessInfo{}, &Error{Role: req.Role, WorkerID: req.WorkerID, Detail: "creating logs directory", Cause: err}
	}

	timestamp := time.Now().Format("20060102_150405")
	logFilePath := constants.LogPath(s.LogsDir, req.WorkerID, timestamp)

	workingDir := project
	var worktreePath, worktreeBranch string
	if req.UseWorktrees && gitutil.IsRepo(ctx, project) {
		path, branch, werr := gitutil.CreateWorktree(ctx, project, req.WorkerID, req.BeadID)
		if werr != nil {
			// Fall back to the shared project directory; worktree
			// failure is not itself a spawn failure.
			workingDir = project
		} else {
			workingDir, worktreePath, worktreeBranch = path, path, branch
		}
	}

	promptContent, err := s.readPromptFile(req.Role, project)
	if err != nil {
		return ProcessInfo{}, &Error{Role: req.Role, WorkerID: req.WorkerID, Detail: "reading prompt file", Cause: err}
	}
	fullPrompt := BuildPrompt(req.Role, promptContent, req.WorkerID, req.BeadID)

	cmd := exec.Command(s.ClaudePath, "-p", fullPrompt)
	cmd.Dir = workingDir
	cmd.Env = buildEnviron(req, project, workingDir, worktreePath, worktreeBranch)

	logFile, err := os.OpenFile(logFilePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return ProcessInfo{}, &Error{Role: req.Role, WorkerID: req.WorkerID, Detail: "opening log file", Cause: err}
	}

	fmt.Fprintf(logFile, "=== Worker Spawn Log ===\nWorker ID: %s\nRole: %s\nProject: %s\nWorking Directory: %s\nStarted: %s\n%s\n\n",
		req.WorkerID, req.Role, project, workingDir, time.Now().Format(time.RFC3339), dashes(40))

	master, err := pty.Start(cmd)
	if err != nil {
		logFile.Close()
		return ProcessInfo{}, &Error{Role: req.Role, WorkerID: req.WorkerID, Detail: "starting pty process", Cause: err}
	}

	// The worker has no interactive user on the other end, so put the pty
	// in raw mode: no local echo, no line buffering, control sequences
	// pass through to the log untouched instead of doubled up by the
	// line discipline.
	if _, err := term.MakeRaw(int(master.Fd())); err != nil {
		fmt.Fprintf(logFile, "warning: could not set pty raw mode: %v\n", err)
	}

	go copyPTYToLog(master, logFile, req.WorkerID)

	time.Sleep(startupProbeDelay)

	if processExited(cmd.Process) {
		fmt.Fprintf(logFile, "\n%s\n=== PROCESS CRASHED ===\nCrashed At: %s\n%s\n",
			dashes(40), time.Now().Format(time.RFC3339), dashes(40))
		master.Close()
		logFile.Close()
		if worktreePath != "" {
			gitutil.RemoveWorktree(ctx, project, worktreePath)
		}
		return ProcessInfo{}, &Error{
			Role: req.Role, WorkerID: req.WorkerID,
			Detail: fmt.Sprintf("worker process exited immediately; see %s", logFilePath),
		}
	}

	return ProcessInfo{
		PID:            cmd.Process.Pid,
		WorkerID:       req.WorkerID,
		Role:           req.Role,
		ProjectPath:    project,
		LogFile:        logFilePath,
		StartedAt:      time.Now(),
		WorktreePath:   worktreePath,
		WorktreeBranch: worktreeBranch,
		Handle:         ptyHandle{process: cmd.Process, master: master},
	}, nil
}

// processExited is a best-effort non-blocking liveness probe used only
// during the startup window, before the caller has registered a Wait. It
// polls with WNOHANG so a child that already exited (a zombie, which a
// signal-0 probe would still report as alive) is detected and reaped.
func processExited(p *os.Process) bool {
	if p == nil {
		return true
	}
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(p.Pid, &ws, unix.WNOHANG, nil)
	return err != nil || wpid == p.Pid
}

func dashes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '='
	}
	return string(b)
}

func buildEnviron(req Request, project, workingDir, worktreePath, worktreeBranch string) []string {
	env := config.WorkerEnv{
		WorkerID:       req.WorkerID,
		Role:           req.Role,
		ProjectPath:    project,
		WorkingDir:     workingDir,
		LogFile:        filepath.Join(project, "claude.log"),
		TownName:       req.TownName,
		WorktreePath:   worktreePath,
		WorktreeBranch: worktreeBranch,
	}
	vars := env.Build()
	for k, v := range req.Env {
		vars[k] = v
	}

	base := os.Environ()
	for k, v := range vars {
		base = append(base, k+"="+v)
	}
	return base
}

func (s *PTYSpawner) readPromptFile(role, projectPath string) (string, error) {
	name, ok := constants.RoleToPromptFile[role]
	if !ok {
		return "", fmt.Errorf("no prompt file mapping for role %q", role)
	}
	path := filepath.Join(s.promptsDir(projectPath), name)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// copyPTYToLog streams PTY output to the log file until either side
// closes, then appends a session-end marker with the total byte count.
func copyPTYToLog(master *os.File, logFile *os.File, workerID string) {
	defer logFile.Close()
	defer master.Close()

	written, err := io.Copy(logFile, bufio.NewReader(master))
	marker := fmt.Sprintf("\n%s\n=== SESSION ENDED ===\nBytes logged: %d\nTime: %s\n%s\n",
		dashes(40), written, time.Now().Format(time.RFC3339), dashes(40))
	if err != nil && err != io.EOF {
		marker = fmt.Sprintf("\n%s\n=== LOG STREAM ERROR ===\nError: %v\nBytes logged: %d\nTime: %s\n%s\n",
			dashes(40), err, written, time.Now().Format(time.RFC3339), dashes(40))
	}
	fmt.Fprint(logFile, marker)
}

// Terminate implements Spawner: sends SIGTERM (if graceful) then SIGKILL
// after the deadline, tearing down the worktree if one was created.
func (s *PTYSpawner) Terminate(ctx context.Context, info ProcessInfo, graceful bool, timeout time.Duration) (*int, error) {
	h, ok := info.Handle.(ptyHandle)
	if !ok || h.process == nil {
		return nil, fmt.Errorf("terminating %s: no process handle", info.WorkerID)
	}

	done := make(chan *os.ProcessState, 1)
	go func() {
		state, _ := h.process.Wait()
		done <- state
	}()

	if graceful {
		_ = h.process.Signal(unix.SIGTERM)
		select {
		case state := <-done:
			return exitCodeOf(state), s.cleanupWorktree(ctx, info)
		case <-time.After(timeout):
		}
	}

	_ = h.process.Signal(unix.SIGKILL)
	select {
	case state := <-done:
		return exitCodeOf(state), s.cleanupWorktree(ctx, info)
	case <-time.After(5 * time.Second):
		return nil, s.cleanupWorktree(ctx, info)
	}
}

func (s *PTYSpawner) cleanupWorktree(ctx context.Context, info ProcessInfo) error {
	if info.WorktreePath == "" {
		return nil
	}
	gitutil.RemoveWorktree(ctx, info.ProjectPath, info.WorktreePath)
	return nil
}

func exitCodeOf(state *os.ProcessState) *int {
	if state == nil {
		return nil
	}
	code := state.ExitCode()
	return &code
}
