package spawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/steveyegge/mabd/internal/constants"
	gitutil "github.com/steveyegge/mabd/internal/git"
)

// tmuxHandle is the opaque Handle a ProcessInfo carries for a
// tmux-spawned worker: its session name.
type tmuxHandle struct {
	session string
}

// TmuxSpawner runs each worker inside a named tmux session instead of a
// raw PTY, trading the PTY copier for tmux's own pipe-pane logging.
// Session persistence means a worker survives a daemon restart; the
// tradeoff is a hard dependency on the tmux binary.
type TmuxSpawner struct {
	LogsDir    string
	ClaudePath string
	TmuxPath   string
	PromptsDir func(projectPath string) string
}

// NewTmuxSpawner returns a TmuxSpawner, auto-detecting tmux on PATH if
// tmuxPath is empty.
func NewTmuxSpawner(logsDir, claudePath, tmuxPath string) *TmuxSpawner {
	if tmuxPath == "" {
		tmuxPath = "tmux"
	}
	return &TmuxSpawner{LogsDir: logsDir, ClaudePath: claudePath, TmuxPath: tmuxPath}
}

func sessionName(workerID string) string {
	return "mab-" + workerID
}

func (s *TmuxSpawner) promptsDir(projectPath string) string {
	if s.PromptsDir != nil {
		return s.PromptsDir(projectPath)
	}
	return filepath.Join(projectPath, "prompts")
}

// IsAvailable reports whether the configured tmux binary can be found.
func (s *TmuxSpawner) IsAvailable() bool {
	path := s.TmuxPath
	if path == "" {
		path = "tmux"
	}
	_, err := exec.LookPath(path)
	return err == nil
}

// Spawn implements Spawner.
func (s *TmuxSpawner) Spawn(ctx context.Context, req Request) (ProcessInfo, error) {
	if !constants.ValidRoles[req.Role] {
		return ProcessInfo{}, &Error{Role: req.Role, WorkerID: req.WorkerID, Detail: "invalid role", Cause: ErrUnknownRole}
	}
	if !s.IsAvailable() {
		return ProcessInfo{}, &Error{Role: req.Role, WorkerID: req.WorkerID, Detail: "tmux not found on PATH"}
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
		if path, branch, werr := gitutil.CreateWorktree(ctx, project, req.WorkerID, req.BeadID); werr == nil {
			workingDir, worktreePath, worktreeBranch = path, path, branch
		}
	}

	name, ok := constants.RoleToPromptFile[req.Role]
	if !ok {
		return ProcessInfo{}, &Error{Role: req.Role, WorkerID: req.WorkerID, Detail: "no prompt file mapping for role"}
	}
	promptBytes, err := os.ReadFile(filepath.Join(s.promptsDir(project), name))
	if err != nil {
		return ProcessInfo{}, &Error{Role: req.Role, WorkerID: req.WorkerID, Detail: "reading prompt file", Cause: err}
	}
	fullPrompt := BuildPrompt(req.Role, string(promptBytes), req.WorkerID, req.BeadID)

	session := sessionName(req.WorkerID)
	env := buildEnviron(req, project, workingDir, worktreePath, worktreeBranch)

	newSession := exec.CommandContext(ctx, s.TmuxPath,
		"new-session", "-d", "-s", session, "-c", workingDir,
		s.ClaudePath, "-p", fullPrompt)
	newSession.Env = env
	if out, err := newSession.CombinedOutput(); err != nil {
		return ProcessInfo{}, &Error{Role: req.Role, WorkerID: req.WorkerID, Detail: fmt.Sprintf("tmux new-session: %s", out), Cause: err}
	}

	pipeCmd := exec.CommandContext(ctx, s.TmuxPath, "pipe-pane", "-t", session, "-o", "cat >> "+logFilePath)
	_ = pipeCmd.Run()

	pid, err := s.sessionPID(ctx, session)
	if err != nil {
		_ = s.killSession(ctx, session)
		return ProcessInfo{}, &Error{Role: req.Role, WorkerID: req.WorkerID, Detail: "resolving tmux session pid", Cause: err}
	}

	return ProcessInfo{
		PID:            pid,
		WorkerID:       req.WorkerID,
		Role:           req.Role,
		ProjectPath:    project,
		LogFile:        logFilePath,
		StartedAt:      time.Now(),
		WorktreePath:   worktreePath,
		WorktreeBranch: worktreeBranch,
		Handle:         tmuxHandle{session: session},
	}, nil
}

func (s *TmuxSpawner) sessionPID(ctx context.Context, session string) (int, error) {
	out, err := exec.CommandContext(ctx, s.TmuxPath, "list-panes", "-t", session, "-F", "#{pane_pid}").Output()
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(out), "%d", &pid); err != nil {
		return 0, fmt.Errorf("parsing pane pid %q: %w", out, err)
	}
	return pid, nil
}

func (s *TmuxSpawner) killSession(ctx context.Context, session string) error {
	return exec.CommandContext(ctx, s.TmuxPath, "kill-session", "-t", session).Run()
}

// Terminate implements Spawner: when graceful, sends C-c to the session
// and waits 500ms; then kills the tmux session and removes any worktree.
// The exit code is not observable through tmux, so it always returns nil.
func (s *TmuxSpawner) Terminate(ctx context.Context, info ProcessInfo, graceful bool, timeout time.Duration) (*int, error) {
	h, ok := info.Handle.(tmuxHandle)
	if !ok {
		return nil, fmt.Errorf("terminating %s: no tmux session handle", info.WorkerID)
	}
	if graceful {
		_ = exec.CommandContext(ctx, s.TmuxPath, "send-keys", "-t", h.session, "C-c").Run()
		time.Sleep(500 * time.Millisecond)
	}
	_ = s.killSession(ctx, h.session)
	if info.WorktreePath != "" {
		gitutil.RemoveWorktree(ctx, info.ProjectPath, info.WorktreePath)
	}
	return nil, nil
}

// IsTmuxAvailable reports whether tmux is installed and on PATH.
func IsTmuxAvailable() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// IsClaudeAvailable reports whether the claude CLI is installed and on
// PATH.
func IsClaudeAvailable() bool {
	_, err := exec.LookPath("claude")
	return err == nil
}
