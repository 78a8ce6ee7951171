// Package git shells out to the git binary for the narrow set of
// operations the spawner needs: detecting a repository, and creating,
// removing, and sweeping per-worker isolated worktrees. It deliberately
// keeps the teacher's and the original source's style of invoking the real
// git binary rather than a Go git implementation, since worktree/branch
// plumbing is exactly what the binary is for.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/steveyegge/mabd/internal/constants"
)

const shortTimeout = 5 * time.Second
const opTimeout = 30 * time.Second

func run(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// IsRepo reports whether path is inside a git repository.
func IsRepo(ctx context.Context, path string) bool {
	_, err := run(ctx, path, shortTimeout, "rev-parse", "--git-dir")
	return err == nil
}

// Root returns the top-level directory of the repository containing path,
// or "" if path is not inside a repository.
func Root(ctx context.Context, path string) string {
	out, err := run(ctx, path, shortTimeout, "rev-parse", "--show-toplevel")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// BranchName returns the branch a worktree should be created on: bead/<id>
// when a bead is assigned, worker/<id> otherwise.
func BranchName(workerID, beadID string) string {
	if beadID != "" {
		return "bead/" + beadID
	}
	return "worker/" + workerID
}

// CreateWorktree creates an isolated checkout for workerID under
// <repoRoot>/.worktrees/<workerID>, on BranchName(workerID, beadID),
// branched from HEAD. If a branch of that name already exists, it retries
// without -b, reusing the existing branch.
func CreateWorktree(ctx context.Context, repoRoot, workerID, beadID string) (path, branch string, err error) {
	worktreesDir := filepath.Join(repoRoot, constants.WorktreesDirName)
	if err := os.MkdirAll(worktreesDir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating worktrees directory: %w", err)
	}

	branch = BranchName(workerID, beadID)
	path = filepath.Join(worktreesDir, workerID)

	if _, statErr := os.Stat(path); statErr == nil {
		RemoveWorktree(ctx, repoRoot, path)
	}

	if _, err := run(ctx, repoRoot, opTimeout, "worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		// Branch may already exist; reuse it.
		out, err2 := run(ctx, repoRoot, opTimeout, "worktree", "add", path, branch)
		if err2 != nil {
			return "", "", fmt.Errorf("creating worktree for %s: %s: %w", workerID, out, err2)
		}
	}
	return path, branch, nil
}

// RemoveWorktree removes the worktree at path, forcing removal if the
// polite removal fails (e.g. uncommitted changes). Returns true on success.
func RemoveWorktree(ctx context.Context, repoRoot, path string) bool {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return true
	}
	if _, err := run(ctx, repoRoot, opTimeout, "worktree", "remove", path); err == nil {
		return true
	}
	_, err := run(ctx, repoRoot, opTimeout, "worktree", "remove", "--force", path)
	return err == nil
}

// CleanupStaleWorktrees removes every worktree under <repoRoot>/.worktrees
// whose directory name is not in activeWorkerIDs (nil means remove all),
// then prunes dangling worktree references. Returns the count removed.
func CleanupStaleWorktrees(ctx context.Context, repoRoot string, activeWorkerIDs map[string]bool) int {
	worktreesDir := filepath.Join(repoRoot, constants.WorktreesDirName)
	entries, err := os.ReadDir(worktreesDir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if activeWorkerIDs != nil && activeWorkerIDs[e.Name()] {
			continue
		}
		if RemoveWorktree(ctx, repoRoot, filepath.Join(worktreesDir, e.Name())) {
			removed++
		}
	}

	run(ctx, repoRoot, shortTimeout, "worktree", "prune")
	return removed
}

// Worktree describes one entry from `git worktree list --porcelain`.
type Worktree struct {
	Path   string
	Branch string
	Commit string
}

// ListWorktrees returns every worktree registered in the repository
// containing path.
func ListWorktrees(ctx context.Context, path string) []Worktree {
	root := Root(ctx, path)
	if root == "" {
		return nil
	}
	out, err := run(ctx, root, shortTimeout, "worktree", "list", "--porcelain")
	if err != nil {
		return nil
	}

	var result []Worktree
	var cur Worktree
	have := false
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if have {
				result = append(result, cur)
			}
			cur = Worktree{Path: strings.TrimPrefix(line, "worktree ")}
			have = true
		case strings.HasPrefix(line, "HEAD "):
			cur.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(line, "branch ")
		}
	}
	if have {
		result = append(result, cur)
	}
	return result
}
