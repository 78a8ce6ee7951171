package git

import (
	"context"
	"os/exec"
	"testing"
)

func initRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	run("commit", "--allow-empty", "-q", "-m", "initial")
}

func TestBranchName(t *testing.T) {
	if got := BranchName("worker-dev-1", ""); got != "worker/worker-dev-1" {
		t.Errorf("BranchName() = %q, want worker/worker-dev-1", got)
	}
	if got := BranchName("worker-dev-1", "bead-42"); got != "bead/bead-42" {
		t.Errorf("BranchName() = %q, want bead/bead-42", got)
	}
}

func TestCreateAndRemoveWorktree(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	initRepo(t, dir)
	ctx := context.Background()

	if !IsRepo(ctx, dir) {
		t.Fatalf("IsRepo() = false, want true")
	}

	path, branch, err := CreateWorktree(ctx, dir, "worker-dev-1", "")
	if err != nil {
		t.Fatalf("CreateWorktree() error = %v", err)
	}
	if branch != "worker/worker-dev-1" {
		t.Errorf("CreateWorktree() branch = %q, want worker/worker-dev-1", branch)
	}

	worktrees := ListWorktrees(ctx, dir)
	if len(worktrees) != 2 {
		t.Errorf("ListWorktrees() returned %d entries, want 2 (main + new)", len(worktrees))
	}

	if !RemoveWorktree(ctx, dir, path) {
		t.Errorf("RemoveWorktree() = false, want true")
	}
}

func TestCleanupStaleWorktrees(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	initRepo(t, dir)
	ctx := context.Background()

	if _, _, err := CreateWorktree(ctx, dir, "stale-1", ""); err != nil {
		t.Fatalf("CreateWorktree() error = %v", err)
	}
	if _, _, err := CreateWorktree(ctx, dir, "keep-1", ""); err != nil {
		t.Fatalf("CreateWorktree() error = %v", err)
	}

	removed := CleanupStaleWorktrees(ctx, dir, map[string]bool{"keep-1": true})
	if removed != 1 {
		t.Errorf("CleanupStaleWorktrees() removed = %d, want 1", removed)
	}
}
