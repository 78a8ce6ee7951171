// mabd is the multi-agent daemon: it spawns, monitors, and dispatches
// work to agent workers across one or more towns, speaking a length
// prefixed JSON-RPC protocol over a Unix socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/steveyegge/mabd/internal/config"
	"github.com/steveyegge/mabd/internal/daemon"
	"github.com/steveyegge/mabd/internal/spawn"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		home         = flag.String("home", "", "daemon home directory (defaults to $MAB_HOME or ~/.mab)")
		foreground   = flag.Bool("foreground", false, "run attached to the current terminal instead of detaching")
		useTmux      = flag.Bool("tmux", false, "spawn workers in tmux sessions instead of pseudo-terminals")
		claudePath   = flag.String("claude-path", "", "path to the claude CLI binary (auto-detected if empty)")
		useWorktrees = flag.Bool("worktrees", false, "spawn workers in isolated git worktrees")
	)
	flag.Parse()

	if *home != "" {
		os.Setenv("MAB_HOME", *home)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mabd: loading config: %v\n", err)
		return 1
	}

	if !*foreground {
		if err := detach(); err != nil {
			fmt.Fprintf(os.Stderr, "mabd: detaching: %v\n", err)
			return 1
		}
	}

	kind := spawn.KindPTY
	if *useTmux {
		kind = spawn.KindTmux
	}

	d, err := daemon.New(cfg, daemon.Options{
		SpawnerKind:  kind,
		ClaudePath:   *claudePath,
		UseWorktrees: *useWorktrees,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mabd: initializing daemon: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, "mabd: already running")
			return 1
		}
		fmt.Fprintf(os.Stderr, "mabd: %v\n", err)
		return 1
	}
	return 0
}

// detach puts the process in its own session so it survives the
// launching terminal closing. It does not re-exec or fork a child;
// the caller is expected to have been launched via a shell
// backgrounding construct (e.g. `mabd &`) or a supervisor.
func detach() error {
	_, err := syscall.Setsid()
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return err
	}
	return nil
}
