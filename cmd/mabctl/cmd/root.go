// Package cmd provides CLI commands for the mabctl tool.
package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/mabd/internal/config"
	"github.com/steveyegge/mabd/internal/constants"
	"github.com/steveyegge/mabd/internal/rpc"
)

var rootCmd = &cobra.Command{
	Use:   "mabctl",
	Short: "mabctl controls a running mabd daemon",
	Long: `mabctl is a command-line client for mabd, the multi-agent daemon.

It issues RPC calls over the daemon's Unix socket to list and spawn
workers, start and stop dispatch loops, and inspect daemon health.`,
}

// Execute runs the root command and returns an exit code. The caller
// (main) should call os.Exit with this code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func init() {
	rootCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonShutdownCmd)
	rootCmd.AddCommand(workerListCmd)
	rootCmd.AddCommand(workerGetCmd)
	rootCmd.AddCommand(workerSpawnCmd)
	rootCmd.AddCommand(workerStopCmd)
	rootCmd.AddCommand(healthStatusCmd)
	rootCmd.AddCommand(dispatchStartCmd)
	rootCmd.AddCommand(dispatchStopCmd)
	rootCmd.AddCommand(dispatchStatusCmd)

	workerSpawnCmd.Flags().String("project-path", "", "project directory the worker operates in (required)")
	workerSpawnCmd.Flags().String("town", "", "town name (defaults to \"default\")")
	workerSpawnCmd.Flags().String("bead-id", "", "bead to hand the worker on startup")
	workerSpawnCmd.Flags().Bool("no-auto-restart", false, "do not automatically restart this worker on crash")
	workerSpawnCmd.MarkFlagRequired("project-path")

	workerListCmd.Flags().String("status", "", "filter by worker status")
	workerListCmd.Flags().String("role", "", "filter by role")
	workerListCmd.Flags().String("project-path", "", "filter by project path")
	workerListCmd.Flags().String("town", "", "filter by town name")

	workerStopCmd.Flags().Bool("force", false, "skip the graceful stop attempt")
	workerStopCmd.Flags().Duration("timeout", 0, "how long to wait for a graceful stop")

	dispatchStartCmd.Flags().String("project-path", "", "project to dispatch beads for (required)")
	dispatchStartCmd.Flags().StringSlice("roles", nil, "roles to dispatch for (defaults to all known roles)")
	dispatchStartCmd.Flags().Duration("interval", 0, "polling interval")
	dispatchStartCmd.MarkFlagRequired("project-path")
}

// newClient dials the daemon's socket using the resolved home directory.
func newClient() (*rpc.Client, error) {
	home, err := config.Home()
	if err != nil {
		return nil, err
	}
	socketPath := filepath.Join(home, constants.SocketFile)
	return rpc.NewClient(socketPath), nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
