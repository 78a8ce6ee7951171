package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var workerListCmd = &cobra.Command{
	Use:   "worker-list",
	Short: "List workers, optionally filtered by status, role, project, or town",
	RunE: func(c *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		status, _ := c.Flags().GetString("status")
		role, _ := c.Flags().GetString("role")
		projectPath, _ := c.Flags().GetString("project-path")
		town, _ := c.Flags().GetString("town")

		params := map[string]string{
			"status":       status,
			"role":         role,
			"project_path": projectPath,
			"town_name":    town,
		}
		var result map[string]any
		if err := client.Call(context.Background(), "worker.list", params, &result); err != nil {
			return err
		}
		return printJSON(result)
	},
}

var workerGetCmd = &cobra.Command{
	Use:   "worker-get WORKER_ID",
	Short: "Show a single worker's full state",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		params := map[string]string{"worker_id": args[0]}
		var result map[string]any
		if err := client.Call(context.Background(), "worker.get", params, &result); err != nil {
			return err
		}
		return printJSON(result)
	},
}

var workerSpawnCmd = &cobra.Command{
	Use:   "worker-spawn ROLE",
	Short: "Spawn a new worker for the given role",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		projectPath, _ := c.Flags().GetString("project-path")
		town, _ := c.Flags().GetString("town")
		beadID, _ := c.Flags().GetString("bead-id")
		noAutoRestart, _ := c.Flags().GetBool("no-auto-restart")

		params := map[string]any{
			"role":         args[0],
			"project_path": projectPath,
			"town_name":    town,
			"bead_id":      beadID,
			"auto_restart": !noAutoRestart,
		}
		var result map[string]any
		if err := client.Call(context.Background(), "worker.spawn", params, &result); err != nil {
			return err
		}
		return printJSON(result)
	},
}

var workerStopCmd = &cobra.Command{
	Use:   "worker-stop WORKER_ID",
	Short: "Stop a worker, gracefully by default",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		force, _ := c.Flags().GetBool("force")
		timeout, _ := c.Flags().GetDuration("timeout")

		params := map[string]any{
			"worker_id": args[0],
			"graceful":  !force,
		}
		if timeout > 0 {
			params["timeout_seconds"] = timeout.Seconds()
		}
		var result map[string]any
		if err := client.Call(context.Background(), "worker.stop", params, &result); err != nil {
			return err
		}
		return printJSON(result)
	},
}
