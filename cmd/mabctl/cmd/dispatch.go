package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var dispatchStartCmd = &cobra.Command{
	Use:   "dispatch-start",
	Short: "Start the bead dispatch loop for a project",
	RunE: func(c *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		projectPath, _ := c.Flags().GetString("project-path")
		roles, _ := c.Flags().GetStringSlice("roles")
		interval, _ := c.Flags().GetDuration("interval")

		params := map[string]any{
			"project_path": projectPath,
			"roles":        roles,
		}
		if interval > 0 {
			params["interval_seconds"] = interval.Seconds()
		}
		var result map[string]any
		if err := client.Call(context.Background(), "dispatch.start", params, &result); err != nil {
			return err
		}
		return printJSON(result)
	},
}

var dispatchStopCmd = &cobra.Command{
	Use:   "dispatch-stop",
	Short: "Stop the bead dispatch loop",
	RunE: func(c *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		var result map[string]any
		return client.Call(context.Background(), "dispatch.stop", nil, &result)
	},
}

var dispatchStatusCmd = &cobra.Command{
	Use:   "dispatch-status",
	Short: "Show the current dispatch loop configuration and state",
	RunE: func(c *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		var result map[string]any
		if err := client.Call(context.Background(), "dispatch.status", nil, &result); err != nil {
			return err
		}
		return printJSON(result)
	},
}
