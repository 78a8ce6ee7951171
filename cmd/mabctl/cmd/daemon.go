package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var daemonStatusCmd = &cobra.Command{
	Use:   "daemon-status",
	Short: "Show the daemon's pid, home directory, and worker count",
	RunE: func(c *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		var result map[string]any
		if err := client.Call(context.Background(), "daemon.status", nil, &result); err != nil {
			return err
		}
		return printJSON(result)
	},
}

var daemonShutdownCmd = &cobra.Command{
	Use:   "daemon-shutdown",
	Short: "Ask the daemon to shut down gracefully",
	RunE: func(c *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		var result map[string]any
		return client.Call(context.Background(), "daemon.shutdown", nil, &result)
	},
}

var healthStatusCmd = &cobra.Command{
	Use:   "health-status",
	Short: "Show aggregate worker health counters",
	RunE: func(c *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		var result map[string]any
		if err := client.Call(context.Background(), "health.status", nil, &result); err != nil {
			return err
		}
		return printJSON(result)
	},
}
