package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs syncs on sync.interval and serves the ops HTTP endpoints",
		Long: `serve schedules a sync every sync.interval (skipping a tick while the
previous run is still going) and exposes /healthz, /readyz, /metrics and the
attachment retry endpoint on server.port until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Serve(cmd.Context())
		},
	}
}
