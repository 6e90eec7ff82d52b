package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Runs one synchronization pass and prints its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.Sync(cmd.Context())
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			return printJSON(cmd, summary)
		},
	}
}
