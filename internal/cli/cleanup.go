package cli

import (
	"github.com/spf13/cobra"

	"market-tiers/internal/app"
)

var cleanupDryRun bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune time-series rows past their retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Cleanup(cmd.Context(), app.CleanupOptions{DryRun: cleanupDryRun})
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Print the cutoffs without deleting")
}
