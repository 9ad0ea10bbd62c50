package cli

import (
	"github.com/spf13/cobra"
)

var (
	runNoAPI    bool
	runNoStream bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run ingestion, tier evaluation, the trade pipeline and the report API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runNoAPI {
			a.Config.API.Enabled = false
		}
		if runNoStream {
			a.Config.Ingest.StreamEnabled = false
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runNoAPI, "no-api", false, "Do not serve the report API")
	runCmd.Flags().BoolVar(&runNoStream, "no-stream", false, "Do not subscribe to the trade stream")
}
