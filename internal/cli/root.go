package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"market-tiers/internal/app"
	"market-tiers/internal/config"
	"market-tiers/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	dsn       string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "markettiers",
	Short: "Tier prediction markets by interest and gate strategy triggers",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if logFormat != "" {
			cfg.Logging.Format = logFormat
		}
		if dsn != "" {
			cfg.Database.DSN = dsn
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log format (console|json)")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Override database.dsn; an empty DSN runs on the in-memory store")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(requestTierCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
