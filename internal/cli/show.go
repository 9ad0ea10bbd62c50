package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-tiers/internal/app"
	"market-tiers/internal/market"
)

var (
	showLimit int
	showTier  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the market universe with tiers and scores",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}
		if showTier != 0 {
			tier, err := market.ParseTier(showTier)
			if err != nil {
				return fmt.Errorf("invalid --tier value: %w", err)
			}
			opts.Tier = &tier
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 50, "Number of markets to display")
	showCmd.Flags().IntVar(&showTier, "tier", 0, "Only show markets at this tier (1-3)")
}
