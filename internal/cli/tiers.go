package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"market-tiers/internal/app"
	"market-tiers/internal/market"
)

var (
	requestStrategy string
	requestMarket   string
	requestTier     int
	requestReason   string
	requestTTL      time.Duration
	requestCancel   bool

	pinTier   int
	pinRemove bool
)

var requestTierCmd = &cobra.Command{
	Use:   "request-tier",
	Short: "Ask for a market to be held at tier 2 or 3 for a while",
	RunE: func(cmd *cobra.Command, args []string) error {
		if requestStrategy == "" || requestMarket == "" {
			return errors.New("--strategy and --market must be provided")
		}
		opts := app.RequestTierOptions{
			Strategy: requestStrategy,
			MarketID: requestMarket,
			Reason:   requestReason,
			TTL:      requestTTL,
			Cancel:   requestCancel,
		}
		if !requestCancel {
			tier, err := market.ParseTier(requestTier)
			if err != nil {
				return fmt.Errorf("invalid --tier value: %w", err)
			}
			opts.Tier = tier
		}
		return getApp().RequestTier(cmd.Context(), opts)
	},
}

var pinCmd = &cobra.Command{
	Use:   "pin <market-id>",
	Short: "Set or clear the manual tier floor of a market",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if pinRemove {
			return getApp().Pin(cmd.Context(), args[0], nil)
		}
		tier, err := market.ParseTier(pinTier)
		if err != nil {
			return fmt.Errorf("invalid --tier value: %w", err)
		}
		return getApp().Pin(cmd.Context(), args[0], &tier)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	requestTierCmd.Flags().StringVar(&requestStrategy, "strategy", "", "Requesting strategy name")
	requestTierCmd.Flags().StringVar(&requestMarket, "market", "", "Market id")
	requestTierCmd.Flags().IntVar(&requestTier, "tier", 2, "Requested tier (2 or 3)")
	requestTierCmd.Flags().StringVar(&requestReason, "reason", "", "Free-form reason kept with the request")
	requestTierCmd.Flags().DurationVar(&requestTTL, "ttl", 0, "Request lifetime (defaults to tiering.request_ttl)")
	requestTierCmd.Flags().BoolVar(&requestCancel, "cancel", false, "Cancel the strategy's request instead")

	pinCmd.Flags().IntVar(&pinTier, "tier", 3, "Tier floor (1-3)")
	pinCmd.Flags().BoolVar(&pinRemove, "clear", false, "Remove the pin")
}
