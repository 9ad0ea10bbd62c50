package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"market-tiers/internal/market"
	"market-tiers/internal/storage"
)

// Show prints the market universe ordered by score.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	be, err := a.requireDatabase(ctx, "show markets")
	if err != nil {
		return err
	}
	defer be.close()

	return a.printMarkets(ctx, be.repo, opts)
}

func (a *App) printMarkets(ctx context.Context, repo storage.MarketStore, opts ShowOptions) error {
	records, err := repo.ListMarkets(ctx, storage.MarketFilter{Tier: opts.Tier})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no markets found")
		return nil
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Tier != records[j].Tier {
			return records[i].Tier > records[j].Tier
		}
		return records[i].Score > records[j].Score
	})
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[:opts.Limit]
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Market\tTier\tPinned\tScore\tLast\tSpread\tVolume24h\tTrades24h\tEnds (UTC)\tQuestion")

	for _, rec := range records {
		pinned := "-"
		if rec.PinnedTier != nil {
			pinned = rec.PinnedTier.String()
		}
		ends := "-"
		if !rec.EndTime.IsZero() {
			ends = rec.EndTime.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%.3f\t%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ID,
			rec.Tier,
			pinned,
			rec.Score,
			formatDecimal(rec.LastPrice, 3),
			formatDecimal(rec.Spread, 3),
			formatDecimal(rec.Volume24h, 0),
			rec.TradeCount24h,
			ends,
			truncate(sanitizeInline(rec.Question), 60),
		)
	}

	if err := writer.Flush(); err != nil {
		return err
	}

	counts, err := repo.CountByTier(ctx)
	if err != nil {
		return err
	}
	labels := make([]string, 0, 3)
	for _, t := range []market.Tier{market.TierCatalog, market.TierCandles, market.TierOrderbook} {
		labels = append(labels, tierLabel(t, counts[t]))
	}
	fmt.Fprintln(a.Out, strings.Join(labels, " "))
	return nil
}

// tierLabel renders a tier table header such as "tier2=14".
func tierLabel(t market.Tier, n int64) string {
	return fmt.Sprintf("%s=%d", t, n)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func truncate(v string, n int) string {
	r := []rune(v)
	if len(r) <= n {
		return v
	}
	return string(r[:n-1]) + "…"
}
