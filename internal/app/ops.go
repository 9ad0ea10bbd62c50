package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"market-tiers/internal/ingest"
	"market-tiers/internal/market"
	"market-tiers/internal/retention"
	"market-tiers/internal/storage"
	"market-tiers/internal/tierreq"
)

// CleanupOptions configure a one-shot retention run.
type CleanupOptions struct {
	DryRun bool
}

// Cleanup prunes expired time-series rows once. A dry run only prints the
// cutoffs and needs no database.
func (a *App) Cleanup(ctx context.Context, opts CleanupOptions) error {
	now := time.Now().UTC()
	if opts.DryRun {
		cleaner := retention.New(a.retentionConfig(), nil, a.requestQueue(nil), nil, a.Logger)
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Table\tDelete before (UTC)")
		for _, cut := range cleaner.Cutoffs(now) {
			fmt.Fprintf(writer, "%s\t%s\n", cut.Table, cut.Before.Format(time.RFC3339))
		}
		return writer.Flush()
	}

	be, err := a.requireDatabase(ctx, "run cleanup")
	if err != nil {
		return err
	}
	defer be.close()

	return a.runCleanup(ctx, be.repo, now)
}

func (a *App) runCleanup(ctx context.Context, repo storage.Repository, now time.Time) error {
	cleaner := retention.New(a.retentionConfig(), repo, a.requestQueue(repo), nil, a.Logger)
	report, err := cleaner.Run(ctx, now)

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Table\tDelete before (UTC)\tDeleted")
	for _, cut := range report.Cutoffs {
		fmt.Fprintf(writer, "%s\t%s\t%d\n", cut.Table, cut.Before.Format(time.RFC3339), report.Deleted[cut.Table])
	}
	if flushErr := writer.Flush(); flushErr != nil && err == nil {
		err = flushErr
	}
	return err
}

// RequestTierOptions describe a strategy tier request.
type RequestTierOptions struct {
	Strategy string
	MarketID string
	Tier     market.Tier
	Reason   string
	TTL      time.Duration
	Cancel   bool
}

// RequestTier submits or cancels a strategy tier request. It takes effect at
// the next tier evaluation cycle.
func (a *App) RequestTier(ctx context.Context, opts RequestTierOptions) error {
	be, err := a.requireDatabase(ctx, "submit tier requests")
	if err != nil {
		return err
	}
	defer be.close()

	return a.submitRequest(ctx, be.repo, opts)
}

func (a *App) submitRequest(ctx context.Context, repo storage.Repository, opts RequestTierOptions) error {
	queue := a.requestQueue(repo)
	if opts.Cancel {
		if err := queue.Cancel(ctx, opts.Strategy, opts.MarketID); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "cancelled request by %s for %s\n", opts.Strategy, opts.MarketID)
		return nil
	}

	if _, err := repo.GetMarket(ctx, opts.MarketID); err != nil {
		return fmt.Errorf("load market %s: %w", opts.MarketID, err)
	}
	req, err := queue.Submit(ctx, tierreq.Request{
		Strategy: opts.Strategy,
		MarketID: opts.MarketID,
		Tier:     opts.Tier,
		Reason:   opts.Reason,
		TTL:      opts.TTL,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "requested %s for %s by %s until %s\n",
		req.RequestedTier, req.MarketID, req.Strategy, req.ExpiresAt.UTC().Format(time.RFC3339))
	return nil
}

// Pin sets (pinned != nil) or clears the manual tier floor of a market.
func (a *App) Pin(ctx context.Context, marketID string, pinned *market.Tier) error {
	be, err := a.requireDatabase(ctx, "pin markets")
	if err != nil {
		return err
	}
	defer be.close()

	return a.pin(ctx, be.repo, marketID, pinned)
}

func (a *App) pin(ctx context.Context, repo storage.Repository, marketID string, pinned *market.Tier) error {
	tiers, err := a.newTiers(repo, a.requestQueue(repo), ingest.NewDepthSet())
	if err != nil {
		return err
	}
	rec, transitions, err := tiers.Pin(ctx, marketID, pinned, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, tr := range transitions {
		fmt.Fprintf(a.Out, "%s: %s -> %s (%s)\n", tr.MarketID, tr.From, tr.To, tr.Reason)
	}
	if pinned == nil {
		fmt.Fprintf(a.Out, "%s unpinned at %s\n", rec.ID, rec.Tier)
		return nil
	}
	fmt.Fprintf(a.Out, "%s pinned to %s, now at %s\n", rec.ID, *pinned, rec.Tier)
	return nil
}

// Migrate applies pending SQL migrations.
func (a *App) Migrate(ctx context.Context) error {
	be, err := a.requireDatabase(ctx, "migrate")
	if err != nil {
		return err
	}
	defer be.close()

	applied, err := be.pg.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(a.Out, "database is up to date")
		return nil
	}
	for _, name := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", name)
	}
	return nil
}
