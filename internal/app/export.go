package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"market-tiers/internal/market"
	"market-tiers/internal/storage"
)

// Export renders candle history for one outcome token as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.MarketID == "" {
		return errors.New("--market is required")
	}
	if opts.Resolution == "" {
		opts.Resolution = market.Resolution1h
	}

	be, err := a.requireDatabase(ctx, "export")
	if err != nil {
		return err
	}
	defer be.close()

	return a.exportCandles(ctx, be.repo, opts)
}

func (a *App) exportCandles(ctx context.Context, repo storage.Repository, opts ExportOptions) error {
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	if opts.TokenID == "" {
		rec, err := repo.GetMarket(ctx, opts.MarketID)
		if err != nil {
			return fmt.Errorf("load market %s: %w", opts.MarketID, err)
		}
		if len(rec.Tokens) == 0 {
			return fmt.Errorf("market %s has no outcome tokens", opts.MarketID)
		}
		opts.TokenID = rec.Tokens[0].TokenID
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * opts.Resolution.Duration())
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	candles, err := repo.ListCandles(ctx, opts.MarketID, opts.TokenID, opts.Resolution, from, to)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		a.Logger.Info().Str("market_id", opts.MarketID).Str("token_id", opts.TokenID).Msg("no candles found for export window")
		return nil
	}

	downsampled := downsampleCandles(candles, opts.MaxPoints)
	a.Logger.Info().Int("total", len(candles)).Int("exported", len(downsampled)).Msg("exporting candles")

	if opts.CSVPath != "" {
		if err := writeCandlesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		title := fmt.Sprintf("%s %s (%s)", opts.MarketID, opts.TokenID, opts.Resolution)
		if err := writeCandlesPNG(opts.PNGPath, title, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleCandles(candles []market.Candle, max int) []market.Candle {
	if max <= 0 || len(candles) <= max {
		return candles
	}
	if max == 1 {
		return candles[len(candles)-1:]
	}

	result := make([]market.Candle, 0, max)
	step := float64(len(candles)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(candles) {
			idx = len(candles) - 1
		}
		result = append(result, candles[idx])
	}
	return result
}

func writeCandlesCSV(path string, candles []market.Candle) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"bucket_start", "market_id", "token_id", "resolution", "open", "high", "low", "close", "volume", "trade_count", "vwap"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, c := range candles {
		record := []string{
			c.BucketStart.UTC().Format(time.RFC3339),
			c.MarketID,
			c.TokenID,
			string(c.Resolution),
			c.Open.String(),
			c.High.String(),
			c.Low.String(),
			c.Close.String(),
			c.Volume.String(),
			strconv.FormatInt(c.TradeCount, 10),
			c.VWAP.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeCandlesPNG(path, title string, candles []market.Candle) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(candles))
	closes := make([]float64, len(candles))
	vwap := make([]float64, len(candles))
	volume := make([]float64, len(candles))

	for i, c := range candles {
		x[i] = c.BucketStart
		closes[i] = c.Close.InexactFloat64()
		vwap[i] = c.VWAP.InexactFloat64()
		volume[i] = c.Volume.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Volume",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Close",
				XValues: x,
				YValues: closes,
			},
			chart.TimeSeries{
				Name:    "VWAP",
				XValues: x,
				YValues: vwap,
			},
			chart.TimeSeries{
				Name:    "Volume",
				XValues: x,
				YValues: volume,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
