package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"market-tiers/internal/market"
)

const (
	insertPriceSnapshotSQL = `INSERT INTO price_snapshots (
        market_id,
        snapshot_ts,
        price,
        volume_24h
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (market_id, snapshot_ts) DO UPDATE
    SET price = EXCLUDED.price,
        volume_24h = EXCLUDED.volume_24h;`

	priceAtSQL = `SELECT
        market_id,
        snapshot_ts,
        price::text,
        volume_24h::text
    FROM price_snapshots
    WHERE market_id = $1
      AND snapshot_ts <= $2
    ORDER BY snapshot_ts DESC
    LIMIT 1;`

	deletePriceSnapshotsBeforeSQL = `DELETE FROM price_snapshots WHERE snapshot_ts < $1;`

	upsertCandleSQL = `INSERT INTO price_candles (
        market_id,
        token_id,
        resolution,
        bucket_ts,
        open,
        high,
        low,
        close,
        volume,
        trade_count,
        vwap
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (market_id, token_id, resolution, bucket_ts) DO UPDATE
    SET
        open        = EXCLUDED.open,
        high        = EXCLUDED.high,
        low         = EXCLUDED.low,
        close       = EXCLUDED.close,
        volume      = EXCLUDED.volume,
        trade_count = EXCLUDED.trade_count,
        vwap        = EXCLUDED.vwap;`

	selectCandleColumns = `SELECT
        market_id,
        token_id,
        resolution,
        bucket_ts,
        open::text,
        high::text,
        low::text,
        close::text,
        volume::text,
        trade_count,
        vwap::text
    FROM price_candles`

	getCandleSQL = selectCandleColumns + `
    WHERE market_id = $1
      AND token_id = $2
      AND resolution = $3
      AND bucket_ts = $4;`

	listCandlesSQL = selectCandleColumns + `
    WHERE market_id = $1
      AND token_id = $2
      AND resolution = $3
      AND bucket_ts >= $4
      AND bucket_ts < $5
    ORDER BY bucket_ts;`

	deleteCandlesBeforeSQL = `DELETE FROM price_candles WHERE resolution = $1 AND bucket_ts < $2;`

	insertOrderbookSQL = `INSERT INTO orderbook_snapshots (
        market_id,
        token_id,
        snapshot_ts,
        best_bid,
        best_ask,
        spread,
        mid_price,
        bids,
        asks,
        bid_depth_5pct,
        ask_depth_5pct
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (market_id, token_id, snapshot_ts) DO NOTHING;`

	latestOrderbookSQL = `SELECT
        market_id,
        token_id,
        snapshot_ts,
        best_bid::text,
        best_ask::text,
        spread::text,
        mid_price::text,
        bids,
        asks,
        bid_depth_5pct::text,
        ask_depth_5pct::text
    FROM orderbook_snapshots
    WHERE token_id = $1
    ORDER BY snapshot_ts DESC
    LIMIT 1;`

	deleteOrderbooksBeforeSQL = `DELETE FROM orderbook_snapshots WHERE snapshot_ts < $1;`
)

// InsertPriceSnapshot appends a rolling price observation.
func (s *Store) InsertPriceSnapshot(ctx context.Context, snap market.PriceSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertPriceSnapshotSQL,
		snap.MarketID,
		snap.SnapshotAt.UTC(),
		snap.Price.String(),
		snap.Volume24h.String(),
	); execErr != nil {
		return fmt.Errorf("insert price snapshot: %w", execErr)
	}
	return nil
}

// PriceAt returns the newest snapshot taken at or before at.
func (s *Store) PriceAt(ctx context.Context, marketID string, at time.Time) (market.PriceSnapshot, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return market.PriceSnapshot{}, false, err
	}

	var (
		snap             market.PriceSnapshot
		price, volumeStr string
	)
	scanErr := pool.QueryRow(ctx, priceAtSQL, marketID, at.UTC()).Scan(&snap.MarketID, &snap.SnapshotAt, &price, &volumeStr)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return market.PriceSnapshot{}, false, nil
	}
	if scanErr != nil {
		return market.PriceSnapshot{}, false, fmt.Errorf("price at: %w", scanErr)
	}
	if snap.Price, err = parseDecimal("price", price); err != nil {
		return market.PriceSnapshot{}, false, err
	}
	if snap.Volume24h, err = parseDecimal("volume_24h", volumeStr); err != nil {
		return market.PriceSnapshot{}, false, err
	}
	snap.SnapshotAt = snap.SnapshotAt.UTC()
	return snap, true, nil
}

// DeletePriceSnapshotsBefore prunes old price snapshots.
func (s *Store) DeletePriceSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, "delete price snapshots", deletePriceSnapshotsBeforeSQL, cutoff.UTC())
}

// UpsertCandle writes a candle bucket.
func (s *Store) UpsertCandle(ctx context.Context, c market.Candle) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertCandleSQL,
		c.MarketID,
		c.TokenID,
		string(c.Resolution),
		c.BucketStart.UTC(),
		c.Open.String(),
		c.High.String(),
		c.Low.String(),
		c.Close.String(),
		c.Volume.String(),
		c.TradeCount,
		c.VWAP.String(),
	); execErr != nil {
		return fmt.Errorf("upsert candle: %w", execErr)
	}
	return nil
}

// GetCandle loads a single candle bucket.
func (s *Store) GetCandle(ctx context.Context, marketID, tokenID string, res market.Resolution, bucket time.Time) (market.Candle, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return market.Candle{}, false, err
	}

	rows, queryErr := pool.Query(ctx, getCandleSQL, marketID, tokenID, string(res), bucket.UTC())
	if queryErr != nil {
		return market.Candle{}, false, fmt.Errorf("get candle: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return market.Candle{}, false, rows.Err()
	}
	c, scanErr := scanCandle(rows)
	if scanErr != nil {
		return market.Candle{}, false, scanErr
	}
	return c, true, nil
}

// ListCandles lists candles in [from, to).
func (s *Store) ListCandles(ctx context.Context, marketID, tokenID string, res market.Resolution, from, to time.Time) ([]market.Candle, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCandlesSQL, marketID, tokenID, string(res), from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list candles: %w", queryErr)
	}
	defer rows.Close()

	candles := make([]market.Candle, 0)
	for rows.Next() {
		c, scanErr := scanCandle(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		candles = append(candles, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return candles, nil
}

// DeleteCandlesBefore prunes candles of one resolution.
func (s *Store) DeleteCandlesBefore(ctx context.Context, res market.Resolution, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, "delete candles", deleteCandlesBeforeSQL, string(res), cutoff.UTC())
}

// InsertOrderbook appends a depth snapshot.
func (s *Store) InsertOrderbook(ctx context.Context, snap market.OrderbookSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	bids, err := json.Marshal(snap.Bids)
	if err != nil {
		return fmt.Errorf("marshal bids: %w", err)
	}
	asks, err := json.Marshal(snap.Asks)
	if err != nil {
		return fmt.Errorf("marshal asks: %w", err)
	}

	if _, execErr := pool.Exec(ctx, insertOrderbookSQL,
		snap.MarketID,
		snap.TokenID,
		snap.SnapshotAt.UTC(),
		snap.BestBid.String(),
		snap.BestAsk.String(),
		snap.Spread.String(),
		snap.Mid.String(),
		bids,
		asks,
		snap.BidDepth5Pct.String(),
		snap.AskDepth5Pct.String(),
	); execErr != nil {
		return fmt.Errorf("insert orderbook: %w", execErr)
	}
	return nil
}

// LatestOrderbook returns the newest snapshot for a token.
func (s *Store) LatestOrderbook(ctx context.Context, tokenID string) (market.OrderbookSnapshot, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return market.OrderbookSnapshot{}, false, err
	}

	var (
		snap                          market.OrderbookSnapshot
		bestBid, bestAsk, spread, mid string
		bids, asks                    []byte
		bidDepth, askDepth            string
	)
	scanErr := pool.QueryRow(ctx, latestOrderbookSQL, tokenID).Scan(
		&snap.MarketID,
		&snap.TokenID,
		&snap.SnapshotAt,
		&bestBid,
		&bestAsk,
		&spread,
		&mid,
		&bids,
		&asks,
		&bidDepth,
		&askDepth,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return market.OrderbookSnapshot{}, false, nil
	}
	if scanErr != nil {
		return market.OrderbookSnapshot{}, false, fmt.Errorf("latest orderbook: %w", scanErr)
	}

	if snap.BestBid, err = parseDecimal("best_bid", bestBid); err != nil {
		return market.OrderbookSnapshot{}, false, err
	}
	if snap.BestAsk, err = parseDecimal("best_ask", bestAsk); err != nil {
		return market.OrderbookSnapshot{}, false, err
	}
	if snap.Spread, err = parseDecimal("spread", spread); err != nil {
		return market.OrderbookSnapshot{}, false, err
	}
	if snap.Mid, err = parseDecimal("mid_price", mid); err != nil {
		return market.OrderbookSnapshot{}, false, err
	}
	if snap.BidDepth5Pct, err = parseDecimal("bid_depth_5pct", bidDepth); err != nil {
		return market.OrderbookSnapshot{}, false, err
	}
	if snap.AskDepth5Pct, err = parseDecimal("ask_depth_5pct", askDepth); err != nil {
		return market.OrderbookSnapshot{}, false, err
	}
	if err := json.Unmarshal(bids, &snap.Bids); err != nil {
		return market.OrderbookSnapshot{}, false, fmt.Errorf("parse bids: %w", err)
	}
	if err := json.Unmarshal(asks, &snap.Asks); err != nil {
		return market.OrderbookSnapshot{}, false, fmt.Errorf("parse asks: %w", err)
	}
	snap.SnapshotAt = snap.SnapshotAt.UTC()
	return snap, true, nil
}

// DeleteOrderbooksBefore prunes old depth snapshots.
func (s *Store) DeleteOrderbooksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, "delete orderbooks", deleteOrderbooksBeforeSQL, cutoff.UTC())
}

func (s *Store) deleteBefore(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, query, args...)
	if execErr != nil {
		return 0, fmt.Errorf("%s: %w", op, execErr)
	}
	return cmdTag.RowsAffected(), nil
}

func scanCandle(rows pgx.Rows) (market.Candle, error) {
	var (
		c                                   market.Candle
		resolution                          string
		open, high, low, closePrice, volume string
		vwap                                string
	)
	if err := rows.Scan(
		&c.MarketID,
		&c.TokenID,
		&resolution,
		&c.BucketStart,
		&open,
		&high,
		&low,
		&closePrice,
		&volume,
		&c.TradeCount,
		&vwap,
	); err != nil {
		return market.Candle{}, err
	}

	c.Resolution = market.Resolution(resolution)
	c.BucketStart = c.BucketStart.UTC()

	var err error
	if c.Open, err = parseDecimal("open", open); err != nil {
		return market.Candle{}, err
	}
	if c.High, err = parseDecimal("high", high); err != nil {
		return market.Candle{}, err
	}
	if c.Low, err = parseDecimal("low", low); err != nil {
		return market.Candle{}, err
	}
	if c.Close, err = parseDecimal("close", closePrice); err != nil {
		return market.Candle{}, err
	}
	if c.Volume, err = parseDecimal("volume", volume); err != nil {
		return market.Candle{}, err
	}
	if c.VWAP, err = parseDecimal("vwap", vwap); err != nil {
		return market.Candle{}, err
	}
	return c, nil
}
