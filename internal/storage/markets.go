package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"market-tiers/internal/market"
)

const (
	upsertMarketSnapshotSQL = `INSERT INTO markets (
        id,
        question,
        category,
        end_time,
        tokens,
        last_price,
        best_bid,
        best_ask,
        spread,
        volume_24h,
        liquidity,
        change_1h,
        change_24h,
        trade_count_24h,
        resolved,
        tier,
        tier_changed_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1,$16,$16
    )
    ON CONFLICT (id) DO UPDATE
    SET
        question        = EXCLUDED.question,
        category        = EXCLUDED.category,
        end_time        = EXCLUDED.end_time,
        tokens          = EXCLUDED.tokens,
        last_price      = EXCLUDED.last_price,
        best_bid        = EXCLUDED.best_bid,
        best_ask        = EXCLUDED.best_ask,
        spread          = EXCLUDED.spread,
        volume_24h      = EXCLUDED.volume_24h,
        liquidity       = EXCLUDED.liquidity,
        change_1h       = EXCLUDED.change_1h,
        change_24h      = EXCLUDED.change_24h,
        trade_count_24h = EXCLUDED.trade_count_24h,
        resolved        = EXCLUDED.resolved,
        updated_at      = EXCLUDED.updated_at;`

	selectMarketColumns = `SELECT
        id,
        question,
        category,
        end_time,
        tokens,
        last_price::text,
        best_bid::text,
        best_ask::text,
        spread::text,
        volume_24h::text,
        liquidity::text,
        change_1h::text,
        change_24h::text,
        trade_count_24h,
        score,
        tier,
        tier_changed_at,
        pinned_tier,
        last_strategy_signal_at,
        below_retention_since,
        resolved,
        updated_at
    FROM markets`

	getMarketSQL = selectMarketColumns + `
    WHERE id = $1;`

	countByTierSQL = `SELECT tier, COUNT(*) FROM markets WHERE NOT resolved GROUP BY tier;`

	updateScoreSQL = `UPDATE markets SET score = $2 WHERE id = $1;`

	markBelowRetentionSQL = `UPDATE markets SET below_retention_since = $2 WHERE id = $1;`

	updateTierSQL = `UPDATE markets
    SET tier = $3, tier_changed_at = $4, below_retention_since = NULL
    WHERE id = $1 AND tier = $2;`

	setPinnedTierSQL = `UPDATE markets SET pinned_tier = $2 WHERE id = $1;`

	markStrategySignalSQL = `UPDATE markets
    SET last_strategy_signal_at = GREATEST(COALESCE(last_strategy_signal_at, $2), $2)
    WHERE id = $1;`
)

// UpsertSnapshot inserts a newly sighted market at tier 1 or refreshes the
// snapshot fields of a known one. Tier, score and pin are never touched here.
func (s *Store) UpsertSnapshot(ctx context.Context, rec market.Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tokens, err := json.Marshal(rec.Tokens)
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}

	var endTime interface{}
	if !rec.EndTime.IsZero() {
		endTime = rec.EndTime.UTC()
	}

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, execErr := pool.Exec(ctx, upsertMarketSnapshotSQL,
		rec.ID,
		rec.Question,
		rec.Category,
		endTime,
		tokens,
		rec.LastPrice.String(),
		rec.BestBid.String(),
		rec.BestAsk.String(),
		rec.Spread.String(),
		rec.Volume24h.String(),
		rec.Liquidity.String(),
		rec.Change1h.String(),
		rec.Change24h.String(),
		rec.TradeCount24h,
		rec.Resolved,
		updatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert market snapshot: %w", execErr)
	}
	return nil
}

// GetMarket loads a single market.
func (s *Store) GetMarket(ctx context.Context, id string) (market.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return market.Record{}, err
	}

	rows, queryErr := pool.Query(ctx, getMarketSQL, id)
	if queryErr != nil {
		return market.Record{}, fmt.Errorf("get market: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return market.Record{}, rows.Err()
		}
		return market.Record{}, ErrNotFound
	}
	return scanMarket(rows)
}

// ListMarkets lists markets ordered by descending score.
func (s *Store) ListMarkets(ctx context.Context, filter MarketFilter) ([]market.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []interface{}
	)
	if !filter.IncludeResolved {
		where = append(where, "NOT resolved")
	}
	if filter.Tier != nil {
		args = append(args, int(*filter.Tier))
		where = append(where, fmt.Sprintf("tier = $%d", len(args)))
	}
	if filter.MinTier > 0 {
		args = append(args, int(filter.MinTier))
		where = append(where, fmt.Sprintf("tier >= $%d", len(args)))
	}

	query := selectMarketColumns
	if len(where) > 0 {
		query += "\n    WHERE " + strings.Join(where, " AND ")
	}
	query += "\n    ORDER BY score DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf("\n    LIMIT $%d", len(args))
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list markets: %w", queryErr)
	}
	defer rows.Close()

	records := make([]market.Record, 0)
	for rows.Next() {
		rec, scanErr := scanMarket(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountByTier counts unresolved markets per tier.
func (s *Store) CountByTier(ctx context.Context) (map[market.Tier]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, countByTierSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("count by tier: %w", queryErr)
	}
	defer rows.Close()

	counts := make(map[market.Tier]int64, 3)
	for rows.Next() {
		var (
			tier  int16
			count int64
		)
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, err
		}
		counts[market.Tier(tier)] = count
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return counts, nil
}

// UpdateScore persists the interestingness score.
func (s *Store) UpdateScore(ctx context.Context, id string, score float64) error {
	return s.execOne(ctx, "update score", updateScoreSQL, id, score)
}

// MarkBelowRetention records (or clears) when the score first dropped below
// the retention threshold of the current tier.
func (s *Store) MarkBelowRetention(ctx context.Context, id string, since *time.Time) error {
	var v interface{}
	if since != nil {
		v = since.UTC()
	}
	return s.execOne(ctx, "mark below retention", markBelowRetentionSQL, id, v)
}

// UpdateTier moves a market from one tier to another. The update only
// applies while the stored tier still equals from.
func (s *Store) UpdateTier(ctx context.Context, id string, from, to market.Tier, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, updateTierSQL, id, int(from), int(to), at.UTC())
	if execErr != nil {
		return fmt.Errorf("update tier: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		if _, getErr := s.GetMarket(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrTierConflict
	}
	return nil
}

// SetPinnedTier sets or clears the manual tier floor.
func (s *Store) SetPinnedTier(ctx context.Context, id string, pinned *market.Tier) error {
	var v interface{}
	if pinned != nil {
		v = int(*pinned)
	}
	return s.execOne(ctx, "set pinned tier", setPinnedTierSQL, id, v)
}

// MarkStrategySignal bumps last_strategy_signal_at forward.
func (s *Store) MarkStrategySignal(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "mark strategy signal", markStrategySignalSQL, id, at.UTC())
}

func (s *Store) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, query, args...)
	if execErr != nil {
		return fmt.Errorf("%s: %w", op, execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMarket(rows pgx.Rows) (market.Record, error) {
	var (
		rec         market.Record
		endTime     sql.NullTime
		tokens      []byte
		lastPrice   string
		bestBid     string
		bestAsk     string
		spread      string
		volume      string
		liquidity   string
		change1h    string
		change24h   string
		tier        int16
		pinned      sql.NullInt16
		signalAt    sql.NullTime
		belowSince  sql.NullTime
		tierChanged time.Time
		updatedAt   time.Time
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.Question,
		&rec.Category,
		&endTime,
		&tokens,
		&lastPrice,
		&bestBid,
		&bestAsk,
		&spread,
		&volume,
		&liquidity,
		&change1h,
		&change24h,
		&rec.TradeCount24h,
		&rec.Score,
		&tier,
		&tierChanged,
		&pinned,
		&signalAt,
		&belowSince,
		&rec.Resolved,
		&updatedAt,
	); err != nil {
		return market.Record{}, err
	}

	if len(tokens) > 0 {
		if err := json.Unmarshal(tokens, &rec.Tokens); err != nil {
			return market.Record{}, fmt.Errorf("parse tokens: %w", err)
		}
	}

	decimals := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"last_price", lastPrice, &rec.LastPrice},
		{"best_bid", bestBid, &rec.BestBid},
		{"best_ask", bestAsk, &rec.BestAsk},
		{"spread", spread, &rec.Spread},
		{"volume_24h", volume, &rec.Volume24h},
		{"liquidity", liquidity, &rec.Liquidity},
		{"change_1h", change1h, &rec.Change1h},
		{"change_24h", change24h, &rec.Change24h},
	}
	for _, d := range decimals {
		v, err := parseDecimal(d.name, d.raw)
		if err != nil {
			return market.Record{}, err
		}
		*d.dst = v
	}

	if endTime.Valid {
		rec.EndTime = endTime.Time.UTC()
	}
	rec.Tier = market.Tier(tier)
	rec.TierChangedAt = tierChanged.UTC()
	rec.UpdatedAt = updatedAt.UTC()
	if pinned.Valid {
		p := market.Tier(pinned.Int16)
		rec.PinnedTier = &p
	}
	if signalAt.Valid {
		v := signalAt.Time.UTC()
		rec.LastStrategySignalAt = &v
	}
	if belowSince.Valid {
		v := belowSince.Time.UTC()
		rec.BelowRetentionSince = &v
	}
	return rec, nil
}
