package storage

import (
	"context"
	"fmt"
	"time"

	"market-tiers/internal/market"
)

const (
	upsertTierRequestSQL = `INSERT INTO strategy_tier_requests (
        strategy,
        market_id,
        requested_tier,
        reason,
        requested_at,
        expires_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (strategy, market_id) DO UPDATE
    SET
        requested_tier = EXCLUDED.requested_tier,
        reason         = EXCLUDED.reason,
        requested_at   = EXCLUDED.requested_at,
        expires_at     = EXCLUDED.expires_at;`

	listLiveTierRequestsSQL = `SELECT
        strategy,
        market_id,
        requested_tier,
        reason,
        requested_at,
        expires_at
    FROM strategy_tier_requests
    WHERE expires_at > $1
    ORDER BY market_id, strategy;`

	deleteTierRequestSQL = `DELETE FROM strategy_tier_requests WHERE strategy = $1 AND market_id = $2;`

	deleteExpiredTierRequestsSQL = `DELETE FROM strategy_tier_requests WHERE expires_at <= $1;`

	hasTriggerSQL = `SELECT EXISTS (
        SELECT 1 FROM triggers
        WHERE token_id = $1
          AND market_id = $2
          AND threshold = $3
    );`

	insertTriggerSQL = `INSERT INTO triggers (
        token_id,
        market_id,
        threshold,
        trigger_price,
        trade_size,
        model_score,
        triggered_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (token_id, market_id, threshold) DO NOTHING;`

	listTriggersSQL = `SELECT
        token_id,
        market_id,
        threshold::text,
        trigger_price::text,
        trade_size::text,
        model_score,
        triggered_at
    FROM triggers
    WHERE triggered_at >= $1
    ORDER BY triggered_at DESC
    LIMIT $2;`
)

// UpsertTierRequest stores a request; a later request for the same
// (strategy, market) pair replaces the earlier one.
func (s *Store) UpsertTierRequest(ctx context.Context, req market.TierRequest) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertTierRequestSQL,
		req.Strategy,
		req.MarketID,
		int(req.RequestedTier),
		req.Reason,
		req.RequestedAt.UTC(),
		req.ExpiresAt.UTC(),
	); execErr != nil {
		return fmt.Errorf("upsert tier request: %w", execErr)
	}
	return nil
}

// ListLiveTierRequests lists requests that have not expired at now.
func (s *Store) ListLiveTierRequests(ctx context.Context, now time.Time) ([]market.TierRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listLiveTierRequestsSQL, now.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list tier requests: %w", queryErr)
	}
	defer rows.Close()

	requests := make([]market.TierRequest, 0)
	for rows.Next() {
		var (
			req  market.TierRequest
			tier int16
		)
		if err := rows.Scan(&req.Strategy, &req.MarketID, &tier, &req.Reason, &req.RequestedAt, &req.ExpiresAt); err != nil {
			return nil, err
		}
		req.RequestedTier = market.Tier(tier)
		req.RequestedAt = req.RequestedAt.UTC()
		req.ExpiresAt = req.ExpiresAt.UTC()
		requests = append(requests, req)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return requests, nil
}

// DeleteTierRequest cancels a request.
func (s *Store) DeleteTierRequest(ctx context.Context, strategy, marketID string) error {
	return s.execOne(ctx, "delete tier request", deleteTierRequestSQL, strategy, marketID)
}

// DeleteExpiredTierRequests purges expired requests.
func (s *Store) DeleteExpiredTierRequests(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteBefore(ctx, "delete expired tier requests", deleteExpiredTierRequestsSQL, now.UTC())
}

// HasTrigger checks the ledger for the combined (token, market, threshold) key.
func (s *Store) HasTrigger(ctx context.Context, key market.TriggerKey) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if scanErr := pool.QueryRow(ctx, hasTriggerSQL, key.TokenID, key.MarketID, key.Threshold.String()).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("has trigger: %w", scanErr)
	}
	return exists, nil
}

// InsertTrigger appends a trigger. It reports false when the unique key on
// (token_id, market_id, threshold) already holds a row.
func (s *Store) InsertTrigger(ctx context.Context, t market.Trigger) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	cmdTag, execErr := pool.Exec(ctx, insertTriggerSQL,
		t.TokenID,
		t.MarketID,
		t.Threshold.String(),
		t.TriggerPrice.String(),
		t.TradeSize.String(),
		t.ModelScore,
		t.TriggeredAt.UTC(),
	)
	if execErr != nil {
		return false, fmt.Errorf("insert trigger: %w", execErr)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// ListTriggers lists triggers newer than since.
func (s *Store) ListTriggers(ctx context.Context, since time.Time, limit int) ([]market.Trigger, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 100
	}

	rows, queryErr := pool.Query(ctx, listTriggersSQL, since.UTC(), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list triggers: %w", queryErr)
	}
	defer rows.Close()

	triggers := make([]market.Trigger, 0, limit)
	for rows.Next() {
		var (
			t                      market.Trigger
			threshold, price, size string
		)
		if err := rows.Scan(&t.TokenID, &t.MarketID, &threshold, &price, &size, &t.ModelScore, &t.TriggeredAt); err != nil {
			return nil, err
		}
		if t.Threshold, err = parseDecimal("threshold", threshold); err != nil {
			return nil, err
		}
		if t.TriggerPrice, err = parseDecimal("trigger_price", price); err != nil {
			return nil, err
		}
		if t.TradeSize, err = parseDecimal("trade_size", size); err != nil {
			return nil, err
		}
		t.TriggeredAt = t.TriggeredAt.UTC()
		triggers = append(triggers, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return triggers, nil
}
