package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"futuresfleet/internal/tradelog"
)

// TradeSink appends trade events to the trade_events table.
type TradeSink struct {
	pool *Pool
}

func NewTradeSink(pool *Pool) *TradeSink {
	return &TradeSink{pool: pool}
}

var _ tradelog.Sink = (*TradeSink)(nil)

// Record inserts the event. Replaying an event with a known id is a no-op.
func (s *TradeSink) Record(ctx context.Context, e tradelog.Event) error {
	query := `
		INSERT INTO trade_events (
			event_id, user_id, symbol, timeframe, strategy,
			action, side, reason, quantity, price,
			stop_loss_pct, take_profit_pct, pnl, event_time
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14
		)
	`
	_, err := s.pool.Exec(ctx, query,
		e.ID.String(), e.UserID, e.Symbol, e.Timeframe, e.Strategy,
		string(e.Action), e.Side, e.Reason, e.Quantity, e.Price,
		e.StopLossPct, e.TakeProfitPct, e.PnL, e.Time,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("insert trade event: %w", err)
	}
	return nil
}

// Recent returns the newest events of a user, newest first.
func (s *TradeSink) Recent(ctx context.Context, userID string, limit int) ([]tradelog.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id::text, user_id, symbol, timeframe, strategy,
		       action, side, reason, quantity, price,
		       stop_loss_pct, take_profit_pct, pnl, event_time
		FROM trade_events
		WHERE user_id = $1
		ORDER BY event_time DESC, event_id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trade events: %w", err)
	}
	defer rows.Close()

	var out []tradelog.Event
	for rows.Next() {
		var (
			e      tradelog.Event
			id     string
			action string
		)
		if err := rows.Scan(
			&id, &e.UserID, &e.Symbol, &e.Timeframe, &e.Strategy,
			&action, &e.Side, &e.Reason, &e.Quantity, &e.Price,
			&e.StopLossPct, &e.TakeProfitPct, &e.PnL, &e.Time,
		); err != nil {
			return nil, fmt.Errorf("scan trade event: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse trade event id %q: %w", id, err)
		}
		e.Action = tradelog.Action(action)
		e.Time = e.Time.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade events: %w", err)
	}
	return out, nil
}
