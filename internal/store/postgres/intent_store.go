package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/delquant/delphibot/internal/domain"
)

// IntentStore implements domain.IntentStore on PostgreSQL. A partial
// unique index on (symbol) WHERE archived_at IS NULL enforces the
// one-active-intent-per-symbol invariant at the schema level.
type IntentStore struct {
	pool *pgxpool.Pool
}

var _ domain.IntentStore = (*IntentStore)(nil)

// NewIntentStore creates a store backed by the given pool.
func NewIntentStore(pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{pool: pool}
}

const intentCols = `trade_id, symbol, direction, scenario, entry_price,
	target_price, stop_loss, invalidation_price, key_levels, confidence,
	created_at, adjusted, adjusted_at, original_size, archived_at`

// Put writes the full intent record, replacing any previous version of the
// same trade id.
func (s *IntentStore) Put(ctx context.Context, intent domain.TradingIntent) error {
	const query = `
		INSERT INTO trading_intents (
			trade_id, symbol, direction, scenario, entry_price,
			target_price, stop_loss, invalidation_price, key_levels, confidence,
			created_at, adjusted, adjusted_at, original_size, archived_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (trade_id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			direction = EXCLUDED.direction,
			scenario = EXCLUDED.scenario,
			entry_price = EXCLUDED.entry_price,
			target_price = EXCLUDED.target_price,
			stop_loss = EXCLUDED.stop_loss,
			invalidation_price = EXCLUDED.invalidation_price,
			key_levels = EXCLUDED.key_levels,
			confidence = EXCLUDED.confidence,
			created_at = EXCLUDED.created_at,
			adjusted = EXCLUDED.adjusted,
			adjusted_at = EXCLUDED.adjusted_at,
			original_size = EXCLUDED.original_size,
			archived_at = EXCLUDED.archived_at`

	keyLevels := intent.KeyLevels
	if keyLevels == nil {
		keyLevels = []float64{}
	}
	_, err := s.pool.Exec(ctx, query,
		intent.TradeID, intent.Symbol, intent.Direction, intent.Scenario, intent.EntryPrice,
		intent.TargetPrice, intent.StopLoss, intent.InvalidationPrice, keyLevels, intent.Confidence,
		intent.CreatedAt, intent.Adjusted, intent.AdjustedAt, intent.OriginalSize, intent.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put intent: %w", err)
	}
	return nil
}

// Active returns the non-archived intent for symbol.
func (s *IntentStore) Active(ctx context.Context, symbol string) (domain.TradingIntent, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+intentCols+" FROM trading_intents WHERE symbol = $1 AND archived_at IS NULL",
		symbol)
	intent, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TradingIntent{}, fmt.Errorf("postgres: active intent for %s: %w", symbol, domain.ErrNotFound)
	}
	if err != nil {
		return domain.TradingIntent{}, fmt.Errorf("postgres: active intent: %w", err)
	}
	return intent, nil
}

// Archive timestamps the active intent for symbol, moving it to history.
// The record is never deleted.
func (s *IntentStore) Archive(ctx context.Context, symbol string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE trading_intents SET archived_at = $2 WHERE symbol = $1 AND archived_at IS NULL",
		symbol, at)
	if err != nil {
		return fmt.Errorf("postgres: archive intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: active intent for %s: %w", symbol, domain.ErrNotFound)
	}
	return nil
}

// History retrieves an archived intent by trade id.
func (s *IntentStore) History(ctx context.Context, tradeID string) (domain.TradingIntent, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+intentCols+" FROM trading_intents WHERE trade_id = $1 AND archived_at IS NOT NULL",
		tradeID)
	intent, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TradingIntent{}, fmt.Errorf("postgres: archived intent %s: %w", tradeID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.TradingIntent{}, fmt.Errorf("postgres: archived intent: %w", err)
	}
	return intent, nil
}

// ListArchivedBefore returns archived intents older than the cutoff, oldest
// first, for archival export.
func (s *IntentStore) ListArchivedBefore(ctx context.Context, before time.Time) ([]domain.TradingIntent, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+intentCols+` FROM trading_intents
		WHERE archived_at IS NOT NULL AND archived_at < $1
		ORDER BY archived_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list archived intents: %w", err)
	}
	defer rows.Close()

	var out []domain.TradingIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan intent: %w", err)
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func scanIntent(row pgx.Row) (domain.TradingIntent, error) {
	var intent domain.TradingIntent
	err := row.Scan(
		&intent.TradeID, &intent.Symbol, &intent.Direction, &intent.Scenario, &intent.EntryPrice,
		&intent.TargetPrice, &intent.StopLoss, &intent.InvalidationPrice, &intent.KeyLevels, &intent.Confidence,
		&intent.CreatedAt, &intent.Adjusted, &intent.AdjustedAt, &intent.OriginalSize, &intent.ArchivedAt,
	)
	return intent, err
}
