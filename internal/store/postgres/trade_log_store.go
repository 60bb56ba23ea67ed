package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/delquant/delphibot/internal/domain"
)

// TradeLogStore implements domain.TradeLogStore on PostgreSQL. The
// exactly-once finalize guarantee comes from the outcome='PENDING'
// predicate on the UPDATE, not from application locking.
type TradeLogStore struct {
	pool *pgxpool.Pool
}

var _ domain.TradeLogStore = (*TradeLogStore)(nil)

// NewTradeLogStore creates a store backed by the given pool.
func NewTradeLogStore(pool *pgxpool.Pool) *TradeLogStore {
	return &TradeLogStore{pool: pool}
}

const tradeCols = `trade_id, symbol, direction, entry_price, entry_time,
	exit_price, exit_time, leverage, size_percent, quantity,
	stop_loss, take_profit_1, take_profit_2,
	outcome, pnl_percent, exit_reason, review_note, tags`

// Create inserts the PENDING row written at entry.
func (s *TradeLogStore) Create(ctx context.Context, rec domain.TradeLogRecord) error {
	const query = `
		INSERT INTO trade_records (
			trade_id, symbol, direction, entry_price, entry_time,
			leverage, size_percent, quantity,
			stop_loss, take_profit_1, take_profit_2, outcome
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	outcome := rec.Outcome
	if outcome == "" {
		outcome = domain.OutcomePending
	}
	_, err := s.pool.Exec(ctx, query,
		rec.TradeID, rec.Symbol, rec.Direction, rec.EntryPrice, rec.EntryTime,
		rec.Leverage, rec.SizePercent, rec.Quantity,
		rec.StopLoss, rec.TakeProfit1, rec.TakeProfit2, outcome,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: trade %s: %w", rec.TradeID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert trade: %w", err)
	}
	return nil
}

// Finalize writes the close-time fields, guarded so it can succeed at most
// once per row.
func (s *TradeLogStore) Finalize(ctx context.Context, tradeID string, final domain.TradeFinal) error {
	const query = `
		UPDATE trade_records
		SET exit_price = $2, exit_time = $3, outcome = $4,
		    pnl_percent = $5, exit_reason = $6
		WHERE trade_id = $1 AND outcome = 'PENDING'`

	tag, err := s.pool.Exec(ctx, query,
		tradeID, final.ExitPrice, final.ExitTime, final.Outcome,
		final.PnLPercent, final.ExitReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: finalize trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, tradeID)
	}
	return nil
}

// UpdateExitLevels rewrites the protective levels of a PENDING row.
func (s *TradeLogStore) UpdateExitLevels(ctx context.Context, tradeID string, stop, tp1, tp2 float64) error {
	const query = `
		UPDATE trade_records
		SET stop_loss = $2, take_profit_1 = $3, take_profit_2 = $4
		WHERE trade_id = $1 AND outcome = 'PENDING'`

	tag, err := s.pool.Exec(ctx, query, tradeID, stop, tp1, tp2)
	if err != nil {
		return fmt.Errorf("postgres: update exit levels: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, tradeID)
	}
	return nil
}

// explainMiss distinguishes a missing row from one already finalized.
func (s *TradeLogStore) explainMiss(ctx context.Context, tradeID string) error {
	var outcome domain.TradeOutcome
	err := s.pool.QueryRow(ctx,
		"SELECT outcome FROM trade_records WHERE trade_id = $1", tradeID,
	).Scan(&outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: trade %s: %w", tradeID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: check trade %s: %w", tradeID, err)
	}
	return fmt.Errorf("postgres: trade %s: %w", tradeID, domain.ErrFinalized)
}

// Label appends the post-hoc review fields; allowed after close.
func (s *TradeLogStore) Label(ctx context.Context, tradeID string, note string, tags []string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE trade_records SET review_note = $2, tags = $3 WHERE trade_id = $1",
		tradeID, note, tags,
	)
	if err != nil {
		return fmt.Errorf("postgres: label trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: trade %s: %w", tradeID, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns one row by trade id.
func (s *TradeLogStore) GetByID(ctx context.Context, tradeID string) (domain.TradeLogRecord, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+tradeCols+" FROM trade_records WHERE trade_id = $1", tradeID)
	rec, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TradeLogRecord{}, fmt.Errorf("postgres: trade %s: %w", tradeID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.TradeLogRecord{}, fmt.Errorf("postgres: get trade: %w", err)
	}
	return rec, nil
}

// ListPending returns the PENDING rows for symbol+direction, newest first.
func (s *TradeLogStore) ListPending(ctx context.Context, symbol string, dir domain.PositionDirection) ([]domain.TradeLogRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+tradeCols+` FROM trade_records
		WHERE symbol = $1 AND direction = $2 AND outcome = 'PENDING'
		ORDER BY entry_time DESC`, symbol, dir)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListClosedBefore returns finalized rows whose exit time is older than the
// cutoff, oldest first, for archival.
func (s *TradeLogStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.TradeLogRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+tradeCols+` FROM trade_records
		WHERE outcome <> 'PENDING' AND exit_time < $1
		ORDER BY exit_time ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrade(row pgx.Row) (domain.TradeLogRecord, error) {
	var rec domain.TradeLogRecord
	err := row.Scan(
		&rec.TradeID, &rec.Symbol, &rec.Direction, &rec.EntryPrice, &rec.EntryTime,
		&rec.ExitPrice, &rec.ExitTime, &rec.Leverage, &rec.SizePercent, &rec.Quantity,
		&rec.StopLoss, &rec.TakeProfit1, &rec.TakeProfit2,
		&rec.Outcome, &rec.PnLPercent, &rec.ExitReason, &rec.ReviewNote, &rec.Tags,
	)
	return rec, err
}

func scanTrades(rows pgx.Rows) ([]domain.TradeLogRecord, error) {
	var out []domain.TradeLogRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
