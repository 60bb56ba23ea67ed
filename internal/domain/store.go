package domain

import (
	"context"
	"time"
)

// TradeLogStore is the durable, append-mostly trade log. One insert at
// entry (PENDING), one finalize at close; price/outcome fields are
// immutable after Finalize. Label writes touch only post-hoc fields.
type TradeLogStore interface {
	Create(ctx context.Context, rec TradeLogRecord) error
	// Finalize writes the close-time fields exactly once; a second call
	// for the same trade id returns ErrFinalized.
	Finalize(ctx context.Context, tradeID string, final TradeFinal) error
	// Label appends post-hoc label fields to a closed record.
	Label(ctx context.Context, tradeID string, note string, tags []string) error
	// UpdateExitLevels rewrites the protective levels of a PENDING row
	// after an adjustment; finalized rows return ErrFinalized.
	UpdateExitLevels(ctx context.Context, tradeID string, stop, tp1, tp2 float64) error
	GetByID(ctx context.Context, tradeID string) (TradeLogRecord, error)
	// ListPending returns PENDING rows for symbol+direction, newest first.
	ListPending(ctx context.Context, symbol string, dir PositionDirection) ([]TradeLogRecord, error)
	// ListClosedBefore returns finalized rows older than the cutoff, for
	// archival.
	ListClosedBefore(ctx context.Context, before time.Time) ([]TradeLogRecord, error)
}

// IntentStore holds at most one active trading intent per symbol. Archive
// timestamps and relocates the record; it never deletes. Writes are always
// full-record replacements.
type IntentStore interface {
	Put(ctx context.Context, intent TradingIntent) error
	// Active returns the non-archived intent for symbol, or ErrNotFound.
	Active(ctx context.Context, symbol string) (TradingIntent, error)
	// Archive stamps the active intent for symbol and moves it to history.
	Archive(ctx context.Context, symbol string, at time.Time) error
	// History retrieves an archived intent by trade id.
	History(ctx context.Context, tradeID string) (TradingIntent, error)
	// ListArchivedBefore returns archived intents older than the cutoff.
	ListArchivedBefore(ctx context.Context, before time.Time) ([]TradingIntent, error)
}

// TriggerStore is the small durable trigger set. Every mutation rewrites
// the full record set, so a reader never observes a half-updated set.
type TriggerStore interface {
	Load(ctx context.Context, symbol string) ([]Trigger, error)
	Replace(ctx context.Context, symbol string, triggers []Trigger) error
}

// PositionCache is the short-TTL cache in front of the exchange position
// query.
type PositionCache interface {
	Get(ctx context.Context, symbol string) (*ExchangePosition, bool, error)
	Set(ctx context.Context, pos ExchangePosition, ttl time.Duration) error
	Invalidate(ctx context.Context, symbol string) error
}

// SlippageHistory records realized slippage per symbol for the cost
// model's historical adjustment.
type SlippageHistory interface {
	Record(ctx context.Context, symbol string, slippageRate float64) error
	// Recent returns up to n most recent slippage rates, newest first.
	Recent(ctx context.Context, symbol string, n int) ([]float64, error)
}

// AdvisoryCallLog records re-evaluation invocations so the gate can
// enforce a minimum interval and an hourly budget across restarts.
type AdvisoryCallLog interface {
	Record(ctx context.Context, symbol string, at time.Time, reason string) error
	LastCall(ctx context.Context, symbol string) (time.Time, bool, error)
	CountSince(ctx context.Context, symbol string, since time.Time) (int, error)
}

// LockManager provides the symbol-scoped mutual exclusion guard for the
// decision pipeline. Acquire returns ErrLockHeld when another run is in
// flight.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// BlobWriter uploads one object to blob storage.
type BlobWriter interface {
	Write(ctx context.Context, key string, contentType string, body []byte) error
}

// Archiver exports closed records to blob storage as JSONL.
type Archiver interface {
	ArchiveTrades(ctx context.Context, before time.Time) (int64, error)
	ArchiveIntents(ctx context.Context, before time.Time) (int64, error)
}

// Alerter is the structured error/risk event sink. Implementations must
// include trade id, symbol, and decision context supplied by the caller.
type Alerter interface {
	Alert(ctx context.Context, event, title, message string) error
}
