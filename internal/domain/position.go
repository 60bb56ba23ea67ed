package domain

import "time"

// PositionDirection is the side of an open futures position.
type PositionDirection string

const (
	DirectionLong  PositionDirection = "LONG"
	DirectionShort PositionDirection = "SHORT"
)

// Opposite returns the other direction.
func (d PositionDirection) Opposite() PositionDirection {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// ExchangePosition is the venue-reported truth for one symbol. It is a
// read-only snapshot; quantity and direction here always win over local
// records.
type ExchangePosition struct {
	Symbol        string
	Direction     PositionDirection
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
	Isolated      bool
	FetchedAt     time.Time
}

// PnLPercent is the unleveraged price excursion from entry, signed by
// direction.
func (p ExchangePosition) PnLPercent() float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Direction == DirectionLong {
		return (p.MarkPrice - p.EntryPrice) / p.EntryPrice * 100
	}
	return (p.EntryPrice - p.MarkPrice) / p.EntryPrice * 100
}

// MergedPositionView is the composite read model assembled by the
// reconciler from exchange truth, the local trading intent, and the trade
// log. It is recomputed on every query and never persisted.
type MergedPositionView struct {
	ExchangePosition

	// Intent layer. Present only when a non-archived intent matches the
	// exchange direction.
	HasIntent   bool
	TradeID     string
	Scenario    string
	TargetPrice float64
	StopLoss    float64
	Confidence  int
	IntentAt    time.Time

	// Trade-log layer.
	DuplicateEntryCount int
	LogTradeID          string
	LogEntryTime        time.Time

	PnLPct    float64
	UpdatedAt time.Time
}

// AccountState is the margin/balance snapshot used by sizing and the risk
// watchdog.
type AccountState struct {
	TotalBalance     float64
	AvailableBalance float64
	UnrealizedPnL    float64
	MarginRatio      float64
}

// SymbolRules are the venue trading rules the sizing model must respect.
type SymbolRules struct {
	Symbol      string
	StepSize    float64
	MinQuantity float64
	MinNotional float64
	PricePrec   int
	QtyPrec     int
}

// SyncReport is the outcome of one reconciliation pass. Discrepancies are
// surfaced, never silently resolved; ActionsTaken records the single
// allowed self-heal (archiving a stale intent).
type SyncReport struct {
	Symbol        string
	Consistent    bool
	Discrepancies []string
	ActionsTaken  []string
	CheckedAt     time.Time
}
