package domain

import "time"

// TradeOutcome labels a finished (or pending) trade-log row.
type TradeOutcome string

const (
	OutcomePending    TradeOutcome = "PENDING"
	OutcomeWin        TradeOutcome = "WIN"
	OutcomeLoss       TradeOutcome = "LOSS"
	OutcomeBreakeven  TradeOutcome = "BREAKEVEN"
	OutcomeManualExit TradeOutcome = "MANUAL_EXIT"
	OutcomeEmergency  TradeOutcome = "EMERGENCY_CLOSE"
)

// TradeLogRecord is one append-only audit row in the trade log. A row is
// inserted at entry with OutcomePending and finalized exactly once at
// close; price and outcome fields are immutable afterwards. Label-only
// fields (review notes, tags) may be appended post-close.
type TradeLogRecord struct {
	TradeID     string
	Symbol      string
	Direction   PositionDirection
	EntryPrice  float64
	EntryTime   time.Time
	ExitPrice   float64
	ExitTime    *time.Time
	Leverage    int
	SizePercent float64
	Quantity    float64
	StopLoss    float64
	TakeProfit1 float64
	TakeProfit2 float64
	Outcome     TradeOutcome
	PnLPercent  float64
	ExitReason  string

	// Post-hoc labels, mutable after close.
	ReviewNote string
	Tags       []string
}

// TradeFinal carries the close-time fields written exactly once.
type TradeFinal struct {
	ExitPrice  float64
	ExitTime   time.Time
	Outcome    TradeOutcome
	PnLPercent float64
	ExitReason string
}

// OutcomeFromPnL maps a realized pnl percentage to a coarse outcome label.
func OutcomeFromPnL(pnlPct float64) TradeOutcome {
	switch {
	case pnlPct > 0.05:
		return OutcomeWin
	case pnlPct < -0.05:
		return OutcomeLoss
	default:
		return OutcomeBreakeven
	}
}
