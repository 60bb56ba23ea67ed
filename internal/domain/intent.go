package domain

import "time"

// TradingIntent is the stored rationale for the open position: why it was
// entered and at which levels it stops being valid. At most one
// non-archived intent exists per symbol. Intents are archived (timestamped
// and kept retrievable by trade id), never deleted.
type TradingIntent struct {
	TradeID           string
	Symbol            string
	Direction         PositionDirection
	Scenario          string
	EntryPrice        float64
	TargetPrice       float64
	StopLoss          float64
	InvalidationPrice float64
	KeyLevels         []float64
	Confidence        int
	CreatedAt         time.Time

	// Adjustment audit, set by pyramiding.
	Adjusted     bool
	AdjustedAt   *time.Time
	OriginalSize float64

	ArchivedAt *time.Time
}

// Archived reports whether the intent has been moved to history.
func (i TradingIntent) Archived() bool { return i.ArchivedAt != nil }
