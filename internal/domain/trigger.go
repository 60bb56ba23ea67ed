package domain

import "time"

// TriggerClass separates the two mutually exclusive trigger lifecycles:
// WATCH triggers exist only while flat, POSITION triggers only while a
// position is open.
type TriggerClass string

const (
	TriggerWatch    TriggerClass = "WATCH"
	TriggerPosition TriggerClass = "POSITION"
)

// TriggerKind is the condition a trigger evaluates.
type TriggerKind string

const (
	KindPrice           TriggerKind = "PRICE"
	KindVolatilitySpike TriggerKind = "VOLATILITY_SPIKE"
	KindVolumeAnomaly   TriggerKind = "VOLUME_ANOMALY"
	KindTime            TriggerKind = "TIME"
	KindProfit          TriggerKind = "PROFIT"
	KindDrawdown        TriggerKind = "DRAWDOWN"
)

// TriggerUrgency orders competing firings; exactly one trigger fires per
// sweep, the highest-urgency match.
type TriggerUrgency int

const (
	UrgencyLow TriggerUrgency = iota
	UrgencyMedium
	UrgencyHigh
	UrgencyCritical
)

// String implements fmt.Stringer for logging.
func (u TriggerUrgency) String() string {
	switch u {
	case UrgencyCritical:
		return "CRITICAL"
	case UrgencyHigh:
		return "HIGH"
	case UrgencyMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// TriggerAction is what a firing requests from the pipeline.
type TriggerAction string

const (
	TriggerActionReevaluate     TriggerAction = "reevaluate"
	TriggerActionEmergencyClose TriggerAction = "emergency_close"
)

// Trigger is one condition that requests an early re-evaluation (or, for
// CRITICAL kinds, an emergency close). Triggers are consumed exactly once:
// removed on firing or pruned on expiry.
type Trigger struct {
	ID        string            `json:"id"`
	Class     TriggerClass      `json:"class"`
	Kind      TriggerKind       `json:"kind"`
	Symbol    string            `json:"symbol"`
	TradeID   string            `json:"trade_id,omitempty"`
	Direction PositionDirection `json:"direction,omitempty"`
	Action    TriggerAction     `json:"action"`
	Urgency   TriggerUrgency    `json:"urgency"`
	Rationale string            `json:"rationale,omitempty"`

	// Thresholds; which ones apply depends on Kind.
	Price              float64 `json:"price,omitempty"`                // PRICE
	ThresholdPercent   float64 `json:"threshold_percent,omitempty"`   // PROFIT / DRAWDOWN
	BaselineVolatility float64 `json:"baseline_volatility,omitempty"` // VOLATILITY_SPIKE
	BaselineVolume     float64 `json:"baseline_volume,omitempty"`     // VOLUME_ANOMALY
	Multiplier         float64 `json:"multiplier,omitempty"`          // spike/anomaly factor
	HoursInPosition    float64 `json:"hours_in_position,omitempty"`   // TIME
	MinMovementPercent float64 `json:"min_movement_percent,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the trigger has passed its expiry.
func (t Trigger) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// MarketSnapshot is the live market state a sweep evaluates triggers
// against. Volatility and volume are whatever baseline metric the feed
// maintains; triggers compare them as ratios against recorded baselines.
type MarketSnapshot struct {
	Symbol     string
	Price      float64
	Volatility float64
	Volume     float64
	Condition  MarketCondition
	AsOf       time.Time
}

// MarketCondition is a coarse classification used by the slippage model
// and the re-evaluation gate.
type MarketCondition string

const (
	MarketNormal       MarketCondition = "normal"
	MarketVolatile     MarketCondition = "volatile"
	MarketLowLiquidity MarketCondition = "low_liquidity"
	MarketHighVolume   MarketCondition = "high_volume"
)

// Firing is the outcome of a sweep that matched a trigger.
type Firing struct {
	Trigger Trigger
	Price   float64
	FiredAt time.Time
}
