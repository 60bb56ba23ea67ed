package domain

// DecisionAction is the action enum supplied by the advisory collaborator.
type DecisionAction string

const (
	ActionHold           DecisionAction = "HOLD"
	ActionHoldPosition   DecisionAction = "HOLD_POSITION"
	ActionBuy            DecisionAction = "BUY"
	ActionSell           DecisionAction = "SELL"
	ActionClosePosition  DecisionAction = "CLOSE_POSITION"
	ActionAdjustStop     DecisionAction = "ADJUST_STOP"
	ActionAdjustTargets  DecisionAction = "ADJUST_TARGETS"
	ActionAdjustBoth     DecisionAction = "ADJUST_BOTH"
	ActionAdjustPosition DecisionAction = "ADJUST_POSITION"
)

// EntryPlan carries the fields a BUY/SELL decision needs: price levels,
// sizing hints, and the rationale that seeds the trading intent.
type EntryPlan struct {
	EntryPrice        float64
	OrderType         OrderType // Market or StopMarket/StopLimit for resting entries
	LimitPrice        float64   // stop-limit entries only
	CapitalPercent    float64
	Leverage          int
	StopLoss          float64
	TakeProfit1       float64
	TakeProfit2       float64 // optional second target, 0 when unused
	InvalidationPrice float64
	KeyLevels         []float64
	Scenario          string
	Confidence        int
}

// AdjustPlan carries the fields an ADJUST_POSITION (pyramiding) decision
// needs.
type AdjustPlan struct {
	TargetQuantity float64
	NewStop        float64
	TakeProfit1    float64
	TakeProfit2    float64
}

// Decision is the tagged union produced by the advisory collaborator. Only
// the variant matching Action is populated; the engine treats everything
// else as absent.
type Decision struct {
	Action    DecisionAction
	Symbol    string
	Rationale string

	Entry       *EntryPlan  // BUY / SELL
	WatchLevels []float64   // HOLD: price levels to watch while flat
	NewStop     float64     // ADJUST_STOP / ADJUST_BOTH
	NewTargets  []float64   // ADJUST_TARGETS / ADJUST_BOTH (1 or 2 prices)
	Adjust      *AdjustPlan // ADJUST_POSITION
}

// EntryDirection maps a BUY/SELL action to the resulting position
// direction.
func (d Decision) EntryDirection() (PositionDirection, bool) {
	switch d.Action {
	case ActionBuy:
		return DirectionLong, true
	case ActionSell:
		return DirectionShort, true
	default:
		return "", false
	}
}

// ExecutionStatus describes what the state machine did with a decision.
type ExecutionStatus string

const (
	ExecStatusNoop     ExecutionStatus = "noop"
	ExecStatusExecuted ExecutionStatus = "executed"
	ExecStatusPending  ExecutionStatus = "pending" // resting entry awaiting fill
	ExecStatusAdjusted ExecutionStatus = "adjusted"
	ExecStatusPartial  ExecutionStatus = "partial" // ADJUST_BOTH second step failed
	ExecStatusClosed   ExecutionStatus = "closed"
	ExecStatusBlocked  ExecutionStatus = "blocked"
	ExecStatusRejected ExecutionStatus = "rejected"
)

// ExecutionResult is the typed outcome of dispatching one decision.
type ExecutionResult struct {
	Status     ExecutionStatus
	TradeID    string
	OrderID    int64
	FillPrice  float64
	Quantity   float64
	Reason     string
	Cost       *TradeCost
	NoOCOGuard bool // exit orders fell back to the unpaired path
}
