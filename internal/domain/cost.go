package domain

// TradeCost is a pre-trade cost estimate for one order attempt. It is
// computed per attempt and never persisted.
type TradeCost struct {
	EntryFee      float64
	ExitFee       float64
	TotalFees     float64
	EntrySlippage float64
	ExitSlippage  float64
	TotalSlippage float64
	FundingCost   float64
	TotalCost     float64

	TotalCostPercent     float64
	BreakevenMovePercent float64
}

// CostEfficiency classifies a trade's expected profit against its cost.
// The classification is advisory-only: it raises an alert but never blocks
// execution.
type CostEfficiency string

const (
	CostEfficient   CostEfficiency = "efficient"   // profit/cost >= 3
	CostMarginal    CostEfficiency = "marginal"    // profit/cost >= 2
	CostInefficient CostEfficiency = "inefficient" // below 2
)

// CostReview is the advisory efficiency analysis for one planned trade.
type CostReview struct {
	Efficiency        CostEfficiency
	ProfitToCostRatio float64
}
