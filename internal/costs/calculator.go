// Package costs implements the pre-trade cost model (fees, slippage,
// funding) and the order sizing rules. All functions are pure except the
// historical-slippage lookup, which goes through domain.SlippageHistory.
package costs

import (
	"context"
	"log/slog"

	"github.com/delquant/delphibot/internal/domain"
)

// slippageHistoryWindow is how many realized samples feed the historical
// adjustment; minSamples below it the adjustment stays neutral.
const (
	slippageHistoryWindow = 10
	minSlippageSamples    = 5
	fundingPeriodHours    = 8.0
)

// marketConditionMultipliers scales base slippage by market regime.
var marketConditionMultipliers = map[domain.MarketCondition]float64{
	domain.MarketNormal:       1.0,
	domain.MarketVolatile:     2.0,
	domain.MarketLowLiquidity: 1.5,
	domain.MarketHighVolume:   0.8,
}

// Params are the cost-model constants, normally taken from config.
type Params struct {
	MakerFeePct        float64 // limit orders
	TakerFeePct        float64 // market and stop-market orders
	BaseSlippagePct    float64
	VolumeImpactFactor float64
	FundingRatePct     float64 // per 8h funding period
}

// Calculator computes per-attempt trade costs, learning from realized
// slippage recorded per symbol.
type Calculator struct {
	params  Params
	history domain.SlippageHistory
	logger  *slog.Logger
}

// NewCalculator creates a Calculator. history may be nil, in which case the
// historical adjustment is always neutral.
func NewCalculator(params Params, history domain.SlippageHistory, logger *slog.Logger) *Calculator {
	return &Calculator{
		params:  params,
		history: history,
		logger:  logger.With(slog.String("component", "costs")),
	}
}

// Estimate computes the full round-trip cost of a planned trade: entry and
// exit fees, entry and exit slippage, and funding for the expected holding
// period. Output percentages are relative to entry notional.
func (c *Calculator) Estimate(
	ctx context.Context,
	symbol string,
	side domain.OrderSide,
	quantity, entryPrice, exitPrice float64,
	orderType domain.OrderType,
	holdingHours float64,
	condition domain.MarketCondition,
) domain.TradeCost {
	notional := quantity * entryPrice
	exitNotional := quantity * exitPrice

	entryFee := c.fee(notional, orderType)
	exitFee := c.fee(exitNotional, orderType)

	adj := c.historicalAdjustment(ctx, symbol)
	entrySlip := c.slippage(notional, side, condition, adj)
	exitSlip := c.slippage(exitNotional, oppositeSide(side), condition, adj)

	funding := c.fundingCost(notional, holdingHours)

	total := entryFee + exitFee + entrySlip + exitSlip + funding

	cost := domain.TradeCost{
		EntryFee:      entryFee,
		ExitFee:       exitFee,
		TotalFees:     entryFee + exitFee,
		EntrySlippage: entrySlip,
		ExitSlippage:  exitSlip,
		TotalSlippage: entrySlip + exitSlip,
		FundingCost:   funding,
		TotalCost:     total,
	}
	if notional > 0 {
		cost.TotalCostPercent = total / notional * 100
		// The price must move this far just to cover costs.
		cost.BreakevenMovePercent = cost.TotalCostPercent
	}
	return cost
}

// fee applies the maker rate to limit orders and the taker rate to
// everything else.
func (c *Calculator) fee(notional float64, orderType domain.OrderType) float64 {
	rate := c.params.TakerFeePct
	if orderType == domain.OrderTypeLimit {
		rate = c.params.MakerFeePct
	}
	return notional * rate / 100
}

// slippage follows the model:
//
//	base × conditionMult × sideMult × (1 + volumeImpact) × (1 + historicalAdj)
//
// where volumeImpact = min(notional/100k, 0.5) × impactFactor and sells pay
// a 1.1 multiplier.
func (c *Calculator) slippage(notional float64, side domain.OrderSide, condition domain.MarketCondition, historicalAdj float64) float64 {
	base := c.params.BaseSlippagePct / 100

	mult, ok := marketConditionMultipliers[condition]
	if !ok {
		mult = 1.0
	}

	sideMult := 1.0
	if side == domain.SideSell {
		sideMult = 1.1
	}

	volumeImpact := min(notional/100_000, 0.5) * c.params.VolumeImpactFactor

	rate := base * mult * sideMult * (1 + volumeImpact) * (1 + historicalAdj)
	return notional * rate
}

// fundingCost charges the funding rate once per 8-hour period held.
func (c *Calculator) fundingCost(notional, holdingHours float64) float64 {
	periods := holdingHours / fundingPeriodHours
	cost := notional * (c.params.FundingRatePct / 100) * periods
	if cost < 0 {
		cost = -cost
	}
	return cost
}

// historicalAdjustment derives a relative adjustment from the rolling
// average of realized slippage for symbol, clamped to [-0.5, +1.0]. Fewer
// than minSlippageSamples samples yields no adjustment.
func (c *Calculator) historicalAdjustment(ctx context.Context, symbol string) float64 {
	if c.history == nil {
		return 0
	}
	rates, err := c.history.Recent(ctx, symbol, slippageHistoryWindow)
	if err != nil {
		c.logger.WarnContext(ctx, "slippage history unavailable",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return 0
	}
	if len(rates) < minSlippageSamples {
		return 0
	}

	var sum float64
	for _, r := range rates {
		sum += r
	}
	avg := sum / float64(len(rates))

	base := c.params.BaseSlippagePct / 100
	if base == 0 {
		return 0
	}
	return ClampAdjustment((avg - base) / base)
}

// ClampAdjustment bounds the historical adjustment to [-0.5, +1.0].
func ClampAdjustment(adj float64) float64 {
	if adj < -0.5 {
		return -0.5
	}
	if adj > 1.0 {
		return 1.0
	}
	return adj
}

// RecordRealizedSlippage computes |actual-expected|/expected adjusted for
// side and stores it in the rolling history.
func (c *Calculator) RecordRealizedSlippage(ctx context.Context, symbol string, expected, actual float64, side domain.OrderSide) {
	if c.history == nil || expected <= 0 {
		return
	}
	var rate float64
	if side == domain.SideBuy {
		rate = (actual - expected) / expected
	} else {
		rate = (expected - actual) / expected
	}
	if rate < 0 {
		rate = -rate
	}
	if err := c.history.Record(ctx, symbol, rate); err != nil {
		c.logger.WarnContext(ctx, "recording realized slippage failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
}

// Review classifies expected profit against cost. Advisory-only: callers
// alert on inefficient trades but never block them.
func Review(cost domain.TradeCost, expectedProfitPct float64) domain.CostReview {
	review := domain.CostReview{Efficiency: domain.CostInefficient}
	if cost.TotalCostPercent > 0 {
		review.ProfitToCostRatio = expectedProfitPct / cost.TotalCostPercent
	}
	switch {
	case review.ProfitToCostRatio >= 3.0:
		review.Efficiency = domain.CostEfficient
	case review.ProfitToCostRatio >= 2.0:
		review.Efficiency = domain.CostMarginal
	}
	return review
}

func oppositeSide(s domain.OrderSide) domain.OrderSide {
	if s == domain.SideBuy {
		return domain.SideSell
	}
	return domain.SideBuy
}
