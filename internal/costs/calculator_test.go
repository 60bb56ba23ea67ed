package costs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delquant/delphibot/internal/domain"
)

var testParams = Params{
	MakerFeePct:        0.02,
	TakerFeePct:        0.04,
	BaseSlippagePct:    0.05,
	VolumeImpactFactor: 0.02,
	FundingRatePct:     0.01,
}

type fakeHistory struct {
	rates    []float64
	recorded []float64
}

func (f *fakeHistory) Record(_ context.Context, _ string, rate float64) error {
	f.recorded = append(f.recorded, rate)
	return nil
}

func (f *fakeHistory) Recent(_ context.Context, _ string, n int) ([]float64, error) {
	if len(f.rates) < n {
		return f.rates, nil
	}
	return f.rates[:n], nil
}

func TestEstimateFeesAndSlippage(t *testing.T) {
	c := NewCalculator(testParams, nil, testLogger())

	cost := c.Estimate(context.Background(), "SOLUSDT", domain.SideBuy,
		10, 100, 110, domain.OrderTypeMarket, 0, domain.MarketNormal)

	// Taker fees: 0.04% of 1000 in, 0.04% of 1100 out.
	assert.InDelta(t, 0.40, cost.EntryFee, 1e-9)
	assert.InDelta(t, 0.44, cost.ExitFee, 1e-9)
	assert.InDelta(t, 0.84, cost.TotalFees, 1e-9)

	// Entry slippage: 1000 * 0.0005 * (1 + 0.01*0.02) = 0.5001.
	assert.InDelta(t, 0.5001, cost.EntrySlippage, 1e-6)
	// Exit is a sell: extra 1.1 multiplier on 1100 notional.
	assert.InDelta(t, 1100*0.0005*1.1*(1+0.011*0.02), cost.ExitSlippage, 1e-6)

	assert.Zero(t, cost.FundingCost)
	assert.InDelta(t, cost.TotalCost/1000*100, cost.TotalCostPercent, 1e-9)
	assert.Equal(t, cost.TotalCostPercent, cost.BreakevenMovePercent)
}

func TestEstimateMakerFeeForLimitOrders(t *testing.T) {
	c := NewCalculator(testParams, nil, testLogger())

	cost := c.Estimate(context.Background(), "SOLUSDT", domain.SideBuy,
		10, 100, 100, domain.OrderTypeLimit, 0, domain.MarketNormal)

	assert.InDelta(t, 0.20, cost.EntryFee, 1e-9)
}

func TestEstimateMarketConditionMultipliers(t *testing.T) {
	c := NewCalculator(testParams, nil, testLogger())

	normal := c.Estimate(context.Background(), "SOLUSDT", domain.SideBuy,
		10, 100, 100, domain.OrderTypeMarket, 0, domain.MarketNormal)
	volatile := c.Estimate(context.Background(), "SOLUSDT", domain.SideBuy,
		10, 100, 100, domain.OrderTypeMarket, 0, domain.MarketVolatile)
	highVol := c.Estimate(context.Background(), "SOLUSDT", domain.SideBuy,
		10, 100, 100, domain.OrderTypeMarket, 0, domain.MarketHighVolume)

	assert.InDelta(t, normal.EntrySlippage*2.0, volatile.EntrySlippage, 1e-9)
	assert.InDelta(t, normal.EntrySlippage*0.8, highVol.EntrySlippage, 1e-9)
}

func TestEstimateFundingPerEightHourPeriod(t *testing.T) {
	c := NewCalculator(testParams, nil, testLogger())

	cost := c.Estimate(context.Background(), "SOLUSDT", domain.SideBuy,
		10, 100, 100, domain.OrderTypeMarket, 24, domain.MarketNormal)

	// 3 funding periods at 0.01% of 1000.
	assert.InDelta(t, 0.30, cost.FundingCost, 1e-9)
}

func TestHistoricalAdjustmentNeedsEnoughSamples(t *testing.T) {
	hist := &fakeHistory{rates: []float64{0.001, 0.001, 0.001, 0.001}}
	c := NewCalculator(testParams, hist, testLogger())

	adj := c.historicalAdjustment(context.Background(), "SOLUSDT")
	assert.Zero(t, adj)

	hist.rates = append(hist.rates, 0.001)
	adj = c.historicalAdjustment(context.Background(), "SOLUSDT")
	// avg 0.001 vs base 0.0005 doubles the rate, clamped ceiling is +1.0.
	assert.Equal(t, 1.0, adj)
}

func TestClampAdjustmentBounds(t *testing.T) {
	assert.Equal(t, -0.5, ClampAdjustment(-0.9))
	assert.Equal(t, 1.0, ClampAdjustment(2.5))
	assert.Equal(t, 0.3, ClampAdjustment(0.3))
}

func TestRecordRealizedSlippage(t *testing.T) {
	hist := &fakeHistory{}
	c := NewCalculator(testParams, hist, testLogger())

	// Buy filled worse than expected.
	c.RecordRealizedSlippage(context.Background(), "SOLUSDT", 100, 100.2, domain.SideBuy)
	require.Len(t, hist.recorded, 1)
	assert.InDelta(t, 0.002, hist.recorded[0], 1e-9)

	// Sell filled worse than expected (lower price).
	c.RecordRealizedSlippage(context.Background(), "SOLUSDT", 100, 99.8, domain.SideSell)
	require.Len(t, hist.recorded, 2)
	assert.InDelta(t, 0.002, hist.recorded[1], 1e-9)
}

func TestReviewClassification(t *testing.T) {
	cost := domain.TradeCost{TotalCostPercent: 1.0}

	assert.Equal(t, domain.CostEfficient, Review(cost, 3.5).Efficiency)
	assert.Equal(t, domain.CostMarginal, Review(cost, 2.5).Efficiency)
	assert.Equal(t, domain.CostInefficient, Review(cost, 1.0).Efficiency)

	// Zero cost never divides.
	assert.Equal(t, domain.CostInefficient, Review(domain.TradeCost{}, 5).Efficiency)
}
