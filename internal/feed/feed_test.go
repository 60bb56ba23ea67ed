package feed

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delquant/delphibot/internal/domain"
	"github.com/delquant/delphibot/internal/platform/binance"
)

func newTestFeed(now time.Time) *Feed {
	f := New("SOLUSDT", nil, slog.New(slog.DiscardHandler))
	f.now = func() time.Time { return now }
	return f
}

func pushTicks(f *Feed, base time.Time, prices ...float64) {
	for i, p := range prices {
		f.HandleMarkPrice(binance.MarkPriceEvent{
			Symbol: "SOLUSDT",
			Price:  p,
			At:     base.Add(time.Duration(i) * time.Second),
		})
	}
}

func TestSnapshotNormalMarket(t *testing.T) {
	now := time.Now()
	f := newTestFeed(now)
	pushTicks(f, now.Add(-5*time.Second), 100.0, 100.1, 100.05, 99.95, 100.0)

	snap := f.Snapshot()
	assert.Equal(t, domain.MarketNormal, snap.Condition)
	assert.Equal(t, 100.0, snap.Price)
	assert.Less(t, snap.Volatility, 1.0)
	assert.Equal(t, 5.0, snap.Volume)
}

func TestSnapshotVolatileOnWideRange(t *testing.T) {
	now := time.Now()
	f := newTestFeed(now)
	// 2% range across the window.
	pushTicks(f, now.Add(-5*time.Second), 100, 101, 102, 100.5, 101.5)

	snap := f.Snapshot()
	assert.Equal(t, domain.MarketVolatile, snap.Condition)
	assert.GreaterOrEqual(t, snap.Volatility, 1.0)
}

func TestSnapshotLowLiquidityWhenStale(t *testing.T) {
	now := time.Now()
	f := newTestFeed(now)
	pushTicks(f, now.Add(-2*time.Minute), 100, 100.1)

	snap := f.Snapshot()
	assert.Equal(t, domain.MarketLowLiquidity, snap.Condition)
	// Price is still the last known one.
	assert.Equal(t, 100.1, snap.Price)
}

func TestSnapshotEmptyFeed(t *testing.T) {
	f := newTestFeed(time.Now())
	snap := f.Snapshot()
	assert.Equal(t, domain.MarketLowLiquidity, snap.Condition)
	assert.Zero(t, snap.Price)
}

func TestIgnoresOtherSymbols(t *testing.T) {
	f := newTestFeed(time.Now())
	f.HandleMarkPrice(binance.MarkPriceEvent{Symbol: "BTCUSDT", Price: 50000, At: time.Now()})
	assert.Zero(t, f.Snapshot().Price)
}

func TestFillsForwardedOnlyWhenFilled(t *testing.T) {
	f := newTestFeed(time.Now())

	type fill struct {
		orderID int64
		price   float64
	}
	var fills []fill
	f.OnFill(func(_ context.Context, _ string, orderID int64, price float64) {
		fills = append(fills, fill{orderID, price})
	})

	f.HandleOrderUpdate(binance.OrderEvent{
		Symbol: "SOLUSDT", OrderID: 7, Status: domain.OrderStatusNew,
	})
	f.HandleOrderUpdate(binance.OrderEvent{
		Symbol: "SOLUSDT", OrderID: 8, Status: domain.OrderStatusFilled, AvgPrice: 101.25, At: time.Now(),
	})
	f.HandleOrderUpdate(binance.OrderEvent{
		Symbol: "BTCUSDT", OrderID: 9, Status: domain.OrderStatusFilled, AvgPrice: 50000, At: time.Now(),
	})

	require.Len(t, fills, 1)
	assert.Equal(t, int64(8), fills[0].orderID)
	assert.Equal(t, 101.25, fills[0].price)
}

func TestDailyRealizedPnLResetsAtUTCMidnight(t *testing.T) {
	day1 := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	f := newTestFeed(day1)

	f.HandleOrderUpdate(binance.OrderEvent{
		Symbol: "SOLUSDT", OrderID: 1, Status: domain.OrderStatusFilled,
		RealizedPnL: -12.5, At: day1,
	})
	f.HandleOrderUpdate(binance.OrderEvent{
		Symbol: "SOLUSDT", OrderID: 2, Status: domain.OrderStatusFilled,
		RealizedPnL: 4.0, At: day1.Add(time.Hour),
	})
	assert.InDelta(t, -8.5, f.DailyRealizedPnL(), 1e-9)

	// A fill on the next UTC day resets the counter.
	day2 := day1.Add(11 * time.Hour)
	f.now = func() time.Time { return day2 }
	f.HandleOrderUpdate(binance.OrderEvent{
		Symbol: "SOLUSDT", OrderID: 3, Status: domain.OrderStatusFilled,
		RealizedPnL: 2.0, At: day2,
	})
	assert.InDelta(t, 2.0, f.DailyRealizedPnL(), 1e-9)
}
