// Package feed maintains the live market snapshot from the mark-price
// stream and fans order-fill events out to the exits manager. It also
// accumulates realized PnL per UTC day for the risk watchdog.
package feed

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/delquant/delphibot/internal/domain"
	"github.com/delquant/delphibot/internal/platform/binance"
)

const (
	// tickWindow bounds the rolling price buffer; at one tick per second
	// this is five minutes of history.
	tickWindow = 300

	// volumeWindow is the span the tick-rate proxy is measured over.
	volumeWindow = time.Minute

	// staleAfter marks the feed low-liquidity when no tick arrived.
	staleAfter = 15 * time.Second

	// volatileRangePct classifies the market volatile when the rolling
	// price range exceeds this percentage of the mid.
	volatileRangePct = 1.0

	// highVolumeTicks classifies the market high-volume above this tick
	// rate per volumeWindow. The mark stream emits ~60/min at baseline.
	highVolumeTicks = 90
)

// FillHandler receives confirmed fills, typically exits.Manager.HandleFill.
type FillHandler func(ctx context.Context, symbol string, orderID int64, fillPrice float64)

type tick struct {
	price float64
	at    time.Time
}

// Feed is the stream consumer state. One instance serves one symbol.
type Feed struct {
	symbol string
	stream *binance.Stream
	logger *slog.Logger
	now    func() time.Time

	onFill FillHandler

	mu    sync.Mutex
	ticks []tick

	realizedDay time.Time
	realizedPnL float64
}

// New creates a feed and registers its handlers on the stream. stream may
// be nil in tests; handlers are then driven directly.
func New(symbol string, stream *binance.Stream, logger *slog.Logger) *Feed {
	f := &Feed{
		symbol: symbol,
		stream: stream,
		logger: logger.With(slog.String("component", "feed")),
		now:    time.Now,
	}
	if stream != nil {
		stream.OnMarkPrice(f.HandleMarkPrice)
		stream.OnOrderUpdate(f.HandleOrderUpdate)
	}
	return f
}

// OnFill registers the fill handler. Must be set before Run.
func (f *Feed) OnFill(h FillHandler) { f.onFill = h }

// Run blocks consuming the streams until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	return f.stream.Run(ctx)
}

// HandleMarkPrice ingests one mark-price tick.
func (f *Feed) HandleMarkPrice(ev binance.MarkPriceEvent) {
	if ev.Symbol != f.symbol || ev.Price <= 0 {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = f.now()
	}

	f.mu.Lock()
	f.ticks = append(f.ticks, tick{price: ev.Price, at: at})
	if len(f.ticks) > tickWindow {
		f.ticks = f.ticks[len(f.ticks)-tickWindow:]
	}
	f.mu.Unlock()
}

// HandleOrderUpdate forwards confirmed fills and books realized PnL into
// the daily counter.
func (f *Feed) HandleOrderUpdate(ev binance.OrderEvent) {
	if ev.Symbol != f.symbol || ev.Status != domain.OrderStatusFilled {
		return
	}

	if ev.RealizedPnL != 0 {
		f.mu.Lock()
		day := ev.At.UTC().Truncate(24 * time.Hour)
		if day.After(f.realizedDay) {
			f.realizedDay = day
			f.realizedPnL = 0
		}
		f.realizedPnL += ev.RealizedPnL
		f.mu.Unlock()
	}

	if f.onFill != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		f.onFill(ctx, ev.Symbol, ev.OrderID, ev.AvgPrice)
	}

	f.logger.Info("order filled",
		slog.String("symbol", ev.Symbol),
		slog.Int64("order_id", ev.OrderID),
		slog.Float64("avg_price", ev.AvgPrice),
		slog.Float64("realized_pnl", ev.RealizedPnL),
	)
}

// Snapshot returns the current market snapshot. Volatility is the rolling
// price range as a percentage of the mid; Volume is a tick-rate proxy over
// the last minute. With no ticks yet the snapshot is zero-valued and
// classified low-liquidity.
func (f *Feed) Snapshot() domain.MarketSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()

	snap := domain.MarketSnapshot{
		Symbol:    f.symbol,
		Condition: domain.MarketLowLiquidity,
		AsOf:      now,
	}
	if len(f.ticks) == 0 {
		return snap
	}

	last := f.ticks[len(f.ticks)-1]
	snap.Price = last.price
	snap.AsOf = last.at

	lo, hi := math.MaxFloat64, 0.0
	recent := 0
	for _, t := range f.ticks {
		if t.price < lo {
			lo = t.price
		}
		if t.price > hi {
			hi = t.price
		}
		if now.Sub(t.at) <= volumeWindow {
			recent++
		}
	}
	mid := (hi + lo) / 2
	if mid > 0 {
		snap.Volatility = (hi - lo) / mid * 100
	}
	snap.Volume = float64(recent)

	switch {
	case now.Sub(last.at) > staleAfter:
		snap.Condition = domain.MarketLowLiquidity
	case snap.Volatility >= volatileRangePct:
		snap.Condition = domain.MarketVolatile
	case recent >= highVolumeTicks:
		snap.Condition = domain.MarketHighVolume
	default:
		snap.Condition = domain.MarketNormal
	}
	return snap
}

// DailyRealizedPnL returns the realized PnL booked so far in the current
// UTC day.
func (f *Feed) DailyRealizedPnL() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.now().UTC().Truncate(24 * time.Hour).After(f.realizedDay) {
		return 0
	}
	return f.realizedPnL
}
