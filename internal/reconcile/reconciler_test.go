package reconcile

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delquant/delphibot/internal/domain"
)

type fakeExchange struct {
	pos     *domain.ExchangePosition
	posCall int
}

func (f *fakeExchange) Position(context.Context, string) (*domain.ExchangePosition, error) {
	f.posCall++
	return f.pos, nil
}
func (f *fakeExchange) Account(context.Context) (domain.AccountState, error) {
	return domain.AccountState{}, nil
}
func (f *fakeExchange) SymbolRules(context.Context, string) (domain.SymbolRules, error) {
	return domain.SymbolRules{}, nil
}
func (f *fakeExchange) MarkPrice(context.Context, string) (float64, error) { return 0, nil }
func (f *fakeExchange) PlaceOrder(context.Context, domain.OrderRequest) (domain.OrderAck, error) {
	return domain.OrderAck{}, nil
}
func (f *fakeExchange) OrderStatus(context.Context, string, int64) (domain.OrderState, error) {
	return domain.OrderState{}, nil
}
func (f *fakeExchange) CancelOrder(context.Context, string, int64) error { return nil }
func (f *fakeExchange) OpenOrders(context.Context, string) ([]domain.OrderState, error) {
	return nil, nil
}
func (f *fakeExchange) SetLeverage(context.Context, string, int) error { return nil }

type fakeIntents struct {
	active  *domain.TradingIntent
	history map[string]domain.TradingIntent
}

func newFakeIntents() *fakeIntents {
	return &fakeIntents{history: make(map[string]domain.TradingIntent)}
}

func (f *fakeIntents) Put(_ context.Context, i domain.TradingIntent) error {
	f.active = &i
	return nil
}

func (f *fakeIntents) Active(context.Context, string) (domain.TradingIntent, error) {
	if f.active == nil {
		return domain.TradingIntent{}, domain.ErrNotFound
	}
	return *f.active, nil
}

func (f *fakeIntents) Archive(_ context.Context, _ string, at time.Time) error {
	if f.active == nil {
		return domain.ErrNotFound
	}
	archived := *f.active
	archived.ArchivedAt = &at
	f.history[archived.TradeID] = archived
	f.active = nil
	return nil
}

func (f *fakeIntents) History(_ context.Context, tradeID string) (domain.TradingIntent, error) {
	i, ok := f.history[tradeID]
	if !ok {
		return domain.TradingIntent{}, domain.ErrNotFound
	}
	return i, nil
}

func (f *fakeIntents) ListArchivedBefore(context.Context, time.Time) ([]domain.TradingIntent, error) {
	return nil, nil
}

type fakeTrades struct {
	pending []domain.TradeLogRecord
}

func (f *fakeTrades) Create(context.Context, domain.TradeLogRecord) error { return nil }
func (f *fakeTrades) Finalize(context.Context, string, domain.TradeFinal) error {
	return nil
}
func (f *fakeTrades) Label(context.Context, string, string, []string) error { return nil }
func (f *fakeTrades) UpdateExitLevels(context.Context, string, float64, float64, float64) error {
	return nil
}
func (f *fakeTrades) GetByID(context.Context, string) (domain.TradeLogRecord, error) {
	return domain.TradeLogRecord{}, domain.ErrNotFound
}
func (f *fakeTrades) ListPending(context.Context, string, domain.PositionDirection) ([]domain.TradeLogRecord, error) {
	return f.pending, nil
}
func (f *fakeTrades) ListClosedBefore(context.Context, time.Time) ([]domain.TradeLogRecord, error) {
	return nil, nil
}

type fakeCache struct {
	pos         *domain.ExchangePosition
	invalidated int
}

func (f *fakeCache) Get(context.Context, string) (*domain.ExchangePosition, bool, error) {
	if f.pos == nil {
		return nil, false, nil
	}
	return f.pos, true, nil
}
func (f *fakeCache) Set(_ context.Context, pos domain.ExchangePosition, _ time.Duration) error {
	f.pos = &pos
	return nil
}
func (f *fakeCache) Invalidate(context.Context, string) error {
	f.pos = nil
	f.invalidated++
	return nil
}

func longPosition() *domain.ExchangePosition {
	return &domain.ExchangePosition{
		Symbol:     "SOLUSDT",
		Direction:  domain.DirectionLong,
		Quantity:   10,
		EntryPrice: 100,
		MarkPrice:  95.05,
		Leverage:   10,
	}
}

func newReconciler(ex domain.Exchange, intents domain.IntentStore, trades domain.TradeLogStore, cache domain.PositionCache) *Reconciler {
	return NewReconciler(ex, intents, trades, cache, slog.New(slog.DiscardHandler))
}

func TestCurrentPositionLayersMatchingIntent(t *testing.T) {
	intents := newFakeIntents()
	require.NoError(t, intents.Put(context.Background(), domain.TradingIntent{
		TradeID:     "t-1",
		Symbol:      "SOLUSDT",
		Direction:   domain.DirectionLong,
		Scenario:    "breakout retest",
		TargetPrice: 112,
		StopLoss:    96,
		Confidence:  7,
	}))
	r := newReconciler(&fakeExchange{pos: longPosition()}, intents, &fakeTrades{}, nil)

	view, err := r.CurrentPosition(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.True(t, view.HasIntent)
	assert.Equal(t, "t-1", view.TradeID)
	assert.Equal(t, 112.0, view.TargetPrice)
	// Unleveraged excursion from 100 to 95.05.
	assert.InDelta(t, -4.95, view.PnLPct, 1e-9)
}

func TestCurrentPositionSkipsMismatchedIntent(t *testing.T) {
	intents := newFakeIntents()
	require.NoError(t, intents.Put(context.Background(), domain.TradingIntent{
		TradeID:   "t-1",
		Symbol:    "SOLUSDT",
		Direction: domain.DirectionShort,
	}))
	r := newReconciler(&fakeExchange{pos: longPosition()}, intents, &fakeTrades{}, nil)

	view, err := r.CurrentPosition(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.False(t, view.HasIntent)
}

func TestCurrentPositionLogLevelsOverrideIntent(t *testing.T) {
	intents := newFakeIntents()
	require.NoError(t, intents.Put(context.Background(), domain.TradingIntent{
		TradeID:     "t-1",
		Symbol:      "SOLUSDT",
		Direction:   domain.DirectionLong,
		TargetPrice: 112,
		StopLoss:    96,
	}))
	trades := &fakeTrades{pending: []domain.TradeLogRecord{{
		TradeID:     "t-1",
		StopLoss:    100, // stop moved to breakeven after pyramiding
		TakeProfit1: 115,
		EntryTime:   time.Now(),
	}}}
	r := newReconciler(&fakeExchange{pos: longPosition()}, intents, trades, nil)

	view, err := r.CurrentPosition(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, 100.0, view.StopLoss)
	assert.Equal(t, 115.0, view.TargetPrice)
}

func TestDuplicatePendingRowsAreNeverAutoSelected(t *testing.T) {
	trades := &fakeTrades{pending: []domain.TradeLogRecord{
		{TradeID: "t-1"},
		{TradeID: "t-2"},
	}}
	ex := &fakeExchange{pos: longPosition()}
	r := newReconciler(ex, newFakeIntents(), trades, nil)

	view, err := r.CurrentPosition(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, 2, view.DuplicateEntryCount)
	assert.Empty(t, view.LogTradeID)

	report, err := r.Sync(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	require.Len(t, report.Discrepancies, 1)
	assert.Contains(t, report.Discrepancies[0], "manual resolution required")
	assert.Empty(t, report.ActionsTaken)
}

func TestSyncArchivesStaleIntentRoundTrip(t *testing.T) {
	intents := newFakeIntents()
	require.NoError(t, intents.Put(context.Background(), domain.TradingIntent{
		TradeID:   "t-9",
		Symbol:    "SOLUSDT",
		Direction: domain.DirectionLong,
		Scenario:  "breakout retest",
	}))
	// Venue reports flat.
	r := newReconciler(&fakeExchange{pos: nil}, intents, &fakeTrades{}, nil)

	report, err := r.Sync(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	require.Len(t, report.ActionsTaken, 1)
	assert.Contains(t, report.ActionsTaken[0], "t-9")

	// The archived intent stays retrievable with its fields intact.
	archived, err := intents.History(context.Background(), "t-9")
	require.NoError(t, err)
	assert.True(t, archived.Archived())
	assert.Equal(t, "breakout retest", archived.Scenario)

	_, err = intents.Active(context.Background(), "SOLUSDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSyncFlagsDirectionMismatch(t *testing.T) {
	intents := newFakeIntents()
	require.NoError(t, intents.Put(context.Background(), domain.TradingIntent{
		TradeID:   "t-1",
		Symbol:    "SOLUSDT",
		Direction: domain.DirectionShort,
	}))
	trades := &fakeTrades{pending: []domain.TradeLogRecord{{TradeID: "t-1"}}}
	r := newReconciler(&fakeExchange{pos: longPosition()}, intents, trades, nil)

	report, err := r.Sync(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	require.Len(t, report.Discrepancies, 1)
	assert.Contains(t, report.Discrepancies[0], "direction")
}

func TestPositionCacheServesAndInvalidates(t *testing.T) {
	ex := &fakeExchange{pos: longPosition()}
	cache := &fakeCache{}
	r := newReconciler(ex, newFakeIntents(), &fakeTrades{}, cache)

	_, err := r.CurrentPosition(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	_, err = r.CurrentPosition(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	// Second read came from the cache.
	assert.Equal(t, 1, ex.posCall)

	// Venue goes flat: the next uncached read invalidates.
	ex.pos = nil
	cache.pos = nil
	view, err := r.CurrentPosition(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.Nil(t, view)
	assert.Equal(t, 1, cache.invalidated)
}
