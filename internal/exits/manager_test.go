package exits

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delquant/delphibot/internal/domain"
)

// fakeExchange is an in-memory venue for exits tests.
type fakeExchange struct {
	mu         sync.Mutex
	nextID     int64
	placed     []domain.OrderRequest
	cancelled  []int64
	placeErrAt int // fail the nth placement (1-based), 0 disables
	placeCount int
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCount++
	if f.placeErrAt != 0 && f.placeCount == f.placeErrAt {
		return domain.OrderAck{}, &domain.ExchangeRejection{Code: -2019, Reason: "Margin is insufficient."}
	}
	f.nextID++
	f.placed = append(f.placed, req)
	return domain.OrderAck{OrderID: f.nextID, Status: domain.OrderStatusNew}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExchange) Position(context.Context, string) (*domain.ExchangePosition, error) {
	return nil, nil
}
func (f *fakeExchange) Account(context.Context) (domain.AccountState, error) {
	return domain.AccountState{}, nil
}
func (f *fakeExchange) SymbolRules(context.Context, string) (domain.SymbolRules, error) {
	return domain.SymbolRules{}, nil
}
func (f *fakeExchange) MarkPrice(context.Context, string) (float64, error) { return 0, nil }
func (f *fakeExchange) OrderStatus(context.Context, string, int64) (domain.OrderState, error) {
	return domain.OrderState{}, nil
}
func (f *fakeExchange) OpenOrders(context.Context, string) ([]domain.OrderState, error) {
	return nil, nil
}
func (f *fakeExchange) SetLeverage(context.Context, string, int) error { return nil }

func newTestManager(ex domain.Exchange) *Manager {
	return NewManager(ex, nil, slog.New(slog.DiscardHandler))
}

func longPlan() PlanRequest {
	return PlanRequest{
		TradeID:      "t-1",
		Symbol:       "SOLUSDT",
		Direction:    domain.DirectionLong,
		Quantity:     10,
		EntryPrice:   100,
		CurrentPrice: 101,
		StopPrice:    96,
		Targets:      []float64{106, 112},
		Rules:        domain.SymbolRules{StepSize: 0.1, MinQuantity: 0.1},
	}
}

func TestCreatePlacesStopAndSplitTargets(t *testing.T) {
	ex := &fakeExchange{}
	m := newTestManager(ex)

	pair, err := m.Create(context.Background(), longPlan())
	require.NoError(t, err)
	assert.Equal(t, domain.PairActive, pair.Status)
	require.Len(t, ex.placed, 3)

	stop := ex.placed[0]
	assert.Equal(t, domain.OrderTypeStopMarket, stop.Type)
	assert.Equal(t, domain.SideSell, stop.Side)
	assert.True(t, stop.ReduceOnly)
	assert.Equal(t, 10.0, stop.Quantity)

	assert.Equal(t, domain.OrderTypeTakeProfit, ex.placed[1].Type)
	assert.Equal(t, 5.0, ex.placed[1].Quantity)
	assert.Equal(t, 5.0, ex.placed[2].Quantity)
}

func TestCreateValidatesPriceOrdering(t *testing.T) {
	m := newTestManager(&fakeExchange{})

	// Long with a stop above current price.
	bad := longPlan()
	bad.StopPrice = 102
	_, err := m.Create(context.Background(), bad)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	// Long with a target below current price.
	bad = longPlan()
	bad.Targets = []float64{99}
	_, err = m.Create(context.Background(), bad)
	require.ErrorAs(t, err, &verr)

	// Short mirrors: stop must be above, targets below.
	short := longPlan()
	short.Direction = domain.DirectionShort
	short.StopPrice = 96
	short.Targets = []float64{90}
	_, err = m.Create(context.Background(), short)
	require.ErrorAs(t, err, &verr)

	// Quantity off the step grid.
	bad = longPlan()
	bad.Quantity = 10.05
	_, err = m.Create(context.Background(), bad)
	require.ErrorAs(t, err, &verr)
}

func TestCreateFallsBackWhenTargetFails(t *testing.T) {
	ex := &fakeExchange{placeErrAt: 2}
	m := newTestManager(ex)

	pair, err := m.Create(context.Background(), longPlan())
	require.NoError(t, err)
	assert.Equal(t, domain.PairFallback, pair.Status)

	// The stop leg survives.
	stop, ok := pair.StopLeg()
	require.True(t, ok)
	assert.NotZero(t, stop.OrderID)
	assert.Empty(t, pair.TargetLegs())
}

func TestFallbackSkipsWrongSideStop(t *testing.T) {
	ex := &fakeExchange{}
	m := newTestManager(ex)

	// The stop ended up above the current price on a long; only the target
	// legs are placeable.
	req := longPlan()
	req.StopPrice = 105

	pair, err := m.Fallback(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.PairFallback, pair.Status)
	require.Len(t, pair.Legs, 2)
	_, hasStop := pair.StopLeg()
	assert.False(t, hasStop)

	require.Len(t, ex.placed, 2)
	for _, o := range ex.placed {
		assert.Equal(t, domain.OrderTypeTakeProfit, o.Type)
		assert.True(t, o.ReduceOnly)
	}

	// A fill on a fallback leg still resolves the pair.
	var resolved domain.ExitOrderPair
	m.OnResolved(func(_ context.Context, p domain.ExitOrderPair) { resolved = p })
	m.HandleFill(context.Background(), "SOLUSDT", pair.Legs[0].OrderID, 106)
	assert.Equal(t, domain.LegTarget1, resolved.FilledLeg)
}

func TestFallbackPlacesStopWhenTargetsInvalid(t *testing.T) {
	ex := &fakeExchange{}
	m := newTestManager(ex)

	req := longPlan()
	req.Targets = []float64{0}

	pair, err := m.Fallback(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.PairFallback, pair.Status)
	require.Len(t, pair.Legs, 1)
	stop, ok := pair.StopLeg()
	require.True(t, ok)
	assert.Equal(t, 96.0, stop.Price)
	assert.Equal(t, 10.0, stop.Quantity)
}

func TestFallbackErrorsWhenNoLegPlaceable(t *testing.T) {
	m := newTestManager(&fakeExchange{})

	req := longPlan()
	req.StopPrice = 105
	req.Targets = []float64{99}

	_, err := m.Fallback(context.Background(), req)
	require.Error(t, err)
	_, ok := m.Pair("t-1")
	assert.False(t, ok)
}

func TestRestoreRebuildsPairFromOpenOrders(t *testing.T) {
	ex := &fakeExchange{}
	m := newTestManager(ex)

	view := domain.MergedPositionView{
		ExchangePosition: domain.ExchangePosition{
			Symbol: "SOLUSDT", Direction: domain.DirectionLong,
			Quantity: 10, EntryPrice: 100,
		},
		TradeID: "t-1",
	}
	open := []domain.OrderState{
		{OrderID: 7, Symbol: "SOLUSDT", Type: domain.OrderTypeTakeProfit, StopPrice: 112, OrigQty: 5},
		{OrderID: 5, Symbol: "SOLUSDT", Type: domain.OrderTypeStopMarket, StopPrice: 96, OrigQty: 10},
		{OrderID: 6, Symbol: "SOLUSDT", Type: domain.OrderTypeTakeProfit, StopPrice: 106, OrigQty: 5},
	}

	pair, err := m.Restore(context.Background(), view, open)
	require.NoError(t, err)
	assert.Equal(t, domain.PairActive, pair.Status)
	require.Len(t, pair.Legs, 3)

	stop, ok := pair.StopLeg()
	require.True(t, ok)
	assert.Equal(t, int64(5), stop.OrderID)

	// The nearer target is tracked as target one.
	t1, ok := pair.LegByKind(domain.LegTarget1)
	require.True(t, ok)
	assert.Equal(t, 106.0, t1.Price)
	t2, ok := pair.LegByKind(domain.LegTarget2)
	require.True(t, ok)
	assert.Equal(t, 112.0, t2.Price)

	// A stop fill on the restored pair cancels both siblings and resolves.
	var resolved domain.ExitOrderPair
	m.OnResolved(func(_ context.Context, p domain.ExitOrderPair) { resolved = p })
	m.HandleFill(context.Background(), "SOLUSDT", 5, 96)
	assert.Equal(t, domain.LegStop, resolved.FilledLeg)
	assert.ElementsMatch(t, []int64{6, 7}, ex.cancelled)
}

func TestRestoreIsIdempotent(t *testing.T) {
	m := newTestManager(&fakeExchange{})

	view := domain.MergedPositionView{
		ExchangePosition: domain.ExchangePosition{
			Symbol: "SOLUSDT", Direction: domain.DirectionLong, Quantity: 10, EntryPrice: 100,
		},
		TradeID: "t-1",
	}
	open := []domain.OrderState{
		{OrderID: 5, Symbol: "SOLUSDT", Type: domain.OrderTypeStopMarket, StopPrice: 96, OrigQty: 10},
		{OrderID: 6, Symbol: "SOLUSDT", Type: domain.OrderTypeTakeProfit, StopPrice: 106, OrigQty: 10},
	}

	first, err := m.Restore(context.Background(), view, open)
	require.NoError(t, err)
	second, err := m.Restore(context.Background(), view, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Legs, second.Legs)
}

func TestRestoreWithoutProtectiveOrders(t *testing.T) {
	m := newTestManager(&fakeExchange{})

	view := domain.MergedPositionView{
		ExchangePosition: domain.ExchangePosition{
			Symbol: "SOLUSDT", Direction: domain.DirectionLong, Quantity: 10, EntryPrice: 100,
		},
		TradeID: "t-1",
	}

	_, err := m.Restore(context.Background(), view, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// A lone stop restores as a degraded pair.
	pair, err := m.Restore(context.Background(), view, []domain.OrderState{
		{OrderID: 5, Symbol: "SOLUSDT", Type: domain.OrderTypeStopMarket, StopPrice: 96, OrigQty: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PairFallback, pair.Status)
}

func TestConcurrentLegFillsResolveOnce(t *testing.T) {
	ex := &fakeExchange{}
	m := newTestManager(ex)

	var resolutions atomic.Int64
	m.OnResolved(func(_ context.Context, _ domain.ExitOrderPair) {
		resolutions.Add(1)
	})

	pair, err := m.Create(context.Background(), longPlan())
	require.NoError(t, err)
	require.Len(t, pair.Legs, 3)

	// Stop and target report fills at the same time.
	var wg sync.WaitGroup
	for _, leg := range pair.Legs {
		wg.Add(1)
		go func(id int64, price float64) {
			defer wg.Done()
			m.HandleFill(context.Background(), "SOLUSDT", id, price)
		}(leg.OrderID, leg.Price)
	}
	wg.Wait()

	assert.Equal(t, int64(1), resolutions.Load())

	got, ok := m.Pair("t-1")
	require.True(t, ok)
	assert.Equal(t, domain.PairResolved, got.Status)
	// Exactly the two sibling legs were cancelled.
	assert.Len(t, ex.cancelled, 2)
	assert.NotContains(t, ex.cancelled, legID(got, got.FilledLeg))
}

func TestHandleFillComputesRealizedPnL(t *testing.T) {
	ex := &fakeExchange{}
	m := newTestManager(ex)

	var resolved domain.ExitOrderPair
	m.OnResolved(func(_ context.Context, p domain.ExitOrderPair) { resolved = p })

	pair, err := m.Create(context.Background(), longPlan())
	require.NoError(t, err)

	t1, ok := pair.LegByKind(domain.LegTarget1)
	require.True(t, ok)
	m.HandleFill(context.Background(), "SOLUSDT", t1.OrderID, 106)

	// Long from 100, half the size out at 106.
	assert.Equal(t, domain.LegTarget1, resolved.FilledLeg)
	assert.InDelta(t, (106.0-100.0)*5.0, resolved.RealizedPnL, 1e-9)
}

func TestReplaceStopPreservesTargets(t *testing.T) {
	ex := &fakeExchange{}
	m := newTestManager(ex)

	pair, err := m.Create(context.Background(), longPlan())
	require.NoError(t, err)
	stop, _ := pair.StopLeg()

	require.NoError(t, m.ReplaceStop(context.Background(), "t-1", 100))

	got, ok := m.Pair("t-1")
	require.True(t, ok)
	assert.Contains(t, ex.cancelled, stop.OrderID)

	newStop, ok := got.StopLeg()
	require.True(t, ok)
	assert.Equal(t, 100.0, newStop.Price)
	// Target legs kept their original order ids.
	targets := got.TargetLegs()
	require.Len(t, targets, 2)
	for _, tl := range targets {
		assert.NotContains(t, ex.cancelled, tl.OrderID)
	}
}

func TestReplaceTargetsPreservesStop(t *testing.T) {
	ex := &fakeExchange{}
	m := newTestManager(ex)

	pair, err := m.Create(context.Background(), longPlan())
	require.NoError(t, err)
	stop, _ := pair.StopLeg()

	rules := domain.SymbolRules{StepSize: 0.1}
	require.NoError(t, m.ReplaceTargets(context.Background(), "t-1", []float64{108}, rules))

	got, ok := m.Pair("t-1")
	require.True(t, ok)
	assert.NotContains(t, ex.cancelled, stop.OrderID)

	targets := got.TargetLegs()
	require.Len(t, targets, 1)
	assert.Equal(t, 108.0, targets[0].Price)
	assert.Equal(t, 10.0, targets[0].Quantity)
}

func TestCancelAllRemovesPair(t *testing.T) {
	ex := &fakeExchange{}
	m := newTestManager(ex)

	_, err := m.Create(context.Background(), longPlan())
	require.NoError(t, err)

	require.NoError(t, m.CancelAll(context.Background(), "t-1"))
	_, ok := m.Pair("t-1")
	assert.False(t, ok)
	assert.Len(t, ex.cancelled, 3)
}

func legID(p domain.ExitOrderPair, kind domain.ExitLegKind) int64 {
	l, _ := p.LegByKind(kind)
	return l.OrderID
}
