package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delquant/delphibot/internal/advisor"
	"github.com/delquant/delphibot/internal/domain"
	"github.com/delquant/delphibot/internal/exits"
	"github.com/delquant/delphibot/internal/reconcile"
	"github.com/delquant/delphibot/internal/trigger"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeAdvisor struct {
	decision domain.Decision
	err      error
	requests []advisor.Request
}

func (f *fakeAdvisor) Decide(_ context.Context, req advisor.Request) (domain.Decision, error) {
	f.requests = append(f.requests, req)
	return f.decision, f.err
}

type fakeExecutor struct {
	mu         sync.Mutex
	executed   []domain.Decision
	emergency  []string
	execResult domain.ExecutionResult
}

func (f *fakeExecutor) Execute(_ context.Context, d domain.Decision, _ domain.MarketSnapshot) (domain.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, d)
	return f.execResult, nil
}

func (f *fakeExecutor) CheckPendingEntry(context.Context) error { return nil }

func (f *fakeExecutor) EmergencyClose(_ context.Context, _ string, detail string) (domain.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergency = append(f.emergency, detail)
	return domain.ExecutionResult{Status: domain.ExecStatusClosed}, nil
}

type fakeLocks struct {
	held     bool
	acquired []string
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if f.held {
		return nil, domain.ErrLockHeld
	}
	f.acquired = append(f.acquired, key)
	return func() {}, nil
}

type fakeSnapshots struct{ snap domain.MarketSnapshot }

func (f *fakeSnapshots) Snapshot() domain.MarketSnapshot { return f.snap }

type fakeRestorer struct {
	pair  domain.ExitOrderPair
	err   error
	views []domain.MergedPositionView
	open  [][]domain.OrderState
}

func (f *fakeRestorer) Restore(_ context.Context, view domain.MergedPositionView, open []domain.OrderState) (domain.ExitOrderPair, error) {
	f.views = append(f.views, view)
	f.open = append(f.open, open)
	return f.pair, f.err
}

type fakePnL struct{ pnl float64 }

func (f *fakePnL) DailyRealizedPnL() float64 { return f.pnl }

type fakeExchange struct {
	pos  *domain.ExchangePosition
	acct domain.AccountState
	open []domain.OrderState
}

func (f *fakeExchange) Position(context.Context, string) (*domain.ExchangePosition, error) {
	return f.pos, nil
}
func (f *fakeExchange) Account(context.Context) (domain.AccountState, error) { return f.acct, nil }
func (f *fakeExchange) SymbolRules(context.Context, string) (domain.SymbolRules, error) {
	return domain.SymbolRules{}, nil
}
func (f *fakeExchange) MarkPrice(context.Context, string) (float64, error) { return 100, nil }
func (f *fakeExchange) PlaceOrder(context.Context, domain.OrderRequest) (domain.OrderAck, error) {
	return domain.OrderAck{}, nil
}
func (f *fakeExchange) OrderStatus(context.Context, string, int64) (domain.OrderState, error) {
	return domain.OrderState{}, nil
}
func (f *fakeExchange) CancelOrder(context.Context, string, int64) error { return nil }
func (f *fakeExchange) OpenOrders(context.Context, string) ([]domain.OrderState, error) {
	return f.open, nil
}
func (f *fakeExchange) SetLeverage(context.Context, string, int) error { return nil }

type fakeIntents struct{ active *domain.TradingIntent }

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
func (f *fakeIntents) Archive(context.Context, string, time.Time) error {
	f.active = nil
	return nil
}
func (f *fakeIntents) History(context.Context, string) (domain.TradingIntent, error) {
	return domain.TradingIntent{}, domain.ErrNotFound
}
func (f *fakeIntents) ListArchivedBefore(context.Context, time.Time) ([]domain.TradingIntent, error) {
	return nil, nil
}

type fakeTrades struct{ pending []domain.TradeLogRecord }

func (f *fakeTrades) Create(context.Context, domain.TradeLogRecord) error       { return nil }
func (f *fakeTrades) Finalize(context.Context, string, domain.TradeFinal) error { return nil }
func (f *fakeTrades) Label(context.Context, string, string, []string) error     { return nil }
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

type fakeTriggerStore struct{ sets map[string][]domain.Trigger }

func (f *fakeTriggerStore) Load(_ context.Context, symbol string) ([]domain.Trigger, error) {
	return append([]domain.Trigger(nil), f.sets[symbol]...), nil
}
func (f *fakeTriggerStore) Replace(_ context.Context, symbol string, triggers []domain.Trigger) error {
	if f.sets == nil {
		f.sets = make(map[string][]domain.Trigger)
	}
	f.sets[symbol] = append([]domain.Trigger(nil), triggers...)
	return nil
}

type fakeCallLog struct{}

func (fakeCallLog) Record(context.Context, string, time.Time, string) error { return nil }
func (fakeCallLog) LastCall(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (fakeCallLog) CountSince(context.Context, string, time.Time) (int, error) { return 0, nil }

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newRunner(adv *fakeAdvisor, exec *fakeExecutor, ex *fakeExchange, locks *fakeLocks, snaps *fakeSnapshots) *Runner {
	recon := reconcile.NewReconciler(ex, &fakeIntents{}, &fakeTrades{}, nil, testLogger())
	return NewRunner(Config{Symbol: "SOLUSDT", Interval: time.Hour, LockTTL: time.Minute},
		adv, exec, recon, &fakeRestorer{}, snaps, ex, locks, nil, testLogger())
}

func normalSnap() domain.MarketSnapshot {
	return domain.MarketSnapshot{
		Symbol: "SOLUSDT", Price: 100, Condition: domain.MarketNormal, AsOf: time.Now(),
	}
}

// ---------------------------------------------------------------------------
// Runner tests
// ---------------------------------------------------------------------------

func TestRunOnceExecutesDecision(t *testing.T) {
	adv := &fakeAdvisor{decision: domain.Decision{Action: domain.ActionHold}}
	exec := &fakeExecutor{execResult: domain.ExecutionResult{Status: domain.ExecStatusNoop}}
	locks := &fakeLocks{}
	r := newRunner(adv, exec, &fakeExchange{acct: domain.AccountState{TotalBalance: 1000}}, locks, &fakeSnapshots{snap: normalSnap()})

	require.NoError(t, r.RunOnce(context.Background(), "scheduled"))

	require.Len(t, exec.executed, 1)
	// The engine symbol is filled in when the reply omits it.
	assert.Equal(t, "SOLUSDT", exec.executed[0].Symbol)
	require.Len(t, adv.requests, 1)
	assert.Equal(t, "scheduled", adv.requests[0].Reason)
	assert.Equal(t, []string{"pipeline:SOLUSDT"}, locks.acquired)
}

func TestRunOnceDroppedWhenLockHeld(t *testing.T) {
	adv := &fakeAdvisor{decision: domain.Decision{Action: domain.ActionHold}}
	exec := &fakeExecutor{}
	r := newRunner(adv, exec, &fakeExchange{}, &fakeLocks{held: true}, &fakeSnapshots{snap: normalSnap()})

	require.NoError(t, r.RunOnce(context.Background(), "trigger"))
	assert.Empty(t, adv.requests)
	assert.Empty(t, exec.executed)
}

func TestRunOnceRejectsForeignSymbol(t *testing.T) {
	adv := &fakeAdvisor{decision: domain.Decision{Action: domain.ActionBuy, Symbol: "BTCUSDT"}}
	exec := &fakeExecutor{}
	r := newRunner(adv, exec, &fakeExchange{}, &fakeLocks{}, &fakeSnapshots{snap: normalSnap()})

	err := r.RunOnce(context.Background(), "scheduled")
	require.Error(t, err)
	assert.Empty(t, exec.executed)
}

func TestRunOnceIncludesPositionContext(t *testing.T) {
	adv := &fakeAdvisor{decision: domain.Decision{Action: domain.ActionHoldPosition}}
	exec := &fakeExecutor{}
	ex := &fakeExchange{
		pos: &domain.ExchangePosition{
			Symbol: "SOLUSDT", Direction: domain.DirectionLong,
			Quantity: 20, EntryPrice: 100, MarkPrice: 103,
		},
		acct: domain.AccountState{TotalBalance: 1000},
	}
	r := newRunner(adv, exec, ex, &fakeLocks{}, &fakeSnapshots{snap: normalSnap()})

	require.NoError(t, r.RunOnce(context.Background(), "scheduled"))
	require.Len(t, adv.requests, 1)
	require.NotNil(t, adv.requests[0].Position)
	assert.InDelta(t, 3.0, adv.requests[0].Position.PnLPercent, 1e-9)
}

// newRecoverHarness builds a runner over a real exits manager so the
// restart path exercises actual pair reconstruction.
func newRecoverHarness(ex *fakeExchange, alerter domain.Alerter) (*Runner, *exits.Manager) {
	recon := reconcile.NewReconciler(ex, &fakeIntents{}, &fakeTrades{
		pending: []domain.TradeLogRecord{{TradeID: "t-1", EntryTime: time.Now()}},
	}, nil, testLogger())
	exitMgr := exits.NewManager(ex, nil, testLogger())
	r := NewRunner(Config{Symbol: "SOLUSDT", Interval: time.Hour},
		&fakeAdvisor{}, &fakeExecutor{}, recon, exitMgr, &fakeSnapshots{snap: normalSnap()}, ex, &fakeLocks{}, alerter, testLogger())
	return r, exitMgr
}

func TestRecoverAlertsUnprotectedPosition(t *testing.T) {
	var alerts []string
	alerter := alertFunc(func(_ context.Context, event, _, _ string) error {
		alerts = append(alerts, event)
		return nil
	})

	ex := &fakeExchange{
		pos: &domain.ExchangePosition{
			Symbol: "SOLUSDT", Direction: domain.DirectionLong, Quantity: 20, EntryPrice: 100, MarkPrice: 100,
		},
	}
	r, _ := newRecoverHarness(ex, alerter)

	require.NoError(t, r.Recover(context.Background()))
	assert.Contains(t, alerts, "exit_fallback")

	// A lone stop is partial protection and still alerts.
	alerts = nil
	ex.open = []domain.OrderState{
		{OrderID: 2, Symbol: "SOLUSDT", Type: domain.OrderTypeStopMarket, StopPrice: 96, OrigQty: 20},
	}
	r, _ = newRecoverHarness(ex, alerter)
	require.NoError(t, r.Recover(context.Background()))
	assert.Contains(t, alerts, "exit_fallback")
}

func TestRecoverRebuildsExitPairFromVenueOrders(t *testing.T) {
	var alerts []string
	alerter := alertFunc(func(_ context.Context, event, _, _ string) error {
		alerts = append(alerts, event)
		return nil
	})

	ex := &fakeExchange{
		pos: &domain.ExchangePosition{
			Symbol: "SOLUSDT", Direction: domain.DirectionLong, Quantity: 20, EntryPrice: 100, MarkPrice: 100,
		},
		open: []domain.OrderState{
			{OrderID: 2, Symbol: "SOLUSDT", Type: domain.OrderTypeStopMarket, StopPrice: 96, OrigQty: 20},
			{OrderID: 4, Symbol: "SOLUSDT", Type: domain.OrderTypeTakeProfit, StopPrice: 112, OrigQty: 10},
			{OrderID: 3, Symbol: "SOLUSDT", Type: domain.OrderTypeTakeProfit, StopPrice: 106, OrigQty: 10},
		},
	}
	r, exitMgr := newRecoverHarness(ex, alerter)

	require.NoError(t, r.Recover(context.Background()))
	assert.Empty(t, alerts)

	// The pair is live again: nearer target first, stop tracked.
	pair, ok := exitMgr.Pair("t-1")
	require.True(t, ok)
	assert.Equal(t, domain.PairActive, pair.Status)
	require.Len(t, pair.Legs, 3)
	assert.Equal(t, domain.LegStop, pair.Legs[0].Kind)
	assert.InDelta(t, 106, pair.Legs[1].Price, 1e-9)
	assert.InDelta(t, 112, pair.Legs[2].Price, 1e-9)

	// Recovery is idempotent across repeated startup passes.
	require.NoError(t, r.Recover(context.Background()))
	assert.Empty(t, alerts)
}

func TestTriggerDroppedWhileCycleInFlight(t *testing.T) {
	r := newRunner(&fakeAdvisor{}, &fakeExecutor{}, &fakeExchange{}, &fakeLocks{}, &fakeSnapshots{snap: normalSnap()})
	firing := domain.Firing{Trigger: domain.Trigger{ID: "trg-1", Kind: domain.KindPrice}}

	r.busy.Store(true)
	r.Trigger(firing)
	assert.Len(t, r.firings, 0)

	r.busy.Store(false)
	r.Trigger(firing)
	assert.Len(t, r.firings, 1)

	// A second pending firing is dropped, not queued behind the first.
	r.Trigger(firing)
	assert.Len(t, r.firings, 1)
}

type alertFunc func(ctx context.Context, event, title, message string) error

func (f alertFunc) Alert(ctx context.Context, event, title, message string) error {
	return f(ctx, event, title, message)
}

// ---------------------------------------------------------------------------
// Sweeper tests
// ---------------------------------------------------------------------------

func newSweepHarness(ex *fakeExchange, pnl float64, snap domain.MarketSnapshot) (*Sweeper, *fakeExecutor, *Runner, *fakeTriggerStore) {
	exec := &fakeExecutor{}
	recon := reconcile.NewReconciler(ex, &fakeIntents{}, &fakeTrades{}, nil, testLogger())
	snaps := &fakeSnapshots{snap: snap}
	exitMgr := exits.NewManager(ex, nil, testLogger())
	runner := NewRunner(Config{Symbol: "SOLUSDT", Interval: time.Hour},
		&fakeAdvisor{}, exec, recon, exitMgr, snaps, ex, &fakeLocks{}, nil, testLogger())

	store := &fakeTriggerStore{}
	gate := trigger.NewGate(trigger.GateConfig{
		MinInterval: 10 * time.Minute, MaxCallsPerHour: 6, PnLGatePct: 2, EmergencyCooldown: 30 * time.Minute,
	}, fakeCallLog{}, testLogger())
	sched := trigger.NewScheduler(store, gate, trigger.Options{
		WatchExpiry: 24 * time.Hour, PositionExpiry: 168 * time.Hour,
		DrawdownPct: -4, EmergencyPct: -8, ProfitPct: 6,
		StagnationHours: 24, MinMovementPct: 1, VolatilityMult: 2, VolumeMult: 3,
	}, testLogger())

	sw := NewSweeper(SweepConfig{
		Symbol: "SOLUSDT", Interval: time.Second,
		DailyLossLimitPct: -10, MarginRatioLimit: 0.8, EmergencyCooldown: 30 * time.Minute,
	}, exitMgr, sched, recon, snaps, &fakePnL{pnl: pnl}, ex, exec, runner, testLogger())
	return sw, exec, runner, store
}

func TestSweepMarginBreachTriggersEmergencyClose(t *testing.T) {
	ex := &fakeExchange{
		pos: &domain.ExchangePosition{
			Symbol: "SOLUSDT", Direction: domain.DirectionLong, Quantity: 20, EntryPrice: 100, MarkPrice: 100,
		},
		acct: domain.AccountState{TotalBalance: 1000, MarginRatio: 0.85},
	}
	sw, exec, _, _ := newSweepHarness(ex, 0, normalSnap())

	sw.SweepOnce(context.Background())
	require.Len(t, exec.emergency, 1)
	assert.Contains(t, exec.emergency[0], "margin ratio")
}

func TestSweepEmergencyCooldownSpacesCloses(t *testing.T) {
	ex := &fakeExchange{
		pos: &domain.ExchangePosition{
			Symbol: "SOLUSDT", Direction: domain.DirectionLong, Quantity: 20, EntryPrice: 100, MarkPrice: 100,
		},
		acct: domain.AccountState{TotalBalance: 1000, MarginRatio: 0.85},
	}
	sw, exec, _, _ := newSweepHarness(ex, 0, normalSnap())

	sw.SweepOnce(context.Background())
	sw.SweepOnce(context.Background())
	assert.Len(t, exec.emergency, 1)
}

func TestSweepDailyLossBreach(t *testing.T) {
	ex := &fakeExchange{
		pos: &domain.ExchangePosition{
			Symbol: "SOLUSDT", Direction: domain.DirectionLong, Quantity: 20, EntryPrice: 100, MarkPrice: 100,
		},
		acct: domain.AccountState{TotalBalance: 1000, MarginRatio: 0.1},
	}
	// Realized -120 on a 1000 balance is -12%, past the -10% limit.
	sw, exec, _, _ := newSweepHarness(ex, -120, normalSnap())

	sw.SweepOnce(context.Background())
	require.Len(t, exec.emergency, 1)
	assert.Contains(t, exec.emergency[0], "daily loss")
}

func TestSweepForwardsReevaluateFiring(t *testing.T) {
	ex := &fakeExchange{
		pos: &domain.ExchangePosition{
			Symbol: "SOLUSDT", Direction: domain.DirectionLong,
			Quantity: 20, EntryPrice: 100, MarkPrice: 95, // -5% drawdown
		},
		acct: domain.AccountState{TotalBalance: 1000, MarginRatio: 0.1},
	}
	sw, exec, runner, store := newSweepHarness(ex, 0, normalSnap())

	// Install the standing position set, then sweep against the drawdown.
	now := time.Now()
	view := domain.MergedPositionView{
		ExchangePosition: *ex.pos,
		TradeID:          "t-1",
		LogEntryTime:     now,
	}
	require.NoError(t, sw.sched.InstallPosition(context.Background(), view, normalSnap()))
	require.Len(t, store.sets["SOLUSDT"], 6)

	sw.SweepOnce(context.Background())

	// Drawdown (HIGH) fired and was queued for the runner, not closed.
	assert.Empty(t, exec.emergency)
	select {
	case firing := <-runner.firings:
		assert.Equal(t, domain.KindDrawdown, firing.Trigger.Kind)
		assert.Equal(t, domain.TriggerActionReevaluate, firing.Trigger.Action)
	default:
		t.Fatal("expected a queued firing")
	}
}
