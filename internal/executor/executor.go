// Package executor is the order-execution state machine: it turns advisory
// decisions into venue orders, trade-log rows, intents, exit protection,
// and trigger sets, enforcing the engine's safety rules (no duplicate
// entries, pyramid-once, breakeven stop floor, exactly-once finalize).
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/delquant/delphibot/internal/costs"
	"github.com/delquant/delphibot/internal/domain"
	"github.com/delquant/delphibot/internal/exits"
	"github.com/delquant/delphibot/internal/reconcile"
	"github.com/delquant/delphibot/internal/trigger"
)

// Config tunes the executor's safety rules.
type Config struct {
	Symbol              string
	Leverage            int
	PyramidingEnabled   bool
	PyramidingMinProfit float64 // unleveraged pnl % required before adding
	PyramidingMaxRatio  float64 // position notional / equity ceiling
	HoldingHours        float64 // cost model horizon
	AlertCostPct        float64 // total cost % worth an alert

	// EntryTimeout bounds how long a resting entry order may sit unfilled
	// before it is cancelled. Zero disables the timeout.
	EntryTimeout time.Duration
}

// Executor dispatches decisions. One instance serves one symbol; the
// pipeline lock guarantees a single decision in flight at a time, the
// internal mutex guards the pyramid-once set against the sweep loop.
type Executor struct {
	cfg      Config
	ex       domain.Exchange
	recon    *reconcile.Reconciler
	exits    *exits.Manager
	sizer    *costs.Sizer
	calc     *costs.Calculator
	trades   domain.TradeLogStore
	intents  domain.IntentStore
	triggers *trigger.Scheduler
	alerter  domain.Alerter
	logger   *slog.Logger

	now func() time.Time

	mu        sync.Mutex
	pyramided map[string]bool // trade ids that already added size
	pending   *pendingEntry   // resting entry awaiting its fill, nil when none
}

// New creates an executor.
func New(
	cfg Config,
	ex domain.Exchange,
	recon *reconcile.Reconciler,
	exitMgr *exits.Manager,
	sizer *costs.Sizer,
	calc *costs.Calculator,
	trades domain.TradeLogStore,
	intents domain.IntentStore,
	triggers *trigger.Scheduler,
	alerter domain.Alerter,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		cfg:       cfg,
		ex:        ex,
		recon:     recon,
		exits:     exitMgr,
		sizer:     sizer,
		calc:      calc,
		trades:    trades,
		intents:   intents,
		triggers:  triggers,
		alerter:   alerter,
		logger:    logger.With(slog.String("component", "executor")),
		now:       time.Now,
		pyramided: make(map[string]bool),
	}
}

// Execute dispatches one decision and returns the typed outcome. Errors
// are returned only for infrastructure failures; rule rejections come back
// as blocked/rejected results.
func (e *Executor) Execute(ctx context.Context, d domain.Decision, snap domain.MarketSnapshot) (domain.ExecutionResult, error) {
	e.logger.InfoContext(ctx, "dispatching decision",
		slog.String("action", string(d.Action)),
		slog.String("symbol", d.Symbol),
		slog.String("rationale", d.Rationale),
	)

	switch d.Action {
	case domain.ActionHoldPosition:
		return domain.ExecutionResult{Status: domain.ExecStatusNoop}, nil

	case domain.ActionHold:
		return e.holdFlat(ctx, d, snap)

	case domain.ActionBuy, domain.ActionSell:
		return e.enter(ctx, d, snap)

	case domain.ActionClosePosition:
		return e.closePosition(ctx, d.Symbol, "decision", domain.OutcomeManualExit)

	case domain.ActionAdjustStop, domain.ActionAdjustTargets, domain.ActionAdjustBoth:
		return e.adjustExits(ctx, d)

	case domain.ActionAdjustPosition:
		return e.pyramid(ctx, d, snap)

	default:
		return domain.ExecutionResult{
			Status: domain.ExecStatusRejected,
			Reason: fmt.Sprintf("unknown action %q", d.Action),
		}, nil
	}
}

// holdFlat arms the watch set while no position is open: price triggers at
// the decision's watch levels plus anomaly detectors seeded from the
// snapshot. A HOLD with a position open changes nothing.
func (e *Executor) holdFlat(ctx context.Context, d domain.Decision, snap domain.MarketSnapshot) (domain.ExecutionResult, error) {
	view, err := e.recon.CurrentPosition(ctx, d.Symbol)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if view != nil {
		return domain.ExecutionResult{Status: domain.ExecStatusNoop}, nil
	}
	if len(d.WatchLevels) == 0 && snap.Volatility <= 0 && snap.Volume <= 0 {
		return domain.ExecutionResult{Status: domain.ExecStatusNoop}, nil
	}

	rationale := d.Rationale
	if rationale == "" {
		rationale = "watch level reached"
	}
	if err := e.triggers.InstallWatch(ctx, d.Symbol, d.WatchLevels, snap, rationale); err != nil {
		e.logger.ErrorContext(ctx, "installing watch triggers failed",
			slog.String("symbol", d.Symbol), slog.String("error", err.Error()))
		return domain.ExecutionResult{Status: domain.ExecStatusNoop}, nil
	}
	return domain.ExecutionResult{Status: domain.ExecStatusNoop, Reason: "watch triggers armed"}, nil
}

// enter opens a position. An existing same-direction position blocks the
// entry; an opposite-direction position is closed first (reversal).
func (e *Executor) enter(ctx context.Context, d domain.Decision, snap domain.MarketSnapshot) (domain.ExecutionResult, error) {
	if d.Entry == nil {
		return domain.ExecutionResult{
			Status: domain.ExecStatusRejected,
			Reason: "entry decision without entry plan",
		}, nil
	}
	dir, _ := d.EntryDirection()

	e.mu.Lock()
	resting := e.pending != nil
	e.mu.Unlock()
	if resting {
		return domain.ExecutionResult{
			Status: domain.ExecStatusBlocked,
			Reason: "resting entry already awaiting fill",
		}, nil
	}

	view, err := e.recon.CurrentPosition(ctx, d.Symbol)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if view != nil {
		if view.Direction == dir {
			e.logger.WarnContext(ctx, "entry blocked: position already open",
				slog.String("symbol", d.Symbol),
				slog.String("direction", string(dir)),
			)
			return domain.ExecutionResult{
				Status: domain.ExecStatusBlocked,
				Reason: "same-direction position already open",
			}, nil
		}
		// Reversal: flatten first.
		if _, err := e.closePosition(ctx, d.Symbol, "reversal", domain.OutcomeManualExit); err != nil {
			return domain.ExecutionResult{}, fmt.Errorf("executor: reversal close: %w", err)
		}
	}

	rules, err := e.ex.SymbolRules(ctx, d.Symbol)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	acct, err := e.ex.Account(ctx)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	price := snap.Price
	if price <= 0 {
		if price, err = e.ex.MarkPrice(ctx, d.Symbol); err != nil {
			return domain.ExecutionResult{}, err
		}
	}

	qty, err := e.sizer.OrderQuantity(ctx, acct, rules, price)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			return domain.ExecutionResult{Status: domain.ExecStatusRejected, Reason: verr.Error()}, nil
		}
		return domain.ExecutionResult{}, err
	}

	cost := e.reviewCosts(ctx, d, qty, price, snap.Condition)

	if err := e.ex.SetLeverage(ctx, d.Symbol, e.cfg.Leverage); err != nil {
		return domain.ExecutionResult{}, err
	}

	if d.Entry.OrderType != "" && d.Entry.OrderType != domain.OrderTypeMarket {
		return e.enterResting(ctx, d, dir, qty, cost, snap)
	}

	tradeID := uuid.NewString()
	ack, err := e.ex.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:    d.Symbol,
		Side:      domain.EntrySide(dir),
		Type:      domain.OrderTypeMarket,
		Quantity:  qty,
		Direction: dir,
	})
	if err != nil {
		if errors.Is(err, domain.ErrOutcomeUnknown) {
			return e.recoverUnknownEntry(ctx, d, dir, tradeID, snap)
		}
		var rej *domain.ExchangeRejection
		if errors.As(err, &rej) {
			return domain.ExecutionResult{Status: domain.ExecStatusRejected, Reason: rej.Reason}, nil
		}
		return domain.ExecutionResult{}, err
	}
	e.recon.Invalidate(ctx, d.Symbol)

	fillPrice := ack.FillPrice
	if fillPrice == 0 {
		fillPrice = price
	}
	e.calc.RecordRealizedSlippage(ctx, d.Symbol, price, fillPrice, domain.EntrySide(dir))

	if err := e.commitEntry(ctx, d, dir, tradeID, qty, fillPrice, snap); err != nil {
		return domain.ExecutionResult{}, err
	}

	result := domain.ExecutionResult{
		Status:    domain.ExecStatusExecuted,
		TradeID:   tradeID,
		OrderID:   ack.OrderID,
		FillPrice: fillPrice,
		Quantity:  qty,
		Cost:      &cost,
	}
	if pair, ok := e.exits.Pair(tradeID); ok && pair.Status == domain.PairFallback {
		result.NoOCOGuard = true
	}
	return result, nil
}

// commitEntry writes the local records and protection for a confirmed
// fill: trade log row, intent, exit pair, and the position trigger set.
func (e *Executor) commitEntry(ctx context.Context, d domain.Decision, dir domain.PositionDirection, tradeID string, qty, fillPrice float64, snap domain.MarketSnapshot) error {
	now := e.now()
	plan := d.Entry

	rec := domain.TradeLogRecord{
		TradeID:     tradeID,
		Symbol:      d.Symbol,
		Direction:   dir,
		EntryPrice:  fillPrice,
		EntryTime:   now,
		Leverage:    e.cfg.Leverage,
		SizePercent: plan.CapitalPercent,
		Quantity:    qty,
		StopLoss:    plan.StopLoss,
		TakeProfit1: plan.TakeProfit1,
		TakeProfit2: plan.TakeProfit2,
		Outcome:     domain.OutcomePending,
	}
	if err := e.trades.Create(ctx, rec); err != nil {
		return fmt.Errorf("executor: trade log create: %w", err)
	}

	intent := domain.TradingIntent{
		TradeID:           tradeID,
		Symbol:            d.Symbol,
		Direction:         dir,
		Scenario:          plan.Scenario,
		EntryPrice:        fillPrice,
		TargetPrice:       plan.TakeProfit1,
		StopLoss:          plan.StopLoss,
		InvalidationPrice: plan.InvalidationPrice,
		KeyLevels:         plan.KeyLevels,
		Confidence:        plan.Confidence,
		CreatedAt:         now,
		OriginalSize:      qty,
	}
	if err := e.intents.Put(ctx, intent); err != nil {
		return fmt.Errorf("executor: intent put: %w", err)
	}

	// Exit protection only after the fill is confirmed.
	targets := []float64{plan.TakeProfit1}
	if plan.TakeProfit2 > 0 {
		targets = append(targets, plan.TakeProfit2)
	}
	rules, err := e.ex.SymbolRules(ctx, d.Symbol)
	if err != nil {
		return err
	}
	planReq := exits.PlanRequest{
		TradeID:      tradeID,
		Symbol:       d.Symbol,
		Direction:    dir,
		Quantity:     qty,
		EntryPrice:   fillPrice,
		CurrentPrice: fillPrice,
		StopPrice:    plan.StopLoss,
		Targets:      targets,
		Rules:        rules,
	}
	if _, err := e.exits.Create(ctx, planReq); err != nil {
		e.logger.WarnContext(ctx, "paired exit placement failed, falling back to individual orders",
			slog.String("trade_id", tradeID), slog.String("error", err.Error()))
		if _, ferr := e.exits.Fallback(ctx, planReq); ferr != nil {
			e.alertf(ctx, "exit_fallback", "Position entered without exit protection",
				"trade %s on %s filled at %v but exit placement failed: %v", tradeID, d.Symbol, fillPrice, ferr)
		} else {
			e.alertf(ctx, "exit_fallback", "No OCO protection",
				"trade %s on %s: paired exits failed (%v), individual orders placed instead", tradeID, d.Symbol, err)
		}
	}

	installView := domain.MergedPositionView{
		ExchangePosition: domain.ExchangePosition{
			Symbol:     d.Symbol,
			Direction:  dir,
			Quantity:   qty,
			EntryPrice: fillPrice,
			MarkPrice:  fillPrice,
		},
		TradeID:      tradeID,
		LogEntryTime: now,
	}
	if err := e.triggers.InstallPosition(ctx, installView, snap); err != nil {
		e.logger.ErrorContext(ctx, "installing position triggers failed",
			slog.String("trade_id", tradeID), slog.String("error", err.Error()))
	}

	e.logger.InfoContext(ctx, "position opened",
		slog.String("trade_id", tradeID),
		slog.String("symbol", d.Symbol),
		slog.String("direction", string(dir)),
		slog.Float64("quantity", qty),
		slog.Float64("fill_price", fillPrice),
	)
	return nil
}

// recoverUnknownEntry handles a timed-out submission: venue truth decides
// whether the order filled. A live position of the expected direction is
// committed as a fill; anything else stays pending for the next sync.
func (e *Executor) recoverUnknownEntry(ctx context.Context, d domain.Decision, dir domain.PositionDirection, tradeID string, snap domain.MarketSnapshot) (domain.ExecutionResult, error) {
	e.recon.Invalidate(ctx, d.Symbol)
	pos, err := e.ex.Position(ctx, d.Symbol)
	if err != nil {
		e.alertf(ctx, "outcome_unknown", "Entry outcome unknown",
			"trade %s on %s: submission timed out and truth re-query failed: %v", tradeID, d.Symbol, err)
		return domain.ExecutionResult{Status: domain.ExecStatusPending, TradeID: tradeID,
			Reason: "submission timed out, truth unavailable"}, nil
	}
	if pos != nil && pos.Direction == dir {
		e.logger.WarnContext(ctx, "timed-out entry confirmed via venue truth",
			slog.String("trade_id", tradeID), slog.String("symbol", d.Symbol))
		if err := e.commitEntry(ctx, d, dir, tradeID, pos.Quantity, pos.EntryPrice, snap); err != nil {
			return domain.ExecutionResult{}, err
		}
		return domain.ExecutionResult{
			Status:    domain.ExecStatusExecuted,
			TradeID:   tradeID,
			FillPrice: pos.EntryPrice,
			Quantity:  pos.Quantity,
		}, nil
	}
	return domain.ExecutionResult{Status: domain.ExecStatusPending, TradeID: tradeID,
		Reason: "submission timed out, no position on venue"}, nil
}

// reviewCosts runs the cost model and raises the advisory alerts. It never
// blocks execution.
func (e *Executor) reviewCosts(ctx context.Context, d domain.Decision, qty, price float64, condition domain.MarketCondition) domain.TradeCost {
	plan := d.Entry
	exitPrice := plan.TakeProfit1
	if exitPrice == 0 {
		exitPrice = price
	}
	side := domain.SideBuy
	if d.Action == domain.ActionSell {
		side = domain.SideSell
	}

	cost := e.calc.Estimate(ctx, d.Symbol, side, qty, price, exitPrice,
		domain.OrderTypeMarket, e.cfg.HoldingHours, condition)

	if e.cfg.AlertCostPct > 0 && cost.TotalCostPercent >= e.cfg.AlertCostPct {
		e.alertf(ctx, "high_cost", "High estimated trade cost",
			"%s entry costs %.2f%% of notional (breakeven move %.2f%%)",
			d.Symbol, cost.TotalCostPercent, cost.BreakevenMovePercent)
	}

	expectedProfitPct := 0.0
	if price > 0 && exitPrice != price {
		expectedProfitPct = (exitPrice - price) / price * 100
		if side == domain.SideSell {
			expectedProfitPct = -expectedProfitPct
		}
	}
	review := costs.Review(cost, expectedProfitPct)
	if review.Efficiency == domain.CostInefficient {
		e.alertf(ctx, "cost_inefficient", "Cost-inefficient trade",
			"%s profit/cost ratio %.2f is below 2.0; executing anyway", d.Symbol, review.ProfitToCostRatio)
	}
	return cost
}

func (e *Executor) alertf(ctx context.Context, event, title, format string, args ...any) {
	if e.alerter == nil {
		return
	}
	if err := e.alerter.Alert(ctx, event, title, fmt.Sprintf(format, args...)); err != nil {
		e.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("event", event), slog.String("error", err.Error()))
	}
}
