package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/delquant/delphibot/internal/costs"
	"github.com/delquant/delphibot/internal/domain"
)

// adjustExits moves the protective levels of the open position. ADJUST_BOTH
// runs sequentially, stop first: if the stop moved but the targets then
// failed, the result is partial and a critical alert fires; the moved stop
// is never rolled back.
func (e *Executor) adjustExits(ctx context.Context, d domain.Decision) (domain.ExecutionResult, error) {
	view, tradeID, res := e.openTrade(ctx, d.Symbol)
	if res != nil {
		return *res, nil
	}

	adjustStop := d.Action == domain.ActionAdjustStop || d.Action == domain.ActionAdjustBoth
	adjustTargets := d.Action == domain.ActionAdjustTargets || d.Action == domain.ActionAdjustBoth

	if adjustStop {
		if err := validateStop(view.Direction, d.NewStop, view.MarkPrice); err != nil {
			return domain.ExecutionResult{Status: domain.ExecStatusRejected, Reason: err.Error()}, nil
		}
	}
	if adjustTargets {
		if err := validateTargets(view.Direction, d.NewTargets, view.MarkPrice); err != nil {
			return domain.ExecutionResult{Status: domain.ExecStatusRejected, Reason: err.Error()}, nil
		}
	}

	newStop := view.StopLoss
	if adjustStop {
		if err := e.exits.ReplaceStop(ctx, tradeID, d.NewStop); err != nil {
			return domain.ExecutionResult{}, fmt.Errorf("executor: adjust stop: %w", err)
		}
		newStop = d.NewStop
		e.logger.InfoContext(ctx, "stop adjusted",
			slog.String("trade_id", tradeID),
			slog.Float64("old_stop", view.StopLoss),
			slog.Float64("new_stop", d.NewStop),
		)
	}

	tp1, tp2 := view.TargetPrice, 0.0
	if adjustTargets {
		rules, err := e.ex.SymbolRules(ctx, d.Symbol)
		if err != nil {
			return domain.ExecutionResult{}, err
		}
		if err := e.exits.ReplaceTargets(ctx, tradeID, d.NewTargets, rules); err != nil {
			if d.Action == domain.ActionAdjustBoth {
				// The stop already moved; surface the half-done state.
				e.alertf(ctx, "adjust_partial", "Exit adjustment left partial",
					"trade %s: stop moved to %v but target replacement failed: %v", tradeID, newStop, err)
				e.persistLevels(ctx, tradeID, newStop, tp1, tp2)
				return domain.ExecutionResult{
					Status:  domain.ExecStatusPartial,
					TradeID: tradeID,
					Reason:  "stop adjusted, targets failed",
				}, nil
			}
			return domain.ExecutionResult{}, fmt.Errorf("executor: adjust targets: %w", err)
		}
		tp1 = d.NewTargets[0]
		if len(d.NewTargets) > 1 {
			tp2 = d.NewTargets[1]
		}
	}

	e.persistLevels(ctx, tradeID, newStop, tp1, tp2)
	return domain.ExecutionResult{Status: domain.ExecStatusAdjusted, TradeID: tradeID}, nil
}

// pyramid adds size to a winning position, at most once per trade. The
// stop is moved to at least breakeven so the added size can never turn the
// whole trade into a loss at the original stop.
func (e *Executor) pyramid(ctx context.Context, d domain.Decision, snap domain.MarketSnapshot) (domain.ExecutionResult, error) {
	if !e.cfg.PyramidingEnabled {
		return domain.ExecutionResult{Status: domain.ExecStatusBlocked, Reason: "pyramiding disabled"}, nil
	}
	if d.Adjust == nil {
		return domain.ExecutionResult{Status: domain.ExecStatusRejected, Reason: "adjust decision without plan"}, nil
	}

	view, tradeID, res := e.openTrade(ctx, d.Symbol)
	if res != nil {
		return *res, nil
	}

	e.mu.Lock()
	already := e.pyramided[tradeID]
	e.mu.Unlock()
	if already {
		return domain.ExecutionResult{
			Status:  domain.ExecStatusBlocked,
			TradeID: tradeID,
			Reason:  "position already pyramided once",
		}, nil
	}

	if view.PnLPct < e.cfg.PyramidingMinProfit {
		return domain.ExecutionResult{
			Status:  domain.ExecStatusBlocked,
			TradeID: tradeID,
			Reason: fmt.Sprintf("profit %.2f%% below pyramiding minimum %.2f%%",
				view.PnLPct, e.cfg.PyramidingMinProfit),
		}, nil
	}

	rules, err := e.ex.SymbolRules(ctx, d.Symbol)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	addQty := costs.RoundToStep(d.Adjust.TargetQuantity-view.Quantity, rules.StepSize)
	if addQty <= 0 {
		return domain.ExecutionResult{
			Status:  domain.ExecStatusRejected,
			TradeID: tradeID,
			Reason:  "target quantity does not add size",
		}, nil
	}

	acct, err := e.ex.Account(ctx)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	price := snap.Price
	if price <= 0 {
		price = view.MarkPrice
	}
	if acct.TotalBalance > 0 && e.cfg.Leverage > 0 {
		// Committed margin after the add, as a share of equity.
		ratio := (view.Quantity + addQty) * price / float64(e.cfg.Leverage) / acct.TotalBalance
		if ratio > e.cfg.PyramidingMaxRatio {
			return domain.ExecutionResult{
				Status:  domain.ExecStatusBlocked,
				TradeID: tradeID,
				Reason: fmt.Sprintf("margin/equity %.2f exceeds pyramiding ceiling %.2f",
					ratio, e.cfg.PyramidingMaxRatio),
			}, nil
		}
	}

	ack, err := e.ex.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:    d.Symbol,
		Side:      domain.EntrySide(view.Direction),
		Type:      domain.OrderTypeMarket,
		Quantity:  addQty,
		Direction: view.Direction,
	})
	if err != nil {
		var rej *domain.ExchangeRejection
		if errors.As(err, &rej) {
			return domain.ExecutionResult{Status: domain.ExecStatusRejected, TradeID: tradeID, Reason: rej.Reason}, nil
		}
		return domain.ExecutionResult{}, fmt.Errorf("executor: pyramid order: %w", err)
	}
	e.recon.Invalidate(ctx, d.Symbol)

	e.mu.Lock()
	e.pyramided[tradeID] = true
	e.mu.Unlock()

	// Stop floor: never below breakeven once size was added.
	newStop := stopWithBreakevenFloor(view.Direction, d.Adjust.NewStop, view.EntryPrice)
	if err := e.exits.ReplaceStop(ctx, tradeID, newStop); err != nil {
		e.alertf(ctx, "adjust_partial", "Pyramid filled but stop move failed",
			"trade %s: added %v at %v, stop move to %v failed: %v", tradeID, addQty, price, newStop, err)
	}

	tp1, tp2 := view.TargetPrice, 0.0
	if d.Adjust.TakeProfit1 > 0 {
		newTargets := []float64{d.Adjust.TakeProfit1}
		tp1 = d.Adjust.TakeProfit1
		if d.Adjust.TakeProfit2 > 0 {
			newTargets = append(newTargets, d.Adjust.TakeProfit2)
			tp2 = d.Adjust.TakeProfit2
		}
		if err := e.exits.ReplaceTargets(ctx, tradeID, newTargets, rules); err != nil {
			e.alertf(ctx, "adjust_partial", "Pyramid filled but target move failed",
				"trade %s: target replacement failed: %v", tradeID, err)
		}
	}
	e.persistLevels(ctx, tradeID, newStop, tp1, tp2)
	e.markIntentAdjusted(ctx, d.Symbol, view.Quantity)

	e.logger.InfoContext(ctx, "position pyramided",
		slog.String("trade_id", tradeID),
		slog.Float64("added_qty", addQty),
		slog.Float64("new_stop", newStop),
	)
	return domain.ExecutionResult{
		Status:    domain.ExecStatusAdjusted,
		TradeID:   tradeID,
		OrderID:   ack.OrderID,
		Quantity:  addQty,
		FillPrice: ack.FillPrice,
	}, nil
}

// openTrade resolves the merged view and its trade id, or a blocked result
// when there is nothing to act on.
func (e *Executor) openTrade(ctx context.Context, symbol string) (*domain.MergedPositionView, string, *domain.ExecutionResult) {
	view, err := e.recon.CurrentPosition(ctx, symbol)
	if err != nil {
		e.logger.ErrorContext(ctx, "position lookup failed",
			slog.String("symbol", symbol), slog.String("error", err.Error()))
		return nil, "", &domain.ExecutionResult{Status: domain.ExecStatusBlocked, Reason: "position lookup failed"}
	}
	if view == nil {
		return nil, "", &domain.ExecutionResult{Status: domain.ExecStatusBlocked, Reason: "no open position"}
	}
	tradeID := view.TradeID
	if tradeID == "" {
		tradeID = view.LogTradeID
	}
	if tradeID == "" {
		return nil, "", &domain.ExecutionResult{
			Status: domain.ExecStatusBlocked,
			Reason: "position has no local trade record, sync required",
		}
	}
	return view, tradeID, nil
}

func (e *Executor) persistLevels(ctx context.Context, tradeID string, stop, tp1, tp2 float64) {
	if err := e.trades.UpdateExitLevels(ctx, tradeID, stop, tp1, tp2); err != nil {
		e.logger.WarnContext(ctx, "persisting adjusted levels failed",
			slog.String("trade_id", tradeID), slog.String("error", err.Error()))
	}
}

func (e *Executor) markIntentAdjusted(ctx context.Context, symbol string, originalSize float64) {
	intent, err := e.intents.Active(ctx, symbol)
	if err != nil {
		return
	}
	now := e.now()
	intent.Adjusted = true
	intent.AdjustedAt = &now
	if intent.OriginalSize == 0 {
		intent.OriginalSize = originalSize
	}
	if err := e.intents.Put(ctx, intent); err != nil {
		e.logger.WarnContext(ctx, "marking intent adjusted failed",
			slog.String("symbol", symbol), slog.String("error", err.Error()))
	}
}

// validateStop rejects stops on the losing side of the mark price.
func validateStop(dir domain.PositionDirection, stop, mark float64) error {
	if stop <= 0 {
		return domain.Validation("new_stop", "must be positive")
	}
	if dir == domain.DirectionLong && stop >= mark {
		return domain.Validation("new_stop", "stop %v not below mark price %v", stop, mark)
	}
	if dir == domain.DirectionShort && stop <= mark {
		return domain.Validation("new_stop", "stop %v not above mark price %v", stop, mark)
	}
	return nil
}

func validateTargets(dir domain.PositionDirection, targets []float64, mark float64) error {
	if len(targets) == 0 || len(targets) > 2 {
		return domain.Validation("new_targets", "need one or two targets, got %d", len(targets))
	}
	for _, t := range targets {
		if t <= 0 {
			return domain.Validation("new_targets", "must be positive")
		}
		if dir == domain.DirectionLong && t <= mark {
			return domain.Validation("new_targets", "target %v not above mark price %v", t, mark)
		}
		if dir == domain.DirectionShort && t >= mark {
			return domain.Validation("new_targets", "target %v not below mark price %v", t, mark)
		}
	}
	return nil
}

// stopWithBreakevenFloor clamps a pyramided stop to the entry price: longs
// never below entry, shorts never above.
func stopWithBreakevenFloor(dir domain.PositionDirection, requested, entry float64) float64 {
	if requested <= 0 {
		return entry
	}
	if dir == domain.DirectionLong {
		return max(requested, entry)
	}
	return min(requested, entry)
}
