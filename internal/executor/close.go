package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/delquant/delphibot/internal/domain"
)

// closePosition flattens the position with a reduce-only market order and
// settles the local records: trade log finalized exactly once, intent
// archived, position triggers cleared.
func (e *Executor) closePosition(ctx context.Context, symbol, reason string, outcome domain.TradeOutcome) (domain.ExecutionResult, error) {
	e.cancelRestingEntry(ctx, symbol)

	view, err := e.recon.CurrentPosition(ctx, symbol)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if view == nil {
		return domain.ExecutionResult{Status: domain.ExecStatusNoop, Reason: "no open position"}, nil
	}
	tradeID := view.TradeID
	if tradeID == "" {
		tradeID = view.LogTradeID
	}

	// Protective orders first, so reduce-only legs cannot race the close.
	if tradeID != "" {
		if err := e.exits.CancelAll(ctx, tradeID); err != nil {
			e.logger.WarnContext(ctx, "cancelling exit legs before close failed",
				slog.String("trade_id", tradeID), slog.String("error", err.Error()))
		}
	}

	ack, err := e.ex.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     symbol,
		Side:       domain.ExitSide(view.Direction),
		Type:       domain.OrderTypeMarket,
		Quantity:   view.Quantity,
		ReduceOnly: true,
		Direction:  view.Direction,
	})
	if err != nil {
		if errors.Is(err, domain.ErrOutcomeUnknown) {
			e.recon.Invalidate(ctx, symbol)
			e.alertf(ctx, "outcome_unknown", "Close outcome unknown",
				"close of %s (%s) timed out; venue truth will settle on next sync", symbol, tradeID)
			return domain.ExecutionResult{Status: domain.ExecStatusPending, TradeID: tradeID,
				Reason: "close submission timed out"}, nil
		}
		return domain.ExecutionResult{}, fmt.Errorf("executor: close order: %w", err)
	}
	e.recon.Invalidate(ctx, symbol)

	fillPrice := ack.FillPrice
	if fillPrice == 0 {
		fillPrice = view.MarkPrice
	}
	e.calc.RecordRealizedSlippage(ctx, symbol, view.MarkPrice, fillPrice, domain.ExitSide(view.Direction))

	pnlPct := exitPnLPercent(view.Direction, view.EntryPrice, fillPrice)
	if tradeID != "" {
		e.settleRecords(ctx, symbol, tradeID, domain.TradeFinal{
			ExitPrice:  fillPrice,
			ExitTime:   e.now(),
			Outcome:    outcome,
			PnLPercent: pnlPct,
			ExitReason: reason,
		})
	}

	e.logger.InfoContext(ctx, "position closed",
		slog.String("symbol", symbol),
		slog.String("trade_id", tradeID),
		slog.String("reason", reason),
		slog.Float64("fill_price", fillPrice),
		slog.Float64("pnl_pct", pnlPct),
	)
	return domain.ExecutionResult{
		Status:    domain.ExecStatusClosed,
		TradeID:   tradeID,
		OrderID:   ack.OrderID,
		FillPrice: fillPrice,
		Quantity:  view.Quantity,
	}, nil
}

// EmergencyClose flattens immediately in response to a critical risk
// condition and raises a critical alert.
func (e *Executor) EmergencyClose(ctx context.Context, symbol, detail string) (domain.ExecutionResult, error) {
	e.alertf(ctx, "emergency_close", "Emergency close", "%s: %s", symbol, detail)
	res, err := e.closePosition(ctx, symbol, detail, domain.OutcomeEmergency)
	if err != nil {
		e.alertf(ctx, "emergency_close_failed", "Emergency close FAILED",
			"%s: %s: close attempt failed: %v", symbol, detail, err)
	}
	return res, err
}

// HandlePairResolved settles records when an exit leg fills on its own
// (stop hit or target reached). Wired as the exits manager's resolution
// callback.
func (e *Executor) HandlePairResolved(ctx context.Context, pair domain.ExitOrderPair) {
	e.recon.Invalidate(ctx, pair.Symbol)

	pnlPct := exitPnLPercent(pair.Direction, pair.EntryPrice, pair.FillPrice)
	reason := "stop loss hit"
	if pair.FilledLeg.IsTarget() {
		reason = "take profit hit"
	}

	pos, err := e.ex.Position(ctx, pair.Symbol)
	if err != nil {
		e.logger.ErrorContext(ctx, "truth query after exit fill failed",
			slog.String("trade_id", pair.TradeID), slog.String("error", err.Error()))
		return
	}
	if pos != nil {
		// Partial exit: remaining size lost its sibling protection when the
		// pair resolved. Flag it for the next decision cycle.
		leg, _ := pair.LegByKind(pair.FilledLeg)
		e.alertf(ctx, "partial_exit", "Partial exit filled",
			"trade %s: %s filled %v at %v, %v remains open without exit orders",
			pair.TradeID, pair.FilledLeg, leg.Quantity, pair.FillPrice, pos.Quantity)
		return
	}

	e.settleRecords(ctx, pair.Symbol, pair.TradeID, domain.TradeFinal{
		ExitPrice:  pair.FillPrice,
		ExitTime:   pair.ResolvedAt,
		Outcome:    domain.OutcomeFromPnL(pnlPct),
		PnLPercent: pnlPct,
		ExitReason: reason,
	})
	e.exits.Forget(pair.TradeID)
}

// settleRecords finalizes the trade log exactly once, archives the intent,
// and clears position triggers. A second finalize attempt for the same
// trade is logged and otherwise ignored.
func (e *Executor) settleRecords(ctx context.Context, symbol, tradeID string, final domain.TradeFinal) {
	// The intent's key levels seed the watch set after the exit; read them
	// before the archive step consumes the intent.
	var watchLevels []float64
	if intent, err := e.intents.Active(ctx, symbol); err == nil && intent.TradeID == tradeID {
		watchLevels = intent.KeyLevels
	}

	if err := e.trades.Finalize(ctx, tradeID, final); err != nil {
		if errors.Is(err, domain.ErrFinalized) {
			e.logger.InfoContext(ctx, "trade already finalized",
				slog.String("trade_id", tradeID))
		} else {
			e.logger.ErrorContext(ctx, "trade finalize failed",
				slog.String("trade_id", tradeID), slog.String("error", err.Error()))
			e.alertf(ctx, "finalize_failed", "Trade log finalize failed",
				"trade %s: %v", tradeID, err)
		}
	}

	if err := e.intents.Archive(ctx, symbol, e.now()); err != nil && !errors.Is(err, domain.ErrNotFound) {
		e.logger.WarnContext(ctx, "intent archive failed",
			slog.String("symbol", symbol), slog.String("error", err.Error()))
	}

	if err := e.triggers.ClearPosition(ctx, symbol); err != nil {
		e.logger.WarnContext(ctx, "clearing position triggers failed",
			slog.String("symbol", symbol), slog.String("error", err.Error()))
	}
	if len(watchLevels) > 0 {
		if err := e.triggers.InstallWatch(ctx, symbol, watchLevels, domain.MarketSnapshot{}, "post-exit key level"); err != nil {
			e.logger.WarnContext(ctx, "re-arming watch triggers failed",
				slog.String("symbol", symbol), slog.String("error", err.Error()))
		}
	}

	e.mu.Lock()
	delete(e.pyramided, tradeID)
	e.mu.Unlock()
}

// exitPnLPercent is the unleveraged price excursion between entry and exit,
// signed by direction.
func exitPnLPercent(dir domain.PositionDirection, entry, exit float64) float64 {
	if entry == 0 {
		return 0
	}
	if dir == domain.DirectionLong {
		return (exit - entry) / entry * 100
	}
	return (entry - exit) / entry * 100
}
