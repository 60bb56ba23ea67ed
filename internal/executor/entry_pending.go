package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/delquant/delphibot/internal/domain"
)

// pendingEntry is one resting entry order awaiting its fill. No trade-log
// row, intent, or exit protection exists until the fill is confirmed.
type pendingEntry struct {
	tradeID  string
	orderID  int64
	decision domain.Decision
	dir      domain.PositionDirection
	qty      float64
	snap     domain.MarketSnapshot
	placedAt time.Time
}

// enterResting places a non-market entry order and parks the executor in
// the awaiting-fill sub-state. One resting entry at a time.
func (e *Executor) enterResting(ctx context.Context, d domain.Decision, dir domain.PositionDirection, qty float64, cost domain.TradeCost, snap domain.MarketSnapshot) (domain.ExecutionResult, error) {
	plan := d.Entry
	req := domain.OrderRequest{
		Symbol:    d.Symbol,
		Side:      domain.EntrySide(dir),
		Type:      plan.OrderType,
		Quantity:  qty,
		Direction: dir,
	}
	switch plan.OrderType {
	case domain.OrderTypeLimit:
		req.Price = plan.EntryPrice
	case domain.OrderTypeStopMarket:
		req.StopPrice = plan.EntryPrice
	case domain.OrderTypeStopLimit:
		req.StopPrice = plan.EntryPrice
		req.Price = plan.LimitPrice
		if req.Price == 0 {
			req.Price = plan.EntryPrice
		}
	default:
		return domain.ExecutionResult{
			Status: domain.ExecStatusRejected,
			Reason: fmt.Sprintf("unsupported entry order type %q", plan.OrderType),
		}, nil
	}

	tradeID := uuid.NewString()
	ack, err := e.ex.PlaceOrder(ctx, req)
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

	// Some stop entries cross immediately.
	if ack.Status == domain.OrderStatusFilled {
		fillPrice := ack.FillPrice
		if fillPrice == 0 {
			fillPrice = plan.EntryPrice
		}
		e.recon.Invalidate(ctx, d.Symbol)
		e.calc.RecordRealizedSlippage(ctx, d.Symbol, plan.EntryPrice, fillPrice, domain.EntrySide(dir))
		if err := e.commitEntry(ctx, d, dir, tradeID, qty, fillPrice, snap); err != nil {
			return domain.ExecutionResult{}, err
		}
		return domain.ExecutionResult{
			Status:    domain.ExecStatusExecuted,
			TradeID:   tradeID,
			OrderID:   ack.OrderID,
			FillPrice: fillPrice,
			Quantity:  qty,
			Cost:      &cost,
		}, nil
	}

	e.mu.Lock()
	e.pending = &pendingEntry{
		tradeID:  tradeID,
		orderID:  ack.OrderID,
		decision: d,
		dir:      dir,
		qty:      qty,
		snap:     snap,
		placedAt: e.now(),
	}
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "resting entry placed",
		slog.String("trade_id", tradeID),
		slog.Int64("order_id", ack.OrderID),
		slog.String("type", string(plan.OrderType)),
		slog.Float64("entry_price", plan.EntryPrice),
		slog.Float64("quantity", qty),
	)
	return domain.ExecutionResult{
		Status:   domain.ExecStatusPending,
		TradeID:  tradeID,
		OrderID:  ack.OrderID,
		Quantity: qty,
		Cost:     &cost,
		Reason:   "awaiting fill",
	}, nil
}

// CheckPendingEntry polls the resting entry, if any. A confirmed fill
// commits the trade records and exit protection; a timed-out order is
// cancelled and resolved from venue truth, never retried blind.
func (e *Executor) CheckPendingEntry(ctx context.Context) error {
	e.mu.Lock()
	pe := e.pending
	e.mu.Unlock()
	if pe == nil {
		return nil
	}

	st, err := e.ex.OrderStatus(ctx, pe.decision.Symbol, pe.orderID)
	if err != nil {
		e.logger.WarnContext(ctx, "pending entry status unavailable",
			slog.String("trade_id", pe.tradeID),
			slog.String("error", err.Error()))
		return nil
	}

	switch st.Status {
	case domain.OrderStatusFilled:
		e.clearPending(pe.tradeID)
		fillPrice := st.AvgFillPrice
		if fillPrice == 0 {
			fillPrice = pe.decision.Entry.EntryPrice
		}
		qty := st.ExecutedQty
		if qty == 0 {
			qty = pe.qty
		}
		e.recon.Invalidate(ctx, pe.decision.Symbol)
		e.calc.RecordRealizedSlippage(ctx, pe.decision.Symbol, pe.decision.Entry.EntryPrice, fillPrice, domain.EntrySide(pe.dir))
		if err := e.commitEntry(ctx, pe.decision, pe.dir, pe.tradeID, qty, fillPrice, pe.snap); err != nil {
			return fmt.Errorf("executor: commit resting entry %s: %w", pe.tradeID, err)
		}
		return nil

	case domain.OrderStatusCanceled, domain.OrderStatusRejected, domain.OrderStatusExpired:
		e.clearPending(pe.tradeID)
		e.logger.WarnContext(ctx, "resting entry ended without fill",
			slog.String("trade_id", pe.tradeID),
			slog.String("status", string(st.Status)))
		return nil
	}

	if e.cfg.EntryTimeout <= 0 || e.now().Sub(pe.placedAt) < e.cfg.EntryTimeout {
		return nil
	}
	return e.expirePending(ctx, pe)
}

// expirePending cancels a timed-out resting entry and resolves any partial
// fill from venue truth.
func (e *Executor) expirePending(ctx context.Context, pe *pendingEntry) error {
	e.clearPending(pe.tradeID)
	symbol := pe.decision.Symbol

	if err := e.ex.CancelOrder(ctx, symbol, pe.orderID); err != nil {
		e.logger.WarnContext(ctx, "cancelling timed-out entry failed",
			slog.String("trade_id", pe.tradeID),
			slog.String("error", err.Error()))
	}
	e.recon.Invalidate(ctx, symbol)

	pos, err := e.ex.Position(ctx, symbol)
	if err != nil {
		e.alertf(ctx, "outcome_unknown", "Entry timeout unresolved",
			"trade %s on %s: resting entry timed out and truth re-query failed: %v", pe.tradeID, symbol, err)
		return nil
	}
	if pos != nil && pos.Direction == pe.dir {
		// A partial fill left a live position; protect it.
		e.logger.WarnContext(ctx, "timed-out entry partially filled",
			slog.String("trade_id", pe.tradeID),
			slog.Float64("quantity", pos.Quantity))
		if err := e.commitEntry(ctx, pe.decision, pe.dir, pe.tradeID, pos.Quantity, pos.EntryPrice, pe.snap); err != nil {
			return fmt.Errorf("executor: commit partial entry %s: %w", pe.tradeID, err)
		}
		return nil
	}

	e.logger.InfoContext(ctx, "resting entry timed out and was cancelled",
		slog.String("trade_id", pe.tradeID))
	return nil
}

// cancelRestingEntry withdraws the resting entry for symbol, if any. Used
// before a flatten so a late fill cannot reopen the position.
func (e *Executor) cancelRestingEntry(ctx context.Context, symbol string) {
	e.mu.Lock()
	pe := e.pending
	e.mu.Unlock()
	if pe == nil || pe.decision.Symbol != symbol {
		return
	}
	e.clearPending(pe.tradeID)
	if err := e.ex.CancelOrder(ctx, symbol, pe.orderID); err != nil {
		e.logger.WarnContext(ctx, "cancelling resting entry before close failed",
			slog.String("trade_id", pe.tradeID),
			slog.String("error", err.Error()))
	}
}

func (e *Executor) clearPending(tradeID string) {
	e.mu.Lock()
	if e.pending != nil && e.pending.tradeID == tradeID {
		e.pending = nil
	}
	e.mu.Unlock()
}
