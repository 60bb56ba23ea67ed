// Package exits manages client-side one-cancels-other exit protection: one
// stop-market leg plus one or two take-profit legs per position. The venue
// has no atomic OCO group for futures, so sibling cancellation on fill is
// enforced here, exactly once per pair.
package exits

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/delquant/delphibot/internal/costs"
	"github.com/delquant/delphibot/internal/domain"
)

// ResolvedHandler is invoked once when a pair resolves via a filled leg.
// It runs outside the manager lock.
type ResolvedHandler func(ctx context.Context, pair domain.ExitOrderPair)

// Manager owns the live exit-order pairs. All mutation goes through the
// internal mutex; the fill path (event-driven or polled) resolves each pair
// at most once regardless of how many legs report fills concurrently.
type Manager struct {
	ex      domain.Exchange
	alerter domain.Alerter
	logger  *slog.Logger

	mu    sync.Mutex
	pairs map[string]*domain.ExitOrderPair // keyed by trade id

	onResolved ResolvedHandler
}

// NewManager creates an exits manager.
func NewManager(ex domain.Exchange, alerter domain.Alerter, logger *slog.Logger) *Manager {
	return &Manager{
		ex:      ex,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "exits")),
		pairs:   make(map[string]*domain.ExitOrderPair),
	}
}

// OnResolved registers the resolution callback. Must be set before the
// first pair is created.
func (m *Manager) OnResolved(h ResolvedHandler) { m.onResolved = h }

// PlanRequest describes the protection wanted for one filled position.
type PlanRequest struct {
	TradeID      string
	Symbol       string
	Direction    domain.PositionDirection
	Quantity     float64
	EntryPrice   float64
	CurrentPrice float64
	StopPrice    float64
	Targets      []float64 // one or two, in fill-priority order
	Rules        domain.SymbolRules
}

// Create validates and places a full exit pair: the stop leg first, then
// the target legs with the quantity split evenly across two targets. If a
// target leg cannot be placed after the stop is live, the pair degrades to
// FALLBACK rather than leaving the position unprotected.
func (m *Manager) Create(ctx context.Context, req PlanRequest) (domain.ExitOrderPair, error) {
	if err := validatePlan(req); err != nil {
		return domain.ExitOrderPair{}, err
	}

	exitSide := domain.ExitSide(req.Direction)

	pair := domain.ExitOrderPair{
		TradeID:    req.TradeID,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Quantity:   req.Quantity,
		EntryPrice: req.EntryPrice,
		Status:     domain.PairActive,
		CreatedAt:  time.Now(),
	}

	// Stop leg first: the position is never left without a stop.
	stopAck, err := m.ex.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     req.Symbol,
		Side:       exitSide,
		Type:       domain.OrderTypeStopMarket,
		Quantity:   req.Quantity,
		StopPrice:  req.StopPrice,
		ReduceOnly: true,
		Direction:  req.Direction,
	})
	if err != nil {
		return domain.ExitOrderPair{}, fmt.Errorf("exits: place stop: %w", err)
	}
	pair.Legs = append(pair.Legs, domain.ExitLeg{
		Kind:     domain.LegStop,
		OrderID:  stopAck.OrderID,
		Price:    req.StopPrice,
		Quantity: req.Quantity,
		Status:   stopAck.Status,
	})

	// Target legs. Two targets split the quantity 50/50, rounded to step;
	// the second leg takes the remainder so the total stays exact.
	quantities := splitQuantity(req.Quantity, len(req.Targets), req.Rules.StepSize)
	kinds := []domain.ExitLegKind{domain.LegTarget1, domain.LegTarget2}

	for i, target := range req.Targets {
		ack, err := m.ex.PlaceOrder(ctx, domain.OrderRequest{
			Symbol:     req.Symbol,
			Side:       exitSide,
			Type:       domain.OrderTypeTakeProfit,
			Quantity:   quantities[i],
			StopPrice:  target,
			ReduceOnly: true,
			Direction:  req.Direction,
		})
		if err != nil {
			// The stop is live; degrade instead of unwinding protection.
			pair.Status = domain.PairFallback
			m.logger.ErrorContext(ctx, "target leg placement failed, no OCO protection",
				slog.String("trade_id", req.TradeID),
				slog.Int("target_index", i),
				slog.String("error", err.Error()),
			)
			m.alertf(ctx, "exit_fallback", "No OCO protection",
				"trade %s: stop is live but target %d failed: %v", req.TradeID, i+1, err)
			break
		}
		pair.Legs = append(pair.Legs, domain.ExitLeg{
			Kind:     kinds[i],
			OrderID:  ack.OrderID,
			Price:    target,
			Quantity: quantities[i],
			Status:   ack.Status,
		})
	}

	m.mu.Lock()
	m.pairs[req.TradeID] = &pair
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "exit pair placed",
		slog.String("trade_id", req.TradeID),
		slog.String("symbol", req.Symbol),
		slog.Float64("stop", req.StopPrice),
		slog.Int("targets", len(pair.Legs)-1),
		slog.String("status", string(pair.Status)),
	)
	return pair, nil
}

// Fallback places whatever individual reduce-only legs remain placeable when
// the paired path failed: the stop if it is still on the protective side,
// then each target that is. The pair is tracked as FALLBACK so fills keep
// settling, with no sibling-cancel guarantee claimed. An error means no leg
// at all could be placed.
func (m *Manager) Fallback(ctx context.Context, req PlanRequest) (domain.ExitOrderPair, error) {
	if req.Quantity <= 0 {
		return domain.ExitOrderPair{}, domain.Validation("quantity", "must be positive")
	}
	exitSide := domain.ExitSide(req.Direction)

	pair := domain.ExitOrderPair{
		TradeID:    req.TradeID,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Quantity:   req.Quantity,
		EntryPrice: req.EntryPrice,
		Status:     domain.PairFallback,
		CreatedAt:  time.Now(),
	}

	if stopPlaceable(req) {
		ack, err := m.ex.PlaceOrder(ctx, domain.OrderRequest{
			Symbol:     req.Symbol,
			Side:       exitSide,
			Type:       domain.OrderTypeStopMarket,
			Quantity:   req.Quantity,
			StopPrice:  req.StopPrice,
			ReduceOnly: true,
			Direction:  req.Direction,
		})
		if err != nil {
			m.logger.ErrorContext(ctx, "fallback stop placement failed",
				slog.String("trade_id", req.TradeID), slog.String("error", err.Error()))
		} else {
			pair.Legs = append(pair.Legs, domain.ExitLeg{
				Kind:     domain.LegStop,
				OrderID:  ack.OrderID,
				Price:    req.StopPrice,
				Quantity: req.Quantity,
				Status:   ack.Status,
			})
		}
	} else {
		m.alertf(ctx, "exit_fallback", "Position without stop protection",
			"trade %s: stop %v is not on the protective side of %v, no stop placed",
			req.TradeID, req.StopPrice, req.CurrentPrice)
	}

	var targets []float64
	for _, t := range req.Targets {
		if targetPlaceable(req.Direction, t, req.CurrentPrice) {
			targets = append(targets, t)
		}
	}
	if len(targets) > 2 {
		targets = targets[:2]
	}
	if len(targets) > 0 {
		quantities := splitQuantity(req.Quantity, len(targets), req.Rules.StepSize)
		kinds := []domain.ExitLegKind{domain.LegTarget1, domain.LegTarget2}
		for i, target := range targets {
			ack, err := m.ex.PlaceOrder(ctx, domain.OrderRequest{
				Symbol:     req.Symbol,
				Side:       exitSide,
				Type:       domain.OrderTypeTakeProfit,
				Quantity:   quantities[i],
				StopPrice:  target,
				ReduceOnly: true,
				Direction:  req.Direction,
			})
			if err != nil {
				m.logger.ErrorContext(ctx, "fallback target placement failed",
					slog.String("trade_id", req.TradeID),
					slog.Int("target_index", i),
					slog.String("error", err.Error()))
				continue
			}
			pair.Legs = append(pair.Legs, domain.ExitLeg{
				Kind:     kinds[i],
				OrderID:  ack.OrderID,
				Price:    target,
				Quantity: quantities[i],
				Status:   ack.Status,
			})
		}
	}

	if len(pair.Legs) == 0 {
		return domain.ExitOrderPair{}, fmt.Errorf("exits: fallback %s: no protective leg could be placed", req.TradeID)
	}

	m.mu.Lock()
	m.pairs[req.TradeID] = &pair
	m.mu.Unlock()

	m.logger.WarnContext(ctx, "individual exit orders placed, no OCO protection",
		slog.String("trade_id", req.TradeID),
		slog.String("symbol", req.Symbol),
		slog.Int("legs", len(pair.Legs)),
	)
	return pair, nil
}

// stopPlaceable reports whether the stop sits on the protective side of the
// current price for the position's direction.
func stopPlaceable(req PlanRequest) bool {
	if req.StopPrice <= 0 {
		return false
	}
	if req.Direction == domain.DirectionLong {
		return req.StopPrice < req.CurrentPrice
	}
	return req.StopPrice > req.CurrentPrice
}

// targetPlaceable mirrors stopPlaceable for take-profit legs.
func targetPlaceable(dir domain.PositionDirection, target, current float64) bool {
	if target <= 0 {
		return false
	}
	if dir == domain.DirectionLong {
		return target > current
	}
	return target < current
}

// validatePlan enforces price ordering by exit side and venue rule
// compliance before any order is sent.
func validatePlan(req PlanRequest) error {
	if req.Quantity <= 0 {
		return domain.Validation("quantity", "must be positive")
	}
	if req.StopPrice <= 0 {
		return domain.Validation("stop_price", "must be positive")
	}
	if len(req.Targets) == 0 || len(req.Targets) > 2 {
		return domain.Validation("targets", "need one or two targets, got %d", len(req.Targets))
	}
	if req.Rules.StepSize > 0 && costs.RoundToStep(req.Quantity, req.Rules.StepSize) != req.Quantity {
		return domain.Validation("quantity", "not a multiple of step size %v", req.Rules.StepSize)
	}

	// A long exits with sells: every target above current, stop below.
	// A short mirrors.
	for _, target := range req.Targets {
		if target <= 0 {
			return domain.Validation("targets", "must be positive")
		}
		if req.Direction == domain.DirectionLong && target <= req.CurrentPrice {
			return domain.Validation("targets", "target %v not above current price %v", target, req.CurrentPrice)
		}
		if req.Direction == domain.DirectionShort && target >= req.CurrentPrice {
			return domain.Validation("targets", "target %v not below current price %v", target, req.CurrentPrice)
		}
	}
	if req.Direction == domain.DirectionLong && req.StopPrice >= req.CurrentPrice {
		return domain.Validation("stop_price", "stop %v not below current price %v", req.StopPrice, req.CurrentPrice)
	}
	if req.Direction == domain.DirectionShort && req.StopPrice <= req.CurrentPrice {
		return domain.Validation("stop_price", "stop %v not above current price %v", req.StopPrice, req.CurrentPrice)
	}
	return nil
}

// splitQuantity divides qty across n target legs. With two targets each leg
// gets half rounded down to step; the second leg absorbs the remainder.
func splitQuantity(qty float64, n int, step float64) []float64 {
	if n == 1 {
		return []float64{qty}
	}
	half := costs.RoundToStep(qty/2, step)
	return []float64{half, qty - half}
}

// Pair returns a copy of the live pair for trade id.
func (m *Manager) Pair(tradeID string) (domain.ExitOrderPair, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairs[tradeID]
	if !ok {
		return domain.ExitOrderPair{}, false
	}
	return *p, true
}

// Restore rebuilds pair tracking for a position that survived a restart,
// from the venue's open reduce-only orders. Without it a stop fill after a
// restart would cancel no sibling and settle no records. Returns ErrNotFound
// when no protective order exists for the position.
func (m *Manager) Restore(ctx context.Context, view domain.MergedPositionView, open []domain.OrderState) (domain.ExitOrderPair, error) {
	tradeID := view.TradeID
	if tradeID == "" {
		tradeID = view.LogTradeID
	}
	if tradeID == "" {
		return domain.ExitOrderPair{}, fmt.Errorf("exits: restore %s: position has no trade id", view.Symbol)
	}

	m.mu.Lock()
	if p, ok := m.pairs[tradeID]; ok {
		pair := *p
		m.mu.Unlock()
		return pair, nil
	}
	m.mu.Unlock()

	var stop *domain.OrderState
	var targets []domain.OrderState
	for i, o := range open {
		if o.Symbol != view.Symbol {
			continue
		}
		switch o.Type {
		case domain.OrderTypeStopMarket:
			stop = &open[i]
		case domain.OrderTypeTakeProfit:
			targets = append(targets, o)
		}
	}
	if stop == nil && len(targets) == 0 {
		return domain.ExitOrderPair{}, fmt.Errorf("exits: restore %s: %w", tradeID, domain.ErrNotFound)
	}

	// Nearer target fills first: ascending for a long, descending for a
	// short.
	sort.Slice(targets, func(i, j int) bool {
		if view.Direction == domain.DirectionLong {
			return targets[i].StopPrice < targets[j].StopPrice
		}
		return targets[i].StopPrice > targets[j].StopPrice
	})
	if len(targets) > 2 {
		m.logger.WarnContext(ctx, "more reduce-only targets on venue than tracked",
			slog.String("trade_id", tradeID), slog.Int("count", len(targets)))
		targets = targets[:2]
	}

	pair := domain.ExitOrderPair{
		TradeID:    tradeID,
		Symbol:     view.Symbol,
		Direction:  view.Direction,
		Quantity:   view.Quantity,
		EntryPrice: view.EntryPrice,
		Status:     domain.PairActive,
		CreatedAt:  time.Now(),
	}
	if stop == nil || len(targets) == 0 {
		pair.Status = domain.PairFallback
	}
	if stop != nil {
		pair.Legs = append(pair.Legs, domain.ExitLeg{
			Kind:     domain.LegStop,
			OrderID:  stop.OrderID,
			Price:    stop.StopPrice,
			Quantity: stop.OrigQty,
			Status:   stop.Status,
		})
	}
	kinds := []domain.ExitLegKind{domain.LegTarget1, domain.LegTarget2}
	for i, o := range targets {
		pair.Legs = append(pair.Legs, domain.ExitLeg{
			Kind:     kinds[i],
			OrderID:  o.OrderID,
			Price:    o.StopPrice,
			Quantity: o.OrigQty,
			Status:   o.Status,
		})
	}

	m.mu.Lock()
	m.pairs[tradeID] = &pair
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "exit pair restored from venue orders",
		slog.String("trade_id", tradeID),
		slog.String("symbol", view.Symbol),
		slog.Int("legs", len(pair.Legs)),
		slog.String("status", string(pair.Status)),
	)
	return pair, nil
}

// HandleFill reports a filled order id, typically from the user-data
// stream. If the order is a leg of an active pair the pair resolves:
// sibling legs are cancelled exactly once and the resolution callback
// fires. Duplicate and concurrent reports of the same fill are ignored.
func (m *Manager) HandleFill(ctx context.Context, symbol string, orderID int64, fillPrice float64) {
	m.mu.Lock()
	var hit *domain.ExitOrderPair
	var kind domain.ExitLegKind
	for _, p := range m.pairs {
		if p.Symbol != symbol || p.Status == domain.PairResolved {
			continue
		}
		for _, l := range p.Legs {
			if l.OrderID == orderID {
				hit, kind = p, l.Kind
				break
			}
		}
	}
	if hit == nil {
		m.mu.Unlock()
		return
	}
	resolved := m.resolveLocked(hit, kind, fillPrice)
	m.mu.Unlock()

	if resolved {
		m.finishResolution(ctx, hit, orderID)
	}
}

// CheckFills polls venue order status for every active leg. It is the
// backstop for missed stream events.
func (m *Manager) CheckFills(ctx context.Context) error {
	m.mu.Lock()
	type probe struct {
		tradeID string
		symbol  string
		orderID int64
	}
	var probes []probe
	for _, p := range m.pairs {
		if p.Status == domain.PairResolved {
			continue
		}
		for _, l := range p.Legs {
			probes = append(probes, probe{p.TradeID, p.Symbol, l.OrderID})
		}
	}
	m.mu.Unlock()

	for _, pr := range probes {
		state, err := m.ex.OrderStatus(ctx, pr.symbol, pr.orderID)
		if err != nil {
			m.logger.WarnContext(ctx, "leg status query failed",
				slog.String("trade_id", pr.tradeID),
				slog.Int64("order_id", pr.orderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if state.Status == domain.OrderStatusFilled {
			m.HandleFill(ctx, pr.symbol, pr.orderID, state.AvgFillPrice)
		}
	}
	return nil
}

// resolveLocked marks the pair resolved if it is still active. Caller holds
// the lock. Returns false when another fill already won.
func (m *Manager) resolveLocked(p *domain.ExitOrderPair, kind domain.ExitLegKind, fillPrice float64) bool {
	if p.Status == domain.PairResolved {
		return false
	}
	leg, _ := p.LegByKind(kind)

	p.Status = domain.PairResolved
	p.FilledLeg = kind
	p.FillPrice = fillPrice
	p.ResolvedAt = time.Now()
	p.RealizedPnL = realizedPnL(p.Direction, p.EntryPrice, fillPrice, leg.Quantity)
	return true
}

// finishResolution cancels the surviving sibling legs and fires the
// resolution callback. Runs outside the lock; the pair is already marked
// resolved so concurrent fills cannot re-enter.
func (m *Manager) finishResolution(ctx context.Context, p *domain.ExitOrderPair, filledOrderID int64) {
	m.mu.Lock()
	legs := append([]domain.ExitLeg(nil), p.Legs...)
	m.mu.Unlock()

	var cancelled []int64
	for _, l := range legs {
		if l.OrderID == filledOrderID {
			continue
		}
		if err := m.ex.CancelOrder(ctx, p.Symbol, l.OrderID); err != nil {
			m.logger.ErrorContext(ctx, "sibling cancel failed",
				slog.String("trade_id", p.TradeID),
				slog.Int64("order_id", l.OrderID),
				slog.String("error", err.Error()),
			)
			m.alertf(ctx, "cancel_failed", "Sibling exit order cancel failed",
				"trade %s: order %d on %s could not be cancelled: %v", p.TradeID, l.OrderID, p.Symbol, err)
			continue
		}
		cancelled = append(cancelled, l.OrderID)
	}

	m.mu.Lock()
	p.CancelledLegs = cancelled
	snapshot := *p
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "exit pair resolved",
		slog.String("trade_id", snapshot.TradeID),
		slog.String("filled_leg", string(snapshot.FilledLeg)),
		slog.Float64("fill_price", snapshot.FillPrice),
		slog.Float64("realized_pnl", snapshot.RealizedPnL),
	)

	if m.onResolved != nil {
		m.onResolved(ctx, snapshot)
	}
}

// ReplaceStop cancels the stop leg and places a new one at newStop,
// leaving target legs untouched.
func (m *Manager) ReplaceStop(ctx context.Context, tradeID string, newStop float64) error {
	return m.replaceLegs(ctx, tradeID, func(k domain.ExitLegKind) bool { return k == domain.LegStop },
		func(p *domain.ExitOrderPair) []domain.ExitLeg {
			return []domain.ExitLeg{{Kind: domain.LegStop, Price: newStop, Quantity: p.Quantity}}
		})
}

// ReplaceTargets cancels all target legs and places fresh ones at
// newTargets, leaving the stop leg untouched.
func (m *Manager) ReplaceTargets(ctx context.Context, tradeID string, newTargets []float64, rules domain.SymbolRules) error {
	if len(newTargets) == 0 || len(newTargets) > 2 {
		return domain.Validation("targets", "need one or two targets, got %d", len(newTargets))
	}
	return m.replaceLegs(ctx, tradeID, func(k domain.ExitLegKind) bool { return k.IsTarget() },
		func(p *domain.ExitOrderPair) []domain.ExitLeg {
			quantities := splitQuantity(p.Quantity, len(newTargets), rules.StepSize)
			kinds := []domain.ExitLegKind{domain.LegTarget1, domain.LegTarget2}
			legs := make([]domain.ExitLeg, 0, len(newTargets))
			for i, t := range newTargets {
				legs = append(legs, domain.ExitLeg{Kind: kinds[i], Price: t, Quantity: quantities[i]})
			}
			return legs
		})
}

// replaceLegs swaps the legs selected by match with freshly placed ones
// built by build, keeping the rest of the pair intact.
func (m *Manager) replaceLegs(
	ctx context.Context,
	tradeID string,
	match func(domain.ExitLegKind) bool,
	build func(*domain.ExitOrderPair) []domain.ExitLeg,
) error {
	m.mu.Lock()
	p, ok := m.pairs[tradeID]
	if !ok || p.Status == domain.PairResolved {
		m.mu.Unlock()
		return fmt.Errorf("exits: pair %s: %w", tradeID, domain.ErrNotFound)
	}

	var keep, drop []domain.ExitLeg
	for _, l := range p.Legs {
		if match(l.Kind) {
			drop = append(drop, l)
		} else {
			keep = append(keep, l)
		}
	}
	newLegs := build(p)
	m.mu.Unlock()

	for _, l := range drop {
		if err := m.ex.CancelOrder(ctx, p.Symbol, l.OrderID); err != nil {
			return fmt.Errorf("exits: cancel leg %d: %w", l.OrderID, err)
		}
	}

	exitSide := domain.ExitSide(p.Direction)
	placed := make([]domain.ExitLeg, 0, len(newLegs))
	for _, l := range newLegs {
		orderType := domain.OrderTypeTakeProfit
		if l.Kind == domain.LegStop {
			orderType = domain.OrderTypeStopMarket
		}
		ack, err := m.ex.PlaceOrder(ctx, domain.OrderRequest{
			Symbol:     p.Symbol,
			Side:       exitSide,
			Type:       orderType,
			Quantity:   l.Quantity,
			StopPrice:  l.Price,
			ReduceOnly: true,
			Direction:  p.Direction,
		})
		if err != nil {
			m.alertf(ctx, "exit_fallback", "Exit leg replacement incomplete",
				"trade %s: replacement %s leg failed: %v", tradeID, l.Kind, err)
			m.mu.Lock()
			p.Legs = append(keep, placed...)
			p.Status = domain.PairFallback
			m.mu.Unlock()
			return fmt.Errorf("exits: place replacement %s: %w", l.Kind, err)
		}
		l.OrderID = ack.OrderID
		l.Status = ack.Status
		placed = append(placed, l)
	}

	m.mu.Lock()
	p.Legs = append(keep, placed...)
	m.mu.Unlock()
	return nil
}

// CancelAll cancels every leg of the pair and removes it, used when the
// position is closed manually or by emergency action.
func (m *Manager) CancelAll(ctx context.Context, tradeID string) error {
	m.mu.Lock()
	p, ok := m.pairs[tradeID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	legs := append([]domain.ExitLeg(nil), p.Legs...)
	delete(m.pairs, tradeID)
	m.mu.Unlock()

	var firstErr error
	for _, l := range legs {
		if err := m.ex.CancelOrder(ctx, p.Symbol, l.OrderID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("exits: cancel leg %d: %w", l.OrderID, err)
		}
	}
	return firstErr
}

// Forget drops a resolved pair from tracking.
func (m *Manager) Forget(tradeID string) {
	m.mu.Lock()
	delete(m.pairs, tradeID)
	m.mu.Unlock()
}

// realizedPnL is the signed close-out PnL for the filled quantity.
func realizedPnL(dir domain.PositionDirection, entry, exit, qty float64) float64 {
	if dir == domain.DirectionLong {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}

func (m *Manager) alertf(ctx context.Context, event, title, format string, args ...any) {
	if m.alerter == nil {
		return
	}
	if err := m.alerter.Alert(ctx, event, title, fmt.Sprintf(format, args...)); err != nil {
		m.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
