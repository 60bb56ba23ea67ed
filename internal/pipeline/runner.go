// Package pipeline drives the decision cycle: periodically (and on trigger
// firings) it assembles the engine context, asks the advisory collaborator
// for a decision, and hands it to the executor. Exactly one cycle runs at a
// time per symbol, enforced by a distributed lock.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/delquant/delphibot/internal/advisor"
	"github.com/delquant/delphibot/internal/domain"
	"github.com/delquant/delphibot/internal/reconcile"
)

// decisionExecutor is the slice of the executor the runner needs.
type decisionExecutor interface {
	Execute(ctx context.Context, d domain.Decision, snap domain.MarketSnapshot) (domain.ExecutionResult, error)
}

// snapshotSource supplies the live market snapshot, normally the feed.
type snapshotSource interface {
	Snapshot() domain.MarketSnapshot
}

// pairRestorer rebuilds exit-pair tracking after a restart, normally the
// exits manager.
type pairRestorer interface {
	Restore(ctx context.Context, view domain.MergedPositionView, open []domain.OrderState) (domain.ExitOrderPair, error)
}

// Config tunes the runner.
type Config struct {
	Symbol   string
	Interval time.Duration
	LockTTL  time.Duration
}

// Runner owns one symbol's decision cycle.
type Runner struct {
	cfg       Config
	advisor   advisor.Advisor
	executor  decisionExecutor
	recon     *reconcile.Reconciler
	exitPairs pairRestorer
	snapshots snapshotSource
	ex        domain.Exchange
	locks     domain.LockManager
	alerter   domain.Alerter
	logger    *slog.Logger

	firings chan domain.Firing
	busy    atomic.Bool
	now     func() time.Time
}

// NewRunner creates a runner.
func NewRunner(
	cfg Config,
	adv advisor.Advisor,
	exec decisionExecutor,
	recon *reconcile.Reconciler,
	exitPairs pairRestorer,
	snapshots snapshotSource,
	ex domain.Exchange,
	locks domain.LockManager,
	alerter domain.Alerter,
	logger *slog.Logger,
) *Runner {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	return &Runner{
		cfg:       cfg,
		advisor:   adv,
		executor:  exec,
		recon:     recon,
		exitPairs: exitPairs,
		snapshots: snapshots,
		ex:        ex,
		locks:     locks,
		alerter:   alerter,
		logger:    logger.With(slog.String("component", "pipeline")),
		firings:   make(chan domain.Firing, 1),
		now:       time.Now,
	}
}

// Trigger requests an early cycle for a fired trigger. A firing that
// arrives while a cycle is in flight is dropped, not queued: the running
// cycle's re-evaluation supersedes it.
func (r *Runner) Trigger(firing domain.Firing) {
	if r.busy.Load() {
		r.logger.Warn("firing dropped, cycle in flight",
			slog.String("trigger_id", firing.Trigger.ID),
			slog.String("kind", string(firing.Trigger.Kind)),
		)
		return
	}
	select {
	case r.firings <- firing:
	default:
		r.logger.Warn("firing dropped, run already pending",
			slog.String("trigger_id", firing.Trigger.ID),
			slog.String("kind", string(firing.Trigger.Kind)),
		)
	}
}

// Run blocks, executing scheduled and trigger-fired cycles until ctx is
// cancelled. The startup recovery pass runs before the first cycle.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Recover(ctx); err != nil {
		r.logger.ErrorContext(ctx, "startup recovery failed",
			slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.cycle(ctx, "scheduled")
		case firing := <-r.firings:
			r.cycle(ctx, firing.Trigger.Rationale)
		}
	}
}

// cycle runs one decision pass and logs (rather than propagates) failures,
// so a bad cycle never kills the loop.
func (r *Runner) cycle(ctx context.Context, reason string) {
	r.busy.Store(true)
	defer r.busy.Store(false)

	if err := r.RunOnce(ctx, reason); err != nil {
		r.logger.ErrorContext(ctx, "decision cycle failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		r.alertf(ctx, "cycle_failed", "Decision cycle failed", "%s: %v", reason, err)
	}
}

// RunOnce executes one guarded decision cycle. A held lock means another
// run is in flight; the cycle is dropped and logged, never queued behind
// the lock.
func (r *Runner) RunOnce(ctx context.Context, reason string) error {
	release, err := r.locks.Acquire(ctx, "pipeline:"+r.cfg.Symbol, r.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			r.logger.InfoContext(ctx, "cycle dropped, pipeline lock held",
				slog.String("reason", reason))
			return nil
		}
		return fmt.Errorf("pipeline: acquire lock: %w", err)
	}
	defer release()

	snap := r.snapshots.Snapshot()
	if snap.Price <= 0 {
		price, err := r.ex.MarkPrice(ctx, r.cfg.Symbol)
		if err != nil {
			return fmt.Errorf("pipeline: mark price: %w", err)
		}
		snap.Price = price
		snap.Symbol = r.cfg.Symbol
		snap.AsOf = r.now()
	}

	view, err := r.recon.CurrentPosition(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("pipeline: position: %w", err)
	}
	acct, err := r.ex.Account(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: account: %w", err)
	}

	req := advisor.BuildRequest(reason, snap, acct, view, r.now())
	decision, err := r.advisor.Decide(ctx, req)
	if err != nil {
		return fmt.Errorf("pipeline: decide: %w", err)
	}
	if decision.Symbol == "" {
		decision.Symbol = r.cfg.Symbol
	}
	if decision.Symbol != r.cfg.Symbol {
		return fmt.Errorf("pipeline: decision for %s, engine trades %s", decision.Symbol, r.cfg.Symbol)
	}

	result, err := r.executor.Execute(ctx, decision, snap)
	if err != nil {
		return fmt.Errorf("pipeline: execute: %w", err)
	}

	r.logger.InfoContext(ctx, "cycle complete",
		slog.String("reason", reason),
		slog.String("action", string(decision.Action)),
		slog.String("status", string(result.Status)),
		slog.String("trade_id", result.TradeID),
		slog.String("detail", result.Reason),
	)
	return nil
}

// Recover audits the record layers on startup and surfaces anything a
// restart may have left behind, before the first decision runs.
func (r *Runner) Recover(ctx context.Context) error {
	report, err := r.recon.Sync(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("pipeline: startup sync: %w", err)
	}
	for _, d := range report.Discrepancies {
		r.logger.WarnContext(ctx, "startup discrepancy", slog.String("detail", d))
	}
	for _, a := range report.ActionsTaken {
		r.logger.InfoContext(ctx, "startup self-heal", slog.String("action", a))
	}

	view, err := r.recon.CurrentPosition(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("pipeline: startup position: %w", err)
	}
	if view == nil {
		r.logger.InfoContext(ctx, "startup recovery complete, flat")
		return nil
	}

	// A restart loses the in-memory exit pairs; the venue still holds the
	// reduce-only orders. Rebuild the pair from them so leg fills keep
	// cancelling siblings and settling records.
	open, err := r.ex.OpenOrders(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("pipeline: startup open orders: %w", err)
	}
	legs := 0
	pair, err := r.exitPairs.Restore(ctx, *view, open)
	switch {
	case err != nil:
		r.alertf(ctx, "exit_fallback", "Recovered position without exit orders",
			"%s %s qty %v has no protective orders on the venue after restart",
			view.Symbol, view.Direction, view.Quantity)
	case pair.Status == domain.PairFallback:
		legs = len(pair.Legs)
		r.alertf(ctx, "exit_fallback", "Recovered position with partial protection",
			"%s %s qty %v restarted with %d protective leg(s), no OCO protection",
			view.Symbol, view.Direction, view.Quantity, legs)
	default:
		legs = len(pair.Legs)
	}

	r.logger.InfoContext(ctx, "startup recovery complete",
		slog.String("symbol", view.Symbol),
		slog.String("direction", string(view.Direction)),
		slog.Float64("quantity", view.Quantity),
		slog.Float64("pnl_pct", view.PnLPct),
		slog.Int("protective_orders", legs),
		slog.Bool("has_intent", view.HasIntent),
	)
	return nil
}

func (r *Runner) alertf(ctx context.Context, event, title, format string, args ...any) {
	if r.alerter == nil {
		return
	}
	if err := r.alerter.Alert(ctx, event, title, fmt.Sprintf(format, args...)); err != nil {
		r.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("event", event), slog.String("error", err.Error()))
	}
}
