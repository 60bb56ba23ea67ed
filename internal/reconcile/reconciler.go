// Package reconcile assembles the merged position view and audits the
// three position records (venue, intent store, trade log) against each
// other. The venue is the source of truth for existence, direction, and
// quantity; local records only ever layer context on top of it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/delquant/delphibot/internal/domain"
)

// positionCacheTTL bounds how stale a served position snapshot can be.
const positionCacheTTL = 5 * time.Second

// Reconciler builds merged position views and runs consistency sweeps.
type Reconciler struct {
	ex      domain.Exchange
	intents domain.IntentStore
	trades  domain.TradeLogStore
	cache   domain.PositionCache
	logger  *slog.Logger
}

// NewReconciler creates a reconciler. cache may be nil to disable caching.
func NewReconciler(
	ex domain.Exchange,
	intents domain.IntentStore,
	trades domain.TradeLogStore,
	cache domain.PositionCache,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		ex:      ex,
		intents: intents,
		trades:  trades,
		cache:   cache,
		logger:  logger.With(slog.String("component", "reconcile")),
	}
}

// CurrentPosition returns the merged view for symbol, or nil when the venue
// reports flat. The underlying venue query is cached briefly; a flat result
// invalidates the cache so the next caller re-checks truth.
func (r *Reconciler) CurrentPosition(ctx context.Context, symbol string) (*domain.MergedPositionView, error) {
	pos, err := r.fetchPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		if r.cache != nil {
			if err := r.cache.Invalidate(ctx, symbol); err != nil {
				r.logger.WarnContext(ctx, "position cache invalidate failed",
					slog.String("symbol", symbol), slog.String("error", err.Error()))
			}
		}
		return nil, nil
	}
	view := r.merge(ctx, *pos)
	return &view, nil
}

// fetchPosition serves the venue position through the short-TTL cache.
func (r *Reconciler) fetchPosition(ctx context.Context, symbol string) (*domain.ExchangePosition, error) {
	if r.cache != nil {
		if pos, ok, err := r.cache.Get(ctx, symbol); err == nil && ok {
			return pos, nil
		}
	}

	pos, err := r.ex.Position(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("reconcile: venue position: %w", err)
	}
	if pos != nil && r.cache != nil {
		if err := r.cache.Set(ctx, *pos, positionCacheTTL); err != nil {
			r.logger.WarnContext(ctx, "position cache set failed",
				slog.String("symbol", symbol), slog.String("error", err.Error()))
		}
	}
	return pos, nil
}

// merge layers intent and trade-log context onto the venue snapshot.
// Records that disagree with the venue are left out of the view; Sync
// reports them as discrepancies.
func (r *Reconciler) merge(ctx context.Context, pos domain.ExchangePosition) domain.MergedPositionView {
	view := domain.MergedPositionView{
		ExchangePosition: pos,
		PnLPct:           pos.PnLPercent(),
		UpdatedAt:        time.Now(),
	}

	intent, err := r.intents.Active(ctx, pos.Symbol)
	switch {
	case err == nil && intent.Direction == pos.Direction && !intent.Archived():
		view.HasIntent = true
		view.TradeID = intent.TradeID
		view.Scenario = intent.Scenario
		view.TargetPrice = intent.TargetPrice
		view.StopLoss = intent.StopLoss
		view.Confidence = intent.Confidence
		view.IntentAt = intent.CreatedAt
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		r.logger.WarnContext(ctx, "intent lookup failed",
			slog.String("symbol", pos.Symbol), slog.String("error", err.Error()))
	}

	pending, err := r.trades.ListPending(ctx, pos.Symbol, pos.Direction)
	if err != nil {
		r.logger.WarnContext(ctx, "trade log lookup failed",
			slog.String("symbol", pos.Symbol), slog.String("error", err.Error()))
		return view
	}
	view.DuplicateEntryCount = len(pending)
	if len(pending) == 1 {
		rec := pending[0]
		view.LogTradeID = rec.TradeID
		view.LogEntryTime = rec.EntryTime
		// Stored exit levels beat the intent's original plan: adjustments
		// are written to the log, not back into the intent.
		if rec.StopLoss != 0 {
			view.StopLoss = rec.StopLoss
		}
		if rec.TakeProfit1 != 0 {
			view.TargetPrice = rec.TakeProfit1
		}
	}
	return view
}

// Sync audits the three record layers for symbol and returns a report.
// Discrepancies are surfaced for operators; the single permitted self-heal
// is archiving an intent that has no backing venue position.
func (r *Reconciler) Sync(ctx context.Context, symbol string) (domain.SyncReport, error) {
	report := domain.SyncReport{Symbol: symbol, Consistent: true, CheckedAt: time.Now()}

	pos, err := r.ex.Position(ctx, symbol)
	if err != nil {
		return report, fmt.Errorf("reconcile: sync %s: %w", symbol, err)
	}

	intent, intentErr := r.intents.Active(ctx, symbol)
	hasIntent := intentErr == nil && !intent.Archived()
	if intentErr != nil && !errors.Is(intentErr, domain.ErrNotFound) {
		return report, fmt.Errorf("reconcile: sync %s: intent: %w", symbol, intentErr)
	}

	if pos == nil {
		if r.cache != nil {
			_ = r.cache.Invalidate(ctx, symbol)
		}
		if hasIntent {
			// Stale intent with no backing position: archive it.
			if err := r.intents.Archive(ctx, symbol, time.Now()); err != nil {
				return report, fmt.Errorf("reconcile: archive stale intent: %w", err)
			}
			report.ActionsTaken = append(report.ActionsTaken,
				fmt.Sprintf("archived stale intent %s", intent.TradeID))
			r.logger.InfoContext(ctx, "archived stale intent",
				slog.String("symbol", symbol), slog.String("trade_id", intent.TradeID))
		}
		report.Consistent = len(report.Discrepancies) == 0
		return report, nil
	}

	if hasIntent && intent.Direction != pos.Direction {
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("intent direction %s does not match venue position %s",
				intent.Direction, pos.Direction))
	}

	pending, err := r.trades.ListPending(ctx, symbol, pos.Direction)
	if err != nil {
		return report, fmt.Errorf("reconcile: sync %s: trade log: %w", symbol, err)
	}
	switch {
	case len(pending) == 0:
		report.Discrepancies = append(report.Discrepancies,
			"venue position has no pending trade log row")
	case len(pending) > 1:
		// Never guess which row is the real one.
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("%d pending trade log rows for one position, manual resolution required",
				len(pending)))
	}

	report.Consistent = len(report.Discrepancies) == 0
	if !report.Consistent {
		r.logger.WarnContext(ctx, "reconciliation found discrepancies",
			slog.String("symbol", symbol),
			slog.Any("discrepancies", report.Discrepancies),
		)
	}
	return report, nil
}

// Invalidate drops the cached position after any order mutation.
func (r *Reconciler) Invalidate(ctx context.Context, symbol string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, symbol); err != nil {
		r.logger.WarnContext(ctx, "position cache invalidate failed",
			slog.String("symbol", symbol), slog.String("error", err.Error()))
	}
}
