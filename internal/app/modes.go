package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/delquant/delphibot/internal/domain"
)

// archiveRetention is how old a closed record must be before the daily
// archive pass exports it.
const archiveRetention = 30 * 24 * time.Hour

// runMode is the trading engine: market feed, maintenance sweep, and the
// decision pipeline, all under one errgroup.
func (a *App) runMode(ctx context.Context, deps *Dependencies) error {
	symbol := a.cfg.Trading.Symbol

	if err := deps.Exchange.SetLeverage(ctx, symbol, a.cfg.Trading.Leverage); err != nil {
		a.logger.WarnContext(ctx, "set leverage failed",
			slog.String("symbol", symbol),
			slog.Int("leverage", a.cfg.Trading.Leverage),
			slog.String("error", err.Error()),
		)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Feed.Run(ctx)
	})
	g.Go(func() error {
		return deps.Sweeper.Run(ctx)
	})
	g.Go(func() error {
		return deps.Runner.Run(ctx)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.archiveLoop(ctx, deps.Archiver)
		})
	}

	return g.Wait()
}

// archiveLoop exports month-old closed trades and archived intents once a
// day. Archive failures are logged, never fatal.
func (a *App) archiveLoop(ctx context.Context, arch domain.Archiver) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-archiveRetention)
			if n, err := arch.ArchiveTrades(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "trade archive failed", slog.String("error", err.Error()))
			} else if n > 0 {
				a.logger.InfoContext(ctx, "trade archive complete", slog.Int64("records", n))
			}
			if n, err := arch.ArchiveIntents(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "intent archive failed", slog.String("error", err.Error()))
			} else if n > 0 {
				a.logger.InfoContext(ctx, "intent archive complete", slog.Int64("records", n))
			}
		}
	}
}

// syncMode runs one reconciliation pass and reports the result. A
// non-consistent state returns an error so the process exits non-zero.
func (a *App) syncMode(ctx context.Context, deps *Dependencies) error {
	report, err := deps.Recon.Sync(ctx, a.cfg.Trading.Symbol)
	if err != nil {
		return fmt.Errorf("app: sync: %w", err)
	}

	a.logger.InfoContext(ctx, "sync report",
		slog.String("symbol", report.Symbol),
		slog.Bool("consistent", report.Consistent),
		slog.Any("discrepancies", report.Discrepancies),
		slog.Any("actions_taken", report.ActionsTaken),
	)

	if !report.Consistent {
		return fmt.Errorf("app: sync found %d discrepancies", len(report.Discrepancies))
	}
	return nil
}

// statusMode prints the merged position view, the account snapshot, and the
// active trigger set.
func (a *App) statusMode(ctx context.Context, deps *Dependencies) error {
	symbol := a.cfg.Trading.Symbol

	acct, err := deps.Exchange.Account(ctx)
	if err != nil {
		return fmt.Errorf("app: status: account: %w", err)
	}
	a.logger.InfoContext(ctx, "account",
		slog.Float64("total_balance", acct.TotalBalance),
		slog.Float64("available_balance", acct.AvailableBalance),
		slog.Float64("margin_ratio", acct.MarginRatio),
	)

	view, err := deps.Recon.CurrentPosition(ctx, symbol)
	if err != nil {
		return fmt.Errorf("app: status: position: %w", err)
	}
	if view == nil {
		a.logger.InfoContext(ctx, "no open position", slog.String("symbol", symbol))
	} else {
		a.logger.InfoContext(ctx, "position",
			slog.String("symbol", view.Symbol),
			slog.String("direction", string(view.Direction)),
			slog.Float64("quantity", view.Quantity),
			slog.Float64("entry_price", view.EntryPrice),
			slog.Float64("mark_price", view.MarkPrice),
			slog.Float64("pnl_pct", view.PnLPct),
			slog.Bool("has_intent", view.HasIntent),
			slog.String("trade_id", view.TradeID),
			slog.String("scenario", view.Scenario),
			slog.Float64("stop_loss", view.StopLoss),
			slog.Float64("target_price", view.TargetPrice),
		)
	}

	return logTriggers(ctx, deps.Triggers, symbol, a.logger)
}

// logTriggers prints the active trigger set, one line per trigger.
func logTriggers(ctx context.Context, store domain.TriggerStore, symbol string, logger *slog.Logger) error {
	triggers, err := store.Load(ctx, symbol)
	if err != nil {
		return fmt.Errorf("app: status: triggers: %w", err)
	}
	if len(triggers) == 0 {
		logger.InfoContext(ctx, "no active triggers", slog.String("symbol", symbol))
		return nil
	}
	for _, t := range triggers {
		logger.InfoContext(ctx, "trigger",
			slog.String("class", string(t.Class)),
			slog.String("kind", string(t.Kind)),
			slog.String("urgency", t.Urgency.String()),
			slog.String("action", string(t.Action)),
			slog.Float64("price", t.Price),
			slog.Float64("threshold_pct", t.ThresholdPercent),
			slog.Time("expires_at", t.ExpiresAt),
			slog.String("rationale", t.Rationale),
		)
	}
	return nil
}

// closeMode flattens the open position at market on operator request.
func (a *App) closeMode(ctx context.Context, deps *Dependencies) error {
	symbol := a.cfg.Trading.Symbol

	price, err := deps.Exchange.MarkPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("app: close: mark price: %w", err)
	}

	res, err := deps.Executor.Execute(ctx, domain.Decision{
		Action:    domain.ActionClosePosition,
		Symbol:    symbol,
		Rationale: "operator close",
	}, domain.MarketSnapshot{
		Symbol:    symbol,
		Price:     price,
		Condition: domain.MarketNormal,
		AsOf:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("app: close: %w", err)
	}

	a.logger.InfoContext(ctx, "close result",
		slog.String("status", string(res.Status)),
		slog.String("trade_id", res.TradeID),
		slog.Float64("fill_price", res.FillPrice),
		slog.String("reason", res.Reason),
	)
	return nil
}
