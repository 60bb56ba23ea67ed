package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/delquant/delphibot/internal/domain"
	"github.com/delquant/delphibot/internal/exits"
	"github.com/delquant/delphibot/internal/reconcile"
	"github.com/delquant/delphibot/internal/trigger"
)

// emergencyCloser is the slice of the executor the sweeper needs.
type emergencyCloser interface {
	EmergencyClose(ctx context.Context, symbol, detail string) (domain.ExecutionResult, error)
	CheckPendingEntry(ctx context.Context) error
}

// pnlSource reports today's realized PnL, normally the feed.
type pnlSource interface {
	DailyRealizedPnL() float64
}

// SweepConfig tunes the sweep loop and the risk watchdog.
type SweepConfig struct {
	Symbol   string
	Interval time.Duration

	// Risk watchdog limits. DailyLossLimitPct is negative (percent of
	// total balance); MarginRatioLimit is a fraction in (0,1].
	DailyLossLimitPct float64
	MarginRatioLimit  float64

	// EmergencyCooldown spaces watchdog-initiated closes.
	EmergencyCooldown time.Duration
}

// Sweeper runs the sub-minute maintenance pass: poll exit legs for fills,
// evaluate triggers, and watch account-level risk limits.
type Sweeper struct {
	cfg       SweepConfig
	exits     *exits.Manager
	sched     *trigger.Scheduler
	recon     *reconcile.Reconciler
	snapshots snapshotSource
	pnl       pnlSource
	ex        domain.Exchange
	closer    emergencyCloser
	runner    *Runner
	logger    *slog.Logger
	now       func() time.Time

	mu            sync.Mutex
	lastEmergency time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(
	cfg SweepConfig,
	exitMgr *exits.Manager,
	sched *trigger.Scheduler,
	recon *reconcile.Reconciler,
	snapshots snapshotSource,
	pnl pnlSource,
	ex domain.Exchange,
	closer emergencyCloser,
	runner *Runner,
	logger *slog.Logger,
) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.EmergencyCooldown <= 0 {
		cfg.EmergencyCooldown = 30 * time.Minute
	}
	return &Sweeper{
		cfg:       cfg,
		exits:     exitMgr,
		sched:     sched,
		recon:     recon,
		snapshots: snapshots,
		pnl:       pnl,
		ex:        ex,
		closer:    closer,
		runner:    runner,
		logger:    logger.With(slog.String("component", "sweep")),
		now:       time.Now,
	}
}

// Run blocks, sweeping on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one maintenance pass. Failures are logged, never fatal.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if err := s.exits.CheckFills(ctx); err != nil {
		s.logger.WarnContext(ctx, "exit fill poll failed",
			slog.String("error", err.Error()))
	}
	if err := s.closer.CheckPendingEntry(ctx); err != nil {
		s.logger.WarnContext(ctx, "pending entry poll failed",
			slog.String("error", err.Error()))
	}

	snap := s.snapshots.Snapshot()
	view, err := s.recon.CurrentPosition(ctx, s.cfg.Symbol)
	if err != nil {
		s.logger.WarnContext(ctx, "position unavailable for sweep",
			slog.String("error", err.Error()))
		return
	}

	if view != nil {
		if breached, detail := s.riskBreached(ctx, view); breached {
			s.emergency(ctx, detail)
			return
		}
	}

	firing, err := s.sched.Sweep(ctx, s.cfg.Symbol, snap, view)
	if err != nil {
		s.logger.WarnContext(ctx, "trigger sweep failed",
			slog.String("error", err.Error()))
		return
	}
	if firing == nil {
		return
	}

	if firing.Trigger.Action == domain.TriggerActionEmergencyClose {
		s.emergency(ctx, firing.Trigger.Rationale)
		return
	}
	s.runner.Trigger(*firing)
}

// riskBreached checks the account-level limits: daily realized loss and
// margin ratio.
func (s *Sweeper) riskBreached(ctx context.Context, view *domain.MergedPositionView) (bool, string) {
	acct, err := s.ex.Account(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "account unavailable for risk check",
			slog.String("error", err.Error()))
		return false, ""
	}

	if s.cfg.MarginRatioLimit > 0 && acct.MarginRatio >= s.cfg.MarginRatioLimit {
		return true, fmt.Sprintf("margin ratio %.2f breached limit %.2f",
			acct.MarginRatio, s.cfg.MarginRatioLimit)
	}

	if s.cfg.DailyLossLimitPct < 0 && acct.TotalBalance > 0 {
		dayPnLPct := s.pnl.DailyRealizedPnL() / acct.TotalBalance * 100
		// Count the open position's unrealized excursion too.
		if view != nil {
			dayPnLPct += view.PnLPct * (view.Quantity * view.MarkPrice) / acct.TotalBalance
		}
		if dayPnLPct <= s.cfg.DailyLossLimitPct {
			return true, fmt.Sprintf("daily loss %.2f%% breached limit %.2f%%",
				dayPnLPct, s.cfg.DailyLossLimitPct)
		}
	}
	return false, ""
}

// emergency requests one close, spaced by the cooldown so a flapping limit
// cannot spam close attempts.
func (s *Sweeper) emergency(ctx context.Context, detail string) {
	s.mu.Lock()
	if !s.lastEmergency.IsZero() && s.now().Sub(s.lastEmergency) < s.cfg.EmergencyCooldown {
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "emergency close suppressed by cooldown",
			slog.String("detail", detail))
		return
	}
	s.lastEmergency = s.now()
	s.mu.Unlock()

	if _, err := s.closer.EmergencyClose(ctx, s.cfg.Symbol, detail); err != nil {
		s.logger.ErrorContext(ctx, "emergency close failed",
			slog.String("detail", detail),
			slog.String("error", err.Error()),
		)
	}
}
