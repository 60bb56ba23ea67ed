package trigger

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/delquant/delphibot/internal/domain"
)

// GateConfig tunes the re-evaluation gate.
type GateConfig struct {
	MinInterval       time.Duration
	MaxCallsPerHour   int
	PnLGatePct        float64
	EmergencyCooldown time.Duration
}

// Gate decides whether a firing is worth an advisory call. HIGH and
// CRITICAL firings always pass (emergency closes subject only to their own
// cooldown); MEDIUM and LOW firings pass only when enough time has elapsed
// since the last call AND the situation moved (abnormal market condition or
// enough PnL excursion), within an hourly call budget.
type Gate struct {
	cfg     GateConfig
	callLog domain.AdvisoryCallLog
	limiter *rate.Limiter
	logger  *slog.Logger

	mu            sync.Mutex
	lastEmergency time.Time
}

// NewGate creates a gate backed by the durable call log.
func NewGate(cfg GateConfig, callLog domain.AdvisoryCallLog, logger *slog.Logger) *Gate {
	if cfg.MaxCallsPerHour <= 0 {
		cfg.MaxCallsPerHour = 6
	}
	return &Gate{
		cfg:     cfg,
		callLog: callLog,
		limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.MaxCallsPerHour)), cfg.MaxCallsPerHour),
		logger:  logger.With(slog.String("component", "gate")),
	}
}

// Allow reports whether the firing should proceed. A true result records
// the call, so callers must act on it.
func (g *Gate) Allow(ctx context.Context, firing domain.Firing, view *domain.MergedPositionView, snapshot domain.MarketSnapshot, now time.Time) bool {
	t := firing.Trigger

	if t.Action == domain.TriggerActionEmergencyClose {
		return g.allowEmergency(ctx, t, now)
	}
	if t.Urgency >= domain.UrgencyHigh {
		g.record(ctx, t, now)
		return true
	}

	// MEDIUM/LOW: minimum spacing since the last advisory call.
	last, ok, err := g.callLog.LastCall(ctx, t.Symbol)
	if err != nil {
		g.logger.WarnContext(ctx, "call log unavailable, gating conservatively",
			slog.String("error", err.Error()))
		return false
	}
	if ok && now.Sub(last) < g.cfg.MinInterval {
		g.logger.DebugContext(ctx, "firing gated: too soon",
			slog.String("trigger_id", t.ID),
			slog.Duration("since_last", now.Sub(last)),
		)
		return false
	}

	// The situation has to have actually moved.
	moved := snapshot.Condition != domain.MarketNormal
	if !moved && view != nil {
		moved = math.Abs(view.PnLPct) >= g.cfg.PnLGatePct
	}
	if !moved {
		g.logger.DebugContext(ctx, "firing gated: nothing moved",
			slog.String("trigger_id", t.ID))
		return false
	}

	// Hourly budget, durable across restarts.
	count, err := g.callLog.CountSince(ctx, t.Symbol, now.Add(-time.Hour))
	if err != nil {
		g.logger.WarnContext(ctx, "call log unavailable, gating conservatively",
			slog.String("error", err.Error()))
		return false
	}
	if count >= g.cfg.MaxCallsPerHour || !g.limiter.Allow() {
		g.logger.InfoContext(ctx, "firing gated: hourly budget spent",
			slog.String("trigger_id", t.ID),
			slog.Int("calls_last_hour", count),
		)
		return false
	}

	g.record(ctx, t, now)
	return true
}

// allowEmergency passes CRITICAL closes through their own cooldown so a
// flapping price cannot spam close attempts.
func (g *Gate) allowEmergency(ctx context.Context, t domain.Trigger, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.lastEmergency.IsZero() && now.Sub(g.lastEmergency) < g.cfg.EmergencyCooldown {
		g.logger.WarnContext(ctx, "emergency close suppressed by cooldown",
			slog.String("trigger_id", t.ID),
			slog.Duration("since_last", now.Sub(g.lastEmergency)),
		)
		return false
	}
	g.lastEmergency = now
	return true
}

func (g *Gate) record(ctx context.Context, t domain.Trigger, now time.Time) {
	if err := g.callLog.Record(ctx, t.Symbol, now, string(t.Kind)); err != nil {
		g.logger.WarnContext(ctx, "recording advisory call failed",
			slog.String("error", err.Error()))
	}
}
