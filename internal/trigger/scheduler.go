package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/delquant/delphibot/internal/domain"
)

// Scheduler owns the durable trigger set for one symbol universe: it
// installs sets on entry/flat transitions and runs the periodic sweep. All
// store writes are full-set replacements.
type Scheduler struct {
	store  domain.TriggerStore
	gate   *Gate
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(store domain.TriggerStore, gate *Gate, opts Options, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		gate:   gate,
		opts:   opts,
		logger: logger.With(slog.String("component", "trigger")),
		now:    time.Now,
	}
}

// InstallWatch replaces the WATCH trigger set with the flat-side set: price
// triggers at the given levels plus anomaly detectors seeded from the
// snapshot baselines. Standing POSITION triggers are preserved untouched.
func (s *Scheduler) InstallWatch(ctx context.Context, symbol string, levels []float64, baseline domain.MarketSnapshot, rationale string) error {
	existing, err := s.store.Load(ctx, symbol)
	if err != nil {
		return fmt.Errorf("trigger: load %s: %w", symbol, err)
	}

	set := WatchSet(symbol, levels, rationale, baseline, s.opts, s.now())
	next := keep(existing, func(t domain.Trigger) bool { return t.Class == domain.TriggerPosition })
	next = append(next, set...)
	if err := s.store.Replace(ctx, symbol, next); err != nil {
		return fmt.Errorf("trigger: replace %s: %w", symbol, err)
	}
	s.logger.InfoContext(ctx, "watch triggers installed",
		slog.String("symbol", symbol), slog.Int("count", len(set)))
	return nil
}

// InstallPosition replaces the whole trigger set with the standing
// protection set for a freshly filled position. Opening a position retires
// every watch trigger.
func (s *Scheduler) InstallPosition(ctx context.Context, view domain.MergedPositionView, baseline domain.MarketSnapshot) error {
	set := PositionSet(view, baseline, s.opts, s.now())
	if err := s.store.Replace(ctx, view.Symbol, set); err != nil {
		return fmt.Errorf("trigger: replace %s: %w", view.Symbol, err)
	}
	s.logger.InfoContext(ctx, "position triggers installed",
		slog.String("symbol", view.Symbol),
		slog.String("trade_id", view.TradeID),
		slog.Int("count", len(set)),
	)
	return nil
}

// ClearPosition removes all POSITION triggers after the position is gone.
func (s *Scheduler) ClearPosition(ctx context.Context, symbol string) error {
	existing, err := s.store.Load(ctx, symbol)
	if err != nil {
		return fmt.Errorf("trigger: load %s: %w", symbol, err)
	}
	next := keep(existing, func(t domain.Trigger) bool { return t.Class == domain.TriggerWatch })
	if err := s.store.Replace(ctx, symbol, next); err != nil {
		return fmt.Errorf("trigger: replace %s: %w", symbol, err)
	}
	return nil
}

// Sweep runs one evaluation pass: prune expired triggers, evaluate the
// survivors against the market snapshot and position view, and fire at
// most the single highest-urgency match. A fired WATCH trigger consumes
// the entire watch set; a fired POSITION trigger consumes only itself.
// Firings gated by the re-evaluation budget are not consumed.
func (s *Scheduler) Sweep(ctx context.Context, symbol string, snapshot domain.MarketSnapshot, view *domain.MergedPositionView) (*domain.Firing, error) {
	triggers, err := s.store.Load(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("trigger: load %s: %w", symbol, err)
	}
	now := s.now()

	live := triggers[:0:0]
	pruned := 0
	for _, t := range triggers {
		if t.Expired(now) {
			pruned++
			continue
		}
		live = append(live, t)
	}
	if pruned > 0 {
		s.logger.InfoContext(ctx, "expired triggers pruned",
			slog.String("symbol", symbol), slog.Int("count", pruned))
	}

	var best *domain.Trigger
	for i := range live {
		if !s.matches(live[i], snapshot, view, now) {
			continue
		}
		if best == nil || live[i].Urgency > best.Urgency {
			best = &live[i]
		}
	}

	if best == nil {
		if pruned > 0 {
			if err := s.store.Replace(ctx, symbol, live); err != nil {
				return nil, fmt.Errorf("trigger: replace %s: %w", symbol, err)
			}
		}
		return nil, nil
	}

	firing := domain.Firing{Trigger: *best, Price: snapshot.Price, FiredAt: now}
	if !s.gate.Allow(ctx, firing, view, snapshot, now) {
		// Not consumed; the condition may still matter next sweep.
		if err := s.store.Replace(ctx, symbol, live); err != nil {
			return nil, fmt.Errorf("trigger: replace %s: %w", symbol, err)
		}
		return nil, nil
	}

	var next []domain.Trigger
	if best.Class == domain.TriggerWatch {
		// One watch level reached retires every watch trigger.
		next = keep(live, func(t domain.Trigger) bool { return t.Class != domain.TriggerWatch })
	} else {
		id := best.ID
		next = keep(live, func(t domain.Trigger) bool { return t.ID != id })
	}
	if err := s.store.Replace(ctx, symbol, next); err != nil {
		return nil, fmt.Errorf("trigger: replace %s: %w", symbol, err)
	}

	s.logger.InfoContext(ctx, "trigger fired",
		slog.String("symbol", symbol),
		slog.String("kind", string(best.Kind)),
		slog.String("urgency", best.Urgency.String()),
		slog.String("action", string(best.Action)),
		slog.Float64("price", snapshot.Price),
	)
	return &firing, nil
}

// matches evaluates one trigger's condition.
func (s *Scheduler) matches(t domain.Trigger, snap domain.MarketSnapshot, view *domain.MergedPositionView, now time.Time) bool {
	switch t.Kind {
	case domain.KindPrice:
		if t.Price <= 0 {
			return false
		}
		return math.Abs(snap.Price-t.Price)/t.Price*100 <= priceTolerancePct

	case domain.KindDrawdown:
		return view != nil && view.PnLPct <= t.ThresholdPercent

	case domain.KindProfit:
		return view != nil && view.PnLPct >= t.ThresholdPercent

	case domain.KindTime:
		if view == nil || view.LogEntryTime.IsZero() {
			return false
		}
		held := now.Sub(view.LogEntryTime).Hours()
		return held >= t.HoursInPosition && math.Abs(view.PnLPct) < t.MinMovementPercent

	case domain.KindVolatilitySpike:
		return t.BaselineVolatility > 0 && snap.Volatility >= t.BaselineVolatility*t.Multiplier

	case domain.KindVolumeAnomaly:
		return t.BaselineVolume > 0 && snap.Volume >= t.BaselineVolume*t.Multiplier
	}
	return false
}

func keep(in []domain.Trigger, pred func(domain.Trigger) bool) []domain.Trigger {
	out := in[:0:0]
	for _, t := range in {
		if pred(t) {
			out = append(out, t)
		}
	}
	return out
}
