// Package trigger implements the standing trigger set and its sweep loop:
// small durable conditions that request an early re-evaluation (or an
// emergency close) between scheduled pipeline runs. Triggers are consumed
// exactly once and expire on their own.
package trigger

import (
	"time"

	"github.com/google/uuid"

	"github.com/delquant/delphibot/internal/domain"
)

// priceTolerancePct is how close the mark price must come to a PRICE
// trigger level to count as reached.
const priceTolerancePct = 0.1

// Options are the trigger thresholds, normally taken from config.
type Options struct {
	WatchExpiry    time.Duration
	PositionExpiry time.Duration

	DrawdownPct     float64 // negative
	EmergencyPct    float64 // negative, below DrawdownPct
	ProfitPct       float64 // positive
	StagnationHours float64
	MinMovementPct  float64
	VolatilityMult  float64
	VolumeMult      float64
}

// WatchPrice builds one WATCH price trigger at level. Watch triggers exist
// only while flat; any one of them firing consumes the whole watch set.
func WatchPrice(symbol string, level float64, rationale string, opts Options, now time.Time) domain.Trigger {
	return domain.Trigger{
		ID:        uuid.NewString(),
		Class:     domain.TriggerWatch,
		Kind:      domain.KindPrice,
		Symbol:    symbol,
		Action:    domain.TriggerActionReevaluate,
		Urgency:   domain.UrgencyMedium,
		Rationale: rationale,
		Price:     level,
		CreatedAt: now,
		ExpiresAt: now.Add(opts.WatchExpiry),
	}
}

// WatchSet builds the flat-side watch set: one price trigger per level plus
// volatility and volume anomaly detectors seeded from whatever baselines the
// snapshot carries.
func WatchSet(symbol string, levels []float64, rationale string, baseline domain.MarketSnapshot, opts Options, now time.Time) []domain.Trigger {
	set := make([]domain.Trigger, 0, len(levels)+2)
	for _, level := range levels {
		if level > 0 {
			set = append(set, WatchPrice(symbol, level, rationale, opts, now))
		}
	}
	if baseline.Volatility > 0 {
		set = append(set, domain.Trigger{
			ID:                 uuid.NewString(),
			Class:              domain.TriggerWatch,
			Kind:               domain.KindVolatilitySpike,
			Symbol:             symbol,
			Action:             domain.TriggerActionReevaluate,
			Urgency:            domain.UrgencyHigh,
			Rationale:          "volatility regime change",
			BaselineVolatility: baseline.Volatility,
			Multiplier:         opts.VolatilityMult,
			CreatedAt:          now,
			ExpiresAt:          now.Add(opts.WatchExpiry),
		})
	}
	if baseline.Volume > 0 {
		set = append(set, domain.Trigger{
			ID:             uuid.NewString(),
			Class:          domain.TriggerWatch,
			Kind:           domain.KindVolumeAnomaly,
			Symbol:         symbol,
			Action:         domain.TriggerActionReevaluate,
			Urgency:        domain.UrgencyMedium,
			Rationale:      "volume anomaly",
			BaselineVolume: baseline.Volume,
			Multiplier:     opts.VolumeMult,
			CreatedAt:      now,
			ExpiresAt:      now.Add(opts.WatchExpiry),
		})
	}
	return set
}

// PositionSet builds the standing protection set installed when an entry
// fills: drawdown and emergency thresholds, a profit checkpoint, a
// stagnation timer, and volatility/volume anomaly detectors seeded with
// the baselines observed at entry.
func PositionSet(view domain.MergedPositionView, baseline domain.MarketSnapshot, opts Options, now time.Time) []domain.Trigger {
	symbol := view.Symbol
	tradeID := view.TradeID
	expiry := now.Add(opts.PositionExpiry)

	mk := func(kind domain.TriggerKind) domain.Trigger {
		return domain.Trigger{
			ID:        uuid.NewString(),
			Class:     domain.TriggerPosition,
			Kind:      kind,
			Symbol:    symbol,
			TradeID:   tradeID,
			Direction: view.Direction,
			Action:    domain.TriggerActionReevaluate,
			CreatedAt: now,
			ExpiresAt: expiry,
		}
	}

	drawdown := mk(domain.KindDrawdown)
	drawdown.Urgency = domain.UrgencyHigh
	drawdown.ThresholdPercent = opts.DrawdownPct
	drawdown.Rationale = "position drawdown checkpoint"

	emergency := mk(domain.KindDrawdown)
	emergency.Urgency = domain.UrgencyCritical
	emergency.Action = domain.TriggerActionEmergencyClose
	emergency.ThresholdPercent = opts.EmergencyPct
	emergency.Rationale = "hard loss limit"

	profit := mk(domain.KindProfit)
	profit.Urgency = domain.UrgencyMedium
	profit.ThresholdPercent = opts.ProfitPct
	profit.Rationale = "profit checkpoint"

	stagnation := mk(domain.KindTime)
	stagnation.Urgency = domain.UrgencyLow
	stagnation.HoursInPosition = opts.StagnationHours
	stagnation.MinMovementPercent = opts.MinMovementPct
	stagnation.ExpiresAt = now.Add(2 * time.Duration(opts.StagnationHours) * time.Hour)
	stagnation.Rationale = "position stagnant"

	volSpike := mk(domain.KindVolatilitySpike)
	volSpike.Urgency = domain.UrgencyHigh
	volSpike.BaselineVolatility = baseline.Volatility
	volSpike.Multiplier = opts.VolatilityMult
	volSpike.ExpiresAt = now.Add(72 * time.Hour)
	volSpike.Rationale = "volatility regime change"

	volume := mk(domain.KindVolumeAnomaly)
	volume.Urgency = domain.UrgencyMedium
	volume.BaselineVolume = baseline.Volume
	volume.Multiplier = opts.VolumeMult
	volume.ExpiresAt = now.Add(12 * time.Hour)
	volume.Rationale = "volume anomaly"

	return []domain.Trigger{drawdown, emergency, profit, stagnation, volSpike, volume}
}
