package trigger

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/delquant/delphibot/internal/domain"
)

func mediumFiring() domain.Firing {
	return domain.Firing{Trigger: domain.Trigger{
		ID:      "tr-1",
		Symbol:  "SOLUSDT",
		Kind:    domain.KindProfit,
		Urgency: domain.UrgencyMedium,
		Action:  domain.TriggerActionReevaluate,
	}}
}

func emergencyFiring() domain.Firing {
	return domain.Firing{Trigger: domain.Trigger{
		ID:      "tr-2",
		Symbol:  "SOLUSDT",
		Kind:    domain.KindDrawdown,
		Urgency: domain.UrgencyCritical,
		Action:  domain.TriggerActionEmergencyClose,
	}}
}

func TestGateRequiresMovement(t *testing.T) {
	g := NewGate(testGateConfig(), &fakeCallLog{}, slog.New(slog.DiscardHandler))
	now := time.Now()

	// Normal market, tiny PnL: gated.
	view := longView(0.5)
	ok := g.Allow(context.Background(), mediumFiring(), view, snapshot(100), now)
	assert.False(t, ok)

	// Enough PnL excursion passes.
	view = longView(2.5)
	ok = g.Allow(context.Background(), mediumFiring(), view, snapshot(100), now)
	assert.True(t, ok)
}

func TestGateEnforcesMinimumInterval(t *testing.T) {
	callLog := &fakeCallLog{calls: []time.Time{time.Now().Add(-3 * time.Minute)}}
	g := NewGate(testGateConfig(), callLog, slog.New(slog.DiscardHandler))

	view := longView(3.0)
	ok := g.Allow(context.Background(), mediumFiring(), view, snapshot(100), time.Now())
	assert.False(t, ok)

	// The same firing passes once the interval has elapsed.
	callLog.calls = []time.Time{time.Now().Add(-11 * time.Minute)}
	ok = g.Allow(context.Background(), mediumFiring(), view, snapshot(100), time.Now())
	assert.True(t, ok)
}

func TestGateEnforcesHourlyBudget(t *testing.T) {
	callLog := &fakeCallLog{}
	for i := range 6 {
		callLog.calls = append(callLog.calls, time.Now().Add(-time.Duration(50-i*5)*time.Minute))
	}
	g := NewGate(testGateConfig(), callLog, slog.New(slog.DiscardHandler))

	view := longView(3.0)
	ok := g.Allow(context.Background(), mediumFiring(), view, snapshot(100), time.Now())
	assert.False(t, ok)
}

func TestGateHighUrgencyBypasses(t *testing.T) {
	// A call seconds ago would gate MEDIUM, but HIGH passes.
	callLog := &fakeCallLog{calls: []time.Time{time.Now().Add(-10 * time.Second)}}
	g := NewGate(testGateConfig(), callLog, slog.New(slog.DiscardHandler))

	f := mediumFiring()
	f.Trigger.Urgency = domain.UrgencyHigh
	ok := g.Allow(context.Background(), f, longView(-4.5), snapshot(95), time.Now())
	assert.True(t, ok)
}

func TestGateEmergencyCooldown(t *testing.T) {
	g := NewGate(testGateConfig(), &fakeCallLog{}, slog.New(slog.DiscardHandler))
	now := time.Now()

	assert.True(t, g.Allow(context.Background(), emergencyFiring(), longView(-9), snapshot(91), now))
	// A second emergency inside the cooldown is suppressed.
	assert.False(t, g.Allow(context.Background(), emergencyFiring(), longView(-9), snapshot(91), now.Add(10*time.Minute)))
	// After the cooldown it passes again.
	assert.True(t, g.Allow(context.Background(), emergencyFiring(), longView(-9), snapshot(91), now.Add(31*time.Minute)))
}
