package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delquant/delphibot/internal/domain"
)

type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}
func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.records))
	for _, r := range h.records {
		out = append(out, r.Message)
	}
	return out
}

type stubTriggerStore struct {
	triggers []domain.Trigger
	err      error
}

func (s *stubTriggerStore) Load(context.Context, string) ([]domain.Trigger, error) {
	return s.triggers, s.err
}
func (s *stubTriggerStore) Replace(context.Context, string, []domain.Trigger) error { return nil }

func TestLogTriggersPrintsEachTrigger(t *testing.T) {
	h := &captureHandler{}
	store := &stubTriggerStore{triggers: []domain.Trigger{
		{
			Class: domain.TriggerWatch, Kind: domain.KindPrice, Symbol: "SOLUSDT",
			Action: domain.TriggerActionReevaluate, Urgency: domain.UrgencyMedium,
			Price: 95, ExpiresAt: time.Now().Add(time.Hour), Rationale: "support retest",
		},
		{
			Class: domain.TriggerPosition, Kind: domain.KindDrawdown, Symbol: "SOLUSDT",
			Action: domain.TriggerActionEmergencyClose, Urgency: domain.UrgencyCritical,
			ThresholdPercent: -8,
		},
	}}

	require.NoError(t, logTriggers(context.Background(), store, "SOLUSDT", slog.New(h)))

	msgs := h.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"trigger", "trigger"}, msgs)
}

func TestLogTriggersEmptySet(t *testing.T) {
	h := &captureHandler{}

	require.NoError(t, logTriggers(context.Background(), &stubTriggerStore{}, "SOLUSDT", slog.New(h)))
	assert.Equal(t, []string{"no active triggers"}, h.messages())
}

func TestLogTriggersPropagatesStoreError(t *testing.T) {
	store := &stubTriggerStore{err: errors.New("redis down")}

	err := logTriggers(context.Background(), store, "SOLUSDT", slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "triggers")
}
