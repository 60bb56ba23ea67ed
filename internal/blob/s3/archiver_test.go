package s3blob

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delquant/delphibot/internal/domain"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeBlobWriter struct {
	objects      map[string][]byte
	contentTypes map[string]string
}

func newFakeBlobWriter() *fakeBlobWriter {
	return &fakeBlobWriter{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

func (f *fakeBlobWriter) Write(_ context.Context, key, contentType string, body []byte) error {
	f.objects[key] = body
	f.contentTypes[key] = contentType
	return nil
}

type fakeTradeSource struct {
	records []domain.TradeLogRecord
}

func (f *fakeTradeSource) ListClosedBefore(_ context.Context, before time.Time) ([]domain.TradeLogRecord, error) {
	var out []domain.TradeLogRecord
	for _, rec := range f.records {
		if rec.ExitTime != nil && rec.ExitTime.Before(before) {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeIntentSource struct {
	intents []domain.TradingIntent
}

func (f *fakeIntentSource) ListArchivedBefore(_ context.Context, before time.Time) ([]domain.TradingIntent, error) {
	var out []domain.TradingIntent
	for _, in := range f.intents {
		if in.ArchivedAt != nil && in.ArchivedAt.Before(before) {
			out = append(out, in)
		}
	}
	return out, nil
}

func closedTrade(id string, exit time.Time, outcome domain.TradeOutcome) domain.TradeLogRecord {
	return domain.TradeLogRecord{
		TradeID:    id,
		Symbol:     "SOLUSDT",
		Direction:  domain.DirectionLong,
		EntryPrice: 100,
		EntryTime:  exit.Add(-6 * time.Hour),
		ExitPrice:  104,
		ExitTime:   &exit,
		Outcome:    outcome,
		PnLPercent: 4,
	}
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestArchiveTradesGroupsByExitMonth(t *testing.T) {
	june := time.Date(2026, 6, 20, 12, 0, 0, 0, time.UTC)
	july := time.Date(2026, 7, 3, 9, 0, 0, 0, time.UTC)

	trades := &fakeTradeSource{records: []domain.TradeLogRecord{
		closedTrade("t-1", june, domain.OutcomeWin),
		closedTrade("t-2", july, domain.OutcomeLoss),
		closedTrade("t-3", july, domain.OutcomeWin),
	}}
	writer := newFakeBlobWriter()
	arch := NewArchiver(writer, trades, &fakeIntentSource{}, nil)

	n, err := arch.ArchiveTrades(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.Contains(t, writer.objects, "archive/trades/2026-06.jsonl")
	require.Contains(t, writer.objects, "archive/trades/2026-07.jsonl")
	assert.Equal(t, "application/x-ndjson", writer.contentTypes["archive/trades/2026-06.jsonl"])

	juneLines := nonEmptyLines(string(writer.objects["archive/trades/2026-06.jsonl"]))
	julyLines := nonEmptyLines(string(writer.objects["archive/trades/2026-07.jsonl"]))
	assert.Len(t, juneLines, 1)
	assert.Len(t, julyLines, 2)
	assert.Contains(t, juneLines[0], `"t-1"`)
}

func TestArchiveTradesEmptyWritesNothing(t *testing.T) {
	writer := newFakeBlobWriter()
	arch := NewArchiver(writer, &fakeTradeSource{}, &fakeIntentSource{}, nil)

	n, err := arch.ArchiveTrades(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, writer.objects)
}

func TestArchiveIntentsGroupsByArchiveMonth(t *testing.T) {
	at := time.Date(2026, 7, 15, 8, 0, 0, 0, time.UTC)
	intents := &fakeIntentSource{intents: []domain.TradingIntent{
		{
			TradeID:    "t-9",
			Symbol:     "SOLUSDT",
			Direction:  domain.DirectionLong,
			EntryPrice: 100,
			StopLoss:   96,
			ArchivedAt: &at,
		},
	}}
	writer := newFakeBlobWriter()
	arch := NewArchiver(writer, &fakeTradeSource{}, intents, nil)

	n, err := arch.ArchiveIntents(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	body, ok := writer.objects["archive/intents/2026-07.jsonl"]
	require.True(t, ok)
	assert.Contains(t, string(body), `"t-9"`)
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
