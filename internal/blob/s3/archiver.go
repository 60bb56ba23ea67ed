package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/delquant/delphibot/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// tradeArchiveSource is the slice of the trade log the archiver reads.
type tradeArchiveSource interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.TradeLogRecord, error)
}

// intentArchiveSource is the slice of the intent store the archiver reads.
type intentArchiveSource interface {
	ListArchivedBefore(ctx context.Context, before time.Time) ([]domain.TradingIntent, error)
}

// Archiver implements domain.Archiver by exporting closed trade records and
// archived intents to blob storage as monthly JSONL files. Records are
// grouped by the month they closed in, not the month of the cutoff, so a
// late archival run still lands each record in its own month's file.
//
// Rows are never deleted from the primary store here. Pruning is a separate
// step, run only after the archive has been verified.
type Archiver struct {
	writer  domain.BlobWriter
	trades  tradeArchiveSource
	intents intentArchiveSource
	logger  *slog.Logger
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver writing through the given BlobWriter.
func NewArchiver(writer domain.BlobWriter, trades tradeArchiveSource, intents intentArchiveSource, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Archiver{
		writer:  writer,
		trades:  trades,
		intents: intents,
		logger:  logger.With("component", "archiver"),
	}
}

// ArchiveTrades exports finalized trade records older than the cutoff to
// archive/trades/YYYY-MM.jsonl and returns the number of records written.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.trades.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]domain.TradeLogRecord)
	for _, rec := range records {
		// ListClosedBefore only returns finalized rows, but a nil exit
		// time must not panic an archival run.
		if rec.ExitTime == nil {
			a.logger.Warn("skipping closed trade without exit time", "trade_id", rec.TradeID)
			continue
		}
		m := monthOf(*rec.ExitTime)
		byMonth[m] = append(byMonth[m], rec)
	}

	var total int64
	for _, month := range sortedMonths(byMonth) {
		recs := byMonth[month]
		buf, err := marshalJSONL(recs)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive trades marshal %s: %w", month, err)
		}

		key := archiveKey("trades", month)
		if err := a.writer.Write(ctx, key, jsonlContentType, buf); err != nil {
			return total, fmt.Errorf("s3blob: archive trades upload %s: %w", month, err)
		}
		total += int64(len(recs))
		a.logger.Info("archived trades", "key", key, "count", len(recs))
	}
	return total, nil
}

// ArchiveIntents exports archived trading intents older than the cutoff to
// archive/intents/YYYY-MM.jsonl and returns the number of records written.
func (a *Archiver) ArchiveIntents(ctx context.Context, before time.Time) (int64, error) {
	intents, err := a.intents.ListArchivedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive intents query: %w", err)
	}
	if len(intents) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]domain.TradingIntent)
	for _, in := range intents {
		if in.ArchivedAt == nil {
			a.logger.Warn("skipping intent without archive time", "trade_id", in.TradeID)
			continue
		}
		m := monthOf(*in.ArchivedAt)
		byMonth[m] = append(byMonth[m], in)
	}

	var total int64
	for _, month := range sortedMonths(byMonth) {
		ins := byMonth[month]
		buf, err := marshalJSONL(ins)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive intents marshal %s: %w", month, err)
		}

		key := archiveKey("intents", month)
		if err := a.writer.Write(ctx, key, jsonlContentType, buf); err != nil {
			return total, fmt.Errorf("s3blob: archive intents upload %s: %w", month, err)
		}
		total += int64(len(ins))
		a.logger.Info("archived intents", "key", key, "count", len(ins))
	}
	return total, nil
}

// archiveKey builds the object key for one month's archive file.
//
//	archive/trades/2026-07.jsonl
//	archive/intents/2026-07.jsonl
func archiveKey(kind, month string) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, month)
}

func monthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func sortedMonths[T any](byMonth map[string][]T) []string {
	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)
	return months
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
