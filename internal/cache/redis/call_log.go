package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/delquant/delphibot/internal/domain"
)

// callLogRetention bounds how long call entries stay in the sorted set.
// The gate only ever looks back one hour; two keeps pruning lazy.
const callLogRetention = 2 * time.Hour

// AdvisoryCallLog implements domain.AdvisoryCallLog as a per-symbol sorted
// set scored by unix milliseconds, so the rate gate survives restarts.
type AdvisoryCallLog struct {
	rdb *redis.Client
}

var _ domain.AdvisoryCallLog = (*AdvisoryCallLog)(nil)

// NewAdvisoryCallLog creates an AdvisoryCallLog backed by the given Client.
func NewAdvisoryCallLog(c *Client) *AdvisoryCallLog {
	return &AdvisoryCallLog{rdb: c.Underlying()}
}

func callLogKey(symbol string) string {
	return "calls:" + symbol
}

// Record appends one re-evaluation invocation and prunes entries older than
// the retention window.
func (cl *AdvisoryCallLog) Record(ctx context.Context, symbol string, at time.Time, reason string) error {
	key := callLogKey(symbol)
	member := fmt.Sprintf("%d:%s", at.UnixNano(), reason)

	pipe := cl.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: member,
	})
	cutoff := at.Add(-callLogRetention).UnixMilli()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: record call %s: %w", symbol, err)
	}
	return nil
}

// LastCall returns the most recent recorded invocation time, reporting
// whether any exists.
func (cl *AdvisoryCallLog) LastCall(ctx context.Context, symbol string) (time.Time, bool, error) {
	entries, err := cl.rdb.ZRevRangeWithScores(ctx, callLogKey(symbol), 0, 0).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis: last call %s: %w", symbol, err)
	}
	if len(entries) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(entries[0].Score)).UTC(), true, nil
}

// CountSince returns how many invocations were recorded at or after since.
func (cl *AdvisoryCallLog) CountSince(ctx context.Context, symbol string, since time.Time) (int, error) {
	n, err := cl.rdb.ZCount(ctx, callLogKey(symbol),
		strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis: count calls %s: %w", symbol, err)
	}
	return int(n), nil
}
