package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/delquant/delphibot/internal/domain"
)

// slippageHistoryCap bounds the per-symbol rolling list.
const slippageHistoryCap = 100

// SlippageHistory implements domain.SlippageHistory as a capped Redis list
// per symbol, newest first.
type SlippageHistory struct {
	rdb *redis.Client
}

var _ domain.SlippageHistory = (*SlippageHistory)(nil)

// NewSlippageHistory creates a SlippageHistory backed by the given Client.
func NewSlippageHistory(c *Client) *SlippageHistory {
	return &SlippageHistory{rdb: c.Underlying()}
}

func slippageKey(symbol string) string {
	return "slippage:" + symbol
}

// Record prepends one realized slippage rate and trims the list to cap.
func (sh *SlippageHistory) Record(ctx context.Context, symbol string, slippageRate float64) error {
	key := slippageKey(symbol)
	pipe := sh.rdb.TxPipeline()
	pipe.LPush(ctx, key, strconv.FormatFloat(slippageRate, 'f', -1, 64))
	pipe.LTrim(ctx, key, 0, slippageHistoryCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: record slippage %s: %w", symbol, err)
	}
	return nil
}

// Recent returns up to n most recent rates, newest first.
func (sh *SlippageHistory) Recent(ctx context.Context, symbol string, n int) ([]float64, error) {
	if n <= 0 {
		return nil, nil
	}
	vals, err := sh.rdb.LRange(ctx, slippageKey(symbol), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recent slippage %s: %w", symbol, err)
	}

	rates := make([]float64, 0, len(vals))
	for _, v := range vals {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("redis: parse slippage %s value %q: %w", symbol, v, err)
		}
		rates = append(rates, rate)
	}
	return rates, nil
}
