package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/delquant/delphibot/internal/domain"
)

// PositionCache implements domain.PositionCache as one JSON snapshot per
// symbol under a short TTL. The reconciler invalidates it after every
// order mutation and whenever the venue reports flat.
type PositionCache struct {
	rdb *redis.Client
}

var _ domain.PositionCache = (*PositionCache)(nil)

// NewPositionCache creates a PositionCache backed by the given Client.
func NewPositionCache(c *Client) *PositionCache {
	return &PositionCache{rdb: c.Underlying()}
}

func positionKey(symbol string) string {
	return "position:" + symbol
}

// Get returns the cached snapshot for symbol, reporting whether one exists.
func (pc *PositionCache) Get(ctx context.Context, symbol string) (*domain.ExchangePosition, bool, error) {
	raw, err := pc.rdb.Get(ctx, positionKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: get position %s: %w", symbol, err)
	}

	var pos domain.ExchangePosition
	if err := json.Unmarshal(raw, &pos); err != nil {
		return nil, false, fmt.Errorf("redis: decode position %s: %w", symbol, err)
	}
	return &pos, true, nil
}

// Set stores the snapshot under the given TTL.
func (pc *PositionCache) Set(ctx context.Context, pos domain.ExchangePosition, ttl time.Duration) error {
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("redis: encode position %s: %w", pos.Symbol, err)
	}
	if err := pc.rdb.Set(ctx, positionKey(pos.Symbol), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set position %s: %w", pos.Symbol, err)
	}
	return nil
}

// Invalidate drops the cached snapshot for symbol.
func (pc *PositionCache) Invalidate(ctx context.Context, symbol string) error {
	if err := pc.rdb.Del(ctx, positionKey(symbol)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate position %s: %w", symbol, err)
	}
	return nil
}
