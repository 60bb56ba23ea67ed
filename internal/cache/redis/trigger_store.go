package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/delquant/delphibot/internal/domain"
)

// TriggerStore implements domain.TriggerStore as one JSON document per
// symbol, replaced wholesale on every mutation so readers never observe a
// half-updated set.
type TriggerStore struct {
	rdb *redis.Client
}

var _ domain.TriggerStore = (*TriggerStore)(nil)

// NewTriggerStore creates a TriggerStore backed by the given Client.
func NewTriggerStore(c *Client) *TriggerStore {
	return &TriggerStore{rdb: c.Underlying()}
}

func triggerKey(symbol string) string {
	return "triggers:" + symbol
}

// Load returns the full trigger set for symbol; a missing key is an empty
// set, not an error.
func (ts *TriggerStore) Load(ctx context.Context, symbol string) ([]domain.Trigger, error) {
	raw, err := ts.rdb.Get(ctx, triggerKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: load triggers %s: %w", symbol, err)
	}

	var triggers []domain.Trigger
	if err := json.Unmarshal(raw, &triggers); err != nil {
		return nil, fmt.Errorf("redis: decode triggers %s: %w", symbol, err)
	}
	return triggers, nil
}

// Replace overwrites the full trigger set for symbol. An empty set deletes
// the key.
func (ts *TriggerStore) Replace(ctx context.Context, symbol string, triggers []domain.Trigger) error {
	key := triggerKey(symbol)
	if len(triggers) == 0 {
		if err := ts.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("redis: clear triggers %s: %w", symbol, err)
		}
		return nil
	}

	raw, err := json.Marshal(triggers)
	if err != nil {
		return fmt.Errorf("redis: encode triggers %s: %w", symbol, err)
	}
	if err := ts.rdb.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis: replace triggers %s: %w", symbol, err)
	}
	return nil
}
