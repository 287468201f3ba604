package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores the whole table as one JSON value so every instance serves the same rates.
type RedisCache struct {
	client redis.UniversalClient
	key    string
}

func NewRedisCache(client redis.UniversalClient, key string) *RedisCache {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "numbers:rates:usd"
	}
	return &RedisCache{client: client, key: key}
}

// Load returns nil, nil on a cache miss.
func (c *RedisCache) Load(ctx context.Context) (*Table, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var table Table
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("decode cached rates: %w", err)
	}
	return &table, nil
}

func (c *RedisCache) Store(ctx context.Context, table *Table, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(table)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, raw, ttl).Err()
}
