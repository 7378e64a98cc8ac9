package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Loader produces the value for a cache miss.
type Loader func(context.Context) (any, error)

// JSON stores JSON encoded values in Redis under a fixed key prefix.
// Concurrent misses for the same key share one loader call.
type JSON struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	group  singleflight.Group
}

// NewJSON builds a JSON cache. A nil client turns every Fetch into a direct load.
func NewJSON(client *redis.Client, prefix string, ttl time.Duration) *JSON {
	return &JSON{client: client, prefix: prefix, ttl: ttl}
}

// Key composes the full Redis key for the supplied suffix.
func (c *JSON) Key(suffix string) string {
	if c.prefix == "" {
		return suffix
	}
	return c.prefix + ":" + suffix
}

// Fetch decodes the cached value for key into dest, calling loader on a miss.
func (c *JSON) Fetch(ctx context.Context, key string, dest any, loader Loader) error {
	if loader == nil {
		return errors.New("cache: loader required")
	}
	if c == nil || c.client == nil {
		value, err := loader(ctx)
		if err != nil {
			return err
		}
		return roundTrip(value, dest)
	}
	fullKey := c.Key(key)
	payload, err := c.client.Get(ctx, fullKey).Bytes()
	if err == nil {
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache: get %s: %w", fullKey, err)
	}

	ch := c.group.DoChan(fullKey, func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, fullKey, raw, c.ttl).Err(); err != nil {
			return nil, fmt.Errorf("cache: set %s: %w", fullKey, err)
		}
		return raw, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return json.Unmarshal(res.Val.([]byte), dest)
	}
}

// Delete drops the cached values for the supplied keys.
func (c *JSON) Delete(ctx context.Context, keys ...string) error {
	if c == nil || c.client == nil || len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.Key(k)
		c.group.Forget(full[i])
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}

func roundTrip(value, dest any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
