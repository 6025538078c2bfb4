// Package cache shares provisioned namespace ids between forge processes.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisNamespaces stores namespace ids in one hash per account. It satisfies
// wrangler.NamespaceCache.
type RedisNamespaces struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

func NewRedisNamespaces(rdb redis.UniversalClient, keyPrefix string) *RedisNamespaces {
	return &RedisNamespaces{rdb: rdb, keyPrefix: keyPrefix}
}

// Dial connects to addr and pings it once.
func Dial(ctx context.Context, addr, keyPrefix string) (*RedisNamespaces, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return NewRedisNamespaces(rdb, keyPrefix), nil
}

func (c *RedisNamespaces) key(parts ...string) string {
	prefix := c.keyPrefix
	if prefix == "" {
		prefix = "forge"
	}
	return prefix + ":" + strings.Join(parts, ":")
}

func (c *RedisNamespaces) GetNamespace(ctx context.Context, accountID, title string) (string, bool, error) {
	id, err := c.rdb.HGet(ctx, c.key("kv", accountID), title).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read namespace %s: %w", title, err)
	}
	return id, true, nil
}

func (c *RedisNamespaces) PutNamespace(ctx context.Context, accountID, title, id string) error {
	if err := c.rdb.HSet(ctx, c.key("kv", accountID), title, id).Err(); err != nil {
		return fmt.Errorf("store namespace %s: %w", title, err)
	}
	return nil
}

func (c *RedisNamespaces) Close() error {
	return c.rdb.Close()
}
