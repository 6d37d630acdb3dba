package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient dials the shared tier. Returns nil when addr is empty so
// callers can wire the cache without Redis at all.
func NewRedisClient(addr, password string, db int) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (c *ResponseCache) l2Get(ctx context.Context, fingerprint string) *Entry {
	if c.l2 == nil {
		return nil
	}
	data, err := c.l2.Get(ctx, c.prefix+fingerprint).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WithError(err).Debug("shared tier read failed, treating as miss")
		}
		return nil
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.log.WithError(err).Warn("shared tier entry corrupt, dropping")
		c.l2.Del(ctx, c.prefix+fingerprint)
		return nil
	}
	return &entry
}

func (c *ResponseCache) l2Set(ctx context.Context, entry *Entry, ttl time.Duration) {
	if c.l2 == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.l2.Set(ctx, c.prefix+entry.Fingerprint, data, ttl).Err(); err != nil {
		c.log.WithError(err).Debug("shared tier write failed")
	}
}
