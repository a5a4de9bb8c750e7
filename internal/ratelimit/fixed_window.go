package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript counts a hit and returns {count, remaining window ms}.
var windowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Limiter decides whether a keyed request may proceed. When it may not,
// retryAfter says how long until the key's window reopens.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration)
}

// FixedWindowLimiter allows limit hits per key per window. Windows start at
// the first hit and are shared by every instance through Redis.
type FixedWindowLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "alttext:ratelimit"
	}
	return &FixedWindowLimiter{
		client: redis.NewClient(&redis.Options{Addr: strings.TrimSpace(addr), Password: password}),
		prefix: prefix,
		limit:  int64(limit),
		window: window,
	}, nil
}

// Allow fails closed: a Redis error denies the request for a full window.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if key = strings.TrimSpace(key); key == "" {
		key = "unknown"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := windowScript.Run(ctx, l.client, []string{l.prefix + ":" + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		return false, l.window
	}
	if res[0] <= l.limit {
		return true, 0
	}
	return false, time.Duration(res[1]) * time.Millisecond
}

func (l *FixedWindowLimiter) Close() error {
	return l.client.Close()
}
