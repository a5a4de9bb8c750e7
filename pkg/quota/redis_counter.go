package quota

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] counter, KEYS[2] pending zset.
// ARGV[1] now ms, ARGV[2] limit, ARGV[3] ttl ms, ARGV[4] reservation id.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", now)
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local pending = redis.call("ZCARD", KEYS[2])
if used + pending >= tonumber(ARGV[2]) then
  return 0
end
redis.call("ZADD", KEYS[2], now + tonumber(ARGV[3]), ARGV[4])
redis.call("PEXPIRE", KEYS[2], ARGV[3])
return 1
`)

// KEYS[1] counter, KEYS[2] pending zset. ARGV[1] reservation id, ARGV[2] max value.
var commitScript = redis.NewScript(`
redis.call("ZREM", KEYS[2], ARGV[1])
local cur = redis.call("GET", KEYS[1])
if cur == ARGV[2] then
  return cur
end
return redis.call("INCR", KEYS[1])
`)

type RedisCounterConfig struct {
	Addr           string
	Password       string
	Prefix         string
	ReservationTTL time.Duration
}

// RedisCounter keeps the counter and its pending reservations in Redis.
type RedisCounter struct {
	client     *redis.Client
	counterKey string
	pendingKey string
	ttl        time.Duration
}

func NewRedisCounter(cfg RedisCounterConfig) (*RedisCounter, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("quota redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "alttext:quota"
	}
	ttl := cfg.ReservationTTL
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &RedisCounter{
		client:     redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		counterKey: prefix + ":free_count",
		pendingKey: prefix + ":pending",
		ttl:        ttl,
	}, nil
}

func (c *RedisCounter) Init(ctx context.Context) error {
	return c.client.SetNX(ctx, c.counterKey, 0, 0).Err()
}

func (c *RedisCounter) Used(ctx context.Context) (int64, error) {
	n, err := c.client.Get(ctx, c.counterKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *RedisCounter) Reserve(ctx context.Context, limit int64) (Reservation, error) {
	id := uuid.NewString()
	ok, err := reserveScript.Run(ctx, c.client,
		[]string{c.counterKey, c.pendingKey},
		time.Now().UnixMilli(), limit, c.ttl.Milliseconds(), id,
	).Int64()
	if err != nil {
		return nil, err
	}
	if ok != 1 {
		return nil, ErrLimitReached
	}
	return &redisReservation{counter: c, id: id}, nil
}

func (c *RedisCounter) Reset(ctx context.Context) error {
	return c.client.Set(ctx, c.counterKey, 0, 0).Err()
}

func (c *RedisCounter) Destroy(ctx context.Context) error {
	return c.client.Del(ctx, c.counterKey, c.pendingKey).Err()
}

func (c *RedisCounter) Close() error {
	return c.client.Close()
}

type redisReservation struct {
	counter *RedisCounter
	id      string
}

func (r *redisReservation) Commit(ctx context.Context) (int64, error) {
	return commitScript.Run(ctx, r.counter.client,
		[]string{r.counter.counterKey, r.counter.pendingKey},
		r.id, strconv.FormatInt(math.MaxInt64, 10),
	).Int64()
}

func (r *redisReservation) Release(ctx context.Context) error {
	return r.counter.client.ZRem(ctx, r.counter.pendingKey, r.id).Err()
}
