// Package scheduler runs a recurring task whose next run time is persisted in
// Redis, so that several service instances fire it at most once per period.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultInterval is the period of the monthly schedule (30 days).
const DefaultInterval = 30 * 24 * time.Hour

// claimScript atomically takes a due run and moves the next run forward.
// A missed period is skipped rather than replayed.
// KEYS[1] next-run key. ARGV[1] now ms, ARGV[2] interval ms.
// Returns -1 when unscheduled, 0 when not due, 1 when claimed.
var claimScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return -1
end
local nextRun = tonumber(raw)
local now = tonumber(ARGV[1])
if nextRun > now then
  return 0
end
local interval = tonumber(ARGV[2])
local following = nextRun + interval
if following <= now then
  following = now + (interval - ((now - nextRun) % interval))
end
redis.call("SET", KEYS[1], string.format("%.0f", following))
return 1
`)

type RecurringConfig struct {
	Addr     string
	Password string
	Key      string
	Interval time.Duration
}

// Recurring is a named schedule such as the monthly quota reset.
type Recurring struct {
	client   *redis.Client
	key      string
	interval time.Duration
	now      func() time.Time
}

func NewRecurring(cfg RecurringConfig) (*Recurring, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("scheduler redis addr is required")
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		return nil, errors.New("scheduler key is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Recurring{
		client:   redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		key:      key,
		interval: interval,
		now:      time.Now,
	}, nil
}

// Schedule sets the first run to first unless the schedule already exists.
// It reports whether a new schedule was created.
func (r *Recurring) Schedule(ctx context.Context, first time.Time) (bool, error) {
	return r.client.SetNX(ctx, r.key, first.UnixMilli(), 0).Result()
}

// Unschedule removes the schedule. Removing a missing schedule is not an error.
func (r *Recurring) Unschedule(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

// NextRun returns the next run time, or false when unscheduled.
func (r *Recurring) NextRun(ctx context.Context) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// RunDue runs task when the schedule is due and reports whether it ran.
// Only one caller wins a given period. A failing task is logged and not retried
// until the next period.
func (r *Recurring) RunDue(ctx context.Context, task func(context.Context) error) (bool, error) {
	res, err := claimScript.Run(ctx, r.client, []string{r.key},
		r.now().UnixMilli(), r.interval.Milliseconds(),
	).Int64()
	if err != nil {
		return false, err
	}
	if res != 1 {
		return false, nil
	}
	if err := task(ctx); err != nil {
		slog.Error("scheduled task failed", "schedule", r.key, "err", err)
	}
	return true, nil
}

// Run polls the schedule every tick until ctx is done.
func (r *Recurring) Run(ctx context.Context, tick time.Duration, task func(context.Context) error) error {
	if tick <= 0 {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		if ran, err := r.RunDue(ctx, task); err != nil {
			if ctx.Err() == nil {
				slog.Warn("schedule check failed", "schedule", r.key, "err", err)
			}
		} else if ran {
			slog.Info("scheduled task ran", "schedule", r.key)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Recurring) Close() error {
	return r.client.Close()
}
