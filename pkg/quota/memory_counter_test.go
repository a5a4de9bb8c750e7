package quota

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func TestMemoryCounterConcurrentReservationsNeverExceedLimit(t *testing.T) {
	c := NewMemoryCounter(time.Minute)
	ctx := context.Background()
	const limit = 10

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.Reserve(ctx, limit)
			if err != nil {
				return
			}
			_, _ = r.Commit(ctx)
		}()
	}
	wg.Wait()

	used, _ := c.Used(ctx)
	if used != limit {
		t.Fatalf("used = %d, want %d", used, limit)
	}
}

func TestMemoryCounterReleaseDoesNotCount(t *testing.T) {
	c := NewMemoryCounter(time.Minute)
	ctx := context.Background()
	r, err := c.Reserve(ctx, 1)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := c.Reserve(ctx, 1); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected pending reservation to hold the slot")
	}
	if err := r.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if used, _ := c.Used(ctx); used != 0 {
		t.Fatalf("release counted usage: %d", used)
	}
	if _, err := c.Reserve(ctx, 1); err != nil {
		t.Fatalf("slot should be free after release: %v", err)
	}
}

func TestMemoryCounterReservationExpires(t *testing.T) {
	c := NewMemoryCounter(time.Second)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := c.Reserve(ctx, 1); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := c.Reserve(ctx, 1); err != nil {
		t.Fatalf("expired reservation should be dropped: %v", err)
	}
}

func TestMemoryCounterSaturates(t *testing.T) {
	c := NewMemoryCounter(time.Minute)
	ctx := context.Background()
	c.Set(math.MaxInt64 - 1)
	r, err := c.Reserve(ctx, math.MaxInt64)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if n, _ := r.Commit(ctx); n != math.MaxInt64 {
		t.Fatalf("counter = %d", n)
	}
	if _, err := c.Reserve(ctx, math.MaxInt64); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected limit reached at ceiling")
	}
	stale := &memoryReservation{counter: c, id: "stale"}
	if n, _ := stale.Commit(ctx); n != math.MaxInt64 {
		t.Fatalf("counter overflowed: %d", n)
	}
}

func TestMemoryCounterInitAndReset(t *testing.T) {
	c := NewMemoryCounter(0)
	ctx := context.Background()
	c.Set(4)
	if err := c.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if used, _ := c.Used(ctx); used != 4 {
		t.Fatalf("init overwrote counter: %d", used)
	}
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if used, _ := c.Used(ctx); used != 0 {
		t.Fatalf("reset left %d", used)
	}
}
