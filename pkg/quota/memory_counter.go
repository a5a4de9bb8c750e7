package quota

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCounter is a process-local Counter for single-instance deployments
// and tests.
type MemoryCounter struct {
	mu      sync.Mutex
	exists  bool
	count   int64
	pending map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryCounter(ttl time.Duration) *MemoryCounter {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &MemoryCounter{
		pending: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCounter) Init(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exists {
		c.exists = true
		c.count = 0
	}
	return nil
}

func (c *MemoryCounter) Used(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count, nil
}

func (c *MemoryCounter) Reserve(_ context.Context, limit int64) (Reservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for id, expires := range c.pending {
		if !expires.After(now) {
			delete(c.pending, id)
		}
	}
	if c.count >= limit || int64(len(c.pending)) >= limit-c.count {
		return nil, ErrLimitReached
	}
	id := uuid.NewString()
	c.pending[id] = now.Add(c.ttl)
	return &memoryReservation{counter: c, id: id}, nil
}

func (c *MemoryCounter) Reset(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exists = true
	c.count = 0
	return nil
}

func (c *MemoryCounter) Destroy(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exists = false
	c.count = 0
	c.pending = make(map[string]time.Time)
	return nil
}

// Set overwrites the counter. Used by tests and data imports.
func (c *MemoryCounter) Set(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exists = true
	c.count = n
}

type memoryReservation struct {
	counter *MemoryCounter
	id      string
}

func (r *memoryReservation) Commit(context.Context) (int64, error) {
	c := r.counter
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, r.id)
	c.exists = true
	if c.count < math.MaxInt64 {
		c.count++
	}
	return c.count, nil
}

func (r *memoryReservation) Release(context.Context) error {
	c := r.counter
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, r.id)
	return nil
}
