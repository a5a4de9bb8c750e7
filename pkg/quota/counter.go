// Package quota tracks the free-tier usage counter.
//
// A generation first reserves a slot, then either commits it (the counter
// grows by one) or releases it (nothing is counted). Reservations make the
// check against the limit atomic across concurrent generations.
package quota

import (
	"context"
	"errors"
	"time"
)

// ErrLimitReached is returned by Reserve when used plus in-flight
// reservations already meet the limit.
var ErrLimitReached = errors.New("quota limit reached")

// DefaultReservationTTL bounds how long an abandoned reservation holds a slot.
const DefaultReservationTTL = 2 * time.Minute

// Reservation is one claimed slot below the limit.
type Reservation interface {
	// Commit counts the slot and returns the new counter value.
	Commit(ctx context.Context) (int64, error)
	// Release gives the slot back without counting it.
	Release(ctx context.Context) error
}

// Counter is the persisted free-tier usage counter.
type Counter interface {
	// Init creates the counter with value 0 when it does not exist yet.
	Init(ctx context.Context) error
	Used(ctx context.Context) (int64, error)
	Reserve(ctx context.Context, limit int64) (Reservation, error)
	// Reset sets the counter to 0.
	Reset(ctx context.Context) error
	// Destroy removes the counter entirely.
	Destroy(ctx context.Context) error
}
