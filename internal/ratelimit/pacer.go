package ratelimit

import (
	"golang.org/x/time/rate"
)

// NewPacer returns a token bucket that admits perMinute events per minute
// with a burst of burst. A non-positive perMinute disables pacing.
func NewPacer(perMinute, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
}
