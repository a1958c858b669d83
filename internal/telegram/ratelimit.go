package telegram

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is the hard per-session request cap. It also remembers the
// FLOOD_WAIT deadline Telegram last imposed on the session and keeps every
// request back until it passes.
type RateLimiter struct {
	limiter *rate.Limiter

	mu             sync.Mutex
	floodWaitUntil time.Time
	floodWaits     int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// LimiterStats is a snapshot for the status endpoint.
type LimiterStats struct {
	RequestsPerSecond float64       `json:"requests_per_second"` // 0 means uncapped
	FloodWait         time.Duration `json:"flood_wait"`
	FloodWaits        int           `json:"flood_waits"`
}

// NewRateLimiter creates a limiter. rps <= 0 disables the cap but keeps the
// flood wait tracking. 1-2 rps is safe for participant scans.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
		sleep:   SleepContext,
	}
}

// DefaultRateLimiter returns a limiter with conservative settings.
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(2.0, 1)
}

// Wait blocks until the flood wait is over and the cap allows a request.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if wait := r.FloodWaitRemaining(); wait > 0 {
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return r.limiter.Wait(ctx)
}

// SetFloodWait holds every request back for d. A shorter wait never
// shortens one already in force.
func (r *RateLimiter) SetFloodWait(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.floodWaits++
	until := r.now().Add(d)
	if until.After(r.floodWaitUntil) {
		r.floodWaitUntil = until
	}
}

// FloodWaitRemaining returns how long the current flood wait still lasts.
func (r *RateLimiter) FloodWaitRemaining() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining()
}

func (r *RateLimiter) remaining() time.Duration {
	if d := r.floodWaitUntil.Sub(r.now()); d > 0 {
		return d
	}
	return 0
}

// Stats returns the limiter's current state.
func (r *RateLimiter) Stats() LimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	rps := float64(r.limiter.Limit())
	if r.limiter.Limit() == rate.Inf {
		rps = 0
	}
	return LimiterStats{
		RequestsPerSecond: rps,
		FloodWait:         r.remaining(),
		FloodWaits:        r.floodWaits,
	}
}
