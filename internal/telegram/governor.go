package telegram

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/blockedby/groupscan/internal/config"
)

const (
	// MinDelay floors every governor delay.
	MinDelay = 500 * time.Millisecond

	governorWindow  = time.Hour
	governorJitter  = 0.2
	governorBackoff = 1.5
)

// GovernorStats is a snapshot of the governor's counters.
type GovernorStats struct {
	RequestsInWindow int           `json:"requests_in_window"`
	RequestsPerHour  int           `json:"requests_per_hour"`
	WindowStart      time.Time     `json:"window_start"`
	Load             float64       `json:"load"`
	BaseDelay        time.Duration `json:"base_delay"`
	MaxDelay         time.Duration `json:"max_delay"`
	CurrentDelay     time.Duration `json:"current_delay"`
}

// Governor spaces outbound requests according to how busy the last hour
// was. One governor is shared by every session in the process.
type Governor struct {
	mu sync.Mutex

	base        time.Duration
	maxDelay    time.Duration
	backoff     float64
	maxRequests int // 0 leaves the window unbounded

	windowStart time.Time
	requests    int

	now    func() time.Time
	jitter func() float64 // uniform in [-1, 1]
	sleep  func(ctx context.Context, d time.Duration) error
}

// GovernorOption customizes a Governor.
type GovernorOption func(*Governor)

// WithClock replaces the time source.
func WithClock(now func() time.Time) GovernorOption {
	return func(g *Governor) { g.now = now }
}

// WithJitter replaces the jitter source. f must return values in [-1, 1].
func WithJitter(f func() float64) GovernorOption {
	return func(g *Governor) { g.jitter = f }
}

// WithSleeper replaces the function Wait blocks with.
func WithSleeper(f func(ctx context.Context, d time.Duration) error) GovernorOption {
	return func(g *Governor) { g.sleep = f }
}

// NewGovernor creates a governor configured from a delay preset.
func NewGovernor(p config.DelayPreset, opts ...GovernorOption) *Governor {
	g := &Governor{
		backoff: governorBackoff,
		now:     time.Now,
		jitter:  func() float64 { return rand.Float64()*2 - 1 },
		sleep:   SleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.windowStart = g.now()
	g.ApplyPreset(p)
	return g
}

// ApplyPreset replaces base delay, max delay and the hourly request budget.
func (g *Governor) ApplyPreset(p config.DelayPreset) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.base = p.BaseDelay
	if g.base <= 0 {
		g.base = 2 * time.Second
	}
	g.maxDelay = p.MaxDelay
	if g.maxDelay <= 0 {
		g.maxDelay = 10 * time.Second
	}
	g.maxRequests = p.RequestsPerHour
}

// NextDelay returns the jittered delay to observe before the next request.
func (g *Governor) NextDelay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollWindow()
	d := float64(g.delayFor(g.load()))
	d += d * governorJitter * g.jitter()
	return clampDelay(time.Duration(d), g.maxDelay)
}

// Wait sleeps for NextDelay and then counts one request.
func (g *Governor) Wait(ctx context.Context) error {
	if err := g.sleep(ctx, g.NextDelay()); err != nil {
		return err
	}

	g.mu.Lock()
	g.rollWindow()
	g.requests++
	g.mu.Unlock()
	return nil
}

// Failure slows the governor down after a failed operation.
func (g *Governor) Failure() {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := time.Duration(float64(g.base) * g.backoff)
	if next > g.maxDelay {
		next = g.maxDelay
	}
	g.base = next
}

// Stats returns a snapshot of the counters.
func (g *Governor) Stats() GovernorStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollWindow()
	load := g.load()
	return GovernorStats{
		RequestsInWindow: g.requests,
		RequestsPerHour:  g.maxRequests,
		WindowStart:      g.windowStart,
		Load:             load,
		BaseDelay:        g.base,
		MaxDelay:         g.maxDelay,
		CurrentDelay:     g.delayFor(load),
	}
}

// rollWindow resets the counter once the window has elapsed. Caller holds mu.
func (g *Governor) rollWindow() {
	now := g.now()
	if now.Sub(g.windowStart) >= governorWindow {
		g.windowStart = now
		g.requests = 0
	}
}

// load is requests_in_window / max_requests. Caller holds mu.
func (g *Governor) load() float64 {
	if g.maxRequests <= 0 {
		return 0
	}
	return float64(g.requests) / float64(g.maxRequests)
}

// delayFor is the un-jittered delay for a load factor. Caller holds mu.
func (g *Governor) delayFor(load float64) time.Duration {
	base := float64(g.base)

	var d float64
	switch {
	case load < 0.25:
		d = base
	case load < 0.5:
		d = 2 * base
	case load < 0.75:
		d = 3 * base
	default:
		d = base * math.Pow(g.backoff, load*10)
	}

	if d > float64(math.MaxInt64) {
		return clampDelay(g.maxDelay, g.maxDelay)
	}
	return clampDelay(time.Duration(d), g.maxDelay)
}

func clampDelay(d, maxDelay time.Duration) time.Duration {
	if d > maxDelay {
		d = maxDelay
	}
	if d < MinDelay {
		d = MinDelay
	}
	return d
}

// SleepContext sleeps for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
