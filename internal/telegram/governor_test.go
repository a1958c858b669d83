package telegram

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/groupscan/internal/config"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.t = c.t.Add(d)
	return nil
}

func newTestGovernor(p config.DelayPreset, jitter float64) (*Governor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewGovernor(p,
		WithClock(clock.Now),
		WithSleeper(clock.Sleep),
		WithJitter(func() float64 { return jitter }),
	)
	return g, clock
}

func expectedDelay(base, maxDelay time.Duration, load float64) time.Duration {
	b := float64(base)
	var d float64
	switch {
	case load < 0.25:
		d = b
	case load < 0.5:
		d = 2 * b
	case load < 0.75:
		d = 3 * b
	default:
		d = b * math.Pow(1.5, load*10)
	}
	out := time.Duration(d)
	if out > maxDelay {
		out = maxDelay
	}
	if out < MinDelay {
		out = MinDelay
	}
	return out
}

func TestGovernor_DelayTiers(t *testing.T) {
	presets := []config.DelayPreset{
		config.DelayPresets["cautious"],
		config.DelayPresets["normal"],
		config.DelayPresets["aggressive"],
		{BaseDelay: 100 * time.Millisecond, MaxDelay: 60 * time.Second, RequestsPerHour: 100},
	}

	for _, p := range presets {
		g, _ := newTestGovernor(p, 0)
		for load := 0.0; load <= 1.5; load += 0.01 {
			got := g.delayFor(load)
			assert.Equal(t, expectedDelay(p.BaseDelay, p.MaxDelay, load), got, "preset %+v load %.2f", p, load)
			assert.GreaterOrEqual(t, got, MinDelay)
			assert.LessOrEqual(t, got, max(p.MaxDelay, MinDelay))
		}
	}
}

func TestGovernor_TierBoundaries(t *testing.T) {
	g, _ := newTestGovernor(config.DelayPreset{BaseDelay: time.Second, MaxDelay: time.Hour, RequestsPerHour: 100}, 0)

	assert.Equal(t, time.Second, g.delayFor(0))
	assert.Equal(t, time.Second, g.delayFor(0.2499))
	assert.Equal(t, 2*time.Second, g.delayFor(0.25))
	assert.Equal(t, 3*time.Second, g.delayFor(0.5))
	assert.Equal(t, time.Duration(float64(time.Second)*math.Pow(1.5, 7.5)), g.delayFor(0.75))
}

func TestGovernor_LoadFromRequestCount(t *testing.T) {
	g, _ := newTestGovernor(config.DelayPreset{BaseDelay: time.Second, MaxDelay: time.Hour, RequestsPerHour: 4}, 0)
	ctx := context.Background()

	assert.Equal(t, time.Second, g.NextDelay())
	require.NoError(t, g.Wait(ctx))
	assert.Equal(t, 2*time.Second, g.NextDelay(), "1/4 requests used")
	require.NoError(t, g.Wait(ctx))
	assert.Equal(t, 3*time.Second, g.NextDelay(), "2/4 requests used")

	stats := g.Stats()
	assert.Equal(t, 2, stats.RequestsInWindow)
	assert.InDelta(t, 0.5, stats.Load, 1e-9)
}

func TestGovernor_UnboundedWindowStaysAtBase(t *testing.T) {
	g, _ := newTestGovernor(config.DelayPresets["unlimited"], 0)
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		require.NoError(t, g.Wait(ctx))
	}
	assert.Equal(t, 2*time.Second, g.NextDelay())
	assert.Zero(t, g.Stats().Load)
}

func TestGovernor_WindowResetsAfterAnHour(t *testing.T) {
	g, clock := newTestGovernor(config.DelayPreset{BaseDelay: time.Second, MaxDelay: time.Hour, RequestsPerHour: 2}, 0)
	ctx := context.Background()

	require.NoError(t, g.Wait(ctx))
	require.NoError(t, g.Wait(ctx))
	assert.Equal(t, 2, g.Stats().RequestsInWindow)

	clock.t = clock.t.Add(time.Hour)
	assert.Equal(t, 0, g.Stats().RequestsInWindow)
	assert.Equal(t, time.Second, g.NextDelay())
}

func TestGovernor_Jitter(t *testing.T) {
	p := config.DelayPreset{BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}

	up, _ := newTestGovernor(p, 1)
	down, _ := newTestGovernor(p, -1)

	assert.Equal(t, 2400*time.Millisecond, up.NextDelay())
	assert.Equal(t, 1600*time.Millisecond, down.NextDelay())
}

func TestGovernor_JitterRespectsFloorAndCap(t *testing.T) {
	low, _ := newTestGovernor(config.DelayPreset{BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}, -1)
	assert.Equal(t, MinDelay, low.NextDelay())

	high, _ := newTestGovernor(config.DelayPreset{BaseDelay: 10 * time.Second, MaxDelay: 10 * time.Second}, 1)
	assert.Equal(t, 10*time.Second, high.NextDelay())
}

func TestGovernor_FailureBacksOffUpToMax(t *testing.T) {
	g, _ := newTestGovernor(config.DelayPreset{BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Second}, 0)

	g.Failure()
	assert.Equal(t, 3*time.Second, g.Stats().BaseDelay)
	g.Failure()
	assert.Equal(t, 4500*time.Millisecond, g.Stats().BaseDelay)
	g.Failure()
	assert.Equal(t, 5*time.Second, g.Stats().BaseDelay)
	assert.Equal(t, 5*time.Second, g.NextDelay())
}

func TestGovernor_WaitHonoursContext(t *testing.T) {
	g := NewGovernor(config.DelayPresets["normal"])
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, g.Wait(ctx), context.Canceled)
	assert.Equal(t, 0, g.Stats().RequestsInWindow, "cancelled waits are not counted")
}

func TestGovernor_ApplyPreset(t *testing.T) {
	g, _ := newTestGovernor(config.DelayPresets["normal"], 0)
	g.ApplyPreset(config.DelayPresets["cautious"])

	stats := g.Stats()
	assert.Equal(t, 3*time.Second, stats.BaseDelay)
	assert.Equal(t, 15*time.Second, stats.MaxDelay)
	assert.Equal(t, 50, stats.RequestsPerHour)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
