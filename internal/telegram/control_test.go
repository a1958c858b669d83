package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScanControl_NilIsInert(t *testing.T) {
	var c *ScanControl

	assert.NotPanics(t, func() {
		c.Stop()
		c.Pause()
		c.Resume()
	})
	assert.False(t, c.IsStopped())
	assert.False(t, c.IsPaused())
	assert.NoError(t, c.Checkpoint(context.Background(), time.Millisecond))
}

func TestScanControl_Stop(t *testing.T) {
	c := NewScanControl()
	assert.NoError(t, c.Checkpoint(context.Background(), time.Millisecond))

	c.Stop()
	assert.ErrorIs(t, c.Checkpoint(context.Background(), time.Millisecond), ErrStopped)
}

func TestScanControl_PauseBlocksUntilResume(t *testing.T) {
	c := NewScanControl()
	c.Pause()

	done := make(chan error, 1)
	go func() { done <- c.Checkpoint(context.Background(), time.Millisecond) }()

	select {
	case <-done:
		t.Fatal("checkpoint returned while paused")
	case <-time.After(20 * time.Millisecond):
	}

	c.Resume()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not return after resume")
	}
}

func TestScanControl_StopWhilePaused(t *testing.T) {
	c := NewScanControl()
	c.Pause()

	done := make(chan error, 1)
	go func() { done <- c.Checkpoint(context.Background(), time.Millisecond) }()

	c.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not observe stop")
	}
}

func TestScanControl_PausedHonoursContext(t *testing.T) {
	c := NewScanControl()
	c.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.Checkpoint(ctx, time.Millisecond), context.DeadlineExceeded)
}
