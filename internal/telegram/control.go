package telegram

import (
	"context"
	"sync/atomic"
	"time"
)

// ScanControl carries the stop and pause flags of one running operation.
// A nil *ScanControl is never stopped or paused.
type ScanControl struct {
	stopped atomic.Bool
	paused  atomic.Bool
}

func NewScanControl() *ScanControl { return &ScanControl{} }

func (c *ScanControl) Stop() {
	if c != nil {
		c.stopped.Store(true)
	}
}

func (c *ScanControl) Pause() {
	if c != nil {
		c.paused.Store(true)
	}
}

func (c *ScanControl) Resume() {
	if c != nil {
		c.paused.Store(false)
	}
}

func (c *ScanControl) IsStopped() bool { return c != nil && c.stopped.Load() }

func (c *ScanControl) IsPaused() bool { return c != nil && c.paused.Load() }

// Checkpoint returns ErrStopped once stopped and blocks while paused,
// polling every poll.
func (c *ScanControl) Checkpoint(ctx context.Context, poll time.Duration) error {
	for {
		if c.IsStopped() {
			return ErrStopped
		}
		if !c.IsPaused() {
			return ctx.Err()
		}
		if err := SleepContext(ctx, poll); err != nil {
			return err
		}
	}
}
