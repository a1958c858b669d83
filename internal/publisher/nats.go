// Package publisher forwards bus events to NATS.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/blockedby/groupscan/internal/events"
	"github.com/blockedby/groupscan/internal/logger"
	"github.com/blockedby/groupscan/internal/nats"
)

// NATSClient interface to allow mocking
type NATSClient interface {
	Publish(ctx context.Context, subject, msgID string, data any) error
}

// NATSPublisher relays every bus event to groupscan.<event type>.
type NATSPublisher struct {
	js       NATSClient
	log      *logger.Logger
	retries  uint64
	interval time.Duration
}

// NewNATSPublisher creates a new publisher
func NewNATSPublisher(js NATSClient, log *logger.Logger) *NATSPublisher {
	if log == nil {
		log = logger.Get()
	}
	return &NATSPublisher{
		js:       js,
		log:      log.Component("publisher"),
		retries:  3,
		interval: 200 * time.Millisecond,
	}
}

// Subject returns the subject an event is published to.
func Subject(e events.Event) string {
	return nats.SubjectPrefix + e.Type
}

// MsgID identifies an event for JetStream deduplication. Retries of the
// same event share it.
func MsgID(e events.Event) string {
	job := "-"
	if e.JobID != nil {
		job = e.JobID.String()
	}
	return fmt.Sprintf("%s/%s/%s/%d", e.Type, job, e.Group, e.Time.UnixNano())
}

// Run forwards events from the bus until ctx is done.
func (p *NATSPublisher) Run(ctx context.Context, bus *events.Bus) {
	for e := range bus.Subscribe(ctx, nil) {
		if err := p.forward(ctx, e); err != nil {
			p.log.Warn().Err(err).Str("type", e.Type).Msg("publisher: failed to forward event")
		}
	}
}

func (p *NATSPublisher) forward(ctx context.Context, e events.Event) error {
	subject, id := Subject(e), MsgID(e)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.interval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.retries), ctx)

	return backoff.Retry(func() error {
		return p.js.Publish(ctx, subject, id, e)
	}, policy)
}
