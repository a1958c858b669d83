// Package events is the in-process event bus. Scans, searches and jobs
// publish here; the websocket hub and the NATS publisher subscribe.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/groupscan/internal/models"
)

// Event types.
const (
	TypeScanStarted     = "scan.started"
	TypeScanCompleted   = "scan.completed"
	TypeScanFailed      = "scan.failed"
	TypeSearchCompleted = "search.completed"
	TypeGroupJoined     = "group.joined"
	TypeGroupLeft       = "group.left"
	TypeJobStarted      = "job.started"
	TypeJobPaused       = "job.paused"
	TypeJobResumed      = "job.resumed"
	TypeJobFinished     = "job.finished"
	TypeRetention       = "retention.cleaned"
)

// Event is one notification.
type Event struct {
	Type     string          `json:"type"`
	JobID    *uuid.UUID      `json:"job_id,omitempty"`
	Group    string          `json:"group,omitempty"`
	Executor models.Executor `json:"executor,omitempty"`
	Count    int             `json:"count,omitempty"`
	Complete bool            `json:"complete,omitempty"`
	Error    string          `json:"error,omitempty"`
	Time     time.Time       `json:"time"`
}

// Publisher is implemented by *Bus.
type Publisher interface {
	Publish(e Event)
}

// Predicate selects events for a subscriber. A nil predicate matches all.
type Predicate func(Event) bool

// OfType matches any of the given types.
func OfType(types ...string) Predicate {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

const subscriberBuffer = 64

type subscriber struct {
	ch    chan Event
	match Predicate
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	now    func() time.Time
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{}), now: time.Now}
}

// Subscribe returns a channel of matching events. The channel is closed when
// ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, match Predicate) <-chan Event {
	s := &subscriber{ch: make(chan Event, subscriberBuffer), match: match}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(s)
	}()
	return s.ch
}

func (b *Bus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Publish stamps and delivers e.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.match != nil && !s.match(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
	b.closed = true
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
