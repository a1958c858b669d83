package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/groupscan/internal/events"
	"github.com/blockedby/groupscan/internal/logger"
)

// MockNATSClient mocks the nats client operations we need
type MockNATSClient struct {
	mu       sync.Mutex
	subjects []string
	ids      []string
	failures int // first N publishes fail
	err      error
}

func (m *MockNATSClient) Publish(_ context.Context, subject, msgID string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, subject)
	m.ids = append(m.ids, msgID)
	if m.failures > 0 {
		m.failures--
		return errors.New("nats unavailable")
	}
	return m.err
}

func (m *MockNATSClient) Subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subjects...)
}

func newTestPublisher(m *MockNATSClient) *NATSPublisher {
	p := NewNATSPublisher(m, logger.Nop())
	p.interval = time.Millisecond
	return p
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "groupscan.scan.completed", Subject(events.Event{Type: events.TypeScanCompleted}))
}

func TestMsgID(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	id := uuid.New()

	a := MsgID(events.Event{Type: events.TypeScanCompleted, Group: "@golang", Time: at})
	b := MsgID(events.Event{Type: events.TypeScanCompleted, Group: "@golang", Time: at})
	assert.Equal(t, a, b)

	c := MsgID(events.Event{Type: events.TypeScanCompleted, Group: "@golang", JobID: &id, Time: at})
	assert.NotEqual(t, a, c)
	assert.Contains(t, c, id.String())
}

func TestNATSPublisher_RetriesWithSameID(t *testing.T) {
	m := &MockNATSClient{failures: 2}
	p := newTestPublisher(m)

	e := events.Event{Type: events.TypeJobFinished, Time: time.Now()}
	require.NoError(t, p.forward(context.Background(), e))

	assert.Len(t, m.Subjects(), 3)
	assert.Equal(t, m.ids[0], m.ids[2], "a retried event keeps its message id")
}

func TestNATSPublisher_GivesUp(t *testing.T) {
	m := &MockNATSClient{err: errors.New("nats down")}
	p := newTestPublisher(m)

	err := p.forward(context.Background(), events.Event{Type: events.TypeScanFailed})
	assert.Error(t, err)
	assert.Len(t, m.Subjects(), 4, "one attempt plus three retries")
}

func TestNATSPublisher_Run(t *testing.T) {
	for _, publishErr := range []error{nil, errors.New("nats down")} {
		mock := &MockNATSClient{err: publishErr}
		pub := newTestPublisher(mock)
		bus := events.NewBus()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			pub.Run(ctx, bus)
			close(done)
		}()

		// Publish until the subscription is live.
		assert.Eventually(t, func() bool {
			bus.Publish(events.Event{Type: events.TypeScanStarted})
			return len(mock.Subjects()) > 0
		}, time.Second, 5*time.Millisecond)

		assert.Equal(t, "groupscan.scan.started", mock.Subjects()[0])

		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}
