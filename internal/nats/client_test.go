package nats

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamConfig(t *testing.T) {
	cfg := StreamConfig("GROUPSCAN")
	assert.Equal(t, "GROUPSCAN", cfg.Name)
	assert.Equal(t, []string{"groupscan.>"}, cfg.Subjects)
	assert.Equal(t, 7*24*time.Hour, cfg.MaxAge)
	assert.Positive(t, cfg.Duplicates)
}

func TestClient_Integration(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("Skipping integration test; set INTEGRATION_TEST=1 to run")
	}
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := New(ctx, url)
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, c.IsConnected())

	stream := "GROUPSCAN_TEST"
	require.NoError(t, c.EnsureStream(ctx, stream))

	subject := SubjectPrefix + "test.dedupe"
	msgID := "dedupe-" + time.Now().Format(time.RFC3339Nano)
	require.NoError(t, c.Publish(ctx, subject, msgID, map[string]string{"hello": "world"}))
	require.NoError(t, c.Publish(ctx, subject, msgID, map[string]string{"hello": "world"}))

	var mu sync.Mutex
	var got []string
	tailCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- c.Tail(tailCtx, stream, "test-"+msgID[7:17], subject, func(s string, _ []byte) error {
			mu.Lock()
			got = append(got, s)
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 5*time.Second, 50*time.Millisecond)
	stop()
	require.NoError(t, <-done)
}
