package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "id:-100123", IDKey(-100123))
	assert.Equal(t, "u:golang", UsernameKey("@GoLang"))
	assert.Equal(t, UsernameKey("golang"), UsernameKey("@golang"))
}

func TestMemory_NamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "bot", IDKey(1), Peer{ID: 1, AccessHash: 10}))
	require.NoError(t, m.Set(ctx, "account", IDKey(1), Peer{ID: 1, AccessHash: 20}))

	p, ok, err := m.Get(ctx, "bot", IDKey(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), p.AccessHash)

	p, ok, err = m.Get(ctx, "account", IDKey(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(20), p.AccessHash)

	_, ok, err = m.Get(ctx, "account", IDKey(2))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, m.Len())
}

func TestRedis_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	r, err := NewRedis(ctx, RedisOptions{Addr: addr, TTL: time.Minute})
	require.NoError(t, err)
	defer r.Close()

	ns := "test-" + time.Now().Format("150405.000000")
	_, ok, err := r.Get(ctx, ns, UsernameKey("nobody"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, ns, UsernameKey("golang"), Peer{ID: 42, AccessHash: 7}))
	p, ok, err := r.Get(ctx, ns, UsernameKey("golang"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Peer{ID: 42, AccessHash: 7}, p)
}
