// Package cache stores resolved peers so sessions can address a channel by id
// without resolving its username again.
package cache

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

// Peer is what a session needs to address a channel.
type Peer struct {
	ID         int64 `json:"id"`
	AccessHash int64 `json:"access_hash"`
}

// PeerCache maps identifiers to peers within a namespace. Access hashes are
// per credential, so each session uses its own namespace.
type PeerCache interface {
	Get(ctx context.Context, ns, key string) (Peer, bool, error)
	Set(ctx context.Context, ns, key string, p Peer) error
}

// IDKey is the cache key for a numeric id.
func IDKey(id int64) string { return "id:" + strconv.FormatInt(id, 10) }

// UsernameKey is the cache key for a username. Usernames are case-insensitive.
func UsernameKey(username string) string {
	return "u:" + strings.ToLower(strings.TrimPrefix(username, "@"))
}

// Memory is a process-local PeerCache.
type Memory struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

func NewMemory() *Memory {
	return &Memory{peers: make(map[string]Peer)}
}

func (m *Memory) Get(_ context.Context, ns, key string) (Peer, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[ns+"/"+key]
	return p, ok, nil
}

func (m *Memory) Set(_ context.Context, ns, key string, p Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[ns+"/"+key] = p
	return nil
}

// Len returns the number of cached entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}
