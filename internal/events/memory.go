package events

import (
	"context"
	"sync"
	"time"
)

var _ Transport = (*MemoryTransport)(nil)

// MemoryTransport records broadcasts and snapshots in memory for tests and
// deterministic execution.
type MemoryTransport struct {
	mu         sync.Mutex
	broadcasts map[string][]string
	last       map[string]string
	lastTTL    map[string]time.Duration
}

// NewMemoryTransport creates an empty MemoryTransport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		broadcasts: make(map[string][]string),
		last:       make(map[string]string),
		lastTTL:    make(map[string]time.Duration),
	}
}

// Broadcast appends the payload to the channel's history.
func (t *MemoryTransport) Broadcast(_ context.Context, channel, payload string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcasts[channel] = append(t.broadcasts[channel], payload)
	return nil
}

// StoreLast overwrites the snapshot for key.
func (t *MemoryTransport) StoreLast(_ context.Context, key, payload string, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[key] = payload
	t.lastTTL[key] = ttl
	return nil
}

// Broadcasts returns all payloads published to the channel, in order.
func (t *MemoryTransport) Broadcasts(channel string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.broadcasts[channel]))
	copy(out, t.broadcasts[channel])
	return out
}

// Last returns the current snapshot payload and its TTL for key.
func (t *MemoryTransport) Last(key string) (string, time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	payload, ok := t.last[key]
	return payload, t.lastTTL[key], ok
}
