package store

import (
	"sync"

	"github.com/yourorg/reqsniffer/pkg/types"
)

// DefaultCapacity is the number of exchanges kept when no capacity is configured.
const DefaultCapacity = 100

// CaptureStore is a bounded in-memory log of captured exchanges, newest first.
// Appends overwrite the oldest slot once full, so insertion is O(1).
type CaptureStore struct {
	mu       sync.RWMutex
	entries  []types.CapturedExchange
	capacity int
	head     int // index of the next write
	size     int
}

// NewCaptureStore creates a store holding at most capacity exchanges.
func NewCaptureStore(capacity int) *CaptureStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &CaptureStore{
		entries:  make([]types.CapturedExchange, capacity),
		capacity: capacity,
	}
}

// Append inserts e as the newest exchange, evicting the oldest one beyond capacity.
func (c *CaptureStore) Append(e types.CapturedExchange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.head] = e
	c.head = (c.head + 1) % c.capacity
	if c.size < c.capacity {
		c.size++
	}
}

// List returns a snapshot, newest first.
func (c *CaptureStore) List() []types.CapturedExchange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.CapturedExchange, 0, c.size)
	for i := 1; i <= c.size; i++ {
		idx := (c.head - i + c.capacity) % c.capacity
		out = append(out, c.entries[idx])
	}
	return out
}

// Clear empties the store.
func (c *CaptureStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.head = 0
	c.size = 0
}

// Len returns the number of held exchanges.
func (c *CaptureStore) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// Cap returns the store's capacity.
func (c *CaptureStore) Cap() int {
	return c.capacity
}
