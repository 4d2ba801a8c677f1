package offset

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"relay/modules/broker/types"
)

// Tracker is the single source of truth for read cursors. Each cursor is keyed
// by a subscription (or group) identity; an unseen key reads as 0. Cursor
// values are atomics so commits and seeks on different keys never contend; the
// map mutex only guards the key set itself.
type Tracker struct {
	mu      sync.RWMutex
	cursors map[uuid.UUID]*uint64
}

func NewTracker() *Tracker {
	return &Tracker{
		cursors: make(map[uuid.UUID]*uint64),
	}
}

// Get returns the next-unread index for the given cursor, defaulting to 0 for
// a cursor that was never committed or seeked.
func (t *Tracker) Get(id uuid.UUID) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, ok := t.cursors[id]; ok {
		return atomic.LoadUint64(c)
	}
	return 0
}

// Commit advances the cursor by exactly one message and returns the new value.
func (t *Tracker) Commit(id uuid.UUID) uint64 {
	return atomic.AddUint64(t.ensure(id), 1)
}

// Seek moves the cursor to an arbitrary non-negative position. Seeking past
// the current end of the topic is permitted; it simply reads as zero unread
// until the topic grows.
func (t *Tracker) Seek(id uuid.UUID, n int64) error {
	if n < 0 {
		return types.NewInvalidOffsetError("offset must not be negative", n)
	}
	atomic.StoreUint64(t.ensure(id), uint64(n))
	return nil
}

// Reset rewinds the cursor to the start of the topic.
func (t *Tracker) Reset(id uuid.UUID) {
	atomic.StoreUint64(t.ensure(id), 0)
}

// Drop forgets the cursor entirely. A later Get sees 0 again.
func (t *Tracker) Drop(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cursors, id)
}

func (t *Tracker) ensure(id uuid.UUID) *uint64 {
	t.mu.RLock()
	c, ok := t.cursors[id]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.cursors[id]; !ok {
		c = new(uint64)
		t.cursors[id] = c
	}
	return c
}
