package queue

import (
	"sync"

	"relay/modules/broker/types"
)

// Queue is the append-only message sequence backing a single topic. Appends
// are serialized so every message gets a unique, gapless sequence index; reads
// never block appends for long since entries are immutable once stored.
type Queue struct {
	mu      sync.RWMutex
	entries []types.Message
}

func New() *Queue {
	return &Queue{}
}

// Append stores the message at the tail, stamping its sequence index with the
// current length. Returns the assigned index.
func (q *Queue) Append(msg types.Message) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg.SequenceIndex = uint64(len(q.entries))
	q.entries = append(q.entries, msg)
	return msg.SequenceIndex
}

// Get retrieves the message at a specific sequence index.
func (q *Queue) Get(index uint64) (types.Message, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if index >= uint64(len(q.entries)) {
		return types.Message{}, false
	}
	return q.entries[index], true
}

// From returns up to limit messages starting at the given sequence index, in
// ascending order. A start at or past the tail yields an empty batch.
func (q *Queue) From(start uint64, limit int) []types.Message {
	q.mu.RLock()
	defer q.mu.RUnlock()

	length := uint64(len(q.entries))
	if start >= length || limit <= 0 {
		return nil
	}
	end := start + uint64(limit)
	if end > length {
		end = length
	}
	batch := make([]types.Message, end-start)
	copy(batch, q.entries[start:end])
	return batch
}

// Length returns the number of messages appended so far.
func (q *Queue) Length() uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return uint64(len(q.entries))
}

// IsEmpty checks if the queue holds no messages.
func (q *Queue) IsEmpty() bool {
	return q.Length() == 0
}
