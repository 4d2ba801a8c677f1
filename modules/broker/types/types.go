package types

import (
	"time"

	"github.com/google/uuid"
)

// Message is an immutable record appended to a topic. SequenceIndex is its
// zero-based position within the topic and is assigned exactly once at append
// time.
type Message struct {
	ID            uuid.UUID `json:"id"`
	TopicID       uuid.UUID `json:"topic_id"`
	ProducerID    uuid.UUID `json:"producer_id"`
	Payload       []byte    `json:"payload"`
	SequenceIndex uint64    `json:"sequence_index"`
	CreatedAt     time.Time `json:"created_at"`
}

// MessageHandler processes a delivered message. A nil return commits the
// message; a non-nil return leaves the cursor in place so the same message is
// redelivered on a later cycle.
type MessageHandler func(Message) error

type ConsumerState int32

const (
	ConsumerActive ConsumerState = iota
	ConsumerPaused
)

func (s ConsumerState) String() string {
	switch s {
	case ConsumerActive:
		return "active"
	case ConsumerPaused:
		return "paused"
	default:
		return "unknown"
	}
}
