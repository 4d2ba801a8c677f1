package broker

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relay/modules/broker/types"
)

type EventKind string

const (
	EventTopicCreated         EventKind = "topic.created"
	EventTopicDeleted         EventKind = "topic.deleted"
	EventMessagePublished     EventKind = "message.published"
	EventMessageDelivered     EventKind = "message.delivered"
	EventDeliveryFailed       EventKind = "delivery.failed"
	EventSubscriptionCreated  EventKind = "subscription.created"
	EventSubscriptionRemoved  EventKind = "subscription.removed"
	EventConsumerStateChanged EventKind = "consumer.state_changed"
)

// Event is the core's notification contract with the presentation layer. The
// core itself prints nothing; a driver that wants narration drains Events().
type Event struct {
	Kind           EventKind
	TopicID        uuid.UUID
	SubscriptionID uuid.UUID
	ConsumerID     uuid.UUID
	MessageID      uuid.UUID
	Group          string
	SequenceIndex  uint64
	State          types.ConsumerState
	At             time.Time
}

// emit publishes an event without ever blocking broker operations. When the
// buffer is full, or the broker is already closed, the event is dropped.
func (b *Broker) emit(ev Event) {
	ev.At = time.Now()

	b.eventsMu.RLock()
	defer b.eventsMu.RUnlock()
	if b.eventsClosed {
		return
	}
	select {
	case b.events <- ev:
	default:
		b.log.Debug("Event dropped, buffer full", zap.String("kind", string(ev.Kind)))
	}
}
