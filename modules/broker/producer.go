package broker

import (
	"github.com/google/uuid"

	"relay/modules/broker/types"
)

// Producer appends messages to topics through its broker. Producing is a pure
// append and never blocks on consumer progress.
type Producer struct {
	ID     uuid.UUID
	broker *Broker
}

// Publish appends the payload to the topic's queue and returns the stored
// message, including its assigned sequence index.
func (p *Producer) Publish(topicID uuid.UUID, payload []byte) (types.Message, error) {
	return p.broker.publish(p.ID, topicID, payload)
}
