package broker

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"relay/modules/broker/types"
)

// errConsumerPaused marks a delivery attempt that found the consumer paused.
// The message is not considered delivered and stays pending.
var errConsumerPaused = fmt.Errorf("consumer is paused")

// Consumer is an entity with an identity, an ACTIVE/PAUSED lifecycle flag and
// an injected processing capability. Message arrival never changes its state;
// only SetConsumerState does.
type Consumer struct {
	ID      uuid.UUID
	state   atomic.Int32
	handler types.MessageHandler
}

func newConsumer(handler types.MessageHandler) *Consumer {
	c := &Consumer{
		ID:      uuid.New(),
		handler: handler,
	}
	c.state.Store(int32(types.ConsumerActive))
	return c
}

func (c *Consumer) State() types.ConsumerState {
	return types.ConsumerState(c.state.Load())
}

func (c *Consumer) setState(s types.ConsumerState) {
	c.state.Store(int32(s))
}

// consume runs the injected handler against the message. A paused consumer
// declines the delivery; a panicking handler is treated as a processing
// failure so the dispatch loop survives and retries.
func (c *Consumer) consume(msg types.Message) (err error) {
	if c.State() == types.ConsumerPaused {
		return errConsumerPaused
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	if c.handler == nil {
		return nil
	}
	return c.handler(msg)
}
