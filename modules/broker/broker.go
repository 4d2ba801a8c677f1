package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relay/modules/broker/offset"
	"relay/modules/broker/subscription"
	"relay/modules/broker/topic"
	"relay/modules/broker/types"
	"relay/modules/utils"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultEventBuffer  = 256
	defaultBatchLimit   = 256
)

// Broker is an explicitly constructed pub/sub context. It owns the topic and
// subscription registries, the offset tracker and the dispatch loop; multiple
// independent brokers can coexist in one process.
type Broker struct {
	log     *zap.Logger
	topics  *topic.Registry
	offsets *offset.Tracker
	subs    *subscription.Registry

	mu        sync.RWMutex
	consumers map[uuid.UUID]*Consumer

	eventsMu     sync.RWMutex
	eventsClosed bool
	events       chan Event
	dispatcher   *dispatcher

	pollInterval time.Duration
	eventBuffer  int
	batchLimit   int

	closeOnce sync.Once
}

// Option configures a Broker at construction time.
type Option func(*Broker)

func WithLogger(log *zap.Logger) Option {
	return func(b *Broker) {
		b.log = log
	}
}

// WithPollInterval sets the idle sleep between dispatch cycles.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithEventBuffer sets the capacity of the event stream. Events beyond the
// buffer are dropped rather than blocking broker operations.
func WithEventBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.eventBuffer = n
		}
	}
}

// WithBatchLimit caps how many messages one unit may receive per cycle.
func WithBatchLimit(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.batchLimit = n
		}
	}
}

func New(opts ...Option) *Broker {
	b := &Broker{
		log:          zap.NewNop(),
		consumers:    make(map[uuid.UUID]*Consumer),
		pollInterval: defaultPollInterval,
		eventBuffer:  defaultEventBuffer,
		batchLimit:   defaultBatchLimit,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.topics = topic.NewRegistry(b.log)
	b.offsets = offset.NewTracker()
	b.subs = subscription.NewRegistry(b.topics, b.offsets, b.log)
	b.events = make(chan Event, b.eventBuffer)
	b.dispatcher = newDispatcher(
		b.topics, b.subs, b.offsets,
		b.consumerByID, b.emit,
		b.pollInterval, b.batchLimit, b.log,
	)
	return b
}

// CreateTopic registers a new topic. Names are unique per broker.
func (b *Broker) CreateTopic(name string) (*topic.Topic, error) {
	t, err := b.topics.Create(name)
	if err != nil {
		return nil, err
	}
	b.emit(Event{Kind: EventTopicCreated, TopicID: t.ID})
	return t, nil
}

func (b *Broker) GetTopic(id uuid.UUID) (*topic.Topic, error) {
	return b.topics.Get(id)
}

func (b *Broker) GetTopicByName(name string) (*topic.Topic, error) {
	return b.topics.GetByName(name)
}

// DeleteTopic removes the topic and its queue. Subscriptions left pointing at
// it go dangling and are skipped by the dispatcher.
func (b *Broker) DeleteTopic(id uuid.UUID) bool {
	ok := b.topics.Delete(id)
	if ok {
		b.emit(Event{Kind: EventTopicDeleted, TopicID: id})
	}
	return ok
}

// NewProducer creates a producer bound to this broker.
func (b *Broker) NewProducer() *Producer {
	return &Producer{
		ID:     uuid.New(),
		broker: b,
	}
}

// NewConsumer registers a consumer with the injected processing capability.
// Consumers start ACTIVE.
func (b *Broker) NewConsumer(handler types.MessageHandler) *Consumer {
	c := newConsumer(handler)
	b.mu.Lock()
	b.consumers[c.ID] = c
	b.mu.Unlock()
	return c
}

// Subscribe binds the consumer to the topic, optionally inside a named group.
func (b *Broker) Subscribe(consumerID, topicID uuid.UUID, groupName string) (*subscription.Subscription, error) {
	if consumerID == uuid.Nil {
		return nil, types.NewInvalidArgumentError("consumer id must not be empty")
	}
	if b.consumerByID(consumerID) == nil {
		return nil, types.NewNotFoundError(fmt.Sprintf("consumer %s not found", consumerID), nil)
	}
	sub, err := b.subs.Subscribe(consumerID, topicID, groupName)
	if err != nil {
		return nil, err
	}
	b.emit(Event{
		Kind:           EventSubscriptionCreated,
		TopicID:        topicID,
		SubscriptionID: sub.ID,
		ConsumerID:     consumerID,
		Group:          groupName,
	})
	return sub, nil
}

// Unsubscribe removes the binding and its cursor. A consumer left with no
// bindings is no longer tracked by the broker. Unknown ids return false.
func (b *Broker) Unsubscribe(subscriptionID uuid.UUID) bool {
	sub, known := b.subs.Get(subscriptionID)
	if !known {
		return false
	}
	consumerID := sub.ConsumerID

	if !b.subs.Unsubscribe(subscriptionID) {
		return false
	}
	if !b.subs.HasSubscriptions(consumerID) {
		b.mu.Lock()
		delete(b.consumers, consumerID)
		b.mu.Unlock()
	}
	b.emit(Event{
		Kind:           EventSubscriptionRemoved,
		TopicID:        sub.TopicID,
		SubscriptionID: subscriptionID,
		ConsumerID:     consumerID,
		Group:          sub.Group,
	})
	return true
}

// SubscriptionsForConsumer lists the consumer's current bindings.
func (b *Broker) SubscriptionsForConsumer(consumerID uuid.UUID) []*subscription.Subscription {
	return b.subs.ForConsumer(consumerID)
}

// SubscriptionsForTopic lists the topic's current bindings.
func (b *Broker) SubscriptionsForTopic(topicID uuid.UUID) []*subscription.Subscription {
	return b.subs.ForTopic(topicID)
}

// GetOffset reports the next-unread index for the subscription's cursor. An
// unseen or removed subscription reads as 0.
func (b *Broker) GetOffset(subscriptionID uuid.UUID) uint64 {
	if cursor, ok := b.subs.CursorFor(subscriptionID); ok {
		return b.offsets.Get(cursor)
	}
	return b.offsets.Get(subscriptionID)
}

// SeekToOffset moves the cursor to an arbitrary non-negative position.
// Seeking past the end of the topic is allowed and reads as zero unread until
// the topic grows.
func (b *Broker) SeekToOffset(subscriptionID uuid.UUID, n int64) error {
	cursor := subscriptionID
	if resolved, ok := b.subs.CursorFor(subscriptionID); ok {
		cursor = resolved
	}
	return b.offsets.Seek(cursor, n)
}

// ResetOffset rewinds the cursor to the start of the topic.
func (b *Broker) ResetOffset(subscriptionID uuid.UUID) {
	cursor := subscriptionID
	if resolved, ok := b.subs.CursorFor(subscriptionID); ok {
		cursor = resolved
	}
	b.offsets.Reset(cursor)
}

// Lag reports how many messages the subscription has yet to read.
func (b *Broker) Lag(subscriptionID uuid.UUID) uint64 {
	sub, ok := b.subs.Get(subscriptionID)
	if !ok {
		return 0
	}
	t, err := b.topics.Get(sub.TopicID)
	if err != nil {
		return 0
	}
	off := b.GetOffset(subscriptionID)
	length := t.Length()
	if off >= length {
		return 0
	}
	return length - off
}

// SetConsumerState transitions a consumer between ACTIVE and PAUSED. The
// dispatcher observes the flag on its next cycle; nothing is enforced
// mid-delivery.
func (b *Broker) SetConsumerState(consumerID uuid.UUID, state types.ConsumerState) error {
	c := b.consumerByID(consumerID)
	if c == nil {
		return types.NewNotFoundError(fmt.Sprintf("consumer %s not found", consumerID), nil)
	}
	c.setState(state)
	b.log.Info("Consumer state changed",
		zap.String("consumer_id", consumerID.String()),
		zap.String("state", state.String()))
	b.emit(Event{Kind: EventConsumerStateChanged, ConsumerID: consumerID, State: state})
	return nil
}

// StartDispatch launches the continuous poll loop.
func (b *Broker) StartDispatch() error {
	return b.dispatcher.start()
}

// StopDispatch halts the loop after the current delivery completes.
func (b *Broker) StopDispatch() error {
	return b.dispatcher.stop()
}

// RunCycle executes one deterministic dispatch sweep. Intended for tests and
// drivers that want manual control instead of the continuous loop.
func (b *Broker) RunCycle() {
	b.dispatcher.RunCycle()
}

// Events exposes the broker's notification stream.
func (b *Broker) Events() <-chan Event {
	return b.events
}

// Close stops the dispatch loop and closes the event stream.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		utils.HandleAndLog(b.dispatcher.stop, b.log)
		b.eventsMu.Lock()
		b.eventsClosed = true
		close(b.events)
		b.eventsMu.Unlock()
		b.log.Info("Broker closed")
	})
}

// publish appends on behalf of a producer and emits the published event once
// the message is in the queue. A rejected publish appends nothing.
func (b *Broker) publish(producerID, topicID uuid.UUID, payload []byte) (types.Message, error) {
	msg, err := b.topics.Append(topicID, producerID, payload)
	if err != nil {
		return types.Message{}, err
	}
	b.emit(Event{
		Kind:          EventMessagePublished,
		TopicID:       topicID,
		MessageID:     msg.ID,
		SequenceIndex: msg.SequenceIndex,
	})
	return msg, nil
}

func (b *Broker) consumerByID(id uuid.UUID) *Consumer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.consumers[id]
}
