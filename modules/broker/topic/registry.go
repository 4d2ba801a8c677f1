package topic

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relay/modules/broker/queue"
	"relay/modules/broker/types"
)

// Topic is a named, independently-ordered message stream. Identity is fixed
// at creation; the backing queue only ever grows.
type Topic struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	queue     *queue.Queue
}

// Length returns the number of messages published to the topic so far.
func (t *Topic) Length() uint64 {
	return t.queue.Length()
}

// Messages returns up to limit messages starting at the given sequence index.
func (t *Topic) Messages(from uint64, limit int) []types.Message {
	return t.queue.From(from, limit)
}

// Message retrieves a single message by sequence index.
func (t *Topic) Message(index uint64) (types.Message, bool) {
	return t.queue.Get(index)
}

// Registry creates, looks up and deletes topics, and owns each topic's queue.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Topic
	byName map[string]uuid.UUID
	log    *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		byID:   make(map[uuid.UUID]*Topic),
		byName: make(map[string]uuid.UUID),
		log:    log,
	}
}

// Create allocates a topic with a fresh identity and an empty queue. Names
// are unique within the registry.
func (r *Registry) Create(name string) (*Topic, error) {
	if name == "" {
		return nil, types.NewInvalidArgumentError("topic name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byName[name]; taken {
		return nil, types.NewAlreadyExistsError(fmt.Sprintf("topic %q already exists", name))
	}

	t := &Topic{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now(),
		queue:     queue.New(),
	}
	r.byID[t.ID] = t
	r.byName[name] = t.ID

	r.log.Info("Topic created", zap.String("topic", name), zap.String("topic_id", t.ID.String()))
	return t, nil
}

func (r *Registry) Get(id uuid.UUID) (*Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byID[id]
	if !ok {
		return nil, types.NewNotFoundError(fmt.Sprintf("topic %s not found", id), nil)
	}
	return t, nil
}

func (r *Registry) GetByName(name string) (*Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return nil, types.NewNotFoundError(fmt.Sprintf("topic %q not found", name), nil)
	}
	return r.byID[id], nil
}

// Exists reports whether a topic with the given identity is registered.
func (r *Registry) Exists(id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// Delete removes the topic and its queue. Subscriptions pointing at the topic
// become dangling; the dispatcher skips them.
func (r *Registry) Delete(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	delete(r.byName, t.Name)

	r.log.Info("Topic deleted", zap.String("topic", t.Name), zap.String("topic_id", id.String()))
	return true
}

// Append builds a message from the payload and appends it to the topic's
// queue. The queue assigns the sequence index; two concurrent appends can
// never share one.
func (r *Registry) Append(topicID, producerID uuid.UUID, payload []byte) (types.Message, error) {
	t, err := r.Get(topicID)
	if err != nil {
		return types.Message{}, err
	}

	msg := types.Message{
		ID:         uuid.New(),
		TopicID:    topicID,
		ProducerID: producerID,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
	msg.SequenceIndex = t.queue.Append(msg)

	r.log.Debug("Message appended",
		zap.String("topic", t.Name),
		zap.String("message_id", msg.ID.String()),
		zap.Uint64("sequence_index", msg.SequenceIndex))
	return msg, nil
}
