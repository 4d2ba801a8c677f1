package subscription

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relay/modules/broker/offset"
	"relay/modules/broker/types"
)

// Subscription binds one consumer to one topic, optionally scoped to a named
// group for load-balanced delivery. Its lifetime is independent of the
// consumer's state.
type Subscription struct {
	ID         uuid.UUID
	ConsumerID uuid.UUID
	TopicID    uuid.UUID
	Group      string
	CreatedAt  time.Time
}

// Unit is one dispatchable target: a direct subscription, or a whole consumer
// group sharing a single cursor. CursorID keys the offset tracker.
type Unit struct {
	CursorID   uuid.UUID
	TopicID    uuid.UUID
	ConsumerID uuid.UUID // direct delivery only, uuid.Nil for a group
	Group      string    // empty for direct delivery
}

type groupKey struct {
	topicID uuid.UUID
	name    string
}

// group tracks membership and the round-robin rotation for one (topic, name)
// pair. members keeps join order so rotation is deterministic. pending pins a
// failed delivery to the member that owes the retry.
type group struct {
	name     string
	topicID  uuid.UUID
	cursorID uuid.UUID
	members  []uuid.UUID
	next     int
	pending  uuid.UUID
}

func (g *group) memberIndex(id uuid.UUID) int {
	for i, m := range g.members {
		if m == id {
			return i
		}
	}
	return -1
}

// TopicLookup answers whether a topic identity is currently registered.
// Implemented by topic.Registry.
type TopicLookup interface {
	Exists(id uuid.UUID) bool
}

// Registry owns subscriptions and consumer groups. Offsets live in the
// tracker only; the registry drops cursor entries when bindings go away but
// never caches cursor values itself.
type Registry struct {
	mu         sync.RWMutex
	subs       map[uuid.UUID]*Subscription
	byTopic    map[uuid.UUID]map[uuid.UUID]*Subscription
	byConsumer map[uuid.UUID]map[uuid.UUID]*Subscription
	groups     map[groupKey]*group
	topics     TopicLookup
	offsets    *offset.Tracker
	log        *zap.Logger
}

func NewRegistry(topics TopicLookup, offsets *offset.Tracker, log *zap.Logger) *Registry {
	return &Registry{
		subs:       make(map[uuid.UUID]*Subscription),
		byTopic:    make(map[uuid.UUID]map[uuid.UUID]*Subscription),
		byConsumer: make(map[uuid.UUID]map[uuid.UUID]*Subscription),
		groups:     make(map[groupKey]*group),
		topics:     topics,
		offsets:    offsets,
		log:        log,
	}
}

// Subscribe binds the consumer to the topic. A non-empty groupName joins (or
// creates) the named group for that topic, switching delivery from broadcast
// to load-balanced.
func (r *Registry) Subscribe(consumerID, topicID uuid.UUID, groupName string) (*Subscription, error) {
	if consumerID == uuid.Nil {
		return nil, types.NewInvalidArgumentError("consumer id must not be empty")
	}
	if !r.topics.Exists(topicID) {
		return nil, types.NewNotFoundError(fmt.Sprintf("topic %s not found", topicID), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &Subscription{
		ID:         uuid.New(),
		ConsumerID: consumerID,
		TopicID:    topicID,
		Group:      groupName,
		CreatedAt:  time.Now(),
	}
	r.subs[sub.ID] = sub
	r.index(r.byTopic, topicID, sub)
	r.index(r.byConsumer, consumerID, sub)

	if groupName != "" {
		key := groupKey{topicID: topicID, name: groupName}
		g, ok := r.groups[key]
		if !ok {
			g = &group{
				name:     groupName,
				topicID:  topicID,
				cursorID: uuid.New(),
			}
			r.groups[key] = g
		}
		if g.memberIndex(consumerID) < 0 {
			g.members = append(g.members, consumerID)
		}
	}

	r.log.Info("Subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("consumer_id", consumerID.String()),
		zap.String("topic_id", topicID.String()),
		zap.String("group", groupName))
	return sub, nil
}

// Unsubscribe removes the binding, prunes group membership, and tells the
// offset tracker to drop the cursor. Unknown ids return false.
func (r *Registry) Unsubscribe(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	delete(r.subs, id)
	r.unindex(r.byTopic, sub.TopicID, id)
	r.unindex(r.byConsumer, sub.ConsumerID, id)

	if sub.Group == "" {
		r.offsets.Drop(id)
	} else {
		r.leaveGroup(sub)
	}

	r.log.Info("Subscription removed", zap.String("subscription_id", id.String()))
	return true
}

func (r *Registry) leaveGroup(sub *Subscription) {
	key := groupKey{topicID: sub.TopicID, name: sub.Group}
	g, ok := r.groups[key]
	if !ok {
		return
	}

	// Another subscription for the same consumer may still hold membership.
	for _, other := range r.byTopic[sub.TopicID] {
		if other.ConsumerID == sub.ConsumerID && other.Group == sub.Group {
			return
		}
	}

	idx := g.memberIndex(sub.ConsumerID)
	if idx >= 0 {
		g.members = append(g.members[:idx], g.members[idx+1:]...)
		if idx < g.next {
			g.next--
		}
		if len(g.members) > 0 {
			g.next %= len(g.members)
		} else {
			g.next = 0
		}
	}
	if g.pending == sub.ConsumerID {
		g.pending = uuid.Nil
	}
	if len(g.members) == 0 {
		delete(r.groups, key)
		r.offsets.Drop(g.cursorID)
		r.log.Info("Consumer group deleted",
			zap.String("group", g.name),
			zap.String("topic_id", g.topicID.String()))
	}
}

func (r *Registry) Get(id uuid.UUID) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	return sub, ok
}

// CursorFor resolves the offset key a subscription reads through: its own id
// for direct delivery, the shared group cursor otherwise.
func (r *Registry) CursorFor(id uuid.UUID) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok {
		return uuid.Nil, false
	}
	if sub.Group == "" {
		return sub.ID, true
	}
	g, ok := r.groups[groupKey{topicID: sub.TopicID, name: sub.Group}]
	if !ok {
		return uuid.Nil, false
	}
	return g.cursorID, true
}

func (r *Registry) ForConsumer(consumerID uuid.UUID) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byConsumer[consumerID])
}

func (r *Registry) ForTopic(topicID uuid.UUID) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byTopic[topicID])
}

// HasSubscriptions reports whether the consumer still holds any binding.
func (r *Registry) HasSubscriptions(consumerID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConsumer[consumerID]) > 0
}

// Units snapshots the current dispatch targets: one per direct subscription
// plus one per consumer group.
func (r *Registry) Units() []Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	units := make([]Unit, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.Group != "" {
			continue
		}
		units = append(units, Unit{
			CursorID:   sub.ID,
			TopicID:    sub.TopicID,
			ConsumerID: sub.ConsumerID,
		})
	}
	for _, g := range r.groups {
		units = append(units, Unit{
			CursorID: g.cursorID,
			TopicID:  g.topicID,
			Group:    g.name,
		})
	}
	return units
}

// NextGroupMember picks the member that should receive the next message,
// advancing the rotation atomically with the selection. A member owed a retry
// is re-selected without advancing the rotation until the retry resolves;
// members rejected by eligible (paused or gone) are skipped without losing
// their slot in future rotations.
func (r *Registry) NextGroupMember(topicID uuid.UUID, groupName string, eligible func(uuid.UUID) bool) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupKey{topicID: topicID, name: groupName}]
	if !ok || len(g.members) == 0 {
		return uuid.Nil, false
	}

	if g.pending != uuid.Nil {
		if g.memberIndex(g.pending) < 0 {
			g.pending = uuid.Nil
		} else if eligible(g.pending) {
			return g.pending, true
		}
		// The owing member is paused; let another member take the retry.
	}

	for i := 0; i < len(g.members); i++ {
		idx := (g.next + i) % len(g.members)
		m := g.members[idx]
		if eligible(m) {
			g.next = (idx + 1) % len(g.members)
			return m, true
		}
	}
	return uuid.Nil, false
}

// MarkRetry pins the in-flight message to the member that failed it.
func (r *Registry) MarkRetry(topicID uuid.UUID, groupName string, member uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[groupKey{topicID: topicID, name: groupName}]; ok {
		g.pending = member
	}
}

// ClearRetry releases the pin once the pending message has been committed,
// whichever member ended up resolving it.
func (r *Registry) ClearRetry(topicID uuid.UUID, groupName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[groupKey{topicID: topicID, name: groupName}]; ok {
		g.pending = uuid.Nil
	}
}

func (r *Registry) index(m map[uuid.UUID]map[uuid.UUID]*Subscription, key uuid.UUID, sub *Subscription) {
	if m[key] == nil {
		m[key] = make(map[uuid.UUID]*Subscription)
	}
	m[key][sub.ID] = sub
}

func (r *Registry) unindex(m map[uuid.UUID]map[uuid.UUID]*Subscription, key, subID uuid.UUID) {
	if inner, ok := m[key]; ok {
		delete(inner, subID)
		if len(inner) == 0 {
			delete(m, key)
		}
	}
}

func collect(m map[uuid.UUID]*Subscription) []*Subscription {
	out := make([]*Subscription, 0, len(m))
	for _, sub := range m {
		out = append(out, sub)
	}
	return out
}
