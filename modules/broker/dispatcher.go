package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"relay/modules/broker/offset"
	"relay/modules/broker/subscription"
	"relay/modules/broker/topic"
	"relay/modules/broker/types"
)

// dispatcher sweeps all dispatch units each cycle, delivering unread messages
// to eligible consumers and committing the cursor once per processed message.
// Units are evaluated concurrently within a cycle so one slow handler cannot
// starve unrelated subscriptions, but messages within a unit stay strictly
// ordered.
type dispatcher struct {
	topics   *topic.Registry
	subs     *subscription.Registry
	offsets  *offset.Tracker
	consumer func(uuid.UUID) *Consumer
	emit     func(Event)
	log      *zap.Logger

	interval   time.Duration
	batchLimit int

	mu        sync.Mutex
	scheduler gocron.Scheduler
}

func newDispatcher(
	topics *topic.Registry,
	subs *subscription.Registry,
	offsets *offset.Tracker,
	consumer func(uuid.UUID) *Consumer,
	emit func(Event),
	interval time.Duration,
	batchLimit int,
	log *zap.Logger,
) *dispatcher {
	return &dispatcher{
		topics:     topics,
		subs:       subs,
		offsets:    offsets,
		consumer:   consumer,
		emit:       emit,
		interval:   interval,
		batchLimit: batchLimit,
		log:        log,
	}
}

// start schedules the continuous poll loop. Singleton mode keeps cycles from
// overlapping when a sweep outlasts the interval.
func (d *dispatcher) start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.scheduler != nil {
		return nil
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		d.log.Error("Error creating scheduler", zap.Error(err))
		return fmt.Errorf("error creating scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(d.interval),
		gocron.NewTask(d.RunCycle),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		d.log.Error("Error creating dispatch job", zap.Error(err))
		return fmt.Errorf("error creating dispatch job: %w", err)
	}

	scheduler.Start()
	d.scheduler = scheduler

	d.log.Info("Dispatch loop started", zap.Duration("interval", d.interval))
	return nil
}

// stop halts the loop after the in-flight cycle finishes its deliveries.
func (d *dispatcher) stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.scheduler == nil {
		return nil
	}
	err := d.scheduler.Shutdown()
	d.scheduler = nil
	if err != nil {
		d.log.Error("Error shutting down scheduler", zap.Error(err))
		return fmt.Errorf("error shutting down scheduler: %w", err)
	}

	d.log.Info("Dispatch loop stopped")
	return nil
}

// RunCycle performs one logical sweep over every dispatch unit. It is also the
// deterministic entry point used by tests and the demo driver.
func (d *dispatcher) RunCycle() {
	units := d.subs.Units()
	if len(units) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func(u subscription.Unit) {
			defer wg.Done()
			d.dispatchUnit(u)
		}(u)
	}
	wg.Wait()
}

func (d *dispatcher) dispatchUnit(u subscription.Unit) {
	t, err := d.topics.Get(u.TopicID)
	if err != nil {
		// Dangling binding: the topic was deleted out from under it.
		d.log.Debug("Skipping subscription on deleted topic",
			zap.String("topic_id", u.TopicID.String()))
		return
	}

	off := d.offsets.Get(u.CursorID)
	if off >= t.Length() {
		return
	}

	for _, msg := range t.Messages(off, d.batchLimit) {
		target, ok := d.selectConsumer(u)
		if !ok {
			// No eligible consumer this cycle; the backlog stays pending.
			return
		}

		if err := target.consume(msg); err != nil {
			if errors.Is(err, errConsumerPaused) {
				return
			}
			if u.Group != "" {
				d.subs.MarkRetry(u.TopicID, u.Group, target.ID)
			}
			d.log.Warn("Message processing failed, will retry",
				zap.String("topic", t.Name),
				zap.String("consumer_id", target.ID.String()),
				zap.Uint64("sequence_index", msg.SequenceIndex),
				zap.Error(err))
			d.emit(Event{
				Kind:          EventDeliveryFailed,
				TopicID:       u.TopicID,
				ConsumerID:    target.ID,
				MessageID:     msg.ID,
				Group:         u.Group,
				SequenceIndex: msg.SequenceIndex,
			})
			// Never skip ahead past a failed message.
			return
		}

		if u.Group != "" {
			d.subs.ClearRetry(u.TopicID, u.Group)
		}
		d.offsets.Commit(u.CursorID)
		d.emit(Event{
			Kind:           EventMessageDelivered,
			TopicID:        u.TopicID,
			SubscriptionID: u.CursorID,
			ConsumerID:     target.ID,
			MessageID:      msg.ID,
			Group:          u.Group,
			SequenceIndex:  msg.SequenceIndex,
		})
	}
}

// selectConsumer resolves the delivery target for one message: the owning
// consumer for a direct subscription, the next active member for a group.
func (d *dispatcher) selectConsumer(u subscription.Unit) (*Consumer, bool) {
	if u.Group == "" {
		c := d.consumer(u.ConsumerID)
		if c == nil || c.State() != types.ConsumerActive {
			return nil, false
		}
		return c, true
	}

	id, ok := d.subs.NextGroupMember(u.TopicID, u.Group, func(member uuid.UUID) bool {
		c := d.consumer(member)
		return c != nil && c.State() == types.ConsumerActive
	})
	if !ok {
		return nil, false
	}
	c := d.consumer(id)
	if c == nil {
		return nil, false
	}
	return c, true
}
