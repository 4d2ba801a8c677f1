package broker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/modules/broker/types"
)

func TestRetryOnFailureKeepsOrdering(t *testing.T) {
	b := New()
	defer b.Close()

	topic, err := b.CreateTopic("t")
	require.NoError(t, err)
	producer := b.NewProducer()
	for _, payload := range []string{"A", "B", "C"} {
		_, err := producer.Publish(topic.ID, []byte(payload))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var attempts []string
	failuresLeft := 2
	c := b.NewConsumer(func(msg types.Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, string(msg.Payload))
		if string(msg.Payload) == "B" && failuresLeft > 0 {
			failuresLeft--
			return fmt.Errorf("transient failure")
		}
		return nil
	})
	sub, err := b.Subscribe(c.ID, topic.ID, "")
	require.NoError(t, err)

	// Cycle 1: A succeeds, B fails, C must not be attempted.
	b.RunCycle()
	mu.Lock()
	assert.Equal(t, []string{"A", "B"}, attempts)
	mu.Unlock()
	assert.Equal(t, uint64(1), b.GetOffset(sub.ID), "Failed message must not commit")

	// Cycle 2: B is redelivered at the same offset and fails again.
	b.RunCycle()
	mu.Lock()
	assert.Equal(t, []string{"A", "B", "B"}, attempts)
	mu.Unlock()
	assert.Equal(t, uint64(1), b.GetOffset(sub.ID))

	// Cycle 3: B finally succeeds, then C follows in order.
	b.RunCycle()
	mu.Lock()
	assert.Equal(t, []string{"A", "B", "B", "B", "C"}, attempts)
	mu.Unlock()
	assert.Equal(t, uint64(3), b.GetOffset(sub.ID))
}

func TestHandlerPanicIsRetriedNotFatal(t *testing.T) {
	b := New()
	defer b.Close()

	topic, err := b.CreateTopic("t")
	require.NoError(t, err)
	producer := b.NewProducer()
	_, err = producer.Publish(topic.ID, []byte("boom"))
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	c := b.NewConsumer(func(msg types.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			panic("handler exploded")
		}
		return nil
	})
	sub, err := b.Subscribe(c.ID, topic.ID, "")
	require.NoError(t, err)

	b.RunCycle()
	assert.Equal(t, uint64(0), b.GetOffset(sub.ID), "Panic counts as a processing failure")

	b.RunCycle()
	assert.Equal(t, uint64(1), b.GetOffset(sub.ID))
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestFailingSubscriptionDoesNotBlockOthers(t *testing.T) {
	b := New()
	defer b.Close()

	topic, err := b.CreateTopic("t")
	require.NoError(t, err)
	producer := b.NewProducer()
	for i := 0; i < 3; i++ {
		_, err := producer.Publish(topic.ID, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	failing := b.NewConsumer(func(types.Message) error {
		return fmt.Errorf("always failing")
	})
	failSub, err := b.Subscribe(failing.ID, topic.ID, "")
	require.NoError(t, err)

	rec := &recorder{}
	healthy := b.NewConsumer(rec.handler())
	healthySub, err := b.Subscribe(healthy.ID, topic.ID, "")
	require.NoError(t, err)

	b.RunCycle()
	assert.Equal(t, []string{"m0", "m1", "m2"}, rec.received(), "Healthy subscription unaffected")
	assert.Equal(t, uint64(3), b.GetOffset(healthySub.ID))
	assert.Equal(t, uint64(0), b.GetOffset(failSub.ID))
}

func TestDanglingSubscriptionSkipped(t *testing.T) {
	b := New()
	defer b.Close()

	doomed, err := b.CreateTopic("doomed")
	require.NoError(t, err)
	survivor, err := b.CreateTopic("survivor")
	require.NoError(t, err)
	producer := b.NewProducer()

	rec := &recorder{}
	c := b.NewConsumer(rec.handler())
	_, err = b.Subscribe(c.ID, doomed.ID, "")
	require.NoError(t, err)
	survivorSub, err := b.Subscribe(c.ID, survivor.ID, "")
	require.NoError(t, err)

	_, err = producer.Publish(doomed.ID, []byte("lost"))
	require.NoError(t, err)
	require.True(t, b.DeleteTopic(doomed.ID))

	_, err = producer.Publish(survivor.ID, []byte("kept"))
	require.NoError(t, err)

	// The dangling binding is skipped silently; unrelated flow continues.
	b.RunCycle()
	assert.Equal(t, []string{"kept"}, rec.received())
	assert.Equal(t, uint64(1), b.GetOffset(survivorSub.ID))
}

func TestGroupSkipsPausedMembers(t *testing.T) {
	b := New()
	defer b.Close()

	topic, err := b.CreateTopic("t")
	require.NoError(t, err)
	producer := b.NewProducer()

	recX, recY := &recorder{}, &recorder{}
	x := b.NewConsumer(recX.handler())
	y := b.NewConsumer(recY.handler())
	subX, err := b.Subscribe(x.ID, topic.ID, "g")
	require.NoError(t, err)
	_, err = b.Subscribe(y.ID, topic.ID, "g")
	require.NoError(t, err)

	require.NoError(t, b.SetConsumerState(x.ID, types.ConsumerPaused))

	for i := 0; i < 4; i++ {
		_, err := producer.Publish(topic.ID, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	b.RunCycle()

	assert.Empty(t, recX.received(), "Paused member receives nothing")
	assert.Equal(t, []string{"m0", "m1", "m2", "m3"}, recY.received(), "Active member covers the group")
	assert.Equal(t, uint64(4), b.GetOffset(subX.ID))
}

func TestGroupAllPausedLeavesBacklogPending(t *testing.T) {
	b := New()
	defer b.Close()

	topic, err := b.CreateTopic("t")
	require.NoError(t, err)
	producer := b.NewProducer()

	rec := &recorder{}
	c := b.NewConsumer(rec.handler())
	sub, err := b.Subscribe(c.ID, topic.ID, "g")
	require.NoError(t, err)
	require.NoError(t, b.SetConsumerState(c.ID, types.ConsumerPaused))

	_, err = producer.Publish(topic.ID, []byte("pending"))
	require.NoError(t, err)
	b.RunCycle()

	assert.Empty(t, rec.received())
	assert.Equal(t, uint64(0), b.GetOffset(sub.ID))
	assert.Equal(t, uint64(1), b.Lag(sub.ID))

	require.NoError(t, b.SetConsumerState(c.ID, types.ConsumerActive))
	b.RunCycle()
	assert.Equal(t, []string{"pending"}, rec.received())
}

func TestGroupRetryStaysWithFailingMember(t *testing.T) {
	b := New()
	defer b.Close()

	topic, err := b.CreateTopic("t")
	require.NoError(t, err)
	producer := b.NewProducer()

	var mu sync.Mutex
	var order []string
	failOnce := true

	x := b.NewConsumer(func(msg types.Message) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "x:"+string(msg.Payload))
		if failOnce {
			failOnce = false
			return fmt.Errorf("x rejects first delivery")
		}
		return nil
	})
	y := b.NewConsumer(func(msg types.Message) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "y:"+string(msg.Payload))
		return nil
	})

	subX, err := b.Subscribe(x.ID, topic.ID, "g")
	require.NoError(t, err)
	_, err = b.Subscribe(y.ID, topic.ID, "g")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := producer.Publish(topic.ID, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	// Cycle 1: x takes m0 and fails; the group halts at m0.
	b.RunCycle()
	mu.Lock()
	assert.Equal(t, []string{"x:m0"}, order)
	mu.Unlock()
	assert.Equal(t, uint64(0), b.GetOffset(subX.ID))

	// Cycle 2: the retry goes back to x, then rotation resumes with y.
	b.RunCycle()
	mu.Lock()
	assert.Equal(t, []string{"x:m0", "x:m0", "y:m1"}, order)
	mu.Unlock()
	assert.Equal(t, uint64(2), b.GetOffset(subX.ID))
}

func TestContinuousDispatchLoop(t *testing.T) {
	b := New(WithPollInterval(5 * time.Millisecond))
	defer b.Close()

	topic, err := b.CreateTopic("t")
	require.NoError(t, err)
	producer := b.NewProducer()

	delivered := make(chan string, 8)
	c := b.NewConsumer(func(msg types.Message) error {
		delivered <- string(msg.Payload)
		return nil
	})
	_, err = b.Subscribe(c.ID, topic.ID, "")
	require.NoError(t, err)

	require.NoError(t, b.StartDispatch())
	defer func() {
		assert.NoError(t, b.StopDispatch())
	}()

	_, err = producer.Publish(topic.ID, []byte("live"))
	require.NoError(t, err)

	select {
	case payload := <-delivered:
		assert.Equal(t, "live", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("Message was not delivered by the dispatch loop")
	}
}

func TestStopDispatchIsIdempotent(t *testing.T) {
	b := New(WithPollInterval(5 * time.Millisecond))
	defer b.Close()

	require.NoError(t, b.StartDispatch())
	require.NoError(t, b.StopDispatch())
	assert.NoError(t, b.StopDispatch(), "Stopping a stopped loop is a no-op")
	assert.NoError(t, b.StartDispatch(), "The loop can be restarted")
}

func TestBatchLimitBoundsOneCycle(t *testing.T) {
	b := New(WithBatchLimit(2))
	defer b.Close()

	topic, err := b.CreateTopic("t")
	require.NoError(t, err)
	producer := b.NewProducer()
	for i := 0; i < 5; i++ {
		_, err := producer.Publish(topic.ID, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	rec := &recorder{}
	c := b.NewConsumer(rec.handler())
	sub, err := b.Subscribe(c.ID, topic.ID, "")
	require.NoError(t, err)

	b.RunCycle()
	assert.Equal(t, []string{"m0", "m1"}, rec.received())
	assert.Equal(t, uint64(2), b.GetOffset(sub.ID))

	b.RunCycle()
	b.RunCycle()
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, rec.received())
	assert.Equal(t, uint64(5), b.GetOffset(sub.ID))
}
