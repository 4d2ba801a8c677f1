package topic

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relay/modules/broker/types"
)

func TestRegistryCreateAndLookup(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	created, err := r.Create("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", created.Name)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, uint64(0), created.Length())

	byID, err := r.Get(created.ID)
	require.NoError(t, err)
	assert.Same(t, created, byID)

	byName, err := r.GetByName("orders")
	require.NoError(t, err)
	assert.Same(t, created, byName)
}

func TestRegistryCreateDuplicateName(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	_, err := r.Create("orders")
	require.NoError(t, err)

	_, err = r.Create("orders")
	require.Error(t, err)

	var exists *types.AlreadyExistsError
	assert.True(t, errors.As(err, &exists), "Expected AlreadyExistsError, got %v", err)
}

func TestRegistryCreateEmptyName(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	_, err := r.Create("")
	require.Error(t, err)

	var invalid *types.InvalidArgumentError
	assert.True(t, errors.As(err, &invalid), "Expected InvalidArgumentError, got %v", err)
}

func TestRegistryLookupUnknown(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	_, err := r.Get(uuid.New())
	var notFound *types.NotFoundError
	assert.True(t, errors.As(err, &notFound))

	_, err = r.GetByName("missing")
	assert.True(t, errors.As(err, &notFound))
}

func TestRegistryDelete(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	created, err := r.Create("orders")
	require.NoError(t, err)

	assert.True(t, r.Delete(created.ID))
	assert.False(t, r.Delete(created.ID), "Second delete should report false")
	assert.False(t, r.Exists(created.ID))

	// The name is free again after deletion.
	_, err = r.Create("orders")
	assert.NoError(t, err)
}

func TestRegistryAppend(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	created, err := r.Create("orders")
	require.NoError(t, err)
	producerID := uuid.New()

	first, err := r.Append(created.ID, producerID, []byte("A"))
	require.NoError(t, err)
	second, err := r.Append(created.ID, producerID, []byte("B"))
	require.NoError(t, err)

	assert.Equal(t, uint64(0), first.SequenceIndex)
	assert.Equal(t, uint64(1), second.SequenceIndex)
	assert.Equal(t, created.ID, first.TopicID)
	assert.Equal(t, producerID, first.ProducerID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, uint64(2), created.Length())

	stored, ok := created.Message(0)
	require.True(t, ok)
	assert.Equal(t, []byte("A"), stored.Payload)
}

func TestRegistryAppendUnknownTopic(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	_, err := r.Append(uuid.New(), uuid.New(), []byte("orphan"))
	require.Error(t, err)

	var notFound *types.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestRegistryConcurrentAppendsAreGapless(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	created, err := r.Create("orders")
	require.NoError(t, err)

	const writers = 10
	const perWriter = 100

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			producerID := uuid.New()
			for i := 0; i < perWriter; i++ {
				_, err := r.Append(created.ID, producerID, []byte("payload"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(writers*perWriter), created.Length())
	seen := make(map[uint64]bool)
	for _, msg := range created.Messages(0, writers*perWriter) {
		assert.False(t, seen[msg.SequenceIndex], "Duplicate sequence index %d", msg.SequenceIndex)
		seen[msg.SequenceIndex] = true
	}
}
