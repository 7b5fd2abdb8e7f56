package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	audit "hearth/pkg/platform/audit"
	"hearth/pkg/platform/audit/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	err := pub.Emit(context.Background(), audit.Event{
		Subject: "p-1",
		Action:  string(audit.EventProfileCreated),
	})
	require.NoError(t, err)

	events, err := store.ListBySubject(context.Background(), "p-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventProfileCreated), events[0].Action)
	assert.Equal(t, audit.CategoryHousehold, events[0].Category, "category derived from action")
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	for range 10 {
		err := pub.Emit(context.Background(), audit.Event{
			Subject: "203.0.113.7",
			Action:  string(audit.EventAuthFailed),
		})
		require.NoError(t, err)
	}

	pub.Close()

	events, err := store.ListBySubject(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestPublisher_EmitAfterCloseWritesThrough(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(4))
	pub.Close()
	pub.Close()

	require.NoError(t, pub.Emit(context.Background(), audit.Event{Subject: "s", Action: "x"}))
	events, err := store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPublisher_BufferFull(t *testing.T) {
	block := make(chan struct{})
	store := &blockingStore{release: block}
	pub := NewPublisher(store, WithAsyncBuffer(1))

	// first event is picked up by the worker and blocks it, second fills
	// the buffer, later ones overflow
	var errs []error
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pub.Emit(context.Background(), audit.Event{Action: "x"})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(block)
	pub.Close()

	var full int
	for _, err := range errs {
		if errors.Is(err, ErrBufferFull) {
			full++
		}
	}
	assert.Positive(t, full)
}

func TestPublisher_CancelledContext(t *testing.T) {
	pub := NewPublisher(memory.NewInMemoryStore(), WithAsyncBuffer(1))
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pub.Emit(ctx, audit.Event{Action: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublisher_SetsTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)

	before := time.Now()
	require.NoError(t, pub.Emit(context.Background(), audit.Event{Subject: "s", Action: "x"}))
	after := time.Now()

	events, err := store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Timestamp.Before(before))
	assert.False(t, events[0].Timestamp.After(after))
}

func TestPublisher_PreservesExistingTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)

	custom := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, pub.Emit(context.Background(), audit.Event{Subject: "s", Action: "x", Timestamp: custom}))

	events, err := store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, custom, events[0].Timestamp)
}

type blockingStore struct {
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) Append(context.Context, audit.Event) error {
	s.once.Do(func() { <-s.release })
	return nil
}
