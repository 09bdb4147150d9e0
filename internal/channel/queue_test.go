package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamguard/models"
)

func item(sym string) models.IngestionItem {
	return models.IngestionItem{Symbol: sym, Timeframe: "1m", Source: "test"}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(3)
	ctx := context.Background()
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, q.Put(ctx, item(s)))
	}
	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Get(ctx, time.Millisecond)
		require.True(t, ok)
		assert.Equal(t, want, got.Symbol)
		assert.False(t, got.EnqueueTime.IsZero())
	}
	_, ok := q.Get(ctx, time.Millisecond)
	assert.False(t, ok)
}

func TestPutBlocksAtCapacity(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, item("a")))
	require.NoError(t, q.Put(ctx, item("b")))

	done := make(chan error, 1)
	go func() { done <- q.Put(ctx, item("c")) }()

	select {
	case <-done:
		t.Fatal("Put returned while queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := q.Get(ctx, time.Millisecond)
	require.True(t, ok)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Put did not unblock after space was freed")
	}
	assert.Equal(t, 2, q.Len())
}

func TestPutHonoursContext(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Put(context.Background(), item("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Put(ctx, item("b"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, q.Stats().InFlight)
}

func TestTryPutCountsDrops(t *testing.T) {
	q := NewQueue(1)
	assert.True(t, q.TryPut(item("a")))
	assert.False(t, q.TryPut(item("b")))

	stats := q.Stats()
	assert.EqualValues(t, 1, stats.Enqueued)
	assert.EqualValues(t, 1, stats.Dropped)
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, 1, stats.Capacity)
}

func TestWaitEmptyWaitsForDone(t *testing.T) {
	q := NewQueue(10)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Put(ctx, item("x")))
	}

	// Dequeued but unacknowledged items still count.
	for i := 0; i < 4; i++ {
		_, ok := q.Get(ctx, time.Millisecond)
		require.True(t, ok)
	}
	assert.ErrorIs(t, q.WaitEmpty(ctx, 30*time.Millisecond), ErrWaitTimeout)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		q.Done(3)
		q.Done(1)
	}()
	require.NoError(t, q.WaitEmpty(ctx, time.Second))
	wg.Wait()
	assert.EqualValues(t, 4, q.Stats().Completed)
}

func TestCloseRejectsProducersButDrains(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, item("a")))
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Put(ctx, item("b")), ErrQueueClosed)
	assert.False(t, q.TryPut(item("b")))

	got, ok := q.Get(ctx, time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "a", got.Symbol)

	_, ok = q.Get(ctx, time.Second)
	assert.False(t, ok, "Get on a closed empty queue returns immediately")
}

func TestCloseUnblocksWaitingProducer(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Put(context.Background(), item("a")))

	done := make(chan error, 1)
	go func() { done <- q.Put(context.Background(), item("b")) }()
	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked producer not released by Close")
	}
}
