package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	q := New[int](10, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.TryEnqueue(i))
	}
	for i := 0; i < 5; i++ {
		item, err := q.Dequeue(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, item)
	}
}

func TestAdmissionSoftReservation(t *testing.T) {
	// Capacity 25 with a soft reservation of 5: the 21st enqueue is refused.
	q := New[int](25, 5)
	for i := 0; i < 20; i++ {
		require.NoError(t, q.TryEnqueue(i), "enqueue %d should be admitted", i)
	}
	assert.False(t, q.CanAdmit())
	assert.ErrorIs(t, q.TryEnqueue(20), ErrOverloaded)
	assert.Equal(t, 20, q.Size())
}

func TestIdleWake(t *testing.T) {
	q := New[int](1, 0)
	start := time.Now()
	_, err := q.Dequeue(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrIdle)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDequeueCancellation(t *testing.T) {
	q := New[int](1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentProducers(t *testing.T) {
	q := New[string](100, 0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.TryEnqueue(fmt.Sprintf("item-%d", i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, q.Size())
}

func TestZeroCapacityClamped(t *testing.T) {
	q := New[int](0, 0)
	assert.Equal(t, 1, q.Capacity())
}
