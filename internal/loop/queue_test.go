package loop

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[string]()
	for _, s := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(s))
	}

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestQueue_CloseRejectsEnqueue(t *testing.T) {
	q := NewQueue[int]()
	require.True(t, q.Enqueue(1))
	q.Close()
	q.Close() // idempotent

	assert.False(t, q.Enqueue(2))
	assert.True(t, q.Closed())

	// Items queued before Close are still available.
	got, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestQueue_WaitSignalsAndClosesWithQueue(t *testing.T) {
	q := NewQueue[int]()
	q.Enqueue(1)

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected signal after enqueue")
	}

	q.Close()
	_, open := <-q.Wait()
	assert.False(t, open, "signal channel should be closed")
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q := NewQueue[int]()
	const producers = 20
	const perProducer = 100

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, q.Len())
}
