package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrzor/activity-monitor/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lifecycle(producer, seq uint32) event.Record {
	return event.New(time.Now(), event.ProcessLifecycleEvent{ParentID: producer, ID: seq, Active: true})
}

func TestQueue_AppendDrainOrder(t *testing.T) {
	q := New()

	for i := uint32(0); i < 5; i++ {
		require.NoError(t, q.Append(lifecycle(1, i)))
	}
	assert.Equal(t, 5, q.Len())

	records := q.Drain()
	require.Len(t, records, 5)
	for i, r := range records {
		assert.Equal(t, uint32(i), r.Payload.(event.ProcessLifecycleEvent).ID)
	}

	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Drain(), "drain of an empty queue returns nil")
}

func TestQueue_Pop(t *testing.T) {
	q := New()

	_, ok := q.Pop()
	assert.False(t, ok)

	require.NoError(t, q.Append(lifecycle(1, 1)))
	require.NoError(t, q.Append(lifecycle(1, 2)))

	r, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, uint32(1), r.Payload.(event.ProcessLifecycleEvent).ID)

	r, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, uint32(2), r.Payload.(event.ProcessLifecycleEvent).ID)

	_, ok = q.Pop()
	assert.False(t, ok)

	// Tail must have been reset so appends after emptying still link.
	require.NoError(t, q.Append(lifecycle(1, 3)))
	assert.Len(t, q.Drain(), 1)
}

func TestQueue_AppendCopiesPayload(t *testing.T) {
	q := New()

	raw := []byte("producer buffer")
	rec := event.New(time.Now(), event.FilesystemEvent{
		Operation: event.FileWrite,
		Context:   event.IOContext{Path: "/tmp/out", Raw: raw},
	})
	require.NoError(t, q.Append(rec))

	// The producer reuses its buffer once the callback returns.
	copy(raw, "XXXXXXXXXXXXXXX")

	records := q.Drain()
	require.Len(t, records, 1)
	assert.Equal(t, "producer buffer", string(records[0].Payload.(event.FilesystemEvent).Context.Raw))
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 500

	q := New()

	var wg sync.WaitGroup
	for p := uint32(0); p < producers; p++ {
		wg.Add(1)
		go func(p uint32) {
			defer wg.Done()
			for i := uint32(0); i < perProducer; i++ {
				assert.NoError(t, q.Append(lifecycle(p, i)))
			}
		}(p)
	}
	wg.Wait()

	records := q.Drain()
	require.Len(t, records, producers*perProducer)
	assertPerProducerOrder(t, records, producers)

	stats := q.Stats()
	assert.Equal(t, uint64(producers*perProducer), stats.Appended)
	assert.Equal(t, uint64(producers*perProducer), stats.Drained)
	assert.Zero(t, stats.Dropped)
}

func TestQueue_SingleAllocationFailure(t *testing.T) {
	const producers = 8
	const perProducer = 250
	const failAt = 777

	var calls atomic.Int64
	q := New(WithAllocator(AllocatorFunc(func(int) error {
		if calls.Add(1) == failAt {
			return errors.New("out of memory")
		}
		return nil
	})))

	var (
		wg       sync.WaitGroup
		failures atomic.Int64
	)
	for p := uint32(0); p < producers; p++ {
		wg.Add(1)
		go func(p uint32) {
			defer wg.Done()
			for i := uint32(0); i < perProducer; i++ {
				if err := q.Append(lifecycle(p, i)); err != nil {
					assert.ErrorIs(t, err, ErrAllocation)
					failures.Add(1)
				}
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, int64(1), failures.Load())

	records := q.Drain()
	assert.Len(t, records, producers*perProducer-1)
	assertPerProducerOrder(t, records, producers)
	assert.Equal(t, uint64(1), q.Stats().Dropped)
}

func TestQueue_DrainInterleavedWithAppends(t *testing.T) {
	const producers = 4
	const perProducer = 1000

	q := New()

	var wg sync.WaitGroup
	for p := uint32(0); p < producers; p++ {
		wg.Add(1)
		go func(p uint32) {
			defer wg.Done()
			for i := uint32(0); i < perProducer; i++ {
				assert.NoError(t, q.Append(lifecycle(p, i)))
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var collected []event.Record
	for running := true; running; {
		select {
		case <-done:
			running = false
		case <-q.Ready():
		}
		collected = append(collected, q.Drain()...)
	}
	collected = append(collected, q.Drain()...)

	require.Len(t, collected, producers*perProducer)
	assertPerProducerOrder(t, collected, producers)
}

func TestQueue_MaxDepth(t *testing.T) {
	q := New(WithMaxDepth(2))

	require.NoError(t, q.Append(lifecycle(1, 1)))
	require.NoError(t, q.Append(lifecycle(1, 2)))

	err := q.Append(lifecycle(1, 3))
	require.ErrorIs(t, err, ErrQueueFull)
	require.ErrorIs(t, err, ErrAllocation)

	q.Drain()
	assert.NoError(t, q.Append(lifecycle(1, 4)))
}

func TestQueue_ReadySignal(t *testing.T) {
	q := New()

	select {
	case <-q.Ready():
		t.Fatal("ready must not fire before any append")
	default:
	}

	require.NoError(t, q.Append(lifecycle(1, 1)))
	require.NoError(t, q.Append(lifecycle(1, 2)))

	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for ready signal")
	}

	// Signals coalesce into one pending notification.
	select {
	case <-q.Ready():
		t.Fatal("expected a single coalesced signal")
	default:
	}
}

func TestQueue_CloseDiscards(t *testing.T) {
	q := New()
	require.NoError(t, q.Append(lifecycle(1, 1)))
	require.NoError(t, q.Append(lifecycle(1, 2)))

	assert.Equal(t, 2, q.Close())
	assert.Nil(t, q.Drain())
	assert.ErrorIs(t, q.Append(lifecycle(1, 3)), ErrClosed)
	assert.Equal(t, uint64(1), q.Stats().Dropped)
}

func TestQueue_MaxDepthExactUnderConcurrency(t *testing.T) {
	const producers = 8
	const perProducer = 200
	const limit = 100

	q := New(WithMaxDepth(limit))

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for p := uint32(0); p < producers; p++ {
		wg.Add(1)
		go func(p uint32) {
			defer wg.Done()
			for i := uint32(0); i < perProducer; i++ {
				if err := q.Append(lifecycle(p, i)); err == nil {
					accepted.Add(1)
				} else {
					assert.ErrorIs(t, err, ErrQueueFull)
				}
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, int64(limit), accepted.Load())
	assert.Equal(t, limit, q.Len())
	assert.Len(t, q.Drain(), limit)

	stats := q.Stats()
	assert.Equal(t, uint64(limit), stats.Appended)
	assert.Equal(t, uint64(producers*perProducer-limit), stats.Dropped)
}

// assertPerProducerOrder checks that each producer's sequence numbers
// appear in increasing order.
func assertPerProducerOrder(t *testing.T, records []event.Record, producers int) {
	t.Helper()

	next := make([]int64, producers)
	for i := range next {
		next[i] = -1
	}
	for _, r := range records {
		p := r.Payload.(event.ProcessLifecycleEvent)
		require.Greater(t, int64(p.ID), next[p.ParentID], "producer %d out of order", p.ParentID)
		next[p.ParentID] = int64(p.ID)
	}
}
