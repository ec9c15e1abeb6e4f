// Package capture holds recorded events until a consumer drains them.
//
// Queue is a spin-locked intrusive FIFO list. Producers deep-copy their
// record before taking the lock, so the critical section is a pointer
// link. Drain detaches the whole list under the lock and walks it after
// releasing it, so a consumer never holds producers up for longer than a
// pointer swap.
package capture

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mrzor/activity-monitor/internal/event"
	"github.com/mrzor/activity-monitor/internal/spinlock"
)

var (
	// ErrAllocation is returned when an entry could not be allocated.
	ErrAllocation = errors.New("capture entry allocation failed")
	// ErrQueueFull is returned when the queue is at its maximum depth.
	ErrQueueFull = fmt.Errorf("%w: queue full", ErrAllocation)
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("capture queue closed")
)

// Allocator admits or refuses a new entry given the current queue depth.
// It is called with the queue lock held.
type Allocator interface {
	Allocate(depth int) error
}

// AllocatorFunc adapts a function to Allocator.
type AllocatorFunc func(depth int) error

// Allocate calls f(depth).
func (f AllocatorFunc) Allocate(depth int) error {
	return f(depth)
}

// boundedAllocator refuses entries once depth reaches max. A zero max is
// unbounded.
type boundedAllocator struct {
	max int
}

func (a boundedAllocator) Allocate(depth int) error {
	if a.max > 0 && depth >= a.max {
		return ErrQueueFull
	}
	return nil
}

type entry struct {
	rec  event.Record
	next *entry
}

// Stats are cumulative queue counters.
type Stats struct {
	Appended uint64 `json:"appended"`
	Dropped  uint64 `json:"dropped"`
	Drained  uint64 `json:"drained"`
	Depth    int    `json:"depth"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxDepth bounds the number of undrained entries.
func WithMaxDepth(n int) Option {
	return func(q *Queue) {
		q.alloc = boundedAllocator{max: n}
	}
}

// WithAllocator replaces the entry allocator.
func WithAllocator(a Allocator) Option {
	return func(q *Queue) {
		q.alloc = a
	}
}

// Queue is a multi-producer, single-consumer record queue.
type Queue struct {
	lock   spinlock.Lock
	head   *entry
	tail   *entry
	depth  atomic.Int64
	closed atomic.Bool

	alloc Allocator
	ready chan struct{}

	appended atomic.Uint64
	dropped  atomic.Uint64
	drained  atomic.Uint64
}

// New creates an empty, unbounded queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		alloc: boundedAllocator{},
		ready: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Append deep-copies rec onto the tail of the queue. It never blocks on the
// consumer. On failure the record is dropped, counted, and an error
// wrapping ErrAllocation or ErrClosed is returned.
//
// The allocator runs under the queue lock, so it sees the exact depth and
// must not block.
func (q *Queue) Append(rec event.Record) error {
	if q.closed.Load() {
		q.dropped.Add(1)
		return ErrClosed
	}

	e := &entry{rec: rec.Clone()}

	q.lock.Lock()
	if q.closed.Load() {
		q.lock.Unlock()
		q.dropped.Add(1)
		return ErrClosed
	}
	if err := q.alloc.Allocate(int(q.depth.Load())); err != nil {
		q.lock.Unlock()
		q.dropped.Add(1)
		if !errors.Is(err, ErrAllocation) {
			err = fmt.Errorf("%w: %w", ErrAllocation, err)
		}
		return err
	}
	if q.tail == nil {
		q.head = e
	} else {
		q.tail.next = e
	}
	q.tail = e
	q.depth.Add(1)
	q.lock.Unlock()

	q.appended.Add(1)
	q.signal()
	return nil
}

// Drain removes and returns every queued record in append order.
func (q *Queue) Drain() []event.Record {
	q.lock.Lock()
	head := q.head
	q.head, q.tail = nil, nil
	n := q.depth.Swap(0)
	q.lock.Unlock()

	if head == nil {
		return nil
	}

	records := make([]event.Record, 0, n)
	for e := head; e != nil; e = e.next {
		records = append(records, e.rec)
	}
	q.drained.Add(uint64(len(records)))
	return records
}

// Pop removes the oldest record.
func (q *Queue) Pop() (event.Record, bool) {
	q.lock.Lock()
	e := q.head
	if e == nil {
		q.lock.Unlock()
		return event.Record{}, false
	}
	q.head = e.next
	if q.head == nil {
		q.tail = nil
	}
	q.depth.Add(-1)
	q.lock.Unlock()

	q.drained.Add(1)
	return e.rec, true
}

// Len returns the number of undrained records.
func (q *Queue) Len() int {
	return int(q.depth.Load())
}

// Ready is signalled after appends. Signals coalesce; a receive means the
// queue was non-empty at some point since the previous receive.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Appended: q.appended.Load(),
		Dropped:  q.dropped.Load(),
		Drained:  q.drained.Load(),
		Depth:    q.Len(),
	}
}

// Close discards undrained records and rejects further appends. It returns
// the number of records discarded.
func (q *Queue) Close() int {
	q.lock.Lock()
	q.closed.Store(true)
	q.head, q.tail = nil, nil
	n := q.depth.Swap(0)
	q.lock.Unlock()
	return int(n)
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
