package dispatch

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mrzor/activity-monitor/internal/event"
	"github.com/mrzor/activity-monitor/internal/tracking"
)

// PreOpStatus is returned to the filesystem collector.
type PreOpStatus int

const (
	// PreOpSuccessNoCallback lets the request proceed with no further
	// monitor involvement.
	PreOpSuccessNoCallback PreOpStatus = iota
)

// Status is returned to the registry collector and becomes the outcome of
// the monitored operation.
type Status int

const (
	StatusSuccess Status = iota
	StatusUnsuccessful
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "unsuccessful"
}

// Tracker is the process membership the monitor classifies against.
type Tracker interface {
	Contains(pid tracking.PID) bool
	Insert(pid tracking.PID)
}

// Sink receives classified records.
type Sink interface {
	Append(rec event.Record) error
}

// Handler is the set of entry points a collector drives.
type Handler interface {
	FilesystemPreOperation(op event.FileOperation, pid uint32, ctx event.IOContext) PreOpStatus
	ImageLoad(fullImagePath string, pid uint32, info event.ImageInfo)
	Registry(class event.NotifyClass, op event.RegistryOperation) Status
	ProcessLifecycle(parentID, id uint32, active bool)
	ThreadLifecycle(parentID, tid uint32, active bool)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor is the state shared by every handler: the tracked set, the
// capture queue and the clock. It is created once at startup and passed to
// each collector.
type Monitor struct {
	tracked Tracker
	sink    Sink
	now     func() time.Time

	dropped atomic.Uint64
}

// NewMonitor creates a monitor classifying against tracked and queuing
// into sink.
func NewMonitor(tracked Tracker, sink Sink, opts ...Option) *Monitor {
	m := &Monitor{
		tracked: tracked,
		sink:    sink,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dropped returns how many classified records failed to queue.
func (m *Monitor) Dropped() uint64 {
	return m.dropped.Load()
}

// FilesystemPreOperation records create/read/write requests of tracked
// processes. It only observes; the request is never denied or altered.
func (m *Monitor) FilesystemPreOperation(op event.FileOperation, pid uint32, ctx event.IOContext) PreOpStatus {
	if m.tracked.Contains(tracking.PID(pid)) {
		m.emit(event.FilesystemEvent{Operation: op, RequestorPID: pid, Context: ctx})
	}
	return PreOpSuccessNoCallback
}

// ImageLoad records images mapped into tracked processes.
func (m *Monitor) ImageLoad(fullImagePath string, pid uint32, info event.ImageInfo) {
	if m.tracked.Contains(tracking.PID(pid)) {
		m.emit(event.ImageLoadEvent{FullImagePath: fullImagePath, ProcessID: pid, ImageInfo: info})
	}
}

// Registry records value sets and deletes by tracked processes. Other
// notify classes return StatusSuccess without side effects.
//
// A record that fails to queue yields StatusUnsuccessful, which fails the
// monitored registry operation itself.
func (m *Monitor) Registry(class event.NotifyClass, op event.RegistryOperation) Status {
	if !event.Allowed(class) {
		return StatusSuccess
	}

	if !m.tracked.Contains(tracking.PID(op.ActorPID)) {
		return StatusSuccess
	}

	if !m.emit(event.RegistryEvent{NotifyClass: class, Operation: op}) {
		return StatusUnsuccessful
	}
	return StatusSuccess
}

// ProcessLifecycle records starts and exits of tracked processes. A child
// of a tracked parent becomes tracked itself.
func (m *Monitor) ProcessLifecycle(parentID, id uint32, active bool) {
	if !m.tracked.Contains(tracking.PID(id)) {
		if !m.tracked.Contains(tracking.PID(parentID)) {
			return
		}
		m.tracked.Insert(tracking.PID(id))
	}

	m.emit(event.ProcessLifecycleEvent{ParentID: parentID, ID: id, Active: active})
}

// ThreadLifecycle records thread starts and exits inside tracked
// processes. Thread ids are never tracked themselves.
func (m *Monitor) ThreadLifecycle(parentID, tid uint32, active bool) {
	if m.tracked.Contains(tracking.PID(parentID)) {
		m.emit(event.ProcessLifecycleEvent{ParentID: parentID, ID: tid, IsThread: true, Active: active})
	}
}

// emit stamps and queues a record. It reports whether the record was
// queued; failures are counted and otherwise absorbed.
func (m *Monitor) emit(p event.Payload) bool {
	rec := event.New(m.now(), p)
	if err := m.sink.Append(rec); err != nil {
		m.dropped.Add(1)
		slog.Debug("dropping record", "action", rec.Action, "error", err)
		return false
	}
	return true
}

var _ Handler = (*Monitor)(nil)
