// Package eventstream reads collector events from the BPF ring buffer and
// routes them to a dispatch.Handler.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mrzor/activity-monitor/internal/bpf"
	"github.com/mrzor/activity-monitor/internal/dispatch"
	"github.com/mrzor/activity-monitor/internal/event"
	"github.com/mrzor/activity-monitor/internal/tracking"

	"github.com/cilium/ebpf/ringbuf"
)

// RecordReader is the part of ringbuf.Reader the stream consumes.
type RecordReader interface {
	Read() (ringbuf.Record, error)
	Close() error
}

// Mirror receives tracked-set changes so the kernel program can gate file
// events. bpfloader.Loader implements it.
type Mirror interface {
	TrackPID(pid uint32) error
	UntrackPID(pid uint32) error
}

// Membership reports whether a process is tracked.
type Membership interface {
	Contains(pid tracking.PID) bool
}

// FDResolver maps an open descriptor to a path. It returns "" when the
// descriptor cannot be resolved.
type FDResolver func(tgid uint32, fd int32) string

// Option configures a Stream.
type Option func(*Stream)

// WithMirror keeps m in sync with tracked after each lifecycle event.
func WithMirror(m Mirror, tracked Membership) Option {
	return func(s *Stream) {
		s.mirror = m
		s.tracked = tracked
	}
}

// WithFDResolver overrides descriptor path resolution.
func WithFDResolver(r FDResolver) Option {
	return func(s *Stream) {
		s.fdPath = r
	}
}

// Stream reads events from a ringbuffer and dispatches them to a handler.
type Stream struct {
	reader  RecordReader
	handler dispatch.Handler
	mirror  Mirror
	tracked Membership
	fdPath  FDResolver
}

// New creates a new Stream with the given ringbuffer reader and event handler.
func New(reader RecordReader, handler dispatch.Handler, opts ...Option) *Stream {
	s := &Stream{
		reader:  reader,
		handler: handler,
		fdPath:  ProcfsFDPath("/proc"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run processes events until the reader is closed or ctx is done. The
// reader is closed when Run returns.
func (s *Stream) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.reader.Close() //nolint:errcheck // Unblocks Read; the loop reports the outcome
	})
	defer stop()

	for {
		record, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading from ring buffer: %w", err)
		}

		ev, err := bpf.Decode(record.RawSample)
		if err != nil {
			slog.Debug("skipping event", "error", err)
			continue
		}
		s.route(&ev)
	}
}

func (s *Stream) route(ev *bpf.Event) {
	switch ev.Type {
	case bpf.EVENT_FORK:
		if ev.Pid == ev.Tgid {
			s.handler.ProcessLifecycle(ev.ParentTgid, ev.Tgid, true)
			s.sync(ev.Tgid, true)
		} else {
			s.handler.ThreadLifecycle(ev.Tgid, ev.Pid, true)
			// A thread start can be what discovers its process.
			s.sync(ev.Tgid, true)
		}

	case bpf.EVENT_EXEC:
		s.handler.ImageLoad(ev.PathString(), ev.Tgid, event.ImageInfo{})
		s.sync(ev.Tgid, true)

	case bpf.EVENT_EXIT:
		if ev.Pid == ev.Tgid {
			s.handler.ProcessLifecycle(ev.ParentTgid, ev.Tgid, false)
			s.sync(ev.Tgid, false)
		} else {
			s.handler.ThreadLifecycle(ev.Tgid, ev.Pid, false)
		}

	// openat is the Linux counterpart of a create request: it covers both
	// opening and creating a file.
	case bpf.EVENT_OPEN:
		s.handler.FilesystemPreOperation(event.FileCreate, ev.Tgid, event.IOContext{
			Path:  ev.PathString(),
			Flags: ev.Flags,
		})

	case bpf.EVENT_READ, bpf.EVENT_WRITE:
		op := event.FileRead
		if ev.Type == bpf.EVENT_WRITE {
			op = event.FileWrite
		}
		s.handler.FilesystemPreOperation(op, ev.Tgid, event.IOContext{
			Path:   s.fdPath(ev.Tgid, ev.Fd),
			Length: ev.Length,
		})

	default:
		slog.Debug("unknown event type", "type", ev.Type)
	}
}

// sync mirrors membership of a tracked pid into the kernel after a
// lifecycle event.
func (s *Stream) sync(pid uint32, active bool) {
	if s.mirror == nil || !s.tracked.Contains(tracking.PID(pid)) {
		return
	}

	var err error
	if active {
		err = s.mirror.TrackPID(pid)
	} else {
		err = s.mirror.UntrackPID(pid)
	}
	if err != nil {
		slog.Warn("syncing tracked pid to kernel", "pid", pid, "error", err)
	}
}

// ProcfsFDPath resolves descriptors through the fd links under root.
func ProcfsFDPath(root string) FDResolver {
	return func(tgid uint32, fd int32) string {
		if fd < 0 {
			return ""
		}
		target, err := os.Readlink(filepath.Join(root,
			strconv.FormatUint(uint64(tgid), 10), "fd", strconv.FormatInt(int64(fd), 10)))
		if err != nil {
			return ""
		}
		return target
	}
}
