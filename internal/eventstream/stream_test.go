package eventstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mrzor/activity-monitor/internal/bpf"
	"github.com/mrzor/activity-monitor/internal/dispatch"
	"github.com/mrzor/activity-monitor/internal/event"
	"github.com/mrzor/activity-monitor/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/ebpf/ringbuf"
)

// fakeReader yields queued samples, then blocks until closed.
type fakeReader struct {
	samples chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeReader(events ...bpf.Event) *fakeReader {
	r := &fakeReader{
		samples: make(chan []byte, len(events)),
		closed:  make(chan struct{}),
	}
	for _, ev := range events {
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, &ev); err != nil {
			panic(err)
		}
		r.samples <- buf.Bytes()
	}
	return r
}

func (r *fakeReader) Read() (ringbuf.Record, error) {
	select {
	case raw := <-r.samples:
		return ringbuf.Record{RawSample: raw}, nil
	default:
	}
	select {
	case raw := <-r.samples:
		return ringbuf.Record{RawSample: raw}, nil
	case <-r.closed:
		return ringbuf.Record{}, ringbuf.ErrClosed
	}
}

func (r *fakeReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

type sliceSink struct {
	mu      sync.Mutex
	records []event.Record
}

func (s *sliceSink) Append(rec event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

type fakeMirror struct {
	tracked   []uint32
	untracked []uint32
}

func (m *fakeMirror) TrackPID(pid uint32) error {
	m.tracked = append(m.tracked, pid)
	return nil
}

func (m *fakeMirror) UntrackPID(pid uint32) error {
	m.untracked = append(m.untracked, pid)
	return nil
}

func withPath(ev bpf.Event, path string) bpf.Event {
	copy(ev.Path[:], path)
	return ev
}

// runAll streams events through a monitor and returns the queued records
// once the reader is drained.
func runAll(t *testing.T, set *tracking.Set, opts []Option, events ...bpf.Event) []event.Record {
	t.Helper()

	sink := &sliceSink{}
	reader := newFakeReader(events...)
	stream := New(reader, dispatch.NewMonitor(set, sink), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.samples) == 0 }, time.Second, time.Millisecond)
	// The last sample may still be routing; closing waits for Read to return.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	return sink.records
}

func actions(records []event.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Action
	}
	return out
}

func TestStream_RoutesLifecycleAndFiles(t *testing.T) {
	set := tracking.NewSet("", nil)
	set.Insert(100)

	records := runAll(t, set, []Option{
		WithFDResolver(func(tgid uint32, fd int32) string { return "/tmp/fd" }),
	},
		bpf.Event{Type: bpf.EVENT_FORK, Pid: 101, Tgid: 101, ParentTgid: 100},
		bpf.Event{Type: bpf.EVENT_FORK, Pid: 102, Tgid: 101},
		withPath(bpf.Event{Type: bpf.EVENT_EXEC, Pid: 101, Tgid: 101}, "/usr/bin/make"),
		withPath(bpf.Event{Type: bpf.EVENT_OPEN, Pid: 101, Tgid: 101, Flags: 0x41}, "/tmp/new"),
		bpf.Event{Type: bpf.EVENT_READ, Pid: 102, Tgid: 101, Fd: 3, Length: 10},
		bpf.Event{Type: bpf.EVENT_WRITE, Pid: 101, Tgid: 101, Fd: 4, Length: 20},
		bpf.Event{Type: bpf.EVENT_EXIT, Pid: 102, Tgid: 101},
		bpf.Event{Type: bpf.EVENT_EXIT, Pid: 101, Tgid: 101, ParentTgid: 100},
		// Untracked process.
		bpf.Event{Type: bpf.EVENT_WRITE, Pid: 500, Tgid: 500, Fd: 1},
	)

	assert.Equal(t, []string{
		"process.start",
		"thread.start",
		"image.load",
		"fs.create",
		"fs.read",
		"fs.write",
		"thread.exit",
		"process.exit",
	}, actions(records))

	img := records[2].Payload.(event.ImageLoadEvent)
	assert.Equal(t, "/usr/bin/make", img.FullImagePath)

	create := records[3].Payload.(event.FilesystemEvent)
	assert.Equal(t, "/tmp/new", create.Context.Path)
	assert.Equal(t, uint32(0x41), create.Context.Flags)

	read := records[4].Payload.(event.FilesystemEvent)
	assert.Equal(t, uint32(101), read.RequestorPID)
	assert.Equal(t, "/tmp/fd", read.Context.Path)
	assert.Equal(t, uint64(10), read.Context.Length)
}

func TestStream_MirrorsTrackedPids(t *testing.T) {
	set := tracking.NewSet("", nil)
	set.Insert(100)
	mirror := &fakeMirror{}

	runAll(t, set, []Option{WithMirror(mirror, set)},
		bpf.Event{Type: bpf.EVENT_FORK, Pid: 101, Tgid: 101, ParentTgid: 100},
		bpf.Event{Type: bpf.EVENT_FORK, Pid: 201, Tgid: 201, ParentTgid: 200},
		bpf.Event{Type: bpf.EVENT_EXIT, Pid: 101, Tgid: 101, ParentTgid: 100},
		bpf.Event{Type: bpf.EVENT_EXIT, Pid: 201, Tgid: 201, ParentTgid: 200},
	)

	assert.Equal(t, []uint32{101}, mirror.tracked)
	assert.Equal(t, []uint32{101}, mirror.untracked)
}

func TestStream_DiscoveryOnExec(t *testing.T) {
	set := tracking.NewSet("make", tracking.ResolverFunc(func(pid tracking.PID) (string, error) {
		if pid == 300 {
			return "/usr/bin/make", nil
		}
		return "/usr/bin/other", nil
	}))
	mirror := &fakeMirror{}

	records := runAll(t, set, []Option{WithMirror(mirror, set)},
		withPath(bpf.Event{Type: bpf.EVENT_EXEC, Pid: 299, Tgid: 299}, "/usr/bin/other"),
		withPath(bpf.Event{Type: bpf.EVENT_EXEC, Pid: 300, Tgid: 300}, "/usr/bin/make"),
	)

	assert.Equal(t, []string{"image.load"}, actions(records))
	assert.Equal(t, []uint32{300}, mirror.tracked)
}

func TestStream_ReadError(t *testing.T) {
	reader := &errReader{err: errors.New("boom")}
	stream := New(reader, dispatch.NewMonitor(tracking.NewSet("", nil), &sliceSink{}))

	err := stream.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

type errReader struct{ err error }

func (r *errReader) Read() (ringbuf.Record, error) { return ringbuf.Record{}, r.err }
func (r *errReader) Close() error                  { return nil }

func TestProcfsFDPath(t *testing.T) {
	root := t.TempDir()
	fdDir := filepath.Join(root, "42", "fd")
	require.NoError(t, os.MkdirAll(fdDir, 0755))
	require.NoError(t, os.Symlink("/var/log/app.log", filepath.Join(fdDir, "3")))

	resolve := ProcfsFDPath(root)
	assert.Equal(t, "/var/log/app.log", resolve(42, 3))
	assert.Equal(t, "", resolve(42, 4))
	assert.Equal(t, "", resolve(42, -1))
}

func TestStream_ThreadStartMirrorsDiscoveredProcess(t *testing.T) {
	set := tracking.NewSet("target-agent", tracking.ResolverFunc(func(pid tracking.PID) (string, error) {
		if pid == 500 {
			return "/opt/target-agent", nil
		}
		return "", tracking.ErrNoImage
	}))
	mirror := &fakeMirror{}

	records := runAll(t, set, []Option{
		WithMirror(mirror, set),
		WithFDResolver(func(uint32, int32) string { return "" }),
	},
		bpf.Event{Type: bpf.EVENT_FORK, Pid: 501, Tgid: 500},
		bpf.Event{Type: bpf.EVENT_WRITE, Pid: 500, Tgid: 500, Fd: 1, Length: 3},
	)

	assert.True(t, set.Contains(500))
	assert.Equal(t, []uint32{500}, mirror.tracked)
	assert.Equal(t, []string{"thread.start", "fs.write"}, actions(records))
}
