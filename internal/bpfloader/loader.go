// Package bpfloader manages the lifecycle of eBPF programs and their kernel attachments.
package bpfloader

import (
	"errors"
	"fmt"

	"github.com/mrzor/activity-monitor/internal/bpf"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// Loader manages the lifecycle of BPF programs and their attachments.
type Loader struct {
	objs  bpf.Objects
	links []namedLink
}

type namedLink struct {
	name string
	link link.Link
}

// New loads the collector object at path into the kernel.
func New(path string) (*Loader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	l := &Loader{}
	if err := bpf.LoadObjects(path, &l.objs, nil); err != nil {
		return nil, err
	}
	return l, nil
}

// closeErrorf closes all attached links and returns a formatted error.
func (l *Loader) closeErrorf(errstr string, e error) error {
	for i := len(l.links) - 1; i >= 0; i-- {
		_ = l.links[i].link.Close() //nolint:errcheck // Best-effort cleanup in error path
	}
	l.links = nil
	return fmt.Errorf("%s: %w", errstr, e)
}

// Attach attaches the BPF programs to their tracepoints.
func (l *Loader) Attach() error {
	tracing := []struct {
		name string
		prog *ebpf.Program
	}{
		{"sched_process_fork", l.objs.HandleFork},
		{"sched_process_exec", l.objs.HandleExec},
		{"sched_process_exit", l.objs.HandleExit},
	}
	for _, tp := range tracing {
		lk, err := link.AttachTracing(link.TracingOptions{Program: tp.prog})
		if err != nil {
			return l.closeErrorf("attaching "+tp.name+" BTF tracepoint", err)
		}
		l.links = append(l.links, namedLink{name: tp.name, link: lk})
	}

	syscalls := []struct {
		name string
		prog *ebpf.Program
	}{
		{"sys_enter_openat", l.objs.TraceOpenat},
		{"sys_enter_read", l.objs.TraceRead},
		{"sys_enter_write", l.objs.TraceWrite},
	}
	for _, tp := range syscalls {
		lk, err := link.Tracepoint("syscalls", tp.name, tp.prog, nil)
		if err != nil {
			return l.closeErrorf("attaching "+tp.name+" tracepoint", err)
		}
		l.links = append(l.links, namedLink{name: tp.name, link: lk})
	}

	return nil
}

// OpenRingBuffer opens and returns a ring buffer reader for receiving events.
func (l *Loader) OpenRingBuffer() (*ringbuf.Reader, error) {
	rd, err := ringbuf.NewReader(l.objs.Events)
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}
	return rd, nil
}

// TrackPID enables file events for pid in the kernel program.
func (l *Loader) TrackPID(pid uint32) error {
	val := uint8(1)
	if err := l.objs.TrackedPids.Put(&pid, &val); err != nil {
		return fmt.Errorf("adding PID %d to tracked map: %w", pid, err)
	}
	return nil
}

// UntrackPID disables file events for pid.
func (l *Loader) UntrackPID(pid uint32) error {
	if err := l.objs.TrackedPids.Delete(&pid); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("removing PID %d from tracked map: %w", pid, err)
	}
	return nil
}

// Close releases all BPF resources including links and loaded objects.
func (l *Loader) Close() error {
	var errs []error

	for i := len(l.links) - 1; i >= 0; i-- {
		if err := l.links[i].link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s link: %w", l.links[i].name, err))
		}
	}
	l.links = nil

	if err := l.objs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing BPF objects: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}

	return nil
}
