// Package bpf provides Go bindings for the eBPF activity collector.
//
// The object file is built from monitor.bpf.c and loaded at runtime from
// a path, so the daemon can run without the collector when only the proc
// connector is wanted.
package bpf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
)

// Event type constants matching kernel/C conventions.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches C/kernel conventions
const (
	EVENT_FORK  = 1
	EVENT_EXEC  = 2
	EVENT_EXIT  = 3
	EVENT_OPEN  = 4
	EVENT_READ  = 5
	EVENT_WRITE = 6
)

// PathLen is the size of Event.Path including the terminating NUL.
const PathLen = 256

// Event matches struct event in monitor.bpf.c.
type Event struct {
	Type       uint32
	Pid        uint32 // Thread id of the subject
	Tgid       uint32 // Process id of the subject
	ParentTgid uint32 // Fork and exit only
	Timestamp  uint64 // bpf_ktime_get_ns
	Length     uint64 // Read and write byte count
	Flags      uint32 // openat flags
	Fd         int32  // Read and write descriptor
	Path       [PathLen]byte
}

// PathString returns Path up to the first NUL.
func (e *Event) PathString() string {
	if i := bytes.IndexByte(e.Path[:], 0); i >= 0 {
		return string(e.Path[:i])
	}
	return string(e.Path[:])
}

// Decode parses a ring buffer sample.
func Decode(raw []byte) (Event, error) {
	var ev Event
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ev); err != nil {
		return Event{}, fmt.Errorf("parsing event: %w", err)
	}
	return ev, nil
}

// Programs are the collector programs, one per hook.
type Programs struct {
	HandleFork  *ebpf.Program `ebpf:"handle_fork"`
	HandleExec  *ebpf.Program `ebpf:"handle_exec"`
	HandleExit  *ebpf.Program `ebpf:"handle_exit"`
	TraceOpenat *ebpf.Program `ebpf:"trace_openat"`
	TraceRead   *ebpf.Program `ebpf:"trace_read"`
	TraceWrite  *ebpf.Program `ebpf:"trace_write"`
}

// Close releases the programs.
func (p *Programs) Close() error {
	return closeAll(p.HandleFork, p.HandleExec, p.HandleExit, p.TraceOpenat, p.TraceRead, p.TraceWrite)
}

// Maps are the collector maps.
type Maps struct {
	// Events is the ring buffer carrying Event samples.
	Events *ebpf.Map `ebpf:"events"`
	// TrackedPids gates file events to tracked tgids.
	TrackedPids *ebpf.Map `ebpf:"tracked_pids"`
}

// Close releases the maps.
func (m *Maps) Close() error {
	return closeAll(m.Events, m.TrackedPids)
}

// Objects are all programs and maps of the collector.
type Objects struct {
	Programs
	Maps
}

// Close releases all objects.
func (o *Objects) Close() error {
	return errors.Join(o.Programs.Close(), o.Maps.Close())
}

// LoadObjects loads the compiled collector at path into the kernel and
// assigns its programs and maps to obj.
func LoadObjects(path string, obj *Objects, opts *ebpf.CollectionOptions) error {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return fmt.Errorf("reading BPF object %s: %w", path, err)
	}
	if err := spec.LoadAndAssign(obj, opts); err != nil {
		return fmt.Errorf("loading BPF object %s: %w", path, err)
	}
	return nil
}

type closer interface{ Close() error }

func closeAll(cs ...closer) error {
	var errs []error
	for _, c := range cs {
		switch v := c.(type) {
		case *ebpf.Program:
			if v == nil {
				continue
			}
		case *ebpf.Map:
			if v == nil {
				continue
			}
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
