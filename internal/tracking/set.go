package tracking

import (
	"log/slog"
	"strings"

	"github.com/mrzor/activity-monitor/internal/spinlock"
)

// Capacity is the maximum number of tracked processes.
const Capacity = 1024

// PID identifies a process (a thread group id on Linux).
type PID uint32

// Set is a bounded, append-only set of tracked process ids.
type Set struct {
	lock     spinlock.Lock
	members  map[PID]struct{}
	target   string
	resolver ImageResolver
}

// NewSet creates an empty set that discovers its first member by matching
// image paths against target. An empty target disables discovery.
func NewSet(target string, resolver ImageResolver) *Set {
	return &Set{
		members:  make(map[PID]struct{}, Capacity),
		target:   target,
		resolver: resolver,
	}
}

// Contains reports whether pid is tracked.
//
// If the set is empty, pid's image path is resolved and matched against the
// target instead; a match inserts pid and reports true. Resolution errors
// count as "not tracked".
func (s *Set) Contains(pid PID) bool {
	s.lock.Lock()
	if len(s.members) > 0 {
		_, ok := s.members[pid]
		s.lock.Unlock()
		return ok
	}
	s.lock.Unlock()

	// Resolution may block; it must stay outside the lock.
	if !s.matchesTarget(pid) {
		return false
	}

	if !s.insertIfEmpty(pid) {
		// Another caller discovered first; pid is tracked only if it was
		// that caller's match.
		return s.member(pid)
	}
	slog.Debug("discovered target process", "pid", pid, "target", s.target)
	return true
}

// insertIfEmpty inserts pid only if no member was added since the caller
// saw the set empty.
func (s *Set) insertIfEmpty(pid PID) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if len(s.members) != 0 {
		return false
	}
	s.members[pid] = struct{}{}
	return true
}

func (s *Set) member(pid PID) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.members[pid]
	return ok
}

// Insert adds pid to the set. It is a no-op when the set is saturated or
// pid is already present.
func (s *Set) Insert(pid PID) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if len(s.members) >= Capacity {
		return
	}
	s.members[pid] = struct{}{}
}

// Len returns the number of tracked processes.
func (s *Set) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.members)
}

// Saturated reports whether the set reached Capacity.
func (s *Set) Saturated() bool {
	return s.Len() >= Capacity
}

// Snapshot returns the tracked ids in no particular order.
func (s *Set) Snapshot() []PID {
	s.lock.Lock()
	defer s.lock.Unlock()

	pids := make([]PID, 0, len(s.members))
	for pid := range s.members {
		pids = append(pids, pid)
	}
	return pids
}

func (s *Set) matchesTarget(pid PID) bool {
	if s.target == "" || s.resolver == nil {
		return false
	}

	path, err := s.resolver.ImagePath(pid)
	if err != nil || path == "" {
		return false
	}
	return strings.Contains(path, s.target)
}
