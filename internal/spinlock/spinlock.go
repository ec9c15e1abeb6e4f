// Package spinlock provides a busy-wait lock for short critical sections.
//
// Event handlers run on the collector goroutines and must not park on a
// mutex wait queue. Critical sections guarded by Lock are a handful of
// pointer or map operations, so spinning is cheaper than parking.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield bounds the tight spin before handing the processor back.
const spinsBeforeYield = 64

// Lock is a test-and-test-and-set spin lock. The zero value is unlocked.
// A Lock must not be copied after first use.
type Lock struct {
	_     noCopy
	state atomic.Uint32
}

// Lock acquires the lock, spinning until it is available.
func (l *Lock) Lock() {
	for spins := 0; ; spins++ {
		if l.state.Load() == 0 && l.state.CompareAndSwap(0, 1) {
			return
		}
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock acquires the lock only if it is free.
func (l *Lock) TryLock() bool {
	return l.state.Load() == 0 && l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock. Unlocking an unlocked Lock panics.
func (l *Lock) Unlock() {
	if l.state.Swap(0) == 0 {
		panic("spinlock: unlock of unlocked lock")
	}
}

// noCopy lets go vet's copylocks check flag copies of Lock.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
