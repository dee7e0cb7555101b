package slab

import (
	"runtime"

	"go.uber.org/atomic"
)

// spinLock is a short-hold mutual-exclusion primitive for the slab's hot
// path: alloc/free/set_occupied critical sections touch a handful of
// words (a bitmap bit, a ring-buffer slot, a counter) and are expected to
// complete in well under a microsecond, so parking on a futex via
// sync.Mutex is pure overhead next to a bounded compare-and-swap spin.
// This is deliberately not sync.Mutex: spec.md §4.1/§5 calls for a
// distinct, lighter primitive here than the segment manager's
// longer-hold lock.
type spinLock struct {
	held atomic.Bool
}

func (l *spinLock) Lock() {
	for !l.held.CAS(false, true) {
		runtime.Gosched()
	}
}

func (l *spinLock) Unlock() {
	l.held.Store(false)
}
