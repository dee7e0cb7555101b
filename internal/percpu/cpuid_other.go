//go:build !linux
// +build !linux

package percpu

import "go.uber.org/atomic"

// roundRobin backs SchedCPUID on platforms without sched_getcpu(2). It's
// a coarser advisory hint than the Linux syscall, but the contract is
// the same: callers must not depend on a stable CPU id across calls.
var roundRobin atomic.Int64

// SchedCPUID approximates the current CPU via an atomic round-robin
// counter when no OS-level CPU-id syscall is available.
func SchedCPUID() int {
	return int(roundRobin.Inc())
}
