//go:build linux
// +build linux

package percpu

import "golang.org/x/sys/unix"

// SchedCPUID asks the kernel which CPU the calling thread is currently
// running on, via sched_getcpu(2). Per spec.md §9, this is an advisory
// hint, not a safety property: the result can be stale the instant it's
// returned if the scheduler migrates the goroutine's thread, and every
// caller (malloc/free/restore) must tolerate that.
func SchedCPUID() int {
	cpu, err := unix.SchedGetcpu()
	if err != nil || cpu < 0 {
		return 0
	}
	return cpu
}
