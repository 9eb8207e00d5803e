package threadpool

import "time"

// poller is the wait set the leader blocks in.
//
// add, remove, wait and clearInterrupt are only called by the current
// leader. interrupt may be called from any goroutine and wakes a blocked
// wait until clearInterrupt is called.
type poller interface {
	add(fd int) error
	remove(fd int) error

	// wait blocks until a registered fd is readable, the poller is
	// interrupted, or timeout elapses (timeout <= 0 blocks indefinitely).
	// A wait cut short by a signal returns no fds and no error.
	wait(timeout time.Duration) (ready []int, interrupted bool, err error)

	interrupt() error
	clearInterrupt() error
	close() error
}

func timeoutMillis(timeout time.Duration) int {
	if timeout <= 0 {
		return -1
	}
	ms := int(timeout / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}
