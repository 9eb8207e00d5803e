//go:build unix && !linux

package threadpool

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller uses poll(2) with a self-pipe for interrupts.
type pollPoller struct {
	pipe [2]int
	fds  map[int]struct{}
	set  []unix.PollFd
}

func newPoller() (poller, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, fmt.Errorf("pipe nonblock: %w", err)
		}
	}
	return &pollPoller{pipe: fds, fds: make(map[int]struct{})}, nil
}

func (p *pollPoller) add(fd int) error {
	if _, ok := p.fds[fd]; ok {
		return fmt.Errorf("fd %d already in poll set", fd)
	}
	p.fds[fd] = struct{}{}
	p.set = nil
	return nil
}

func (p *pollPoller) remove(fd int) error {
	delete(p.fds, fd)
	p.set = nil
	return nil
}

func (p *pollPoller) rebuild() {
	fds := make([]int, 0, len(p.fds))
	for fd := range p.fds {
		fds = append(fds, fd)
	}
	sort.Ints(fds)

	p.set = make([]unix.PollFd, 0, len(fds)+1)
	p.set = append(p.set, unix.PollFd{Fd: int32(p.pipe[0]), Events: unix.POLLIN})
	for _, fd := range fds {
		p.set = append(p.set, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
}

func (p *pollPoller) wait(timeout time.Duration) ([]int, bool, error) {
	if p.set == nil {
		p.rebuild()
	}
	for i := range p.set {
		p.set[i].Revents = 0
	}

	n, err := unix.Poll(p.set, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}

	interrupted := p.set[0].Revents != 0
	var ready []int
	for _, pfd := range p.set[1:] {
		if pfd.Revents != 0 {
			ready = append(ready, int(pfd.Fd))
		}
	}
	return ready, interrupted, nil
}

func (p *pollPoller) interrupt() error {
	for {
		_, err := unix.Write(p.pipe[1], []byte{0})
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("pipe write: %w", err)
		}
		return nil
	}
}

func (p *pollPoller) clearInterrupt() error {
	var buf [64]byte
	for {
		_, err := unix.Read(p.pipe[0], buf[:])
		switch {
		case err == nil:
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil
		default:
			return fmt.Errorf("pipe read: %w", err)
		}
	}
}

func (p *pollPoller) close() error {
	return errors.Join(unix.Close(p.pipe[0]), unix.Close(p.pipe[1]))
}
