package threadpool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is a level-triggered epoll set with an eventfd for interrupts.
type epollPoller struct {
	epfd    int
	eventfd int
	events  []unix.EpollEvent
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &epollPoller{epfd: epfd, eventfd: efd, events: make([]unix.EpollEvent, 64)}
	if err := p.add(efd); err != nil {
		_ = p.close()
		return nil, err
	}
	return p, nil
}

func (p *epollPoller) add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) wait(timeout time.Duration) ([]int, bool, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("epoll_wait: %w", err)
	}

	var (
		ready       []int
		interrupted bool
	)
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if fd == p.eventfd {
			interrupted = true
			continue
		}
		// EPOLLHUP and EPOLLERR are reported as readable; the read surfaces them.
		ready = append(ready, fd)
	}
	return ready, interrupted, nil
}

func (p *epollPoller) interrupt() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(p.eventfd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("eventfd write: %w", err)
		}
		return nil
	}
}

func (p *epollPoller) clearInterrupt() error {
	var buf [8]byte
	for {
		_, err := unix.Read(p.eventfd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("eventfd read: %w", err)
		}
		return nil
	}
}

func (p *epollPoller) close() error {
	return errors.Join(unix.Close(p.eventfd), unix.Close(p.epfd))
}
