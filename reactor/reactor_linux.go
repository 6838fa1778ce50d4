//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based waiter. Registrations are level-triggered and live
// for one Wait call; an eventfd carries wakeups.

package reactor

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type linuxWaiter struct {
	mu      sync.Mutex // serializes Wait
	epfd    int
	wakefd  int
	watched []int
	events  []unix.EpollEvent
}

// NewWaiter constructs the epoll waiter.
func NewWaiter() (Waiter, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}
	return &linuxWaiter{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, 128),
	}, nil
}

func toEpoll(in Interest) uint32 {
	var ev uint32
	if in&InterestRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// register adds interest for the duration of one Wait.
func (w *linuxWaiter) register(interest map[int]Interest) {
	for fd, in := range interest {
		ev := unix.EpollEvent{Events: toEpoll(in), Fd: int32(fd)}
		err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
		if err == unix.EEXIST {
			err = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
		}
		if err != nil {
			continue
		}
		w.watched = append(w.watched, fd)
	}
}

// unregister drops every registration. A descriptor closed meanwhile has
// already left the epoll set, so errors are ignored.
func (w *linuxWaiter) unregister() {
	for _, fd := range w.watched {
		_ = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	w.watched = w.watched[:0]
}

// Wait implements Waiter.
func (w *linuxWaiter) Wait(interest map[int]Interest, timeout time.Duration) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.register(interest)
	defer w.unregister()

	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.EpollWait(w.epfd, w.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, unix.EINTR
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	ready := 0
	for i := 0; i < n; i++ {
		if int(w.events[i].Fd) == w.wakefd {
			var buf [8]byte
			_, _ = unix.Read(w.wakefd, buf[:])
			continue
		}
		ready++
	}
	return ready, nil
}

// Wake implements Waiter.
func (w *linuxWaiter) Wake() error {
	one := [8]byte{1}
	_, err := unix.Write(w.wakefd, one[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// Close implements Waiter.
func (w *linuxWaiter) Close() error {
	unix.Close(w.wakefd)
	return unix.Close(w.epfd)
}
