// File: facade/epoll.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// epoll_create and epoll_ctl over emulated descriptors.

package facade

import (
	"github.com/momentics/dpoll/api"
	"github.com/momentics/dpoll/control"
	"github.com/momentics/dpoll/internal/epoll"
	"github.com/momentics/dpoll/internal/registry"
	"golang.org/x/sys/unix"
)

// Create allocates an epoll instance. Flags may be 0 or EPOLL_CLOEXEC.
func (s *System) Create(flags int) (int, error) {
	if flags&^api.CreateCloexec != 0 {
		return -1, api.Errorf(api.ErrCodeInvalidArgument, "epoll_create flags %#x", flags)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fd, _, err := s.fds.Allocate(registry.KindEpoll, epoll.New())
	if err != nil {
		return -1, err
	}
	s.gaugeFDs()
	control.Tracef("facade", "epoll fd=%d", fd)
	return fd, nil
}

// Ctl adds, modifies or removes fd in the interest set of epfd. ev may be nil for DEL.
// Descriptors below FDBase are kernel descriptors and go to the kernel set of epfd.
func (s *System) Ctl(epfd int, op api.CtlOp, fd int, ev *api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, err := s.epollLocked(epfd)
	if err != nil {
		return err
	}
	if fd == epfd {
		return api.NewError(api.ErrCodeInvalidArgument, "epoll instance cannot watch itself")
	}
	var event api.Event
	switch op {
	case api.CtlAdd, api.CtlMod:
		if ev == nil {
			return api.Errorf(api.ErrCodeInvalidArgument, "%s without event", op).WithErrno(unix.EFAULT)
		}
		event = *ev
	case api.CtlDel:
	default:
		return api.Errorf(api.ErrCodeInvalidArgument, "unknown epoll op %d", int(op))
	}
	if s.kernelFD(fd) {
		if err := s.kernelCtlLocked(epfd, op, fd, event); err != nil {
			return err
		}
		control.Tracef("facade", "epoll %d: %s kernel fd=%d events=%s", epfd, op, fd, event.Events)
		return nil
	}
	target, err := s.fds.Lookup(fd)
	if err != nil {
		return err
	}
	if target.Kind == registry.KindEpoll {
		return api.NewError(api.ErrCodeNotSupported, "nested epoll instances").WithErrno(unix.EPERM)
	}
	if err := in.Ctl(op, fd, event); err != nil {
		return err
	}
	control.Tracef("facade", "epoll %d: %s fd=%d events=%s", epfd, op, fd, event.Events)
	return nil
}
