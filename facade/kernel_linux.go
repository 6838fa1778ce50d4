//go:build linux
// +build linux

// File: facade/kernel_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Kernel descriptors in emulated epoll sets. Descriptors below FDBase are
// registered with a real epoll owned by the instance and merged into its
// results on every cycle.

package facade

import (
	"encoding/binary"
	"time"
	"unsafe"

	"github.com/momentics/dpoll/api"
	"github.com/momentics/dpoll/control"
	"golang.org/x/sys/unix"
)

type kernelSet struct {
	epfd        int
	events      []unix.EpollEvent
	kernelFirst bool
}

// kernelFD reports whether fd belongs to the kernel rather than the registry.
func (s *System) kernelFD(fd int) bool {
	return fd >= 0 && fd < s.cfg.FDBase
}

// kernelCtlLocked applies an epoll_ctl for a kernel descriptor to epfd's kernel set.
func (s *System) kernelCtlLocked(epfd int, op api.CtlOp, fd int, ev api.Event) error {
	ks := s.kernel[epfd]
	if ks == nil {
		if op != api.CtlAdd {
			return api.Errorf(api.ErrCodeNotRegistered, "fd %d not watched", fd)
		}
		kfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
		if err != nil {
			return api.Propagate("epoll_create1", err)
		}
		ks = &kernelSet{epfd: kfd, events: make([]unix.EpollEvent, 64)}
		s.kernel[epfd] = ks
		control.Tracef("facade", "epoll %d: kernel set fd=%d", epfd, kfd)
	}
	var kev unix.EpollEvent
	kev.Events = uint32(ev.Events)
	binary.NativeEndian.PutUint64(unsafe.Slice((*byte)(unsafe.Pointer(&kev.Fd)), 8), ev.Data)
	if err := unix.EpollCtl(ks.epfd, int(op), fd, &kev); err != nil {
		return api.Propagate("epoll_ctl", err)
	}
	return nil
}

// kernelCollectLocked stores ready kernel events of epfd into dst without blocking.
func (s *System) kernelCollectLocked(epfd int, dst []api.Event) int {
	ks := s.kernel[epfd]
	if ks == nil || len(dst) == 0 {
		return 0
	}
	buf := ks.events
	if len(dst) < len(buf) {
		buf = buf[:len(dst)]
	}
	n, err := unix.EpollWait(ks.epfd, buf, 0)
	if err != nil {
		control.Tracef("facade", "epoll %d: kernel set: %v", epfd, err)
		return 0
	}
	for i := 0; i < n; i++ {
		dst[i] = api.Event{
			Events: api.EventMask(buf[i].Events),
			Data:   binary.NativeEndian.Uint64(unsafe.Slice((*byte)(unsafe.Pointer(&buf[i].Fd)), 8)),
		}
	}
	return n
}

// kernelOrderLocked reports whether epfd watches kernel descriptors and, if
// so, whether they go first in this collection pass.
func (s *System) kernelOrderLocked(epfd int) (watched, first bool) {
	ks := s.kernel[epfd]
	if ks == nil {
		return false, false
	}
	ks.kernelFirst = !ks.kernelFirst
	return true, ks.kernelFirst
}

// kernelWaitFD returns the kernel epoll behind epfd, or -1.
func (s *System) kernelWaitFD(epfd int) int {
	if ks := s.kernel[epfd]; ks != nil {
		return ks.epfd
	}
	return -1
}

func (s *System) closeKernelLocked(epfd int) {
	ks := s.kernel[epfd]
	if ks == nil {
		return
	}
	delete(s.kernel, epfd)
	if err := unix.Close(ks.epfd); err != nil {
		control.Errorf("facade", "epoll %d: closing kernel set: %v", epfd, err)
	}
}

// sleepKernel blocks until the kernel epoll kfd has events or timeout elapses.
// The epoll descriptor is polled rather than waited on so no event is consumed.
func sleepKernel(kfd int, timeout time.Duration) error {
	ms := int((timeout + time.Millisecond - 1) / time.Millisecond)
	_, err := unix.Poll([]unix.PollFd{{Fd: int32(kfd), Events: unix.POLLIN}}, ms)
	return err
}
