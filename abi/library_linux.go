//go:build linux
// +build linux

// File: abi/library_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package abi

import (
	"context"
	"encoding/binary"
	"time"
	"unsafe"

	"github.com/momentics/dpoll/api"
	"github.com/momentics/dpoll/control"
	"github.com/momentics/dpoll/facade"
	"github.com/momentics/dpoll/internal/transport"
	"golang.org/x/sys/unix"
)

// Library binds the C calling convention to one System.
type Library struct {
	sys  *facade.System
	base int
}

// NewLibrary wraps sys.
func NewLibrary(sys *facade.System) *Library {
	return &Library{sys: sys, base: sys.Config().FDBase}
}

// System returns the wrapped System.
func (l *Library) System() *facade.System { return l.sys }

// kernel reports whether fd is below the emulated range.
func (l *Library) kernel(fd int) bool {
	return fd >= 0 && fd < l.base
}

func result(op string, n int, err error) (int, unix.Errno) {
	if err != nil {
		errno := api.ErrnoOf(err)
		control.Tracef("abi", "%s: %v (errno %d)", op, err, int(errno))
		return -1, errno
	}
	return n, 0
}

func fail(op string, errno unix.Errno) (int, unix.Errno) {
	control.Tracef("abi", "%s: errno %d", op, int(errno))
	return -1, errno
}

// Socket implements socket(2).
func (l *Library) Socket(domain, typ, proto int) (int, unix.Errno) {
	fd, err := l.sys.Socket(domain, typ, proto)
	return result("socket", fd, err)
}

// Bind implements bind(2).
func (l *Library) Bind(fd int, addr unsafe.Pointer, addrlen uint32) (int, unix.Errno) {
	ap, err := sockaddrIn(addr, addrlen)
	if err != nil {
		return result("bind", 0, err)
	}
	return result("bind", 0, l.sys.Bind(fd, ap))
}

// Listen implements listen(2).
func (l *Library) Listen(fd, backlog int) (int, unix.Errno) {
	return result("listen", 0, l.sys.Listen(fd, backlog))
}

// Accept implements accept(2). addr and addrlen may be nil.
func (l *Library) Accept(fd int, addr unsafe.Pointer, addrlen *uint32) (int, unix.Errno) {
	nfd, peer, err := l.sys.Accept(fd)
	if err != nil {
		return result("accept", 0, err)
	}
	sockaddrOut(addr, addrlen, peer)
	return nfd, 0
}

// Connect implements connect(2). A connection that cannot complete at once
// reports EINPROGRESS.
func (l *Library) Connect(fd int, addr unsafe.Pointer, addrlen uint32) (int, unix.Errno) {
	ap, err := sockaddrIn(addr, addrlen)
	if err != nil {
		return result("connect", 0, err)
	}
	return result("connect", 0, l.sys.Connect(fd, ap))
}

// Close implements close(2).
func (l *Library) Close(fd int) (int, unix.Errno) {
	if l.kernel(fd) {
		return result("close", 0, unix.Close(fd))
	}
	return result("close", 0, l.sys.Close(fd))
}

// Read implements read(2).
func (l *Library) Read(fd int, buf unsafe.Pointer, count int) (int, unix.Errno) {
	b, err := bytesAt(buf, count)
	if err != nil {
		return result("read", 0, err)
	}
	if l.kernel(fd) {
		n, err := unix.Read(fd, b)
		return result("read", n, err)
	}
	n, err := l.sys.Read(fd, b)
	return result("read", n, err)
}

// Write implements write(2).
func (l *Library) Write(fd int, buf unsafe.Pointer, count int) (int, unix.Errno) {
	b, err := bytesAt(buf, count)
	if err != nil {
		return result("write", 0, err)
	}
	if l.kernel(fd) {
		n, err := unix.Write(fd, b)
		return result("write", n, err)
	}
	n, err := l.sys.Write(fd, b)
	return result("write", n, err)
}

// Readv implements readv(2).
func (l *Library) Readv(fd int, iov unsafe.Pointer, iovcnt int) (int, unix.Errno) {
	bufs, err := iovecsAt(iov, iovcnt)
	if err != nil {
		return result("readv", 0, err)
	}
	if l.kernel(fd) {
		n, err := unix.Readv(fd, bufs)
		return result("readv", n, err)
	}
	n, err := l.sys.Readv(fd, bufs)
	return result("readv", n, err)
}

// Writev implements writev(2).
func (l *Library) Writev(fd int, iov unsafe.Pointer, iovcnt int) (int, unix.Errno) {
	bufs, err := iovecsAt(iov, iovcnt)
	if err != nil {
		return result("writev", 0, err)
	}
	if l.kernel(fd) {
		n, err := unix.Writev(fd, bufs)
		return result("writev", n, err)
	}
	n, err := l.sys.Writev(fd, bufs)
	return result("writev", n, err)
}

// Sendmsg implements sendmsg(2) for connected stream sockets. A destination
// address and ancillary data are rejected.
func (l *Library) Sendmsg(fd int, msg unsafe.Pointer, flags int) (int, unix.Errno) {
	if msg == nil {
		return fail("sendmsg", unix.EFAULT)
	}
	hdr := (*unix.Msghdr)(msg)
	if hdr.Namelen != 0 {
		return fail("sendmsg", unix.EISCONN)
	}
	if hdr.Controllen != 0 {
		return fail("sendmsg", unix.EOPNOTSUPP)
	}
	bufs, err := iovecsAt(unsafe.Pointer(hdr.Iov), int(hdr.Iovlen))
	if err != nil {
		return result("sendmsg", 0, err)
	}
	n, err := l.sys.Sendmsg(fd, bufs, flags)
	return result("sendmsg", n, err)
}

// Recvmsg implements recvmsg(2). No source address or ancillary data is
// produced; msg_namelen, msg_controllen and msg_flags are cleared.
func (l *Library) Recvmsg(fd int, msg unsafe.Pointer, flags int) (int, unix.Errno) {
	if msg == nil {
		return fail("recvmsg", unix.EFAULT)
	}
	hdr := (*unix.Msghdr)(msg)
	bufs, err := iovecsAt(unsafe.Pointer(hdr.Iov), int(hdr.Iovlen))
	if err != nil {
		return result("recvmsg", 0, err)
	}
	n, err := l.sys.Recvmsg(fd, bufs, flags)
	if err != nil {
		return result("recvmsg", 0, err)
	}
	hdr.Namelen = 0
	hdr.Controllen = 0
	hdr.Flags = 0
	return n, 0
}

// Setsockopt implements setsockopt(2).
func (l *Library) Setsockopt(fd, level, name int, value unsafe.Pointer, vallen uint32) (int, unix.Errno) {
	v, err := bytesAt(value, int(vallen))
	if err != nil {
		return result("setsockopt", 0, err)
	}
	if l.kernel(fd) {
		return result("setsockopt", 0, unix.SetsockoptString(fd, level, name, string(v)))
	}
	return result("setsockopt", 0, l.sys.Setsockopt(fd, level, name, append([]byte(nil), v...)))
}

// Getsockname implements getsockname(2).
func (l *Library) Getsockname(fd int, addr unsafe.Pointer, addrlen *uint32) (int, unix.Errno) {
	if addr == nil || addrlen == nil {
		return fail("getsockname", unix.EFAULT)
	}
	if l.kernel(fd) {
		ap, err := transport.Sockname(fd)
		if err != nil {
			return result("getsockname", 0, err)
		}
		sockaddrOut(addr, addrlen, ap)
		return 0, 0
	}
	ap, err := l.sys.Getsockname(fd)
	if err != nil {
		return result("getsockname", 0, err)
	}
	sockaddrOut(addr, addrlen, ap)
	return 0, 0
}

// Create implements epoll_create1(2).
func (l *Library) Create(flags int) (int, unix.Errno) {
	fd, err := l.sys.Create(flags)
	return result("epoll_create", fd, err)
}

// Ctl implements epoll_ctl(2). event may be nil for EPOLL_CTL_DEL.
func (l *Library) Ctl(epfd, op, fd int, event unsafe.Pointer) (int, unix.Errno) {
	var ev *api.Event
	if event != nil {
		raw := (*unix.EpollEvent)(event)
		ev = &api.Event{Events: api.EventMask(raw.Events), Data: binary.NativeEndian.Uint64(eventData(raw))}
	}
	return result("epoll_ctl", 0, l.sys.Ctl(epfd, api.CtlOp(op), fd, ev))
}

// Pwait implements epoll_pwait(2). timeout is in milliseconds; negative blocks.
// sigmask, when non-nil, points at a kernel sigset_t.
func (l *Library) Pwait(epfd int, events unsafe.Pointer, maxevents, timeout int, sigmask unsafe.Pointer) (int, unix.Errno) {
	if maxevents <= 0 {
		return fail("epoll_pwait", unix.EINVAL)
	}
	if events == nil {
		return fail("epoll_pwait", unix.EFAULT)
	}
	wait := time.Duration(-1)
	if timeout >= 0 {
		wait = time.Duration(timeout) * time.Millisecond
	}
	buf := make([]api.Event, min(maxevents, maxPwaitEvents))
	n, err := l.sys.Pwait(context.Background(), epfd, buf, wait, (*unix.Sigset_t)(sigmask))
	if err != nil {
		return result("epoll_pwait", 0, err)
	}
	out := eventsAt(events, n)
	for i := range out {
		out[i].Events = uint32(buf[i].Events)
		binary.NativeEndian.PutUint64(eventData(&out[i]), buf[i].Data)
	}
	return n, 0
}
