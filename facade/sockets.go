// File: facade/sockets.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// POSIX socket operations. None of them block: work the runtime cannot
// finish immediately is submitted and reported as would-block, and results
// are applied to the socket by the next Pwait.

package facade

import (
	"errors"
	"net/netip"

	"github.com/momentics/dpoll/api"
	"github.com/momentics/dpoll/control"
	"github.com/momentics/dpoll/internal/pending"
	"github.com/momentics/dpoll/internal/registry"
	"github.com/momentics/dpoll/internal/socket"
	"golang.org/x/sys/unix"
)

// Socket creates a stream socket. SOCK_NONBLOCK and SOCK_CLOEXEC are accepted and ignored.
func (s *System) Socket(domain, typ, proto int) (int, error) {
	if domain != api.AFInet && domain != api.AFInet6 {
		return -1, api.Errorf(api.ErrCodeNotSupported, "address family %d", domain).WithErrno(unix.EAFNOSUPPORT)
	}
	if typ&^(api.SockTypeMask|api.SockNonblock|api.SockCloexec) != 0 {
		return -1, api.Errorf(api.ErrCodeInvalidArgument, "socket type flags %#x", typ)
	}
	base := typ & api.SockTypeMask
	if base != api.SockStream {
		return -1, api.Errorf(api.ErrCodeNotSupported, "socket type %d", base).WithErrno(unix.ESOCKTNOSUPPORT)
	}
	if proto != api.IPProtoIP && proto != api.IPProtoTCP {
		return -1, api.Errorf(api.ErrCodeNotSupported, "protocol %d", proto).WithErrno(unix.EPROTONOSUPPORT)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fds.Len() == s.fds.Cap() {
		return -1, api.NewError(api.ErrCodeResourceExhausted, "descriptor table full").WithErrno(unix.EMFILE)
	}
	qd, err := s.rt.Socket(domain, base, proto)
	if err != nil {
		return -1, api.Propagate("socket", err)
	}
	fd, _, err := s.fds.Allocate(registry.KindSocket, socket.New(domain, base, proto, qd))
	if err != nil {
		s.closeQueue(qd)
		return -1, err
	}
	s.gaugeFDs()
	control.Tracef("facade", "socket fd=%d qd=%d domain=%d", fd, qd, domain)
	return fd, nil
}

func checkFamily(sock *socket.Socket, addr netip.AddrPort) error {
	if !addr.IsValid() {
		return api.NewError(api.ErrCodeInvalidArgument, "invalid address")
	}
	if sock.Domain == api.AFInet && !addr.Addr().Unmap().Is4() {
		return api.Errorf(api.ErrCodeInvalidArgument, "address %s for AF_INET socket", addr).WithErrno(unix.EAFNOSUPPORT)
	}
	return nil
}

func normalize(sock *socket.Socket, addr netip.AddrPort) netip.AddrPort {
	if sock.Domain == api.AFInet {
		return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	}
	return addr
}

// Bind assigns addr to socket fd.
func (s *System) Bind(fd int, addr netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, _, err := s.socketLocked(fd)
	if err != nil {
		return err
	}
	if err := checkFamily(sock, addr); err != nil {
		return err
	}
	if sock.State() != api.StateCreated {
		return sock.Bind(addr)
	}
	addr = normalize(sock, addr)
	if err := s.rt.Bind(sock.QD, addr); err != nil {
		return api.Propagate("bind", err)
	}
	return sock.Bind(addr)
}

// Listen makes bound socket fd passive.
func (s *System) Listen(fd, backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, _, err := s.socketLocked(fd)
	if err != nil {
		return err
	}
	if sock.State() != api.StateBound {
		return sock.Listen(backlog)
	}
	if err := s.rt.Listen(sock.QD, backlog); err != nil {
		return api.Propagate("listen", err)
	}
	return sock.Listen(backlog)
}

// Accept hands out the oldest accepted connection of listening socket fd.
// With none queued a failed accept is reported once, otherwise an accept is
// armed and api.ErrWouldBlock returned.
func (s *System) Accept(fd int) (int, netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, e, err := s.socketLocked(fd)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	if err := sock.CheckAccept(); err != nil {
		return -1, netip.AddrPort{}, err
	}
	s.harvestSlotLocked(fd, pending.DirRead)
	if sock.AcceptsQueued() == 0 {
		if err := sock.TakeAcceptError(); err != nil {
			return -1, netip.AddrPort{}, err
		}
		if err := s.armAcceptLocked(sock, e); err != nil {
			return -1, netip.AddrPort{}, err
		}
		return -1, netip.AddrPort{}, api.ErrWouldBlock
	}
	if s.fds.Len() == s.fds.Cap() {
		return -1, netip.AddrPort{}, api.NewError(api.ErrCodeResourceExhausted, "descriptor table full").WithErrno(unix.EMFILE)
	}
	a, _ := sock.PopAccept()
	child := socket.NewAccepted(sock, a)
	cfd, _, err := s.fds.Allocate(registry.KindSocket, child)
	if err != nil {
		s.closeQueue(a.QD)
		return -1, netip.AddrPort{}, err
	}
	s.gaugeFDs()
	control.Tracef("facade", "fd %d accepted fd=%d qd=%d peer=%s", fd, cfd, a.QD, a.Peer)
	return cfd, a.Peer, nil
}

func (s *System) armAcceptLocked(sock *socket.Socket, e registry.Entry) error {
	if s.ops.Busy(e.FD, pending.DirRead) {
		return nil
	}
	_, err := s.submitLocked(e, pending.KindAccept, nil, func() (api.Token, error) {
		return s.rt.Accept(sock.QD)
	})
	return err
}

func (s *System) armPopLocked(sock *socket.Socket, e registry.Entry) error {
	if s.ops.Busy(e.FD, pending.DirRead) || !sock.NeedsPop(s.cfg.ReadBufferSize) {
		return nil
	}
	_, err := s.submitLocked(e, pending.KindPop, nil, func() (api.Token, error) {
		return s.rt.Pop(sock.QD)
	})
	if err != nil {
		sock.Fail(err)
	}
	return err
}

// harvestSlotLocked applies the completion of fd's operation in dir if it has arrived.
func (s *System) harvestSlotLocked(fd int, dir pending.Direction) {
	op := s.ops.Outstanding(fd, dir)
	if op == nil {
		return
	}
	if r, ok := s.ops.HarvestToken(op.Token); ok {
		s.applyLocked(r)
	}
}

// Connect starts an active open. Success is reported as api.ErrInProgress;
// the outcome becomes visible as writability after a later Pwait.
func (s *System) Connect(fd int, addr netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, e, err := s.socketLocked(fd)
	if err != nil {
		return err
	}
	if err := checkFamily(sock, addr); err != nil {
		return err
	}
	addr = normalize(sock, addr)
	if err := sock.BeginConnect(addr); err != nil {
		return err
	}
	_, err = s.submitLocked(e, pending.KindConnect, nil, func() (api.Token, error) {
		return s.rt.Connect(sock.QD, addr)
	})
	if err != nil {
		sock.AbortConnect(err)
		return err
	}
	return api.NewError(api.ErrCodeWouldBlock, "connect in progress").WithErrno(unix.EINPROGRESS)
}

// Read reads into b.
func (s *System) Read(fd int, b []byte) (int, error) {
	return s.recv(fd, [][]byte{b}, false)
}

// Readv reads into bufs in order.
func (s *System) Readv(fd int, bufs [][]byte) (int, error) {
	return s.recv(fd, bufs, false)
}

// Recvmsg reads into bufs. MSG_PEEK leaves the bytes queued; MSG_DONTWAIT and
// MSG_NOSIGNAL are accepted; any other flag is rejected.
func (s *System) Recvmsg(fd int, bufs [][]byte, flags int) (int, error) {
	if flags&^(api.MsgPeek|api.MsgDontWait|api.MsgNoSignal) != 0 {
		return -1, api.Errorf(api.ErrCodeNotSupported, "recvmsg flags %#x", flags)
	}
	return s.recv(fd, bufs, flags&api.MsgPeek != 0)
}

func (s *System) recv(fd int, bufs [][]byte, peek bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, e, err := s.socketLocked(fd)
	if err != nil {
		return -1, err
	}
	s.harvestSlotLocked(fd, pending.DirRead)
	n, err := sock.Read(bufs, peek)
	if errors.Is(err, api.ErrWouldBlock) {
		if aerr := s.armPopLocked(sock, e); aerr != nil {
			// the failure is now stored on the socket; report it here, once
			_, ferr := sock.Read(bufs, peek)
			return -1, ferr
		}
		return -1, err
	}
	if err != nil {
		return -1, err
	}
	return n, nil
}

// Write writes b.
func (s *System) Write(fd int, b []byte) (int, error) {
	return s.send(fd, [][]byte{b})
}

// Writev writes bufs as one contiguous message.
func (s *System) Writev(fd int, bufs [][]byte) (int, error) {
	return s.send(fd, bufs)
}

// Sendmsg writes bufs. MSG_DONTWAIT and MSG_NOSIGNAL are accepted; any other flag is rejected.
func (s *System) Sendmsg(fd int, bufs [][]byte, flags int) (int, error) {
	if flags&^(api.MsgDontWait|api.MsgNoSignal) != 0 {
		return -1, api.Errorf(api.ErrCodeNotSupported, "sendmsg flags %#x", flags)
	}
	return s.send(fd, bufs)
}

// send copies up to MaxWriteSize bytes of bufs into one segment and pushes it.
// The count returned never exceeds the bytes supplied.
func (s *System) send(fd int, bufs [][]byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, e, err := s.socketLocked(fd)
	if err != nil {
		return -1, err
	}
	s.harvestSlotLocked(fd, pending.DirWrite)
	if err := sock.CheckWrite(); err != nil {
		return -1, err
	}
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	if total == 0 {
		return 0, nil
	}
	if s.ops.Busy(fd, pending.DirWrite) {
		return -1, api.ErrWouldBlock
	}
	if total > s.cfg.MaxWriteSize {
		total = s.cfg.MaxWriteSize
	}
	seg := make([]byte, 0, total)
	for _, b := range bufs {
		room := total - len(seg)
		if room == 0 {
			break
		}
		if len(b) > room {
			b = b[:room]
		}
		seg = append(seg, b...)
	}
	var accepted int
	_, err = s.submitLocked(e, pending.KindPush, [][]byte{seg}, func() (api.Token, error) {
		tok, n, err := s.rt.Push(sock.QD, [][]byte{seg})
		accepted = n
		return tok, err
	})
	if err != nil {
		sock.Fail(err)
		return -1, sock.CheckWrite()
	}
	if accepted > len(seg) {
		accepted = len(seg)
	}
	if accepted <= 0 {
		return -1, api.ErrWouldBlock
	}
	return accepted, nil
}

// Setsockopt records an option on fd and forwards it to runtimes that apply options.
func (s *System) Setsockopt(fd, level, name int, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, _, err := s.socketLocked(fd)
	if err != nil {
		return err
	}
	if sock.State() == api.StateClosed {
		return api.ErrInvalidDescriptor
	}
	sock.SetOption(level, name, value)
	if setter, ok := s.rt.(api.OptionSetter); ok {
		if err := setter.SetOption(sock.QD, level, name, value); err != nil {
			return api.Propagate("setsockopt", err)
		}
	}
	return nil
}

// Getsockopt returns a value previously recorded by Setsockopt.
func (s *System) Getsockopt(fd, level, name int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, _, err := s.socketLocked(fd)
	if err != nil {
		return nil, err
	}
	v, ok := sock.Option(level, name)
	if !ok {
		return nil, api.Errorf(api.ErrCodeNotSupported, "option %d/%d not set", level, name).WithErrno(unix.ENOPROTOOPT)
	}
	return v, nil
}

// Getsockname reports the local address of fd: the runtime's view when it has one,
// else the bound address, else the unspecified address of the socket's family.
func (s *System) Getsockname(fd int) (netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, _, err := s.socketLocked(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if la, err := s.rt.LocalAddr(sock.QD); err == nil && la.IsValid() && (la.Port() != 0 || !la.Addr().IsUnspecified()) {
		return la, nil
	}
	if l := sock.Local(); l.IsValid() {
		return l, nil
	}
	return api.Unspecified(sock.Domain), nil
}

// Getpeername reports the remote address of a connected socket.
func (s *System) Getpeername(fd int) (netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, _, err := s.socketLocked(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if sock.State() != api.StateConnected || !sock.Peer().IsValid() {
		return netip.AddrPort{}, api.NewError(api.ErrCodeInvalidState, "socket not connected").WithErrno(unix.ENOTCONN)
	}
	return sock.Peer(), nil
}
