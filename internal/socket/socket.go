// File: internal/socket/socket.go
// Package socket holds the per-descriptor state of an emulated stream socket.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Socket tracks its lifecycle state, the runtime queue it is bound to,
// received segments not yet consumed by the caller, accepted connections
// not yet handed out, and a stored failure. It never talks to the runtime;
// the engine applies completions to it and asks it for readiness.

package socket

import (
	"net/netip"

	"github.com/eapache/queue"
	"github.com/momentics/dpoll/api"
	"golang.org/x/sys/unix"
)

// Accepted is a connection produced by an Accept completion.
type Accepted struct {
	QD   api.QD
	Peer netip.AddrPort
}

// Socket is not synchronized; callers hold the engine lock.
type Socket struct {
	Domain int
	Type   int
	Proto  int
	QD     api.QD

	state   api.SocketState
	local   netip.AddrPort
	peer    netip.AddrPort
	backlog int

	inbound  *queue.Queue // []byte segments
	offset   int          // consumed prefix of the head segment
	buffered int

	accepts   *queue.Queue // Accepted
	acceptErr error        // failed accept, returned by the next Accept

	eof          bool // peer finished sending
	eofDelivered bool // a zero-byte read returned
	err          error
	errReported  bool
	qdReleased   bool

	options map[int][]byte
}

// New creates a socket in the Created state.
func New(domain, typ, proto int, qd api.QD) *Socket {
	return &Socket{
		Domain:  domain,
		Type:    typ,
		Proto:   proto,
		QD:      qd,
		state:   api.StateCreated,
		inbound: queue.New(),
		accepts: queue.New(),
		options: make(map[int][]byte),
	}
}

// NewAccepted creates a Connected socket for an accepted connection.
func NewAccepted(parent *Socket, a Accepted) *Socket {
	s := New(parent.Domain, parent.Type, parent.Proto, a.QD)
	s.state = api.StateConnected
	s.peer = a.Peer
	return s
}

// State returns the lifecycle state.
func (s *Socket) State() api.SocketState { return s.state }

// Local returns the address recorded by Bind.
func (s *Socket) Local() netip.AddrPort { return s.local }

// Peer returns the remote address, when known.
func (s *Socket) Peer() netip.AddrPort { return s.peer }

// Backlog returns the listen backlog.
func (s *Socket) Backlog() int { return s.backlog }

func notConnected() *api.Error {
	return api.NewError(api.ErrCodeInvalidState, "socket not connected").WithErrno(unix.ENOTCONN)
}

func closedErr() *api.Error {
	return api.NewError(api.ErrCodeInvalidDescriptor, "socket closed")
}

// Bind records the local address. Allowed only from Created.
func (s *Socket) Bind(addr netip.AddrPort) error {
	switch s.state {
	case api.StateClosed:
		return closedErr()
	case api.StateCreated:
		s.local = addr
		s.state = api.StateBound
		return nil
	}
	return api.Errorf(api.ErrCodeInvalidState, "bind in state %s", s.state)
}

// Listen moves a bound socket to Listening.
func (s *Socket) Listen(backlog int) error {
	switch s.state {
	case api.StateClosed:
		return closedErr()
	case api.StateBound:
		s.backlog = backlog
		s.state = api.StateListening
		return nil
	}
	return api.Errorf(api.ErrCodeInvalidState, "listen in state %s", s.state)
}

// CheckAccept verifies the socket can hand out connections.
func (s *Socket) CheckAccept() error {
	switch s.state {
	case api.StateClosed:
		return closedErr()
	case api.StateListening:
		return nil
	}
	return api.Errorf(api.ErrCodeInvalidState, "accept in state %s", s.state)
}

// BeginConnect moves the socket to Connecting.
func (s *Socket) BeginConnect(addr netip.AddrPort) error {
	switch s.state {
	case api.StateClosed:
		return closedErr()
	case api.StateCreated, api.StateBound:
		s.peer = addr
		s.state = api.StateConnecting
		return nil
	case api.StateConnecting:
		return api.NewError(api.ErrCodeOperationAlreadyPending, "connect already in progress")
	case api.StateConnected:
		return api.NewError(api.ErrCodeInvalidState, "socket already connected").WithErrno(unix.EISCONN)
	case api.StateFailed:
		if err := s.takeErr(); err != nil {
			return err
		}
	}
	return api.Errorf(api.ErrCodeInvalidState, "connect in state %s", s.state)
}

// CompleteConnect applies a Connect completion.
func (s *Socket) CompleteConnect(err error) {
	if s.state != api.StateConnecting {
		return
	}
	if err != nil {
		s.Fail(err)
		return
	}
	s.state = api.StateConnected
}

// AbortConnect fails a connect whose submission was rejected; the error is
// returned to the caller directly and not reported again.
func (s *Socket) AbortConnect(err error) {
	s.Fail(err)
	s.errReported = true
}

// Fail stores a runtime error; it is reported once by the next I/O call.
func (s *Socket) Fail(err error) {
	if s.state == api.StateClosed || s.state == api.StateFailed {
		return
	}
	s.state = api.StateFailed
	s.err = api.Propagate("socket", err)
	s.errReported = false
}

// PendingError reports whether a stored failure has not been returned yet.
func (s *Socket) PendingError() bool { return s.err != nil && !s.errReported }

func (s *Socket) takeErr() error {
	if s.err == nil || s.errReported {
		return nil
	}
	s.errReported = true
	return s.err
}

// PushAccept queues an accepted connection.
func (s *Socket) PushAccept(a Accepted) { s.accepts.Add(a) }

// PopAccept dequeues the oldest accepted connection.
func (s *Socket) PopAccept() (Accepted, bool) {
	if s.accepts.Length() == 0 {
		return Accepted{}, false
	}
	return s.accepts.Remove().(Accepted), true
}

// DrainAccepts removes every queued accepted connection; used on close.
func (s *Socket) DrainAccepts() []Accepted {
	out := make([]Accepted, 0, s.accepts.Length())
	for s.accepts.Length() > 0 {
		out = append(out, s.accepts.Remove().(Accepted))
	}
	return out
}

// AcceptsQueued returns the number of connections waiting in accept.
func (s *Socket) AcceptsQueued() int { return s.accepts.Length() }

// FailAccept records a failed accept. The listener keeps listening; only the
// first error is kept until it is taken.
func (s *Socket) FailAccept(err error) {
	if s.state != api.StateListening || s.acceptErr != nil {
		return
	}
	s.acceptErr = api.Propagate("accept", err)
}

// TakeAcceptError returns and clears the recorded accept failure.
func (s *Socket) TakeAcceptError() error {
	err := s.acceptErr
	s.acceptErr = nil
	return err
}

// PushSegment appends received bytes. An empty segment marks end of input.
func (s *Socket) PushSegment(b []byte) {
	if len(b) == 0 {
		s.eof = true
		return
	}
	s.inbound.Add(b)
	s.buffered += len(b)
}

// Buffered returns the number of received bytes not yet read.
func (s *Socket) Buffered() int { return s.buffered }

// EOF reports that the peer closed its sending side.
func (s *Socket) EOF() bool { return s.eof }

// ReadShut reports that end of input was already returned to the caller.
func (s *Socket) ReadShut() bool { return s.eofDelivered }

// NeedsPop reports whether a receive should be armed to make progress.
func (s *Socket) NeedsPop(limit int) bool {
	return s.state == api.StateConnected && !s.eof && (limit <= 0 || s.buffered < limit)
}

// Read copies buffered bytes into bufs. With peek the bytes stay queued.
// It returns api.ErrWouldBlock when nothing is buffered and more may arrive.
func (s *Socket) Read(bufs [][]byte, peek bool) (int, error) {
	switch s.state {
	case api.StateClosed:
		return 0, closedErr()
	case api.StateConnected, api.StateFailed:
	default:
		return 0, notConnected()
	}
	if s.buffered > 0 {
		return s.copyOut(bufs, peek), nil
	}
	if s.state == api.StateFailed {
		if err := s.takeErr(); err != nil {
			return 0, err
		}
		return 0, notConnected()
	}
	if s.eof {
		if s.eofDelivered {
			return 0, notConnected()
		}
		if !peek {
			s.eofDelivered = true
		}
		return 0, nil
	}
	if total(bufs) == 0 {
		return 0, nil
	}
	return 0, api.ErrWouldBlock
}

func total(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

func (s *Socket) copyOut(bufs [][]byte, peek bool) int {
	n := 0
	seg, off := 0, s.offset
	for _, dst := range bufs {
		for len(dst) > 0 && seg < s.inbound.Length() {
			src := s.inbound.Get(seg).([]byte)[off:]
			c := copy(dst, src)
			n += c
			dst = dst[c:]
			off += c
			if c == len(src) {
				seg++
				off = 0
			}
		}
	}
	if peek {
		return n
	}
	for i := 0; i < seg; i++ {
		s.inbound.Remove()
	}
	s.offset = off
	s.buffered -= n
	return n
}

// CheckWrite verifies the socket accepts outgoing data.
func (s *Socket) CheckWrite() error {
	switch s.state {
	case api.StateClosed:
		return closedErr()
	case api.StateConnected:
		return nil
	case api.StateConnecting:
		return api.ErrWouldBlock
	case api.StateFailed:
		if err := s.takeErr(); err != nil {
			return err
		}
	}
	return notConnected()
}

// Readiness computes the current condition set. writeBusy reports an outstanding Push.
func (s *Socket) Readiness(writeBusy bool) api.EventMask {
	var m api.EventMask
	switch s.state {
	case api.StateListening:
		if s.accepts.Length() > 0 {
			m |= api.EventIn | api.EventRdNorm
		}
		if s.acceptErr != nil {
			m |= api.EventIn | api.EventRdNorm | api.EventErr
		}
	case api.StateConnected:
		if s.buffered > 0 {
			m |= api.EventIn | api.EventRdNorm
		}
		if s.eof && !s.eofDelivered {
			m |= api.EventIn | api.EventRdNorm | api.EventRdHup
		}
		if !writeBusy {
			m |= api.EventOut | api.EventWrNorm
		}
	case api.StateFailed:
		m |= api.EventHup
		if s.buffered > 0 {
			m |= api.EventIn | api.EventRdNorm
		}
		if s.PendingError() {
			m |= api.EventErr | api.EventIn | api.EventOut | api.EventRdHup
		}
	}
	return m
}

// SetOption records a socket option under level<<16|name.
func (s *Socket) SetOption(level, name int, value []byte) {
	s.options[OptionKey(level, name)] = append([]byte(nil), value...)
}

// Option returns a recorded option value.
func (s *Socket) Option(level, name int) ([]byte, bool) {
	v, ok := s.options[OptionKey(level, name)]
	return v, ok
}

// OptionKey packs level and option name.
func OptionKey(level, name int) int {
	return level<<16 | name&0xffff
}

// Close marks the socket Closed, drops buffered data and reports whether
// the caller still owns the runtime queue and must close it.
func (s *Socket) Close() bool {
	s.state = api.StateClosed
	for s.inbound.Length() > 0 {
		s.inbound.Remove()
	}
	s.buffered, s.offset = 0, 0
	if s.qdReleased {
		return false
	}
	s.qdReleased = true
	return true
}
