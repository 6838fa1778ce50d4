// File: facade/wait.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The wait engine. Each cycle arms the operations watched sockets need,
// harvests completions into socket state, recomputes readiness and either
// returns events or yields to the runtime for at most one quantum.

package facade

import (
	"context"
	"errors"
	"time"

	"github.com/momentics/dpoll/api"
	"github.com/momentics/dpoll/control"
	"github.com/momentics/dpoll/internal/concurrency"
	"github.com/momentics/dpoll/internal/epoll"
	"github.com/momentics/dpoll/internal/pending"
	"github.com/momentics/dpoll/internal/socket"
	"golang.org/x/sys/unix"
)

// Pwait waits for events on epfd and stores at most len(events) of them.
// A negative timeout waits indefinitely and zero only probes. Cancelling ctx
// interrupts the wait with an Interrupted error, as does a signal delivered
// while nothing is ready. A non-nil sigmask replaces the signal mask of the
// calling thread for the duration of the call.
func (s *System) Pwait(ctx context.Context, epfd int, events []api.Event, timeout time.Duration, sigmask *unix.Sigset_t) (int, error) {
	if len(events) == 0 {
		return -1, api.NewError(api.ErrCodeInvalidArgument, "maxevents must be positive")
	}
	if sigmask != nil {
		restore, err := applySigmask(sigmask)
		if err != nil {
			return -1, api.Propagate("sigmask", err)
		}
		defer restore()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.count(MetricPwaitCalls, 1)

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	backoff := concurrency.NewBackoff(s.cfg.MaxIdleBackoff)
	idle, signalled := false, false

	s.mu.Lock()
	for {
		in, err := s.epollLocked(epfd)
		if err != nil {
			s.mu.Unlock()
			return -1, err
		}
		s.armLocked(in)
		s.harvestLocked()
		n := s.collectLocked(epfd, in, events)
		if n > 0 {
			s.mu.Unlock()
			s.count(MetricPwaitEvents, int64(n))
			control.Tracef("facade", "epoll %d: %d events", epfd, n)
			return n, nil
		}
		if signalled {
			s.mu.Unlock()
			return -1, interrupted(unix.EINTR)
		}
		if timeout == 0 {
			s.mu.Unlock()
			return 0, nil
		}
		if ctx.Err() != nil {
			s.mu.Unlock()
			return -1, interrupted(ctx.Err())
		}
		wait := time.Duration(s.quantum.Load())
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				s.mu.Unlock()
				return 0, nil
			}
			if left < wait {
				wait = left
			}
		}
		s.tokens = s.ops.Tokens(s.tokens[:0], in.FDs())
		tokens := append([]api.Token(nil), s.tokens...)
		kfd := s.kernelWaitFD(epfd)
		s.mu.Unlock()

		if idle {
			if err := backoff.Pause(ctx, deadline); err != nil {
				return -1, interrupted(err)
			}
		}
		start := time.Now()
		var werr error
		if len(tokens) == 0 && kfd >= 0 {
			werr = sleepKernel(kfd, wait)
		} else {
			werr = s.rt.Wait(ctx, tokens, wait)
		}
		if ctx.Err() != nil {
			return -1, interrupted(ctx.Err())
		}
		switch {
		case errors.Is(werr, unix.EINTR):
			// harvest once more; the signal is reported only if nothing became ready
			signalled = true
		case werr != nil:
			return -1, api.Propagate("wait", werr)
		}
		// a runtime that returns well before the quantum without completing anything would spin
		if idle = time.Since(start) < wait/2; !idle {
			backoff.Reset()
		}
		s.mu.Lock()
	}
}

// collectLocked stores the ready events of epfd. With kernel descriptors in the
// set, kernel and emulated events take turns going first and the first kind
// gets at most half of events.
func (s *System) collectLocked(epfd int, in *epoll.Instance, events []api.Event) int {
	emulated := func(dst []api.Event) int {
		return len(in.Collect(dst[:0:len(dst)], s.readinessLocked))
	}
	watched, kernelFirst := s.kernelOrderLocked(epfd)
	if !watched {
		return emulated(events)
	}
	kernel := func(dst []api.Event) int { return s.kernelCollectLocked(epfd, dst) }
	first, second := emulated, kernel
	if kernelFirst {
		first, second = kernel, emulated
	}
	n := first(events[:len(events)-len(events)/2])
	return n + second(events[n:])
}

func interrupted(cause error) error {
	return &api.Error{Code: api.ErrCodeInterrupted, Message: "wait interrupted", Err: cause}
}

// armLocked submits the operations whose absence would keep a watched condition false.
func (s *System) armLocked(in *epoll.Instance) {
	in.Range(func(e *epoll.Entry) {
		if e.Mask&(api.EventIn|api.EventRdNorm|api.EventRdHup) == 0 {
			return
		}
		sock, re, err := s.socketLocked(e.FD)
		if err != nil {
			return
		}
		switch sock.State() {
		case api.StateListening:
			if sock.AcceptsQueued() == 0 {
				if err := s.armAcceptLocked(sock, re); err != nil {
					control.Errorf("facade", "fd %d: arming accept: %v", e.FD, err)
				}
			}
		case api.StateConnected:
			if err := s.armPopLocked(sock, re); err != nil {
				control.Tracef("facade", "fd %d: arming receive: %v", e.FD, err)
			}
		}
	})
}

// harvestLocked applies every available completion and discards orphan results.
func (s *System) harvestLocked() {
	for _, fd := range s.ops.ActiveFDs() {
		for _, r := range s.ops.Harvest(fd) {
			s.applyLocked(r)
		}
	}
	for _, r := range s.ops.SweepOrphans() {
		s.discardLocked(r)
	}
}

// discardLocked drops a completion no socket may observe, releasing what it carries.
func (s *System) discardLocked(r pending.Result) {
	s.count(MetricOpsDiscarded, 1)
	c := r.Completion
	if r.Op.Kind == pending.KindAccept && c.Err == nil && c.Accepted != 0 {
		s.closeQueue(c.Accepted)
	}
	control.Tracef("facade", "discarded %s token=%d of fd %d", r.Op.Kind, r.Op.Token, r.Op.FD)
}

func (s *System) applyLocked(r pending.Result) {
	s.count(MetricOpsCompleted, 1)
	if !s.fds.Owns(r.Op.FD, r.Op.Serial) {
		s.discardLocked(r)
		return
	}
	sock, _, err := s.socketLocked(r.Op.FD)
	if err != nil {
		s.discardLocked(r)
		return
	}
	c := r.Completion
	switch r.Op.Kind {
	case pending.KindAccept:
		switch {
		case c.Err != nil:
			control.Tracef("facade", "fd %d: accept failed: %v", r.Op.FD, c.Err)
			// an aborted handshake leaves nothing to report
			if !errors.Is(c.Err, unix.ECONNABORTED) && !errors.Is(c.Err, api.ErrCanceled) {
				sock.FailAccept(c.Err)
			}
		case sock.State() != api.StateListening:
			s.closeQueue(c.Accepted)
		default:
			sock.PushAccept(socket.Accepted{QD: c.Accepted, Peer: c.Peer})
		}
	case pending.KindConnect:
		sock.CompleteConnect(c.Err)
		control.Tracef("facade", "fd %d: connect done: state=%s err=%v", r.Op.FD, sock.State(), c.Err)
	case pending.KindPop, pending.KindRead:
		if c.Err != nil {
			sock.Fail(c.Err)
			return
		}
		if c.Len() == 0 {
			sock.PushSegment(nil)
			return
		}
		for _, seg := range c.Segments {
			if len(seg) > 0 {
				sock.PushSegment(seg)
			}
		}
	case pending.KindPush, pending.KindWrite:
		if c.Err != nil {
			sock.Fail(c.Err)
		}
	}
}

// readinessLocked is the condition source for epoll.Instance.Collect.
func (s *System) readinessLocked(fd int) api.EventMask {
	sock, _, err := s.socketLocked(fd)
	if err != nil {
		return 0
	}
	return sock.Readiness(s.ops.Busy(fd, pending.DirWrite))
}
