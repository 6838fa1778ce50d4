package facade_test

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/momentics/dpoll/api"
	"github.com/momentics/dpoll/facade"
	"golang.org/x/sys/unix"
)

func epollFD(t *testing.T, s *facade.System) int {
	t.Helper()
	ep, err := s.Create(api.CreateCloexec)
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

func add(t *testing.T, s *facade.System, ep, fd int, mask api.EventMask, data uint64) {
	t.Helper()
	if err := s.Ctl(ep, api.CtlAdd, fd, &api.Event{Events: mask, Data: data}); err != nil {
		t.Fatalf("ctl add %d: %v", fd, err)
	}
}

func pwait(t *testing.T, s *facade.System, ep int, timeout time.Duration) []api.Event {
	t.Helper()
	events := make([]api.Event, 8)
	n, err := s.Pwait(context.Background(), ep, events, timeout, nil)
	if err != nil {
		t.Fatalf("pwait: %v", err)
	}
	return events[:n]
}

func TestCtlErrors(t *testing.T) {
	s, _ := newSystem(t)
	ep := epollFD(t, s)
	fd, _ := s.Socket(api.AFInet, api.SockStream, 0)
	ev := &api.Event{Events: api.EventIn}

	if err := s.Ctl(ep, api.CtlDel, fd, nil); !errors.Is(err, api.ErrNotRegistered) {
		t.Errorf("early del: %v", err)
	}
	if err := s.Ctl(ep, api.CtlMod, fd, ev); api.ErrnoOf(err) != unix.ENOENT {
		t.Errorf("mod before add: %v", err)
	}
	add(t, s, ep, fd, api.EventIn, 1)
	if err := s.Ctl(ep, api.CtlAdd, fd, ev); !errors.Is(err, api.ErrAlreadyRegistered) || api.ErrnoOf(err) != unix.EEXIST {
		t.Errorf("double add: %v", err)
	}
	if err := s.Ctl(ep, api.CtlAdd, ep, ev); api.ErrnoOf(err) != unix.EINVAL {
		t.Errorf("self watch: %v", err)
	}
	if err := s.Ctl(fd, api.CtlAdd, ep, ev); api.ErrnoOf(err) != unix.EINVAL {
		t.Errorf("socket as epoll: %v", err)
	}
	inner := epollFD(t, s)
	if err := s.Ctl(ep, api.CtlAdd, inner, ev); api.ErrnoOf(err) != unix.EPERM {
		t.Errorf("nested epoll: %v", err)
	}
	if err := s.Ctl(ep, api.CtlMod, fd, nil); api.ErrnoOf(err) != unix.EFAULT {
		t.Errorf("mod without event: %v", err)
	}
	if err := s.Ctl(ep, api.CtlOp(9), fd, ev); api.ErrnoOf(err) != unix.EINVAL {
		t.Errorf("unknown op: %v", err)
	}
	if err := s.Ctl(ep, api.CtlAdd, 15, ev); api.ErrnoOf(err) != unix.EBADF {
		t.Errorf("closed target: %v", err)
	}
	if _, err := s.Create(1); api.ErrnoOf(err) != unix.EINVAL {
		t.Errorf("create flags: %v", err)
	}
	if err := s.Ctl(ep, api.CtlDel, fd, nil); err != nil {
		t.Errorf("del: %v", err)
	}
}

func TestListenPeerConnectEvent(t *testing.T) {
	s, rt := newSystem(t)
	lfd := listenFD(t, s, srvAddr)
	ep := epollFD(t, s)
	add(t, s, ep, lfd, api.EventIn, 0xfeed)

	go func() {
		time.Sleep(20 * time.Millisecond)
		rt.Dial(srvAddr)
	}()
	start := time.Now()
	evs := pwait(t, s, ep, 1000*time.Millisecond)
	if len(evs) != 1 || evs[0].Data != 0xfeed || evs[0].Events&api.EventIn == 0 {
		t.Fatalf("events = %+v", evs)
	}
	if time.Since(start) >= time.Second {
		t.Fatal("event arrived after the timeout")
	}
	if _, _, err := s.Accept(lfd); err != nil {
		t.Fatalf("accept after event: %v", err)
	}
}

func TestProbeDoesNotBlock(t *testing.T) {
	s, rt := newSystem(t)
	lfd := listenFD(t, s, srvAddr)
	ep := epollFD(t, s)
	add(t, s, ep, lfd, api.EventIn, 1)
	if evs := pwait(t, s, ep, 0); len(evs) != 0 {
		t.Fatalf("events = %+v", evs)
	}
	if rt.WaitCalls() != 0 {
		t.Errorf("probe suspended in the runtime %d times", rt.WaitCalls())
	}
}

func TestPwaitTimesOut(t *testing.T) {
	s, rt := newSystem(t)
	lfd := listenFD(t, s, srvAddr)
	ep := epollFD(t, s)
	add(t, s, ep, lfd, api.EventIn, 1)
	start := time.Now()
	if evs := pwait(t, s, ep, 30*time.Millisecond); len(evs) != 0 {
		t.Fatalf("events = %+v", evs)
	}
	if el := time.Since(start); el < 30*time.Millisecond {
		t.Errorf("returned after %v", el)
	}
	if rt.WaitCalls() == 0 {
		t.Error("wait never reached the runtime")
	}
}

func TestPwaitInterrupted(t *testing.T) {
	s, _ := newSystem(t)
	lfd := listenFD(t, s, srvAddr)
	ep := epollFD(t, s)
	add(t, s, ep, lfd, api.EventIn, 1)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := s.Pwait(ctx, ep, make([]api.Event, 1), -1, nil)
	if !errors.Is(err, api.ErrInterrupted) || api.ErrnoOf(err) != unix.EINTR {
		t.Fatalf("pwait: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cause not exposed: %v", err)
	}
}

func TestPwaitArguments(t *testing.T) {
	s, _ := newSystem(t)
	ep := epollFD(t, s)
	if _, err := s.Pwait(context.Background(), ep, nil, 0, nil); api.ErrnoOf(err) != unix.EINVAL {
		t.Errorf("zero maxevents: %v", err)
	}
	fd, _ := s.Socket(api.AFInet, api.SockStream, 0)
	if _, err := s.Pwait(context.Background(), fd, make([]api.Event, 1), 0, nil); api.ErrnoOf(err) != unix.EINVAL {
		t.Errorf("socket as epoll: %v", err)
	}
	if _, err := s.Pwait(context.Background(), 14, make([]api.Event, 1), 0, nil); api.ErrnoOf(err) != unix.EBADF {
		t.Errorf("closed epoll: %v", err)
	}
}

func TestPwaitSigmask(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("signal masks are applied on linux only")
	}
	s, _ := newSystem(t)
	ep := epollFD(t, s)
	var mask unix.Sigset_t
	n, err := s.Pwait(context.Background(), ep, make([]api.Event, 1), 0, &mask)
	if err != nil || n != 0 {
		t.Fatalf("pwait with sigmask = %d, %v", n, err)
	}
}

func TestReadinessLifecycle(t *testing.T) {
	s, rt := newSystem(t)
	lfd := listenFD(t, s, srvAddr)
	cfd, peer := acceptFD(t, s, rt, lfd)
	ep := epollFD(t, s)
	add(t, s, ep, cfd, api.EventIn|api.EventOut|api.EventRdHup, 3)

	evs := pwait(t, s, ep, 0)
	if len(evs) != 1 || evs[0].Events != api.EventOut {
		t.Fatalf("idle connection: %+v", evs)
	}
	peer.Write([]byte("data"))
	evs = pwait(t, s, ep, time.Second)
	if len(evs) != 1 || !evs[0].Events.Has(api.EventIn|api.EventOut) {
		t.Fatalf("with data: %+v", evs)
	}
	s.Read(cfd, make([]byte, 16))

	peer.Close()
	deadline := time.Now().Add(time.Second)
	for {
		evs = pwait(t, s, ep, 50*time.Millisecond)
		if len(evs) == 1 && evs[0].Events.Has(api.EventIn|api.EventRdHup) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no hangup event: %+v", evs)
		}
	}
	if n, err := s.Read(cfd, make([]byte, 16)); n != 0 || err != nil {
		t.Fatalf("end of input read = %d, %v", n, err)
	}
	evs = pwait(t, s, ep, 0)
	if len(evs) == 1 && evs[0].Events&api.EventIn != 0 {
		t.Errorf("input condition persisted after end of input: %+v", evs)
	}
}

func TestErrorReportedThenHangup(t *testing.T) {
	s, rt := newSystem(t)
	lfd := listenFD(t, s, srvAddr)
	cfd, peer := acceptFD(t, s, rt, lfd)
	ep := epollFD(t, s)
	add(t, s, ep, cfd, api.EventIn, 0)
	peer.Reset(nil)

	evs := pwait(t, s, ep, time.Second)
	if len(evs) != 1 || !evs[0].Events.Has(api.EventErr|api.EventHup|api.EventIn) {
		t.Fatalf("after reset: %+v", evs)
	}
	if evs[0].Events&api.EventOut != 0 {
		t.Errorf("unrequested OUT reported: %s", evs[0].Events)
	}
	if _, err := s.Read(cfd, make([]byte, 4)); api.ErrnoOf(err) != unix.ECONNRESET {
		t.Fatalf("read: %v", err)
	}
	evs = pwait(t, s, ep, 0)
	if len(evs) != 1 || evs[0].Events != api.EventHup {
		t.Fatalf("after report: %+v", evs)
	}
}

func TestConnectReportsWritable(t *testing.T) {
	s, rt := newSystem(t)
	rt.Serve(srvAddr)
	fd, _ := s.Socket(api.AFInet, api.SockStream, 0)
	ep := epollFD(t, s)
	add(t, s, ep, fd, api.EventOut, 11)
	if evs := pwait(t, s, ep, 0); len(evs) != 0 {
		t.Fatalf("created socket reported %+v", evs)
	}
	s.Connect(fd, srvAddr)
	evs := pwait(t, s, ep, time.Second)
	if len(evs) != 1 || evs[0].Data != 11 || !evs[0].Events.Has(api.EventOut) {
		t.Fatalf("events = %+v", evs)
	}
}

func TestEventOrderAndCap(t *testing.T) {
	s, rt := newSystem(t)
	rt.Serve(srvAddr)
	ep := epollFD(t, s)
	var fds []int
	for i := 0; i < 3; i++ {
		fd, _ := s.Socket(api.AFInet, api.SockStream, 0)
		s.Connect(fd, srvAddr)
		fds = append(fds, fd)
	}
	for i := len(fds) - 1; i >= 0; i-- {
		add(t, s, ep, fds[i], api.EventOut, uint64(fds[i]))
	}
	events := make([]api.Event, 2)
	n, err := s.Pwait(context.Background(), ep, events, time.Second, nil)
	if err != nil || n != 2 {
		t.Fatalf("pwait = %d, %v", n, err)
	}
	if events[0].Data != uint64(fds[0]) || events[1].Data != uint64(fds[1]) {
		t.Errorf("events out of descriptor order: %+v", events)
	}
}

func TestEdgeTriggered(t *testing.T) {
	s, rt := newSystem(t)
	lfd := listenFD(t, s, srvAddr)
	cfd, peer := acceptFD(t, s, rt, lfd)
	ep := epollFD(t, s)
	add(t, s, ep, cfd, api.EventIn|api.EventEdge, 0)

	peer.Write([]byte("a"))
	if evs := pwait(t, s, ep, time.Second); len(evs) != 1 {
		t.Fatalf("first edge: %+v", evs)
	}
	peer.Write([]byte("b"))
	if evs := pwait(t, s, ep, 0); len(evs) != 0 {
		t.Fatalf("no new condition, got %+v", evs)
	}
	buf := make([]byte, 8)
	if n, _ := s.Read(cfd, buf); n != 2 {
		t.Fatalf("read %d bytes", n)
	}
	pwait(t, s, ep, 0)
	peer.Write([]byte("c"))
	if evs := pwait(t, s, ep, time.Second); len(evs) != 1 {
		t.Fatalf("second edge: %+v", evs)
	}
}

func TestOneShotRearm(t *testing.T) {
	s, rt := newSystem(t)
	lfd := listenFD(t, s, srvAddr)
	cfd, peer := acceptFD(t, s, rt, lfd)
	ep := epollFD(t, s)
	add(t, s, ep, cfd, api.EventIn|api.EventOneShot, 5)

	peer.Write([]byte("x"))
	if evs := pwait(t, s, ep, time.Second); len(evs) != 1 {
		t.Fatalf("first report: %+v", evs)
	}
	if evs := pwait(t, s, ep, 0); len(evs) != 0 {
		t.Fatalf("disabled entry reported %+v", evs)
	}
	if err := s.Ctl(ep, api.CtlMod, cfd, &api.Event{Events: api.EventIn | api.EventOneShot, Data: 6}); err != nil {
		t.Fatal(err)
	}
	evs := pwait(t, s, ep, 0)
	if len(evs) != 1 || evs[0].Data != 6 {
		t.Fatalf("after re-arm: %+v", evs)
	}
}

func TestCloseRemovesFromInterestSet(t *testing.T) {
	s, rt := newSystem(t)
	lfd := listenFD(t, s, srvAddr)
	cfd, peer := acceptFD(t, s, rt, lfd)
	ep := epollFD(t, s)
	add(t, s, ep, cfd, api.EventIn, 9)
	peer.Write([]byte("pending"))
	s.Close(cfd)
	if evs := pwait(t, s, ep, 0); len(evs) != 0 {
		t.Fatalf("closed descriptor reported %+v", evs)
	}
	if err := s.Ctl(ep, api.CtlDel, cfd, nil); api.ErrnoOf(err) != unix.EBADF {
		t.Errorf("del after close: %v", err)
	}
}
