//go:build linux
// +build linux

package abi_test

import (
	"net/netip"
	"runtime"
	"testing"
	"time"
	"unsafe"

	"github.com/momentics/dpoll/abi"
	"github.com/momentics/dpoll/facade"
	"github.com/momentics/dpoll/fake"
	"golang.org/x/sys/unix"
)

const fdBase = 100

var srvAddr = netip.MustParseAddrPort("127.0.0.1:8080")

func newLibrary(t *testing.T) (*abi.Library, *fake.Runtime) {
	t.Helper()
	cfg := facade.DefaultConfig()
	cfg.Runtime = facade.RuntimeFake
	cfg.FDBase = fdBase
	cfg.MaxDescriptors = 16
	cfg.WaitQuantum = 5 * time.Millisecond
	rt := fake.NewRuntime()
	sys, err := facade.New(cfg, rt)
	if err != nil {
		t.Fatal(err)
	}
	return abi.NewLibrary(sys), rt
}

func ptr(b []byte) unsafe.Pointer { return unsafe.Pointer(&b[0]) }

// ok fails the test unless the call it is applied to succeeded.
func ok(t *testing.T, op string) func(int, unix.Errno) int {
	return func(n int, errno unix.Errno) int {
		t.Helper()
		if errno != 0 || n < 0 {
			t.Fatalf("%s = %d, errno %v", op, n, errno)
		}
		return n
	}
}

func listen(t *testing.T, l *abi.Library) int {
	t.Helper()
	fd := ok(t, "socket")(l.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0))
	sa := abi.EncodeSockaddr(srvAddr)
	ok(t, "bind")(l.Bind(fd, ptr(sa), uint32(len(sa))))
	ok(t, "listen")(l.Listen(fd, 8))
	return fd
}

// recv retries read until the receive armed by the first attempt has data.
func recv(t *testing.T, l *abi.Library, fd int, b []byte) int {
	t.Helper()
	for i := 0; i < 5; i++ {
		n, errno := l.Read(fd, ptr(b), len(b))
		if errno == unix.EAGAIN {
			continue
		}
		return ok(t, "read")(n, errno)
	}
	t.Fatal("read never completed")
	return 0
}

func TestServerFlow(t *testing.T) {
	l, rt := newLibrary(t)
	lfd := listen(t, l)
	if lfd < fdBase {
		t.Fatalf("descriptor %d below base", lfd)
	}

	ep := ok(t, "epoll_create")(l.Create(unix.EPOLL_CLOEXEC))
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(lfd), Pad: 7}
	ok(t, "epoll_ctl")(l.Ctl(ep, unix.EPOLL_CTL_ADD, lfd, unsafe.Pointer(&ev)))
	if n, errno := l.Accept(lfd, nil, nil); n != -1 || errno != unix.EAGAIN {
		t.Fatalf("accept before peer = %d, %v", n, errno)
	}

	peer, err := rt.Dial(srvAddr)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]unix.EpollEvent, 4)
	if n := ok(t, "epoll_pwait")(l.Pwait(ep, unsafe.Pointer(&out[0]), len(out), 1000, nil)); n != 1 {
		t.Fatalf("events = %d", n)
	}
	if out[0].Fd != int32(lfd) || out[0].Pad != 7 || out[0].Events&unix.EPOLLIN == 0 {
		t.Fatalf("event %+v", out[0])
	}

	raw := make([]byte, unix.SizeofSockaddrInet6)
	alen := uint32(len(raw))
	cfd := ok(t, "accept")(l.Accept(lfd, ptr(raw), &alen))
	if alen != unix.SizeofSockaddrInet4 {
		t.Fatalf("addrlen %d", alen)
	}
	if from, err := abi.DecodeSockaddr(raw[:alen]); err != nil || from != peer.LocalAddr() {
		t.Errorf("peer %s, %v", from, err)
	}

	peer.Write([]byte("hello world"))
	head := make([]byte, 5)
	if n := recv(t, l, cfd, head); string(head[:n]) != "hello" {
		t.Fatalf("read %q", head[:n])
	}
	a, b := make([]byte, 3), make([]byte, 8)
	iov := make([]unix.Iovec, 2)
	iov[0].Base, iov[1].Base = &a[0], &b[0]
	iov[0].SetLen(len(a))
	iov[1].SetLen(len(b))
	if n := ok(t, "readv")(l.Readv(cfd, unsafe.Pointer(&iov[0]), 2)); n != 6 || string(a)+string(b[:3]) != " world" {
		t.Fatalf("readv %d: %q %q", n, a, b)
	}

	x, y := []byte("ab"), []byte("cd")
	iov[0].Base, iov[1].Base = &x[0], &y[0]
	iov[0].SetLen(2)
	iov[1].SetLen(2)
	if n := ok(t, "writev")(l.Writev(cfd, unsafe.Pointer(&iov[0]), 2)); n != 4 {
		t.Fatalf("writev %d", n)
	}
	if got := string(peer.Read()); got != "abcd" {
		t.Fatalf("peer read %q", got)
	}

	la := make([]byte, unix.SizeofSockaddrInet4)
	llen := uint32(len(la))
	ok(t, "getsockname")(l.Getsockname(cfd, ptr(la), &llen))
	if got, _ := abi.DecodeSockaddr(la); got != srvAddr {
		t.Errorf("getsockname %s", got)
	}

	ok(t, "close")(l.Close(cfd))
	if n, errno := l.Read(cfd, ptr(head), len(head)); n != -1 || errno != unix.EBADF {
		t.Errorf("read after close = %d, %v", n, errno)
	}
}

func TestMessages(t *testing.T) {
	l, rt := newLibrary(t)
	lfd := listen(t, l)
	l.Accept(lfd, nil, nil)
	peer, _ := rt.Dial(srvAddr)
	cfd := ok(t, "accept")(l.Accept(lfd, nil, nil))

	payload := []byte("message")
	iov := []unix.Iovec{{Base: &payload[0]}}
	iov[0].SetLen(len(payload))
	var msg unix.Msghdr
	msg.Iov = &iov[0]
	msg.SetIovlen(1)
	if n := ok(t, "sendmsg")(l.Sendmsg(cfd, unsafe.Pointer(&msg), unix.MSG_NOSIGNAL)); n != len(payload) {
		t.Fatalf("sendmsg %d", n)
	}
	if got := string(peer.Read()); got != "message" {
		t.Fatalf("peer read %q", got)
	}
	if n, errno := l.Sendmsg(cfd, unsafe.Pointer(&msg), unix.MSG_OOB); n != -1 || errno != unix.EOPNOTSUPP {
		t.Errorf("sendmsg MSG_OOB = %d, %v", n, errno)
	}
	msg.Namelen = 16
	if _, errno := l.Sendmsg(cfd, unsafe.Pointer(&msg), 0); errno != unix.EISCONN {
		t.Errorf("sendmsg with address: %v", errno)
	}

	l.Recvmsg(cfd, unsafe.Pointer(&msg), 0) // arms a receive
	peer.Write([]byte("reply"))
	buf := make([]byte, 16)
	iov[0].Base = &buf[0]
	iov[0].SetLen(len(buf))
	msg.Namelen, msg.Flags = 16, 1
	if n := ok(t, "recvmsg peek")(l.Recvmsg(cfd, unsafe.Pointer(&msg), unix.MSG_PEEK)); string(buf[:n]) != "reply" {
		t.Fatalf("peek %q", buf[:n])
	}
	if msg.Namelen != 0 || msg.Flags != 0 {
		t.Errorf("msghdr not cleared: %+v", msg)
	}
	if n := ok(t, "recvmsg")(l.Recvmsg(cfd, unsafe.Pointer(&msg), unix.MSG_DONTWAIT)); string(buf[:n]) != "reply" {
		t.Fatalf("recvmsg %q", buf[:n])
	}
}

func TestArgumentErrors(t *testing.T) {
	l, _ := newLibrary(t)
	fd := ok(t, "socket")(l.Socket(unix.AF_INET, unix.SOCK_STREAM, 0))
	cases := []struct {
		name  string
		call  func() (int, unix.Errno)
		errno unix.Errno
	}{
		{"bind nil address", func() (int, unix.Errno) { return l.Bind(fd, nil, 16) }, unix.EFAULT},
		{"bind short address", func() (int, unix.Errno) {
			sa := abi.EncodeSockaddr(srvAddr)
			return l.Bind(fd, ptr(sa), 4)
		}, unix.EINVAL},
		{"read nil buffer", func() (int, unix.Errno) { return l.Read(fd, nil, 8) }, unix.EFAULT},
		{"readv nil vector", func() (int, unix.Errno) { return l.Readv(fd, nil, 2) }, unix.EFAULT},
		{"sendmsg nil header", func() (int, unix.Errno) { return l.Sendmsg(fd, nil, 0) }, unix.EFAULT},
		{"getsockname nil length", func() (int, unix.Errno) { return l.Getsockname(fd, unsafe.Pointer(&fd), nil) }, unix.EFAULT},
		{"pwait zero events", func() (int, unix.Errno) { return l.Pwait(fd, unsafe.Pointer(&fd), 0, 0, nil) }, unix.EINVAL},
		{"unknown descriptor", func() (int, unix.Errno) { return l.Listen(fdBase+15, 1) }, unix.EBADF},
		{"ctl on socket", func() (int, unix.Errno) { return l.Ctl(fd, unix.EPOLL_CTL_ADD, fd, nil) }, unix.EINVAL},
	}
	for _, tc := range cases {
		n, errno := tc.call()
		if n != -1 || errno != tc.errno {
			t.Errorf("%s = %d, %v; want -1, %v", tc.name, n, errno, tc.errno)
		}
	}
}

func TestConnectInProgress(t *testing.T) {
	l, rt := newLibrary(t)
	ln, err := rt.Serve(srvAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	fd := ok(t, "socket")(l.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0))
	sa := abi.EncodeSockaddr(srvAddr)
	if n, errno := l.Connect(fd, ptr(sa), uint32(len(sa))); n != -1 || errno != unix.EINPROGRESS {
		t.Fatalf("connect = %d, %v", n, errno)
	}
}

func TestKernelPassThrough(t *testing.T) {
	l, _ := newLibrary(t)
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		t.Fatal(err)
	}
	if p[0] >= fdBase || p[1] >= fdBase {
		t.Skipf("pipe descriptors %v not below %d", p, fdBase)
	}
	msg := []byte("kernel")
	if n := ok(t, "write")(l.Write(p[1], ptr(msg), len(msg))); n != len(msg) {
		t.Fatalf("write %d", n)
	}
	buf := make([]byte, 16)
	if n := ok(t, "read")(l.Read(p[0], ptr(buf), len(buf))); string(buf[:n]) != "kernel" {
		t.Fatalf("read %q", buf[:n])
	}
	ok(t, "close")(l.Close(p[0]))
	ok(t, "close")(l.Close(p[1]))
	if _, errno := l.Close(p[0]); errno != unix.EBADF {
		t.Errorf("double close: %v", errno)
	}
}

func TestPwaitSignalInterrupts(t *testing.T) {
	cfg := facade.DefaultConfig()
	cfg.FDBase = fdBase
	cfg.MaxDescriptors = 16
	sys, err := facade.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	l := abi.NewLibrary(sys)
	lfd := ok(t, "socket")(l.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0))
	defer l.Close(lfd)
	sa := abi.EncodeSockaddr(netip.MustParseAddrPort("127.0.0.1:0"))
	ok(t, "bind")(l.Bind(lfd, ptr(sa), uint32(len(sa))))
	ok(t, "listen")(l.Listen(lfd, 8))
	ep := ok(t, "epoll_create")(l.Create(0))
	defer l.Close(ep)
	ev := unix.EpollEvent{Events: unix.EPOLLIN}
	ok(t, "epoll_ctl")(l.Ctl(ep, unix.EPOLL_CTL_ADD, lfd, unsafe.Pointer(&ev)))

	type outcome struct {
		n     int
		errno unix.Errno
	}
	tids := make(chan int, 1)
	done := make(chan outcome, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		tids <- unix.Gettid()
		var mask unix.Sigset_t
		out := make([]unix.EpollEvent, 1)
		n, errno := l.Pwait(ep, unsafe.Pointer(&out[0]), len(out), 1500, unsafe.Pointer(&mask))
		done <- outcome{n, errno}
	}()
	tid := <-tids
	time.Sleep(200 * time.Millisecond)
	start := time.Now()
	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGWINCH); err != nil {
		t.Fatalf("tgkill: %v", err)
	}
	o := <-done
	if o.n != -1 || o.errno != unix.EINTR {
		t.Fatalf("epoll_pwait = %d, %v", o.n, o.errno)
	}
	if time.Since(start) >= time.Second {
		t.Error("signal did not end the wait")
	}
}

func TestPwaitKernelAndEmulated(t *testing.T) {
	l, rt := newLibrary(t)
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(p[0])
	defer unix.Close(p[1])
	if p[0] >= fdBase {
		t.Skipf("pipe descriptor %d not below %d", p[0], fdBase)
	}
	lfd := listen(t, l)
	ep := ok(t, "epoll_create")(l.Create(unix.EPOLL_CLOEXEC))
	kev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(p[0]), Pad: 5}
	ok(t, "epoll_ctl pipe")(l.Ctl(ep, unix.EPOLL_CTL_ADD, p[0], unsafe.Pointer(&kev)))
	sev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(lfd), Pad: 6}
	ok(t, "epoll_ctl listener")(l.Ctl(ep, unix.EPOLL_CTL_ADD, lfd, unsafe.Pointer(&sev)))

	unix.Write(p[1], []byte("x"))
	if _, err := rt.Dial(srvAddr); err != nil {
		t.Fatal(err)
	}
	seen := map[int32]int32{}
	out := make([]unix.EpollEvent, 4)
	for i := 0; i < 4 && len(seen) < 2; i++ {
		n := ok(t, "epoll_pwait")(l.Pwait(ep, unsafe.Pointer(&out[0]), len(out), 1000, nil))
		for _, ev := range out[:n] {
			seen[ev.Fd] = ev.Pad
		}
	}
	if seen[int32(p[0])] != 5 || seen[int32(lfd)] != 6 {
		t.Fatalf("events by fd = %v", seen)
	}
	ok(t, "epoll_ctl del")(l.Ctl(ep, unix.EPOLL_CTL_DEL, p[0], nil))
	ok(t, "close")(l.Close(ep))
}

func TestPwaitLargeMaxevents(t *testing.T) {
	l, rt := newLibrary(t)
	lfd := listen(t, l)
	ep := ok(t, "epoll_create")(l.Create(0))
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(lfd)}
	ok(t, "epoll_ctl")(l.Ctl(ep, unix.EPOLL_CTL_ADD, lfd, unsafe.Pointer(&ev)))
	if _, err := rt.Dial(srvAddr); err != nil {
		t.Fatal(err)
	}
	// only the events actually returned are written back
	out := make([]unix.EpollEvent, 1)
	if n := ok(t, "epoll_pwait")(l.Pwait(ep, unsafe.Pointer(&out[0]), 1<<30, 1000, nil)); n != 1 {
		t.Fatalf("events = %d", n)
	}
	if out[0].Fd != int32(lfd) {
		t.Errorf("event %+v", out[0])
	}
}
