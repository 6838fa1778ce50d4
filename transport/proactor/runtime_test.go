package proactor_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/momentics/dpoll/api"
	"github.com/momentics/dpoll/transport/proactor"
)

func await(t *testing.T, rt api.Runtime, tok api.Token) api.Completion {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c, ok := rt.Poll(tok); ok {
			return c
		}
		rt.Wait(context.Background(), []api.Token{tok}, 50*time.Millisecond)
	}
	t.Fatalf("token %d did not complete", tok)
	return api.Completion{}
}

func TestHostLoopback(t *testing.T) {
	rt := proactor.New(&proactor.HostNetwork{}, 1024)
	defer rt.Shutdown()

	lqd, _ := rt.Socket(api.AFInet, api.SockStream, 0)
	if err := rt.Bind(lqd, netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		t.Fatal(err)
	}
	if err := rt.Listen(lqd, 4); err != nil {
		t.Fatal(err)
	}
	addr, _ := rt.LocalAddr(lqd)
	if addr.Port() == 0 {
		t.Fatalf("listener address %s", addr)
	}
	acc, err := rt.Accept(lqd)
	if err != nil {
		t.Fatal(err)
	}

	cqd, _ := rt.Socket(api.AFInet, api.SockStream, 0)
	conn, _ := rt.Connect(cqd, addr)
	if c := await(t, rt, conn); c.Err != nil {
		t.Fatalf("connect: %v", c.Err)
	}
	ac := await(t, rt, acc)
	if ac.Err != nil || ac.Accepted == 0 {
		t.Fatalf("accept: %+v", ac)
	}

	tok, n, err := rt.Push(cqd, [][]byte{[]byte("ping")})
	if err != nil || n != 4 {
		t.Fatalf("push n=%d err=%v", n, err)
	}
	if c := await(t, rt, tok); c.Err != nil || c.Bytes != 4 {
		t.Fatalf("push completion %+v", c)
	}
	pop, _ := rt.Pop(ac.Accepted)
	if c := await(t, rt, pop); string(c.Segments[0]) != "ping" {
		t.Fatalf("pop %+v", c)
	}

	rt.Close(cqd)
	pop, _ = rt.Pop(ac.Accepted)
	if c := await(t, rt, pop); c.Err != nil || c.Len() != 0 {
		t.Fatalf("expected end of input, got %+v", c)
	}
}

func TestCancelInFlightIsRefused(t *testing.T) {
	rt := proactor.New(&proactor.HostNetwork{}, 0)
	defer rt.Shutdown()

	lqd, _ := rt.Socket(api.AFInet, api.SockStream, 0)
	rt.Bind(lqd, netip.MustParseAddrPort("127.0.0.1:0"))
	rt.Listen(lqd, 1)
	tok, _ := rt.Accept(lqd)
	if rt.Cancel(tok) {
		t.Fatal("in-flight accept reported cancelled")
	}
	rt.Close(lqd)
	c := await(t, rt, tok)
	if !errors.Is(c.Err, api.ErrCanceled) {
		t.Fatalf("expected cancellation, got %+v", c)
	}
}

func TestNetstackListen(t *testing.T) {
	ns, err := proactor.NewNetstack([]netip.Addr{netip.MustParseAddr("10.0.0.1")}, 1420)
	if err != nil {
		t.Fatalf("netstack: %v", err)
	}
	defer ns.Close()
	rt := proactor.New(ns, 0)
	defer rt.Shutdown()

	qd, _ := rt.Socket(api.AFInet, api.SockStream, 0)
	if err := rt.Bind(qd, netip.MustParseAddrPort("10.0.0.1:8080")); err != nil {
		t.Fatal(err)
	}
	if err := rt.Listen(qd, 4); err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr, _ := rt.LocalAddr(qd)
	if addr.Port() != 8080 {
		t.Errorf("local address %s", addr)
	}
}

func TestNetstackRequiresAddress(t *testing.T) {
	if _, err := proactor.NewNetstack(nil, 1420); err == nil {
		t.Fatal("expected error")
	}
}
