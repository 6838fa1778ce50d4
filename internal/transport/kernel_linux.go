// internal/transport/kernel_linux.go
//go:build linux
// +build linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux kernel runtime over non-blocking sockets. Sends are written with
// SendmsgBuffers at submission; accepts, receives and connect completion are
// attempted when their token is polled.

package transport

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/momentics/dpoll/api"
	"github.com/momentics/dpoll/control"
	"github.com/momentics/dpoll/reactor"
	"golang.org/x/sys/unix"
)

const defaultReadBuffer = 64 << 10

type kernelQueue struct {
	fd        int
	domain    int
	listening bool
	connected bool
}

type kernelOp struct {
	tok  api.Token
	qd   api.QD
	code api.OpCode
	comp api.Completion
	done bool
}

// KernelRuntime is safe for concurrent use. Queue descriptors are the kernel fds.
type KernelRuntime struct {
	mu      sync.Mutex
	queues  map[api.QD]*kernelQueue
	ops     map[api.Token]*kernelOp
	nextTok api.Token
	readBuf int
	waiter  reactor.Waiter
}

var _ api.Runtime = (*KernelRuntime)(nil)
var _ api.OptionSetter = (*KernelRuntime)(nil)

// NewKernelRuntime creates the runtime. Each receive reads at most readBufferSize bytes.
func NewKernelRuntime(readBufferSize int) (api.Runtime, error) {
	if readBufferSize <= 0 {
		readBufferSize = defaultReadBuffer
	}
	w, err := reactor.NewWaiter()
	if err != nil {
		return nil, fmt.Errorf("kernel runtime: %w", err)
	}
	return &KernelRuntime{
		queues:  make(map[api.QD]*kernelQueue),
		ops:     make(map[api.Token]*kernelOp),
		readBuf: readBufferSize,
		waiter:  w,
	}, nil
}

func (r *KernelRuntime) queue(qd api.QD) (*kernelQueue, error) {
	q, ok := r.queues[qd]
	if !ok {
		return nil, unix.EBADF
	}
	return q, nil
}

func (r *KernelRuntime) submit(qd api.QD, code api.OpCode) *kernelOp {
	r.nextTok++
	o := &kernelOp{tok: r.nextTok, qd: qd, code: code}
	r.ops[o.tok] = o
	return o
}

func (o *kernelOp) finish(c api.Completion) {
	c.Token, c.QD = o.tok, o.qd
	if c.Op == api.OpInvalid {
		c.Op = o.code
	}
	o.comp, o.done = c, true
}

func (o *kernelOp) fail(err error) {
	o.finish(api.Completion{Op: api.OpFailed, Err: err})
}

// Socket implements api.Runtime.
func (r *KernelRuntime) Socket(domain, typ, proto int) (api.QD, error) {
	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return 0, fmt.Errorf("socket create: %w", err)
	}
	r.mu.Lock()
	r.queues[api.QD(fd)] = &kernelQueue{fd: fd, domain: domain}
	r.mu.Unlock()
	return api.QD(fd), nil
}

// Bind implements api.Runtime.
func (r *KernelRuntime) Bind(qd api.QD, addr netip.AddrPort) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return err
	}
	sa, err := toSockaddr(q.domain, addr)
	if err != nil {
		return err
	}
	return unix.Bind(q.fd, sa)
}

// Listen implements api.Runtime.
func (r *KernelRuntime) Listen(qd api.QD, backlog int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return err
	}
	if err := unix.Listen(q.fd, backlog); err != nil {
		return err
	}
	q.listening = true
	return nil
}

// Accept implements api.Runtime.
func (r *KernelRuntime) Accept(qd api.QD) (api.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return 0, err
	}
	if !q.listening {
		return 0, unix.EINVAL
	}
	return r.submit(qd, api.OpAccept).tok, nil
}

// Connect implements api.Runtime.
func (r *KernelRuntime) Connect(qd api.QD, addr netip.AddrPort) (api.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return 0, err
	}
	sa, err := toSockaddr(q.domain, addr)
	if err != nil {
		return 0, err
	}
	o := r.submit(qd, api.OpConnect)
	switch err := unix.Connect(q.fd, sa); err {
	case nil:
		q.connected = true
		o.finish(api.Completion{})
	case unix.EINPROGRESS, unix.EINTR:
		// completion is detected by writability and SO_ERROR
	default:
		o.fail(err)
	}
	return o.tok, nil
}

// Push implements api.Runtime.
func (r *KernelRuntime) Push(qd api.QD, segs [][]byte) (api.Token, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return 0, 0, err
	}
	if !q.connected {
		return 0, 0, unix.ENOTCONN
	}
	o := r.submit(qd, api.OpPush)
	n, err := unix.SendmsgBuffers(q.fd, segs, nil, nil, unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT)
	switch {
	case err == unix.EAGAIN:
		return o.tok, 0, nil
	case err != nil:
		o.fail(err)
		return o.tok, 0, nil
	}
	o.finish(api.Completion{Bytes: n})
	return o.tok, n, nil
}

// Pop implements api.Runtime.
func (r *KernelRuntime) Pop(qd api.QD) (api.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return 0, err
	}
	if !q.connected {
		return 0, unix.ENOTCONN
	}
	return r.submit(qd, api.OpPop).tok, nil
}

// Close implements api.Runtime. Outstanding operations complete with api.ErrCanceled.
func (r *KernelRuntime) Close(qd api.QD) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return err
	}
	for _, o := range r.ops {
		if o.qd == qd && !o.done {
			o.fail(api.ErrCanceled)
		}
	}
	delete(r.queues, qd)
	_ = r.waiter.Wake()
	return unix.Close(q.fd)
}

// writable reports whether fd polls writable or in error without blocking.
func writable(fd int) bool {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pfd, 0)
	return err == nil && n > 0
}

// attempt tries to complete o. Caller holds mu.
func (r *KernelRuntime) attempt(o *kernelOp) {
	if o.done {
		return
	}
	q, ok := r.queues[o.qd]
	if !ok {
		o.fail(api.ErrCanceled)
		return
	}
	switch o.code {
	case api.OpAccept:
		nfd, sa, err := unix.Accept4(q.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			r.queues[api.QD(nfd)] = &kernelQueue{fd: nfd, domain: q.domain, connected: true}
			o.finish(api.Completion{Accepted: api.QD(nfd), Peer: fromSockaddr(sa)})
		case unix.EAGAIN, unix.EINTR, unix.ECONNABORTED:
		default:
			o.fail(err)
		}
	case api.OpConnect:
		if !writable(q.fd) {
			return
		}
		soerr, err := unix.GetsockoptInt(q.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		switch {
		case err != nil:
			o.fail(err)
		case soerr != 0:
			o.fail(unix.Errno(soerr))
		default:
			q.connected = true
			o.finish(api.Completion{})
		}
	case api.OpPop:
		buf := make([]byte, r.readBuf)
		n, err := unix.Read(q.fd, buf)
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
		case err != nil:
			o.fail(err)
		case n == 0:
			o.finish(api.Completion{})
		default:
			o.finish(api.Completion{Segments: [][]byte{buf[:n]}})
		}
	case api.OpPush:
		// a push that accepted nothing completes once the socket drains
		if writable(q.fd) {
			o.finish(api.Completion{})
		}
	}
}

// Poll implements api.Runtime.
func (r *KernelRuntime) Poll(tok api.Token) (api.Completion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.ops[tok]
	if !ok {
		return api.Completion{}, false
	}
	r.attempt(o)
	if !o.done {
		return api.Completion{}, false
	}
	delete(r.ops, tok)
	return o.comp, true
}

// interest builds the watch set of tokens. It returns nil when some token
// needs no waiting.
func (r *KernelRuntime) interest(tokens []api.Token) map[int]reactor.Interest {
	set := make(map[int]reactor.Interest, len(tokens))
	for _, tok := range tokens {
		o, ok := r.ops[tok]
		if !ok || o.done {
			return nil
		}
		q, ok := r.queues[o.qd]
		if !ok {
			return nil
		}
		switch o.code {
		case api.OpAccept, api.OpPop:
			set[q.fd] |= reactor.InterestRead
		case api.OpConnect, api.OpPush:
			set[q.fd] |= reactor.InterestWrite
		}
	}
	return set
}

// Wait implements api.Runtime.
func (r *KernelRuntime) Wait(ctx context.Context, tokens []api.Token, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	set := r.interest(tokens)
	r.mu.Unlock()
	if set == nil {
		return nil
	}
	stop := context.AfterFunc(ctx, func() { _ = r.waiter.Wake() })
	defer stop()
	n, err := r.waiter.Wait(set, timeout)
	if err != nil {
		return err
	}
	control.Tracef("transport", "wait: %d of %d descriptors ready", n, len(set))
	return ctx.Err()
}

// Cancel implements api.Runtime. Kernel operations have no in-flight state, so
// cancellation always succeeds.
func (r *KernelRuntime) Cancel(tok api.Token) bool {
	r.mu.Lock()
	delete(r.ops, tok)
	r.mu.Unlock()
	return true
}

// LocalAddr implements api.Runtime.
func (r *KernelRuntime) LocalAddr(qd api.QD) (netip.AddrPort, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return Sockname(q.fd)
}

// SetOption implements api.OptionSetter by passing the raw value to setsockopt.
func (r *KernelRuntime) SetOption(qd api.QD, level, name int, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return err
	}
	return unix.SetsockoptString(q.fd, level, name, string(value))
}

// Shutdown closes every queue and the waiter.
func (r *KernelRuntime) Shutdown() error {
	r.mu.Lock()
	for qd, q := range r.queues {
		unix.Close(q.fd)
		delete(r.queues, qd)
	}
	for _, o := range r.ops {
		if !o.done {
			o.fail(api.ErrCanceled)
		}
	}
	r.mu.Unlock()
	return r.waiter.Close()
}
