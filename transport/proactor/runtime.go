// File: transport/proactor/runtime.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Goroutine-per-operation runtime. Submissions start a goroutine that runs
// the blocking net call; its result is stored under the token and every Wait
// is woken. Bind only records the address; the listener is opened by Listen.

package proactor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/momentics/dpoll/api"
	"github.com/momentics/dpoll/control"
	"golang.org/x/sys/unix"
)

const defaultReadBuffer = 64 << 10

type queue struct {
	qd     api.QD
	domain int
	local  netip.AddrPort
	ln     net.Listener
	conn   net.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

type op struct {
	tok  api.Token
	qd   api.QD
	code api.OpCode
	comp api.Completion
	done bool
}

// Runtime is safe for concurrent use.
type Runtime struct {
	network Network
	readBuf int

	mu      sync.Mutex
	queues  map[api.QD]*queue
	ops     map[api.Token]*op
	nextQD  api.QD
	nextTok api.Token
	notify  chan struct{}
	wg      sync.WaitGroup
}

var _ api.Runtime = (*Runtime)(nil)

// New creates a runtime over network. Each receive reads at most readBufferSize bytes.
func New(network Network, readBufferSize int) *Runtime {
	if readBufferSize <= 0 {
		readBufferSize = defaultReadBuffer
	}
	return &Runtime{
		network: network,
		readBuf: readBufferSize,
		queues:  make(map[api.QD]*queue),
		ops:     make(map[api.Token]*op),
		nextQD:  1,
		notify:  make(chan struct{}),
	}
}

// changed wakes every Wait. Caller holds mu.
func (r *Runtime) changed() {
	close(r.notify)
	r.notify = make(chan struct{})
}

func (r *Runtime) queue(qd api.QD) (*queue, error) {
	q, ok := r.queues[qd]
	if !ok {
		return nil, unix.EBADF
	}
	return q, nil
}

func (r *Runtime) newQueue(domain int) *queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &queue{qd: r.nextQD, domain: domain, ctx: ctx, cancel: cancel}
	r.nextQD++
	r.queues[q.qd] = q
	return q
}

// start registers an operation and runs fn on its own goroutine. fn returns the
// completion; a completion for an operation already finished by Close is dropped.
func (r *Runtime) start(q *queue, code api.OpCode, fn func() api.Completion) api.Token {
	r.nextTok++
	o := &op{tok: r.nextTok, qd: q.qd, code: code}
	r.ops[o.tok] = o
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		c := fn()
		r.mu.Lock()
		defer r.mu.Unlock()
		if o.done {
			if c.Op == api.OpAccept && c.Err == nil {
				// the listener went away while the connection was being accepted
				r.closeLocked(c.Accepted)
			}
			return
		}
		o.finish(c)
		r.changed()
	}()
	return o.tok
}

func (o *op) finish(c api.Completion) {
	c.Token, c.QD = o.tok, o.qd
	if c.Op == api.OpInvalid {
		c.Op = o.code
	}
	if c.Err != nil {
		c.Op = api.OpFailed
	}
	o.comp, o.done = c, true
}

// translate maps net errors onto the errno space the engine reports.
func translate(err error) error {
	var errno unix.Errno
	switch {
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, net.ErrClosed):
		return api.ErrCanceled
	case errors.Is(err, context.Canceled):
		return api.ErrCanceled
	}
	return err
}

func addrOf(a net.Addr) netip.AddrPort {
	if t, ok := a.(*net.TCPAddr); ok {
		return t.AddrPort()
	}
	if a == nil {
		return netip.AddrPort{}
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}

// Socket implements api.Runtime.
func (r *Runtime) Socket(domain, typ, proto int) (api.QD, error) {
	if domain != api.AFInet && domain != api.AFInet6 {
		return 0, unix.EAFNOSUPPORT
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newQueue(domain).qd, nil
}

// Bind implements api.Runtime.
func (r *Runtime) Bind(qd api.QD, addr netip.AddrPort) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return err
	}
	if q.ln != nil || q.conn != nil {
		return unix.EINVAL
	}
	q.local = addr
	return nil
}

// Listen implements api.Runtime.
func (r *Runtime) Listen(qd api.QD, backlog int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return err
	}
	if q.ln != nil {
		return nil
	}
	local := q.local
	if !local.IsValid() {
		local = api.Unspecified(q.domain)
	}
	ln, err := r.network.Listen(local)
	if err != nil {
		return translate(err)
	}
	q.ln = ln
	q.local = addrOf(ln.Addr())
	control.Tracef("proactor", "queue %d listening on %s", qd, q.local)
	return nil
}

// Accept implements api.Runtime.
func (r *Runtime) Accept(qd api.QD) (api.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return 0, err
	}
	if q.ln == nil {
		return 0, unix.EINVAL
	}
	ln, domain := q.ln, q.domain
	return r.start(q, api.OpAccept, func() api.Completion {
		c, err := ln.Accept()
		if err != nil {
			return api.Completion{Err: translate(err)}
		}
		r.mu.Lock()
		child := r.newQueue(domain)
		child.conn = c
		child.local = addrOf(c.LocalAddr())
		r.mu.Unlock()
		return api.Completion{Op: api.OpAccept, Accepted: child.qd, Peer: addrOf(c.RemoteAddr())}
	}), nil
}

// Connect implements api.Runtime.
func (r *Runtime) Connect(qd api.QD, addr netip.AddrPort) (api.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return 0, err
	}
	if q.conn != nil {
		return 0, unix.EISCONN
	}
	ctx := q.ctx
	return r.start(q, api.OpConnect, func() api.Completion {
		c, err := r.network.Dial(ctx, addr)
		if err != nil {
			return api.Completion{Err: translate(err)}
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.queues[qd]; !ok || cur != q {
			c.Close()
			return api.Completion{Err: api.ErrCanceled}
		}
		q.conn = c
		q.local = addrOf(c.LocalAddr())
		return api.Completion{}
	}), nil
}

// Push implements api.Runtime. Every byte is accepted at submission; the
// completion reports how many reached the connection.
func (r *Runtime) Push(qd api.QD, segs [][]byte) (api.Token, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return 0, 0, err
	}
	if q.conn == nil {
		return 0, 0, unix.ENOTCONN
	}
	conn := q.conn
	bufs := net.Buffers(segs)
	total := 0
	for _, s := range segs {
		total += len(s)
	}
	tok := r.start(q, api.OpPush, func() api.Completion {
		n, err := bufs.WriteTo(conn)
		return api.Completion{Bytes: int(n), Err: translateWrite(err)}
	})
	return tok, total, nil
}

func translateWrite(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return unix.EPIPE
	}
	return translate(err)
}

// Pop implements api.Runtime.
func (r *Runtime) Pop(qd api.QD) (api.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return 0, err
	}
	if q.conn == nil {
		return 0, unix.ENOTCONN
	}
	conn, size := q.conn, r.readBuf
	return r.start(q, api.OpPop, func() api.Completion {
		buf := make([]byte, size)
		for {
			n, err := conn.Read(buf)
			switch {
			case n > 0:
				return api.Completion{Segments: [][]byte{buf[:n]}}
			case errors.Is(err, io.EOF):
				return api.Completion{}
			case err != nil:
				return api.Completion{Err: translate(err)}
			}
		}
	}), nil
}

func (r *Runtime) closeLocked(qd api.QD) error {
	q, err := r.queue(qd)
	if err != nil {
		return err
	}
	delete(r.queues, qd)
	q.cancel()
	if q.ln != nil {
		q.ln.Close()
	}
	if q.conn != nil {
		q.conn.Close()
	}
	for _, o := range r.ops {
		if o.qd == qd && !o.done {
			o.finish(api.Completion{Err: api.ErrCanceled})
		}
	}
	r.changed()
	return nil
}

// Close implements api.Runtime. Outstanding operations complete with api.ErrCanceled.
func (r *Runtime) Close(qd api.QD) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked(qd)
}

// Poll implements api.Runtime.
func (r *Runtime) Poll(tok api.Token) (api.Completion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.ops[tok]
	if !ok || !o.done {
		return api.Completion{}, false
	}
	delete(r.ops, tok)
	return o.comp, true
}

// Wait implements api.Runtime.
func (r *Runtime) Wait(ctx context.Context, tokens []api.Token, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		r.mu.Lock()
		ready := false
		for _, tok := range tokens {
			if o, ok := r.ops[tok]; !ok || o.done {
				ready = true
				break
			}
		}
		notify := r.notify
		r.mu.Unlock()
		if ready {
			return nil
		}
		select {
		case <-notify:
		case <-timer:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Cancel implements api.Runtime. Only finished operations can be withdrawn.
func (r *Runtime) Cancel(tok api.Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.ops[tok]
	if !ok {
		return true
	}
	if !o.done {
		return false
	}
	delete(r.ops, tok)
	return true
}

// LocalAddr implements api.Runtime.
func (r *Runtime) LocalAddr(qd api.QD) (netip.AddrPort, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, err := r.queue(qd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if !q.local.IsValid() {
		return api.Unspecified(q.domain), nil
	}
	return q.local, nil
}

// Shutdown closes every queue and waits for operation goroutines to exit.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	for qd := range r.queues {
		r.closeLocked(qd)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
