// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Runtime is a deterministic in-memory api.Runtime: connections are pairs of
// queued byte streams, listeners live in an address table, and operations
// complete when Poll finds them satisfiable. Cancel support, per-op faults,
// stream capacity and token reuse are all controllable.

package fake

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/momentics/dpoll/api"
	"golang.org/x/sys/unix"
)

const firstEphemeral = 40000

type endpoint struct {
	qd        api.QD
	domain    int
	local     netip.AddrPort
	bound     bool
	listening bool
	backlog   int
	incoming  *queue.Queue // *side awaiting accept
	conn      *side
	closed    bool
	options   map[int][]byte
}

type op struct {
	tok  api.Token
	qd   api.QD
	code api.OpCode
	comp api.Completion
	done bool
}

type listener struct {
	ep   *endpoint     // dpoll-side listening queue
	peer *PeerListener // test-side listener
}

// Runtime is safe for concurrent use.
type Runtime struct {
	mu sync.Mutex

	nextQD    api.QD
	nextTok   api.Token
	ephemeral uint16
	eps       map[api.QD]*endpoint
	listeners map[netip.AddrPort]*listener
	ops       map[api.Token]*op
	free      []api.Token

	canCancel   bool
	reuseTokens bool
	capacity    int
	pushLimit   int
	submitFault map[api.OpCode]error
	opFault     map[api.OpCode]error

	notify   chan struct{}
	waits    int
	closedQD map[api.QD]bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithoutCancel makes Cancel report failure, leaving operations to complete on close.
func WithoutCancel() Option { return func(r *Runtime) { r.canCancel = false } }

// WithTokenReuse recycles retired token values, lowest first.
func WithTokenReuse() Option { return func(r *Runtime) { r.reuseTokens = true } }

// WithCapacity bounds every stream direction to n buffered bytes.
func WithCapacity(n int) Option { return func(r *Runtime) { r.capacity = n } }

// WithPushLimit caps the bytes one Push accepts.
func WithPushLimit(n int) Option { return func(r *Runtime) { r.pushLimit = n } }

// NewRuntime creates an empty runtime. Cancel is supported unless WithoutCancel is given.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		nextQD:      1,
		ephemeral:   firstEphemeral,
		eps:         make(map[api.QD]*endpoint),
		listeners:   make(map[netip.AddrPort]*listener),
		ops:         make(map[api.Token]*op),
		canCancel:   true,
		submitFault: make(map[api.OpCode]error),
		opFault:     make(map[api.OpCode]error),
		notify:      make(chan struct{}),
		closedQD:    make(map[api.QD]bool),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var _ api.Runtime = (*Runtime)(nil)
var _ api.OptionSetter = (*Runtime)(nil)

// changed wakes every Wait. Caller holds mu.
func (r *Runtime) changed() {
	close(r.notify)
	r.notify = make(chan struct{})
}

// SetCanCancel toggles Cancel support.
func (r *Runtime) SetCanCancel(v bool) {
	r.mu.Lock()
	r.canCancel = v
	r.mu.Unlock()
}

// FailNextSubmit makes the next submission of code return err.
func (r *Runtime) FailNextSubmit(code api.OpCode, err error) {
	r.mu.Lock()
	r.submitFault[code] = err
	r.mu.Unlock()
}

// FailNextCompletion makes the next operation of code complete with err.
func (r *Runtime) FailNextCompletion(code api.OpCode, err error) {
	r.mu.Lock()
	r.opFault[code] = err
	r.mu.Unlock()
}

// WaitCalls returns how many times Wait was entered.
func (r *Runtime) WaitCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waits
}

// Inflight returns the number of operations not yet retired.
func (r *Runtime) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

// QueueClosed reports whether Close was called on qd.
func (r *Runtime) QueueClosed(qd api.QD) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closedQD[qd]
}

// OpenQueues returns the number of live queues.
func (r *Runtime) OpenQueues() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.eps)
}

// Option returns a value recorded through SetOption.
func (r *Runtime) Option(qd api.QD, level, name int) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.eps[qd]
	if !ok {
		return nil, false
	}
	v, ok := ep.options[level<<16|name&0xffff]
	return v, ok
}

func (r *Runtime) takeSubmitFault(code api.OpCode) error {
	if err, ok := r.submitFault[code]; ok {
		delete(r.submitFault, code)
		return err
	}
	return nil
}

func (r *Runtime) endpoint(qd api.QD) (*endpoint, error) {
	ep, ok := r.eps[qd]
	if !ok {
		return nil, unix.EBADF
	}
	return ep, nil
}

func (r *Runtime) newEndpoint(domain int) *endpoint {
	ep := &endpoint{qd: r.nextQD, domain: domain, incoming: queue.New(), options: make(map[int][]byte)}
	r.nextQD++
	r.eps[ep.qd] = ep
	return ep
}

func (r *Runtime) ephemeralPort() uint16 {
	p := r.ephemeral
	r.ephemeral++
	if r.ephemeral == 0 {
		r.ephemeral = firstEphemeral
	}
	return p
}

func loopback(domain int) netip.Addr {
	if domain == api.AFInet6 {
		return netip.IPv6Loopback()
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}

func (r *Runtime) newToken() api.Token {
	if r.reuseTokens && len(r.free) > 0 {
		low := 0
		for i, t := range r.free {
			if t < r.free[low] {
				low = i
			}
		}
		tok := r.free[low]
		r.free = append(r.free[:low], r.free[low+1:]...)
		return tok
	}
	r.nextTok++
	return r.nextTok
}

func (r *Runtime) retire(tok api.Token) {
	delete(r.ops, tok)
	if r.reuseTokens {
		r.free = append(r.free, tok)
	}
}

func (r *Runtime) submit(qd api.QD, code api.OpCode) *op {
	o := &op{tok: r.newToken(), qd: qd, code: code}
	if err, ok := r.opFault[code]; ok {
		delete(r.opFault, code)
		o.finish(api.Completion{Op: api.OpFailed, Err: err})
	}
	r.ops[o.tok] = o
	r.changed()
	return o
}

func (o *op) finish(c api.Completion) {
	c.Token, c.QD = o.tok, o.qd
	if c.Op == api.OpInvalid {
		c.Op = o.code
	}
	o.comp, o.done = c, true
}

// Socket implements api.Runtime.
func (r *Runtime) Socket(domain, typ, proto int) (api.QD, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeSubmitFault(api.OpInvalid); err != nil {
		return 0, err
	}
	if domain != api.AFInet && domain != api.AFInet6 {
		return 0, unix.EAFNOSUPPORT
	}
	return r.newEndpoint(domain).qd, nil
}

// Bind implements api.Runtime. Port zero picks an ephemeral port.
func (r *Runtime) Bind(qd api.QD, addr netip.AddrPort) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, err := r.endpoint(qd)
	if err != nil {
		return err
	}
	if ep.bound {
		return unix.EINVAL
	}
	if addr.Port() == 0 {
		addr = netip.AddrPortFrom(addr.Addr(), r.ephemeralPort())
	}
	for _, other := range r.eps {
		if other.bound && other.local == addr {
			return unix.EADDRINUSE
		}
	}
	if _, taken := r.listeners[addr]; taken {
		return unix.EADDRINUSE
	}
	ep.local, ep.bound = addr, true
	return nil
}

// Listen implements api.Runtime.
func (r *Runtime) Listen(qd api.QD, backlog int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, err := r.endpoint(qd)
	if err != nil {
		return err
	}
	if !ep.bound {
		ep.local = netip.AddrPortFrom(netip.IPv4Unspecified(), r.ephemeralPort())
		ep.bound = true
	}
	if backlog <= 0 {
		backlog = 1
	}
	ep.listening, ep.backlog = true, backlog
	r.listeners[ep.local] = &listener{ep: ep}
	return nil
}

// Accept implements api.Runtime.
func (r *Runtime) Accept(qd api.QD) (api.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, err := r.endpoint(qd)
	if err != nil {
		return 0, err
	}
	if !ep.listening {
		return 0, unix.EINVAL
	}
	if err := r.takeSubmitFault(api.OpAccept); err != nil {
		return 0, err
	}
	return r.submit(qd, api.OpAccept).tok, nil
}

func (r *Runtime) lookupListener(addr netip.AddrPort) *listener {
	if l, ok := r.listeners[addr]; ok {
		return l
	}
	wild := netip.IPv4Unspecified()
	if addr.Addr().Is6() {
		wild = netip.IPv6Unspecified()
	}
	return r.listeners[netip.AddrPortFrom(wild, addr.Port())]
}

// Connect implements api.Runtime. The connection is established or refused immediately;
// the completion is visible through Poll.
func (r *Runtime) Connect(qd api.QD, addr netip.AddrPort) (api.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, err := r.endpoint(qd)
	if err != nil {
		return 0, err
	}
	if err := r.takeSubmitFault(api.OpConnect); err != nil {
		return 0, err
	}
	o := r.submit(qd, api.OpConnect)
	if o.done {
		return o.tok, nil
	}
	if !ep.bound {
		ep.local = netip.AddrPortFrom(loopback(ep.domain), r.ephemeralPort())
		ep.bound = true
	}
	l := r.lookupListener(addr)
	if l == nil {
		o.finish(api.Completion{Op: api.OpFailed, Err: unix.ECONNREFUSED})
		return o.tok, nil
	}
	client, server := newPair(ep.local, addr, r.capacity)
	switch {
	case l.ep != nil:
		if l.ep.incoming.Length() >= l.ep.backlog {
			o.finish(api.Completion{Op: api.OpFailed, Err: unix.ECONNREFUSED})
			return o.tok, nil
		}
		l.ep.incoming.Add(server)
	default:
		l.peer.backlog.Add(&Peer{rt: r, side: server})
	}
	ep.conn = client
	o.finish(api.Completion{})
	return o.tok, nil
}

// Push implements api.Runtime. Bytes are transferred at submission; when the stream
// has no room the operation stays pending until it has, and then completes with zero bytes.
func (r *Runtime) Push(qd api.QD, segs [][]byte) (api.Token, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, err := r.endpoint(qd)
	if err != nil {
		return 0, 0, err
	}
	if ep.conn == nil {
		return 0, 0, unix.ENOTCONN
	}
	if err := r.takeSubmitFault(api.OpPush); err != nil {
		return 0, 0, err
	}
	o := r.submit(qd, api.OpPush)
	if o.done {
		return o.tok, 0, nil
	}
	if werr := ep.conn.tx.writeErr; werr != nil {
		o.finish(api.Completion{Op: api.OpFailed, Err: werr})
		return o.tok, 0, nil
	}
	n := ep.conn.tx.write(segs, r.pushLimit)
	if n > 0 {
		o.finish(api.Completion{Bytes: n})
	}
	return o.tok, n, nil
}

// Pop implements api.Runtime.
func (r *Runtime) Pop(qd api.QD) (api.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, err := r.endpoint(qd)
	if err != nil {
		return 0, err
	}
	if ep.conn == nil {
		return 0, unix.ENOTCONN
	}
	if err := r.takeSubmitFault(api.OpPop); err != nil {
		return 0, err
	}
	return r.submit(qd, api.OpPop).tok, nil
}

// Close implements api.Runtime. Outstanding operations of qd complete with api.ErrCanceled.
func (r *Runtime) Close(qd api.QD) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, err := r.endpoint(qd)
	if err != nil {
		return err
	}
	ep.closed = true
	if ep.listening {
		delete(r.listeners, ep.local)
		for ep.incoming.Length() > 0 {
			closeSide(ep.incoming.Remove().(*side))
		}
	}
	if ep.conn != nil {
		closeSide(ep.conn)
	}
	for _, o := range r.ops {
		if o.qd == qd && !o.done {
			o.finish(api.Completion{Op: api.OpFailed, Err: api.ErrCanceled})
		}
	}
	delete(r.eps, qd)
	r.closedQD[qd] = true
	r.changed()
	return nil
}

func closeSide(s *side) {
	if s.closed {
		return
	}
	s.closed = true
	s.tx.eof = true
	s.rx.drain()
	s.rx.writeErr = unix.EPIPE
}

// evaluate completes o if its condition holds. Caller holds mu.
func (r *Runtime) evaluate(o *op, commit bool) bool {
	if o.done {
		return true
	}
	ep, ok := r.eps[o.qd]
	if !ok {
		return false
	}
	switch o.code {
	case api.OpAccept:
		if ep.incoming.Length() == 0 {
			return false
		}
		if commit {
			s := ep.incoming.Remove().(*side)
			child := r.newEndpoint(ep.domain)
			child.local, child.bound, child.conn = s.local, true, s
			o.finish(api.Completion{Accepted: child.qd, Peer: s.remote})
		}
		return true
	case api.OpPop:
		if ep.conn == nil || !ep.conn.rx.readable() {
			return false
		}
		if commit {
			b, err := ep.conn.rx.read()
			switch {
			case err != nil:
				o.finish(api.Completion{Op: api.OpFailed, Err: err})
			case len(b) == 0:
				o.finish(api.Completion{})
			default:
				o.finish(api.Completion{Segments: [][]byte{b}})
			}
			r.changed()
		}
		return true
	case api.OpPush:
		if ep.conn == nil || (ep.conn.tx.room() == 0 && ep.conn.tx.writeErr == nil) {
			return false
		}
		if commit {
			if werr := ep.conn.tx.writeErr; werr != nil {
				o.finish(api.Completion{Op: api.OpFailed, Err: werr})
			} else {
				o.finish(api.Completion{})
			}
		}
		return true
	}
	return false
}

// Poll implements api.Runtime.
func (r *Runtime) Poll(tok api.Token) (api.Completion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.ops[tok]
	if !ok {
		return api.Completion{}, false
	}
	if !r.evaluate(o, true) {
		return api.Completion{}, false
	}
	r.retire(tok)
	return o.comp, true
}

// Wait implements api.Runtime.
func (r *Runtime) Wait(ctx context.Context, tokens []api.Token, timeout time.Duration) error {
	r.mu.Lock()
	r.waits++
	r.mu.Unlock()

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
			if o, ok := r.ops[tok]; ok && r.evaluate(o, false) {
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

// Cancel implements api.Runtime.
func (r *Runtime) Cancel(tok api.Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.canCancel {
		return false
	}
	if _, ok := r.ops[tok]; ok {
		r.retire(tok)
	}
	return true
}

// LocalAddr implements api.Runtime.
func (r *Runtime) LocalAddr(qd api.QD) (netip.AddrPort, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, err := r.endpoint(qd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if !ep.bound {
		return api.Unspecified(ep.domain), nil
	}
	return ep.local, nil
}

// SetOption implements api.OptionSetter.
func (r *Runtime) SetOption(qd api.QD, level, name int, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, err := r.endpoint(qd)
	if err != nil {
		return err
	}
	ep.options[level<<16|name&0xffff] = append([]byte(nil), value...)
	return nil
}
