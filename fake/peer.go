// Package fake
// Author: momentics <momentics@gmail.com>
//
// Test-side endpoints of fake connections.

package fake

import (
	"net/netip"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// Peer is the remote end of a connection, driven directly by tests.
type Peer struct {
	rt   *Runtime
	side *side
}

// PeerListener accepts connections made by runtime queues.
type PeerListener struct {
	rt      *Runtime
	addr    netip.AddrPort
	backlog *queue.Queue // *Peer
}

// Dial connects a test peer to a listening runtime queue at addr.
func (r *Runtime) Dial(addr netip.AddrPort) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.lookupListener(addr)
	if l == nil || l.ep == nil {
		return nil, unix.ECONNREFUSED
	}
	if l.ep.incoming.Length() >= l.ep.backlog {
		return nil, unix.ECONNREFUSED
	}
	local := netip.AddrPortFrom(loopback(l.ep.domain), r.ephemeralPort())
	client, server := newPair(local, l.ep.local, r.capacity)
	l.ep.incoming.Add(server)
	r.changed()
	return &Peer{rt: r, side: client}, nil
}

// Serve registers a test listener at addr for runtime queues to connect to.
func (r *Runtime) Serve(addr netip.AddrPort) (*PeerListener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.listeners[addr]; taken {
		return nil, unix.EADDRINUSE
	}
	pl := &PeerListener{rt: r, addr: addr, backlog: queue.New()}
	r.listeners[addr] = &listener{peer: pl}
	return pl, nil
}

// Accept returns the oldest connection made to the listener.
func (l *PeerListener) Accept() (*Peer, bool) {
	l.rt.mu.Lock()
	defer l.rt.mu.Unlock()
	if l.backlog.Length() == 0 {
		return nil, false
	}
	return l.backlog.Remove().(*Peer), true
}

// Close unregisters the listener.
func (l *PeerListener) Close() {
	l.rt.mu.Lock()
	delete(l.rt.listeners, l.addr)
	l.rt.mu.Unlock()
}

// LocalAddr returns the peer's own address.
func (p *Peer) LocalAddr() netip.AddrPort { return p.side.local }

// Write queues b for the runtime side; it returns the bytes that fit.
func (p *Peer) Write(b []byte) (int, error) {
	p.rt.mu.Lock()
	defer p.rt.mu.Unlock()
	if p.side.closed {
		return 0, unix.EBADF
	}
	if err := p.side.tx.writeErr; err != nil {
		return 0, err
	}
	n := p.side.tx.write([][]byte{b}, 0)
	p.rt.changed()
	return n, nil
}

// Read drains everything the runtime side has sent.
func (p *Peer) Read() []byte {
	p.rt.mu.Lock()
	defer p.rt.mu.Unlock()
	out := p.side.rx.drain()
	p.rt.changed()
	return out
}

// Buffered returns the bytes the runtime side sent and the peer has not read.
func (p *Peer) Buffered() int {
	p.rt.mu.Lock()
	defer p.rt.mu.Unlock()
	return p.side.rx.size
}

// EOF reports whether the runtime side closed the connection.
func (p *Peer) EOF() bool {
	p.rt.mu.Lock()
	defer p.rt.mu.Unlock()
	return p.side.rx.eof
}

// Close ends the connection; the runtime side reads end of input after buffered data.
func (p *Peer) Close() {
	p.rt.mu.Lock()
	closeSide(p.side)
	p.rt.changed()
	p.rt.mu.Unlock()
}

// Reset aborts the connection; the runtime side receives err instead of further data.
func (p *Peer) Reset(err error) {
	if err == nil {
		err = unix.ECONNRESET
	}
	p.rt.mu.Lock()
	p.side.closed = true
	p.side.tx.readErr = err
	p.side.rx.drain()
	p.side.rx.writeErr = err
	p.rt.changed()
	p.rt.mu.Unlock()
}
