// File: api/runtime.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Contract of the asynchronous, completion-token based I/O runtime that dpoll
// translates into POSIX socket and epoll semantics.

package api

import (
	"context"
	"fmt"
	"net/netip"
	"time"
)

// QD is a runtime queue descriptor; one per socket.
type QD int

// Token identifies one submitted operation until its completion is polled.
// Runtimes may reuse a token value once its completion has been returned by Poll.
type Token uint64

// OpCode tags the completion variant carried by a Completion.
type OpCode uint8

const (
	OpInvalid OpCode = iota
	OpPush
	OpPop
	OpAccept
	OpConnect
	OpClose
	OpFailed
)

func (o OpCode) String() string {
	switch o {
	case OpPush:
		return "push"
	case OpPop:
		return "pop"
	case OpAccept:
		return "accept"
	case OpConnect:
		return "connect"
	case OpClose:
		return "close"
	case OpFailed:
		return "failed"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
}

// Completion is the result of one finished operation.
type Completion struct {
	Token Token
	QD    QD
	Op    OpCode

	// Segments carries popped bytes; an OpPop completion without bytes is end of input.
	Segments [][]byte
	// Bytes is the number of bytes a push transferred.
	Bytes int
	// Accepted and Peer describe the connection produced by an accept.
	Accepted QD
	Peer     netip.AddrPort

	// Err is set on failure; Op is then OpFailed or the original op code.
	Err error
}

// Len returns the number of popped bytes.
func (c *Completion) Len() int {
	n := 0
	for _, s := range c.Segments {
		n += len(s)
	}
	return n
}

// Runtime is the asynchronous network runtime consumed by dpoll.
//
// All methods other than Wait must not block. A runtime must be safe for
// concurrent use because Wait runs with the engine lock released.
type Runtime interface {
	// Socket creates a queue for a stream socket.
	Socket(domain, typ, proto int) (QD, error)
	// Bind assigns a local address.
	Bind(qd QD, addr netip.AddrPort) error
	// Listen turns a bound queue into a passive one.
	Listen(qd QD, backlog int) error
	// Accept submits an accept and returns its token.
	Accept(qd QD) (Token, error)
	// Connect submits an active open and returns its token.
	Connect(qd QD, addr netip.AddrPort) (Token, error)
	// Push submits the segments for transmission. The runtime takes ownership
	// of the segments and reports how many bytes it accepted.
	Push(qd QD, segs [][]byte) (Token, int, error)
	// Pop submits a receive.
	Pop(qd QD) (Token, error)
	// Close releases the queue. Outstanding tokens of the queue complete with ErrCanceled.
	Close(qd QD) error

	// Poll returns the completion of tok if it finished. A returned completion
	// retires the token.
	Poll(tok Token) (Completion, bool)
	// Wait suspends until one of tokens may have completed, the timeout elapses
	// (negative means no timeout) or ctx is done.
	Wait(ctx context.Context, tokens []Token, timeout time.Duration) error
	// Cancel abandons tok. It returns false when the runtime cannot cancel
	// in-flight work; the token then still completes later.
	Cancel(tok Token) bool

	// LocalAddr reports the address the queue is bound to.
	LocalAddr(qd QD) (netip.AddrPort, error)
}

// OptionSetter is implemented by runtimes able to apply socket options.
type OptionSetter interface {
	SetOption(qd QD, level, name int, value []byte) error
}

// RuntimeFactory builds a runtime from the engine configuration.
type RuntimeFactory func() (Runtime, error)
