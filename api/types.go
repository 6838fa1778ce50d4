// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared socket-level type declarations and constants.

package api

import "net/netip"

// Socket domains, types and protocols accepted by dpoll (Linux values).
const (
	AFInet  = 2
	AFInet6 = 10

	SockStream   = 1
	SockNonblock = 0x800
	SockCloexec  = 0x80000
	// SockTypeMask strips SOCK_NONBLOCK and SOCK_CLOEXEC from a type argument.
	SockTypeMask = 0xf

	IPProtoIP  = 0
	IPProtoTCP = 6
)

// Message flags understood by sendmsg and recvmsg.
const (
	MsgPeek     = 0x2
	MsgTrunc    = 0x20
	MsgDontWait = 0x40
	MsgNoSignal = 0x4000
)

// SocketState enumerates the lifecycle of an emulated socket.
type SocketState int

const (
	StateCreated SocketState = iota
	StateBound
	StateListening
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s SocketState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBound:
		return "bound"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Unspecified returns the wildcard address of a domain, used before a socket is bound.
func Unspecified(domain int) netip.AddrPort {
	if domain == AFInet6 {
		return netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
	}
	return netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
}
