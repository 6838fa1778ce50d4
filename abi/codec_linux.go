//go:build linux
// +build linux

// File: abi/codec_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Decoding and encoding of the C structures crossing the ABI.

package abi

import (
	"encoding/binary"
	"net/netip"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DecodeSockaddr parses a sockaddr_in or sockaddr_in6. The family is in host
// byte order, the port in network byte order.
func DecodeSockaddr(b []byte) (netip.AddrPort, error) {
	if len(b) < 2 {
		return netip.AddrPort{}, unix.EINVAL
	}
	switch binary.NativeEndian.Uint16(b) {
	case unix.AF_INET:
		if len(b) < unix.SizeofSockaddrInet4 {
			return netip.AddrPort{}, unix.EINVAL
		}
		ip := netip.AddrFrom4([4]byte(b[4:8]))
		return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[2:4])), nil
	case unix.AF_INET6:
		if len(b) < unix.SizeofSockaddrInet6 {
			return netip.AddrPort{}, unix.EINVAL
		}
		ip := netip.AddrFrom16([16]byte(b[8:24]))
		if scope := binary.NativeEndian.Uint32(b[24:28]); scope != 0 {
			ip = ip.WithZone(strconv.FormatUint(uint64(scope), 10))
		}
		return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[2:4])), nil
	}
	return netip.AddrPort{}, unix.EAFNOSUPPORT
}

// EncodeSockaddr renders ap as sockaddr_in when it is IPv4, else as sockaddr_in6.
func EncodeSockaddr(ap netip.AddrPort) []byte {
	ip := ap.Addr()
	if ip.Is4() {
		b := make([]byte, unix.SizeofSockaddrInet4)
		binary.NativeEndian.PutUint16(b, unix.AF_INET)
		binary.BigEndian.PutUint16(b[2:4], ap.Port())
		a := ip.As4()
		copy(b[4:8], a[:])
		return b
	}
	b := make([]byte, unix.SizeofSockaddrInet6)
	binary.NativeEndian.PutUint16(b, unix.AF_INET6)
	binary.BigEndian.PutUint16(b[2:4], ap.Port())
	a := ip.As16()
	copy(b[8:24], a[:])
	if z, err := strconv.ParseUint(ip.Zone(), 10, 32); err == nil {
		binary.NativeEndian.PutUint32(b[24:28], uint32(z))
	}
	return b
}

func sockaddrIn(p unsafe.Pointer, n uint32) (netip.AddrPort, error) {
	if p == nil {
		return netip.AddrPort{}, unix.EFAULT
	}
	return DecodeSockaddr(unsafe.Slice((*byte)(p), int(n)))
}

// sockaddrOut stores ap at p, truncated to *lenp, and sets *lenp to the full size.
// Either pointer may be nil, in which case nothing is written.
func sockaddrOut(p unsafe.Pointer, lenp *uint32, ap netip.AddrPort) {
	if p == nil || lenp == nil {
		return
	}
	raw := EncodeSockaddr(ap)
	copy(unsafe.Slice((*byte)(p), int(*lenp)), raw)
	*lenp = uint32(len(raw))
}

// eventData is the 64-bit user data of ev. Its offset differs per
// architecture; unix.EpollEvent places Fd at the start of it on every one.
func eventData(ev *unix.EpollEvent) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&ev.Fd)), 8)
}

func eventsAt(p unsafe.Pointer, n int) []unix.EpollEvent {
	return unsafe.Slice((*unix.EpollEvent)(p), n)
}

func iovecsAt(p unsafe.Pointer, n int) ([][]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if p == nil {
		return nil, unix.EFAULT
	}
	if n < 0 || n > maxIovecs {
		return nil, unix.EINVAL
	}
	iovs := unsafe.Slice((*unix.Iovec)(p), n)
	bufs := make([][]byte, 0, n)
	for i := range iovs {
		if iovs[i].Len == 0 {
			continue
		}
		if iovs[i].Base == nil {
			return nil, unix.EFAULT
		}
		bufs = append(bufs, unsafe.Slice(iovs[i].Base, int(iovs[i].Len)))
	}
	return bufs, nil
}

// maxIovecs matches IOV_MAX.
const maxIovecs = 1024

// maxPwaitEvents bounds one epoll_pwait. A larger maxevents still works, it
// just never gets more than this many events back per call.
const maxPwaitEvents = 1024

func bytesAt(p unsafe.Pointer, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if p == nil {
		return nil, unix.EFAULT
	}
	if n < 0 {
		return nil, unix.EINVAL
	}
	return unsafe.Slice((*byte)(p), n), nil
}
