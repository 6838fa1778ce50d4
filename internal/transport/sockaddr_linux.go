// internal/transport/sockaddr_linux.go
//go:build linux
// +build linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

// toSockaddr converts addr for a socket of domain. IPv4 addresses on an
// AF_INET6 socket are mapped.
func toSockaddr(domain int, addr netip.AddrPort) (unix.Sockaddr, error) {
	ip := addr.Addr()
	switch domain {
	case unix.AF_INET:
		ip = ip.Unmap()
		if !ip.Is4() {
			return nil, unix.EAFNOSUPPORT
		}
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}, nil
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
		if ip.Is6() && ip.Zone() != "" {
			// numeric zones only; names would require an interface lookup
			for _, c := range ip.Zone() {
				if c < '0' || c > '9' {
					return nil, unix.EINVAL
				}
				sa.ZoneId = sa.ZoneId*10 + uint32(c-'0')
			}
		}
		return sa, nil
	}
	return nil, unix.EAFNOSUPPORT
}

// Sockname returns the local address of kernel socket fd.
func Sockname(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := fromSockaddr(sa)
	if !ap.IsValid() {
		return netip.AddrPort{}, unix.EAFNOSUPPORT
	}
	return ap, nil
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port))
	}
	return netip.AddrPort{}
}
