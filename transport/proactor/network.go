// File: transport/proactor/network.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package proactor

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/netstack"
)

// Network opens stream listeners and connections.
type Network interface {
	Listen(addr netip.AddrPort) (net.Listener, error)
	Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
}

// HostNetwork uses the operating system TCP stack.
type HostNetwork struct {
	Dialer net.Dialer
}

// Listen implements Network.
func (h *HostNetwork) Listen(addr netip.AddrPort) (net.Listener, error) {
	ln, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(addr))
	if err != nil {
		return nil, err
	}
	return ln, nil
}

// Dial implements Network.
func (h *HostNetwork) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	return h.Dialer.DialContext(ctx, "tcp", addr.String())
}

// Netstack is a userspace TCP/IP stack bound to an in-memory TUN device.
type Netstack struct {
	dev  tun.Device
	tnet *netstack.Net
}

// NewNetstack creates a stack owning addrs.
func NewNetstack(addrs []netip.Addr, mtu int) (*Netstack, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("netstack: no local addresses")
	}
	dev, tnet, err := netstack.CreateNetTUN(addrs, nil, mtu)
	if err != nil {
		return nil, fmt.Errorf("failed to create netstack TUN: %w", err)
	}
	return &Netstack{dev: dev, tnet: tnet}, nil
}

// Device exposes the TUN device, for attaching a packet transport such as a WireGuard device.
func (n *Netstack) Device() tun.Device { return n.dev }

// Listen implements Network.
func (n *Netstack) Listen(addr netip.AddrPort) (net.Listener, error) {
	ln, err := n.tnet.ListenTCPAddrPort(addr)
	if err != nil {
		return nil, err
	}
	return ln, nil
}

// Dial implements Network.
func (n *Netstack) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	c, err := n.tnet.DialContextTCPAddrPort(ctx, addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close tears the stack down.
func (n *Netstack) Close() error {
	return n.dev.Close()
}
