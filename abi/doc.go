// File: abi/doc.go
// Package abi
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// POSIX calling convention over facade.System. Every call returns a count or
// descriptor, or -1 together with the errno a C caller observes. Arguments
// arrive as raw C memory: sockaddr_in / sockaddr_in6, struct epoll_event,
// struct iovec and struct msghdr are decoded here. Descriptors below the
// configured base are not emulated and go straight to the kernel.
//
// The package keeps one process-wide Library installed by Init; cmd/libdpoll
// exports it as a shared object.

package abi
