//go:build linux && cgo
// +build linux,cgo

// File: cmd/libdpoll/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared object exporting the dpoll C interface:
//
//	go build -buildmode=c-shared -o libdpoll.so ./cmd/libdpoll
//
// Every export returns -1 and sets errno on failure.

package main

/*
#include <sys/types.h>
#include <sys/socket.h>
*/
import "C"

import (
	"unsafe"

	"github.com/momentics/dpoll/abi"
)

//export dpoll_init
func dpoll_init() C.int {
	return ret(abi.Init())
}

//export dpoll_reload
func dpoll_reload() C.int {
	return ret(abi.Reload())
}

//export dpoll_socket
func dpoll_socket(domain, typ, protocol C.int) C.int {
	return ret(abi.Socket(int(domain), int(typ), int(protocol)))
}

//export dpoll_bind
func dpoll_bind(fd C.int, addr unsafe.Pointer, addrlen C.socklen_t) C.int {
	return ret(abi.Bind(int(fd), addr, uint32(addrlen)))
}

//export dpoll_listen
func dpoll_listen(fd, backlog C.int) C.int {
	return ret(abi.Listen(int(fd), int(backlog)))
}

//export dpoll_accept
func dpoll_accept(fd C.int, addr unsafe.Pointer, addrlen *C.socklen_t) C.int {
	return ret(abi.Accept(int(fd), addr, (*uint32)(unsafe.Pointer(addrlen))))
}

//export dpoll_connect
func dpoll_connect(fd C.int, addr unsafe.Pointer, addrlen C.socklen_t) C.int {
	return ret(abi.Connect(int(fd), addr, uint32(addrlen)))
}

//export dpoll_close
func dpoll_close(fd C.int) C.int {
	return ret(abi.Close(int(fd)))
}

//export dpoll_read
func dpoll_read(fd C.int, buf unsafe.Pointer, count C.size_t) C.ssize_t {
	return sret(abi.Read(int(fd), buf, int(count)))
}

//export dpoll_write
func dpoll_write(fd C.int, buf unsafe.Pointer, count C.size_t) C.ssize_t {
	return sret(abi.Write(int(fd), buf, int(count)))
}

//export dpoll_readv
func dpoll_readv(fd C.int, iov unsafe.Pointer, iovcnt C.int) C.ssize_t {
	return sret(abi.Readv(int(fd), iov, int(iovcnt)))
}

//export dpoll_writev
func dpoll_writev(fd C.int, iov unsafe.Pointer, iovcnt C.int) C.ssize_t {
	return sret(abi.Writev(int(fd), iov, int(iovcnt)))
}

//export dpoll_sendmsg
func dpoll_sendmsg(fd C.int, msg unsafe.Pointer, flags C.int) C.ssize_t {
	return sret(abi.Sendmsg(int(fd), msg, int(flags)))
}

//export dpoll_recvmsg
func dpoll_recvmsg(fd C.int, msg unsafe.Pointer, flags C.int) C.ssize_t {
	return sret(abi.Recvmsg(int(fd), msg, int(flags)))
}

//export dpoll_setsockopt
func dpoll_setsockopt(fd, level, name C.int, value unsafe.Pointer, vallen C.socklen_t) C.int {
	return ret(abi.Setsockopt(int(fd), int(level), int(name), value, uint32(vallen)))
}

//export dpoll_getsockname
func dpoll_getsockname(fd C.int, addr unsafe.Pointer, addrlen *C.socklen_t) C.int {
	return ret(abi.Getsockname(int(fd), addr, (*uint32)(unsafe.Pointer(addrlen))))
}

//export dpoll_create
func dpoll_create(flags C.int) C.int {
	return ret(abi.Create(int(flags)))
}

//export dpoll_ctl
func dpoll_ctl(epfd, op, fd C.int, event unsafe.Pointer) C.int {
	return ret(abi.Ctl(int(epfd), int(op), int(fd), event))
}

//export dpoll_pwait
func dpoll_pwait(epfd C.int, events unsafe.Pointer, maxevents, timeout C.int, sigmask unsafe.Pointer) C.int {
	return ret(abi.Pwait(int(epfd), events, int(maxevents), int(timeout), sigmask))
}

func main() {}
