//go:build linux && cgo
// +build linux,cgo

// File: cmd/libdpoll/errno.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// errno is thread-local and the exports run on the calling C thread.
// C definitions live here: a preamble next to //export may only declare.

package main

/*
#include <errno.h>
#include <sys/types.h>

static inline void dpoll_set_errno(int e) { errno = e; }
*/
import "C"

import "golang.org/x/sys/unix"

func ret(n int, errno unix.Errno) C.int {
	if errno != 0 {
		C.dpoll_set_errno(C.int(errno))
		return -1
	}
	return C.int(n)
}

func sret(n int, errno unix.Errno) C.ssize_t {
	if errno != 0 {
		C.dpoll_set_errno(C.int(errno))
		return -1
	}
	return C.ssize_t(n)
}
