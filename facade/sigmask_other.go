//go:build !linux
// +build !linux

// File: facade/sigmask_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package facade

import "golang.org/x/sys/unix"

func applySigmask(*unix.Sigset_t) (func(), error) {
	return nil, unix.ENOTSUP
}
