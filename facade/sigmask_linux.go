//go:build linux
// +build linux

// File: facade/sigmask_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package facade

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// applySigmask installs mask on the current OS thread and returns a restore func.
// The goroutine stays locked to the thread until restore runs.
func applySigmask(mask *unix.Sigset_t) (func(), error) {
	runtime.LockOSThread()
	var old unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, mask, &old); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	return func() {
		_ = unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil)
		runtime.UnlockOSThread()
	}, nil
}
