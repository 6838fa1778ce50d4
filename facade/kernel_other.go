//go:build !linux
// +build !linux

// File: facade/kernel_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package facade

import (
	"time"

	"github.com/momentics/dpoll/api"
	"golang.org/x/sys/unix"
)

type kernelSet struct{}

func (s *System) kernelFD(int) bool { return false }

func (s *System) kernelCtlLocked(int, api.CtlOp, int, api.Event) error {
	return api.NewError(api.ErrCodeNotSupported, "kernel descriptors in epoll sets").WithErrno(unix.ENOTSUP)
}

func (s *System) kernelCollectLocked(int, []api.Event) int { return 0 }

func (s *System) kernelOrderLocked(int) (bool, bool) { return false, false }

func (s *System) kernelWaitFD(int) int { return -1 }

func (s *System) closeKernelLocked(int) {}

func sleepKernel(int, time.Duration) error { return unix.ENOTSUP }
