// internal/transport/transport_other.go
//go:build !linux
// +build !linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "github.com/momentics/dpoll/api"

// NewKernelRuntime is only available on Linux.
func NewKernelRuntime(readBufferSize int) (api.Runtime, error) {
	return nil, api.NewError(api.ErrCodeNotSupported, "kernel runtime requires linux")
}
