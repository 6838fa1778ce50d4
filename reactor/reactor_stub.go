//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import "errors"

// NewWaiter returns an error for unsupported platforms.
func NewWaiter() (Waiter, error) {
	return nil, errors.New("reactor: this platform is not supported")
}
