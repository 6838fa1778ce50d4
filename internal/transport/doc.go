// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Kernel runtime for dpoll. Every queue is a non-blocking kernel socket;
// submissions record intent, and Poll attempts the syscall, so completions
// appear exactly when the kernel can satisfy them. Wait suspends in the
// reactor package's level-triggered epoll waiter.

package transport
