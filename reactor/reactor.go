// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness waiter interface.

package reactor

import "time"

// Interest selects the readiness directions watched for a descriptor.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// Waiter sleeps until any watched descriptor is ready.
type Waiter interface {
	// Wait watches interest for the duration of the call and blocks until one of the
	// descriptors is ready, Wake is called, or the timeout elapses (negative
	// blocks indefinitely). It returns the number of ready descriptors, or
	// unix.EINTR when a signal cut the sleep short.
	Wait(interest map[int]Interest, timeout time.Duration) (int, error)

	// Wake unblocks a concurrent or the next Wait.
	Wake() error

	// Close cleans up resources.
	Close() error
}
