// File: internal/concurrency/backoff.go
// Package concurrency implements adaptive idle backoff for polling loops.

package concurrency

import (
	"context"
	"runtime"
	"time"
)

const minBackoff = time.Nanosecond

// Backoff doubles its pause on every idle cycle up to a ceiling and resets on progress.
// Pauses below one microsecond only yield the processor.
type Backoff struct {
	cur time.Duration
	max time.Duration
}

// NewBackoff creates a backoff capped at max; a non-positive max means one millisecond.
func NewBackoff(max time.Duration) *Backoff {
	if max <= 0 {
		max = time.Millisecond
	}
	return &Backoff{cur: minBackoff, max: max}
}

// Current returns the next pause length.
func (b *Backoff) Current() time.Duration { return b.cur }

// Reset returns to the shortest pause.
func (b *Backoff) Reset() { b.cur = minBackoff }

// Pause waits for the current step, never past deadline when it is set, and
// advances the step. It returns ctx.Err() when ctx ends first.
func (b *Backoff) Pause(ctx context.Context, deadline time.Time) error {
	d := b.cur
	next := b.cur * 2
	if next > b.max {
		next = b.max
	}
	b.cur = next

	if !deadline.IsZero() {
		if left := time.Until(deadline); left < d {
			d = left
		}
	}
	if d < time.Microsecond {
		runtime.Gosched()
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
