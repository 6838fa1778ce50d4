// File: internal/registry/registry.go
// Package registry maps small integer descriptors onto engine objects.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Descriptors are handed out lowest-free first starting at a configurable
// base, the way a kernel fd table does. Every allocation also carries a
// serial so holders of a stale integer can tell the slot was reused.

package registry

import (
	"github.com/momentics/dpoll/api"
	"golang.org/x/sys/unix"
)

// Kind distinguishes the objects a descriptor may name.
type Kind uint8

const (
	KindSocket Kind = iota + 1
	KindEpoll
)

func (k Kind) String() string {
	switch k {
	case KindSocket:
		return "socket"
	case KindEpoll:
		return "epoll"
	}
	return "invalid"
}

// Entry is the registry view of an open descriptor.
type Entry struct {
	FD     int
	Kind   Kind
	Serial uint64
	Value  any
}

type slot struct {
	used   bool
	kind   Kind
	serial uint64
	value  any
}

// Registry is not synchronized; callers hold the engine lock.
type Registry struct {
	base   int
	slots  []slot
	hint   int
	serial uint64
	open   int
}

// New creates a table of capacity descriptors numbered from base.
func New(base, capacity int) *Registry {
	if base < 0 {
		base = 0
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Registry{base: base, slots: make([]slot, capacity)}
}

// Base returns the first descriptor number handed out.
func (r *Registry) Base() int { return r.base }

// Cap returns the table size.
func (r *Registry) Cap() int { return len(r.slots) }

// Len returns the number of open descriptors.
func (r *Registry) Len() int { return r.open }

// Allocate binds value to the lowest unused descriptor.
func (r *Registry) Allocate(kind Kind, value any) (int, uint64, error) {
	if r.open == len(r.slots) {
		return -1, 0, api.Errorf(api.ErrCodeResourceExhausted, "descriptor table full (%d)", len(r.slots)).WithErrno(unix.EMFILE)
	}
	for i := r.hint; i < len(r.slots); i++ {
		if r.slots[i].used {
			continue
		}
		r.serial++
		r.slots[i] = slot{used: true, kind: kind, serial: r.serial, value: value}
		r.open++
		r.hint = i + 1
		return r.base + i, r.serial, nil
	}
	// hint is always <= the lowest free index, so this is unreachable while open < cap.
	return -1, 0, api.NewError(api.ErrCodeResourceExhausted, "descriptor table inconsistent")
}

func (r *Registry) index(fd int) (int, bool) {
	i := fd - r.base
	if i < 0 || i >= len(r.slots) || !r.slots[i].used {
		return 0, false
	}
	return i, true
}

// Lookup returns the entry for fd.
func (r *Registry) Lookup(fd int) (Entry, error) {
	i, ok := r.index(fd)
	if !ok {
		return Entry{}, api.Errorf(api.ErrCodeInvalidDescriptor, "fd %d not open", fd)
	}
	s := r.slots[i]
	return Entry{FD: fd, Kind: s.kind, Serial: s.serial, Value: s.value}, nil
}

// Serial returns the allocation serial of fd, or false when fd is not open.
func (r *Registry) Serial(fd int) (uint64, bool) {
	i, ok := r.index(fd)
	if !ok {
		return 0, false
	}
	return r.slots[i].serial, true
}

// Owns reports whether fd is open under the given allocation serial.
func (r *Registry) Owns(fd int, serial uint64) bool {
	s, ok := r.Serial(fd)
	return ok && s == serial
}

// Release frees fd and returns the entry it held.
func (r *Registry) Release(fd int) (Entry, error) {
	i, ok := r.index(fd)
	if !ok {
		return Entry{}, api.Errorf(api.ErrCodeInvalidDescriptor, "fd %d not open", fd)
	}
	s := r.slots[i]
	r.slots[i] = slot{}
	r.open--
	if i < r.hint {
		r.hint = i
	}
	return Entry{FD: fd, Kind: s.kind, Serial: s.serial, Value: s.value}, nil
}

// Range calls fn for every open descriptor in ascending order until fn returns false.
func (r *Registry) Range(fn func(Entry) bool) {
	for i := range r.slots {
		s := r.slots[i]
		if !s.used {
			continue
		}
		if !fn(Entry{FD: r.base + i, Kind: s.kind, Serial: s.serial, Value: s.value}) {
			return
		}
	}
}
