// File: internal/epoll/epoll.go
// Package epoll implements the interest set of one emulated epoll instance.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The set stores what the caller asked for; whether a descriptor is ready is
// supplied by the engine on every collection pass. Nothing is latched except
// the per-entry state needed for EPOLLET and EPOLLONESHOT.

package epoll

import (
	"slices"

	"github.com/momentics/dpoll/api"
)

// Entry is one watched descriptor.
type Entry struct {
	FD   int
	Mask api.EventMask
	Data uint64

	disabled bool          // one-shot entry already reported
	last     api.EventMask // conditions seen on the previous pass, for EPOLLET
}

// Disabled reports whether a one-shot entry is waiting for MOD.
func (e *Entry) Disabled() bool { return e.disabled }

// Instance is not synchronized; callers hold the engine lock.
type Instance struct {
	entries map[int]*Entry
	order   []int // ascending fds
}

// New creates an empty interest set.
func New() *Instance {
	return &Instance{entries: make(map[int]*Entry)}
}

// Ctl applies an ADD, MOD or DEL.
func (in *Instance) Ctl(op api.CtlOp, fd int, ev api.Event) error {
	switch op {
	case api.CtlAdd:
		return in.Add(fd, ev.Events, ev.Data)
	case api.CtlMod:
		return in.Mod(fd, ev.Events, ev.Data)
	case api.CtlDel:
		return in.Del(fd)
	}
	return api.Errorf(api.ErrCodeInvalidArgument, "unknown epoll op %s", op)
}

// Add starts watching fd.
func (in *Instance) Add(fd int, mask api.EventMask, data uint64) error {
	if _, ok := in.entries[fd]; ok {
		return api.Errorf(api.ErrCodeAlreadyRegistered, "fd %d already watched", fd)
	}
	in.entries[fd] = &Entry{FD: fd, Mask: mask, Data: data}
	i, _ := slices.BinarySearch(in.order, fd)
	in.order = slices.Insert(in.order, i, fd)
	return nil
}

// Mod replaces the interest of fd and re-arms one-shot and edge state.
func (in *Instance) Mod(fd int, mask api.EventMask, data uint64) error {
	e, ok := in.entries[fd]
	if !ok {
		return api.Errorf(api.ErrCodeNotRegistered, "fd %d not watched", fd)
	}
	e.Mask, e.Data = mask, data
	e.disabled = false
	e.last = 0
	return nil
}

// Del stops watching fd.
func (in *Instance) Del(fd int) error {
	if !in.Remove(fd) {
		return api.Errorf(api.ErrCodeNotRegistered, "fd %d not watched", fd)
	}
	return nil
}

// Remove drops fd if present; used when a watched descriptor is closed.
func (in *Instance) Remove(fd int) bool {
	if _, ok := in.entries[fd]; !ok {
		return false
	}
	delete(in.entries, fd)
	if i, found := slices.BinarySearch(in.order, fd); found {
		in.order = slices.Delete(in.order, i, i+1)
	}
	return true
}

// Lookup returns the entry watching fd.
func (in *Instance) Lookup(fd int) (*Entry, bool) {
	e, ok := in.entries[fd]
	return e, ok
}

// Len returns the number of watched descriptors.
func (in *Instance) Len() int { return len(in.order) }

// FDs returns the watched descriptors in ascending order. The slice is owned by the instance.
func (in *Instance) FDs() []int { return in.order }

// Range calls fn for every enabled entry in ascending fd order.
func (in *Instance) Range(fn func(*Entry)) {
	for _, fd := range in.order {
		if e := in.entries[fd]; !e.disabled {
			fn(e)
		}
	}
}

// Collect appends up to cap(out)-len(out) events for descriptors whose current conditions,
// as reported by ready, intersect their interest. EPOLLERR and EPOLLHUP are always eligible.
func (in *Instance) Collect(out []api.Event, ready func(fd int) api.EventMask) []api.Event {
	for _, fd := range in.order {
		if len(out) == cap(out) {
			break
		}
		e := in.entries[fd]
		if e.disabled {
			continue
		}
		cond := ready(fd) & (e.Mask.Conditions() | api.AlwaysReported)
		report := cond
		if e.Mask&api.EventEdge != 0 {
			report = cond &^ e.last
			e.last = cond
		}
		if report == 0 {
			continue
		}
		out = append(out, api.Event{Events: report, Data: e.Data})
		if e.Mask&api.EventOneShot != 0 {
			e.disabled = true
		}
	}
	return out
}
