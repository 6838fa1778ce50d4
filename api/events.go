// File: api/events.go
// Package api defines the epoll event vocabulary of dpoll.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import (
	"fmt"
	"strings"
)

// EventMask mirrors the Linux epoll event bits.
type EventMask uint32

// Event masks.
const (
	EventIn     EventMask = 0x1
	EventPri    EventMask = 0x2
	EventOut    EventMask = 0x4
	EventErr    EventMask = 0x8
	EventHup    EventMask = 0x10
	EventRdNorm EventMask = 0x40
	EventRdBand EventMask = 0x80
	EventWrNorm EventMask = 0x100
	EventWrBand EventMask = 0x200
	EventMsg    EventMask = 0x400
	EventRdHup  EventMask = 0x2000
)

// Per-entry flags. They select delivery behaviour and are never reported.
const (
	EventExclusive EventMask = 1 << 28
	EventWakeup    EventMask = 1 << 29
	EventOneShot   EventMask = 1 << 30
	EventEdge      EventMask = 1 << 31

	// PrivateBits is the set of flag bits that are not I/O conditions.
	PrivateBits = EventExclusive | EventWakeup | EventOneShot | EventEdge

	// AlwaysReported conditions are delivered even when not requested.
	AlwaysReported = EventErr | EventHup
)

// Conditions strips the flag bits.
func (m EventMask) Conditions() EventMask {
	return m &^ PrivateBits
}

// Has reports whether every bit of o is set.
func (m EventMask) Has(o EventMask) bool {
	return m&o == o
}

var maskNames = []struct {
	bit  EventMask
	name string
}{
	{EventIn, "IN"}, {EventPri, "PRI"}, {EventOut, "OUT"}, {EventErr, "ERR"}, {EventHup, "HUP"},
	{EventRdNorm, "RDNORM"}, {EventRdBand, "RDBAND"}, {EventWrNorm, "WRNORM"}, {EventWrBand, "WRBAND"},
	{EventMsg, "MSG"}, {EventRdHup, "RDHUP"}, {EventExclusive, "EXCLUSIVE"}, {EventWakeup, "WAKEUP"},
	{EventOneShot, "ONESHOT"}, {EventEdge, "ET"},
}

func (m EventMask) String() string {
	if m == 0 {
		return "0"
	}
	var parts []string
	rest := m
	for _, n := range maskNames {
		if m&n.bit != 0 {
			parts = append(parts, n.name)
			rest &^= n.bit
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Event is one ready notification: the satisfied conditions and the caller's tag.
type Event struct {
	Events EventMask
	Data   uint64
}

// CtlOp is an epoll control operation.
type CtlOp int

// Control operations.
const (
	CtlAdd CtlOp = 1
	CtlDel CtlOp = 2
	CtlMod CtlOp = 3
)

func (op CtlOp) String() string {
	switch op {
	case CtlAdd:
		return "ADD"
	case CtlDel:
		return "DEL"
	case CtlMod:
		return "MOD"
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// Create flags accepted by epoll create.
const (
	CreateCloexec = 0x80000
)
