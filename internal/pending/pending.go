// File: internal/pending/pending.go
// Package pending tracks operations submitted to the runtime and not yet harvested.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Every entry is keyed by its completion token and owned by a descriptor
// serial. An fd holds at most one operation per direction. When the runtime
// cannot cancel an operation of a closed fd, the entry is kept as an orphan
// until its completion arrives, and that completion is then discarded.

package pending

import (
	"slices"
	"time"

	"github.com/momentics/dpoll/api"
)

// Kind is the operation class recorded with a token.
type Kind uint8

const (
	KindAccept Kind = iota + 1
	KindConnect
	KindRead
	KindWrite
	KindPush
	KindPop
)

func (k Kind) String() string {
	switch k {
	case KindAccept:
		return "accept"
	case KindConnect:
		return "connect"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindPush:
		return "push"
	case KindPop:
		return "pop"
	}
	return "invalid"
}

// Direction is the op slot an operation occupies on its socket.
type Direction uint8

const (
	DirRead Direction = iota
	DirWrite
)

// Direction classifies the kind.
func (k Kind) Direction() Direction {
	switch k {
	case KindConnect, KindWrite, KindPush:
		return DirWrite
	}
	return DirRead
}

// Op is one in-flight operation.
type Op struct {
	Token  api.Token
	FD     int
	Serial uint64
	Kind   Kind
	Buf    [][]byte
	Issued time.Time
	Orphan bool
}

// Result pairs a harvested entry with its completion.
type Result struct {
	Op         *Op
	Completion api.Completion
}

// Runtime is the part of api.Runtime the table drives.
type Runtime interface {
	Poll(tok api.Token) (api.Completion, bool)
	Cancel(tok api.Token) bool
}

// IssueFunc submits to the runtime and returns the token.
type IssueFunc func() (api.Token, error)

// Table is not synchronized; callers hold the engine lock.
type Table struct {
	rt      Runtime
	ops     map[api.Token]*Op
	byFD    map[int]*[2]*Op
	orphans map[api.Token]*Op
	now     func() time.Time
}

// New creates an empty table driving rt.
func New(rt Runtime) *Table {
	return &Table{
		rt:      rt,
		ops:     make(map[api.Token]*Op),
		byFD:    make(map[int]*[2]*Op),
		orphans: make(map[api.Token]*Op),
		now:     time.Now,
	}
}

// Busy reports whether fd has an outstanding operation in dir.
func (t *Table) Busy(fd int, dir Direction) bool {
	slots := t.byFD[fd]
	return slots != nil && slots[dir] != nil
}

// Outstanding returns the operation occupying fd's slot in dir, or nil.
func (t *Table) Outstanding(fd int, dir Direction) *Op {
	if slots := t.byFD[fd]; slots != nil {
		return slots[dir]
	}
	return nil
}

// Submit issues a new operation for fd. A second operation in the same direction is rejected
// before the runtime is touched.
func (t *Table) Submit(fd int, serial uint64, kind Kind, buf [][]byte, issue IssueFunc) (*Op, error) {
	dir := kind.Direction()
	if t.Busy(fd, dir) {
		return nil, api.Errorf(api.ErrCodeOperationAlreadyPending, "%s: fd %d already has a %s in flight",
			kind, fd, t.byFD[fd][dir].Kind)
	}
	tok, err := issue()
	if err != nil {
		return nil, api.Propagate(kind.String(), err)
	}
	if prev, ok := t.ops[tok]; ok {
		return nil, api.Errorf(api.ErrCodeRuntimePropagated, "%s: runtime reissued live token %d (fd %d)",
			kind, tok, prev.FD)
	}
	// A recycled token can only belong to an orphan whose completion the runtime already retired.
	delete(t.orphans, tok)
	op := &Op{Token: tok, FD: fd, Serial: serial, Kind: kind, Buf: buf, Issued: t.now()}
	t.ops[tok] = op
	slots := t.byFD[fd]
	if slots == nil {
		slots = new([2]*Op)
		t.byFD[fd] = slots
	}
	slots[dir] = op
	return op, nil
}

// Lookup returns the live entry for tok.
func (t *Table) Lookup(tok api.Token) (*Op, bool) {
	op, ok := t.ops[tok]
	return op, ok
}

func (t *Table) remove(op *Op) {
	delete(t.ops, op.Token)
	slots := t.byFD[op.FD]
	if slots == nil {
		return
	}
	d := op.Kind.Direction()
	if slots[d] == op {
		slots[d] = nil
	}
	if slots[DirRead] == nil && slots[DirWrite] == nil {
		delete(t.byFD, op.FD)
	}
}

// HarvestToken polls one token and removes it on completion.
func (t *Table) HarvestToken(tok api.Token) (Result, bool) {
	op, ok := t.ops[tok]
	if !ok {
		return Result{}, false
	}
	c, done := t.rt.Poll(tok)
	if !done {
		return Result{}, false
	}
	t.remove(op)
	return Result{Op: op, Completion: c}, true
}

// Harvest polls every operation of fd, read direction first.
func (t *Table) Harvest(fd int) []Result {
	slots := t.byFD[fd]
	if slots == nil {
		return nil
	}
	var out []Result
	for _, op := range *slots {
		if op == nil {
			continue
		}
		if r, ok := t.HarvestToken(op.Token); ok {
			out = append(out, r)
		}
	}
	return out
}

// Cancel removes every operation of fd. Operations the runtime refuses to cancel become orphans.
func (t *Table) Cancel(fd int) (cancelled, orphaned int) {
	slots := t.byFD[fd]
	if slots == nil {
		return 0, 0
	}
	for _, op := range *slots {
		if op == nil {
			continue
		}
		t.remove(op)
		if t.rt.Cancel(op.Token) {
			cancelled++
			continue
		}
		op.Orphan = true
		op.Buf = nil
		t.orphans[op.Token] = op
		orphaned++
	}
	delete(t.byFD, fd)
	return cancelled, orphaned
}

// SweepOrphans polls every orphan and returns the completions that arrived. Their
// results must not reach any socket; callers only release resources they carry.
func (t *Table) SweepOrphans() []Result {
	var out []Result
	for tok, op := range t.orphans {
		c, done := t.rt.Poll(tok)
		if !done {
			continue
		}
		delete(t.orphans, tok)
		out = append(out, Result{Op: op, Completion: c})
	}
	return out
}

// Tokens appends the tokens of live operations of fds, then every orphan token.
func (t *Table) Tokens(dst []api.Token, fds []int) []api.Token {
	for _, fd := range fds {
		if slots := t.byFD[fd]; slots != nil {
			for _, op := range *slots {
				if op != nil {
					dst = append(dst, op.Token)
				}
			}
		}
	}
	for tok := range t.orphans {
		dst = append(dst, tok)
	}
	return dst
}

// ActiveFDs returns, ascending, every descriptor with a live operation.
func (t *Table) ActiveFDs() []int {
	fds := make([]int, 0, len(t.byFD))
	for fd := range t.byFD {
		fds = append(fds, fd)
	}
	slices.Sort(fds)
	return fds
}

// Inflight returns the number of live operations.
func (t *Table) Inflight() int { return len(t.ops) }

// Orphans returns the number of operations awaiting discard.
func (t *Table) Orphans() int { return len(t.orphans) }
