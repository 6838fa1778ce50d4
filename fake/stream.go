// Package fake
// Author: momentics <momentics@gmail.com>
//
// In-memory byte streams backing fake connections.

package fake

import (
	"net/netip"

	"github.com/eapache/queue"
)

// stream is one direction of a connection.
type stream struct {
	segs     *queue.Queue // []byte
	size     int
	capacity int   // zero means unbounded
	eof      bool  // writer finished
	readErr  error // delivered to the reader once data is drained
	writeErr error // returned to the writer
}

func newStream(capacity int) *stream {
	return &stream{segs: queue.New(), capacity: capacity}
}

func (s *stream) room() int {
	if s.capacity <= 0 {
		return int(^uint(0) >> 1)
	}
	if s.size >= s.capacity {
		return 0
	}
	return s.capacity - s.size
}

func (s *stream) readable() bool {
	return s.size > 0 || s.eof || s.readErr != nil
}

// write copies up to limit bytes of segs; limit <= 0 means no limit.
func (s *stream) write(segs [][]byte, limit int) int {
	room := s.room()
	if limit > 0 && limit < room {
		room = limit
	}
	n := 0
	for _, b := range segs {
		if n == room {
			break
		}
		if len(b) > room-n {
			b = b[:room-n]
		}
		if len(b) == 0 {
			continue
		}
		s.segs.Add(append([]byte(nil), b...))
		s.size += len(b)
		n += len(b)
	}
	return n
}

// read removes the head segment. An empty result with nil error is end of input.
func (s *stream) read() ([]byte, error) {
	if s.size > 0 {
		b := s.segs.Remove().([]byte)
		s.size -= len(b)
		return b, nil
	}
	if s.readErr != nil {
		return nil, s.readErr
	}
	return nil, nil
}

func (s *stream) drain() []byte {
	var out []byte
	for s.segs.Length() > 0 {
		out = append(out, s.segs.Remove().([]byte)...)
	}
	s.size = 0
	return out
}

// side is one end of a connection.
type side struct {
	rx, tx *stream
	local  netip.AddrPort
	remote netip.AddrPort
	closed bool
}

func newPair(a, b netip.AddrPort, capacity int) (*side, *side) {
	ab, ba := newStream(capacity), newStream(capacity)
	return &side{rx: ba, tx: ab, local: a, remote: b}, &side{rx: ab, tx: ba, local: b, remote: a}
}
