package gene

import (
	"fmt"

	"github.com/danmuck/genelink/internal/protocol/frame"
)

// StreamReassembler orders the genes of a stream transmission. Data becomes
// readable strictly in position order; out-of-order genes wait in a bounded
// buffer.
type StreamReassembler struct {
	maxLength int64
	limit     int

	got      RangeSet
	pending  map[uint32][]byte
	held     int
	ready    [][]byte
	next     uint32
	accepted int64

	end     uint32
	hasEnd  bool
	trailer []byte
}

// NewStreamReassembler bounds the stream to maxLength bytes in total and
// bufferLimit bytes held but not yet read.
func NewStreamReassembler(maxLength int64, bufferLimit int) *StreamReassembler {
	return &StreamReassembler{
		maxLength: maxLength,
		limit:     bufferLimit,
		pending:   make(map[uint32][]byte),
	}
}

// Put records gene pos; last marks the terminal gene. The terminal gene's
// payload is the stream's trailer, kept apart from the data. A gene refused
// with ErrBufferFull is not recorded and will be resent by the peer.
func (s *StreamReassembler) Put(pos uint32, data []byte, last bool) (bool, error) {
	if s.got.Contains(pos) {
		return false, nil
	}
	if s.hasEnd && pos > s.end {
		return false, fmt.Errorf("%w: %d past end %d", ErrBadPosition, pos, s.end)
	}
	if last {
		if s.hasEnd && pos != s.end {
			return false, fmt.Errorf("%w: second terminal gene %d", ErrBadPosition, pos)
		}
		if n := len(s.got.ranges); n > 0 && s.got.ranges[n-1].End > pos {
			return false, fmt.Errorf("%w: terminal gene %d below received", ErrBadPosition, pos)
		}
		s.got.Add(pos)
		s.end, s.hasEnd = pos, true
		s.trailer = append([]byte(nil), data...)
		s.pending[pos] = nil
		s.advance()
		return true, nil
	}
	// The next in-order gene is always taken once readers have caught up,
	// otherwise a full buffer of later genes could never drain.
	if s.held+len(data) > s.limit && !(pos == s.next && len(s.ready) == 0) {
		return false, ErrBufferFull
	}
	if s.accepted+int64(len(data)) > s.maxLength {
		return false, fmt.Errorf("%w: %d", ErrStreamLength, s.maxLength)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.got.Add(pos)
	s.accepted += int64(len(data))
	s.held += len(buf)
	s.pending[pos] = buf
	s.advance()
	return true, nil
}

func (s *StreamReassembler) advance() {
	for {
		chunk, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		if len(chunk) > 0 {
			s.ready = append(s.ready, chunk)
		}
		s.next++
	}
}

// Pop returns the next in-order chunk.
func (s *StreamReassembler) Pop() ([]byte, bool) {
	if len(s.ready) == 0 {
		return nil, false
	}
	chunk := s.ready[0]
	s.ready[0] = nil
	s.ready = s.ready[1:]
	s.held -= len(chunk)
	return chunk, true
}

// Readable reports whether Pop would return data.
func (s *StreamReassembler) Readable() bool {
	return len(s.ready) > 0
}

// Finished is true once the terminal gene and every position before it have
// been made readable.
func (s *StreamReassembler) Finished() bool {
	return s.hasEnd && s.next == s.end+1
}

// Drained is true when Finished and every chunk has been popped.
func (s *StreamReassembler) Drained() bool {
	return s.Finished() && len(s.ready) == 0
}

// Trailer is the terminal gene's payload, available once Finished.
func (s *StreamReassembler) Trailer() ([]byte, bool) {
	if !s.Finished() {
		return nil, false
	}
	return s.trailer, true
}

func (s *StreamReassembler) Accepted() int64 {
	return s.accepted
}

func (s *StreamReassembler) Ack(id uint32, flags frame.AckFlags, maxRanges int) frame.AckEntry {
	if s.Finished() {
		return frame.AckEntry{TransmissionID: id, Flags: flags | frame.AckBurstComplete, SuccessPosition: s.end + 1}
	}
	return s.got.Ack(id, flags, maxRanges)
}
