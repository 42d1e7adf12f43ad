package gene

import (
	"sort"

	"github.com/danmuck/genelink/internal/protocol/frame"
)

// RangeSet is a set of gene positions kept as sorted, disjoint, inclusive ranges
// with touching ranges merged.
type RangeSet struct {
	ranges []frame.Range
	count  uint64
}

// Add inserts pos and reports whether it was new.
func (s *RangeSet) Add(pos uint32) bool {
	before := s.count
	s.AddRange(frame.Range{Start: pos, End: pos})
	return s.count != before
}

// AddRange inserts every position in r.
func (s *RangeSet) AddRange(r frame.Range) {
	if r.Start > r.End {
		return
	}
	n := len(s.ranges)
	lo := sort.Search(n, func(i int) bool { return uint64(s.ranges[i].End)+1 >= uint64(r.Start) })
	hi := sort.Search(n, func(i int) bool { return uint64(s.ranges[i].Start) > uint64(r.End)+1 })
	if lo == hi {
		s.ranges = append(s.ranges, frame.Range{})
		copy(s.ranges[lo+1:], s.ranges[lo:])
		s.ranges[lo] = r
		s.count += span(r)
		return
	}
	merged := frame.Range{Start: min(r.Start, s.ranges[lo].Start), End: max(r.End, s.ranges[hi-1].End)}
	for _, old := range s.ranges[lo:hi] {
		s.count -= span(old)
	}
	s.count += span(merged)
	s.ranges[lo] = merged
	s.ranges = append(s.ranges[:lo+1], s.ranges[hi:]...)
}

func (s *RangeSet) Contains(pos uint32) bool {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End >= pos })
	return i < len(s.ranges) && s.ranges[i].Start <= pos
}

// Len is the number of positions in the set.
func (s *RangeSet) Len() uint64 {
	return s.count
}

// Contiguous is k such that positions 0..k-1 are all present.
func (s *RangeSet) Contiguous() uint32 {
	if len(s.ranges) == 0 || s.ranges[0].Start != 0 {
		return 0
	}
	return s.ranges[0].End + 1
}

// Above returns up to limit ranges lying past the contiguous prefix.
func (s *RangeSet) Above(limit int) []frame.Range {
	rs := s.ranges
	if len(rs) > 0 && rs[0].Start == 0 {
		rs = rs[1:]
	}
	if limit >= 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	out := make([]frame.Range, len(rs))
	copy(out, rs)
	return out
}

// Missing lists positions below total not in the set.
func (s *RangeSet) Missing(total uint32) []uint32 {
	var out []uint32
	next := uint32(0)
	for _, r := range s.ranges {
		if r.Start >= total {
			break
		}
		for p := next; p < r.Start; p++ {
			out = append(out, p)
		}
		next = r.End + 1
	}
	for p := next; p < total; p++ {
		out = append(out, p)
	}
	return out
}

// Ack builds an ack entry describing the set, fitting at most maxRanges ranges.
func (s *RangeSet) Ack(id uint32, flags frame.AckFlags, maxRanges int) frame.AckEntry {
	return frame.AckEntry{
		TransmissionID:  id,
		Flags:           flags,
		SuccessPosition: s.Contiguous(),
		Ranges:          s.Above(maxRanges),
	}
}

// ApplyAck marks every position an ack entry confirms.
func (s *RangeSet) ApplyAck(e frame.AckEntry) {
	if e.SuccessPosition > 0 {
		s.AddRange(frame.Range{Start: 0, End: e.SuccessPosition - 1})
	}
	for _, r := range e.Ranges {
		s.AddRange(r)
	}
}

func span(r frame.Range) uint64 {
	return uint64(r.End) - uint64(r.Start) + 1
}
