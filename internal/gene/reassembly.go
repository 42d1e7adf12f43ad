package gene

import (
	"fmt"

	"github.com/danmuck/genelink/internal/protocol/frame"
)

// Reassembler collects the genes of one block transmission into a rented
// buffer. Genes may arrive in any order and more than once.
type Reassembler struct {
	cap    Capacity
	total  uint32
	length int
	lease  *Lease
	got    RangeSet
	taken  bool
}

// NewReassembler rents a buffer of length bytes. totalGenes must match what
// the sender would produce for length at this capacity.
func NewReassembler(p *Pool, c Capacity, totalGenes uint32, length int) (*Reassembler, error) {
	if length < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrGeneCount, length)
	}
	if want := c.Count(length); want != totalGenes {
		return nil, fmt.Errorf("%w: got %d want %d for %d bytes", ErrGeneCount, totalGenes, want, length)
	}
	return &Reassembler{cap: c, total: totalGenes, length: length, lease: p.Rent(length)}, nil
}

// Put records gene pos. It reports whether the gene was new.
func (r *Reassembler) Put(pos uint32, data []byte) (bool, error) {
	if r.taken {
		return false, ErrTaken
	}
	if pos >= r.total {
		return false, fmt.Errorf("%w: %d of %d", ErrBadPosition, pos, r.total)
	}
	s, e := r.cap.Bounds(pos, r.length)
	if len(data) != e-s {
		return false, fmt.Errorf("%w: pos %d has %d bytes want %d", ErrBadLength, pos, len(data), e-s)
	}
	if !r.got.Add(pos) {
		return false, nil
	}
	copy(r.lease.Bytes()[s:e], data)
	return true, nil
}

func (r *Reassembler) Complete() bool {
	return r.got.Len() == uint64(r.total)
}

func (r *Reassembler) Total() uint32 {
	return r.total
}

// Ack summarizes received positions for the sender.
func (r *Reassembler) Ack(id uint32, flags frame.AckFlags, maxRanges int) frame.AckEntry {
	if r.Complete() {
		return frame.AckEntry{TransmissionID: id, Flags: flags | frame.AckBurstComplete, SuccessPosition: r.total}
	}
	return r.got.Ack(id, flags, maxRanges)
}

// Take hands the assembled payload to the caller, who then owns the release.
func (r *Reassembler) Take() (*Lease, error) {
	if r.taken {
		return nil, ErrTaken
	}
	if !r.Complete() {
		return nil, ErrIncomplete
	}
	r.taken = true
	l := r.lease
	r.lease = nil
	return l, nil
}

// Discard releases the buffer of an abandoned transmission.
func (r *Reassembler) Discard() {
	if r.lease != nil {
		r.lease.Release()
		r.lease = nil
	}
	r.taken = true
}
