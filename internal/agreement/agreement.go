// Package agreement holds the negotiated resource limits of a connection.
package agreement

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/schema"
	"github.com/danmuck/genelink/internal/protocol/tlv"
)

var ErrInvalid = errors.New("agreement: invalid")

// DiscriminatorAgreement tags an Agreement inside certificate tokens.
const DiscriminatorAgreement byte = 'G'

// Agreement is an immutable set of per-connection limits.
type Agreement struct {
	MaxBlockSize                   uint64
	MaxStreamLength                uint64
	StreamBufferSize               uint64
	MinimumConnectionRetentionMics uint64
}

// Default is the ceiling used when no role profile is configured.
func Default() Agreement {
	return Agreement{
		MaxBlockSize:                   16 << 20,
		MaxStreamLength:                1 << 30,
		StreamBufferSize:               1 << 20,
		MinimumConnectionRetentionMics: 0,
	}
}

// IsInclusive reports whether every field of a is within ceiling.
func (a Agreement) IsInclusive(ceiling Agreement) bool {
	return a.MaxBlockSize <= ceiling.MaxBlockSize &&
		a.MaxStreamLength <= ceiling.MaxStreamLength &&
		a.StreamBufferSize <= ceiling.StreamBufferSize &&
		a.MinimumConnectionRetentionMics <= ceiling.MinimumConnectionRetentionMics
}

// Min is the field-wise minimum, used to settle the initial agreement
// between two peers.
func (a Agreement) Min(other Agreement) Agreement {
	return Agreement{
		MaxBlockSize:                   min(a.MaxBlockSize, other.MaxBlockSize),
		MaxStreamLength:                min(a.MaxStreamLength, other.MaxStreamLength),
		StreamBufferSize:               min(a.StreamBufferSize, other.StreamBufferSize),
		MinimumConnectionRetentionMics: min(a.MinimumConnectionRetentionMics, other.MinimumConnectionRetentionMics),
	}
}

// Validate rejects agreements a connection could not operate under.
// minBuffer is the largest single gene payload.
func (a Agreement) Validate(minBuffer int) error {
	if a.StreamBufferSize < uint64(minBuffer) {
		return fmt.Errorf("%w: stream buffer %d below gene size %d", ErrInvalid, a.StreamBufferSize, minBuffer)
	}
	return nil
}

func (a Agreement) Fields() []tlv.Field {
	return []tlv.Field{
		tlv.U64(schema.FieldMaxBlockSize, a.MaxBlockSize),
		tlv.U64(schema.FieldMaxStreamLength, a.MaxStreamLength),
		tlv.U64(schema.FieldStreamBufferSize, a.StreamBufferSize),
		tlv.U64(schema.FieldRetentionMics, a.MinimumConnectionRetentionMics),
	}
}

func (a *Agreement) TokenDiscriminator() byte {
	return DiscriminatorAgreement
}

// MaxEncodedLen is exact: four fixed-width u64 fields.
func (a *Agreement) MaxEncodedLen() int {
	return 4 * (tlv.HeaderLen + 8)
}

func (a Agreement) MarshalBinary() ([]byte, error) {
	return tlv.EncodeFields(a.Fields()), nil
}

func (a *Agreement) UnmarshalBinary(b []byte) error {
	fields, err := schema.Decode(schema.MsgAgreement, b)
	if err != nil {
		return err
	}
	var out Agreement
	for id, dst := range map[uint16]*uint64{
		schema.FieldMaxBlockSize:     &out.MaxBlockSize,
		schema.FieldMaxStreamLength:  &out.MaxStreamLength,
		schema.FieldStreamBufferSize: &out.StreamBufferSize,
		schema.FieldRetentionMics:    &out.MinimumConnectionRetentionMics,
	} {
		f, _ := fields.Get(id)
		if *dst, err = f.AsU64(); err != nil {
			return err
		}
	}
	*a = out
	return nil
}

// Holder owns a connection's active agreement and its fixed ceiling. Readers
// always see a whole agreement.
type Holder struct {
	limit  Agreement
	active atomic.Pointer[Agreement]
}

func NewHolder(initial, limit Agreement) *Holder {
	h := &Holder{limit: limit}
	h.active.Store(&initial)
	return h
}

func (h *Holder) Load() Agreement {
	return *h.active.Load()
}

func (h *Holder) Limit() Agreement {
	return h.limit
}

// Propose swaps in candidate iff it is inclusive of the limit. Refusal leaves
// the active agreement untouched.
func (h *Holder) Propose(candidate Agreement) protocol.Result {
	if !candidate.IsInclusive(h.limit) {
		return protocol.ResultRefused
	}
	h.active.Store(&candidate)
	return protocol.ResultSuccess
}

// ApplyRetention raises the retention field, bounded by the limit, leaving
// every other field as it is.
func (h *Holder) ApplyRetention(mics uint64) Agreement {
	mics = min(mics, h.limit.MinimumConnectionRetentionMics)
	for {
		cur := h.active.Load()
		if cur.MinimumConnectionRetentionMics >= mics {
			return *cur
		}
		next := *cur
		next.MinimumConnectionRetentionMics = mics
		if h.active.CompareAndSwap(cur, &next) {
			return next
		}
	}
}
