package frame

import (
	"fmt"
	"math"
)

const (
	AckEntryHeaderSize = 11
	AckRangeSize       = 8
)

// AckFlags qualify one ack entry.
type AckFlags uint8

const (
	// AckResponse marks the entry as acking a response transmission.
	AckResponse AckFlags = 0x01
	// AckBurstComplete confirms every gene; the sender may forget the transmission.
	AckBurstComplete AckFlags = 0x02
)

// Range is an inclusive run of received gene positions.
type Range struct {
	Start uint32
	End   uint32
}

// AckEntry reports progress for one transmission. Positions below
// SuccessPosition were all received; Ranges lists runs received above it.
type AckEntry struct {
	TransmissionID  uint32
	Flags           AckFlags
	SuccessPosition uint32
	Ranges          []Range
}

func (e AckEntry) EncodedLen() int {
	if e.Flags&AckBurstComplete != 0 {
		return AckEntryHeaderSize
	}
	return AckEntryHeaderSize + len(e.Ranges)*AckRangeSize
}

// AckFrame batches entries for several transmissions.
type AckFrame struct {
	Entries []AckEntry
}

func (f AckFrame) EncodedLen() int {
	n := AckFrameHeaderSize
	for _, e := range f.Entries {
		n += e.EncodedLen()
	}
	return n
}

func AppendAck(dst []byte, f AckFrame) []byte {
	dst = le.AppendUint16(dst, uint16(TypeAck))
	dst = le.AppendUint16(dst, uint16(len(f.Entries)))
	for _, e := range f.Entries {
		dst = le.AppendUint32(dst, e.TransmissionID)
		dst = append(dst, byte(e.Flags))
		dst = le.AppendUint32(dst, e.SuccessPosition)
		if e.Flags&AckBurstComplete != 0 {
			dst = le.AppendUint16(dst, 0)
			continue
		}
		dst = le.AppendUint16(dst, uint16(len(e.Ranges)))
		for _, r := range e.Ranges {
			dst = le.AppendUint32(dst, r.Start)
			dst = le.AppendUint32(dst, r.End)
		}
	}
	return dst
}

func DecodeAck(b []byte) (AckFrame, error) {
	if err := expect(b, TypeAck, AckFrameHeaderSize); err != nil {
		return AckFrame{}, err
	}
	count := int(le.Uint16(b[2:4]))
	b = b[AckFrameHeaderSize:]
	f := AckFrame{Entries: make([]AckEntry, 0, count)}
	for i := 0; i < count; i++ {
		if len(b) < AckEntryHeaderSize {
			return AckFrame{}, fmt.Errorf("%w: ack entry %d", ErrTruncated, i)
		}
		e := AckEntry{
			TransmissionID:  le.Uint32(b[0:4]),
			Flags:           AckFlags(b[4]),
			SuccessPosition: le.Uint32(b[5:9]),
		}
		n := int(le.Uint16(b[9:11]))
		b = b[AckEntryHeaderSize:]
		if len(b) < n*AckRangeSize {
			return AckFrame{}, fmt.Errorf("%w: ack entry %d ranges", ErrTruncated, i)
		}
		if n > 0 {
			e.Ranges = make([]Range, n)
			for j := range e.Ranges {
				e.Ranges[j] = Range{Start: le.Uint32(b[0:4]), End: le.Uint32(b[4:8])}
				b = b[AckRangeSize:]
			}
		}
		if err := e.Validate(); err != nil {
			return AckFrame{}, err
		}
		f.Entries = append(f.Entries, e)
	}
	return f, nil
}

// Validate checks that ranges are sorted, disjoint, inclusive and above SuccessPosition.
func (e AckEntry) Validate() error {
	if e.Flags&AckBurstComplete != 0 && len(e.Ranges) > 0 {
		return fmt.Errorf("%w: burst complete with ranges", ErrInvalidRange)
	}
	floor := e.SuccessPosition
	for i, r := range e.Ranges {
		if r.Start > r.End {
			return fmt.Errorf("%w: range %d start>end", ErrInvalidRange, i)
		}
		// Adjacent ranges must be merged, so each start sits past a gap.
		if r.Start <= floor {
			return fmt.Errorf("%w: range %d not above %d", ErrInvalidRange, i, floor)
		}
		if r.End == math.MaxUint32 && i < len(e.Ranges)-1 {
			return fmt.Errorf("%w: range %d ends at the last position", ErrInvalidRange, i)
		}
		floor = r.End + 1
	}
	return nil
}

// MaxRanges is how many ranges fit in an entry given space bytes.
func MaxRanges(space int) int {
	if space < AckEntryHeaderSize {
		return 0
	}
	return (space - AckEntryHeaderSize) / AckRangeSize
}
