// Package gene holds the transport-independent half of the transmission
// engine: segmentation, received-position bookkeeping, reassembly into
// pooled buffers and the sender's ack window.
package gene

import (
	"errors"
	"fmt"

	"github.com/danmuck/genelink/internal/protocol/frame"
)

var (
	ErrBadPosition  = errors.New("gene: position out of range")
	ErrBadLength    = errors.New("gene: gene length does not match position")
	ErrGeneCount    = errors.New("gene: total gene count does not match length")
	ErrIncomplete   = errors.New("gene: transmission incomplete")
	ErrTaken        = errors.New("gene: payload already taken")
	ErrSmallFrames  = errors.New("gene: max frame length leaves no room for payload")
	ErrStreamLength = errors.New("gene: stream exceeds max length")
	ErrBufferFull   = errors.New("gene: stream buffer full")
)

// Capacity is the payload room of a first gene and of each following gene.
type Capacity struct {
	First     int
	Following int
}

// CapacityFor derives gene capacities from the negotiated max frame length.
func CapacityFor(maxFrameLength int) (Capacity, error) {
	c := Capacity{
		First:     maxFrameLength - frame.FirstGeneFrameSize,
		Following: maxFrameLength - frame.FollowingGeneFrameSize,
	}
	if c.First <= 0 || c.Following <= 0 {
		return Capacity{}, fmt.Errorf("%w: %d", ErrSmallFrames, maxFrameLength)
	}
	return c, nil
}

// Count is the number of genes a block of n bytes needs. An empty block is one
// empty first gene.
func (c Capacity) Count(n int) uint32 {
	if n <= c.First {
		return 1
	}
	rest := n - c.First
	return 1 + uint32((rest+c.Following-1)/c.Following)
}

// Bounds is the byte range [start, end) of gene pos within a block of n bytes.
func (c Capacity) Bounds(pos uint32, n int) (int, int) {
	if pos == 0 {
		return 0, min(n, c.First)
	}
	start := c.First + int(pos-1)*c.Following
	return start, min(n, start+c.Following)
}

// Segment splits payload into genes. The returned slices alias payload.
func Segment(payload []byte, c Capacity) [][]byte {
	total := c.Count(len(payload))
	out := make([][]byte, total)
	for pos := uint32(0); pos < total; pos++ {
		s, e := c.Bounds(pos, len(payload))
		out[pos] = payload[s:e]
	}
	return out
}
