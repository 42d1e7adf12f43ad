package gene

import (
	"time"

	"github.com/danmuck/genelink/internal/protocol/frame"
)

// SendWindow tracks which genes of an outbound transmission the peer has
// confirmed and when each unconfirmed gene was last sent. Confirmed genes are
// never offered for resend.
type SendWindow struct {
	total    uint32
	sealed   bool
	acked    RangeSet
	lastSent []time.Time
	inFlight int
	done     bool
}

// NewSendWindow tracks a block of total genes.
func NewSendWindow(total uint32) *SendWindow {
	return &SendWindow{total: total, sealed: true, lastSent: make([]time.Time, total)}
}

// NewStreamWindow tracks a stream whose gene count grows through Extend.
func NewStreamWindow() *SendWindow {
	return &SendWindow{}
}

// Extend appends n unsent positions and returns the first new one.
func (w *SendWindow) Extend(n uint32) uint32 {
	first := w.total
	w.total += n
	w.lastSent = append(w.lastSent, make([]time.Time, n)...)
	return first
}

// Seal fixes the gene count; the stream has written its terminal gene.
func (w *SendWindow) Seal() {
	w.sealed = true
}

func (w *SendWindow) Total() uint32 {
	return w.total
}

// MarkSent records a (re)send of pos at now.
func (w *SendWindow) MarkSent(pos uint32, now time.Time) {
	if pos >= w.total || w.acked.Contains(pos) {
		return
	}
	if w.lastSent[pos].IsZero() {
		w.inFlight++
	}
	w.lastSent[pos] = now
}

// ApplyAck folds an ack entry in and reports whether anything new was confirmed.
func (w *SendWindow) ApplyAck(e frame.AckEntry) bool {
	before := w.acked.Len()
	if e.Flags&frame.AckBurstComplete != 0 {
		if w.sealed {
			w.done = true
		}
		e.Ranges = nil
		e.SuccessPosition = w.total
	}
	if e.SuccessPosition > w.total {
		e.SuccessPosition = w.total
	}
	confirm := func(r frame.Range) {
		if r.Start >= w.total {
			return
		}
		r.End = min(r.End, w.total-1)
		for p := r.Start; p <= r.End; p++ {
			if !w.acked.Contains(p) && !w.lastSent[p].IsZero() {
				w.inFlight--
			}
		}
		w.acked.AddRange(r)
	}
	if e.SuccessPosition > 0 {
		confirm(frame.Range{Start: 0, End: e.SuccessPosition - 1})
	}
	for _, r := range e.Ranges {
		confirm(r)
	}
	if w.sealed && w.acked.Len() == uint64(w.total) {
		w.done = true
	}
	return w.acked.Len() != before
}

// Due returns positions to send now: unconfirmed genes whose last send is at
// least rto old, then never-sent genes while fewer than window are in flight.
func (w *SendWindow) Due(now time.Time, rto time.Duration, window int) []uint32 {
	var out []uint32
	budget := window - w.inFlight
	for _, p := range w.acked.Missing(w.total) {
		sent := w.lastSent[p]
		switch {
		case sent.IsZero():
			if budget > 0 {
				out = append(out, p)
				budget--
			}
		case now.Sub(sent) >= rto:
			out = append(out, p)
		}
	}
	return out
}

// Sent reports whether pos has been sent at least once.
func (w *SendWindow) Sent(pos uint32) bool {
	return pos < w.total && !w.lastSent[pos].IsZero()
}

// Acked reports whether pos has been confirmed.
func (w *SendWindow) Acked(pos uint32) bool {
	return w.acked.Contains(pos)
}

// Confirmed is the number of confirmed genes.
func (w *SendWindow) Confirmed() uint64 {
	return w.acked.Len()
}

// InFlight is the number of sent, unconfirmed genes.
func (w *SendWindow) InFlight() int {
	return w.inFlight
}

func (w *SendWindow) Done() bool {
	return w.done
}
