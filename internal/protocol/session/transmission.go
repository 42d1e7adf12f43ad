package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/genelink/internal/gene"
	"github.com/danmuck/genelink/internal/observability"
	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/frame"
)

// txKey names a transmission within a connection. Requests and responses
// share ids; the response bit keeps them apart.
type txKey struct {
	id       uint32
	response bool
}

func (k txKey) control() frame.DataControl {
	if k.response {
		return frame.ControlResponse
	}
	return 0
}

func (k txKey) ackFlags() frame.AckFlags {
	if k.response {
		return frame.AckResponse
	}
	return 0
}

// outbound is a transmission this side is sending.
type outbound struct {
	key    txKey
	mode   frame.Mode
	kind   protocol.DataKind
	result protocol.Result
	// length is the block length, or the declared maximum of a stream.
	length int64
	window *gene.SendWindow
	// genes holds unconfirmed gene payloads by position.
	genes   map[uint32][]byte
	unacked int
	end     uint32
	hasEnd  bool

	progress time.Time
	wake     chan struct{}
	finished bool
	err      error
	// onFinish runs once with the connection lock held.
	onFinish func(error)
}

// resume restarts the progress clock when a stream that had nothing in
// flight gets new data, so the idle gap does not count as a stall.
func (o *outbound) resume(now time.Time) {
	if o.window.InFlight() == 0 {
		o.progress = now
	}
}

func (o *outbound) notify() {
	close(o.wake)
	o.wake = make(chan struct{})
}

// inbound is a transmission this side is receiving.
type inbound struct {
	key      txKey
	mode     frame.Mode
	kind     protocol.DataKind
	result   protocol.Result
	block    *gene.Reassembler
	stream   *ReceiveStream
	progress time.Time
	// reserved counts against the connection's inbound budget.
	reserved int64
}

func (in *inbound) ack(maxRanges int) frame.AckEntry {
	if in.block != nil {
		return in.block.Ack(in.key.id, in.key.ackFlags(), maxRanges)
	}
	return in.stream.r.Ack(in.key.id, in.key.ackFlags(), maxRanges)
}

func (c *Connection) startBlockLocked(key txKey, kind protocol.DataKind, result protocol.Result, payload []byte, now time.Time) (*outbound, error) {
	if limit := c.maxBlockSize(); int64(len(payload)) > limit {
		return nil, fmt.Errorf("%w: %d bytes over %d", protocol.ErrBlockTooLarge, len(payload), limit)
	}
	// genes outlive the caller's buffer until the peer confirms them
	genes := gene.Segment(bytes.Clone(payload), c.cap)
	o := &outbound{
		key:      key,
		mode:     frame.ModeBlock,
		kind:     kind,
		result:   result,
		length:   int64(len(payload)),
		window:   gene.NewSendWindow(uint32(len(genes))),
		genes:    make(map[uint32][]byte, len(genes)),
		unacked:  len(payload),
		progress: now,
		wake:     make(chan struct{}),
	}
	for pos, g := range genes {
		o.genes[uint32(pos)] = g
	}
	c.outbound[key] = o
	c.pumpLocked(o, now)
	return o, nil
}

// startStreamLocked opens a stream whose gene 0 is empty; data follows from
// position 1 as the writer produces it.
func (c *Connection) startStreamLocked(key txKey, kind protocol.DataKind, maxLength int64, now time.Time) *outbound {
	o := &outbound{
		key:      key,
		mode:     frame.ModeStream,
		kind:     kind,
		result:   protocol.ResultSuccess,
		length:   maxLength,
		window:   gene.NewStreamWindow(),
		genes:    make(map[uint32][]byte),
		progress: now,
		wake:     make(chan struct{}),
	}
	o.window.Extend(1)
	o.genes[0] = nil
	c.outbound[key] = o
	c.pumpLocked(o, now)
	return o
}

// pumpLocked sends whatever the window says is due: gaps past the
// retransmit timeout, then new genes while the in-flight budget allows.
func (c *Connection) pumpLocked(o *outbound, now time.Time) {
	if o.finished {
		return
	}
	resent := 0
	for _, pos := range o.window.Due(now, c.ep.cfg.RetransmitTimeout, c.ep.cfg.SendWindow) {
		data, ok := o.genes[pos]
		if !ok {
			continue
		}
		if o.window.Sent(pos) {
			resent++
		}
		c.queueGeneLocked(o, pos, data)
		o.window.MarkSent(pos, now)
	}
	if resent > 0 {
		observability.RecordRetransmits(resent)
	}
}

func (c *Connection) queueGeneLocked(o *outbound, pos uint32, data []byte) {
	ctl := o.key.control()
	if o.hasEnd && pos == o.end {
		ctl |= frame.ControlComplete
	}
	var b []byte
	if pos == 0 {
		total := uint32(0)
		if o.mode == frame.ModeBlock {
			total = o.window.Total()
		}
		b = c.packet(frame.FirstGeneFrameSize + len(data))
		b = frame.AppendFirstGene(b, frame.FirstGeneFrame{
			Mode:           o.mode,
			Control:        ctl,
			TransmissionID: o.key.id,
			TotalGenes:     total,
			MaxLength:      o.length,
			DataKind:       uint64(o.kind),
			Result:         uint16(o.result),
		})
	} else {
		b = c.packet(frame.FollowingGeneFrameSize + len(data))
		b = frame.AppendFollowingGene(b, frame.FollowingGeneFrame{
			Control:        ctl,
			TransmissionID: o.key.id,
			DataPosition:   pos,
		})
	}
	c.outq = append(c.outq, append(b, data...))
}

func (c *Connection) queueCancelLocked(id uint32, fromResponder bool) {
	ctl := frame.ControlCancel
	if fromResponder {
		ctl |= frame.ControlResponse
	}
	b := c.packet(frame.FollowingGeneFrameSize)
	c.outq = append(c.outq, frame.AppendFollowingGene(b, frame.FollowingGeneFrame{Control: ctl, TransmissionID: id}))
}

func (c *Connection) finishOutboundLocked(o *outbound, err error) {
	if o.finished {
		return
	}
	o.finished = true
	o.err = err
	delete(c.outbound, o.key)
	o.genes = nil
	o.unacked = 0
	o.notify()
	observability.RecordTransmission("out", o.mode.String(), outcome(err))
	if o.onFinish != nil {
		o.onFinish(err)
	}
}

// admitInboundLocked claims n bytes of reassembly memory for a new inbound
// transmission.
func (c *Connection) admitInboundLocked(n int64) error {
	cfg := c.ep.cfg
	if len(c.inbound) >= cfg.MaxInbound {
		return fmt.Errorf("%w: %d inbound transmissions open", protocol.ErrRefused, len(c.inbound))
	}
	if c.reserved > 0 && c.reserved+n > cfg.MaxInboundBytes {
		return fmt.Errorf("%w: %d inbound bytes reserved, %d more requested", protocol.ErrRefused, c.reserved, n)
	}
	return nil
}

func (c *Connection) addInboundLocked(in *inbound, reserve int64) {
	in.reserved = reserve
	c.reserved += reserve
	c.inbound[in.key] = in
}

func (c *Connection) removeInboundLocked(in *inbound) {
	if c.inbound[in.key] != in {
		return
	}
	delete(c.inbound, in.key)
	c.reserved -= in.reserved
	in.reserved = 0
}

func (c *Connection) discardInboundLocked(in *inbound, err error) {
	c.removeInboundLocked(in)
	c.completed.Add(in.key, struct{}{})
	if in.block != nil {
		in.block.Discard()
	}
	if in.stream != nil {
		in.stream.failLocked(err)
	}
	observability.RecordTransmission("in", in.mode.String(), outcome(err))
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return protocol.ResultFromError(err).String()
}

func (c *Connection) drop(reason string, err error) {
	observability.RecordDrop(reason)
	c.log.Debug().Err(err).Str("reason", reason).Msg("session.Connection dropped frame")
}

// receive handles one frame addressed to this connection.
func (c *Connection) receive(t frame.Type, rest []byte, now time.Time) {
	c.mu.Lock()
	defer c.unlock()
	if c.state == stateClosed {
		return
	}
	c.lastSeen = now
	switch t {
	case frame.TypeClose:
		if _, err := frame.DecodeClose(rest); err != nil {
			c.drop("malformed", err)
			return
		}
		c.closeLocked(protocol.ErrClosed, false)
	case frame.TypeAck:
		f, err := frame.DecodeAck(rest)
		if err != nil {
			c.drop("malformed", err)
			return
		}
		c.onAckLocked(f, now)
	case frame.TypeFirstGene:
		f, payload, err := frame.DecodeFirstGene(rest)
		if err != nil {
			c.drop("malformed", err)
			return
		}
		c.onFirstGeneLocked(f, payload, now)
	case frame.TypeFollowingGene:
		f, payload, err := frame.DecodeFollowingGene(rest)
		if err != nil {
			c.drop("malformed", err)
			return
		}
		if f.Control.Has(frame.ControlCancel) {
			c.onCancelLocked(f)
			return
		}
		c.onFollowingGeneLocked(f, payload, now)
	default:
		c.drop("unexpected_frame", fmt.Errorf("%s on connection", t))
	}
}

func (c *Connection) onAckLocked(f frame.AckFrame, now time.Time) {
	for _, e := range f.Entries {
		key := txKey{id: e.TransmissionID, response: e.Flags&frame.AckResponse != 0}
		o, ok := c.outbound[key]
		if !ok {
			continue
		}
		if o.window.ApplyAck(e) {
			o.progress = now
			for pos, g := range o.genes {
				if o.window.Acked(pos) {
					o.unacked -= len(g)
					delete(o.genes, pos)
				}
			}
			o.notify()
		}
		if o.window.Done() {
			c.finishOutboundLocked(o, nil)
			continue
		}
		c.pumpLocked(o, now)
	}
}

func (c *Connection) onFirstGeneLocked(f frame.FirstGeneFrame, payload []byte, now time.Time) {
	key := txKey{id: f.TransmissionID, response: f.Control.Has(frame.ControlResponse)}
	if in, ok := c.inbound[key]; ok {
		c.putLocked(in, 0, payload, f.Control.Has(frame.ControlComplete), now)
		return
	}
	if c.completed.Contains(key) || (!key.response && c.handlers[key.id] != nil) {
		c.markAckLocked(key, now, true)
		return
	}
	kind := protocol.DataKind(f.DataKind)
	if c.state == stateHandshaking && !key.response && kind != KindConnect {
		c.drop("not_established", nil)
		return
	}
	var cl *call
	if key.response {
		if cl = c.calls[key.id]; cl == nil {
			// nobody waits for it any more; confirm so the peer stops sending
			c.completed.Add(key, struct{}{})
			c.markAckLocked(key, now, true)
			return
		}
	}

	in := &inbound{key: key, mode: f.Mode, kind: kind, result: protocol.Result(f.Result), progress: now}
	switch f.Mode {
	case frame.ModeBlock:
		if f.MaxLength < 0 || f.MaxLength > c.maxBlockSize() {
			c.refuseLocked(key, cl, fmt.Errorf("%w: %d bytes", protocol.ErrBlockTooLarge, f.MaxLength), now)
			return
		}
		if want := c.cap.Count(int(f.MaxLength)); want != f.TotalGenes {
			c.drop("bad_first_gene", fmt.Errorf("%w: got %d want %d", gene.ErrGeneCount, f.TotalGenes, want))
			return
		}
		if err := c.admitInboundLocked(f.MaxLength); err != nil {
			observability.RecordDrop("inbound_budget")
			c.refuseLocked(key, cl, err, now)
			return
		}
		r, err := gene.NewReassembler(c.ep.pool, c.cap, f.TotalGenes, int(f.MaxLength))
		if err != nil {
			c.drop("bad_first_gene", err)
			return
		}
		in.block = r
		c.addInboundLocked(in, f.MaxLength)
		c.putLocked(in, 0, payload, false, now)
	case frame.ModeStream:
		if f.MaxLength < 0 || f.MaxLength > c.maxStreamLength() {
			c.refuseLocked(key, cl, fmt.Errorf("%w: %d bytes", protocol.ErrStreamTooLong, f.MaxLength), now)
			return
		}
		buffer := int64(c.streamBufferLimit())
		if err := c.admitInboundLocked(buffer); err != nil {
			observability.RecordDrop("inbound_budget")
			c.refuseLocked(key, cl, err, now)
			return
		}
		c.addInboundLocked(in, buffer)
		if key.response {
			in.stream = newReceiveStream(c, key, kind, f.MaxLength, c.ctx)
			delete(c.calls, cl.id)
			c.settleRequestOutboundLocked(cl.id)
			cl.complete(Response{Kind: kind, Result: in.result, Stream: in.stream}, nil)
		} else {
			req := c.newRequestLocked(key.id, kind, frame.ModeStream)
			in.stream = newReceiveStream(c, key, kind, f.MaxLength, req.ctx)
			req.Stream = in.stream
			c.after = append(c.after, func() { c.ep.deliver(req) })
		}
		c.putLocked(in, 0, payload, f.Control.Has(frame.ControlComplete), now)
	}
}

// refuseLocked turns away a transmission that exceeds the agreement or the
// inbound budget. A request is answered with the error's result; a response
// fails its call.
func (c *Connection) refuseLocked(key txKey, cl *call, err error, now time.Time) {
	c.log.Info().Err(err).Uint32("transmission", key.id).Bool("response", key.response).Msg("session.Connection refused transmission")
	c.completed.Add(key, struct{}{})
	c.markAckLocked(key, now, true)
	if key.response {
		delete(c.calls, cl.id)
		c.settleRequestOutboundLocked(cl.id)
		cl.complete(Response{}, err)
		return
	}
	if _, serr := c.startBlockLocked(txKey{id: key.id, response: true}, protocol.KindNone, protocol.ResultFromError(err), nil, now); serr != nil {
		c.log.Warn().Err(serr).Msg("session.Connection refusal reply failed")
	}
}

func (c *Connection) onFollowingGeneLocked(f frame.FollowingGeneFrame, payload []byte, now time.Time) {
	key := txKey{id: f.TransmissionID, response: f.Control.Has(frame.ControlResponse)}
	in, ok := c.inbound[key]
	if !ok {
		if c.completed.Contains(key) {
			c.markAckLocked(key, now, false)
			return
		}
		observability.RecordDrop("unknown_transmission")
		return
	}
	if f.DataPosition == 0 {
		c.drop("bad_gene", gene.ErrBadPosition)
		return
	}
	c.putLocked(in, f.DataPosition, payload, f.Control.Has(frame.ControlComplete), now)
}

func (c *Connection) putLocked(in *inbound, pos uint32, data []byte, last bool, now time.Time) {
	if in.block != nil {
		progress, err := in.block.Put(pos, data)
		if err != nil {
			c.drop("bad_gene", err)
			return
		}
		if progress {
			in.progress = now
		}
		if in.block.Complete() {
			c.completeBlockLocked(in, now)
			return
		}
		c.markAckLocked(in.key, now, false)
		return
	}

	s := in.stream
	progress, err := s.r.Put(pos, data, last)
	switch {
	case errors.Is(err, gene.ErrBufferFull):
		observability.RecordDrop("stream_buffer_full")
		c.markAckLocked(in.key, now, false)
		return
	case errors.Is(err, gene.ErrStreamLength):
		c.discardInboundLocked(in, fmt.Errorf("%w: %w", protocol.ErrStreamTooLong, err))
		c.markAckLocked(in.key, now, true)
		return
	case err != nil:
		c.drop("bad_gene", err)
		return
	}
	if progress {
		in.progress = now
		s.notifyLocked()
	}
	if s.r.Finished() {
		c.removeInboundLocked(in)
		c.completed.Add(in.key, struct{}{})
		c.markAckLocked(in.key, now, true)
		observability.RecordTransmission("in", in.mode.String(), "ok")
		return
	}
	c.markAckLocked(in.key, now, false)
}

func (c *Connection) completeBlockLocked(in *inbound, now time.Time) {
	lease, err := in.block.Take()
	c.removeInboundLocked(in)
	c.completed.Add(in.key, struct{}{})
	c.markAckLocked(in.key, now, true)
	if err != nil {
		c.log.Warn().Err(err).Msg("session.Connection completed block not assembled")
		return
	}
	observability.RecordTransmission("in", in.mode.String(), "ok")

	if in.key.response {
		cl := c.calls[in.key.id]
		if cl == nil {
			lease.Release()
			return
		}
		delete(c.calls, cl.id)
		c.settleRequestOutboundLocked(cl.id)
		cl.complete(Response{Kind: in.kind, Result: in.result, Payload: lease}, nil)
		return
	}
	req := c.newRequestLocked(in.key.id, in.kind, frame.ModeBlock)
	req.Payload = lease
	c.after = append(c.after, func() { c.ep.deliver(req) })
}

// settleRequestOutboundLocked ends the request half of call id once its
// response has arrived: a response proves the request was received.
func (c *Connection) settleRequestOutboundLocked(id uint32) {
	o := c.outbound[txKey{id: id}]
	if o == nil {
		return
	}
	if o.mode == frame.ModeStream && !o.hasEnd {
		c.finishOutboundLocked(o, ErrResponded)
		return
	}
	c.finishOutboundLocked(o, nil)
}

func (c *Connection) newRequestLocked(id uint32, kind protocol.DataKind, mode frame.Mode) *Request {
	ctx, cancel := context.WithCancelCause(c.ctx)
	req := &Request{
		Conn:   c,
		ID:     id,
		Kind:   kind,
		Mode:   mode,
		ctx:    ctx,
		cancel: func() { cancel(protocol.ErrCanceled) },
	}
	c.handlers[id] = req
	return req
}

// onCancelLocked applies a Cancel gene. Without the response bit the peer
// abandoned a call it made to us; with it, the peer abandoned answering one
// of our calls.
func (c *Connection) onCancelLocked(f frame.FollowingGeneFrame) {
	id := f.TransmissionID
	c.log.Debug().Uint32("transmission", id).Bool("from_responder", f.Control.Has(frame.ControlResponse)).Msg("session.Connection cancel received")
	if f.Control.Has(frame.ControlResponse) {
		if cl := c.calls[id]; cl != nil {
			delete(c.calls, id)
			cl.complete(Response{}, protocol.ErrCanceled)
		}
		if o := c.outbound[txKey{id: id}]; o != nil {
			c.finishOutboundLocked(o, protocol.ErrCanceled)
		}
		if in := c.inbound[txKey{id: id, response: true}]; in != nil {
			c.discardInboundLocked(in, protocol.ErrCanceled)
		}
		return
	}
	if req := c.handlers[id]; req != nil {
		delete(c.handlers, id)
		req.cancel()
	}
	if in := c.inbound[txKey{id: id}]; in != nil {
		c.discardInboundLocked(in, protocol.ErrCanceled)
	}
	if o := c.outbound[txKey{id: id, response: true}]; o != nil {
		c.finishOutboundLocked(o, protocol.ErrCanceled)
	}
}

// respondLocked starts the block response to r.
func (c *Connection) respondLocked(r *Request, kind protocol.DataKind, result protocol.Result, payload []byte, now time.Time) error {
	if c.state == stateClosed {
		return protocol.ErrClosed
	}
	if c.handlers[r.ID] != r {
		return protocol.ErrCanceled
	}
	if limit := c.maxBlockSize(); int64(len(payload)) > limit {
		return fmt.Errorf("%w: %d bytes over %d", protocol.ErrBlockTooLarge, len(payload), limit)
	}
	delete(c.handlers, r.ID)
	c.abandonRequestStreamLocked(r.ID, now)
	_, err := c.startBlockLocked(txKey{id: r.ID, response: true}, kind, result, payload, now)
	return err
}

func (c *Connection) respondStreamLocked(r *Request, kind protocol.DataKind, maxLength int64, now time.Time) (*SendStream, error) {
	if c.state == stateClosed {
		return nil, protocol.ErrClosed
	}
	if c.handlers[r.ID] != r {
		return nil, protocol.ErrCanceled
	}
	if limit := c.maxStreamLength(); maxLength < 0 || maxLength > limit {
		return nil, fmt.Errorf("%w: %d bytes over %d", protocol.ErrStreamTooLong, maxLength, limit)
	}
	delete(c.handlers, r.ID)
	c.abandonRequestStreamLocked(r.ID, now)
	o := c.startStreamLocked(txKey{id: r.ID, response: true}, kind, maxLength, now)
	o.onFinish = func(error) { r.cancel() }
	return newSendStream(c, o, r.ctx, nil), nil
}

// abandonRequestStreamLocked stops receiving a request stream that was
// answered before it ended. Later genes are confirmed and ignored.
func (c *Connection) abandonRequestStreamLocked(id uint32, now time.Time) {
	in := c.inbound[txKey{id: id}]
	if in == nil {
		return
	}
	c.discardInboundLocked(in, ErrResponded)
	c.markAckLocked(in.key, now, true)
}

func (c *Connection) markAckLocked(key txKey, now time.Time, immediate bool) {
	c.acks[key] = struct{}{}
	if immediate {
		c.flushAcksLocked()
		return
	}
	if c.ackAt.IsZero() {
		c.ackAt = now.Add(c.ep.cfg.AckDelay)
	}
}

// maxAckRanges caps ranges per entry so one busy transmission cannot crowd
// the others out of a frame.
const maxAckRanges = 32

// flushAcksLocked packs every pending ack entry into as few frames as fit.
func (c *Connection) flushAcksLocked() {
	c.ackAt = time.Time{}
	if len(c.acks) == 0 {
		return
	}
	ranges := min(maxAckRanges, frame.MaxRanges(c.frameLen-frame.AckFrameHeaderSize))
	var cur frame.AckFrame
	size := frame.AckFrameHeaderSize
	emit := func() {
		if len(cur.Entries) == 0 {
			return
		}
		b := c.packet(cur.EncodedLen())
		c.outq = append(c.outq, frame.AppendAck(b, cur))
		cur = frame.AckFrame{}
		size = frame.AckFrameHeaderSize
	}
	for key := range c.acks {
		var e frame.AckEntry
		if in, ok := c.inbound[key]; ok {
			e = in.ack(ranges)
		} else if c.completed.Contains(key) {
			e = frame.AckEntry{TransmissionID: key.id, Flags: key.ackFlags() | frame.AckBurstComplete}
		} else {
			continue
		}
		if size+e.EncodedLen() > c.frameLen {
			emit()
		}
		cur.Entries = append(cur.Entries, e)
		size += e.EncodedLen()
	}
	emit()
	clear(c.acks)
}
