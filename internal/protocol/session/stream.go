package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/genelink/internal/gene"
	"github.com/danmuck/genelink/internal/protocol"
)

// SendStream writes a stream transmission. Writes block while the peer's
// stream buffer is full of unconfirmed data.
type SendStream struct {
	c    *Connection
	o    *outbound
	ctx  context.Context
	call *call

	mu      sync.Mutex
	written int64
	closed  bool
}

func newSendStream(c *Connection, o *outbound, ctx context.Context, cl *call) *SendStream {
	return &SendStream{c: c, o: o, ctx: ctx, call: cl}
}

func (s *SendStream) Kind() protocol.DataKind {
	return s.o.kind
}

// Remaining is how many more bytes the declared maximum allows.
func (s *SendStream) Remaining() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.o.length - s.written
}

func (s *SendStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}
	if s.written+int64(len(p)) > s.o.length {
		return 0, fmt.Errorf("%w: %d bytes over %d", protocol.ErrStreamTooLong, s.written+int64(len(p)), s.o.length)
	}
	c := s.c
	n := 0
	for len(p) > 0 {
		c.mu.Lock()
		if s.o.finished {
			err := s.o.err
			c.mu.Unlock()
			return n, streamFinishedError(err)
		}
		size := min(len(p), c.cap.Following)
		if s.o.unacked > 0 && s.o.unacked+size > c.streamBufferLimit() {
			wake := s.o.wake
			c.mu.Unlock()
			select {
			case <-wake:
				continue
			case <-s.ctx.Done():
				err := contextError(s.ctx)
				s.abort(err)
				return n, err
			}
		}
		now := time.Now()
		s.o.resume(now)
		pos := s.o.window.Extend(1)
		s.o.genes[pos] = append([]byte(nil), p[:size]...)
		s.o.unacked += size
		c.pumpLocked(s.o, now)
		c.unlock()
		p = p[size:]
		n += size
		s.written += int64(size)
	}
	return n, nil
}

// Close appends an empty terminal gene. It does not wait for confirmation.
func (s *SendStream) Close() error {
	return s.CloseWith(protocol.ResultSuccess, nil)
}

// CloseWith appends the terminal gene carrying result and body as the
// stream's trailer. The trailer must fit in one gene.
func (s *SendStream) CloseWith(result protocol.Result, body []byte) error {
	trailer := encodeTrailer(result, body)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	c := s.c
	c.mu.Lock()
	if len(trailer) > c.cap.Following {
		c.mu.Unlock()
		return fmt.Errorf("%w: trailer of %d bytes", protocol.ErrBlockTooLarge, len(trailer))
	}
	s.closed = true
	if s.o.finished {
		err := s.o.err
		c.mu.Unlock()
		return err
	}
	now := time.Now()
	s.o.resume(now)
	pos := s.o.window.Extend(1)
	s.o.genes[pos] = trailer
	s.o.unacked += len(trailer)
	s.o.end, s.o.hasEnd = pos, true
	s.o.window.Seal()
	c.pumpLocked(s.o, now)
	c.unlock()
	return nil
}

// encodeTrailer leads the body with the result code. A bare success is an
// empty trailer.
func encodeTrailer(result protocol.Result, body []byte) []byte {
	if result.IsSuccess() && len(body) == 0 {
		return nil
	}
	out := binary.LittleEndian.AppendUint16(make([]byte, 0, 2+len(body)), uint16(result))
	return append(out, body...)
}

func decodeTrailer(b []byte) (protocol.Result, []byte, error) {
	if len(b) == 0 {
		return protocol.ResultSuccess, nil, nil
	}
	if len(b) < 2 {
		return protocol.ResultUnknownError, nil, fmt.Errorf("%w: trailer of %d bytes", protocol.ErrDeserialization, len(b))
	}
	return protocol.Result(binary.LittleEndian.Uint16(b)), b[2:], nil
}

// Wait blocks until the peer confirmed the whole stream or it failed.
func (s *SendStream) Wait(ctx context.Context) error {
	c := s.c
	for {
		c.mu.Lock()
		if s.o.finished {
			err := s.o.err
			c.mu.Unlock()
			return err
		}
		wake := s.o.wake
		c.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return contextError(ctx)
		}
	}
}

// CloseAndReceive ends a stream request and waits for its response. A
// responder may answer before the stream ends, so a Close error is not
// fatal here.
func (s *SendStream) CloseAndReceive(ctx context.Context) (Response, error) {
	if s.call == nil {
		return Response{}, fmt.Errorf("%w: response stream has no reply", protocol.ErrInvalidOperation)
	}
	_ = s.Close()
	ctx, cancel := s.c.requestContext(ctx)
	defer cancel()
	return s.c.await(ctx, s.call)
}

// Cancel abandons the stream and tells the peer.
func (s *SendStream) Cancel() {
	s.abort(protocol.ErrCanceled)
}

func (s *SendStream) abort(err error) {
	c := s.c
	c.mu.Lock()
	defer c.unlock()
	if s.call != nil {
		if c.calls[s.call.id] == s.call {
			delete(c.calls, s.call.id)
			c.abandonCallLocked(s.call.id)
			s.call.complete(Response{}, err)
		}
		return
	}
	if !s.o.finished {
		c.finishOutboundLocked(s.o, err)
		c.queueCancelLocked(s.o.key.id, true)
	}
}

func streamFinishedError(err error) error {
	if err == nil {
		return ErrStreamClosed
	}
	return err
}

// ReceiveStream reads a stream transmission in order. Reads return io.EOF
// after the terminal gene, or the trailer's error when the sender closed
// with a non-success result.
type ReceiveStream struct {
	c         *Connection
	key       txKey
	kind      protocol.DataKind
	maxLength int64
	ctx       context.Context

	// guarded by c.mu
	r    *gene.StreamReassembler
	err  error
	wake chan struct{}

	cur []byte
}

func newReceiveStream(c *Connection, key txKey, kind protocol.DataKind, maxLength int64, ctx context.Context) *ReceiveStream {
	return &ReceiveStream{
		c:         c,
		key:       key,
		kind:      kind,
		maxLength: maxLength,
		ctx:       ctx,
		r:         gene.NewStreamReassembler(maxLength, c.streamBufferLimit()),
		wake:      make(chan struct{}),
	}
}

func (s *ReceiveStream) Kind() protocol.DataKind {
	return s.kind
}

// MaxLength is the sender's declared upper bound.
func (s *ReceiveStream) MaxLength() int64 {
	return s.maxLength
}

func (s *ReceiveStream) Read(p []byte) (int, error) {
	c := s.c
	for len(s.cur) == 0 {
		c.mu.Lock()
		if chunk, ok := s.r.Pop(); ok {
			if in := c.inbound[s.key]; in != nil {
				in.progress = time.Now()
			}
			c.mu.Unlock()
			s.cur = chunk
			continue
		}
		if s.r.Drained() {
			trailer, _ := s.r.Trailer()
			c.mu.Unlock()
			result, _, err := decodeTrailer(trailer)
			if err != nil {
				return 0, err
			}
			if !result.IsSuccess() {
				return 0, result.Err()
			}
			return 0, io.EOF
		}
		if s.err != nil {
			err := s.err
			c.mu.Unlock()
			return 0, err
		}
		wake := s.wake
		c.mu.Unlock()
		select {
		case <-wake:
		case <-s.ctx.Done():
			return 0, contextError(s.ctx)
		}
	}
	n := copy(p, s.cur)
	s.cur = s.cur[n:]
	return n, nil
}

// Trailer is the result and body the sender closed the stream with. It is
// available once every gene has arrived; Read reports a non-success result
// as its error in place of io.EOF.
func (s *ReceiveStream) Trailer() (protocol.Result, []byte, error) {
	s.c.mu.Lock()
	trailer, ok := s.r.Trailer()
	s.c.mu.Unlock()
	if !ok {
		return protocol.ResultUnknownError, nil, fmt.Errorf("%w: stream not finished", protocol.ErrInvalidOperation)
	}
	return decodeTrailer(trailer)
}

// ReadPrefix reads the length-framed prefix a stream request starts with.
func (s *ReceiveStream) ReadPrefix() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(s, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: prefix header: %w", protocol.ErrDeserialization, err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if int64(n) > s.maxLength {
		return nil, fmt.Errorf("%w: prefix of %d bytes", protocol.ErrDeserialization, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(s, b); err != nil {
		return nil, fmt.Errorf("%w: prefix: %w", protocol.ErrDeserialization, err)
	}
	return b, nil
}

// Cancel stops receiving and tells the sender. On a response stream this
// abandons the call; on a request stream it refuses the rest of the request.
func (s *ReceiveStream) Cancel() {
	c := s.c
	c.mu.Lock()
	defer c.unlock()
	if s.err == nil {
		s.err = protocol.ErrCanceled
	}
	in := c.inbound[s.key]
	if in == nil || in.stream != s {
		return
	}
	c.discardInboundLocked(in, protocol.ErrCanceled)
	if s.key.response {
		c.abandonCallLocked(s.key.id)
		return
	}
	if req := c.handlers[s.key.id]; req != nil {
		delete(c.handlers, s.key.id)
		req.cancel()
	}
	c.queueCancelLocked(s.key.id, true)
}

func (s *ReceiveStream) notifyLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *ReceiveStream) failLocked(err error) {
	if s.err == nil {
		s.err = err
	}
	s.notifyLocked()
}
