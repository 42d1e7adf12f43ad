package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/genelink/internal/gene"
	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/frame"
)

// RequestHandler receives every completed inbound request. It runs on the
// endpoint's receive goroutine, so anything slow must move elsewhere.
// Exactly one of the Reply methods must eventually be called.
type RequestHandler interface {
	HandleRequest(req *Request)
}

type HandlerFunc func(req *Request)

func (f HandlerFunc) HandleRequest(req *Request) {
	f(req)
}

// Request is one inbound request. Block requests carry Payload; stream
// requests carry Stream and arrive as soon as the first gene does.
type Request struct {
	Conn    *Connection
	ID      uint32
	Kind    protocol.DataKind
	Mode    frame.Mode
	Payload *gene.Lease
	Stream  *ReceiveStream

	ctx     context.Context
	cancel  context.CancelFunc
	replied atomic.Bool
}

// Context is canceled when the caller cancels or the connection closes.
func (r *Request) Context() context.Context {
	return r.ctx
}

func (r *Request) Replied() bool {
	return r.replied.Load()
}

// Reply answers with a successful block response.
func (r *Request) Reply(kind protocol.DataKind, payload []byte) error {
	return r.reply(kind, protocol.ResultSuccess, payload)
}

// ReplyResult answers with a result code and no payload.
func (r *Request) ReplyResult(result protocol.Result) error {
	return r.reply(protocol.KindNone, result, nil)
}

// ReplyWith answers with any result code and a body. Callers see a
// non-success result as its sentinel error and never the body.
func (r *Request) ReplyWith(kind protocol.DataKind, result protocol.Result, payload []byte) error {
	return r.reply(kind, result, payload)
}

func (r *Request) reply(kind protocol.DataKind, result protocol.Result, payload []byte) error {
	if !r.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	c := r.Conn
	c.mu.Lock()
	err := c.respondLocked(r, kind, result, payload, time.Now())
	c.unlock()
	if err != nil && !errors.Is(err, protocol.ErrClosed) && !errors.Is(err, protocol.ErrCanceled) {
		r.replied.Store(false)
		return err
	}
	r.cancel()
	return err
}

// ReplyStream answers with a stream of at most maxLength bytes. The request
// context stays live until the stream is closed or fails.
func (r *Request) ReplyStream(kind protocol.DataKind, maxLength int64) (*SendStream, error) {
	if !r.replied.CompareAndSwap(false, true) {
		return nil, ErrAlreadyReplied
	}
	c := r.Conn
	c.mu.Lock()
	s, err := c.respondStreamLocked(r, kind, maxLength, time.Now())
	c.unlock()
	if err != nil {
		r.replied.Store(false)
		return nil, err
	}
	return s, nil
}

// Response is what a request produced on the remote side. Exactly one of
// Payload and Stream is set on success; the caller releases Payload.
type Response struct {
	Kind    protocol.DataKind
	Result  protocol.Result
	Payload *gene.Lease
	Stream  *ReceiveStream
}

// Release returns the payload buffer, if any.
func (r Response) Release() {
	if r.Payload != nil {
		r.Payload.Release()
	}
}

// call is a request awaiting its response transmission.
type call struct {
	id   uint32
	done chan struct{}
	resp Response
	err  error
}

func newCall(id uint32) *call {
	return &call{id: id, done: make(chan struct{})}
}

// complete must be called exactly once, with the connection lock held and
// after the call left the connection's call table.
func (cl *call) complete(resp Response, err error) {
	cl.resp = resp
	cl.err = err
	close(cl.done)
}

// contextError maps a finished context onto the protocol sentinels.
func contextError(ctx context.Context) error {
	err := context.Cause(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", protocol.ErrTimeout, err)
	}
	if errors.Is(err, protocol.ErrClosed) || errors.Is(err, protocol.ErrTimeout) || errors.Is(err, protocol.ErrCanceled) {
		return err
	}
	return fmt.Errorf("%w: %w", protocol.ErrCanceled, err)
}
