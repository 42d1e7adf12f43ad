package dispatch

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/frame"
	"github.com/danmuck/genelink/internal/protocol/session"
)

// Message is a request or response body. Bodies are TLV encoded.
type Message interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// message lets generic code allocate a T and decode through *T.
type message[T any] interface {
	*T
	Message
}

// Info describes a responder to the registry and the admin listing.
type Info struct {
	Name     string            `json:"name"`
	Kind     protocol.DataKind `json:"kind"`
	Request  string            `json:"request"`
	Response string            `json:"response"`
	// Mode is how the request arrives; Reply is how the answer leaves.
	Mode  frame.Mode `json:"mode"`
	Reply frame.Mode `json:"reply"`
	Async bool       `json:"async"`
}

// Responder turns one dispatched call into an outcome. The dispatcher
// depends on nothing else, so sync and async responders are two variants
// of this capability.
type Responder interface {
	Info() Info
	Respond(ctx context.Context, call *Call) Outcome
}

// Outcome is a result code and an optional body. A nil body sends the code
// alone.
type Outcome struct {
	Result protocol.Result
	Body   encoding.BinaryMarshaler

	pending bool
}

// Result is an outcome carrying only a code.
func Result(r protocol.Result) Outcome {
	return Outcome{Result: r}
}

// Pending marks an outcome whose reply is sent later by its handler.
func (o Outcome) Pending() bool {
	return o.pending
}

// Call is one request moving through filters to its responder.
type Call struct {
	Conn    *session.Connection
	Request *session.Request
	Info    Info
	// Payload is the serialized request body. Filters may replace it.
	Payload []byte

	d           *Dispatcher
	start       time.Time
	releaseOnce sync.Once
	stream      *session.SendStream
}

func (c *Call) release() {
	c.releaseOnce.Do(func() {
		if c.Request.Payload != nil {
			c.Request.Payload.Release()
		}
	})
}

// ReplyStream answers with a stream of at most maxLength bytes tagged with
// the responder's kind. A SendStream responder closes it with the
// handler's result.
func (c *Call) ReplyStream(maxLength int64) (*session.SendStream, error) {
	c.release()
	s, err := c.Request.ReplyStream(c.Info.Kind, maxLength)
	if err == nil {
		c.stream = s
	}
	return s, err
}

// decode releases the request buffer whether or not decoding succeeds.
func decode[T any, P message[T]](c *Call) (P, error) {
	defer c.release()
	v := P(new(T))
	if err := v.UnmarshalBinary(c.Payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", protocol.ErrDeserialization, c.Info.Request, err)
	}
	return v, nil
}

func reply[T any, P message[T]](result protocol.Result, body P) Outcome {
	out := Outcome{Result: result}
	if body != nil {
		out.Body = body
	}
	return out
}

// Handler answers a decoded request with a result and an optional reply.
type Handler[Req, Resp any, PReq message[Req], PResp message[Resp]] func(ctx context.Context, call *Call, req PReq) (protocol.Result, PResp)

type syncResponder[Req, Resp any, PReq message[Req], PResp message[Resp]] struct {
	info Info
	fn   Handler[Req, Resp, PReq, PResp]
}

// Sync runs fn inline on the receive goroutine. fn must be short.
func Sync[Req, Resp any, PReq message[Req], PResp message[Resp]](m Method[Req, Resp, PReq, PResp], fn Handler[Req, Resp, PReq, PResp]) Responder {
	return &syncResponder[Req, Resp, PReq, PResp]{info: m.info(frame.ModeBlock, frame.ModeBlock, false), fn: fn}
}

func (r *syncResponder[Req, Resp, PReq, PResp]) Info() Info {
	return r.info
}

func (r *syncResponder[Req, Resp, PReq, PResp]) Respond(ctx context.Context, call *Call) Outcome {
	req, err := decode[Req, PReq](call)
	if err != nil {
		call.d.log.Debug().Err(err).Str("responder", r.info.Name).Msg("dispatch.Sync decode failed")
		return Result(protocol.ResultDeserializationFailed)
	}
	result, resp := r.fn(ctx, call, req)
	return reply[Resp, PResp](result, resp)
}

type asyncResponder[Req, Resp any, PReq message[Req], PResp message[Resp]] struct {
	info Info
	fn   Handler[Req, Resp, PReq, PResp]
}

// Async decodes inline and runs fn on the dispatcher's worker pool. The
// receive goroutine returns as soon as the request decoded.
func Async[Req, Resp any, PReq message[Req], PResp message[Resp]](m Method[Req, Resp, PReq, PResp], fn Handler[Req, Resp, PReq, PResp]) Responder {
	return &asyncResponder[Req, Resp, PReq, PResp]{info: m.info(frame.ModeBlock, frame.ModeBlock, true), fn: fn}
}

func (r *asyncResponder[Req, Resp, PReq, PResp]) Info() Info {
	return r.info
}

func (r *asyncResponder[Req, Resp, PReq, PResp]) Respond(ctx context.Context, call *Call) Outcome {
	req, err := decode[Req, PReq](call)
	if err != nil {
		call.d.log.Debug().Err(err).Str("responder", r.info.Name).Msg("dispatch.Async decode failed")
		return Result(protocol.ResultDeserializationFailed)
	}
	call.d.spawn(call, func(ctx context.Context) Outcome {
		result, resp := r.fn(ctx, call, req)
		return reply[Resp, PResp](result, resp)
	})
	return Outcome{pending: true}
}

// StreamHandler consumes a request stream whose prefix decoded as req.
type StreamHandler[Req, Resp any, PReq message[Req], PResp message[Resp]] func(ctx context.Context, call *Call, req PReq, body *session.ReceiveStream) (protocol.Result, PResp)

type receiveStreamResponder[Req, Resp any, PReq message[Req], PResp message[Resp]] struct {
	info Info
	fn   StreamHandler[Req, Resp, PReq, PResp]
}

// ReceiveStream serves stream requests. The request message travels as the
// stream prefix and the typed result returns as a block. Stream responders
// always run on the worker pool.
func ReceiveStream[Req, Resp any, PReq message[Req], PResp message[Resp]](m Method[Req, Resp, PReq, PResp], fn StreamHandler[Req, Resp, PReq, PResp]) Responder {
	return &receiveStreamResponder[Req, Resp, PReq, PResp]{info: m.info(frame.ModeStream, frame.ModeBlock, true), fn: fn}
}

func (r *receiveStreamResponder[Req, Resp, PReq, PResp]) Info() Info {
	return r.info
}

func (r *receiveStreamResponder[Req, Resp, PReq, PResp]) Respond(ctx context.Context, call *Call) Outcome {
	req, err := decode[Req, PReq](call)
	if err != nil {
		call.d.log.Debug().Err(err).Str("responder", r.info.Name).Msg("dispatch.ReceiveStream decode failed")
		return Result(protocol.ResultDeserializationFailed)
	}
	result, resp := r.fn(ctx, call, req, call.Request.Stream)
	return reply[Resp, PResp](result, resp)
}

// SendHandler answers req by writing to call.ReplyStream. The returned
// result and response travel as the stream's trailer; a handler that never
// opened the stream has them sent as a block.
type SendHandler[Req, Resp any, PReq message[Req], PResp message[Resp]] func(ctx context.Context, call *Call, req PReq) (protocol.Result, PResp)

type sendStreamResponder[Req, Resp any, PReq message[Req], PResp message[Resp]] struct {
	info Info
	fn   SendHandler[Req, Resp, PReq, PResp]
}

// SendStream serves block requests answered with a stream.
func SendStream[Req, Resp any, PReq message[Req], PResp message[Resp]](m Method[Req, Resp, PReq, PResp], fn SendHandler[Req, Resp, PReq, PResp]) Responder {
	return &sendStreamResponder[Req, Resp, PReq, PResp]{info: m.info(frame.ModeBlock, frame.ModeStream, true), fn: fn}
}

func (r *sendStreamResponder[Req, Resp, PReq, PResp]) Info() Info {
	return r.info
}

func (r *sendStreamResponder[Req, Resp, PReq, PResp]) Respond(ctx context.Context, call *Call) Outcome {
	req, err := decode[Req, PReq](call)
	if err != nil {
		call.d.log.Debug().Err(err).Str("responder", r.info.Name).Msg("dispatch.SendStream decode failed")
		return Result(protocol.ResultDeserializationFailed)
	}
	result, resp := r.fn(ctx, call, req)
	if call.stream == nil {
		return reply[Resp, PResp](result, resp)
	}
	var body []byte
	if resp != nil {
		if body, err = resp.MarshalBinary(); err != nil {
			call.d.log.Error().Err(err).Str("responder", r.info.Name).Msg("dispatch.SendStream encode trailer")
			result, body = protocol.ResultUnknownError, nil
		}
	}
	if err := call.stream.CloseWith(result, body); err != nil {
		call.d.log.Debug().Err(err).Str("responder", r.info.Name).Msg("dispatch.SendStream close")
		if errors.Is(err, protocol.ErrBlockTooLarge) {
			result = protocol.ResultTooLarge
			_ = call.stream.CloseWith(result, nil)
		}
	}
	return Result(result)
}
