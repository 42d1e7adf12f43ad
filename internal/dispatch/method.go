package dispatch

import (
	"context"
	"fmt"

	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/frame"
	"github.com/danmuck/genelink/internal/protocol/session"
)

// KindOf is the data-kind id of a Req/Resp pair.
func KindOf[Req, Resp any]() protocol.DataKind {
	return protocol.KindOf[Req, Resp]()
}

// Method describes one remote operation: its name and the request and
// response types that fix its data kind. Both sides build responders and
// calls from the same Method value, the way generated stubs would.
type Method[Req, Resp any, PReq message[Req], PResp message[Resp]] struct {
	Name string
	Kind protocol.DataKind
}

// NewMethod derives the method's kind from Req and Resp. Callers name only
// the value types: NewMethod[Ping, Pong]("svc.Ping").
func NewMethod[Req, Resp any, PReq message[Req], PResp message[Resp]](name string) Method[Req, Resp, PReq, PResp] {
	return Method[Req, Resp, PReq, PResp]{Name: name, Kind: KindOf[Req, Resp]()}
}

func (m Method[Req, Resp, PReq, PResp]) info(mode, reply frame.Mode, async bool) Info {
	return Info{
		Name:     m.Name,
		Kind:     m.Kind,
		Request:  protocol.TypeName[Req](),
		Response: protocol.TypeName[Resp](),
		Mode:     mode,
		Reply:    reply,
		Async:    async,
	}
}

// Invoke sends req as a block and decodes the reply. A success without a
// body returns nil.
func (m Method[Req, Resp, PReq, PResp]) Invoke(ctx context.Context, conn *session.Connection, req PReq) (PResp, error) {
	payload, err := req.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%s: encode: %w", m.Name, err)
	}
	resp, err := conn.Request(ctx, m.Kind, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}
	return m.decodeResponse(resp)
}

// Open sends req and returns the response stream.
func (m Method[Req, Resp, PReq, PResp]) Open(ctx context.Context, conn *session.Connection, req PReq) (*session.ReceiveStream, error) {
	payload, err := req.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%s: encode: %w", m.Name, err)
	}
	s, err := conn.RequestStream(ctx, m.Kind, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}
	return s, nil
}

// Trailer decodes the typed result a send-stream responder closed s with.
// Call it once reading s reached io.EOF. A success without a body returns
// nil.
func (m Method[Req, Resp, PReq, PResp]) Trailer(s *session.ReceiveStream) (PResp, error) {
	result, body, err := s.Trailer()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}
	if !result.IsSuccess() {
		return nil, fmt.Errorf("%s: %w", m.Name, result.Err())
	}
	if len(body) == 0 {
		return nil, nil
	}
	out := PResp(new(Resp))
	if err := out.UnmarshalBinary(body); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", m.Name, protocol.ErrDeserialization, err)
	}
	return out, nil
}

// Upload opens a stream request carrying req as its prefix. maxLength
// bounds the bytes written after it. Collect the reply with Finish.
func (m Method[Req, Resp, PReq, PResp]) Upload(ctx context.Context, conn *session.Connection, req PReq, maxLength int64) (*session.SendStream, error) {
	prefix, err := req.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%s: encode: %w", m.Name, err)
	}
	s, err := conn.OpenSendStream(ctx, m.Kind, prefix, maxLength)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}
	return s, nil
}

// Finish ends an Upload stream and decodes the reply.
func (m Method[Req, Resp, PReq, PResp]) Finish(ctx context.Context, s *session.SendStream) (PResp, error) {
	resp, err := s.CloseAndReceive(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}
	return m.decodeResponse(resp)
}

func (m Method[Req, Resp, PReq, PResp]) decodeResponse(resp session.Response) (PResp, error) {
	defer resp.Release()
	if resp.Stream != nil {
		resp.Stream.Cancel()
		return nil, fmt.Errorf("%s: %w: stream reply to block call", m.Name, protocol.ErrUnexpectedPayload)
	}
	if resp.Kind == protocol.KindNone {
		return nil, nil
	}
	if resp.Kind != m.Kind {
		return nil, fmt.Errorf("%s: %w: kind %s", m.Name, protocol.ErrUnexpectedPayload, resp.Kind)
	}
	out := PResp(new(Resp))
	var body []byte
	if resp.Payload != nil {
		body = resp.Payload.Bytes()
	}
	if err := out.UnmarshalBinary(body); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", m.Name, protocol.ErrDeserialization, err)
	}
	return out, nil
}
