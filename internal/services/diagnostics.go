package services

import (
	"bytes"
	"context"
	"crypto/sha256"

	"github.com/danmuck/genelink/internal/dispatch"
	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/schema"
	"github.com/danmuck/genelink/internal/protocol/tlv"
)

// TestBlock is the diagnostic payload: a message, a number, and opaque data.
type TestBlock struct {
	Message string
	Number  int64
	Data    []byte
}

func (b *TestBlock) MarshalBinary() ([]byte, error) {
	return tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldMessage, b.Message),
		tlv.I64(schema.FieldNumber, b.Number),
		tlv.Bytes(schema.FieldData, b.Data),
	}), nil
}

func (b *TestBlock) UnmarshalBinary(p []byte) error {
	fields, err := schema.Decode(schema.MsgTestBlock, p)
	if err != nil {
		return err
	}
	var out TestBlock
	msg, _ := fields.Get(schema.FieldMessage)
	if out.Message, err = msg.AsString(); err != nil {
		return err
	}
	num, _ := fields.Get(schema.FieldNumber)
	if out.Number, err = num.AsI64(); err != nil {
		return err
	}
	data, _ := fields.Get(schema.FieldData)
	if out.Data, err = data.AsBytes(); err != nil {
		return err
	}
	*b = out
	return nil
}

// Digest is the sha256 of Data.
func (b *TestBlock) Digest() [sha256.Size]byte {
	return sha256.Sum256(b.Data)
}

// Equal compares message, number, and data digest.
func (b *TestBlock) Equal(o *TestBlock) bool {
	if b == nil || o == nil {
		return b == o
	}
	da, db := b.Digest(), o.Digest()
	return b.Message == o.Message && b.Number == o.Number && bytes.Equal(da[:], db[:])
}

// AsyncTestBlock is a TestBlock sent to the worker-pool echo. The distinct
// type gives it its own data kind.
type AsyncTestBlock struct {
	TestBlock
}

var (
	Echo      = dispatch.NewMethod[TestBlock, TestBlock]("diagnostics.Echo")
	EchoAsync = dispatch.NewMethod[AsyncTestBlock, TestBlock]("diagnostics.EchoAsync")
)

// Diagnostics answers echo requests, inline and on the worker pool.
type Diagnostics struct{}

func (Diagnostics) Name() string {
	return "diagnostics"
}

func (d Diagnostics) Responders() []dispatch.Responder {
	return []dispatch.Responder{
		dispatch.Sync(Echo, d.echo),
		dispatch.Async(EchoAsync, d.echoAsync),
	}
}

func (Diagnostics) echo(ctx context.Context, call *dispatch.Call, req *TestBlock) (protocol.Result, *TestBlock) {
	return protocol.ResultSuccess, req
}

func (Diagnostics) echoAsync(ctx context.Context, call *dispatch.Call, req *AsyncTestBlock) (protocol.Result, *TestBlock) {
	if err := ctx.Err(); err != nil {
		return protocol.ResultFromError(err), nil
	}
	return protocol.ResultSuccess, &req.TestBlock
}
