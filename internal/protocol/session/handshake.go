package session

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"filippo.io/mlkem768"
	"github.com/danmuck/genelink/internal/agreement"
	"github.com/danmuck/genelink/internal/gene"
	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/schema"
	"github.com/danmuck/genelink/internal/protocol/tlv"
	"github.com/danmuck/genelink/internal/token"
	"golang.org/x/crypto/hkdf"
)

// KindConnect is the data kind of the connect exchange.
var KindConnect = protocol.KindFor("genelink.ConnectRequest", "genelink.ConnectResponse")

const (
	bindingInfo          = "genelink channel binding"
	encapsulationKeySize = 1184
)

type connectRequest struct {
	PublicKey        token.PublicKey
	EncapsulationKey []byte
	Agreement        agreement.Agreement
	MaxFrameLength   uint32
	Signature        []byte
}

func (r connectRequest) transcript(connID uint64) []byte {
	ab, _ := r.Agreement.MarshalBinary()
	b := []byte("genelink/connect-request")
	b = binary.LittleEndian.AppendUint64(b, connID)
	b = append(b, r.PublicKey[:]...)
	b = append(b, r.EncapsulationKey...)
	b = append(b, ab...)
	return binary.LittleEndian.AppendUint32(b, r.MaxFrameLength)
}

func (r connectRequest) MarshalBinary() ([]byte, error) {
	ab, err := r.Agreement.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return tlv.EncodeFields([]tlv.Field{
		tlv.Bytes(schema.FieldPublicKey, r.PublicKey[:]),
		tlv.Bytes(schema.FieldEncapsulationKey, r.EncapsulationKey),
		tlv.Bytes(schema.FieldAgreement, ab),
		tlv.U32(schema.FieldMaxFrameLength, r.MaxFrameLength),
		tlv.Bytes(schema.FieldSignature, r.Signature),
	}), nil
}

func (r *connectRequest) UnmarshalBinary(b []byte) error {
	fields, err := schema.Decode(schema.MsgConnectRequest, b)
	if err != nil {
		return err
	}
	var out connectRequest
	if out.PublicKey, err = publicKeyField(fields); err != nil {
		return err
	}
	f, _ := fields.Get(schema.FieldEncapsulationKey)
	if out.EncapsulationKey, err = f.AsBytes(); err != nil {
		return err
	}
	if len(out.EncapsulationKey) != encapsulationKeySize {
		return fmt.Errorf("%w: encapsulation key is %d bytes", protocol.ErrDeserialization, len(out.EncapsulationKey))
	}
	if out.Agreement, err = agreementField(fields); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldMaxFrameLength)
	if out.MaxFrameLength, err = f.AsU32(); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldSignature)
	if out.Signature, err = f.AsBytes(); err != nil {
		return err
	}
	*r = out
	return nil
}

type connectResponse struct {
	Result         protocol.Result
	PublicKey      token.PublicKey
	Ciphertext     []byte
	Agreement      agreement.Agreement
	MaxFrameLength uint32
	Signature      []byte
}

// transcript covers the request's key material as well, so a response
// cannot be replayed onto another connect attempt.
func (r connectResponse) transcript(connID uint64, req connectRequest) []byte {
	ab, _ := r.Agreement.MarshalBinary()
	b := []byte("genelink/connect-response")
	b = binary.LittleEndian.AppendUint64(b, connID)
	b = append(b, req.PublicKey[:]...)
	b = append(b, req.EncapsulationKey...)
	b = append(b, r.PublicKey[:]...)
	b = append(b, r.Ciphertext...)
	b = append(b, ab...)
	return binary.LittleEndian.AppendUint32(b, r.MaxFrameLength)
}

func (r connectResponse) MarshalBinary() ([]byte, error) {
	ab, err := r.Agreement.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return tlv.EncodeFields([]tlv.Field{
		tlv.U16(schema.FieldResult, uint16(r.Result)),
		tlv.Bytes(schema.FieldPublicKey, r.PublicKey[:]),
		tlv.Bytes(schema.FieldCiphertext, r.Ciphertext),
		tlv.Bytes(schema.FieldAgreement, ab),
		tlv.U32(schema.FieldMaxFrameLength, r.MaxFrameLength),
		tlv.Bytes(schema.FieldSignature, r.Signature),
	}), nil
}

func (r *connectResponse) UnmarshalBinary(b []byte) error {
	fields, err := schema.Decode(schema.MsgConnectResponse, b)
	if err != nil {
		return err
	}
	var out connectResponse
	f, _ := fields.Get(schema.FieldResult)
	res, err := f.AsU16()
	if err != nil {
		return err
	}
	out.Result = protocol.Result(res)
	if out.PublicKey, err = publicKeyField(fields); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldCiphertext)
	if out.Ciphertext, err = f.AsBytes(); err != nil {
		return err
	}
	if out.Agreement, err = agreementField(fields); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldMaxFrameLength)
	if out.MaxFrameLength, err = f.AsU32(); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldSignature)
	if out.Signature, err = f.AsBytes(); err != nil {
		return err
	}
	*r = out
	return nil
}

func publicKeyField(fields tlv.Fields) (token.PublicKey, error) {
	var k token.PublicKey
	f, _ := fields.Get(schema.FieldPublicKey)
	b, err := f.AsBytes()
	if err != nil {
		return k, err
	}
	if len(b) != token.PublicKeySize {
		return k, fmt.Errorf("%w: public key is %d bytes", protocol.ErrDeserialization, len(b))
	}
	copy(k[:], b)
	return k, nil
}

func agreementField(fields tlv.Fields) (agreement.Agreement, error) {
	var a agreement.Agreement
	f, _ := fields.Get(schema.FieldAgreement)
	b, err := f.AsBytes()
	if err != nil {
		return a, err
	}
	err = a.UnmarshalBinary(b)
	return a, err
}

// deriveBinding expands the KEM shared secret into the connection's channel
// binding, salted with the connection id.
func deriveBinding(sharedSecret []byte, connID uint64) (token.Binding, error) {
	var out token.Binding
	salt := binary.LittleEndian.AppendUint64(nil, connID)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, salt, []byte(bindingInfo)), out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// connect runs the initiator half of the handshake.
func (c *Connection) connect(ctx context.Context) error {
	ep := c.ep
	ctx, cancel := context.WithTimeout(ctx, ep.cfg.ConnectTimeout)
	defer cancel()

	dk, err := mlkem768.GenerateKey()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	req := connectRequest{
		PublicKey:        ep.signer.PublicKey(),
		EncapsulationKey: dk.EncapsulationKey(),
		Agreement:        ep.limit,
		MaxFrameLength:   uint32(ep.cfg.MaxFrameLength()),
	}
	req.Signature = ep.signer.Sign(req.transcript(c.id))
	payload, err := req.MarshalBinary()
	if err != nil {
		return err
	}

	resp, err := c.request(ctx, KindConnect, payload, true)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	defer resp.Release()
	if resp.Payload == nil {
		return fmt.Errorf("%w: %w", ErrHandshake, protocol.ErrUnexpectedPayload)
	}
	var cr connectResponse
	if err := cr.UnmarshalBinary(resp.Payload.Bytes()); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if !cr.Result.IsSuccess() {
		return fmt.Errorf("%w: %w", ErrHandshake, cr.Result.Err())
	}
	if !token.Verify(cr.PublicKey, cr.transcript(c.id, req), cr.Signature) {
		return fmt.Errorf("%w: %w", ErrHandshake, token.ErrBadSignature)
	}
	frameLen := int(cr.MaxFrameLength)
	if frameLen < handshakeFrameLength || frameLen > ep.cfg.MaxFrameLength() {
		return fmt.Errorf("%w: frame length %d out of range", ErrHandshake, frameLen)
	}
	if !cr.Agreement.IsInclusive(ep.limit) {
		return fmt.Errorf("%w: agreement exceeds limit", ErrHandshake)
	}
	capacity, err := gene.CapacityFor(frameLen)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := cr.Agreement.Validate(capacity.Following); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	ss, err := mlkem768.Decapsulate(dk, cr.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	binding, err := deriveBinding(ss, c.id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	c.mu.Lock()
	defer c.unlock()
	if c.state == stateClosed {
		return c.closeErr
	}
	c.establishLocked(cr.PublicKey, binding, cr.Agreement, frameLen)
	return nil
}

// serveConnect answers a connect request. The connection switches to the
// negotiated frame length only after the reply is queued, so the reply
// itself still travels in handshake-sized frames.
func (e *Endpoint) serveConnect(req *Request) {
	defer req.Payload.Release()
	c := req.Conn
	if c.Established() {
		_ = req.ReplyResult(protocol.ResultInvalidOperation)
		return
	}
	var cr connectRequest
	if err := cr.UnmarshalBinary(req.Payload.Bytes()); err != nil {
		c.log.Info().Err(err).Msg("session.Endpoint connect request malformed")
		_ = req.ReplyResult(protocol.ResultDeserializationFailed)
		return
	}
	if !token.Verify(cr.PublicKey, cr.transcript(c.id), cr.Signature) {
		c.log.Info().Str("peer_key", cr.PublicKey.String()).Msg("session.Endpoint connect signature rejected")
		_ = req.ReplyResult(protocol.ResultNotAuthenticated)
		return
	}
	frameLen := min(int(cr.MaxFrameLength), e.cfg.MaxFrameLength())
	if frameLen < handshakeFrameLength {
		_ = req.ReplyResult(protocol.ResultRefused)
		return
	}
	negotiated := cr.Agreement.Min(e.limit)
	capacity, err := gene.CapacityFor(frameLen)
	if err == nil {
		err = negotiated.Validate(capacity.Following)
	}
	if err != nil {
		c.log.Info().Err(err).Msg("session.Endpoint connect agreement unusable")
		_ = req.ReplyResult(protocol.ResultRefused)
		return
	}
	ct, ss, err := mlkem768.Encapsulate(cr.EncapsulationKey)
	if err != nil {
		_ = req.ReplyResult(protocol.ResultDeserializationFailed)
		return
	}
	binding, err := deriveBinding(ss, c.id)
	if err != nil {
		_ = req.ReplyResult(protocol.ResultUnknownError)
		return
	}
	resp := connectResponse{
		Result:         protocol.ResultSuccess,
		PublicKey:      e.signer.PublicKey(),
		Ciphertext:     ct,
		Agreement:      negotiated,
		MaxFrameLength: uint32(frameLen),
	}
	resp.Signature = e.signer.Sign(resp.transcript(c.id, cr))
	payload, err := resp.MarshalBinary()
	if err != nil {
		_ = req.ReplyResult(protocol.ResultUnknownError)
		return
	}

	if !req.replied.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	err = c.respondLocked(req, KindConnect, protocol.ResultSuccess, payload, time.Now())
	if err == nil {
		c.establishLocked(cr.PublicKey, binding, negotiated, frameLen)
		if e.onAccept != nil {
			c.after = append(c.after, func() { e.onAccept(c) })
		}
	}
	c.unlock()
	req.cancel()
	if err != nil {
		c.log.Warn().Err(err).Msg("session.Endpoint connect reply failed")
	}
}
