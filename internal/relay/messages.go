package relay

import (
	"crypto/rand"
	"fmt"

	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/schema"
	"github.com/danmuck/genelink/internal/protocol/tlv"
	"github.com/danmuck/genelink/internal/token"
)

// KeyAndNonceSize is the length of the secret a hop's keys derive from.
const KeyAndNonceSize = 32

// DiscriminatorAssignRelay tags AssignRelayBlock inside certificate tokens.
const DiscriminatorAssignRelay byte = 'R'

// AssignRelayBlock is what a certificate authority vouches for when it lets
// a client open a relay exchange.
type AssignRelayBlock struct {
	AllowOpenSesami      bool
	AllowUnknownIncoming bool
	KeyAndNonce          [KeyAndNonceSize]byte
}

// NewAssignRelayBlock fills KeyAndNonce from crypto/rand.
func NewAssignRelayBlock(allowOpen, allowUnknown bool) (*AssignRelayBlock, error) {
	b := &AssignRelayBlock{AllowOpenSesami: allowOpen, AllowUnknownIncoming: allowUnknown}
	if _, err := rand.Read(b.KeyAndNonce[:]); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AssignRelayBlock) TokenDiscriminator() byte {
	return DiscriminatorAssignRelay
}

// MaxEncodedLen is exact: two bool fields and one fixed-size bytes field.
func (b *AssignRelayBlock) MaxEncodedLen() int {
	return 2*(tlv.HeaderLen+1) + tlv.HeaderLen + KeyAndNonceSize
}

func (b *AssignRelayBlock) MarshalBinary() ([]byte, error) {
	return tlv.EncodeFields([]tlv.Field{
		tlv.Bool(schema.FieldAllowOpenSesami, b.AllowOpenSesami),
		tlv.Bool(schema.FieldAllowUnknownIncoming, b.AllowUnknownIncoming),
		tlv.Bytes(schema.FieldKeyAndNonce, b.KeyAndNonce[:]),
	}), nil
}

func (b *AssignRelayBlock) UnmarshalBinary(p []byte) error {
	fields, err := schema.Decode(schema.MsgAssignRelayBlock, p)
	if err != nil {
		return err
	}
	var out AssignRelayBlock
	f, _ := fields.Get(schema.FieldAllowOpenSesami)
	if out.AllowOpenSesami, err = f.AsBool(); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldAllowUnknownIncoming)
	if out.AllowUnknownIncoming, err = f.AsBool(); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldKeyAndNonce)
	if len(f.Value) != KeyAndNonceSize {
		return fmt.Errorf("relay: key and nonce is %d bytes", len(f.Value))
	}
	copy(out.KeyAndNonce[:], f.Value)
	*b = out
	return nil
}

// Certificate is the token type AssignRelay accepts.
type Certificate = token.CertificateToken[*AssignRelayBlock]

// ParseCertificate reads the text form of an AssignRelay certificate.
func ParseCertificate(s string) (Certificate, error) {
	return token.ParseCertificate[AssignRelayBlock](s)
}

type AssignRelayRequest struct {
	Token Certificate
}

func (r *AssignRelayRequest) MarshalBinary() ([]byte, error) {
	tok, err := r.Token.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return tlv.EncodeFields([]tlv.Field{tlv.Bytes(schema.FieldToken, tok)}), nil
}

func (r *AssignRelayRequest) UnmarshalBinary(p []byte) error {
	fields, err := schema.Decode(schema.MsgAssignRelayRequest, p)
	if err != nil {
		return err
	}
	f, _ := fields.Get(schema.FieldToken)
	tok, err := token.DecodeCertificate[AssignRelayBlock](f.Value)
	if err != nil {
		return err
	}
	r.Token = tok
	return nil
}

type AssignRelayResponse struct {
	Result          protocol.Result
	InnerRelayID    uint32
	OuterRelayID    uint32
	RelayPoint      uint64
	RetentionMics   uint64
	RelayNetAddress string
}

func (r *AssignRelayResponse) MarshalBinary() ([]byte, error) {
	return tlv.EncodeFields([]tlv.Field{
		tlv.U16(schema.FieldResult, uint16(r.Result)),
		tlv.U32(schema.FieldInnerRelayID, r.InnerRelayID),
		tlv.U32(schema.FieldOuterRelayID, r.OuterRelayID),
		tlv.U64(schema.FieldRelayPoint, r.RelayPoint),
		tlv.U64(schema.FieldRetentionMics, r.RetentionMics),
		tlv.String(schema.FieldRelayNetAddress, r.RelayNetAddress),
	}), nil
}

func (r *AssignRelayResponse) UnmarshalBinary(p []byte) error {
	fields, err := schema.Decode(schema.MsgAssignRelayResponse, p)
	if err != nil {
		return err
	}
	var out AssignRelayResponse
	f, _ := fields.Get(schema.FieldResult)
	res, err := f.AsU16()
	if err != nil {
		return err
	}
	out.Result = protocol.Result(res)
	f, _ = fields.Get(schema.FieldInnerRelayID)
	if out.InnerRelayID, err = f.AsU32(); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldOuterRelayID)
	if out.OuterRelayID, err = f.AsU32(); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldRelayPoint)
	if out.RelayPoint, err = f.AsU64(); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldRetentionMics)
	if out.RetentionMics, err = f.AsU64(); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldRelayNetAddress)
	if out.RelayNetAddress, err = f.AsString(); err != nil {
		return err
	}
	*r = out
	return nil
}

// SetupRelay attaches the outer hop to an assigned exchange.
type SetupRelay struct {
	InnerRelayID     uint32
	OuterEndpoint    string
	OuterKeyAndNonce [KeyAndNonceSize]byte
}

func (s *SetupRelay) MarshalBinary() ([]byte, error) {
	return tlv.EncodeFields([]tlv.Field{
		tlv.U32(schema.FieldInnerRelayID, s.InnerRelayID),
		tlv.String(schema.FieldOuterEndpoint, s.OuterEndpoint),
		tlv.Bytes(schema.FieldOuterKeyAndNonce, s.OuterKeyAndNonce[:]),
	}), nil
}

func (s *SetupRelay) UnmarshalBinary(p []byte) error {
	fields, err := schema.Decode(schema.MsgSetupRelay, p)
	if err != nil {
		return err
	}
	var out SetupRelay
	f, _ := fields.Get(schema.FieldInnerRelayID)
	if out.InnerRelayID, err = f.AsU32(); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldOuterEndpoint)
	if out.OuterEndpoint, err = f.AsString(); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldOuterKeyAndNonce)
	if len(f.Value) != KeyAndNonceSize {
		return fmt.Errorf("relay: outer key and nonce is %d bytes", len(f.Value))
	}
	copy(out.OuterKeyAndNonce[:], f.Value)
	*s = out
	return nil
}

// Ack is the empty reply of result-only operations.
type Ack struct{}

func (*Ack) MarshalBinary() ([]byte, error) {
	return tlv.EncodeFields([]tlv.Field{tlv.U16(schema.FieldResult, 0)}), nil
}

func (*Ack) UnmarshalBinary(p []byte) error {
	_, err := schema.Decode(schema.MsgResult, p)
	return err
}
