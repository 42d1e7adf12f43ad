package token

import (
	"encoding"
	"fmt"
	"reflect"
	"time"
)

// Payload is the typed body a certificate token vouches for.
type Payload interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
	// TokenDiscriminator names the payload type inside the token.
	TokenDiscriminator() byte
	// MaxEncodedLen bounds MarshalBinary output, or returns -1 when unbounded.
	MaxEncodedLen() int
}

// CertificateToken authorizes Target under the signer's key.
type CertificateToken[T Payload] struct {
	header
	Discriminator byte
	Target        T
	Signature     [SignatureSize]byte
}

// NewCertificateToken signs target for binding.
func NewCertificateToken[T Payload](s *Signer, binding Binding, target T) (CertificateToken[T], error) {
	t := CertificateToken[T]{Discriminator: target.TokenDiscriminator(), Target: target}
	if err := t.stamp(s.PublicKey(), time.Now()); err != nil {
		return t, err
	}
	body, err := t.body()
	if err != nil {
		return t, err
	}
	copy(t.Signature[:], s.Sign(signedMessage(binding, body)))
	return t, nil
}

func (t CertificateToken[T]) body() ([]byte, error) {
	payload, err := t.Target.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := t.header.appendTo(make([]byte, 0, headerSize+5+len(payload)+SignatureSize))
	out = append(out, t.Discriminator)
	out = le.AppendUint32(out, uint32(len(payload)))
	return append(out, payload...), nil
}

// Validate checks the timestamp and that the discriminator names T.
func (t CertificateToken[T]) Validate() error {
	if err := t.validate(); err != nil {
		return err
	}
	if t.Discriminator != t.Target.TokenDiscriminator() {
		return fmt.Errorf("%w: got %q want %q", ErrDiscriminator, t.Discriminator, t.Target.TokenDiscriminator())
	}
	return nil
}

func (t CertificateToken[T]) ValidateAndVerify(binding Binding) error {
	if err := t.Validate(); err != nil {
		return err
	}
	body, err := t.body()
	if err != nil {
		return err
	}
	if !Verify(t.PublicKey, signedMessage(binding, body), t.Signature[:]) {
		return ErrBadSignature
	}
	return nil
}

func (t CertificateToken[T]) MarshalBinary() ([]byte, error) {
	body, err := t.body()
	if err != nil {
		return nil, err
	}
	return append(body, t.Signature[:]...), nil
}

// UnmarshalBinary decodes into t.Target, which must already point at a value.
func (t *CertificateToken[T]) UnmarshalBinary(b []byte) error {
	if v := reflect.ValueOf(t.Target); !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil()) {
		return ErrUnboundPayload
	}
	rest, err := t.header.decode(b)
	if err != nil {
		return err
	}
	if len(rest) < 5+SignatureSize {
		return fmt.Errorf("%w: short certificate", ErrMalformed)
	}
	t.Discriminator = rest[0]
	n := int(le.Uint32(rest[1:5]))
	rest = rest[5:]
	if len(rest) != n+SignatureSize {
		return fmt.Errorf("%w: payload length %d", ErrMalformed, n)
	}
	if err := t.Target.UnmarshalBinary(rest[:n]); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	copy(t.Signature[:], rest[n:])
	return nil
}

func (t CertificateToken[T]) String() string {
	b, err := t.MarshalBinary()
	if err != nil {
		return ""
	}
	return encodeText(DiscriminatorCertificate, b)
}

// MaxStringLength is the longest text form for T, or -1 if T is unbounded.
func (t CertificateToken[T]) MaxStringLength() int {
	n := t.Target.MaxEncodedLen()
	if n < 0 {
		return -1
	}
	return textLength(headerSize + 5 + n + SignatureSize)
}

// DecodeCertificate decodes a binary certificate token carrying a *T.
func DecodeCertificate[T any, P interface {
	*T
	Payload
}](b []byte) (CertificateToken[P], error) {
	t := CertificateToken[P]{Target: P(new(T))}
	err := t.UnmarshalBinary(b)
	return t, err
}

// ParseCertificate reads the text form of a certificate token carrying a *T.
func ParseCertificate[T any, P interface {
	*T
	Payload
}](s string) (CertificateToken[P], error) {
	b, err := decodeText(DiscriminatorCertificate, s)
	if err != nil {
		return CertificateToken[P]{}, err
	}
	return DecodeCertificate[T, P](b)
}
