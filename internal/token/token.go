package token

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	DiscriminatorAuthentication byte = 'A'
	DiscriminatorCertificate    byte = 'C'

	// headerSize covers PublicKey, SignedMics and Salt.
	headerSize = PublicKeySize + 8 + SaltSize

	AuthenticationTokenSize = headerSize + SignatureSize
)

var le = binary.LittleEndian

// header is the signed prefix shared by every token kind.
type header struct {
	PublicKey  PublicKey
	SignedMics int64
	Salt       [SaltSize]byte
}

func (h *header) stamp(key PublicKey, now time.Time) error {
	h.PublicKey = key
	h.SignedMics = now.UnixMicro()
	_, err := rand.Read(h.Salt[:])
	return err
}

func (h header) appendTo(dst []byte) []byte {
	dst = append(dst, h.PublicKey[:]...)
	dst = le.AppendUint64(dst, uint64(h.SignedMics))
	return append(dst, h.Salt[:]...)
}

func (h *header) decode(b []byte) ([]byte, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	copy(h.PublicKey[:], b[:PublicKeySize])
	h.SignedMics = int64(le.Uint64(b[PublicKeySize : PublicKeySize+8]))
	copy(h.Salt[:], b[PublicKeySize+8:headerSize])
	return b[headerSize:], nil
}

func (h header) validate() error {
	if h.SignedMics == 0 {
		return ErrZeroTimestamp
	}
	return nil
}

// SignedAt is the signing time.
func (h header) SignedAt() time.Time {
	return time.UnixMicro(h.SignedMics)
}

// Expired reports whether the token is older than maxAge at now. A zero
// maxAge never expires.
func (h header) Expired(maxAge time.Duration, now time.Time) bool {
	return maxAge > 0 && now.Sub(h.SignedAt()) > maxAge
}

func signedMessage(binding Binding, body []byte) []byte {
	msg := make([]byte, 0, BindingSize+len(body))
	msg = append(msg, binding[:]...)
	return append(msg, body...)
}

// AuthenticationToken proves ownership of PublicKey on one connection.
type AuthenticationToken struct {
	header
	Signature [SignatureSize]byte
}

// NewAuthenticationToken signs a fresh token for binding.
func NewAuthenticationToken(s *Signer, binding Binding) (AuthenticationToken, error) {
	var t AuthenticationToken
	if err := t.stamp(s.PublicKey(), time.Now()); err != nil {
		return t, err
	}
	copy(t.Signature[:], s.Sign(signedMessage(binding, t.header.appendTo(nil))))
	return t, nil
}

func (t AuthenticationToken) Validate() error {
	return t.validate()
}

// ValidateAndVerify checks the timestamp and the signature against binding.
func (t AuthenticationToken) ValidateAndVerify(binding Binding) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if !Verify(t.PublicKey, signedMessage(binding, t.header.appendTo(nil)), t.Signature[:]) {
		return ErrBadSignature
	}
	return nil
}

func (t AuthenticationToken) MarshalBinary() ([]byte, error) {
	out := t.header.appendTo(make([]byte, 0, AuthenticationTokenSize))
	return append(out, t.Signature[:]...), nil
}

func (t *AuthenticationToken) UnmarshalBinary(b []byte) error {
	if len(b) != AuthenticationTokenSize {
		return fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	rest, err := t.header.decode(b)
	if err != nil {
		return err
	}
	copy(t.Signature[:], rest)
	return nil
}

func (t AuthenticationToken) String() string {
	b, _ := t.MarshalBinary()
	return encodeText(DiscriminatorAuthentication, b)
}

// ParseAuthenticationToken reads the text form.
func ParseAuthenticationToken(s string) (AuthenticationToken, error) {
	var t AuthenticationToken
	b, err := decodeText(DiscriminatorAuthentication, s)
	if err != nil {
		return t, err
	}
	err = t.UnmarshalBinary(b)
	return t, err
}

// AuthenticationStringLength is the exact text length of any authentication token.
func AuthenticationStringLength() int {
	return textLength(AuthenticationTokenSize)
}
