// Package token mints and checks signed credentials bound to a connection.
package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	PublicKeySize = ed25519.PublicKeySize
	SignatureSize = ed25519.SignatureSize
	SeedSize      = ed25519.SeedSize
	SaltSize      = 16
	BindingSize   = 32
)

var (
	ErrBadKey         = errors.New("token: malformed key")
	ErrZeroTimestamp  = errors.New("token: zero signed timestamp")
	ErrDiscriminator  = errors.New("token: discriminator mismatch")
	ErrBadSignature   = errors.New("token: signature verification failed")
	ErrMalformed      = errors.New("token: malformed token")
	ErrExpired        = errors.New("token: expired")
	ErrUntrustedKey   = errors.New("token: untrusted public key")
	ErrUnboundPayload = errors.New("token: certificate payload missing")
)

// PublicKey is an ed25519 public key.
type PublicKey [PublicKeySize]byte

func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// ParsePublicKey accepts hex or standard/url base64.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	b, err := decodeKeyText(s, PublicKeySize)
	if err != nil {
		return k, err
	}
	copy(k[:], b)
	return k, nil
}

func decodeKeyText(s string, size int) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) == size {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == size {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: want %d bytes", ErrBadKey, size)
}

// Binding ties a signature to one connection.
type Binding [BindingSize]byte

// Signer holds an ed25519 key pair.
type Signer struct {
	private ed25519.PrivateKey
	public  PublicKey
}

func GenerateSigner() (*Signer, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return NewSigner(seed)
}

// NewSigner derives a key pair from a 32-byte seed.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes", ErrBadKey, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	s := &Signer{private: priv}
	copy(s.public[:], priv.Public().(ed25519.PublicKey))
	return s, nil
}

// ParseSigner reads a hex or base64 seed.
func ParseSigner(s string) (*Signer, error) {
	seed, err := decodeKeyText(s, SeedSize)
	if err != nil {
		return nil, err
	}
	return NewSigner(seed)
}

func (s *Signer) PublicKey() PublicKey {
	return s.public
}

// SeedHex is the text form written by keygen.
func (s *Signer) SeedHex() string {
	return hex.EncodeToString(s.private.Seed())
}

func (s *Signer) Sign(message []byte) []byte {
	return ed25519.Sign(s.private, message)
}

// Verify checks sig over message with key.
func Verify(key PublicKey, message, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(key[:], message, sig)
}
