package relay

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	hopInfoClient = "genelink relay hop client"
	hopInfoRelay  = "genelink relay hop relay"
)

// sequenceSize prefixes every sealed payload.
const sequenceSize = 8

var ErrSealed = errors.New("relay: sealed payload rejected")

type direction struct {
	aead cipher.AEAD
	base [chacha20poly1305.NonceSize]byte
}

func newDirection(keyAndNonce [KeyAndNonceSize]byte, info string) (direction, error) {
	r := hkdf.New(sha256.New, keyAndNonce[:], nil, []byte(info))
	var key [chacha20poly1305.KeySize]byte
	var d direction
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return d, err
	}
	if _, err := io.ReadFull(r, d.base[:]); err != nil {
		return d, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return d, err
	}
	d.aead = aead
	return d, nil
}

func (d direction) nonce(seq uint64) []byte {
	n := d.base
	var s [sequenceSize]byte
	binary.LittleEndian.PutUint64(s[:], seq)
	for i := range s {
		n[len(n)-sequenceSize+i] ^= s[i]
	}
	return n[:]
}

// Hop wraps and unwraps payloads for one relay hop. Both ends expand the
// hop's key-and-nonce secret with HKDF-SHA256 into one ChaCha20-Poly1305 key
// and nonce base per direction, so the two ends never share a nonce.
type Hop struct {
	send direction
	recv direction
	seq  atomic.Uint64
}

// NewHop builds the relay's end of a hop when relay is true and the
// client's end otherwise.
func NewHop(keyAndNonce [KeyAndNonceSize]byte, relay bool) (*Hop, error) {
	sendInfo, recvInfo := hopInfoClient, hopInfoRelay
	if relay {
		sendInfo, recvInfo = recvInfo, sendInfo
	}
	send, err := newDirection(keyAndNonce, sendInfo)
	if err != nil {
		return nil, err
	}
	recv, err := newDirection(keyAndNonce, recvInfo)
	if err != nil {
		return nil, err
	}
	return &Hop{send: send, recv: recv}, nil
}

// Seal encrypts plaintext under the next sequence number, which travels in
// the clear ahead of the ciphertext.
func (h *Hop) Seal(plaintext []byte) []byte {
	seq := h.seq.Add(1)
	out := make([]byte, sequenceSize, sequenceSize+len(plaintext)+h.send.aead.Overhead())
	binary.LittleEndian.PutUint64(out, seq)
	return h.send.aead.Seal(out, h.send.nonce(seq), plaintext, out[:sequenceSize])
}

// Open authenticates and decrypts a payload the other end sealed.
func (h *Hop) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < sequenceSize+h.recv.aead.Overhead() {
		return nil, ErrSealed
	}
	seq := binary.LittleEndian.Uint64(sealed[:sequenceSize])
	out, err := h.recv.aead.Open(nil, h.recv.nonce(seq), sealed[sequenceSize:], sealed[:sequenceSize])
	if err != nil {
		return nil, ErrSealed
	}
	return out, nil
}

// Overhead is how many bytes Seal adds.
func (h *Hop) Overhead() int {
	return sequenceSize + h.send.aead.Overhead()
}
