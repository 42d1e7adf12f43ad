package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/genelink/internal/protocol/frame"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines endpoint reliability and pacing defaults.
type Config struct {
	MaxPacketLength     int
	ConnectTimeout      time.Duration
	RequestTimeout      time.Duration
	TransmissionTimeout time.Duration
	RetransmitTimeout   time.Duration
	AckDelay            time.Duration
	TickInterval        time.Duration
	IdleTimeout         time.Duration
	// SendWindow is the number of unacknowledged genes a transmission may
	// have in flight.
	SendWindow      int
	MaxConnections  int
	CompletedMemory int
	// MaxInbound caps the transmissions a peer may have open toward one
	// connection at once.
	MaxInbound int
	// MaxInboundBytes caps the reassembly memory those transmissions may
	// claim. A lone transmission is always admitted so a block at the
	// agreement's MaxBlockSize can still arrive.
	MaxInboundBytes int64
	KnockRate       float64
	KnockBurst      int
	KnockAttempts   int
	Backoff         BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		MaxPacketLength:     frame.DefaultMaxPacketLength,
		ConnectTimeout:      5 * time.Second,
		RequestTimeout:      60 * time.Second,
		TransmissionTimeout: 15 * time.Second,
		RetransmitTimeout:   200 * time.Millisecond,
		AckDelay:            5 * time.Millisecond,
		TickInterval:        10 * time.Millisecond,
		IdleTimeout:         2 * time.Minute,
		SendWindow:          256,
		MaxConnections:      1024,
		CompletedMemory:     4096,
		MaxInbound:          64,
		MaxInboundBytes:     64 << 20,
		KnockRate:           20,
		KnockBurst:          5,
		KnockAttempts:       4,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxPacketLength <= 0 {
		c.MaxPacketLength = d.MaxPacketLength
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.RequestTimeout < 0 {
		c.RequestTimeout = 0
	}
	if c.TransmissionTimeout <= 0 {
		c.TransmissionTimeout = d.TransmissionTimeout
	}
	if c.RetransmitTimeout <= 0 {
		c.RetransmitTimeout = d.RetransmitTimeout
	}
	if c.AckDelay <= 0 {
		c.AckDelay = d.AckDelay
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SendWindow <= 0 {
		c.SendWindow = d.SendWindow
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.CompletedMemory <= 0 {
		c.CompletedMemory = d.CompletedMemory
	}
	if c.MaxInbound <= 0 {
		c.MaxInbound = d.MaxInbound
	}
	if c.MaxInboundBytes <= 0 {
		c.MaxInboundBytes = d.MaxInboundBytes
	}
	if c.KnockRate <= 0 {
		c.KnockRate = d.KnockRate
	}
	if c.KnockBurst <= 0 {
		c.KnockBurst = d.KnockBurst
	}
	if c.KnockAttempts <= 0 {
		c.KnockAttempts = d.KnockAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxPacketLength < frame.MinMaxPacketLength {
		return fmt.Errorf("%w: max packet length %d below %d", ErrInvalidConfig, c.MaxPacketLength, frame.MinMaxPacketLength)
	}
	if c.RetransmitTimeout >= c.TransmissionTimeout {
		return fmt.Errorf("%w: retransmit timeout must be below transmission timeout", ErrInvalidConfig)
	}
	if c.AckDelay >= c.RetransmitTimeout {
		return fmt.Errorf("%w: ack delay must be below retransmit timeout", ErrInvalidConfig)
	}
	return nil
}

// MaxFrameLength is the frame room this endpoint offers peers.
func (c Config) MaxFrameLength() int {
	return frame.MaxFrameLength(c.MaxPacketLength)
}

// handshakeFrameLength is the frame length every peer can carry; connect
// exchanges run at it before the real one is negotiated.
const handshakeFrameLength = frame.MinMaxPacketLength - frame.PacketHeaderSize
