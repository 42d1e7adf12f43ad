// Package transport carries whole datagrams between endpoints. Every carrier
// here is unreliable and unordered; reliability is added by the gene engine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrClosed        = errors.New("transport: closed")
	ErrTooLarge      = errors.New("transport: datagram exceeds max packet length")
	ErrUnknownKind   = errors.New("transport: unknown kind")
	ErrUnknownRemote = errors.New("transport: unknown remote address")
)

// Kind names a carrier in configuration.
type Kind string

const (
	KindUDP    Kind = "udp"
	KindQUIC   Kind = "quic"
	KindMemory Kind = "memory"
)

// PacketConn is the datagram carrier an endpoint runs on.
type PacketConn interface {
	// ReadFrom blocks for the next datagram. It returns ErrClosed after Close.
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	LocalAddr() net.Addr
	// MaxPacketLength is the largest datagram WriteTo accepts.
	MaxPacketLength() int
	Close() error
}

// Resolver turns a configured address into a net.Addr for a carrier.
type Resolver interface {
	Resolve(addr string) (net.Addr, error)
}

// Options carries the per-kind settings Listen passes on.
type Options struct {
	UDP  UDPOptions
	QUIC QUICOptions
	// Network is the switch memory carriers attach to.
	Network *Network
}

// Listen opens a carrier of kind on addr.
func Listen(ctx context.Context, kind Kind, addr string, opts Options) (PacketConn, error) {
	switch kind {
	case KindUDP:
		c, err := ListenUDP(ctx, addr, opts.UDP)
		if err != nil {
			return nil, err
		}
		return c, nil
	case KindQUIC:
		c, err := ListenQUIC(ctx, addr, opts.QUIC)
		if err != nil {
			return nil, err
		}
		return c, nil
	case KindMemory:
		if opts.Network == nil {
			return nil, fmt.Errorf("%w: memory carrier needs a network", ErrUnknownKind)
		}
		c, err := opts.Network.Listen(addr)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
