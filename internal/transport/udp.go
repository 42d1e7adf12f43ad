package transport

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/rs/zerolog/log"
)

// UDPOptions tunes the socket behind a UDPConn.
type UDPOptions struct {
	MaxPacketLength int
	// ReadBuffer and WriteBuffer set SO_RCVBUF / SO_SNDBUF when > 0.
	ReadBuffer  int
	WriteBuffer int
	ReuseAddr   bool
}

// UDPConn is a PacketConn over a UDP socket.
type UDPConn struct {
	conn *net.UDPConn
	max  int
}

func ListenUDP(ctx context.Context, addr string, opts UDPOptions) (*UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return setSocketOptions(c, opts)
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	log.Info().Str("component", "transport").Str("addr", pc.LocalAddr().String()).Msg("udp listening")
	return &UDPConn{conn: pc.(*net.UDPConn), max: opts.MaxPacketLength}, nil
}

func (c *UDPConn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, addr, err := c.conn.ReadFromUDP(p)
	if errors.Is(err, net.ErrClosed) {
		return 0, nil, ErrClosed
	}
	return n, addr, err
}

func (c *UDPConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if len(p) > c.max {
		return 0, ErrTooLarge
	}
	n, err := c.conn.WriteTo(p, addr)
	if errors.Is(err, net.ErrClosed) {
		return 0, ErrClosed
	}
	return n, err
}

func (c *UDPConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *UDPConn) MaxPacketLength() int {
	return c.max
}

func (c *UDPConn) Close() error {
	return c.conn.Close()
}

func (c *UDPConn) Resolve(addr string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", addr)
}
