package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultQUICMaxPacketLength fits an unfragmented QUIC DATAGRAM frame.
const DefaultQUICMaxPacketLength = 1100

// QUICOptions configures a QUICConn.
type QUICOptions struct {
	MaxPacketLength int
	IdleTimeout     time.Duration
	TLS             TLSConfig
}

// QUICConn is a PacketConn whose datagrams ride unreliable QUIC DATAGRAM
// frames. One QUIC connection is kept per remote address and dialed on the
// first write.
type QUICConn struct {
	udp       *net.UDPConn
	tr        *quic.Transport
	ln        *quic.Listener
	clientTLS *tls.Config
	qcfg      *quic.Config
	max       int
	logger    zerolog.Logger

	mu    sync.RWMutex
	peers map[string]*quic.Conn
	dials singleflight.Group

	inbox  chan datagram
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func ListenQUIC(ctx context.Context, addr string, opts QUICOptions) (*QUICConn, error) {
	serverTLS, err := opts.TLS.ServerTLS()
	if err != nil {
		return nil, err
	}
	clientTLS, err := opts.TLS.ClientTLS()
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}
	qcfg := &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  idle,
		KeepAlivePeriod: idle / 3,
	}
	tr := &quic.Transport{Conn: udp}
	ln, err := tr.Listen(serverTLS, qcfg)
	if err != nil {
		_ = udp.Close()
		return nil, err
	}
	max := opts.MaxPacketLength
	if max <= 0 {
		max = DefaultQUICMaxPacketLength
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &QUICConn{
		udp:       udp,
		tr:        tr,
		ln:        ln,
		clientTLS: clientTLS,
		qcfg:      qcfg,
		max:       max,
		logger:    log.With().Str("component", "transport").Str("carrier", "quic").Logger(),
		peers:     make(map[string]*quic.Conn),
		inbox:     make(chan datagram, 4096),
		ctx:       cctx,
		cancel:    cancel,
	}
	c.wg.Add(1)
	go c.acceptLoop()
	c.logger.Info().Str("addr", udp.LocalAddr().String()).Msg("quic listening")
	return c, nil
}

func (c *QUICConn) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.ln.Accept(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("quic accept failed")
			}
			return
		}
		c.track(conn)
	}
}

func (c *QUICConn) track(conn *quic.Conn) {
	key := conn.RemoteAddr().String()
	c.mu.Lock()
	c.peers[key] = conn
	c.mu.Unlock()
	c.wg.Add(1)
	go c.readLoop(key, conn)
}

func (c *QUICConn) readLoop(key string, conn *quic.Conn) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if c.peers[key] == conn {
			delete(c.peers, key)
		}
		c.mu.Unlock()
	}()
	from := conn.RemoteAddr()
	for {
		b, err := conn.ReceiveDatagram(c.ctx)
		if err != nil {
			c.logger.Debug().Err(err).Str("remote", key).Msg("quic peer gone")
			return
		}
		select {
		case c.inbox <- datagram{b: b, from: from}:
		case <-c.ctx.Done():
			return
		default:
		}
	}
}

func (c *QUICConn) peer(addr net.Addr) (*quic.Conn, error) {
	key := addr.String()
	c.mu.RLock()
	conn, ok := c.peers[key]
	c.mu.RUnlock()
	if ok {
		return conn, nil
	}
	v, err, _ := c.dials.Do(key, func() (any, error) {
		c.mu.RLock()
		existing, ok := c.peers[key]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}
		ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		defer cancel()
		conn, err := c.tr.Dial(ctx, addr, c.clientTLS, c.qcfg)
		if err != nil {
			return nil, err
		}
		c.track(conn)
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*quic.Conn), nil
}

func (c *QUICConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-c.inbox:
		return copy(p, d.b), d.from, nil
	case <-c.ctx.Done():
		return 0, nil, ErrClosed
	}
}

func (c *QUICConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if c.ctx.Err() != nil {
		return 0, ErrClosed
	}
	if len(p) > c.max {
		return 0, ErrTooLarge
	}
	conn, err := c.peer(addr)
	if err != nil {
		return 0, err
	}
	if err := conn.SendDatagram(p); err != nil {
		var tooLarge *quic.DatagramTooLargeError
		if errors.As(err, &tooLarge) {
			return 0, ErrTooLarge
		}
		return 0, err
	}
	return len(p), nil
}

func (c *QUICConn) LocalAddr() net.Addr {
	return c.udp.LocalAddr()
}

func (c *QUICConn) MaxPacketLength() int {
	return c.max
}

func (c *QUICConn) Resolve(addr string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", addr)
}

func (c *QUICConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		for _, conn := range c.peers {
			_ = conn.CloseWithError(0, "closing")
		}
		c.mu.Unlock()
		_ = c.ln.Close()
		_ = c.tr.Close()
		if cerr := c.udp.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		c.wg.Wait()
	})
	return err
}
