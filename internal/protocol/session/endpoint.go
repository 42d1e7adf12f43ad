package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/genelink/internal/agreement"
	"github.com/danmuck/genelink/internal/gene"
	"github.com/danmuck/genelink/internal/logging"
	"github.com/danmuck/genelink/internal/observability"
	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/frame"
	"github.com/danmuck/genelink/internal/token"
	"github.com/danmuck/genelink/internal/transport"
	lru "github.com/hashicorp/golang-lru"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/rs/zerolog"
)

// readBufferSize covers the largest datagram any carrier delivers.
const readBufferSize = 64 << 10

// Options configure an Endpoint.
type Options struct {
	Config Config
	// Signer is the endpoint identity; one is generated when nil.
	Signer  *token.Signer
	Handler RequestHandler
	// Limit caps what connections of this endpoint may agree to.
	Limit agreement.Agreement
	Pool  *gene.Pool
	// OnAccept runs for each inbound connection once it is established.
	OnAccept func(*Connection)
}

type handlerBox struct {
	h RequestHandler
}

// Endpoint multiplexes connections over one datagram carrier.
type Endpoint struct {
	cfg      Config
	conn     transport.PacketConn
	signer   *token.Signer
	limit    agreement.Agreement
	pool     *gene.Pool
	log      zerolog.Logger
	handler  atomic.Pointer[handlerBox]
	onAccept func(*Connection)

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[uint64]*Connection

	knocks      *knockTable
	knockLimits *lru.Cache

	rngMu sync.Mutex
	rng   *rand.Rand

	started   atomic.Bool
	closing   chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

func NewEndpoint(conn transport.PacketConn, opts Options) (*Endpoint, error) {
	cfg := opts.Config.WithDefaults()
	cfg.MaxPacketLength = min(cfg.MaxPacketLength, conn.MaxPacketLength())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	signer := opts.Signer
	if signer == nil {
		var err error
		if signer, err = token.GenerateSigner(); err != nil {
			return nil, err
		}
	}
	limit := opts.Limit
	if limit == (agreement.Agreement{}) {
		limit = agreement.Default()
	}
	capacity, err := gene.CapacityFor(cfg.MaxFrameLength())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := limit.Validate(capacity.Following); err != nil {
		return nil, err
	}
	p := opts.Pool
	if p == nil {
		p = gene.NewPool()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		cfg:         cfg,
		conn:        conn,
		signer:      signer,
		limit:       limit,
		pool:        p,
		log:         logging.Component("session").With().Str("local", conn.LocalAddr().String()).Logger(),
		onAccept:    opts.OnAccept,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[uint64]*Connection),
		knocks:      newKnockTable(),
		knockLimits: newKnockLimits(cfg.MaxConnections),
		rng:         newRand(),
		closing:     make(chan struct{}),
	}
	e.SetHandler(opts.Handler)
	return e, nil
}

// Start launches the read and timer loops.
func (e *Endpoint) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(2)
	go e.readLoop()
	go e.tickLoop()
	e.log.Info().Int("max_packet_length", e.cfg.MaxPacketLength).Str("public_key", e.signer.PublicKey().String()).Msg("session.Endpoint started")
}

// Run starts the endpoint and blocks until ctx ends or the endpoint closes.
func (e *Endpoint) Run(ctx context.Context) error {
	e.Start()
	select {
	case <-ctx.Done():
	case <-e.closing:
	}
	return e.Close()
}

// Close closes every connection, notifying peers, then the carrier.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closing)
		cause := fmt.Errorf("%w: %w", protocol.ErrClosed, ErrEndpointClosed)
		for _, c := range e.Connections() {
			c.mu.Lock()
			c.closeLocked(cause, true)
			c.unlock()
		}
		e.closeErr = e.conn.Close()
		e.cancel()
		e.log.Info().Msg("session.Endpoint closed")
	})
	e.wg.Wait()
	return e.closeErr
}

func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

func (e *Endpoint) PublicKey() token.PublicKey {
	return e.signer.PublicKey()
}

func (e *Endpoint) Signer() *token.Signer {
	return e.signer
}

// Limit is the agreement ceiling offered to peers.
func (e *Endpoint) Limit() agreement.Agreement {
	return e.limit
}

func (e *Endpoint) Pool() *gene.Pool {
	return e.pool
}

func (e *Endpoint) Config() Config {
	return e.cfg
}

// SetHandler replaces the request handler for new requests.
func (e *Endpoint) SetHandler(h RequestHandler) {
	e.handler.Store(&handlerBox{h: h})
}

func (e *Endpoint) Handler() RequestHandler {
	if b := e.handler.Load(); b != nil {
		return b.h
	}
	return nil
}

// Connections returns live connections ordered by id.
func (e *Endpoint) Connections() []*Connection {
	e.mu.Lock()
	out := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (e *Endpoint) Lookup(id uint64) (*Connection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[id]
	return c, ok
}

// Dial opens a connection to addr and runs the connect handshake.
func (e *Endpoint) Dial(ctx context.Context, addr net.Addr) (*Connection, error) {
	select {
	case <-e.closing:
		return nil, ErrEndpointClosed
	default:
	}
	e.mu.Lock()
	if len(e.conns) >= e.cfg.MaxConnections {
		e.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := newConnection(e, e.newConnectionIDLocked(), addr, true, time.Now())
	e.conns[c.id] = c
	e.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		c.mu.Lock()
		c.closeLocked(err, true)
		c.unlock()
		return nil, err
	}
	return c, nil
}

// DialAddress resolves addr through the carrier, then dials it.
func (e *Endpoint) DialAddress(ctx context.Context, addr string) (*Connection, error) {
	r, ok := e.conn.(transport.Resolver)
	if !ok {
		return nil, fmt.Errorf("%w: carrier cannot resolve %q", transport.ErrUnknownRemote, addr)
	}
	remote, err := r.Resolve(addr)
	if err != nil {
		return nil, err
	}
	return e.Dial(ctx, remote)
}

func (e *Endpoint) newConnectionIDLocked() uint64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	for {
		id := e.rng.Uint64()
		if _, busy := e.conns[id]; id != 0 && !busy {
			return id
		}
	}
}

func (e *Endpoint) forget(c *Connection) {
	e.mu.Lock()
	if e.conns[c.id] == c {
		delete(e.conns, c.id)
	}
	e.mu.Unlock()
}

// packet starts a pooled datagram with the packet header.
func (e *Endpoint) packet(connID uint64, frameSize int) []byte {
	b := pool.Get(frame.PacketHeaderSize + frameSize)[:0]
	return frame.AppendPacketHeader(b, frame.NewPacketHeader(connID))
}

// write sends one datagram and returns its buffer to the pool.
func (e *Endpoint) write(addr net.Addr, b []byte) {
	defer pool.Put(b)
	t, _ := frame.PeekType(b[frame.PacketHeaderSize:])
	if _, err := e.conn.WriteTo(b, addr); err != nil {
		if !errors.Is(err, transport.ErrClosed) {
			e.log.Debug().Err(err).Str("remote", addr.String()).Msg("session.Endpoint write failed")
		}
		observability.RecordDrop("write_failed")
		return
	}
	observability.RecordDatagram("out", t.String())
}

func (e *Endpoint) drop(reason string, err error) {
	observability.RecordDrop(reason)
	e.log.Debug().Err(err).Str("reason", reason).Msg("session.Endpoint dropped datagram")
}

func (e *Endpoint) readLoop() {
	defer e.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.closing:
				return
			default:
			}
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			e.log.Warn().Err(err).Msg("session.Endpoint read failed")
			continue
		}
		e.handleDatagram(buf[:n], addr, time.Now())
	}
}

func (e *Endpoint) tickLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closing:
			return
		case now := <-ticker.C:
			conns := e.Connections()
			for _, c := range conns {
				c.tick(now)
			}
			observability.SetConnections(len(conns))
		}
	}
}

func (e *Endpoint) handleDatagram(b []byte, addr net.Addr, now time.Time) {
	h, t, rest, err := frame.DecodePacket(b)
	if err != nil {
		e.drop("malformed", err)
		return
	}
	observability.RecordDatagram("in", t.String())
	switch t {
	case frame.TypeKnock:
		e.onKnock(addr, rest)
		return
	case frame.TypeKnockResponse:
		e.onKnockResponse(addr, rest)
		return
	}
	if h.ConnectionID == 0 {
		e.drop("no_connection", nil)
		return
	}

	e.mu.Lock()
	c := e.conns[h.ConnectionID]
	if c == nil {
		if reason := e.acceptable(t, rest); reason != "" {
			e.mu.Unlock()
			e.drop(reason, nil)
			return
		}
		c = newConnection(e, h.ConnectionID, addr, false, now)
		e.conns[c.id] = c
		c.log.Debug().Msg("session.Endpoint connection opened by peer")
	}
	e.mu.Unlock()

	if c.remote.String() != addr.String() {
		e.drop("address_mismatch", nil)
		return
	}
	c.receive(t, rest, now)
}

// acceptable names why a datagram for an unknown connection cannot open
// one. Only the first gene of a connect request can.
func (e *Endpoint) acceptable(t frame.Type, rest []byte) string {
	if t != frame.TypeFirstGene {
		return "unknown_connection"
	}
	f, _, err := frame.DecodeFirstGene(rest)
	if err != nil {
		return "malformed"
	}
	if f.Control.Has(frame.ControlResponse) || f.Mode != frame.ModeBlock || protocol.DataKind(f.DataKind) != KindConnect {
		return "unknown_connection"
	}
	select {
	case <-e.closing:
		return "closing"
	default:
	}
	if len(e.conns) >= e.cfg.MaxConnections {
		return "too_many_connections"
	}
	return ""
}

// deliver hands a complete request to the connect responder or the handler.
func (e *Endpoint) deliver(req *Request) {
	if req.Kind == KindConnect {
		e.serveConnect(req)
		return
	}
	h := e.Handler()
	if h == nil {
		if req.Payload != nil {
			req.Payload.Release()
		}
		_ = req.ReplyResult(protocol.ResultNoNetService)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			req.Conn.log.Error().Interface("panic", r).Uint64("kind", uint64(req.Kind)).Msg("session.Endpoint request handler panicked")
			if !req.Replied() {
				_ = req.ReplyResult(protocol.ResultUnknownError)
			}
		}
	}()
	h.HandleRequest(req)
}
