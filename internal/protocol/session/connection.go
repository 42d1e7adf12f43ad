package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/genelink/internal/agreement"
	"github.com/danmuck/genelink/internal/gene"
	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/frame"
	"github.com/danmuck/genelink/internal/token"
	lru "github.com/hashicorp/golang-lru"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/rs/zerolog"
)

type connState int

const (
	stateHandshaking connState = iota
	stateEstablished
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateEstablished:
		return "established"
	default:
		return "closed"
	}
}

// handshakeMaxBlock bounds connect messages before an agreement exists.
const handshakeMaxBlock = 16 << 10

// Connection is one negotiated peer relationship on an Endpoint, identified
// by its ConnectionID and pinned to one remote address.
type Connection struct {
	ep        *Endpoint
	id        uint64
	remote    net.Addr
	initiator bool
	created   time.Time
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu        sync.Mutex
	state     connState
	frameLen  int
	cap       gene.Capacity
	nextID    uint32
	outbound  map[txKey]*outbound
	inbound   map[txKey]*inbound
	// reserved is the reassembly memory claimed by inbound.
	reserved  int64
	calls     map[uint32]*call
	handlers  map[uint32]*Request
	completed *lru.Cache
	acks      map[txKey]struct{}
	ackAt     time.Time
	lastSeen  time.Time
	closeErr  error
	onClose   []func(error)

	agreement *agreement.Holder
	binding   token.Binding
	peerKey   token.PublicKey

	// drained by unlock
	outq  [][]byte
	after []func()
}

func newConnection(ep *Endpoint, id uint64, remote net.Addr, initiator bool, now time.Time) *Connection {
	completed, _ := lru.New(ep.cfg.CompletedMemory)
	ctx, cancel := context.WithCancelCause(ep.ctx)
	c := &Connection{
		ep:        ep,
		id:        id,
		remote:    remote,
		initiator: initiator,
		created:   now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     stateHandshaking,
		outbound:  make(map[txKey]*outbound),
		inbound:   make(map[txKey]*inbound),
		calls:     make(map[uint32]*call),
		handlers:  make(map[uint32]*Request),
		completed: completed,
		acks:      make(map[txKey]struct{}),
		lastSeen:  now,
	}
	c.log = ep.log.With().Uint64("conn", id).Str("remote", remote.String()).Logger()
	c.setFrameLengthLocked(handshakeFrameLength)
	return c
}

func (c *Connection) ID() uint64 {
	return c.id
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.remote
}

// Initiator reports whether this side dialed the connection.
func (c *Connection) Initiator() bool {
	return c.initiator
}

func (c *Connection) Endpoint() *Endpoint {
	return c.ep
}

// Context is canceled with the close cause when the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err is the close cause, nil while open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// RemotePublicKey is the signing key the peer proved during connect.
func (c *Connection) RemotePublicKey() token.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerKey
}

// Binding is the channel binding both sides derived during connect. Tokens
// presented on this connection must be signed over it.
func (c *Connection) Binding() token.Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding
}

func (c *Connection) Agreement() agreement.Agreement {
	if h := c.holder(); h != nil {
		return h.Load()
	}
	return agreement.Agreement{}
}

// AgreementLimit is the ceiling this side will accept proposals up to.
func (c *Connection) AgreementLimit() agreement.Agreement {
	if h := c.holder(); h != nil {
		return h.Limit()
	}
	return c.ep.limit
}

// ProposeAgreement replaces the active agreement iff candidate is inclusive
// of this side's limit.
func (c *Connection) ProposeAgreement(candidate agreement.Agreement) protocol.Result {
	h := c.holder()
	if h == nil {
		return protocol.ResultInvalidOperation
	}
	res := h.Propose(candidate)
	c.log.Info().Str("result", res.String()).Uint64("max_block", candidate.MaxBlockSize).Msg("session.Connection agreement proposal")
	return res
}

// ApplyRetention raises the connection's minimum retention, bounded by the limit.
func (c *Connection) ApplyRetention(mics uint64) agreement.Agreement {
	h := c.holder()
	if h == nil {
		return agreement.Agreement{}
	}
	return h.ApplyRetention(mics)
}

func (c *Connection) holder() *agreement.Holder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agreement
}

// GeneCapacity is the gene payload room at the negotiated frame length.
func (c *Connection) GeneCapacity() gene.Capacity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cap
}

// MaxFrameLength is the negotiated frame length.
func (c *Connection) MaxFrameLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameLen
}

func (c *Connection) Established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateEstablished
}

// OnClose registers fn to run once after the connection closes. It runs
// immediately if the connection is already closed.
func (c *Connection) OnClose(fn func(error)) {
	c.mu.Lock()
	if c.state == stateClosed {
		err := c.closeErr
		c.mu.Unlock()
		fn(err)
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Close tells the peer and fails everything pending with protocol.ErrClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closeLocked(protocol.ErrClosed, true)
	c.unlock()
	return nil
}

// Snapshot is a point-in-time view for admin surfaces.
type Snapshot struct {
	ID             uint64              `json:"id"`
	Remote         string              `json:"remote"`
	State          string              `json:"state"`
	Initiator      bool                `json:"initiator"`
	PeerKey        string              `json:"peer_key"`
	MaxFrameLength int                 `json:"max_frame_length"`
	Agreement      agreement.Agreement `json:"agreement"`
	Outbound       int                 `json:"outbound"`
	Inbound        int                 `json:"inbound"`
	Calls          int                 `json:"calls"`
	LastSeen       time.Time           `json:"last_seen"`
}

func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		ID:             c.id,
		Remote:         c.remote.String(),
		State:          c.state.String(),
		Initiator:      c.initiator,
		MaxFrameLength: c.frameLen,
		Outbound:       len(c.outbound),
		Inbound:        len(c.inbound),
		Calls:          len(c.calls),
		LastSeen:       c.lastSeen,
	}
	if !c.peerKey.IsZero() {
		s.PeerKey = c.peerKey.String()
	}
	if c.agreement != nil {
		s.Agreement = c.agreement.Load()
	}
	return s
}

// unlock releases mu, then sends queued datagrams and runs deferred work.
func (c *Connection) unlock() {
	q, after := c.outq, c.after
	c.outq, c.after = nil, nil
	c.mu.Unlock()
	for _, b := range q {
		c.ep.write(c.remote, b)
	}
	for _, fn := range after {
		fn()
	}
}

// packet starts a pooled datagram holding the packet header.
func (c *Connection) packet(frameSize int) []byte {
	b := pool.Get(frame.PacketHeaderSize + frameSize)[:0]
	return frame.AppendPacketHeader(b, frame.NewPacketHeader(c.id))
}

func (c *Connection) setFrameLengthLocked(n int) {
	capacity, err := gene.CapacityFor(n)
	if err != nil {
		// callers validate frame lengths against the handshake floor first
		panic(err)
	}
	c.frameLen = n
	c.cap = capacity
}

func (c *Connection) establishLocked(peer token.PublicKey, binding token.Binding, negotiated agreement.Agreement, frameLen int) {
	c.peerKey = peer
	c.binding = binding
	c.agreement = agreement.NewHolder(negotiated, c.ep.limit)
	c.setFrameLengthLocked(frameLen)
	c.state = stateEstablished
	c.log.Info().
		Str("peer_key", peer.String()).
		Int("max_frame_length", frameLen).
		Uint64("max_block", negotiated.MaxBlockSize).
		Msg("session.Connection established")
}

func (c *Connection) maxBlockSize() int64 {
	if c.agreement == nil {
		return handshakeMaxBlock
	}
	return int64(min(c.agreement.Load().MaxBlockSize, 1<<62))
}

func (c *Connection) maxStreamLength() int64 {
	if c.agreement == nil {
		return 0
	}
	return int64(min(c.agreement.Load().MaxStreamLength, 1<<62))
}

func (c *Connection) streamBufferLimit() int {
	if c.agreement == nil {
		return c.cap.Following
	}
	return int(min(c.agreement.Load().StreamBufferSize, 1<<31))
}

func (c *Connection) idleLimit() time.Duration {
	limit := c.ep.cfg.IdleTimeout
	if c.agreement != nil {
		retention := time.Duration(c.agreement.Load().MinimumConnectionRetentionMics) * time.Microsecond
		limit = max(limit, retention)
	}
	return limit
}

func (c *Connection) allocIDLocked() uint32 {
	for {
		c.nextID++
		id := c.nextID
		if id == 0 {
			continue
		}
		if _, busy := c.calls[id]; busy {
			continue
		}
		if _, busy := c.outbound[txKey{id: id}]; busy {
			continue
		}
		return id
	}
}

// tick drives retransmission, delayed acks and every timeout.
func (c *Connection) tick(now time.Time) {
	c.mu.Lock()
	defer c.unlock()
	if c.state == stateClosed {
		return
	}
	cfg := c.ep.cfg
	for _, o := range c.outbound {
		if o.window.InFlight() > 0 && now.Sub(o.progress) > cfg.TransmissionTimeout {
			c.log.Debug().Uint32("transmission", o.key.id).Bool("response", o.key.response).Msg("session.Connection transmission timed out")
			c.finishOutboundLocked(o, fmt.Errorf("%w: transmission %d", protocol.ErrTimeout, o.key.id))
			continue
		}
		c.pumpLocked(o, now)
	}
	for _, in := range c.inbound {
		if now.Sub(in.progress) > cfg.TransmissionTimeout {
			c.log.Debug().Uint32("transmission", in.key.id).Bool("response", in.key.response).Msg("session.Connection inbound transmission abandoned")
			c.discardInboundLocked(in, fmt.Errorf("%w: inbound transmission %d", protocol.ErrTimeout, in.key.id))
		}
	}
	if !c.ackAt.IsZero() && !now.Before(c.ackAt) {
		c.flushAcksLocked()
	}
	switch c.state {
	case stateHandshaking:
		if !c.initiator && now.Sub(c.created) > 2*cfg.ConnectTimeout {
			c.closeLocked(fmt.Errorf("%w: no connect request", ErrHandshake), false)
		}
	case stateEstablished:
		quiet := len(c.calls) == 0 && len(c.outbound) == 0 && len(c.inbound) == 0 && len(c.handlers) == 0
		if quiet && now.Sub(c.lastSeen) > c.idleLimit() {
			c.closeLocked(ErrIdle, true)
		}
	}
}

func (c *Connection) closeLocked(err error, notifyPeer bool) {
	if c.state == stateClosed {
		return
	}
	if notifyPeer {
		b := c.packet(frame.CloseFrameSize)
		c.outq = append(c.outq, frame.AppendClose(b))
	}
	c.state = stateClosed
	c.closeErr = err
	for id, cl := range c.calls {
		delete(c.calls, id)
		cl.complete(Response{}, err)
	}
	for _, o := range c.outbound {
		c.finishOutboundLocked(o, err)
	}
	for _, in := range c.inbound {
		c.discardInboundLocked(in, err)
	}
	for id, req := range c.handlers {
		delete(c.handlers, id)
		req.cancel()
	}
	clear(c.acks)
	c.ackAt = time.Time{}
	c.cancel(err)
	close(c.done)
	hooks := c.onClose
	c.onClose = nil
	c.log.Info().Err(err).Msg("session.Connection closed")
	c.after = append(c.after, func() {
		c.ep.forget(c)
		for _, fn := range hooks {
			fn(err)
		}
	})
}

// Request sends payload as a block request and waits for the response. A
// non-success result is returned as its sentinel error with the response.
func (c *Connection) Request(ctx context.Context, kind protocol.DataKind, payload []byte) (Response, error) {
	return c.request(ctx, kind, payload, false)
}

// RequestStream sends a block request whose response is a stream.
func (c *Connection) RequestStream(ctx context.Context, kind protocol.DataKind, payload []byte) (*ReceiveStream, error) {
	resp, err := c.Request(ctx, kind, payload)
	if err != nil {
		return nil, err
	}
	if resp.Stream == nil {
		resp.Release()
		return nil, fmt.Errorf("%w: block response to stream request", protocol.ErrUnexpectedPayload)
	}
	return resp.Stream, nil
}

func (c *Connection) request(ctx context.Context, kind protocol.DataKind, payload []byte, handshake bool) (Response, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	c.mu.Lock()
	cl, err := c.beginCallLocked(handshake)
	if err == nil {
		var o *outbound
		o, err = c.startBlockLocked(txKey{id: cl.id}, kind, protocol.ResultSuccess, payload, time.Now())
		if err != nil {
			delete(c.calls, cl.id)
		} else {
			o.onFinish = c.failCallOnError(cl)
		}
	}
	c.unlock()
	if err != nil {
		return Response{}, err
	}
	return c.await(ctx, cl)
}

// OpenSendStream starts a stream request. The stream begins with prefix,
// framed by a little-endian u32 length; maxLength bounds what follows it.
// The typed result is collected with CloseAndReceive.
func (c *Connection) OpenSendStream(ctx context.Context, kind protocol.DataKind, prefix []byte, maxLength int64) (*SendStream, error) {
	total := maxLength + 4 + int64(len(prefix))
	c.mu.Lock()
	if limit := c.maxStreamLength(); maxLength < 0 || total > limit {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d bytes over %d", protocol.ErrStreamTooLong, total, c.maxStreamLength())
	}
	cl, err := c.beginCallLocked(false)
	if err != nil {
		c.unlock()
		return nil, err
	}
	o := c.startStreamLocked(txKey{id: cl.id}, kind, total, time.Now())
	o.onFinish = c.failCallOnError(cl)
	c.unlock()

	s := newSendStream(c, o, ctx, cl)
	hdr := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(prefix)), uint32(len(prefix)))
	if _, err := s.Write(append(hdr, prefix...)); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Connection) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && c.ep.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, c.ep.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Connection) beginCallLocked(handshake bool) (*call, error) {
	switch {
	case c.state == stateClosed:
		return nil, protocol.ErrClosed
	case c.state == stateHandshaking && !handshake:
		return nil, ErrNotEstablished
	}
	cl := newCall(c.allocIDLocked())
	c.calls[cl.id] = cl
	return cl, nil
}

// failCallOnError fails cl when its request transmission fails.
func (c *Connection) failCallOnError(cl *call) func(error) {
	return func(err error) {
		if err == nil || c.calls[cl.id] != cl {
			return
		}
		delete(c.calls, cl.id)
		cl.complete(Response{}, err)
	}
}

func (c *Connection) await(ctx context.Context, cl *call) (Response, error) {
	select {
	case <-cl.done:
	case <-ctx.Done():
		err := contextError(ctx)
		c.mu.Lock()
		if c.calls[cl.id] == cl {
			delete(c.calls, cl.id)
			c.abandonCallLocked(cl.id)
			cl.complete(Response{}, err)
		}
		c.unlock()
		<-cl.done
	}
	resp, err := cl.resp, cl.err
	if err == nil && !resp.Result.IsSuccess() {
		resp.Release()
		resp.Payload = nil
		err = resp.Result.Err()
	}
	return resp, err
}

// abandonCallLocked stops both halves of call id and tells the responder.
func (c *Connection) abandonCallLocked(id uint32) {
	if o := c.outbound[txKey{id: id}]; o != nil {
		c.finishOutboundLocked(o, protocol.ErrCanceled)
	}
	if in := c.inbound[txKey{id: id, response: true}]; in != nil {
		c.discardInboundLocked(in, protocol.ErrCanceled)
	}
	c.queueCancelLocked(id, false)
}
