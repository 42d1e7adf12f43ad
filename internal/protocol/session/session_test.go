package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/danmuck/genelink/internal/agreement"
	"github.com/danmuck/genelink/internal/gene"
	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/frame"
	"github.com/danmuck/genelink/internal/testutil/testlog"
	"github.com/danmuck/genelink/internal/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	kindEcho     = protocol.KindFor("test.Echo", "test.Echo")
	kindUpload   = protocol.KindFor("test.Upload", "test.Digest")
	kindDownload = protocol.KindFor("test.Size", "test.Bytes")
	kindHang     = protocol.KindFor("test.Hang", "test.Never")
	kindPanic    = protocol.KindFor("test.Panic", "test.Never")
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetransmitTimeout = 20 * time.Millisecond
	cfg.AckDelay = 2 * time.Millisecond
	cfg.TickInterval = 2 * time.Millisecond
	cfg.TransmissionTimeout = 2 * time.Second
	cfg.KnockAttempts = 2
	cfg.Backoff = BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 2, MaxDelay: 100 * time.Millisecond}
	return cfg
}

type harness struct {
	net      *transport.Network
	server   *Endpoint
	client   *Endpoint
	accepted chan *Connection
	hung     chan *Request
}

// newHarness starts a server running the test handler and a bare client on
// one memory network.
func newHarness(t *testing.T, imp transport.Impairment) *harness {
	t.Helper()
	h := &harness{
		net:      transport.NewNetwork(1400),
		accepted: make(chan *Connection, 4),
		hung:     make(chan *Request, 4),
	}
	h.net.Impair(imp)
	h.server = h.endpoint(t, "server", Options{
		Config:   testConfig(),
		Handler:  HandlerFunc(h.handle),
		OnAccept: func(c *Connection) { h.accepted <- c },
	})
	h.client = h.endpoint(t, "client", Options{Config: testConfig()})
	return h
}

func (h *harness) endpoint(t *testing.T, name string, opts Options) *Endpoint {
	t.Helper()
	conn, err := h.net.Listen(name)
	require.NoError(t, err)
	ep, err := NewEndpoint(conn, opts)
	require.NoError(t, err)
	ep.Start()
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

func (h *harness) dial(t *testing.T) *Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := h.client.Dial(ctx, h.server.LocalAddr())
	require.NoError(t, err)
	return c
}

func (h *harness) handle(req *Request) {
	switch req.Kind {
	case kindEcho:
		defer req.Payload.Release()
		_ = req.Reply(kindEcho, req.Payload.Bytes())
	case kindUpload:
		go func() {
			prefix, err := req.Stream.ReadPrefix()
			if err != nil {
				_ = req.ReplyResult(protocol.ResultDeserializationFailed)
				return
			}
			body, err := io.ReadAll(req.Stream)
			if err != nil {
				_ = req.ReplyResult(protocol.ResultFromError(err))
				return
			}
			sum := sha256.Sum256(append(prefix, body...))
			_ = req.Reply(kindUpload, sum[:])
		}()
	case kindDownload:
		n := int(bytes.Count(req.Payload.Bytes(), []byte{'x'})) * 1000
		req.Payload.Release()
		s, err := req.ReplyStream(kindDownload, int64(n))
		if err != nil {
			return
		}
		go func() {
			_, _ = s.Write(pattern(n))
			_ = s.Close()
		}()
	case kindHang:
		req.Payload.Release()
		h.hung <- req
	case kindPanic:
		req.Payload.Release()
		panic("handler exploded")
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func TestKnockWaitGrowsToCeiling(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Second}
	require.Equal(t, 250*time.Millisecond, cfg.KnockWait(1, nil))
	require.Equal(t, 500*time.Millisecond, cfg.KnockWait(2, nil))
	require.Equal(t, time.Second, cfg.KnockWait(3, nil))
	require.Equal(t, 5*time.Second, cfg.KnockWait(6, nil))
	require.Equal(t, 5*time.Second, cfg.KnockWait(400, nil))

	flat := BackoffConfig{InitialDelay: 40 * time.Millisecond, Multiplier: 0.5}
	require.Equal(t, 40*time.Millisecond, flat.KnockWait(5, nil))
	require.Zero(t, BackoffConfig{}.KnockWait(3, nil))
}

func TestKnockWaitJitterStaysBelowCeiling(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Second, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 64; i++ {
		got := cfg.KnockWait(2, rng)
		require.GreaterOrEqual(t, got, 250*time.Millisecond)
		require.Less(t, got, 500*time.Millisecond)
	}
	// Without a source the wait is the undisturbed ceiling.
	require.Equal(t, 500*time.Millisecond, cfg.KnockWait(2, nil))
}

func TestKnockTableLifecycle(t *testing.T) {
	testlog.Start(t)
	tbl := newKnockTable()
	now := time.Unix(1700000000, 0)
	require.True(t, tbl.Upsert(PendingKnock{Nonce: 9, Remote: "b", QueuedAt: now}))
	require.True(t, tbl.Upsert(PendingKnock{Nonce: 3, Remote: "a", QueuedAt: now}))

	item, ok := tbl.MarkAttempt(9, now.Add(time.Second))
	require.True(t, ok)
	require.Equal(t, 1, item.Attempts)
	require.Equal(t, now.Add(time.Second), item.LastAttemptAt)

	list := tbl.List()
	require.Len(t, list, 2)
	require.Equal(t, uint32(3), list[0].Nonce)

	tbl.Remove(9)
	_, ok = tbl.Get(9)
	require.False(t, ok)
	_, ok = tbl.MarkAttempt(9, now)
	require.False(t, ok)
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	require.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.MaxPacketLength = 100
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	cfg = DefaultConfig()
	cfg.RetransmitTimeout = cfg.TransmissionTimeout
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	filled := Config{}.WithDefaults()
	require.Equal(t, DefaultConfig().SendWindow, filled.SendWindow)
	require.Equal(t, DefaultConfig().Backoff, filled.Backoff)
}

func TestDialDerivesSharedBinding(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	c := h.dial(t)

	var s *Connection
	select {
	case s = <-h.accepted:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "server never accepted")
	}
	require.True(t, c.Established())
	require.True(t, s.Established())
	require.Equal(t, c.ID(), s.ID())
	require.True(t, c.Initiator())
	require.False(t, s.Initiator())
	require.NotEqual(t, [32]byte{}, [32]byte(c.Binding()))
	require.Equal(t, c.Binding(), s.Binding())
	require.Equal(t, h.server.PublicKey(), c.RemotePublicKey())
	require.Equal(t, h.client.PublicKey(), s.RemotePublicKey())
	require.Equal(t, testConfig().MaxFrameLength(), c.MaxFrameLength())
	require.Equal(t, c.Agreement(), s.Agreement())
	require.Len(t, h.server.Connections(), 1)
}

func TestDialAgreementIsFieldwiseMinimum(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	limit := agreement.Agreement{
		MaxBlockSize:                   1 << 20,
		MaxStreamLength:                1 << 40,
		StreamBufferSize:               64 << 10,
		MinimumConnectionRetentionMics: 5_000_000,
	}
	small := h.endpoint(t, "small", Options{Config: testConfig(), Limit: limit})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := small.Dial(ctx, h.server.LocalAddr())
	require.NoError(t, err)

	got := c.Agreement()
	require.Equal(t, uint64(1<<20), got.MaxBlockSize)
	require.Equal(t, agreement.Default().MaxStreamLength, got.MaxStreamLength)
	require.Equal(t, uint64(64<<10), got.StreamBufferSize)
	require.Zero(t, got.MinimumConnectionRetentionMics)
}

func TestBlockEcho(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	c := h.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, n := range []int{0, 1, 1358, 1359, 5000, 250_000} {
		payload := pattern(n)
		resp, err := c.Request(ctx, kindEcho, payload)
		require.NoError(t, err, "size %d", n)
		require.Equal(t, kindEcho, resp.Kind)
		require.True(t, bytes.Equal(payload, resp.Payload.Bytes()), "size %d", n)
		resp.Release()
	}
	require.Eventually(t, func() bool {
		return h.client.Pool().Outstanding() == 0 && h.server.Pool().Outstanding() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBlockSurvivesLossAndReordering(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{
		Drop:     func(seq uint64, _, _ net.Addr, _ []byte) bool { return seq%7 == 3 },
		MaxDelay: 3 * time.Millisecond,
		Seed:     42,
	})
	c := h.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := pattern(400_000)
	resp, err := c.Request(ctx, kindEcho, payload)
	require.NoError(t, err)
	defer resp.Release()
	require.True(t, bytes.Equal(payload, resp.Payload.Bytes()))
}

func TestBlockOverAgreementRejectedBeforeSending(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	c := h.dial(t)
	limit := c.Agreement().MaxBlockSize
	_, err := c.Request(context.Background(), kindEcho, make([]byte, limit+1))
	require.ErrorIs(t, err, protocol.ErrBlockTooLarge)
}

func TestStreamRequestWithPrefix(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	c := h.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prefix := []byte("catalog/item.bin")
	body := pattern(300_000)
	s, err := c.OpenSendStream(ctx, kindUpload, prefix, int64(len(body)))
	require.NoError(t, err)
	for off := 0; off < len(body); off += 7000 {
		_, err := s.Write(body[off:min(off+7000, len(body))])
		require.NoError(t, err)
	}
	_, err = s.Write([]byte{1})
	require.ErrorIs(t, err, protocol.ErrStreamTooLong)

	resp, err := s.CloseAndReceive(ctx)
	require.NoError(t, err)
	defer resp.Release()
	want := sha256.Sum256(append(append([]byte(nil), prefix...), body...))
	require.Equal(t, want[:], resp.Payload.Bytes())
}

func TestStreamResponse(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{
		Drop: func(seq uint64, _, _ net.Addr, _ []byte) bool { return seq%11 == 5 },
	})
	c := h.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rs, err := c.RequestStream(ctx, kindDownload, bytes.Repeat([]byte{'x'}, 120))
	require.NoError(t, err)
	require.Equal(t, kindDownload, rs.Kind())
	got, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.True(t, bytes.Equal(pattern(120_000), got))
}

func TestNoHandlerRepliesNoNetService(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	h.server.SetHandler(nil)
	c := h.dial(t)
	_, err := c.Request(context.Background(), kindEcho, []byte("hi"))
	require.ErrorIs(t, err, protocol.ErrNoNetService)
}

func TestHandlerPanicRepliesUnknownError(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	c := h.dial(t)
	_, err := c.Request(context.Background(), kindPanic, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "UnknownError")

	resp, err := c.Request(context.Background(), kindEcho, []byte("still alive"))
	require.NoError(t, err)
	resp.Release()
}

func TestCancelReachesHandler(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	c := h.dial(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, kindHang, []byte("wait"))
		errc <- err
	}()

	var req *Request
	select {
	case req = <-h.hung:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "handler never saw the request")
	}
	cancel()
	require.ErrorIs(t, <-errc, protocol.ErrCanceled)
	select {
	case <-req.Context().Done():
	case <-time.After(2 * time.Second):
		require.FailNow(t, "handler context not canceled")
	}
	require.ErrorIs(t, req.ReplyResult(protocol.ResultSuccess), protocol.ErrCanceled)
}

func TestRequestTimeout(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	c := h.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, kindHang, nil)
	require.ErrorIs(t, err, protocol.ErrTimeout)
}

func TestPeerCloseFailsPendingCalls(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	c := h.dial(t)
	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), kindHang, nil)
		errc <- err
	}()
	req := <-h.hung
	require.NoError(t, req.Conn.Close())

	require.ErrorIs(t, <-errc, protocol.ErrClosed)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		require.FailNow(t, "client connection still open")
	}
	require.ErrorIs(t, c.Err(), protocol.ErrClosed)
	require.Eventually(t, func() bool { return len(h.client.Connections()) == 0 }, time.Second, 5*time.Millisecond)

	_, err := c.Request(context.Background(), kindEcho, nil)
	require.ErrorIs(t, err, protocol.ErrClosed)
}

func TestRequestBeforeEstablishIsRefused(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	c := newConnection(h.client, 77, h.server.LocalAddr(), true, time.Now())
	_, err := c.Request(context.Background(), kindEcho, nil)
	require.ErrorIs(t, err, ErrNotEstablished)
}

func TestKnock(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.client.Knock(ctx, h.server.LocalAddr())
	require.NoError(t, err)
	require.Equal(t, testConfig().MaxFrameLength(), res.MaxFrameLength)
	require.Positive(t, res.RTT)
	require.Empty(t, h.client.PendingKnocks())
	require.Empty(t, h.server.Connections())
}

func TestKnockUnanswered(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	_, err := h.client.Knock(context.Background(), transport.MemoryAddr("nobody"))
	require.ErrorIs(t, err, ErrKnockTimeout)
}

func TestKnockAnswersAreRateLimited(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	addr := transport.MemoryAddr("flood")
	allowed := 0
	for range 50 {
		if h.server.knockLimiter(addr).Allow() {
			allowed++
		}
	}
	require.LessOrEqual(t, allowed, testConfig().KnockBurst+1)
	require.True(t, h.server.knockLimiter(transport.MemoryAddr("other")).Allow())
}

func TestUnknownConnectionNeedsConnectRequest(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	h.client.write(h.server.LocalAddr(), frame.AppendClose(h.client.packet(12345, frame.CloseFrameSize)))
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, h.server.Connections())
}

func TestInboundBudgetBoundsBareFirstGenes(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	c := h.dial(t)
	var s *Connection
	select {
	case s = <-h.accepted:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "server never accepted")
	}

	cfg := testConfig()
	length := int64(s.Agreement().MaxBlockSize)
	capacity, err := gene.CapacityFor(c.MaxFrameLength())
	require.NoError(t, err)
	for i := range 200 {
		b := h.client.packet(c.ID(), frame.FirstGeneFrameSize+capacity.First)
		b = frame.AppendFirstGene(b, frame.FirstGeneFrame{
			Mode:           frame.ModeBlock,
			TransmissionID: uint32(10_000 + i),
			TotalGenes:     capacity.Count(int(length)),
			MaxLength:      length,
			DataKind:       uint64(kindEcho),
		})
		h.client.write(h.server.LocalAddr(), append(b, make([]byte, capacity.First)...))
	}

	admitted := int(cfg.MaxInboundBytes / length)
	require.Eventually(t, func() bool {
		return s.Snapshot().Inbound == admitted
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, admitted, s.Snapshot().Inbound)
	require.LessOrEqual(t, h.server.Pool().Outstanding(), int64(admitted))
	s.mu.Lock()
	reserved := s.reserved
	s.mu.Unlock()
	require.LessOrEqual(t, reserved, cfg.MaxInboundBytes)

	// refused senders still get an answer, and the connection keeps working
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Request(ctx, kindEcho, pattern(64))
	require.ErrorIs(t, err, protocol.ErrRefused)
}

func TestInboundBudgetReleasedOnCompletion(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, transport.Impairment{})
	c := h.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for range 3 * testConfig().MaxInbound {
		resp, err := c.Request(ctx, kindEcho, pattern(2000))
		require.NoError(t, err)
		resp.Release()
	}
	for _, s := range h.server.Connections() {
		s.mu.Lock()
		reserved := s.reserved
		s.mu.Unlock()
		require.Zero(t, reserved)
	}
}
