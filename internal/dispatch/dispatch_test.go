package dispatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/genelink/internal/gene"
	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/session"
	"github.com/danmuck/genelink/internal/protocol/tlv"
	"github.com/danmuck/genelink/internal/testutil/linktest"
	"github.com/danmuck/genelink/internal/testutil/testlog"
	"github.com/danmuck/genelink/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type number struct {
	Value int64
}

func (n *number) MarshalBinary() ([]byte, error) {
	return tlv.EncodeFields([]tlv.Field{tlv.I64(1, n.Value)}), nil
}

func (n *number) UnmarshalBinary(b []byte) error {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return err
	}
	f, err := fields.Require(1)
	if err != nil {
		return err
	}
	n.Value, err = f.AsI64()
	return err
}

type digest struct {
	Size int64
	Sum  []byte
}

func (d *digest) MarshalBinary() ([]byte, error) {
	return tlv.EncodeFields([]tlv.Field{tlv.I64(1, d.Size), tlv.Bytes(2, d.Sum)}), nil
}

func (d *digest) UnmarshalBinary(b []byte) error {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return err
	}
	size, err := fields.Require(1)
	if err != nil {
		return err
	}
	if d.Size, err = size.AsI64(); err != nil {
		return err
	}
	sum, err := fields.Require(2)
	if err != nil {
		return err
	}
	d.Sum, err = sum.AsBytes()
	return err
}

var (
	double   = NewMethod[number, number]("test.Double")
	counted  = NewMethod[number, digest]("test.Count")
	hash     = NewMethod[digest, digest]("test.Hash")
	download = NewMethod[digest, number]("test.Download")
)

func doubler(ctx context.Context, call *Call, req *number) (protocol.Result, *number) {
	return protocol.ResultSuccess, &number{Value: req.Value * 2}
}

type server struct {
	reg   *Registry
	d     *Dispatcher
	pool  *gene.Pool
	calls atomic.Int64
	link  *linktest.Link
}

// newServer starts a dispatcher-backed server after setup registered its
// responders, and dials it.
func newServer(t *testing.T, setup func(s *server), opts linktest.Options) *server {
	t.Helper()
	s := &server{reg: NewRegistry(), pool: gene.NewPool()}
	s.d = NewDispatcher(s.reg, 4)
	setup(s)
	// Runs after the endpoints close, which ends every handler context.
	t.Cleanup(s.d.Wait)
	opts.Server.Handler = s.d
	opts.Server.Pool = s.pool
	s.link = linktest.Start(t, opts)
	return s
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type incrementConfig struct {
	By int64
}

type multiplyConfig struct {
	Factor int64
}

// rewrite decodes the serialized number, applies fn, and re-encodes it
// before the next stage sees it.
func rewrite(fn func(int64) int64) Filter {
	return FilterFunc(func(ctx context.Context, call *Call, next Stage) Outcome {
		var n number
		if err := n.UnmarshalBinary(call.Payload); err != nil {
			return Result(protocol.ResultDeserializationFailed)
		}
		n.Value = fn(n.Value)
		call.Payload, _ = n.MarshalBinary()
		return next(ctx, call)
	})
}

func incrementFilter(cfg incrementConfig) (Filter, error) {
	return rewrite(func(v int64) int64 { return v + cfg.By }), nil
}

func multiplyFilter(cfg multiplyConfig) (Filter, error) {
	if cfg.Factor == 0 {
		return nil, errors.New("factor must be non-zero")
	}
	return rewrite(func(v int64) int64 { return v * cfg.Factor }), nil
}

func TestRegisterFirstWins(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	require.NoError(t, r.Register(Sync(double, doubler)))
	err := r.Register(Sync(double, doubler))
	require.ErrorIs(t, err, ErrResponderExists)
	require.NoError(t, r.Register(Sync(counted, func(ctx context.Context, call *Call, req *number) (protocol.Result, *digest) {
		return protocol.ResultSuccess, nil
	})))

	got, ok := r.Lookup(double.Kind)
	require.True(t, ok)
	assert.Equal(t, "test.Double", got.Info().Name)

	kinds := r.Kinds()
	require.Len(t, kinds, 2)
	assert.True(t, kinds[0] < kinds[1])

	list := r.Describe()
	require.Len(t, list, 2)
	assert.Equal(t, "test.Count", list[0].Name)
	assert.Equal(t, "test.Double", list[1].Name)
	assert.Equal(t, "github.com/danmuck/genelink/internal/dispatch.number", list[1].Request)
}

func TestRegisterRejectsBadFilterConfig(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	require.NoError(t, r.RegisterFilter(NewFilterFactory("multiply", multiplyFilter)))
	require.ErrorIs(t, r.RegisterFilter(NewFilterFactory("multiply", multiplyFilter)), ErrFilterExists)

	cases := []FilterSpec{
		{Name: "missing", Config: multiplyConfig{Factor: 1}},
		{Name: "multiply", Config: "3"},
		{Name: "multiply", Config: incrementConfig{By: 3}},
		{Name: "multiply", Config: multiplyConfig{}},
		{Name: "multiply", Config: (*multiplyConfig)(nil)},
		{Name: FilterMaxPayload, Config: MaxPayloadConfig{}},
		{Name: FilterAllowKeys, Config: AllowKeysConfig{Keys: []string{"zz"}}},
	}
	for _, spec := range cases {
		err := r.Register(Sync(double, doubler), spec)
		require.ErrorIs(t, err, ErrFilterConfig, "spec %+v", spec)
	}
	_, ok := r.Lookup(double.Kind)
	require.False(t, ok)

	require.NoError(t, r.Register(Sync(double, doubler), FilterSpec{Name: "multiply", Config: &multiplyConfig{Factor: 2}}))
}

func TestUnknownKindRepliesNoNetService(t *testing.T) {
	testlog.Start(t)
	s := newServer(t, func(s *server) {}, linktest.Options{})

	_, err := double.Invoke(ctxT(t), s.link.Conn, &number{Value: 1})
	require.ErrorIs(t, err, protocol.ErrNoNetService)
	require.Zero(t, s.pool.Outstanding())
}

func TestBadPayloadReleasedOnce(t *testing.T) {
	testlog.Start(t)
	s := newServer(t, func(s *server) {
		require.NoError(t, s.reg.Register(Sync(double, func(ctx context.Context, call *Call, req *number) (protocol.Result, *number) {
			s.calls.Add(1)
			return protocol.ResultSuccess, req
		})))
	}, linktest.Options{})

	before := s.pool.Released()
	_, err := s.link.Conn.Request(ctxT(t), double.Kind, []byte("not a tlv body"))
	require.ErrorIs(t, err, protocol.ErrDeserialization)
	require.Zero(t, s.calls.Load())
	require.Equal(t, before+1, s.pool.Released())
	require.Zero(t, s.pool.Outstanding())
}

func TestSyncRoundTrip(t *testing.T) {
	testlog.Start(t)
	s := newServer(t, func(s *server) {
		require.NoError(t, s.reg.Register(Sync(double, doubler)))
	}, linktest.Options{})

	got, err := double.Invoke(ctxT(t), s.link.Conn, &number{Value: 21})
	require.NoError(t, err)
	require.Equal(t, int64(42), got.Value)
}

func TestFilterPipelineRunsInRegisteredOrder(t *testing.T) {
	testlog.Start(t)
	seen := make(chan int64, 1)
	s := newServer(t, func(s *server) {
		require.NoError(t, s.reg.RegisterFilter(NewFilterFactory("increment", incrementFilter)))
		require.NoError(t, s.reg.RegisterFilter(NewFilterFactory("multiply", multiplyFilter)))
		require.NoError(t, s.reg.Register(
			Sync(double, func(ctx context.Context, call *Call, req *number) (protocol.Result, *number) {
				seen <- req.Value
				return protocol.ResultSuccess, req
			}),
			FilterSpec{Name: "increment", Config: incrementConfig{By: 1}},
			FilterSpec{Name: "multiply", Config: multiplyConfig{Factor: 3}},
		))
	}, linktest.Options{})

	got, err := double.Invoke(ctxT(t), s.link.Conn, &number{Value: 5})
	require.NoError(t, err)
	require.Equal(t, int64(18), <-seen)
	require.Equal(t, int64(18), got.Value)
	require.Equal(t, []string{"increment", "multiply"}, s.reg.Describe()[0].Filters)
}

func TestFilterShortCircuitSkipsResponder(t *testing.T) {
	testlog.Start(t)
	s := newServer(t, func(s *server) {
		require.NoError(t, s.reg.Register(
			Sync(double, func(ctx context.Context, call *Call, req *number) (protocol.Result, *number) {
				s.calls.Add(1)
				return protocol.ResultSuccess, req
			}),
			FilterSpec{Name: FilterMaxPayload, Config: MaxPayloadConfig{MaxBytes: 4}},
		))
	}, linktest.Options{})

	_, err := double.Invoke(ctxT(t), s.link.Conn, &number{Value: 5})
	require.ErrorIs(t, err, protocol.ErrBlockTooLarge)
	require.Zero(t, s.calls.Load())
	require.Zero(t, s.pool.Outstanding())
}

func TestAllowKeysFilter(t *testing.T) {
	testlog.Start(t)
	client, err := token.GenerateSigner()
	require.NoError(t, err)
	other, err := token.GenerateSigner()
	require.NoError(t, err)
	triple := NewMethod[number, digest]("test.Triple")

	s := newServer(t, func(s *server) {
		require.NoError(t, s.reg.Register(Sync(double, doubler),
			FilterSpec{Name: FilterAllowKeys, Config: AllowKeysConfig{Keys: []string{client.PublicKey().String()}}}))
		require.NoError(t, s.reg.Register(Sync(triple, func(ctx context.Context, call *Call, req *number) (protocol.Result, *digest) {
			return protocol.ResultSuccess, &digest{Size: req.Value * 3}
		}), FilterSpec{Name: FilterAllowKeys, Config: AllowKeysConfig{Keys: []string{other.PublicKey().String()}}}))
	}, linktest.Options{Client: session.Options{Signer: client}})

	got, err := double.Invoke(ctxT(t), s.link.Conn, &number{Value: 2})
	require.NoError(t, err)
	require.Equal(t, int64(4), got.Value)
	_, err = triple.Invoke(ctxT(t), s.link.Conn, &number{Value: 2})
	require.ErrorIs(t, err, protocol.ErrNotAuthenticated)
}

func TestRateLimitFilter(t *testing.T) {
	testlog.Start(t)
	s := newServer(t, func(s *server) {
		require.NoError(t, s.reg.Register(Sync(double, doubler),
			FilterSpec{Name: FilterRateLimit, Config: RateLimitConfig{PerSecond: 0.001, Burst: 2}}))
	}, linktest.Options{})

	for i := 0; i < 2; i++ {
		_, err := double.Invoke(ctxT(t), s.link.Conn, &number{Value: 1})
		require.NoError(t, err)
	}
	_, err := double.Invoke(ctxT(t), s.link.Conn, &number{Value: 1})
	require.ErrorIs(t, err, protocol.ErrRefused)
}

func TestHandlerPanicRepliesUnknownError(t *testing.T) {
	testlog.Start(t)
	s := newServer(t, func(s *server) {
		require.NoError(t, s.reg.Register(Sync(double, func(ctx context.Context, call *Call, req *number) (protocol.Result, *number) {
			panic("boom")
		})))
	}, linktest.Options{})

	_, err := double.Invoke(ctxT(t), s.link.Conn, &number{Value: 1})
	require.ErrorContains(t, err, "UnknownError")
}

func TestAsyncResponderLeavesReceivePathFree(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	slow := NewMethod[digest, number]("test.Slow")
	s := newServer(t, func(s *server) {
		require.NoError(t, s.reg.Register(Async(slow, func(ctx context.Context, call *Call, req *digest) (protocol.Result, *number) {
			close(entered)
			select {
			case <-release:
			case <-ctx.Done():
				return protocol.ResultCanceled, nil
			}
			return protocol.ResultSuccess, &number{Value: req.Size}
		})))
		require.NoError(t, s.reg.Register(Sync(double, doubler)))
	}, linktest.Options{})

	type result struct {
		n   *number
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := slow.Invoke(ctxT(t), s.link.Conn, &digest{Size: 7})
		done <- result{n, err}
	}()
	<-entered

	got, err := double.Invoke(ctxT(t), s.link.Conn, &number{Value: 3})
	require.NoError(t, err)
	require.Equal(t, int64(6), got.Value)

	close(release)
	r := <-done
	require.NoError(t, r.err)
	require.Equal(t, int64(7), r.n.Value)
}

func TestReceiveStreamResponder(t *testing.T) {
	testlog.Start(t)
	s := newServer(t, func(s *server) {
		require.NoError(t, s.reg.Register(ReceiveStream(hash, func(ctx context.Context, call *Call, req *digest, body *session.ReceiveStream) (protocol.Result, *digest) {
			h := sha256.New()
			n, err := io.Copy(h, body)
			if err != nil {
				return protocol.ResultFromError(err), nil
			}
			if n != req.Size {
				return protocol.ResultInvalidOperation, nil
			}
			return protocol.ResultSuccess, &digest{Size: n, Sum: h.Sum(nil)}
		})))
	}, linktest.Options{})

	data := make([]byte, 300_000)
	rand.New(rand.NewSource(3)).Read(data)
	ctx := ctxT(t)
	up, err := hash.Upload(ctx, s.link.Conn, &digest{Size: int64(len(data))}, int64(len(data)))
	require.NoError(t, err)
	_, err = up.Write(data)
	require.NoError(t, err)
	got, err := hash.Finish(ctx, up)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	require.Equal(t, int64(len(data)), got.Size)
	require.Equal(t, sum[:], got.Sum)
}

func TestSendStreamResponder(t *testing.T) {
	testlog.Start(t)
	s := newServer(t, func(s *server) {
		require.NoError(t, s.reg.Register(SendStream(download, func(ctx context.Context, call *Call, req *digest) (protocol.Result, *number) {
			if req.Size < 0 {
				return protocol.ResultInvalidOperation, nil
			}
			out, err := call.ReplyStream(req.Size)
			if err != nil {
				return protocol.ResultFromError(err), nil
			}
			words := req.Size / 8
			buf := make([]byte, 0, req.Size)
			for i := int64(0); i < words; i++ {
				buf = binary.LittleEndian.AppendUint64(buf, uint64(i))
			}
			if _, err := out.Write(buf); err != nil {
				return protocol.ResultFromError(err), nil
			}
			return protocol.ResultSuccess, &number{Value: words}
		})))
	}, linktest.Options{})

	ctx := ctxT(t)
	_, err := download.Open(ctx, s.link.Conn, &digest{Size: -1})
	require.ErrorIs(t, err, protocol.ErrInvalidOperation)

	body, err := download.Open(ctx, s.link.Conn, &digest{Size: 80_000})
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Len(t, got, 80_000)
	for i := 0; i < len(got)/8; i += 997 {
		require.Equal(t, uint64(i), binary.LittleEndian.Uint64(got[i*8:]))
	}
	total, err := download.Trailer(body)
	require.NoError(t, err)
	require.Equal(t, int64(10_000), total.Value)
}

func TestSendStreamFailureReachesReader(t *testing.T) {
	testlog.Start(t)
	s := newServer(t, func(s *server) {
		require.NoError(t, s.reg.Register(SendStream(download, func(ctx context.Context, call *Call, req *digest) (protocol.Result, *number) {
			out, err := call.ReplyStream(req.Size)
			if err != nil {
				return protocol.ResultFromError(err), nil
			}
			if _, err := out.Write(make([]byte, req.Size/2)); err != nil {
				return protocol.ResultFromError(err), nil
			}
			return protocol.ResultNotFound, nil
		})))
	}, linktest.Options{})

	body, err := download.Open(ctxT(t), s.link.Conn, &digest{Size: 40_000})
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.ErrorIs(t, err, protocol.ErrNotFound)
	require.Len(t, got, 20_000)
	_, err = download.Trailer(body)
	require.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestModeMismatchIsInvalidOperation(t *testing.T) {
	testlog.Start(t)
	s := newServer(t, func(s *server) {
		require.NoError(t, s.reg.Register(Sync(double, doubler)))
	}, linktest.Options{})

	ctx := ctxT(t)
	up, err := double.Upload(ctx, s.link.Conn, &number{Value: 1}, 16)
	require.NoError(t, err)
	_, err = up.Write(bytes.Repeat([]byte{1}, 16))
	if err != nil {
		require.True(t, errors.Is(err, session.ErrResponded) || errors.Is(err, session.ErrStreamClosed), "write: %v", err)
	}
	_, err = double.Finish(ctx, up)
	require.ErrorIs(t, err, protocol.ErrInvalidOperation)
}
