package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/genelink/internal/testutil/testlog"
	"github.com/danmuck/genelink/internal/testutil/tlstest"
	"github.com/stretchr/testify/require"
)

func readWithin(t *testing.T, c PacketConn, d time.Duration) ([]byte, net.Addr) {
	t.Helper()
	type result struct {
		b    []byte
		addr net.Addr
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, 2048)
		n, addr, err := c.ReadFrom(buf)
		ch <- result{buf[:n], addr, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.b, r.addr
	case <-time.After(d):
		require.FailNowf(t, "no datagram", "nothing arrived within %s", d)
		return nil, nil
	}
}

func TestMemoryNetworkDeliversAndDrops(t *testing.T) {
	testlog.Start(t)
	n := NewNetwork(64)
	a, err := n.Listen("a")
	require.NoError(t, err)
	b, err := n.Listen("b")
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	_, err = a.WriteTo([]byte("hello"), MemoryAddr("b"))
	require.NoError(t, err)
	got, from := readWithin(t, b, time.Second)
	require.Equal(t, "hello", string(got))
	require.Equal(t, "a", from.String())

	_, err = a.WriteTo(make([]byte, 65), MemoryAddr("b"))
	require.ErrorIs(t, err, ErrTooLarge)

	n.Impair(Impairment{Drop: func(seq uint64, _, _ net.Addr, _ []byte) bool { return seq%2 == 0 }})
	_, _ = a.WriteTo([]byte("dropped"), MemoryAddr("b"))
	_, _ = a.WriteTo([]byte("kept"), MemoryAddr("b"))
	got, _ = readWithin(t, b, time.Second)
	require.Equal(t, "kept", string(got))

	_, err = n.Listen("a")
	require.Error(t, err)
	_, err = n.Resolve("nobody")
	require.ErrorIs(t, err, ErrUnknownRemote)
}

func TestMemoryConnCloseUnblocksRead(t *testing.T) {
	testlog.Start(t)
	n := NewNetwork(64)
	a, err := n.Listen("")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, _, err := a.ReadFrom(make([]byte, 8))
		done <- err
	}()
	require.NoError(t, a.Close())
	select {
	case err := <-done:
		require.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		require.FailNow(t, "read did not unblock")
	}
}

func TestUDPLoopback(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	opts := UDPOptions{MaxPacketLength: 1400, ReadBuffer: 1 << 20, WriteBuffer: 1 << 20}
	a, err := ListenUDP(ctx, "127.0.0.1:0", opts)
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenUDP(ctx, "127.0.0.1:0", opts)
	require.NoError(t, err)
	defer b.Close()

	_, err = a.WriteTo([]byte("ping"), b.LocalAddr())
	require.NoError(t, err)
	got, from := readWithin(t, b, 2*time.Second)
	require.Equal(t, "ping", string(got))
	require.Equal(t, a.LocalAddr().String(), from.String())
}

func TestTLSConfigValidation(t *testing.T) {
	testlog.Start(t)
	require.NoError(t, TLSConfig{}.Validate())
	require.ErrorIs(t, TLSConfig{Mode: "weird"}.Validate(), ErrInvalidSecurityMode)
	require.ErrorIs(t, TLSConfig{Mode: SecurityModeProduction}.Validate(), ErrTLSCertFileRequired)
	require.ErrorIs(t, TLSConfig{Mode: SecurityModeProduction, InsecureSkipVerify: true}.Validate(), ErrTLSInsecureSkipNotAllow)
	require.ErrorIs(t, TLSConfig{Mode: SecurityModeProduction, CertFile: "c", KeyFile: "k"}.Validate(), ErrTLSCAFileRequired)
}

func TestQUICDatagramsWithIssuedCerts(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "genelink-test-ca")
	files := ca.IssueNodeCert(t, dir, "node", nil, []net.IP{net.ParseIP("127.0.0.1")})
	cfg := TLSConfig{
		Mode:     SecurityModeProduction,
		CertFile: files.CertFile,
		KeyFile:  files.KeyFile,
		CAFile:   files.CAFile,
	}

	ctx := context.Background()
	a, err := ListenQUIC(ctx, "127.0.0.1:0", QUICOptions{TLS: cfg})
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenQUIC(ctx, "127.0.0.1:0", QUICOptions{TLS: cfg})
	require.NoError(t, err)
	defer b.Close()

	_, err = a.WriteTo([]byte("over-quic"), b.LocalAddr())
	require.NoError(t, err)
	got, from := readWithin(t, b, 5*time.Second)
	require.Equal(t, "over-quic", string(got))

	_, err = b.WriteTo([]byte("reply"), from)
	require.NoError(t, err)
	got, _ = readWithin(t, a, 5*time.Second)
	require.Equal(t, "reply", string(got))
}

func TestListenByKind(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	_, err := Listen(ctx, Kind("smoke"), "x", Options{})
	require.ErrorIs(t, err, ErrUnknownKind)
	_, err = Listen(ctx, KindMemory, "x", Options{})
	require.ErrorIs(t, err, ErrUnknownKind)

	network := NewNetwork(1400)
	a, err := Listen(ctx, KindMemory, "a", Options{Network: network})
	require.NoError(t, err)
	defer a.Close()
	remote, err := a.(Resolver).Resolve("a")
	require.NoError(t, err)
	require.Equal(t, MemoryAddr("a"), remote)
	_, err = a.(Resolver).Resolve("nobody")
	require.ErrorIs(t, err, ErrUnknownRemote)

	u, err := Listen(ctx, KindUDP, "127.0.0.1:0", Options{UDP: UDPOptions{MaxPacketLength: 1200}})
	require.NoError(t, err)
	require.Equal(t, 1200, u.MaxPacketLength())
	require.NoError(t, u.Close())
}
