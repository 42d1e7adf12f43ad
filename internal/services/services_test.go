package services

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/genelink/internal/agreement"
	"github.com/danmuck/genelink/internal/dispatch"
	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/session"
	"github.com/danmuck/genelink/internal/testutil/linktest"
	"github.com/danmuck/genelink/internal/testutil/testlog"
	"github.com/danmuck/genelink/internal/token"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeService struct {
	name string
}

func (f fakeService) Name() string { return f.name }
func (f fakeService) Responders() []dispatch.Responder {
	return Diagnostics{}.Responders()
}

func serve(t *testing.T, opts linktest.Options, svcs ...Service) *linktest.Link {
	t.Helper()
	sr := NewServiceRegistry()
	for _, s := range svcs {
		require.NoError(t, sr.Register(s))
	}
	reg := dispatch.NewRegistry()
	require.NoError(t, sr.Install(reg, nil))
	d := dispatch.NewDispatcher(reg, 0)
	t.Cleanup(d.Wait)
	opts.Server.Handler = d
	return linktest.Start(t, opts)
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestServiceRegistryFirstWins(t *testing.T) {
	testlog.Start(t)
	sr := NewServiceRegistry()
	require.NoError(t, sr.Register(fakeService{name: "b"}))
	require.NoError(t, sr.Register(fakeService{name: "a"}))
	require.ErrorIs(t, sr.Register(fakeService{name: "a"}), ErrServiceExists)
	require.ErrorIs(t, sr.Register(nil), ErrServiceNil)
	require.Equal(t, []string{"a", "b"}, sr.Names())

	_, ok := sr.Get("a")
	require.True(t, ok)

	// Both services expose the same responders, so the second install collides.
	err := sr.Install(dispatch.NewRegistry(), nil)
	require.ErrorIs(t, err, dispatch.ErrResponderExists)
}

func TestInstallAppliesConfiguredFilters(t *testing.T) {
	testlog.Start(t)
	sr := NewServiceRegistry()
	require.NoError(t, sr.Register(Diagnostics{}))
	reg := dispatch.NewRegistry()
	err := sr.Install(reg, map[string][]dispatch.FilterSpec{
		Echo.Name: {{Name: dispatch.FilterMaxPayload, Config: dispatch.MaxPayloadConfig{MaxBytes: 64}}},
	})
	require.NoError(t, err)
	for _, d := range reg.Describe() {
		if d.Name == Echo.Name {
			require.Equal(t, []string{dispatch.FilterMaxPayload}, d.Filters)
		} else {
			require.Empty(t, d.Filters)
		}
	}
}

func TestEchoLargeBlock(t *testing.T) {
	testlog.Start(t)
	link := serve(t, linktest.Options{}, Diagnostics{})

	data := make([]byte, 4_000_000)
	rand.New(rand.NewSource(11)).Read(data)
	sent := &TestBlock{Message: "large block", Number: -42, Data: data}

	got, err := Echo.Invoke(ctxT(t), link.Conn, sent)
	require.NoError(t, err)
	require.True(t, sent.Equal(got))
	require.Equal(t, sent.Digest(), got.Digest())
	require.Equal(t, "large block", got.Message)
	require.Equal(t, int64(-42), got.Number)
}

func TestEchoAsync(t *testing.T) {
	testlog.Start(t)
	link := serve(t, linktest.Options{}, Diagnostics{})

	sent := &TestBlock{Message: "async", Number: 7, Data: []byte{1, 2, 3}}
	got, err := EchoAsync.Invoke(ctxT(t), link.Conn, &AsyncTestBlock{TestBlock: *sent})
	require.NoError(t, err)
	require.True(t, sent.Equal(got))
}

func TestTestBlockRejectsMissingFields(t *testing.T) {
	testlog.Start(t)
	var b TestBlock
	require.Error(t, b.UnmarshalBinary(nil))
}

func agreementLink(t *testing.T) (*linktest.Link, *token.Signer) {
	t.Helper()
	signer, err := token.GenerateSigner()
	require.NoError(t, err)
	link := serve(t, linktest.Options{Client: session.Options{Signer: signer}}, NewAgreements(time.Minute))
	return link, signer
}

func TestAgreementUpdateWithPeerToken(t *testing.T) {
	testlog.Start(t)
	link, signer := agreementLink(t)
	server := link.ServerConn(t)

	candidate := link.Conn.Agreement()
	candidate.MaxBlockSize = 1 << 20
	candidate.StreamBufferSize = 256 << 10

	got, err := ProposeAgreement(ctxT(t), link.Conn, signer, candidate)
	require.NoError(t, err)
	require.Equal(t, candidate, got)
	require.Equal(t, candidate, link.Conn.Agreement())
	require.Equal(t, candidate, server.Agreement())
}

func TestAgreementUpdateWithForeignKeyIsNotAuthenticated(t *testing.T) {
	testlog.Start(t)
	link, _ := agreementLink(t)
	server := link.ServerConn(t)
	before := server.Agreement()

	other, err := token.GenerateSigner()
	require.NoError(t, err)
	candidate := before
	candidate.MaxBlockSize = 1 << 20

	_, err = ProposeAgreement(ctxT(t), link.Conn, other, candidate)
	require.ErrorIs(t, err, protocol.ErrNotAuthenticated)
	require.Equal(t, before, server.Agreement())
	require.Equal(t, before, link.Conn.Agreement())
}

func TestAgreementUpdateWrongBindingIsNotAuthenticated(t *testing.T) {
	testlog.Start(t)
	link, signer := agreementLink(t)
	server := link.ServerConn(t)
	before := server.Agreement()

	var binding token.Binding
	binding[0] = 1
	tok, err := token.NewCertificateToken(signer, binding, &before)
	require.NoError(t, err)
	_, err = AgreementUpdate.Invoke(ctxT(t), link.Conn, &UpdateAgreement{Token: tok})
	require.ErrorIs(t, err, protocol.ErrNotAuthenticated)
	require.Equal(t, before, server.Agreement())
}

func TestAgreementUpdateBeyondLimitIsRefused(t *testing.T) {
	testlog.Start(t)
	link, signer := agreementLink(t)
	server := link.ServerConn(t)
	before := server.Agreement()

	candidate := server.AgreementLimit()
	candidate.MaxBlockSize++

	// Refused locally before sending when it exceeds our own limit too.
	_, err := ProposeAgreement(ctxT(t), link.Conn, signer, candidate)
	require.ErrorIs(t, err, protocol.ErrRefused)

	tok, err := token.NewCertificateToken(signer, link.Conn.Binding(), &candidate)
	require.NoError(t, err)
	_, err = AgreementUpdate.Invoke(ctxT(t), link.Conn, &UpdateAgreement{Token: tok})
	require.ErrorIs(t, err, protocol.ErrRefused)
	require.Equal(t, before, server.Agreement())
}

func TestAgreementUpdateTooSmallBufferIsInvalid(t *testing.T) {
	testlog.Start(t)
	link, signer := agreementLink(t)
	candidate := link.Conn.Agreement()
	candidate.StreamBufferSize = 1

	_, err := ProposeAgreement(ctxT(t), link.Conn, signer, candidate)
	require.ErrorIs(t, err, protocol.ErrInvalidOperation)
	require.NotEqual(t, agreement.Agreement{}, link.Conn.Agreement())
	require.NotEqual(t, uint64(1), link.Conn.Agreement().StreamBufferSize)
}

func TestAgreementUpdateSignatureCoversAgreement(t *testing.T) {
	testlog.Start(t)
	link, signer := agreementLink(t)
	server := link.ServerConn(t)
	before := server.Agreement()

	signed := before
	signed.MaxBlockSize = 1 << 20
	tok, err := token.NewCertificateToken(signer, link.Conn.Binding(), &signed)
	require.NoError(t, err)

	swapped := before
	swapped.MaxBlockSize = 2 << 20
	swapped.StreamBufferSize = 128 << 10
	reused := tok
	reused.Target = &swapped
	_, err = AgreementUpdate.Invoke(ctxT(t), link.Conn, &UpdateAgreement{Token: reused})
	require.ErrorIs(t, err, protocol.ErrNotAuthenticated)
	require.Equal(t, before, server.Agreement())

	got, err := AgreementUpdate.Invoke(ctxT(t), link.Conn, &UpdateAgreement{Token: tok})
	require.NoError(t, err)
	require.Equal(t, signed, *got)
	require.Equal(t, signed, server.Agreement())
}

func TestAgreementUpdateBufferMayEqualGeneCapacity(t *testing.T) {
	testlog.Start(t)
	link, signer := agreementLink(t)
	candidate := link.Conn.Agreement()
	following := link.Conn.GeneCapacity().Following
	require.Less(t, following, link.Conn.MaxFrameLength())
	candidate.StreamBufferSize = uint64(following)

	got, err := ProposeAgreement(ctxT(t), link.Conn, signer, candidate)
	require.NoError(t, err)
	require.Equal(t, uint64(following), got.StreamBufferSize)

	candidate.StreamBufferSize = uint64(following - 1)
	_, err = ProposeAgreement(ctxT(t), link.Conn, signer, candidate)
	require.ErrorIs(t, err, protocol.ErrInvalidOperation)
}
