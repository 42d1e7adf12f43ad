package relay

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/danmuck/genelink/internal/dispatch"
	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/session"
	"github.com/danmuck/genelink/internal/token"
)

var (
	AssignRelay = dispatch.NewMethod[AssignRelayRequest, AssignRelayResponse]("relay.Assign")
	Setup       = dispatch.NewMethod[SetupRelay, Ack]("relay.Setup")
)

func (m *Manager) Name() string {
	return "relay"
}

func (m *Manager) Responders() []dispatch.Responder {
	return []dispatch.Responder{
		dispatch.Sync(AssignRelay, m.assign),
		dispatch.Sync(Setup, m.setup),
	}
}

func (m *Manager) assign(_ context.Context, call *dispatch.Call, req *AssignRelayRequest) (protocol.Result, *AssignRelayResponse) {
	ex, err := m.Assign(call.Conn, req.Token)
	if err != nil {
		m.log.Info().Err(err).Uint64("conn", call.Conn.ID()).Msg("relay.Manager.assign refused")
		return protocol.ResultFromError(err), nil
	}
	snap := ex.Snapshot()
	return protocol.ResultSuccess, &AssignRelayResponse{
		Result:          protocol.ResultSuccess,
		InnerRelayID:    snap.InnerID,
		OuterRelayID:    snap.OuterID,
		RelayPoint:      snap.Points,
		RetentionMics:   uint64(ex.Retention.Microseconds()),
		RelayNetAddress: m.cfg.NetAddress,
	}
}

func (m *Manager) setup(_ context.Context, call *dispatch.Call, req *SetupRelay) (protocol.Result, *Ack) {
	if err := m.Setup(call.Conn, req); err != nil {
		m.log.Info().Err(err).Uint64("conn", call.Conn.ID()).Uint32("inner", req.InnerRelayID).Msg("relay.Manager.setup refused")
		return protocol.ResultFromError(err), nil
	}
	return protocol.ResultSuccess, nil
}

// Client is the requesting side of one relay exchange.
type Client struct {
	Assignment AssignRelayResponse
	// Inner seals traffic toward the relay with the certificate's key.
	Inner *Hop
}

// Retention is how long the relay keeps the exchange.
func (c *Client) Retention() time.Duration {
	return time.Duration(c.Assignment.RetentionMics) * time.Microsecond
}

// Request asks the peer on conn to assign an exchange under cert, which an
// authority minted for conn's binding.
func Request(ctx context.Context, conn *session.Connection, cert Certificate) (*Client, error) {
	if cert.Target == nil {
		return nil, token.ErrUnboundPayload
	}
	inner, err := NewHop(cert.Target.KeyAndNonce, false)
	if err != nil {
		return nil, err
	}
	resp, err := AssignRelay.Invoke(ctx, conn, &AssignRelayRequest{Token: cert})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, protocol.ErrUnexpectedPayload
	}
	return &Client{Assignment: *resp, Inner: inner}, nil
}

// SetupOuter attaches the outer hop at endpoint and returns the client's
// end of it.
func (c *Client) SetupOuter(ctx context.Context, conn *session.Connection, endpoint string) (*Hop, error) {
	req := &SetupRelay{InnerRelayID: c.Assignment.InnerRelayID, OuterEndpoint: endpoint}
	if _, err := rand.Read(req.OuterKeyAndNonce[:]); err != nil {
		return nil, err
	}
	outer, err := NewHop(req.OuterKeyAndNonce, false)
	if err != nil {
		return nil, err
	}
	if _, err := Setup.Invoke(ctx, conn, req); err != nil {
		return nil, err
	}
	return outer, nil
}

// Mint signs a relay certificate for a connection's binding.
func Mint(authority *token.Signer, binding token.Binding, allowOpen, allowUnknown bool) (Certificate, error) {
	block, err := NewAssignRelayBlock(allowOpen, allowUnknown)
	if err != nil {
		return Certificate{}, err
	}
	return token.NewCertificateToken(authority, binding, block)
}
