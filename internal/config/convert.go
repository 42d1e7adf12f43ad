package config

import (
	"fmt"

	"github.com/danmuck/genelink/internal/auth"
	"github.com/danmuck/genelink/internal/dataserver"
	"github.com/danmuck/genelink/internal/protocol/session"
	"github.com/danmuck/genelink/internal/relay"
	"github.com/danmuck/genelink/internal/token"
	"github.com/danmuck/genelink/internal/transport"
)

// SessionConfig converts the [session] table, keeping engine defaults for
// anything left at zero.
func (c NodeConfig) SessionConfig() session.Config {
	out := session.DefaultConfig()
	out.MaxPacketLength = c.MaxPacketLength
	if v := c.Session.ConnectTimeout.Duration; v > 0 {
		out.ConnectTimeout = v
	}
	if v := c.Session.RequestTimeout.Duration; v > 0 {
		out.RequestTimeout = v
	}
	if v := c.Session.TransmissionTimeout.Duration; v > 0 {
		out.TransmissionTimeout = v
	}
	if v := c.Session.RetransmitTimeout.Duration; v > 0 {
		out.RetransmitTimeout = v
	}
	if v := c.Session.IdleTimeout.Duration; v > 0 {
		out.IdleTimeout = v
	}
	if c.Session.SendWindow > 0 {
		out.SendWindow = c.Session.SendWindow
	}
	if c.Session.MaxConnections > 0 {
		out.MaxConnections = c.Session.MaxConnections
	}
	if c.Session.MaxInbound > 0 {
		out.MaxInbound = c.Session.MaxInbound
	}
	if c.Session.MaxInboundBytes > 0 {
		out.MaxInboundBytes = c.Session.MaxInboundBytes
	}
	return out
}

func (c NodeConfig) TLSConfig() transport.TLSConfig {
	return transport.TLSConfig{
		Mode:               transport.SecurityMode(c.TLS.Mode),
		CertFile:           c.TLS.CertFile,
		KeyFile:            c.TLS.KeyFile,
		CAFile:             c.TLS.CAFile,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
}

func (c NodeConfig) UDPOptions() transport.UDPOptions {
	return transport.UDPOptions{
		MaxPacketLength: c.MaxPacketLength,
		ReadBuffer:      c.Session.ReadBuffer,
		WriteBuffer:     c.Session.WriteBuffer,
	}
}

func (c NodeConfig) QUICOptions() transport.QUICOptions {
	return transport.QUICOptions{
		MaxPacketLength: c.MaxPacketLength,
		IdleTimeout:     c.Session.IdleTimeout.Duration,
		TLS:             c.TLSConfig(),
	}
}

// Signer returns the configured identity, or a fresh one when no seed is
// set.
func (c NodeConfig) Signer() (*token.Signer, error) {
	if c.SignerSeed == "" {
		return token.GenerateSigner()
	}
	s, err := token.ParseSigner(c.SignerSeed)
	if err != nil {
		return nil, fmt.Errorf("%w: signer_seed: %w", ErrInvalid, err)
	}
	return s, nil
}

func (c NodeConfig) RelayConfig() (relay.Config, error) {
	authority, err := token.ParsePublicKey(c.Relay.Authority)
	if err != nil {
		return relay.Config{}, fmt.Errorf("%w: relay.authority: %w", ErrInvalid, err)
	}
	return relay.Config{
		MaxExchanges:  c.Relay.MaxExchanges,
		DefaultPoints: c.Relay.DefaultPoints,
		Retention:     c.Relay.Retention.Duration,
		NetAddress:    c.Relay.NetAddress,
		Authority:     authority,
		MaxTokenAge:   c.Relay.MaxTokenAge.Duration,
		SweepInterval: c.Relay.SweepInterval.Duration,
	}, nil
}

func (c NodeConfig) DataConfig() dataserver.Config {
	return dataserver.Config{
		Root:      c.Data.Root,
		MaxLength: c.Data.MaxLength,
	}
}

// AdminValidator accepts the shared token and admin tokens signed by any
// listed key. It is nil when neither is configured.
func (c NodeConfig) AdminValidator() (auth.Validator, error) {
	var vs auth.Any
	if c.Admin.Token != "" {
		vs = append(vs, auth.StaticToken{Token: c.Admin.Token})
	}
	if len(c.Admin.Keys) > 0 {
		keys := make([]token.PublicKey, 0, len(c.Admin.Keys))
		for _, k := range c.Admin.Keys {
			pk, err := token.ParsePublicKey(k)
			if err != nil {
				return nil, fmt.Errorf("%w: admin.keys %q: %w", ErrInvalid, k, err)
			}
			keys = append(keys, pk)
		}
		vs = append(vs, auth.SignedToken{Keys: keys, MaxAge: c.Admin.MaxTokenAge.Duration})
	}
	if len(vs) == 0 {
		return nil, nil
	}
	return vs, nil
}
