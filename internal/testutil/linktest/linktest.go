// Package linktest connects two session endpoints over an in-memory network
// for tests of the layers above the session.
package linktest

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/genelink/internal/protocol/session"
	"github.com/danmuck/genelink/internal/transport"
)

// Config is a session config with timers short enough for tests.
func Config() session.Config {
	cfg := session.DefaultConfig()
	cfg.RetransmitTimeout = 20 * time.Millisecond
	cfg.AckDelay = 2 * time.Millisecond
	cfg.TickInterval = 2 * time.Millisecond
	cfg.TransmissionTimeout = 5 * time.Second
	cfg.RequestTimeout = 20 * time.Second
	return cfg
}

type Options struct {
	Server     session.Options
	Client     session.Options
	Impairment transport.Impairment
}

// Link is a dialed client connection and both endpoints behind it.
type Link struct {
	Network *transport.Network
	Server  *session.Endpoint
	Client  *session.Endpoint
	Conn    *session.Connection
}

// Start builds the endpoints, dials the server, and closes everything on
// test cleanup.
func Start(t *testing.T, opts Options) *Link {
	t.Helper()
	l := &Link{Network: transport.NewNetwork(1400)}
	l.Network.Impair(opts.Impairment)
	if opts.Server.Config == (session.Config{}) {
		opts.Server.Config = Config()
	}
	if opts.Client.Config == (session.Config{}) {
		opts.Client.Config = Config()
	}
	l.Server = l.endpoint(t, "server", opts.Server)
	l.Client = l.endpoint(t, "client", opts.Client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := l.Client.Dial(ctx, l.Server.LocalAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	l.Conn = conn
	return l
}

func (l *Link) endpoint(t *testing.T, name string, opts session.Options) *session.Endpoint {
	t.Helper()
	conn, err := l.Network.Listen(name)
	if err != nil {
		t.Fatalf("listen %s: %v", name, err)
	}
	ep, err := session.NewEndpoint(conn, opts)
	if err != nil {
		t.Fatalf("endpoint %s: %v", name, err)
	}
	ep.Start()
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

// ServerConn waits for the server side of the dialed connection.
func (l *Link) ServerConn(t *testing.T) *session.Connection {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c, ok := l.Server.Lookup(l.Conn.ID()); ok && c.Established() {
			return c
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("server never established connection %d", l.Conn.ID())
	return nil
}
