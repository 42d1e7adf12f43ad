// Package node assembles a runnable genelink node from its configuration:
// carrier, endpoint, dispatcher, services and the optional relay manager,
// data server and admin surface.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/genelink/internal/config"
	"github.com/danmuck/genelink/internal/dataserver"
	"github.com/danmuck/genelink/internal/dispatch"
	"github.com/danmuck/genelink/internal/logging"
	"github.com/danmuck/genelink/internal/protocol/session"
	"github.com/danmuck/genelink/internal/relay"
	"github.com/danmuck/genelink/internal/server"
	"github.com/danmuck/genelink/internal/services"
	"github.com/danmuck/genelink/internal/token"
	"github.com/danmuck/genelink/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func DefaultConfig() config.NodeConfig {
	return config.Default()
}

type Options struct {
	Config config.NodeConfig
	// Network is required by the memory transport.
	Network *transport.Network
	// Signer overrides the configured identity.
	Signer *token.Signer
}

type Node struct {
	cfg        config.NodeConfig
	signer     *token.Signer
	carrier    transport.PacketConn
	endpoint   *session.Endpoint
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	services   *services.ServiceRegistry
	relays     *relay.Manager
	data       *dataserver.Server
	admin      *server.Admin
	log        zerolog.Logger
}

func New(ctx context.Context, opts Options) (*Node, error) {
	cfg := opts.Config
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:      cfg,
		signer:   opts.Signer,
		services: services.NewServiceRegistry(),
		registry: dispatch.NewRegistry(),
		log:      logging.Component("node").With().Str("node", cfg.Name).Str("role", cfg.Role).Logger(),
	}
	if n.signer == nil {
		s, err := cfg.Signer()
		if err != nil {
			return nil, err
		}
		n.signer = s
	}
	if err := n.build(ctx, opts.Network); err != nil {
		n.release()
		return nil, err
	}
	n.log.Info().
		Str("transport", cfg.Transport).
		Str("addr", n.carrier.LocalAddr().String()).
		Str("public_key", n.signer.PublicKey().String()).
		Bool("relay", n.relays != nil).
		Bool("data", n.data != nil).
		Bool("admin", n.admin != nil).
		Msg("node.New ready")
	return n, nil
}

func (n *Node) build(ctx context.Context, network *transport.Network) error {
	cfg := n.cfg
	filters, err := cfg.FilterSpecs()
	if err != nil {
		return err
	}

	if err := n.services.Register(services.Diagnostics{}); err != nil {
		return err
	}
	if err := n.services.Register(services.NewAgreements(cfg.Agreements.MaxTokenAge.Duration)); err != nil {
		return err
	}
	if cfg.Relay.Enabled {
		rc, err := cfg.RelayConfig()
		if err != nil {
			return err
		}
		n.relays = relay.NewManager(rc)
		if err := n.services.Register(n.relays); err != nil {
			return err
		}
	}
	if cfg.Data.Enabled {
		data, err := dataserver.Open(cfg.DataConfig())
		if err != nil {
			return fmt.Errorf("node: data server: %w", err)
		}
		n.data = data
		if err := n.services.Register(data); err != nil {
			return err
		}
	}
	if err := n.services.Install(n.registry, filters); err != nil {
		return err
	}
	n.dispatcher = dispatch.NewDispatcher(n.registry, cfg.Dispatch.Workers)

	carrier, err := transport.Listen(ctx, transport.Kind(cfg.Transport), cfg.Listen, transport.Options{
		UDP:     cfg.UDPOptions(),
		QUIC:    cfg.QUICOptions(),
		Network: network,
	})
	if err != nil {
		return fmt.Errorf("node: listen %s %s: %w", cfg.Transport, cfg.Listen, err)
	}
	n.carrier = carrier

	ep, err := session.NewEndpoint(carrier, session.Options{
		Config:  cfg.SessionConfig(),
		Signer:  n.signer,
		Handler: n.dispatcher,
		Limit:   cfg.Limit(),
	})
	if err != nil {
		return err
	}
	n.endpoint = ep

	if cfg.Admin.Listen != "" {
		validator, err := cfg.AdminValidator()
		if err != nil {
			return err
		}
		if validator == nil {
			n.log.Warn().Str("addr", cfg.Admin.Listen).Msg("node admin surface has no credentials configured")
		}
		opts := server.Options{
			Node:        cfg.Name,
			Addr:        cfg.Admin.Listen,
			PublicKey:   n.signer.PublicKey(),
			Auth:        validator,
			CORSOrigins: cfg.Admin.CORSOrigins,
			Connections: ep,
			Responders:  n.registry,
		}
		if n.relays != nil {
			opts.Relays = n.relays
		}
		n.admin = server.New(opts)
	}
	return nil
}

// release frees what build acquired when it fails part way.
func (n *Node) release() {
	if n.endpoint != nil {
		_ = n.endpoint.Close()
	} else if n.carrier != nil {
		_ = n.carrier.Close()
	}
	if n.data != nil {
		_ = n.data.Close()
	}
}

// Run serves until ctx ends or a component fails, then closes everything.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.endpoint.Run(gctx)
	})
	if n.relays != nil {
		g.Go(func() error {
			return n.relays.Run(gctx)
		})
	}
	if n.admin != nil {
		g.Go(func() error {
			return n.admin.Serve(gctx)
		})
	}
	err := g.Wait()
	n.dispatcher.Wait()
	if n.data != nil {
		if cerr := n.data.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	n.log.Info().Err(err).Msg("node.Run stopped")
	return err
}

func (n *Node) NodeID() string {
	return n.cfg.Name
}

func (n *Node) Kind() string {
	return n.cfg.Role
}

// HTTPRouter is nil when the admin surface is off.
func (n *Node) HTTPRouter() *gin.Engine {
	if n.admin == nil {
		return nil
	}
	return n.admin.Router()
}

func (n *Node) Config() config.NodeConfig {
	return n.cfg
}

func (n *Node) Signer() *token.Signer {
	return n.signer
}

func (n *Node) Endpoint() *session.Endpoint {
	return n.endpoint
}

func (n *Node) Registry() *dispatch.Registry {
	return n.registry
}

func (n *Node) Services() *services.ServiceRegistry {
	return n.services
}

// Relays is nil unless relaying is enabled.
func (n *Node) Relays() *relay.Manager {
	return n.relays
}

// Data is nil unless the data server is enabled.
func (n *Node) Data() *dataserver.Server {
	return n.data
}
