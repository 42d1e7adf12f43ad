// Package server is the node's admin HTTP surface: health, metrics, and
// read-only views of connections, relay exchanges and responders.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/genelink/internal/auth"
	"github.com/danmuck/genelink/internal/dispatch"
	"github.com/danmuck/genelink/internal/logging"
	"github.com/danmuck/genelink/internal/observability"
	"github.com/danmuck/genelink/internal/protocol/session"
	"github.com/danmuck/genelink/internal/relay"
	"github.com/danmuck/genelink/internal/token"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const Version = "0.1.0"

type Connections interface {
	Connections() []*session.Connection
}

type Relays interface {
	List() []relay.Snapshot
}

type Responders interface {
	Describe() []dispatch.Description
}

type Options struct {
	Node      string
	Addr      string
	PublicKey token.PublicKey
	// Auth guards every route but /health. Nil leaves them open.
	Auth        auth.Validator
	CORSOrigins []string

	Connections Connections
	Relays      Relays
	Responders  Responders
}

type Admin struct {
	opts     Options
	router   *gin.Engine
	appeared time.Time
	log      zerolog.Logger
}

func New(opts Options) *Admin {
	observability.RegisterMetrics()
	log := logging.Component("server.admin").With().Str("node", opts.Node).Logger()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminRequestLogger(log))
	r.Use(observability.AdminMetrics(opts.Node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{opts: opts, router: r, appeared: time.Now(), log: log}
	a.registerRoutes()
	return a
}

func (a *Admin) Router() *gin.Engine {
	return a.router
}

// Serve listens on the configured address until ctx ends, then shuts down
// gracefully.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.opts.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.log.Info().Str("addr", a.opts.Addr).Msg("server.Admin.Serve listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errc
	a.log.Info().Msg("server.Admin.Serve stopped")
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
