package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/genelink/internal/auth"
	"github.com/danmuck/genelink/internal/dispatch"
	"github.com/danmuck/genelink/internal/protocol/session"
	"github.com/danmuck/genelink/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"uptime":     time.Since(a.appeared).String(),
			"node":       a.opts.Node,
			"public_key": a.opts.PublicKey.String(),
			"version":    Version,
		})
	})

	guarded := a.router.Group("/", a.requireAuth())
	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": a.connections()})
	})

	guarded.GET("/connections/:id", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "connection id must be an unsigned integer"})
			return
		}
		for _, s := range a.connections() {
			if s.ID == id {
				c.JSON(http.StatusOK, s)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
	})

	guarded.GET("/relays", func(c *gin.Context) {
		list := []relay.Snapshot{}
		if a.opts.Relays != nil {
			list = append(list, a.opts.Relays.List()...)
		}
		c.JSON(http.StatusOK, gin.H{"relays": list})
	})

	guarded.GET("/responders", func(c *gin.Context) {
		list := []dispatch.Description{}
		if a.opts.Responders != nil {
			list = append(list, a.opts.Responders.Describe()...)
		}
		c.JSON(http.StatusOK, gin.H{"responders": list})
	})
}

func (a *Admin) connections() []session.Snapshot {
	out := []session.Snapshot{}
	if a.opts.Connections == nil {
		return out
	}
	for _, conn := range a.opts.Connections.Connections() {
		out = append(out, conn.Snapshot())
	}
	return out
}

func (a *Admin) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.opts.Auth == nil {
			c.Next()
			return
		}
		cred, ok := auth.Bearer(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer credential"})
			return
		}
		if err := a.opts.Auth.Validate(cred); err != nil {
			a.log.Info().Err(err).Str("path", c.Request.URL.Path).Msg("server.Admin rejected credential")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
