package observability

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// unmatchedRoute labels requests that hit no registered admin route, so
// scanners cannot grow the metric label set one path at a time.
const unmatchedRoute = "unmatched"

func adminRoute(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return unmatchedRoute
}

// AdminRequestLogger logs each admin API call. Health polls drop to debug
// and rejected credentials surface as warnings.
func AdminRequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := adminRoute(c)

		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = logger.Error()
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			event = logger.Warn().Bool("rejected", true)
		case status >= http.StatusBadRequest:
			event = logger.Warn()
		case route == "/health":
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		if len(c.Errors) > 0 {
			event = event.Str("error", c.Errors.Last().Error())
		}
		if route == unmatchedRoute {
			event = event.Str("path", c.Request.URL.Path)
		}

		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("remote", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("observability.Admin request")
	}
}

// AdminMetrics records admin call counts and latency per node and route.
func AdminMetrics(node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(node, c.Request.Method, adminRoute(c), c.Writer.Status(), time.Since(start))
	}
}
