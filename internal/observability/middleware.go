package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// UnmatchedRoute labels requests that hit no registered admin route, so raw
// URL paths never become metric labels.
const UnmatchedRoute = "unmatched"

// probeRoutes are polled by orchestrators and scrapers; successful hits stay at trace.
var probeRoutes = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// AdminRequests logs and counts every admin request under its route template.
func AdminRequests(logger zerolog.Logger, server string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = UnmatchedRoute
		}
		status := c.Writer.Status()
		RecordHTTPRequest(server, c.Request.Method, route, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case probeRoutes[route]:
			event = logger.Trace()
		default:
			event = logger.Debug()
		}
		event = event.
			Str("server", server).
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", elapsed)
		if route == UnmatchedRoute {
			event = event.Str("path", c.Request.URL.Path)
		}
		if q := c.Request.URL.RawQuery; q != "" {
			event = event.Str("query", q)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.Msg("admin request")
	}
}
