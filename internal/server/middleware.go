package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/satsafe/escrowd/internal/apperr"
	"github.com/satsafe/escrowd/internal/auth"
	"github.com/satsafe/escrowd/internal/idgen"
	"github.com/satsafe/escrowd/internal/logging"
	"github.com/satsafe/escrowd/internal/metrics"
	"github.com/satsafe/escrowd/internal/security"
	"github.com/satsafe/escrowd/internal/traces"
	"github.com/satsafe/escrowd/internal/validation"
)

const requestIDHeader = "X-Request-ID"

// Order matters: request context first so that recovery and the access
// log see the request logger.
func (s *Server) setupMiddleware() {
	s.router.Use(
		s.requestContext(),
		recoverJSON(),
		security.HeadersMiddleware(s.cfg.IsProduction()),
		security.CORSMiddleware(s.cfg.CORSOrigins),
		validation.LimitBody(validation.MaxBodyBytes),
		metrics.Middleware(),
		traces.Middleware(),
		accessLog(),
	)
}

// requestContext attaches a request id and a logger carrying it. An
// upstream id is reused when it looks sane.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 || !validation.IsPrincipal(id) {
			id = idgen.New()
		}
		ctx := logging.WithRequestID(c.Request.Context(), id)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", id))
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func recoverJSON() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic in handler",
			"panic", fmt.Sprint(recovered),
			"route", c.FullPath(),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   string(apperr.InternalError),
			"message": "internal error",
		})
	})
}

// accessLog writes one line per request: 5xx at error, 4xx at warn.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
		}
		if p := auth.GetPrincipal(c); p != "" {
			attrs = append(attrs, slog.String("principal", p))
		}
		if level == slog.LevelError {
			attrs = append(attrs, slog.String("client_ip", c.ClientIP()))
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}
		ctx := c.Request.Context()
		logging.L(ctx).LogAttrs(ctx, level, "request", attrs...)
	}
}
