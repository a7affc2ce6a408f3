// Package security provides security middleware for the escrow API.
package security

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

// HeadersMiddleware sets the response headers every API reply carries.
// Balances and escrow records are per-user, so nothing may be cached by
// intermediaries. hsts should be true only behind TLS.
func HeadersMiddleware(hsts bool) gin.HandlerFunc {
	const csp = "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", csp)
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		h.Set("Cache-Control", "no-store")
		if hsts {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		c.Next()
	}
}

// CORSMiddleware handles CORS for API endpoints. An empty origin list
// allows every origin without credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowCredentials := len(allowedOrigins) > 0
	for _, o := range allowedOrigins {
		if o == "*" {
			allowCredentials = false
		}
	}

	h := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	})

	return func(c *gin.Context) {
		h.HandlerFunc(c.Writer, c.Request)

		// Preflight is fully answered by the cors handler.
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.Abort()
			return
		}

		c.Next()
	}
}
