package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/satsafe/escrowd/internal/logging"
)

// ContextKeyPrincipal is the gin context key holding the authenticated caller.
const ContextKeyPrincipal = "authPrincipal"

// Middleware extracts and validates the bearer token from the request.
// Sets authPrincipal in context if valid; anonymous requests pass through.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw != "" {
			if principal, err := v.Verify(raw); err == nil {
				c.Set(ContextKeyPrincipal, principal)
				ctx := logging.WithPrincipal(c.Request.Context(), principal)
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// WhoAmI reports the caller and its capabilities.
func WhoAmI(a *StaticAuthorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := GetPrincipal(c)
		caps := a.Capabilities(principal)
		if caps == nil {
			caps = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"principal": principal, "capabilities": caps})
	}
}

// GetPrincipal returns the authenticated caller, or "".
func GetPrincipal(c *gin.Context) string {
	return c.GetString(ContextKeyPrincipal)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	return GetPrincipal(c) != ""
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
