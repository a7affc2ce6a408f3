package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/satsafe/escrowd/internal/apperr"
	"github.com/satsafe/escrowd/internal/auth"
	"github.com/satsafe/escrowd/internal/escrow"
	"github.com/satsafe/escrowd/internal/metrics"
	"github.com/satsafe/escrowd/internal/ratelimit"
	"github.com/satsafe/escrowd/internal/wallet"
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Browsers cannot set headers on the upgrade request, so /ws also
	// accepts ?token=.
	s.router.GET("/ws", auth.Middleware(s.verifier), s.websocketHandler)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(s.cfg.RateLimitRPM/6, 1),
	})

	v1 := s.router.Group("/v1", auth.Middleware(s.verifier), auth.RequireAuth(), s.rateLimiter.Middleware())
	v1.GET("/whoami", auth.WhoAmI(s.authorizer))
	escrow.NewHandler(s.escrowService).RegisterRoutes(v1)
	wallet.NewHandler(s.walletService).RegisterRoutes(v1)
	v1.GET("/escrows/:id/risk", s.riskHistoryHandler)

	admin := v1.Group("/admin", s.requireCapability(auth.CapAdmin))
	admin.GET("/reconciliation", s.reconciliationReportHandler)
	admin.POST("/reconciliation/run", s.reconciliationRunHandler)
	admin.GET("/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": string(apperr.NotFound), "message": "no route for " + c.Request.Method + " " + c.Request.URL.Path})
	})
}

// requireCapability rejects callers lacking the capability.
func (s *Server) requireCapability(capability string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authorizer.Allowed(c.Request.Context(), auth.GetPrincipal(c), capability) {
			apperr.Respond(c, escrow.ErrUnauthorized)
			c.Abort()
			return
		}
		c.Next()
	}
}
