package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/satsafe/escrowd/internal/apperr"
	"github.com/satsafe/escrowd/internal/auth"
	"github.com/satsafe/escrowd/internal/escrow"
	"github.com/satsafe/escrowd/internal/health"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string          `json:"status"`
	Version string          `json:"version"`
	Network string          `json:"network"`
	Checks  []health.Status `json:"checks,omitempty"`
	// Escrows is the record count, -1 when the store could not be read.
	Escrows int       `json:"escrows"`
	Time    time.Time `json:"time"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx := c.Request.Context()
	ok, checks := s.health.CheckAll(ctx)

	resp := HealthResponse{
		Status:  "healthy",
		Version: s.version,
		Network: s.cfg.BTCNetwork,
		Checks:  checks,
		Escrows: -1,
		Time:    time.Now().UTC().Truncate(time.Second),
	}
	if n, err := s.escrowService.Count(ctx); err == nil {
		resp.Escrows = n
	}

	code := http.StatusOK
	if !ok {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// livenessHandler only reports whether the process finished wiring.
func (s *Server) livenessHandler(c *gin.Context) {
	if s.healthy.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
}

// readinessHandler is 503 before Run and during shutdown, and otherwise
// defers to the dependency checks.
func (s *Server) readinessHandler(c *gin.Context) {
	if s.ready.Load() {
		health.Handler(s.health)(c)
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
}

func (s *Server) websocketHandler(c *gin.Context) {
	principal := auth.GetPrincipal(c)
	if token := c.Query("token"); principal == "" && token != "" {
		if p, err := s.verifier.Verify(token); err == nil {
			principal = p
		}
	}
	if principal == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": string(apperr.Unauthorized), "message": "authentication required"})
		return
	}

	ctx := c.Request.Context()
	watchAll := s.authorizer.Allowed(ctx, principal, auth.CapAdmin) ||
		s.authorizer.Allowed(ctx, principal, auth.CapResolver)
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request, principal, watchAll)
}

// riskHistoryHandler handles GET /v1/escrows/:id/risk. Participants,
// resolvers and admins may read the history.
func (s *Server) riskHistoryHandler(c *gin.Context) {
	ctx := c.Request.Context()
	principal := auth.GetPrincipal(c)

	e, err := s.escrowService.Get(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	privileged := s.authorizer.Allowed(ctx, principal, auth.CapAdmin) ||
		s.authorizer.Allowed(ctx, principal, auth.CapResolver)
	if !e.IsParticipant(principal) && !privileged {
		apperr.Respond(c, escrow.ErrUnauthorized)
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}
	history, err := s.assessor.History(ctx, e.ID, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessments": history, "count": len(history)})
}

func (s *Server) reconciliationReportHandler(c *gin.Context) {
	if report := s.reconTimer.Last(); report != nil {
		c.JSON(http.StatusOK, report)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": string(apperr.NotFound), "message": "no reconciliation run yet"})
}

func (s *Server) reconciliationRunHandler(c *gin.Context) {
	report, err := s.reconTimer.RunNow(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
