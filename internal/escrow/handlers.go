package escrow

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/satsafe/escrowd/internal/apperr"
	"github.com/satsafe/escrowd/internal/utxo"
	"github.com/satsafe/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. Every route expects the auth
// middleware to have set the caller principal.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListByStatus)
	r.GET("/escrows/count", h.CountEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/users/:userId/escrows", validation.PrincipalParam("userId"), h.ListUserEscrows)

	r.POST("/escrows/:id/deposits", h.NotifyDeposit)
	r.POST("/escrows/:id/confirm", h.ConfirmDelivery)
	r.POST("/escrows/:id/release", h.RequestRelease)
	r.POST("/escrows/:id/dispute", h.MarkDisputed)
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
	r.POST("/escrows/:id/refund", h.ForceRefund)
	r.POST("/escrows/:id/ai-result", h.AttachAIResult)
}

func limitParam(c *gin.Context) int {
	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body", err.Error())
		return
	}
	var check validation.Checker
	if check.Principal("counterparty_id", req.CounterpartyID).Reject(c) {
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), c.GetString("authPrincipal"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"escrow_id":       escrow.ID,
		"deposit_address": escrow.DepositAddress,
		"escrow":          escrow,
	})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListUserEscrows handles GET /v1/users/:userId/escrows
func (h *Handler) ListUserEscrows(c *gin.Context) {
	escrows, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), limitParam(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// ListByStatus handles GET /v1/escrows?status=
func (h *Handler) ListByStatus(c *gin.Context) {
	status, err := ParseStatus(c.Query("status"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	escrows, err := h.service.ListByStatus(c.Request.Context(), status, limitParam(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// CountEscrows handles GET /v1/escrows/count
func (h *Handler) CountEscrows(c *gin.Context) {
	n, err := h.service.Count(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": n})
}

// NotifyDeposit handles POST /v1/escrows/:id/deposits
func (h *Handler) NotifyDeposit(c *gin.Context) {
	var u utxo.UTXO
	if err := c.ShouldBindJSON(&u); err != nil {
		apperr.BadRequest(c, "Invalid request body", err.Error())
		return
	}
	var check validation.Checker
	if check.TxID("txid", u.TxID).Reject(c) {
		return
	}

	escrow, err := h.service.NotifyDeposit(c.Request.Context(), c.Param("id"), c.GetString("authPrincipal"), u)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ConfirmDelivery handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	escrow, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), c.GetString("authPrincipal"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RequestRelease handles POST /v1/escrows/:id/release
func (h *Handler) RequestRelease(c *gin.Context) {
	escrow, err := h.service.RequestRelease(c.Request.Context(), c.Param("id"), c.GetString("authPrincipal"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// MarkDisputed handles POST /v1/escrows/:id/dispute
func (h *Handler) MarkDisputed(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Reason is required", nil)
		return
	}
	var check validation.Checker
	if check.MaxLen("reason", req.Reason, maxReasonLen).Reject(c) {
		return
	}

	escrow, err := h.service.MarkDisputed(c.Request.Context(), c.Param("id"), c.GetString("authPrincipal"),
		validation.Clean(req.Reason, maxReasonLen))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ResolveDispute handles POST /v1/escrows/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Resolution is required", nil)
		return
	}
	req.Note = validation.Clean(req.Note, maxReasonLen)

	escrow, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), c.GetString("authPrincipal"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ForceRefund handles POST /v1/escrows/:id/refund
func (h *Handler) ForceRefund(c *gin.Context) {
	var req RefundRequest
	// Body is optional.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "Invalid request body", err.Error())
			return
		}
	}

	escrow, err := h.service.ForceRefund(c.Request.Context(), c.Param("id"), c.GetString("authPrincipal"),
		validation.Clean(req.Reason, maxReasonLen))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// AttachAIResult handles POST /v1/escrows/:id/ai-result
func (h *Handler) AttachAIResult(c *gin.Context) {
	var req AIResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body", err.Error())
		return
	}
	for i, t := range req.Tags {
		req.Tags[i] = validation.Clean(t, maxTagLen)
	}

	escrow, err := h.service.AttachAIResult(c.Request.Context(), c.Param("id"), c.GetString("authPrincipal"), req.RiskScore, req.Tags)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}
