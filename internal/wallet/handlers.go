package wallet

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/satsafe/escrowd/internal/apperr"
	"github.com/satsafe/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet and deposit-booking routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/balance", h.GetBalance)
	r.GET("/wallet/transactions", h.GetTransactions)
	r.POST("/wallet/deposit-address", h.GetDepositAddress)
	r.GET("/wallet/addresses", h.ListAddresses)
	r.POST("/wallet/transfer", h.Transfer)

	r.POST("/admin/deposits", h.RecordDeposit)
	r.POST("/admin/deposits/:txId/confirm", h.ConfirmDeposit)
}

// GetBalance handles GET /v1/wallet/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.service.GetBalance(c.Request.Context(), c.GetString("authPrincipal"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetTransactions handles GET /v1/wallet/transactions
func (h *Handler) GetTransactions(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 500)
		}
	}

	txs, err := h.service.GetTransactions(c.Request.Context(), c.GetString("authPrincipal"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// GetDepositAddress handles POST /v1/wallet/deposit-address
func (h *Handler) GetDepositAddress(c *gin.Context) {
	var req AddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body", err.Error())
		return
	}

	addr, err := h.service.GetDepositAddress(c.Request.Context(), c.GetString("authPrincipal"), req.Currency)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, addr)
}

// ListAddresses handles GET /v1/wallet/addresses
func (h *Handler) ListAddresses(c *gin.Context) {
	addrs, err := h.service.ListAddresses(c.Request.Context(), c.GetString("authPrincipal"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"addresses": addrs,
		"count":     len(addrs),
	})
}

// Transfer handles POST /v1/wallet/transfer
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body", err.Error())
		return
	}

	result, err := h.service.Transfer(c.Request.Context(), c.GetString("authPrincipal"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RecordDeposit handles POST /v1/admin/deposits
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body", err.Error())
		return
	}
	var check validation.Checker
	if check.Principal("user_id", req.UserID).TxID("txid", req.TxID).Reject(c) {
		return
	}

	tx, err := h.service.RecordDeposit(c.Request.Context(), c.GetString("authPrincipal"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// ConfirmDeposit handles POST /v1/admin/deposits/:txId/confirm
func (h *Handler) ConfirmDeposit(c *gin.Context) {
	tx, err := h.service.ConfirmDeposit(c.Request.Context(), c.GetString("authPrincipal"), c.Param("txId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}
