package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/satsafe/escrowd/internal/btc"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow shows one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	text, err := formatEscrowResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListMyEscrows lists the caller's escrows.
func (h *Handlers) HandleListMyEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListMyEscrows(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	text, err := formatEscrowList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCreateEscrow opens an escrow.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	counterparty := req.GetString("counterparty_id", "")
	if counterparty == "" {
		return mcp.NewToolResultError("counterparty_id is required"), nil
	}
	amount := req.GetFloat("amount_satoshis", 0)
	if amount <= 0 || amount != math.Trunc(amount) || amount > math.MaxInt64 {
		return mcp.NewToolResultError("amount_satoshis must be a positive whole number"), nil
	}
	currency := req.GetString("currency", string(btc.BTC))
	timeLock := int64(req.GetFloat("time_lock_unix", 0))

	raw, err := h.client.CreateEscrow(ctx, counterparty, uint64(amount), currency, timeLock)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow creation failed: %v", err)), nil
	}

	var resp struct {
		EscrowID       string `json:"escrow_id"`
		DepositAddress string `json:"deposit_address"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.EscrowID == "" {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %s", string(raw))), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow created.\n\n"+
			"Escrow ID: %s\n"+
			"Amount: %s %s (%d sats)\n"+
			"Deposit address: %s\n\n"+
			"Send the funds to the deposit address. The escrow becomes funded once the deposit is confirmed.",
		resp.EscrowID, btc.Format(uint64(amount)), currency, uint64(amount), resp.DepositAddress)), nil
}

// HandleGetBalance returns the caller's balance.
func (h *Handlers) HandleGetBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetDepositAddress returns the caller's deposit address.
func (h *Handlers) HandleGetDepositAddress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	currency := req.GetString("currency", string(btc.BTC))

	raw, err := h.client.GetDepositAddress(ctx, currency)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get deposit address: %v", err)), nil
	}

	var addr struct {
		Address  string `json:"address"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(raw, &addr); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse address: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s deposit address: %s", addr.Currency, addr.Address)), nil
}

// HandleConfirmDelivery confirms delivery for the caller.
func (h *Handlers) HandleConfirmDelivery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.ConfirmDelivery(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to confirm delivery: %v", err)), nil
	}
	return h.escrowResult("Delivery confirmed.", raw)
}

// HandleRequestRelease releases a delivered escrow.
func (h *Handlers) HandleRequestRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.RequestRelease(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to release escrow: %v", err)), nil
	}
	return h.escrowResult("Escrow released.", raw)
}

// HandleMarkDisputed disputes an escrow.
func (h *Handlers) HandleMarkDisputed(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.MarkDisputed(ctx, escrowID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to dispute escrow: %v", err)), nil
	}
	return h.escrowResult("Dispute opened. A resolver will decide whether the funds are released or refunded.", raw)
}

func (h *Handlers) escrowResult(headline string, raw json.RawMessage) (*mcp.CallToolResult, error) {
	text, err := formatEscrowResponse(raw)
	if err != nil {
		return mcp.NewToolResultText(headline + "\n\n" + formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(headline + "\n\n" + text), nil
}

// --- formatting ---

// escrowView is the subset of the escrow JSON the tools render.
type escrowView struct {
	ID                    string   `json:"escrow_id"`
	CreatorID             string   `json:"creator_id"`
	CounterpartyID        string   `json:"counterparty_id"`
	AmountSatoshis        uint64   `json:"amount_satoshis"`
	Currency              string   `json:"currency"`
	DepositAddress        string   `json:"deposit_address"`
	Status                string   `json:"status"`
	CreatorConfirmed      bool     `json:"creator_confirmed_delivery"`
	CounterpartyConfirmed bool     `json:"counterparty_confirmed_delivery"`
	AIRiskScore           *float64 `json:"ai_risk_score"`
	Tags                  []string `json:"tags"`
	UTXOs                 []struct {
		Amount uint64 `json:"amount"`
	} `json:"utxos"`
}

type balanceView struct {
	BTC                uint64 `json:"btc_balance"`
	CkBTC              uint64 `json:"ckbtc_balance"`
	PendingDeposits    uint64 `json:"pending_deposits"`
	PendingWithdrawals uint64 `json:"pending_withdrawals"`
}

// unwrap returns the value under key when raw is an object holding it, and
// raw itself otherwise.
func unwrap(raw json.RawMessage, key string) json.RawMessage {
	var outer map[string]json.RawMessage
	if json.Unmarshal(raw, &outer) == nil {
		if inner, ok := outer[key]; ok && len(inner) > 0 && inner[0] == '{' {
			return inner
		}
	}
	return raw
}

func formatEscrowResponse(raw json.RawMessage) (string, error) {
	var e escrowView
	if err := json.Unmarshal(unwrap(raw, "escrow"), &e); err != nil {
		return "", err
	}
	if e.ID == "" {
		return "", errors.New("no escrow in response")
	}
	return formatEscrow(&e), nil
}

func formatEscrow(e *escrowView) string {
	var sb strings.Builder
	line := func(label, format string, args ...any) {
		fmt.Fprintf(&sb, "  %-14s"+format+"\n", append([]any{label + ":"}, args...)...)
	}

	fmt.Fprintf(&sb, "Escrow %s\n", e.ID)
	line("Status", "%s", e.Status)
	line("Creator", "%s", e.CreatorID)
	line("Counterparty", "%s", e.CounterpartyID)
	line("Amount", "%s %s", btc.Format(e.AmountSatoshis), e.Currency)
	if e.DepositAddress != "" {
		line("Deposit to", "%s", e.DepositAddress)
	}
	if len(e.UTXOs) > 0 {
		var funded uint64
		for _, u := range e.UTXOs {
			funded += u.Amount
		}
		line("Deposits", "%d UTXO(s), %s total", len(e.UTXOs), btc.Format(funded))
	}
	if e.CreatorConfirmed || e.CounterpartyConfirmed {
		line("Delivery", "creator=%t counterparty=%t", e.CreatorConfirmed, e.CounterpartyConfirmed)
	}
	if e.AIRiskScore != nil {
		line("Risk score", "%.0f/100", *e.AIRiskScore)
	}
	if len(e.Tags) > 0 {
		line("Tags", "%s", strings.Join(e.Tags, ", "))
	}
	return sb.String()
}

func formatEscrowList(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrows []escrowView `json:"escrows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Escrows) == 0 {
		return "No escrows found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n\n", len(resp.Escrows))
	for i, e := range resp.Escrows {
		fmt.Fprintf(&sb, "%d. %s  %s %s  [%s]  %s -> %s\n", i+1,
			e.ID, btc.Format(e.AmountSatoshis), e.Currency, e.Status, e.CreatorID, e.CounterpartyID)
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var b balanceView
	if err := json.Unmarshal(unwrap(raw, "balance"), &b); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Wallet Balance:\n")
	fmt.Fprintf(&sb, "  BTC:   %s\n", btc.Format(b.BTC))
	fmt.Fprintf(&sb, "  ckBTC: %s\n", btc.Format(b.CkBTC))
	if b.PendingDeposits > 0 {
		fmt.Fprintf(&sb, "  Pending deposits:    %s\n", btc.Format(b.PendingDeposits))
	}
	if b.PendingWithdrawals > 0 {
		fmt.Fprintf(&sb, "  Pending withdrawals: %s\n", btc.Format(b.PendingWithdrawals))
	}
	return sb.String(), nil
}

// formatJSON pretty-prints raw, or returns it unchanged when it is not JSON.
func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") != nil {
		return string(raw)
	}
	return pretty.String()
}
