package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// Config holds the configuration for connecting to the escrow API.
type Config struct {
	APIURL    string // Base URL, e.g. "http://localhost:8080"
	Token     string // Bearer token issued for the caller
	Principal string // Caller principal; looked up via /v1/whoami when empty
}

// EscrowClient is a pure HTTP client for the escrow API.
type EscrowClient struct {
	cfg        Config
	httpClient *http.Client

	mu        sync.Mutex
	principal string
}

// NewEscrowClient creates a new client for the escrow API.
func NewEscrowClient(cfg Config) *EscrowClient {
	return &EscrowClient{
		cfg:       cfg,
		principal: cfg.Principal,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *EscrowClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// Principal returns the caller's principal, asking the API once when it
// was not configured.
func (c *EscrowClient) Principal(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.principal != "" {
		return c.principal, nil
	}

	raw, err := c.doRequest(ctx, http.MethodGet, "/v1/whoami", nil, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Principal string `json:"principal"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Principal == "" {
		return "", fmt.Errorf("whoami returned no principal")
	}
	c.principal = resp.Principal
	return c.principal, nil
}

// GetEscrow returns one escrow.
func (c *EscrowClient) GetEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(escrowID), nil, nil)
}

// ListMyEscrows returns escrows where the caller is creator or counterparty.
func (c *EscrowClient) ListMyEscrows(ctx context.Context, limit int) (json.RawMessage, error) {
	me, err := c.Principal(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(me)+"/escrows", q, nil)
}

// CreateEscrow opens an escrow with the caller as creator.
func (c *EscrowClient) CreateEscrow(ctx context.Context, counterparty string, amountSats uint64, currency string, timeLockUnix int64) (json.RawMessage, error) {
	body := map[string]any{
		"counterparty_id": counterparty,
		"amount_satoshis": amountSats,
		"currency":        currency,
	}
	if timeLockUnix > 0 {
		body["time_lock_unix"] = timeLockUnix
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows", nil, body)
}

// ConfirmDelivery records the caller's delivery confirmation.
func (c *EscrowClient) ConfirmDelivery(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(escrowID)+"/confirm", nil, nil)
}

// RequestRelease pays a delivered escrow out to the counterparty.
func (c *EscrowClient) RequestRelease(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(escrowID)+"/release", nil, nil)
}

// MarkDisputed opens a dispute on an escrow.
func (c *EscrowClient) MarkDisputed(ctx context.Context, escrowID, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(escrowID)+"/dispute", nil, body)
}

// GetBalance returns the caller's wallet balance.
func (c *EscrowClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallet/balance", nil, nil)
}

// GetDepositAddress returns (issuing if needed) the caller's deposit
// address for a currency.
func (c *EscrowClient) GetDepositAddress(ctx context.Context, currency string) (json.RawMessage, error) {
	body := map[string]string{"currency": currency}
	return c.doRequest(ctx, http.MethodPost, "/v1/wallet/deposit-address", nil, body)
}
