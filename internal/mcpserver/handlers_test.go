package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewEscrowClient(Config{
		APIURL:    ts.URL,
		Token:     "test-token",
		Principal: "alice",
	})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

const sampleEscrow = `{
	"escrow_id": "esc_123",
	"creator_id": "alice",
	"counterparty_id": "bob",
	"amount_satoshis": 150000,
	"currency": "BTC",
	"deposit_address": "tb1qexample",
	"status": "funded",
	"utxos": [{"txid": "aa", "vout": 0, "amount": 150000, "confirmations": 6}],
	"creator_confirmed_delivery": true,
	"counterparty_confirmed_delivery": false,
	"ai_risk_score": 42,
	"tags": ["risk:medium"]
}`

// Client tests

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, Token: "secret123"})
	_, err := client.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret123", gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "invalid_status",
			"message": "escrow is not delivered",
		})
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, Token: "t"})
	_, err := client.RequestRelease(context.Background(), "esc_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "invalid_status")
	assert.Contains(t, err.Error(), "escrow is not delivered")
}

func TestClient_DoRequest_HTTPError_RawBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, Token: "t"})
	_, err := client.GetEscrow(context.Background(), "esc_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClient_Principal_LooksUpOnce(t *testing.T) {
	var whoamiCalls atomic.Int32
	var listPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/whoami":
			whoamiCalls.Add(1)
			_, _ = w.Write([]byte(`{"principal":"carol","capabilities":[]}`))
		default:
			listPath = r.URL.Path + "?" + r.URL.RawQuery
			_, _ = w.Write([]byte(`{"escrows":[]}`))
		}
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, Token: "t"})
	for i := 0; i < 3; i++ {
		_, err := client.ListMyEscrows(context.Background(), 5)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), whoamiCalls.Load())
	assert.Equal(t, "/v1/users/carol/escrows?limit=5", listPath)
}

func TestClient_CreateEscrow_Body(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/escrows", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"escrow_id":"esc_1","deposit_address":"tb1q"}`))
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, Token: "t"})
	_, err := client.CreateEscrow(context.Background(), "bob", 5000, "ckBTC", 0)
	require.NoError(t, err)
	assert.Equal(t, "bob", body["counterparty_id"])
	assert.Equal(t, float64(5000), body["amount_satoshis"])
	assert.Equal(t, "ckBTC", body["currency"])
	_, hasLock := body["time_lock_unix"]
	assert.False(t, hasLock)
}

// Handler tests

func TestHandleGetEscrow(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/escrows/esc_123", r.URL.Path)
		_, _ = w.Write([]byte(`{"escrow":` + sampleEscrow + `}`))
	}))
	defer cleanup()

	result, err := h.HandleGetEscrow(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_123"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Escrow esc_123")
	assert.Contains(t, text, "funded")
	assert.Contains(t, text, "0.00150000 BTC")
	assert.Contains(t, text, "1 UTXO(s)")
	assert.Contains(t, text, "creator=true counterparty=false")
	assert.Contains(t, text, "42/100")
	assert.Contains(t, text, "risk:medium")
}

func TestHandleGetEscrow_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleGetEscrow(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "escrow_id is required")
}

func TestHandleGetEscrow_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"escrow not found"}`))
	}))
	defer cleanup()

	result, err := h.HandleGetEscrow(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "escrow not found")
}

func TestHandleListMyEscrows(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/alice/escrows", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"escrows":[` + sampleEscrow + `],"count":1}`))
	}))
	defer cleanup()

	result, err := h.HandleListMyEscrows(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 escrow(s)")
	assert.Contains(t, text, "esc_123")
	assert.Contains(t, text, "alice -> bob")
}

func TestHandleListMyEscrows_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"escrows":[],"count":0}`))
	}))
	defer cleanup()

	result, err := h.HandleListMyEscrows(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No escrows found.", resultText(t, result))
}

func TestHandleCreateEscrow(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"escrow_id":"esc_new","deposit_address":"tb1qdeposit","escrow":` + sampleEscrow + `}`))
	}))
	defer cleanup()

	result, err := h.HandleCreateEscrow(context.Background(), makeRequest(map[string]any{
		"counterparty_id": "bob",
		"amount_satoshis": float64(150000),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "esc_new")
	assert.Contains(t, text, "tb1qdeposit")
	assert.Contains(t, text, "0.00150000 BTC")
}

func TestHandleCreateEscrow_Validation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("API should not be called for invalid input")
	}))
	defer cleanup()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing counterparty", map[string]any{"amount_satoshis": float64(10)}, "counterparty_id is required"},
		{"zero amount", map[string]any{"counterparty_id": "bob"}, "positive whole number"},
		{"fractional amount", map[string]any{"counterparty_id": "bob", "amount_satoshis": 10.5}, "positive whole number"},
		{"negative amount", map[string]any{"counterparty_id": "bob", "amount_satoshis": float64(-3)}, "positive whole number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleCreateEscrow(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleGetBalance(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"balance":{"user_id":"alice","btc_balance":250000,"ckbtc_balance":1000,"pending_deposits":5000}}`))
	}))
	defer cleanup()

	result, err := h.HandleGetBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "BTC:   0.00250000")
	assert.Contains(t, text, "ckBTC: 0.00001000")
	assert.Contains(t, text, "Pending deposits:    0.00005000")
	assert.NotContains(t, text, "withdrawals")
}

func TestHandleGetDepositAddress(t *testing.T) {
	var gotCurrency string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotCurrency = body["currency"]
		_, _ = w.Write([]byte(`{"address":"tb1qmine","user_id":"alice","currency":"BTC"}`))
	}))
	defer cleanup()

	result, err := h.HandleGetDepositAddress(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "BTC", gotCurrency)
	assert.Equal(t, "BTC deposit address: tb1qmine", resultText(t, result))
}

func TestHandleConfirmDelivery(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/escrows/esc_123/confirm", r.URL.Path)
		_, _ = w.Write([]byte(`{"escrow":` + sampleEscrow + `}`))
	}))
	defer cleanup()

	result, err := h.HandleConfirmDelivery(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_123"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Delivery confirmed.")
	assert.Contains(t, text, "Escrow esc_123")
}

func TestHandleRequestRelease_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"invalid_status","message":"escrow is not delivered"}`))
	}))
	defer cleanup()

	result, err := h.HandleRequestRelease(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_123"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Failed to release escrow")
}

func TestHandleMarkDisputed(t *testing.T) {
	var gotReason string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotReason = body["reason"]
		_, _ = w.Write([]byte(`{"escrow":` + sampleEscrow + `}`))
	}))
	defer cleanup()

	result, err := h.HandleMarkDisputed(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_123"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "reason is required")

	result, err = h.HandleMarkDisputed(context.Background(), makeRequest(map[string]any{
		"escrow_id": "esc_123",
		"reason":    "never delivered",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "never delivered", gotReason)
	assert.Contains(t, resultText(t, result), "Dispute opened")
}

func TestFormatJSON_InvalidPassesThrough(t *testing.T) {
	assert.Equal(t, "not json", formatJSON(json.RawMessage("not json")))
}

func TestFormatEscrowResponse_FlatOrNested(t *testing.T) {
	flat, err := formatEscrowResponse(json.RawMessage(sampleEscrow))
	require.NoError(t, err)
	nested, err := formatEscrowResponse(json.RawMessage(`{"escrow":` + sampleEscrow + `}`))
	require.NoError(t, err)
	assert.Equal(t, flat, nested)
	assert.Contains(t, flat, "  Deposit to:   tb1qexample\n")

	_, err = formatEscrowResponse(json.RawMessage(`{"status":"ok"}`))
	assert.Error(t, err)
}

func TestFormatBalance_TopLevel(t *testing.T) {
	text, err := formatBalance(json.RawMessage(`{"btc_balance":100000000,"ckbtc_balance":0,"pending_withdrawals":1}`))
	require.NoError(t, err)
	assert.Contains(t, text, "BTC:   1.00000000")
	assert.Contains(t, text, "Pending withdrawals: 0.00000001")
	assert.NotContains(t, text, "Pending deposits")
}
