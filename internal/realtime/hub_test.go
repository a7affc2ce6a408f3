package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/satsafe/escrowd/internal/btc"
	"github.com/satsafe/escrowd/internal/escrow"
	"github.com/satsafe/escrowd/internal/utxo"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().ConnectedClients != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d connected clients, got %d", n, h.Stats().ConnectedClients)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func aliceBobEvent(typ string, amount uint64) *Event {
	return &Event{
		Type:      EventType(typ),
		Timestamp: time.Now(),
		Data: Payload{
			EscrowID:       "esc_1",
			CreatorID:      "alice",
			CounterpartyID: "bob",
			AmountSatoshis: amount,
			Currency:       "BTC",
			Status:         escrow.StatusCreated,
		},
	}
}

// ---------------------------------------------------------------------------
// scope and subscription tests
// ---------------------------------------------------------------------------

func TestClientWants_ParticipantScope(t *testing.T) {
	event := aliceBobEvent(escrow.EventCreated, 1000)

	for _, p := range []string{"alice", "bob"} {
		c := &Client{principal: p, sub: Subscription{AllEvents: true}}
		if !c.wants(event) {
			t.Errorf("%s should receive events for their escrow", p)
		}
	}

	outsider := &Client{principal: "mallory", sub: Subscription{AllEvents: true}}
	if outsider.wants(event) {
		t.Error("Non-participant should NOT receive the event")
	}

	admin := &Client{principal: "ops", watchAll: true, sub: Subscription{AllEvents: true}}
	if !admin.wants(event) {
		t.Error("watchAll client should receive every event")
	}
}

func TestClientWants_EventTypeFilter(t *testing.T) {
	client := &Client{principal: "alice", sub: Subscription{
		EventTypes: []EventType{escrow.EventFunded, escrow.EventReleased},
	}}

	if !client.wants(aliceBobEvent(escrow.EventFunded, 1)) {
		t.Error("Should receive funded events")
	}
	if !client.wants(aliceBobEvent(escrow.EventReleased, 1)) {
		t.Error("Should receive released events")
	}
	if client.wants(aliceBobEvent(escrow.EventDeposit, 1)) {
		t.Error("Should NOT receive deposit events")
	}
}

func TestClientWants_EscrowFilter(t *testing.T) {
	client := &Client{principal: "alice", sub: Subscription{EscrowIDs: []string{"esc_2"}}}

	if client.wants(aliceBobEvent(escrow.EventCreated, 1)) {
		t.Error("Should NOT receive events for esc_1")
	}
	event := aliceBobEvent(escrow.EventCreated, 1)
	event.Data.EscrowID = "esc_2"
	if !client.wants(event) {
		t.Error("Should receive events for esc_2")
	}
}

func TestClientWants_MinAmountFilter(t *testing.T) {
	client := &Client{principal: "bob", sub: Subscription{MinAmount: 100_000}}

	if client.wants(aliceBobEvent(escrow.EventCreated, 99_999)) {
		t.Error("Should NOT receive escrows below the minimum")
	}
	if !client.wants(aliceBobEvent(escrow.EventCreated, 100_000)) {
		t.Error("Should receive escrows at the minimum")
	}
}

func TestClientWants_EmptySubscription(t *testing.T) {
	client := &Client{principal: "alice", sub: Subscription{}}

	if !client.wants(aliceBobEvent(escrow.EventCreated, 1)) {
		t.Error("Empty subscription should pass everything in scope")
	}
}

func TestPayloadFor(t *testing.T) {
	score := uint8(12)
	e := &escrow.Escrow{
		ID:             "esc_9",
		CreatorID:      "alice",
		CounterpartyID: "bob",
		AmountSatoshis: 10_000,
		Currency:       btc.BTC,
		Status:         escrow.StatusCreated,
		UTXOs: []utxo.UTXO{
			{TxID: strings.Repeat("a", 64), Amount: 3_000},
			{TxID: strings.Repeat("b", 64), Amount: 4_000},
		},
		AIRiskScore: &score,
	}

	p := PayloadFor(e)
	if p.FundedSatoshis != 7_000 {
		t.Errorf("Expected 7000 funded, got %d", p.FundedSatoshis)
	}
	if p.Currency != "BTC" || p.EscrowID != "esc_9" || *p.AIRiskScore != 12 {
		t.Errorf("Unexpected payload: %+v", p)
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	if stats := h.Stats(); stats != (Stats{}) {
		t.Errorf("Expected zero stats, got %+v", stats)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), principal: "alice"}

	h.register <- client
	h.unregister <- client
	h.register <- &Client{hub: h, send: make(chan []byte, 1), principal: "bob"}
	waitForClients(t, h, 1)

	if got := h.Stats().TotalClients; got != 2 {
		t.Errorf("Expected 2 total clients, got %d", got)
	}
}

func TestHub_EscrowEventToParticipant(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	alice := &Client{hub: h, send: make(chan []byte, 8), principal: "alice", sub: Subscription{AllEvents: true}}
	mallory := &Client{hub: h, send: make(chan []byte, 8), principal: "mallory", sub: Subscription{AllEvents: true}}
	h.register <- alice
	h.register <- mallory

	e := &escrow.Escrow{
		ID: "esc_1", CreatorID: "alice", CounterpartyID: "bob",
		AmountSatoshis: 5_000, Currency: btc.BTC, Status: escrow.StatusFunded,
		UpdatedAt: time.Now(),
	}
	h.EscrowEvent(ctx, escrow.EventFunded, e)

	select {
	case msg := <-alice.send:
		var got Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatal(err)
		}
		if got.Type != escrow.EventFunded || got.Data.Status != escrow.StatusFunded {
			t.Errorf("Unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for broadcast")
	}

	select {
	case <-mallory.send:
		t.Error("Outsider should NOT receive the event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, r.URL.Query().Get("as"), false)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?as=bob"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForClients(t, h, 1)

	h.Broadcast(aliceBobEvent(escrow.EventDelivered, 1))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != escrow.EventDelivered || got.Data.EscrowID != "esc_1" {
		t.Errorf("Unexpected event: %+v", got)
	}
}

func TestHub_EvictsSlowClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	slow := &Client{hub: h, send: make(chan []byte), principal: "alice", sub: Subscription{AllEvents: true}}
	h.register <- slow
	waitForClients(t, h, 1)

	h.Broadcast(aliceBobEvent(escrow.EventFunded, 1))
	waitForClients(t, h, 0)

	if _, open := <-slow.send; open {
		t.Error("Evicted client's send channel should be closed")
	}
	if got := h.Stats().EvictedClients; got != 1 {
		t.Errorf("Expected 1 evicted client, got %d", got)
	}
}

func TestCheckOrigin(t *testing.T) {
	h := NewHub(nil, WithAllowedOrigins([]string{"https://app.example.com"}))

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://escrowd.local", true},
		{"https://app.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "http://escrowd.local/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := h.checkOrigin(r); got != tc.want {
			t.Errorf("origin %q: got %v, want %v", tc.origin, got, tc.want)
		}
	}
}
