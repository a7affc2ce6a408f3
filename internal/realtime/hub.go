// Package realtime streams escrow lifecycle events over WebSocket.
//
// A connection only ever sees escrows its principal participates in,
// unless the principal may watch everything (admins and resolvers).
// Clients narrow the stream further by sending a Subscription.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/satsafe/escrowd/internal/escrow"
	"github.com/satsafe/escrowd/internal/metrics"
)

// MaxClients is the default connection cap.
const MaxClients = 10000

// EventType is an escrow lifecycle event name (escrow.created, ...).
type EventType string

// Payload is the escrow snapshot carried by an event.
type Payload struct {
	EscrowID       string        `json:"escrow_id"`
	CreatorID      string        `json:"creator_id"`
	CounterpartyID string        `json:"counterparty_id"`
	AmountSatoshis uint64        `json:"amount_satoshis"`
	Currency       string        `json:"currency"`
	Status         escrow.Status `json:"status"`
	FundedSatoshis uint64        `json:"funded_satoshis"`
	AIRiskScore    *uint8        `json:"ai_risk_score,omitempty"`
}

// Event is one message on the stream.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      Payload   `json:"data"`
}

// Subscription narrows what a client receives within its scope. The zero
// value passes everything.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	EscrowIDs  []string    `json:"escrowIds"`
	MinAmount  uint64      `json:"minAmount"` // satoshis
}

func (s Subscription) matches(e *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.EscrowIDs) > 0 && !slices.Contains(s.EscrowIDs, e.Data.EscrowID) {
		return false
	}
	return e.Data.AmountSatoshis >= s.MinAmount
}

// Stats is the hub's counters snapshot.
type Stats struct {
	ConnectedClients int   `json:"connected_clients"`
	TotalEvents      int64 `json:"total_events"`
	DroppedEvents    int64 `json:"dropped_events"`
	TotalClients     int64 `json:"total_clients"`
	PeakClients      int64 `json:"peak_clients"`
	EvictedClients   int64 `json:"evicted_clients"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins lets browsers on these origins connect in addition
// to same-host pages. "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		h.origins = origins
	}
}

// WithMaxClients overrides MaxClients.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// Hub owns the set of connected clients. Run is the only goroutine that
// adds or removes clients.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	origins    []string
	maxClients int

	mu      sync.RWMutex
	clients map[*Client]struct{}

	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits

	totalEvents  atomic.Int64
	dropped      atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	evicted      atomic.Int64
}

// NewHub creates a hub; call Run to start it.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:     logger,
		maxClients: MaxClients,
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Run services registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("websocket client connected", "principal", c.principal, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("websocket client disconnected", "principal", c.principal, "total", n)

		case e := <-h.broadcast:
			h.deliver(e)
		}
	}
}

// deliver fans e out to every client in scope. A client whose buffer is
// full is evicted rather than allowed to stall the hub.
func (h *Hub) deliver(e *Event) {
	h.totalEvents.Add(1)
	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "type", e.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(e) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.drop(c)
			h.evicted.Add(1)
			h.logger.Warn("evicted slow websocket client", "principal", c.principal)
		}
	}
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
}

// drop must be called with h.mu held.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send) // writePump sends a close frame
}

// Broadcast queues e for delivery; it never blocks.
func (h *Hub) Broadcast(e *Event) {
	select {
	case h.broadcast <- e:
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime broadcast queue full, dropping event", "type", e.Type)
	}
}

// EscrowEvent publishes a lifecycle event. Hub satisfies escrow.EventSink.
func (h *Hub) EscrowEvent(_ context.Context, event string, e *escrow.Escrow) {
	h.Broadcast(&Event{
		Type:      EventType(event),
		Timestamp: e.UpdatedAt,
		Data:      PayloadFor(e),
	})
}

// PayloadFor snapshots the fields streamed for e.
func PayloadFor(e *escrow.Escrow) Payload {
	return Payload{
		EscrowID:       e.ID,
		CreatorID:      e.CreatorID,
		CounterpartyID: e.CounterpartyID,
		AmountSatoshis: e.AmountSatoshis,
		Currency:       string(e.Currency),
		Status:         e.Status,
		FundedSatoshis: e.AttributedTotal(),
		AIRiskScore:    e.AIRiskScore,
	}
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.dropped.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		EvictedClients:   h.evicted.Load(),
	}
}

// HandleWebSocket upgrades the request for an authenticated principal.
// watchAll lifts the participant scope.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, principal string, watchAll bool) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if h.Stats().ConnectedClients >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "principal", principal, "error", err)
		return
	}

	c := newClient(h, conn, principal, watchAll)
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
