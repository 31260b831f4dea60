// Package realtime provides WebSocket streaming of order lifecycle events.
//
// Clients subscribe to a single (actorType, actorID) pair — "user:usr_1" or
// "merchant:mer_7" — and the hub fans each published event out to every
// client currently subscribed to a key the event names. Market-wide order
// events additionally reach every merchant subscriber, since an open order
// or its withdrawal is a liquidity signal the whole market should see.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/corridor/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType names an order lifecycle event delivered over the fabric.
type EventType string

const (
	EventOrderCreated   EventType = "ORDER_CREATED"
	EventOrderAccepted  EventType = "ORDER_ACCEPTED"
	EventOrderEscrowed  EventType = "ESCROW_LOCKED"
	EventOrderReleased  EventType = "ORDER_RELEASED"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventOrderExpired   EventType = "ORDER_EXPIRED"
	EventOrderDisputed  EventType = "ORDER_DISPUTED"
)

// marketWide is the set of event types broadcast to every merchant
// subscriber in addition to the order's own parties, per spec §4.8: these
// are the market-wide liquidity signals (an order appearing, being taken,
// or falling back off the market).
var marketWide = map[EventType]bool{
	EventOrderCreated:   true,
	EventOrderAccepted:  true,
	EventOrderCancelled: true,
	EventOrderExpired:   true,
}

// Event is one order lifecycle notification. UserID/MerchantID/
// BuyerMerchantID mirror the order's own identity fields; recipients are
// computed from whichever of these are non-empty.
type Event struct {
	Type            EventType   `json:"type"`
	Timestamp       time.Time   `json:"timestamp"`
	OrderID         string      `json:"orderId"`
	UserID          string      `json:"userId,omitempty"`
	MerchantID      string      `json:"merchantId,omitempty"`
	BuyerMerchantID string      `json:"buyerMerchantId,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}

// actorKey is the subscription index: "user:usr_1", "merchant:mer_7".
type actorKey struct {
	actorType string
	actorID   string
}

func (k actorKey) empty() bool { return k.actorType == "" && k.actorID == "" }

// subscribeRequest is what a client sends over the connection to (re)bind
// its subscription. A client holds exactly one key at a time; subscribing
// again replaces it.
type subscribeRequest struct {
	ActorType string `json:"actorType"`
	ActorID   string `json:"actorId"`
}

type subscribeMsg struct {
	client *Client
	key    actorKey
}

// Client represents a WebSocket connection bound to one actor key.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	key  actorKey
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections and the subscription index.
type Hub struct {
	clients     map[*Client]bool
	subscribers map[actorKey]map[*Client]bool
	broadcast   chan *Event
	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscribeMsg
	mu          sync.RWMutex
	logger      *slog.Logger
	done        chan struct{} // closed when Run exits; prevents upgrade race
	maxClients  int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new subscription fabric hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		subscribers: make(map[actorKey]map[*Client]bool),
		broadcast:   make(chan *Event, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan subscribeMsg),
		logger:      logger,
		done:        make(chan struct{}),
		maxClients:  MaxClients,
	}
}

// Run starts the hub's main loop. All mutation of clients/subscribers
// happens here, so neither map needs its own lock beyond h.mu, which exists
// only so HandleWebSocket/Stats can read the client count from outside the
// loop goroutine.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.subscribers = make(map[actorKey]map[*Client]bool)
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.detach(client, client.currentKey())
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case msg := <-h.subscribe:
			h.detach(msg.client, msg.client.currentKey())
			msg.client.mu.Lock()
			msg.client.key = msg.key
			msg.client.mu.Unlock()
			if !msg.key.empty() {
				if h.subscribers[msg.key] == nil {
					h.subscribers[msg.key] = make(map[*Client]bool)
				}
				h.subscribers[msg.key][msg.client] = true
			}

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			recipients := h.recipients(event)
			payload := h.serialize(event)
			var slow []*Client
			for client := range recipients {
				select {
				case client.send <- payload:
				default:
					slow = append(slow, client)
				}
			}
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				for _, client := range slow {
					h.detach(client, client.currentKey())
				}
				metrics.ActiveWebSocketClients.Set(float64(n))
			}
		}
	}
}

// detach removes client from the subscriber set for key, if present. Only
// called from the Run loop, so the subscribers map needs no lock.
func (h *Hub) detach(client *Client, key actorKey) {
	if key.empty() {
		return
	}
	set, ok := h.subscribers[key]
	if !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.subscribers, key)
	}
}

func (c *Client) currentKey() actorKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// recipients computes the deduplicated set of clients an event reaches,
// per spec §4.8's recipient rules.
func (h *Hub) recipients(event *Event) map[*Client]bool {
	out := make(map[*Client]bool)
	add := func(key actorKey) {
		for c := range h.subscribers[key] {
			out[c] = true
		}
	}
	if event.UserID != "" {
		add(actorKey{"user", event.UserID})
	}
	if event.MerchantID != "" {
		add(actorKey{"merchant", event.MerchantID})
	}
	if event.BuyerMerchantID != "" {
		add(actorKey{"merchant", event.BuyerMerchantID})
	}
	if marketWide[event.Type] {
		for key, clients := range h.subscribers {
			if key.actorType != "merchant" {
				continue
			}
			for c := range clients {
				out[c] = true
			}
		}
	}
	return out
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Publish delivers an event to subscribed clients, best-effort. The
// notification outbox remains the durable retry path; this is the
// low-latency inline fan-out alongside it.
func (h *Hub) Publish(event Event) {
	select {
	case h.broadcast <- &event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type, "order_id", event.OrderID)
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription requests from the WebSocket.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var req subscribeRequest
		if err := json.Unmarshal(message, &req); err != nil || req.ActorType == "" || req.ActorID == "" {
			continue
		}
		c.hub.subscribe <- subscribeMsg{client: c, key: actorKey{actorType: req.ActorType, actorID: req.ActorID}}
	}
}

// writePump writes messages and pings to the WebSocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
