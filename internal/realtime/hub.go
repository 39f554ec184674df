// Package realtime streams deal changes to WebSocket clients.
//
// Clients connect to /ws (optionally ?address=0x.. or ?deal=<id> to start
// narrowed) and may send a Subscription JSON message at any time to change
// what they receive. Each accepted subscription is acknowledged.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/nftescrow/internal/metrics"
	"github.com/mbd888/nftescrow/internal/mirror"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxMessageSize = 16 * 1024 // subscription messages only
	sendBuffer     = 256

	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000
)

// normalCloseCodes are close codes for an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Event is one deal change pushed to subscribed clients.
type Event struct {
	Type      mirror.Action `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Deal      *mirror.Deal  `json:"deal"`
	Actor     string        `json:"actor,omitempty"`
	TxHash    string        `json:"transactionHash,omitempty"`
}

// Subscription filters for a client. Filters combine with AND; an empty
// filter matches everything.
type Subscription struct {
	AllEvents bool            `json:"allEvents"`
	Actions   []mirror.Action `json:"actions"`
	Addresses []string        `json:"addresses"` // creator or counterparty
	DealIDs   []string        `json:"dealIds"`
}

type ack struct {
	Type         string       `json:"type"`
	Subscription Subscription `json:"subscription"`
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte // closed by the hub
	ctrl chan []byte // acks from readPump; never closed
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) setSubscription(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// Hub fans deal events out to connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	origins    map[string]bool // nil: same-host only; "*": any
	done       chan struct{}   // closed when Run exits
	maxClients int

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
	slowClients   atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithOrigins allows browser connections from the given origins in
// addition to the serving host. "*" allows any origin.
func (h *Hub) WithOrigins(origins []string) *Hub {
	if len(origins) == 0 {
		return h
	}
	h.origins = make(map[string]bool, len(origins))
	for _, o := range origins {
		h.origins[strings.TrimRight(o, "/")] = true
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
	return h.origins["*"] || h.origins[origin]
}

// Run is the hub's main loop. It closes every client when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := int64(len(h.clients))
			h.mu.Unlock()
			h.totalClients.Add(1)
			if n > h.peakClients.Load() {
				h.peakClients.Store(n)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

// fanOut serializes event once and queues it for every matching client.
// A client whose buffer is full is disconnected rather than blocking the hub.
func (h *Hub) fanOut(event *Event) {
	h.totalEvents.Add(1)
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("realtime event not serializable", "type", event.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !h.shouldSend(client, event) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		h.drop(client)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.slowClients.Add(int64(len(slow)))
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("disconnected slow websocket clients", "count", len(slow))
}

// caller holds h.mu
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send) // writePump sends the close frame
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		h.drop(client)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// shouldSend checks if event matches client's subscription
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	sub := client.subscription()
	if sub.AllEvents {
		return true
	}
	if len(sub.Actions) > 0 && !containsAction(sub.Actions, event.Type) {
		return false
	}
	if len(sub.Addresses) > 0 && (event.Deal == nil || !involves(event.Deal, sub.Addresses)) {
		return false
	}
	if len(sub.DealIDs) > 0 && (event.Deal == nil || !containsString(sub.DealIDs, event.Deal.ID)) {
		return false
	}
	return true
}

func involves(d *mirror.Deal, addrs []string) bool {
	for _, addr := range addrs {
		if strings.EqualFold(addr, d.CreatorAddress) ||
			(d.CounterpartyAddress != "" && strings.EqualFold(addr, d.CounterpartyAddress)) {
			return true
		}
	}
	return false
}

func containsAction(list []mirror.Action, a mirror.Action) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// Broadcast queues an event for fan-out. It never blocks; when the queue
// is full the event is dropped and counted.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast queue full, dropping event", "type", event.Type)
	}
}

var _ mirror.Notifier = (*Hub)(nil)

// Notify implements mirror.Notifier by broadcasting the applied change.
func (h *Hub) Notify(_ context.Context, ev *mirror.Event) {
	if ev == nil || ev.Deal == nil {
		return
	}
	h.Broadcast(&Event{
		Type:      ev.Action,
		Timestamp: time.Now(),
		Deal:      ev.Deal,
		Actor:     ev.Actor,
		TxHash:    ev.TxHash,
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return map[string]any{
		"connectedClients": n,
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.droppedEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
		"slowClients":      h.slowClients.Load(),
	}
}

// initialSubscription narrows a new connection from its query string.
func initialSubscription(r *http.Request) Subscription {
	q := r.URL.Query()
	sub := Subscription{}
	if addr := q.Get("address"); addr != "" {
		sub.Addresses = []string{strings.ToLower(addr)}
	}
	if id := q.Get("deal"); id != "" {
		sub.DealIDs = []string{id}
	}
	if len(sub.Addresses) == 0 && len(sub.DealIDs) == 0 {
		sub.AllEvents = true
	}
	return sub
}

// HandleWebSocket upgrades HTTP to WebSocket
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

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		ctrl: make(chan []byte, 4),
		sub:  initialSubscription(r),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		for i, addr := range sub.Addresses {
			sub.Addresses[i] = strings.ToLower(addr)
		}
		c.setSubscription(sub)
		if data, err := json.Marshal(ack{Type: "subscribed", Subscription: sub}); err == nil {
			select {
			case c.ctrl <- data:
			default:
			}
		}
	}
}

// writePump drains send and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case message := <-c.ctrl:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
