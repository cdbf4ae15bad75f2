// Package websocket streams lifecycle events to connected clients.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/dispatcher"
	"github.com/garyjia/expense-approval/internal/domain/event"
	"github.com/garyjia/expense-approval/internal/metrics"
)

const (
	// MaxClients caps concurrent feed connections
	MaxClients = 1000

	sendBuffer     = 64
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

var normalCloseCodes = []int{
	ws.CloseNormalClosure,
	ws.CloseGoingAway,
	ws.CloseNoStatusReceived,
}

var upgrader = ws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// Subscription narrows what a client receives. The zero value receives everything.
type Subscription struct {
	EventTypes []event.Type `json:"event_types"`
	ExpenseID  string       `json:"expense_id"`
	EmployeeID string       `json:"employee_id"`
}

// Matches reports whether evt passes the filter
func (s Subscription) Matches(evt *event.Event) bool {
	if len(s.EventTypes) > 0 {
		found := false
		for _, t := range s.EventTypes {
			if t == evt.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.ExpenseID != "" && s.ExpenseID != evt.ExpenseID {
		return false
	}
	if s.EmployeeID != "" && s.EmployeeID != evt.GetPayloadString("employee_id") {
		return false
	}
	return true
}

type client struct {
	hub  *Hub
	conn *ws.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Hub fans dispatched events out to feed clients
type Hub struct {
	clients    map[*client]bool
	broadcast  chan *event.Event
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	done       chan struct{}
	logger     *zap.Logger
	maxClients int

	totalEvents  atomic.Int64
	droppedSlow  atomic.Int64
	totalClients atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *event.Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
		maxClients: MaxClients,
	}
}

// Subscribe feeds every dispatched event into the hub
func (h *Hub) Subscribe(d dispatcher.Dispatcher) {
	d.SubscribeAll("websocket_feed", h.Publish)
}

// Publish queues an event for broadcast without blocking the dispatcher
func (h *Hub) Publish(ctx context.Context, evt *event.Event) error {
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn("Event feed backlog full, dropping event",
			zap.String("event_type", evt.Type.String()),
			zap.String("expense_id", evt.ExpenseID))
	}
	return nil
}

// Run is the hub loop. It closes every client when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Event feed hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("Event feed hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("Feed client connected", zap.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("Feed client disconnected", zap.Int("clients", n))

		case evt := <-h.broadcast:
			h.totalEvents.Add(1)
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error("Failed to encode event", zap.Error(err))
				continue
			}
			h.deliver(evt, data)
		}
	}
}

func (h *Hub) deliver(evt *event.Event, data []byte) {
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(evt) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if _, ok := h.clients[c]; ok {
			close(c.send)
			delete(h.clients, c)
			h.droppedSlow.Add(1)
		}
	}
	h.mu.Unlock()
}

// Stats reports connection and delivery counters
func (h *Hub) Stats() map[string]int64 {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return map[string]int64{
		"connected_clients": int64(n),
		"total_clients":     h.totalClients.Load(),
		"total_events":      h.totalEvents.Load(),
		"dropped_slow":      h.droppedSlow.Load(),
	}
}

// ServeHTTP upgrades the request and registers the client. Query parameters
// expense_id and employee_id set the initial subscription; clients may send
// a JSON Subscription at any time to replace it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	q := r.URL.Query()
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{ExpenseID: q.Get("expense_id"), EmployeeID: q.Get("employee_id")},
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
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
			if !ws.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("Websocket read error", zap.Error(err))
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

func (c *client) writePump() {
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
				_ = c.conn.WriteMessage(ws.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(ws.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(ws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
