package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub fans status events out to websocket clients. Sends are non-blocking:
// a client whose channel is full misses the event rather than stalling the
// publisher.
type Hub struct {
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates a websocket hub. allowedOrigins restricts upgrade requests;
// empty means same-origin checks are skipped (local deployments).
func NewHub(logger *zap.SugaredLogger, allowedOrigins []string) *Hub {
	h := &Hub{
		logger:  logger,
		clients: make(map[*client]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Publish sends an event to every connected client subscribed to the topic.
// Implements StatusSink.
func (h *Hub) Publish(topic, event string, payload any) {
	msg := &Message{
		Type:      event,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if !c.wants(topic) {
			continue
		}
		select {
		case c.send <- msg:
			sent++
		default:
			// Channel full - skip
		}
	}

	h.logger.Debugw("Broadcasted status event",
		"topic", topic,
		"event", event,
		"clients", sent,
	)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request to a websocket connection and registers
// the client with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan *Message, 64),
		done:   make(chan struct{}),
		id:     uuid.New().String(),
		topics: make(map[string]bool),
	}

	h.register(c)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debugw("Client connected", "client_id", c.id)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
	h.logger.Debugw("Client disconnected", "client_id", c.id)
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
		c.conn.Close()
	}
	h.mu.Unlock()
}
