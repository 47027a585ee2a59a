package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

// client is one websocket connection. It may subscribe to specific topics;
// with no subscriptions it receives every event.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan *Message
	done chan struct{}
	id   string

	closeOnce sync.Once

	topicsMu sync.RWMutex
	topics   map[string]bool
}

// controlMessage is what clients send us: topic subscribe/unsubscribe.
type controlMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

func (c *client) wants(topic string) bool {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	if len(c.topics) == 0 {
		return true
	}
	return c.topics[topic]
}

// readPump consumes control messages until the connection drops.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.logger.Warnw("WebSocket read error",
					"error", err.Error(),
					"client_id", c.id,
				)
			}
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.hub.logger.Debugw("Ignoring malformed client message",
				"client_id", c.id,
				"error", err.Error(),
			)
			continue
		}
		c.routeMessage(&msg)
	}
}

func (c *client) routeMessage(msg *controlMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.Topic == "" {
			return
		}
		c.topicsMu.Lock()
		c.topics[msg.Topic] = true
		c.topicsMu.Unlock()
		c.hub.logger.Debugw("Client subscribed",
			"client_id", c.id,
			"topic", msg.Topic,
		)
	case "unsubscribe":
		c.topicsMu.Lock()
		delete(c.topics, msg.Topic)
		c.topicsMu.Unlock()
	case "ping":
		// Deadline refresh handled by the pong handler
	default:
		c.hub.logger.Debugw("Unknown message type",
			"type", msg.Type,
			"client_id", c.id,
		)
	}
}

// writePump writes queued events to the connection and keeps it alive with
// periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.logger.Debugw("Message write error",
					"error", err.Error(),
					"client_id", c.id,
				)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close signals the write pump to exit. The send channel itself is never
// closed: Publish may race with disconnection, and sending on a closed
// channel would panic the publisher.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
