package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sentinelguard/sentinel/internal/event"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
)

// newUpgrader accepts only same-origin browser requests. Non-browser clients
// send no Origin header and are accepted.
func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// EventHub fans events out to WebSocket clients. It is an event.Sink: Emit
// never blocks, and a client whose buffer is full is disconnected.
type EventHub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	closed   bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventHub creates an empty hub.
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		clients:  make(map[*client]struct{}),
		upgrader: newUpgrader(),
		logger:   logger,
	}
}

// HandleWebSocket upgrades an HTTP connection and subscribes it to the feed.
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr())
	go h.writePump(c)
	go h.readPump(c)
}

// writePump is the only writer on c.conn.
func (h *EventHub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("failed to write to websocket client", "error", err)
			h.remove(c)
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump discards client messages and detects disconnects.
func (h *EventHub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
	h.logger.Debug("websocket client disconnected", "remote", c.conn.RemoteAddr())
}

// remove unsubscribes c. Its send channel is closed exactly once.
func (h *EventHub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *EventHub) removeLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Emit broadcasts e to every connected client.
func (h *EventHub) Emit(e event.Event) {
	msg, err := json.Marshal(map[string]any{
		"type": "event",
		"data": e,
	})
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("websocket client too slow, disconnecting", "remote", c.conn.RemoteAddr())
			h.removeLocked(c)
		}
	}
}

// Close disconnects every client. Later connections are refused.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
