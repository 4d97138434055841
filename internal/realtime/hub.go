package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// ConnectionObserver is told when the number of connected clients changes.
type ConnectionObserver interface {
	SetConnections(n int)
}

// Hub fans messages out to every connected websocket client.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	observer ConnectionObserver

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithAllowedOrigin restricts upgrades to one Origin. "*" or "" allows all,
// which is what native mobile clients need.
func WithAllowedOrigin(origin string) HubOption {
	return func(h *Hub) {
		if origin == "" || origin == "*" {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return o == "" || o == origin
		}
	}
}

// WithConnectionObserver reports client counts, e.g. to a metrics gauge.
func WithConnectionObserver(o ConnectionObserver) HubOption {
	return func(h *Hub) { h.observer = o }
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish encodes the event and broadcasts it to local clients.
func (h *Hub) Publish(_ context.Context, event string, payload any) error {
	msg, err := encode(event, payload)
	if err != nil {
		return err
	}
	h.Broadcast(msg)
	return nil
}

// Broadcast queues an already-encoded message for every client. Clients whose
// queue is full are disconnected rather than allowed to stall the hub.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	var slow []*client
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client", "client_id", c.id)
		h.remove(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.observe(n)
	h.logger.Info("websocket client connected", "client_id", c.id, "remote", r.RemoteAddr)

	go h.writePump(c)
	go h.readPump(c)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		n := len(h.clients)
		h.mu.Unlock()

		close(c.send)
		h.observe(n)
		h.logger.Info("websocket client disconnected", "client_id", c.id)
	})
}

func (h *Hub) observe(n int) {
	if h.observer != nil {
		h.observer.SetConnections(n)
	}
}

// readPump discards inbound messages; it exists to process pongs and notice
// when the peer goes away.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only goroutine that writes to c.conn.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
