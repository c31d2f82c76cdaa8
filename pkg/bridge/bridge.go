// Package bridge serves a local WebSocket feed of daemon events so UIs
// can refresh their display without polling.
package bridge

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warpgate/warpgate/pkg/logger"
)

// Event is a single message on the feed
type Event struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// Hub accepts WebSocket clients and fans published events out to them.
// Slow clients lose events instead of blocking the publisher.
type Hub struct {
	addr     string
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	server  *http.Server
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// New creates a hub listening on addr once started
func New(addr string, log *logger.Logger) *Hub {
	return &Hub{
		addr: addr,
		log:  log,
		upgrader: websocket.Upgrader{
			// feed is loopback-only, any local origin may connect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

// Start binds the listener and serves in the background
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	h.server = &http.Server{Handler: mux}

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.log.Error("event bridge stopped: %v", err)
		}
	}()
	h.log.Info("event bridge listening on %s", h.addr)
	return nil
}

// Shutdown closes the listener and all client connections
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// Publish fans an event out to every connected client
func (h *Hub) Publish(event string, payload any) {
	msg := Event{Type: event, Payload: payload, Time: time.Now()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// client is not keeping up, drop the event
		}
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan Event, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("event bridge client connected: %s", conn.RemoteAddr())

	go h.writePump(c)
	h.readPump(c)
}

// writePump drains the client's send queue onto the wire
func (h *Hub) writePump(c *client) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteJSON(msg); err != nil {
			break
		}
	}
	c.conn.Close()
}

// readPump discards inbound messages and detects disconnects
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	c.conn.Close()
}
