// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package adminws pushes live failover/backend-status events to admin
// dashboards over a WebSocket, grounded on this codebase's hub/client
// pattern (register/unregister channels, priority-ordered select, ping
// keepalive) but driven by the supervisor's own event types instead of
// media-server playback events.
package adminws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// EventType names the kinds of events the hub broadcasts.
type EventType string

const (
	EventBackendStatus  EventType = "backend_status"
	EventFailoverSweep  EventType = "failover_sweep"
	EventFollowPrimary  EventType = "follow_primary"
	EventChildRestarted EventType = "child_restarted"
)

// Event is one message broadcast to every connected admin client.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub maintains the set of connected admin clients and fans out Events.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	log        zerolog.Logger
}

// NewHub returns a Hub ready to Serve.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		log:        log,
	}
}

// Broadcast queues ev for delivery to every connected client. Never
// blocks: a full broadcast channel drops the event and logs it, since a
// stalled admin dashboard must never back-pressure the supervisor core.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn().Str("event_type", string(ev.Type)).Msg("adminws: broadcast channel full, dropping event")
	}
}

// ClientCount reports the number of currently connected admin clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve implements suture.Service: runs the hub's event loop until ctx is
// canceled, then closes every connected client.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Debug().Int("clients", h.ClientCount()).Msg("adminws: client connected")
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.log.Debug().Int("clients", h.ClientCount()).Msg("adminws: client disconnected")
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.log.Warn().Uint64("client", c.id).Msg("adminws: client send buffer full, dropping")
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) String() string { return "adminws-hub" }

// ServeHTTP upgrades the request to a WebSocket and registers the new
// client with the hub. Mount at the admin router's /ws route.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("adminws: upgrade failed")
		return
	}
	c := newClient(h, conn)
	h.register <- c
	c.start()
}

var clientIDCounter atomic.Uint64

type client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	send chan Event
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{id: clientIDCounter.Add(1), hub: h, conn: conn, send: make(chan Event, 32)}
}

func (c *client) start() {
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
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
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
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
