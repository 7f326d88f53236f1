package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perp-gateway/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	clientBuffer   = 256
)

// Hub fans events.Bus events out to connected WebSocket clients. Each
// client filters to the sub-account it connected with; an unfiltered
// client (empty sub_account) sees every event, for operator tooling.
type Hub struct {
	bus *events.Bus

	mu      sync.RWMutex
	clients map[*wsClient]bool

	logger *slog.Logger
}

// NewHub creates an event fan-out hub bound to bus.
func NewHub(bus *events.Bus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:     bus,
		clients: make(map[*wsClient]bool),
		logger:  logger.With("component", "api_hub"),
	}
}

// Run drains the bus subscription and broadcasts to every registered
// client until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ch, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(evt)
		}
	}
}

func (h *Hub) broadcast(evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal event for broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subAccount != "" && c.subAccount != evt.SubAccountID {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("client send buffer full, dropping event", "sub_account", c.subAccount)
		}
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// wsClient is one connected WebSocket subscriber.
type wsClient struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	subAccount string
}

func newWSClient(hub *Hub, conn *websocket.Conn, subAccount string) *wsClient {
	c := &wsClient{hub: hub, conn: conn, send: make(chan []byte, clientBuffer), subAccount: subAccount}
	hub.register(c)
	go c.writePump()
	go c.readPump()
	return c
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// readPump is read-only: clients never send commands over this socket.
func (c *wsClient) readPump() {
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
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			break
		}
	}
}
