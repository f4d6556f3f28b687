package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/events"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	maxReplay      = 500
)

// Client is one WebSocket observer. It owns exactly one broadcaster
// subscription for the lifetime of the connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	sub  *events.Subscription
	once sync.Once
}

// Hub tracks connected event-stream clients.
type Hub struct {
	logger   *zap.Logger
	bus      *events.EventBus
	upgrader websocket.Upgrader
	clients  map[*Client]bool
	mu       sync.RWMutex
}

// NewHub creates a hub that streams events from bus.
func NewHub(logger *zap.Logger, bus *events.EventBus, checkOrigin func(*http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		logger: logger.Named("ws"),
		bus:    bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[*Client]bool),
	}
}

// ServeWS upgrades the request and starts streaming. The optional replay
// query parameter sends that many recent events first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	replay := 0
	if v := r.URL.Query().Get("replay"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(h.logger, w, http.StatusBadRequest, "replay must be a non-negative integer")
			return
		}
		replay = min(n, maxReplay)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		sub:  h.bus.Subscribe(events.SubscriptionOptions{Replay: replay}),
	}
	h.register(client)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("Client registered", zap.String("id", c.id), zap.Int("clients", n))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("Client unregistered",
			zap.String("id", c.id),
			zap.Int64("dropped", c.sub.Dropped()))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

// close releases the subscription and the connection. Safe to call from
// both pumps.
func (c *Client) close() {
	c.once.Do(func() {
		c.sub.Unsubscribe()
		c.conn.Close()
		c.hub.unregister(c)
	})
}

// readPump only services control frames; observers never send commands.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket read error", zap.String("id", c.id), zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards events in publication order and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case e, ok := <-c.sub.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteJSON(e); err != nil {
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
