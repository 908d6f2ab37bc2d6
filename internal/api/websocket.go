package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"autotrader/internal/auth"
	"autotrader/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient is one websocket connection of a user
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	userID string
	once   sync.Once
}

// Hub fans engine events out to websocket clients. Events carrying a user
// ID only reach that user's connections; the rest go to everyone.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*wsClient]bool
	userClients map[string]map[*wsClient]bool
	closed      bool
	logger      zerolog.Logger
}

// NewHub creates a hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*wsClient]bool),
		userClients: make(map[string]map[*wsClient]bool),
		logger:      logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Attach subscribes the hub to every event on the bus
func (h *Hub) Attach(bus *events.EventBus) {
	bus.SubscribeAll(h.Publish)
}

// Publish routes an event to its recipients. Clients whose buffer is full
// are disconnected.
func (h *Hub) Publish(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to marshal event")
		return
	}

	var slow []*wsClient
	h.mu.RLock()
	targets := h.clients
	if event.UserID != "" {
		targets = h.userClients[event.UserID]
	}
	for c := range targets {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("user_id", c.userID).Msg("WebSocket client too slow, disconnecting")
		h.unregister(c)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UserClientCount returns the number of connections of userID
func (h *Hub) UserClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients[userID])
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	if h.userClients[c.userID] == nil {
		h.userClients[c.userID] = make(map[*wsClient]bool)
	}
	h.userClients[c.userID][c] = true
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked drops c and closes its send channel; h.mu must be held
func (h *Hub) removeLocked(c *wsClient) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	if set := h.userClients[c.userID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.userClients, c.userID)
		}
	}
	c.once.Do(func() { close(c.send) })
}

// DisconnectUser closes every connection of userID
func (h *Hub) DisconnectUser(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.userClients[userID])
	for c := range h.userClients[userID] {
		h.removeLocked(c)
	}
	if n > 0 {
		h.logger.Info().Str("user_id", userID).Int("connections", n).Msg("Disconnected user websockets")
	}
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// writePump pumps messages from the hub to the websocket connection
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

// readPump keeps the read deadline fresh and detects disconnects. Clients
// are not expected to send anything.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Str("user_id", c.userID).Msg("WebSocket read error")
			}
			return
		}
	}
}

// handleWebSocket upgrades the request and registers the caller's connection
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    s.hub,
		userID: auth.GetUserID(c),
	}
	if data, err := json.Marshal(gin.H{
		"type":      "CONNECTED",
		"message":   "WebSocket connection established",
		"timestamp": time.Now(),
	}); err == nil {
		client.send <- data
	}
	if !s.hub.register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
