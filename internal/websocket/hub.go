// Package websocket pushes connection events to the user's open browser
// sessions.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/asimhafeezz/pm-agent-sub000/internal/models"
)

const (
	TypeConnectionEvent = "connection_event"
	TypePing            = "ping"
	TypePong            = "pong"

	sendBuffer = 64
)

// Message represents a WebSocket message
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// Client represents a WebSocket client
type Client struct {
	UserID string
	Conn   *websocket.Conn
	Hub    *Hub
	Send   chan []byte
}

type envelope struct {
	userID string
	data   []byte
}

// Hub maintains active clients and routes messages to the clients of a
// single user.
type Hub struct {
	clients        map[string]map[*Client]struct{}
	outbound       chan envelope
	register       chan *Client
	unregister     chan *Client
	done           chan struct{}
	mu             sync.RWMutex
	auth           Authenticator
	allowedOrigins []string
	logger         *zap.Logger
}

// NewHub creates a new Hub
func NewHub(auth Authenticator, allowedOrigins []string, logger *zap.Logger) *Hub {
	return &Hub{
		clients:        make(map[string]map[*Client]struct{}),
		outbound:       make(chan envelope, 256),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		done:           make(chan struct{}),
		auth:           auth,
		allowedOrigins: allowedOrigins,
		logger:         logger.With(zap.String("component", "websocket")),
	}
}

// Run dispatches until ctx is done. Sessions opened after that are closed
// straight away. Run must be called once.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for userID, set := range h.clients {
				for client := range set {
					close(client.Send)
				}
				delete(h.clients, userID)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.UserID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.UserID] = set
			}
			set[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("WebSocket client connected", zap.String("user_id", client.UserID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()
			h.logger.Debug("WebSocket client disconnected", zap.String("user_id", client.UserID))

		case msg := <-h.outbound:
			h.mu.Lock()
			for client := range h.clients[msg.userID] {
				select {
				case client.Send <- msg.data:
				default:
					// Slow consumer; it reconnects and reloads state.
					h.drop(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop must be called with mu held.
func (h *Hub) drop(client *Client) {
	set, ok := h.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	close(client.Send)
	if len(set) == 0 {
		delete(h.clients, client.UserID)
	}
}

// ClientCount returns the number of open sessions for a user.
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// SendToUser queues a message for every session of userID. It never blocks;
// messages are dropped when the hub is saturated.
func (h *Hub) SendToUser(userID, msgType string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msgJSON, err := json.Marshal(Message{Type: msgType, Payload: payloadJSON})
	if err != nil {
		return err
	}

	select {
	case h.outbound <- envelope{userID: userID, data: msgJSON}:
	default:
		h.logger.Warn("WebSocket outbound queue full, dropping message",
			zap.String("user_id", userID),
			zap.String("type", msgType),
		)
	}
	return nil
}

// PublishConnectionEvent pushes a recorded connection event to its owner.
func (h *Hub) PublishConnectionEvent(event models.ConnectionEvent) {
	if err := h.SendToUser(event.UserID, TypeConnectionEvent, event); err != nil {
		h.logger.Warn("Failed to publish connection event", zap.Error(err))
	}
}

// HandleWebSocket handles WebSocket connections
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on the upgrade request
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	userID, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		h.logger.Info("WebSocket connection rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	allowedOrigins := h.allowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"localhost:3000"}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(allowedOrigins),
	})
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		UserID: userID,
		Conn:   conn,
		Hub:    h,
		Send:   make(chan []byte, sendBuffer),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go client.writePump()
	go client.readPump()
}

// originPatterns strips schemes; the library matches against the host only.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimPrefix(origin, "https://")
		origin = strings.TrimPrefix(origin, "http://")
		patterns = append(patterns, strings.TrimRight(origin, "/"))
	}
	return patterns
}

func isNormalClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()
	for {
		_, message, err := c.Conn.Read(ctx)
		if err != nil {
			if !isNormalClosure(err) {
				c.Hub.logger.Debug("WebSocket read failed", zap.String("user_id", c.UserID), zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.Hub.logger.Debug("Failed to parse WebSocket message", zap.Error(err))
			continue
		}

		c.handleMessage(msg)
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump() {
	ctx := context.Background()
	for message := range c.Send {
		if err := c.Conn.Write(ctx, websocket.MessageText, message); err != nil {
			if !isNormalClosure(err) {
				c.Hub.logger.Debug("WebSocket write failed", zap.String("user_id", c.UserID), zap.Error(err))
			}
			return
		}
	}
	c.Conn.Close(websocket.StatusGoingAway, "")
}

// handleMessage handles incoming WebSocket messages
func (c *Client) handleMessage(msg Message) {
	switch msg.Type {
	case TypePing:
		_ = c.Hub.SendToUser(c.UserID, TypePong, struct{}{})
	default:
		c.Hub.logger.Debug("Unknown WebSocket message type", zap.String("type", msg.Type))
	}
}
