package signaling

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meetverse/signaling-go/internals/config"
)

type MessageType string

const (
	MessageTypeCreateRoom  MessageType = "create-room"
	MessageTypeRoomCreated MessageType = "room-created"
	MessageTypeJoinRoom    MessageType = "join-room"
	MessageTypeRoomJoined  MessageType = "room-joined"
	MessageTypeRoomError   MessageType = "room-error"
	MessageTypeUserJoined  MessageType = "user-joined"
	MessageTypeUserLeft    MessageType = "user-left"
	MessageTypeOffer       MessageType = "offer"
	MessageTypeAnswer      MessageType = "answer"
	MessageTypeCandidate   MessageType = "candidate"
	MessageTypeChat        MessageType = "chat-message"
	MessageTypeError       MessageType = "error"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
)

// Message is the wire envelope for every event in both directions. Data is
// opaque to the coordinator: negotiation payloads pass through unparsed.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	From      string          `json:"from,omitempty"`
}

type RoomCreatedMessage struct {
	RoomID string `json:"roomId"`
}

type RoomJoinedMessage struct {
	RoomID    string `json:"roomId"`
	IsCreator bool   `json:"isCreator"`
}

type RoomErrorMessage struct {
	Reason string `json:"reason"`
}

type ChatMessage struct {
	Message string `json:"message"`
}

type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client wraps one websocket connection. Its ID is the connection identity
// the registry tracks; RoomID is set by the gateway on create/join and
// cleared on disconnect.
type Client struct {
	ID     string          `json:"id"`
	RoomID string          `json:"roomId"`
	Conn   *websocket.Conn `json:"-"`
	Send   chan Message    `json:"-"`

	LastPing time.Time `json:"lastPing"`

	mu        sync.RWMutex
	closeOnce sync.Once
	closed    atomic.Bool
	cfg       config.SignalingConfig
	logger    *zap.Logger

	// Callbacks
	OnMessage    func(*Client, Message)
	OnDisconnect func(*Client)
}

// Hub tracks every live client. Registration, unregistration and keepalive
// pings funnel through Run's select loop.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	cfg        config.SignalingConfig
	mu         sync.RWMutex
	logger     *zap.Logger
}

func NewHub(cfg config.SignalingConfig, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		cfg:        cfg,
		logger:     logger,
	}
}

func (h *Hub) Run() {
	ticker := time.NewTicker(h.cfg.HubPingInterval)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()

			h.logger.Info("Client registered", zap.String("connID", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				client.closeSend()
			}
			h.mu.Unlock()

			h.logger.Info("Client unregistered", zap.String("connID", client.ID))

		case <-ticker.C:
			h.pingClients()
		}
	}
}

func (h *Hub) pingClients() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	pingMessage := Message{
		Type:      MessageTypePing,
		Timestamp: time.Now(),
	}

	for _, client := range clients {
		select {
		case client.Send <- pingMessage:
			client.mu.Lock()
			client.LastPing = time.Now()
			client.mu.Unlock()
		default:
			// Send buffer full; unregister asynchronously since this runs
			// on the Run loop that drains h.unregister.
			go func(c *Client) {
				h.unregister <- c
			}(client)
		}
	}
}

func (h *Hub) RegisterClient(client *Client) {
	h.register <- client
}

func (h *Hub) UnregisterClient(client *Client) {
	h.unregister <- client
}

func (h *Hub) GetClient(connID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, exists := h.clients[connID]
	return client, exists
}

func (h *Hub) GetClientsByRoom(roomID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0)
	for _, client := range h.clients {
		if client.RoomID == roomID {
			clients = append(clients, client)
		}
	}
	return clients
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func NewClient(id string, conn *websocket.Conn, cfg config.SignalingConfig, logger *zap.Logger) *Client {
	return &Client{
		ID:       id,
		Conn:     conn,
		Send:     make(chan Message, cfg.SendBufferSize),
		LastPing: time.Now(),
		cfg:      cfg,
		logger:   logger,
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.Send)
	})
}

// ReadPump reads inbound events one at a time and dispatches them
// synchronously through OnMessage. One event runs to completion before the
// next is read, which keeps per-sender relay order intact.
func (c *Client) ReadPump() {
	defer func() {
		if c.OnDisconnect != nil {
			c.OnDisconnect(c)
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.cfg.WSReadLimit)
	c.Conn.SetReadDeadline(time.Now().Add(c.cfg.WSPongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.cfg.WSPongTimeout))
		return nil
	})

	for {
		var message Message
		err := c.Conn.ReadJSON(&message)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error",
					zap.String("connID", c.ID),
					zap.Error(err),
				)
			}
			break
		}

		message.From = c.ID
		message.Timestamp = time.Now()

		if c.OnMessage != nil {
			c.OnMessage(c, message)
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WSWriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				c.logger.Error("Failed to write message",
					zap.String("connID", c.ID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WSWriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) SendMessage(message Message) {
	if c.closed.Load() {
		return
	}
	select {
	case c.Send <- message:
	default:
		c.logger.Warn("Client send channel full, dropping message",
			zap.String("connID", c.ID),
		)
	}
}

func (c *Client) SendError(code int, msg string) {
	data, err := json.Marshal(ErrorMessage{Code: code, Message: msg})
	if err != nil {
		c.logger.Error("Failed to marshal error message", zap.Error(err))
		return
	}

	c.SendMessage(Message{
		Type:      MessageTypeError,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// SendRoomError surfaces a recoverable join failure as a room-error event.
func (c *Client) SendRoomError(reason string) {
	data, err := json.Marshal(RoomErrorMessage{Reason: reason})
	if err != nil {
		c.logger.Error("Failed to marshal room error", zap.Error(err))
		return
	}

	c.SendMessage(Message{
		Type:      MessageTypeRoomError,
		Data:      data,
		Timestamp: time.Now(),
	})
}
