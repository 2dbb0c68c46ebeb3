package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meetverse/signaling-go/internals/config"
	appmetrics "github.com/meetverse/signaling-go/internals/metrics"
	"github.com/meetverse/signaling-go/internals/presence"
	"github.com/meetverse/signaling-go/internals/room"
	"github.com/meetverse/signaling-go/internals/signaling"
	"github.com/meetverse/signaling-go/internals/utils"
)

var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

// Gateway validates each inbound event against registry state and relays it
// to the right participant. It is the only component that mutates the
// registry on create/join; disconnects go through the presence tracker.
type Gateway struct {
	config *config.Config
	logger *zap.Logger

	registry *room.Registry
	hub      *signaling.Hub
	presence *presence.Tracker
	pubsub   *signaling.PubSubManager // nil without Redis

	httpServer *http.Server

	rateLimiters   map[string]*rate.Limiter
	rateLimitersMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func NewGateway(cfg *config.Config) *Gateway {
	logger := utils.GetLogger()
	ctx, cancel := context.WithCancel(context.Background())

	hub := signaling.NewHub(cfg.Signaling, logger)
	registry := room.NewRegistry(logger)

	var pubsub *signaling.PubSubManager
	if cfg.Redis.Enabled {
		var err error
		pubsub, err = signaling.ConnectPubSub(cfg.Redis, hub, logger)
		if err != nil {
			logger.Warn("Redis connection failed, running without cross-instance relay", zap.Error(err))
			pubsub = nil
		}
	}

	return &Gateway{
		config:       cfg,
		logger:       logger,
		registry:     registry,
		hub:          hub,
		presence:     presence.NewTracker(registry, hub, pubsub, logger),
		pubsub:       pubsub,
		rateLimiters: make(map[string]*rate.Limiter),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (g *Gateway) Start() error {
	g.logger.Info("Starting signaling server",
		zap.String("host", g.config.Server.Host),
		zap.Int("port", g.config.Server.Port),
	)

	go g.hub.Run()

	mux := http.NewServeMux()
	g.RegisterRoutes(mux)

	g.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", g.config.Server.Host, g.config.Server.Port),
		Handler:      mux,
		ReadTimeout:  g.config.Server.ReadTimeout,
		WriteTimeout: g.config.Server.WriteTimeout,
	}

	go func() {
		<-g.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
		defer shutdownCancel()
		g.httpServer.Shutdown(shutdownCtx)
	}()

	g.logger.Info("Signaling server started")
	return g.httpServer.ListenAndServe()
}

// RegisterRoutes mounts the websocket endpoint and the operational surface.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", g.handleWebSocket)
	mux.HandleFunc("/health", g.handleHealth)
	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, promhttp.Handler())
	}
}

func (g *Gateway) Stop() {
	g.logger.Info("Stopping signaling server")
	if g.pubsub != nil {
		g.pubsub.Close()
	}
	g.cancel()
}

func (g *Gateway) getClientRateLimiter(connID string) *rate.Limiter {
	g.rateLimitersMu.Lock()
	defer g.rateLimitersMu.Unlock()
	if limiter, ok := g.rateLimiters[connID]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(g.config.Signaling.RateLimitPerSec), g.config.Signaling.RateLimitBurst)
	g.rateLimiters[connID] = limiter
	return limiter
}

func (g *Gateway) removeClientRateLimiter(connID string) {
	g.rateLimitersMu.Lock()
	delete(g.rateLimiters, connID)
	g.rateLimitersMu.Unlock()
}

// --- Signaling message handling ---

// handleSignalingMessage runs on the sender's read goroutine, one event at
// a time, so relays keep per-sender FIFO order.
func (g *Gateway) handleSignalingMessage(client *signaling.Client, message signaling.Message) {
	limiter := g.getClientRateLimiter(client.ID)
	if !limiter.Allow() {
		appmetrics.RecordDrop(appmetrics.DropReasonRateLimited)
		client.SendError(429, "Rate limit exceeded")
		return
	}

	switch message.Type {
	case signaling.MessageTypeCreateRoom:
		g.handleCreateRoom(client)
	case signaling.MessageTypeJoinRoom:
		g.handleJoinRoom(client, message)
	case signaling.MessageTypeOffer, signaling.MessageTypeAnswer, signaling.MessageTypeCandidate:
		g.handleNegotiationMessage(client, message)
	case signaling.MessageTypeChat:
		g.handleChatMessage(client, message)
	case signaling.MessageTypePong:
		// no-op
	default:
		g.logger.Debug("Unknown message type", zap.String("type", string(message.Type)))
	}
}

func (g *Gateway) handleCreateRoom(client *signaling.Client) {
	if client.RoomID != "" {
		client.SendError(400, "Already in a room")
		return
	}
	if g.registry.RoomCount() >= g.config.Server.MaxRooms {
		client.SendError(503, "Room capacity reached")
		return
	}

	roomID := g.registry.CreateRoom(client.ID)
	client.RoomID = roomID

	appmetrics.RoomsCreatedTotal.Inc()
	g.updateMetrics()

	if g.pubsub != nil {
		g.pubsub.SubscribeToRoom(roomID)
	}

	data, err := json.Marshal(signaling.RoomCreatedMessage{RoomID: roomID})
	if err != nil {
		client.SendError(500, "Internal server error")
		return
	}
	client.SendMessage(signaling.Message{
		Type: signaling.MessageTypeRoomCreated, Data: data, Timestamp: time.Now(),
	})
}

func (g *Gateway) handleJoinRoom(client *signaling.Client, message signaling.Message) {
	if err := g.validateRoomID(message.RoomID); err != nil {
		client.SendError(400, err.Error())
		return
	}
	if client.RoomID != "" && client.RoomID != message.RoomID {
		client.SendError(400, "Already in a room")
		return
	}

	isCreator, err := g.registry.Join(message.RoomID, client.ID)
	if err != nil {
		switch err {
		case room.ErrRoomNotFound:
			appmetrics.RecordJoinFailure("not_found")
		case room.ErrRoomFull:
			appmetrics.RecordJoinFailure("full")
		}
		client.SendRoomError(err.Error())
		return
	}

	client.RoomID = message.RoomID
	g.updateMetrics()

	if g.pubsub != nil {
		g.pubsub.SubscribeToRoom(message.RoomID)
	}

	data, err := json.Marshal(signaling.RoomJoinedMessage{
		RoomID:    message.RoomID,
		IsCreator: isCreator,
	})
	if err != nil {
		client.SendError(500, "Internal server error")
		return
	}
	client.SendMessage(signaling.Message{
		Type: signaling.MessageTypeRoomJoined, Data: data, Timestamp: time.Now(),
	})

	g.logger.Info("Participant joined",
		zap.String("roomID", message.RoomID),
		zap.String("connID", client.ID),
		zap.Bool("isCreator", isCreator),
	)

	notice := signaling.Message{
		Type:      signaling.MessageTypeUserJoined,
		Timestamp: time.Now(),
		From:      client.ID,
	}
	g.deliverToPeers(message.RoomID, client.ID, notice)
}

// handleNegotiationMessage relays offer/answer/candidate payloads verbatim
// to the other participant. The sender must be a participant of the stated
// room; anything else is a stale or forged request and is dropped without a
// reply.
func (g *Gateway) handleNegotiationMessage(client *signaling.Client, message signaling.Message) {
	peers, member := g.registry.Peers(message.RoomID, client.ID)
	if !member {
		appmetrics.RecordDrop(appmetrics.DropReasonNotParticipant)
		g.logger.Debug("Dropping out-of-room negotiation message",
			zap.String("type", string(message.Type)),
			zap.String("roomID", message.RoomID),
			zap.String("connID", client.ID),
		)
		return
	}

	relay := signaling.Message{
		Type:      message.Type,
		Data:      message.Data,
		Timestamp: time.Now(),
		From:      client.ID,
	}

	delivered := g.relayToPeers(message.RoomID, peers, relay)
	if delivered == 0 {
		appmetrics.RecordDrop(appmetrics.DropReasonNoPeer)
		return
	}
	appmetrics.RecordRelay(string(message.Type))
}

// handleChatMessage relays a chat line to the other participant. Nothing is
// stored; with no peer present the message is dropped.
func (g *Gateway) handleChatMessage(client *signaling.Client, message signaling.Message) {
	peers, member := g.registry.Peers(message.RoomID, client.ID)
	if !member {
		appmetrics.RecordDrop(appmetrics.DropReasonNotParticipant)
		g.logger.Debug("Dropping out-of-room chat message",
			zap.String("roomID", message.RoomID),
			zap.String("connID", client.ID),
		)
		return
	}

	relay := signaling.Message{
		Type:      signaling.MessageTypeChat,
		Data:      message.Data,
		Timestamp: time.Now(),
		From:      client.ID,
	}

	delivered := g.relayToPeers(message.RoomID, peers, relay)
	if delivered == 0 {
		appmetrics.RecordDrop(appmetrics.DropReasonNoPeer)
		return
	}
	appmetrics.RecordRelay(string(signaling.MessageTypeChat))
}

// relayToPeers delivers to each peer, locally when connected here and via
// pub/sub otherwise. Returns how many peers were addressed.
func (g *Gateway) relayToPeers(roomID string, peers []string, msg signaling.Message) int {
	delivered := 0
	for _, peerID := range peers {
		if peer, ok := g.hub.GetClient(peerID); ok {
			peer.SendMessage(msg)
			delivered++
			continue
		}
		if g.pubsub != nil {
			if err := g.pubsub.PublishToRoom(roomID, peerID, msg); err == nil {
				delivered++
			}
		}
	}
	return delivered
}

// deliverToPeers is relayToPeers for notifications where delivery is
// best-effort and the count is irrelevant.
func (g *Gateway) deliverToPeers(roomID, senderID string, msg signaling.Message) {
	peers, _ := g.registry.Peers(roomID, senderID)
	g.relayToPeers(roomID, peers, msg)
}

func (g *Gateway) handleClientDisconnect(client *signaling.Client) {
	dep := g.presence.HandleDisconnect(client)

	if dep.Deleted && g.pubsub != nil {
		g.pubsub.UnsubscribeFromRoom(dep.RoomID)
	}

	g.removeClientRateLimiter(client.ID)
	g.hub.UnregisterClient(client)
	appmetrics.ActiveConnections.Dec()
	g.updateMetrics()
}

func (g *Gateway) validateRoomID(id string) error {
	if id == "" {
		return fmt.Errorf("roomId is required")
	}
	if len(id) > g.config.Signaling.MaxRoomIDLength {
		return fmt.Errorf("roomId exceeds maximum length of %d", g.config.Signaling.MaxRoomIDLength)
	}
	if !safeIDPattern.MatchString(id) {
		return fmt.Errorf("roomId contains invalid characters")
	}
	return nil
}

func (g *Gateway) updateMetrics() {
	appmetrics.ActiveRooms.Set(float64(g.registry.RoomCount()))
}

// --- Health ---

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	redisStatus := "disabled"
	instanceID := ""
	if g.pubsub != nil {
		instanceID = g.pubsub.GetInstanceID()
		if err := g.pubsub.Ping(); err != nil {
			redisStatus = "error: " + err.Error()
		} else {
			redisStatus = "connected"
		}
	}

	status := "healthy"
	if redisStatus != "connected" && redisStatus != "disabled" {
		status = "degraded"
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      status,
		"timestamp":   time.Now(),
		"instanceId":  instanceID,
		"redis":       redisStatus,
		"rooms":       g.registry.RoomCount(),
		"connections": g.hub.ClientCount(),
	})
}

// --- WebSocket ---

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(g.config.Server.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients (tests, CLI tooling) send no Origin.
				return true
			}
			for _, allowed := range g.config.Server.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := signaling.NewClient(uuid.New().String(), conn, g.config.Signaling, g.logger)
	client.OnMessage = g.handleSignalingMessage
	client.OnDisconnect = g.handleClientDisconnect

	g.hub.RegisterClient(client)
	appmetrics.ConnectionsTotal.Inc()
	appmetrics.ActiveConnections.Inc()

	go client.WritePump()
	go client.ReadPump()
}
