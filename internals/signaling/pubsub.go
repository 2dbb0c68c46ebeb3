package signaling

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meetverse/signaling-go/internals/config"
	appmetrics "github.com/meetverse/signaling-go/internals/metrics"
)

// Channel prefix for Redis pub/sub
const (
	RoomChannelPrefix = "signaling:room:"
)

// PubSubMessage wraps a relayed message with origin info so an instance can
// skip events it already delivered locally.
type PubSubMessage struct {
	InstanceID string  `json:"instance_id"`
	To         string  `json:"to,omitempty"`
	Message    Message `json:"message"`
}

// PubSubManager mirrors room events across coordinator instances. The
// in-memory registry stays the source of truth for pairing; pub/sub only
// widens delivery so the two ends of a room may sit on different instances
// behind a load balancer.
type PubSubManager struct {
	redis      *redis.Client
	hub        *Hub
	instanceID string
	logger     *zap.Logger

	mu   sync.RWMutex
	subs map[string]*redis.PubSub // roomID -> subscription

	ctx    context.Context
	cancel context.CancelFunc
}

// ConnectPubSub dials Redis and returns a manager, or an error when Redis
// is unreachable. Callers are expected to run without fan-out in that case.
func ConnectPubSub(cfg config.RedisConfig, hub *Hub, logger *zap.Logger) (*PubSubManager, error) {
	ctx, cancel := context.WithCancel(context.Background())

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, err
	}

	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			instanceID = "unknown"
		} else {
			instanceID = hostname
		}
	}

	pm := &PubSubManager{
		redis:      client,
		hub:        hub,
		instanceID: instanceID,
		logger:     logger,
		subs:       make(map[string]*redis.PubSub),
		ctx:        ctx,
		cancel:     cancel,
	}

	logger.Info("PubSub manager initialized",
		zap.String("instance_id", instanceID),
		zap.String("addr", cfg.Addr),
	)

	return pm, nil
}

// RoomChannel returns the Redis channel name for a room
func RoomChannel(roomID string) string {
	return RoomChannelPrefix + roomID
}

// PublishToRoom publishes a message to the room's Redis channel so other
// instances can deliver it to participants connected there. When to is
// non-empty only that connection receives the message.
func (p *PubSubManager) PublishToRoom(roomID, to string, msg Message) error {
	pubMsg := PubSubMessage{
		InstanceID: p.instanceID,
		To:         to,
		Message:    msg,
	}

	data, err := json.Marshal(pubMsg)
	if err != nil {
		p.logger.Error("Failed to marshal pub/sub message",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return err
	}

	channel := RoomChannel(roomID)
	if err := p.redis.Publish(p.ctx, channel, data).Err(); err != nil {
		appmetrics.RedisErrorsTotal.Inc()
		p.logger.Error("Failed to publish to Redis",
			zap.String("room_id", roomID),
			zap.String("channel", channel),
			zap.Error(err),
		)
		return err
	}

	appmetrics.PubSubPublishedTotal.Inc()
	return nil
}

// SubscribeToRoom starts listening to a room's Redis channel.
func (p *PubSubManager) SubscribeToRoom(roomID string) {
	p.mu.Lock()
	if _, exists := p.subs[roomID]; exists {
		p.mu.Unlock()
		return // Already subscribed
	}

	channel := RoomChannel(roomID)
	sub := p.redis.Subscribe(p.ctx, channel)
	p.subs[roomID] = sub
	p.mu.Unlock()

	p.logger.Info("Subscribed to room channel",
		zap.String("room_id", roomID),
		zap.String("channel", channel),
	)

	go p.listenToChannel(roomID, sub)
}

// UnsubscribeFromRoom stops listening to a room's Redis channel.
func (p *PubSubManager) UnsubscribeFromRoom(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, exists := p.subs[roomID]
	if !exists {
		return
	}

	if err := sub.Close(); err != nil {
		p.logger.Warn("Error closing subscription",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
	}

	delete(p.subs, roomID)

	p.logger.Info("Unsubscribed from room channel",
		zap.String("room_id", roomID),
	)
}

func (p *PubSubManager) listenToChannel(roomID string, sub *redis.PubSub) {
	ch := sub.Channel()

	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			p.handlePubSubMessage(roomID, msg)
		}
	}
}

func (p *PubSubManager) handlePubSubMessage(roomID string, redisMsg *redis.Message) {
	var pubMsg PubSubMessage
	if err := json.Unmarshal([]byte(redisMsg.Payload), &pubMsg); err != nil {
		p.logger.Warn("Failed to unmarshal pub/sub message",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return
	}

	// This instance already delivered its own events locally.
	if pubMsg.InstanceID == p.instanceID {
		return
	}

	p.logger.Debug("Received cross-instance message",
		zap.String("room_id", roomID),
		zap.String("from_instance", pubMsg.InstanceID),
		zap.String("type", string(pubMsg.Message.Type)),
	)

	p.deliverToLocalClients(roomID, pubMsg.To, pubMsg.Message)
}

func (p *PubSubManager) deliverToLocalClients(roomID, to string, msg Message) {
	clients := p.hub.GetClientsByRoom(roomID)

	for _, client := range clients {
		if to != "" && client.ID != to {
			continue
		}
		// Never echo a relayed event back to its sender.
		if msg.From != "" && client.ID == msg.From {
			continue
		}

		client.SendMessage(msg)
		appmetrics.PubSubDeliveredTotal.Inc()
	}
}

// GetInstanceID returns this instance's unique identifier
func (p *PubSubManager) GetInstanceID() string {
	return p.instanceID
}

// Ping checks if Redis pub/sub is healthy
func (p *PubSubManager) Ping() error {
	ctx, cancel := context.WithTimeout(p.ctx, 3*time.Second)
	defer cancel()
	return p.redis.Ping(ctx).Err()
}

// Close shuts down all subscriptions and cleans up
func (p *PubSubManager) Close() error {
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	for roomID, sub := range p.subs {
		if err := sub.Close(); err != nil {
			p.logger.Warn("Error closing subscription during shutdown",
				zap.String("room_id", roomID),
				zap.Error(err),
			)
		}
	}

	p.subs = make(map[string]*redis.PubSub)
	p.logger.Info("PubSub manager closed")

	return p.redis.Close()
}
