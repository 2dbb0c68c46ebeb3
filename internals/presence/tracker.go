package presence

import (
	"time"

	"go.uber.org/zap"

	appmetrics "github.com/meetverse/signaling-go/internals/metrics"
	"github.com/meetverse/signaling-go/internals/room"
	"github.com/meetverse/signaling-go/internals/signaling"
)

// Tracker reacts to connection loss. It is the only path besides
// create/join that mutates the registry, and it runs exactly once per
// connection (the read pump's deferred disconnect callback).
type Tracker struct {
	registry *room.Registry
	hub      *signaling.Hub
	pubsub   *signaling.PubSubManager // nil when cross-instance fan-out is off
	logger   *zap.Logger
}

func NewTracker(registry *room.Registry, hub *signaling.Hub, pubsub *signaling.PubSubManager, logger *zap.Logger) *Tracker {
	return &Tracker{
		registry: registry,
		hub:      hub,
		pubsub:   pubsub,
		logger:   logger,
	}
}

// HandleDisconnect removes the departing connection from its room, clears
// the session's room association and notifies the remaining participant, if
// any. The peer's own connectivity timeout handles any negotiation left in
// flight; no signaling state is reconciled here.
func (t *Tracker) HandleDisconnect(client *signaling.Client) room.Departure {
	dep := t.registry.Leave(client.ID)
	client.RoomID = ""

	if dep.RoomID == "" || dep.Deleted {
		return dep
	}

	if dep.Remaining != "" {
		t.notifyUserLeft(dep.RoomID, dep.Remaining)
	}
	return dep
}

func (t *Tracker) notifyUserLeft(roomID, remaining string) {
	msg := signaling.Message{
		Type:      signaling.MessageTypeUserLeft,
		Timestamp: time.Now(),
	}

	peer, ok := t.hub.GetClient(remaining)
	if !ok {
		// The survivor may be connected to another instance.
		if t.pubsub != nil {
			t.pubsub.PublishToRoom(roomID, remaining, msg)
			return
		}
		t.logger.Debug("No local client for user-left notification",
			zap.String("roomID", roomID),
			zap.String("connID", remaining),
		)
		return
	}

	peer.SendMessage(msg)
	appmetrics.UserLeftNotificationsTotal.Inc()

	t.logger.Info("Notified remaining participant",
		zap.String("roomID", roomID),
		zap.String("connID", remaining),
	)
}
