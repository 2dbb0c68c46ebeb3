package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_active_rooms",
		Help: "Number of rooms currently waiting or paired",
	})

	RoomsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_rooms_created_total",
		Help: "Total rooms created",
	})

	JoinFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_join_failures_total",
		Help: "Total join-room rejections",
	}, []string{"reason"})

	// Connections
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_active_connections",
		Help: "Number of live websocket connections",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_connections_total",
		Help: "Total websocket connections accepted",
	})

	// Relay
	MessagesRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_messages_relayed_total",
		Help: "Total messages relayed to a room peer",
	}, []string{"type"})

	MessagesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_messages_dropped_total",
		Help: "Total inbound messages dropped instead of relayed",
	}, []string{"reason"})

	UserLeftNotificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_user_left_notifications_total",
		Help: "Total user-left notifications delivered to a remaining peer",
	})

	// Cross-instance fan-out
	PubSubPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_pubsub_published_total",
		Help: "Total messages published to the Redis room channel",
	})

	PubSubDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_pubsub_delivered_total",
		Help: "Total cross-instance messages delivered to local clients",
	})

	RedisErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_redis_errors_total",
		Help: "Total Redis errors",
	})
)

// Helper functions

const (
	DropReasonNotParticipant = "not_participant"
	DropReasonNoPeer         = "no_peer"
	DropReasonRateLimited    = "rate_limited"
)

func RecordJoinFailure(reason string) {
	JoinFailuresTotal.WithLabelValues(reason).Inc()
}

func RecordRelay(messageType string) {
	MessagesRelayedTotal.WithLabelValues(messageType).Inc()
}

func RecordDrop(reason string) {
	MessagesDroppedTotal.WithLabelValues(reason).Inc()
}
