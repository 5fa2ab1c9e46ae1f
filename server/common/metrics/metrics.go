package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "permit",
		Subsystem: "realtime",
		Name:      "connections_open",
		Help:      "Live websocket connections held by this process.",
	})

	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "permit",
		Subsystem: "realtime",
		Name:      "rooms_active",
		Help:      "Order rooms with at least one member on this process.",
	})

	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "permit",
		Subsystem: "realtime",
		Name:      "events_received_total",
		Help:      "Inbound websocket events by type and outcome.",
	}, []string{"type", "outcome"})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "permit",
		Subsystem: "realtime",
		Name:      "frames_dropped_total",
		Help:      "Outbound frames dropped because a connection queue was full or closed.",
	})

	MessagesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "permit",
		Subsystem: "chat",
		Name:      "messages_created_total",
		Help:      "Chat messages persisted by sender type.",
	}, []string{"sender_type"})

	NotificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "permit",
		Subsystem: "notification",
		Name:      "created_total",
		Help:      "Notifications persisted by type.",
	}, []string{"type"})

	NotificationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "permit",
		Subsystem: "notification",
		Name:      "expired_deleted_total",
		Help:      "Notifications removed by expiry cleanup.",
	})

	SideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "permit",
		Subsystem: "broadcast",
		Name:      "side_effect_failures_total",
		Help:      "Best-effort effects (push, email, event publish) that failed after the durable write.",
	}, []string{"effect"})
)
