// Package metrics holds the Prometheus collectors for the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upstream link metrics
var (
	// UpstreamMessagesTotal counts broker deliveries accepted by the link, by
	// the configured subscription filter they matched
	UpstreamMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorbridge_upstream_messages_total",
			Help: "Messages received from the broker by subscription filter",
		},
		[]string{"filter"},
	)

	// UpstreamMessagesDroppedTotal counts deliveries discarded before normalization
	UpstreamMessagesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorbridge_upstream_messages_dropped_total",
			Help: "Broker deliveries dropped by the link, by reason",
		},
		[]string{"reason"},
	)

	// UpstreamState reports the current link state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)
	UpstreamState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorbridge_upstream_state",
			Help: "Current upstream link state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
		},
	)

	// UpstreamStateTransitionsTotal counts link state transitions by target state
	UpstreamStateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorbridge_upstream_state_transitions_total",
			Help: "Upstream link state transitions by new state",
		},
		[]string{"state"},
	)

	// UpstreamSubscribeFailuresTotal counts failed subscribe requests
	UpstreamSubscribeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorbridge_upstream_subscribe_failures_total",
			Help: "Subscribe requests rejected or failed",
		},
	)
)

// Hub metrics
var (
	// HubSubscribers tracks the number of registered downstream subscribers
	HubSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorbridge_hub_subscribers",
			Help: "Currently registered downstream subscribers",
		},
	)

	// HubEventsBroadcastTotal counts events handed to the hub for fan-out
	HubEventsBroadcastTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorbridge_hub_events_broadcast_total",
			Help: "Events broadcast to the subscriber set",
		},
	)

	// HubEventsDroppedTotal counts per-subscriber queue overflow drops by policy
	HubEventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorbridge_hub_events_dropped_total",
			Help: "Events dropped on subscriber queue overflow, by policy",
		},
		[]string{"policy"},
	)

	// HubDeliveryFailuresTotal counts failed writes that evicted a subscriber
	HubDeliveryFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorbridge_hub_delivery_failures_total",
			Help: "Subscriber deliveries that failed and caused an implicit unregister",
		},
	)
)

// Downstream connection metrics
var (
	// ConnectionsTotal counts accepted downstream connections by transport
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorbridge_connections_total",
			Help: "Downstream connections accepted, by transport",
		},
		[]string{"transport"},
	)

	// UpgradeFailuresTotal counts failed WebSocket upgrades
	UpgradeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorbridge_upgrade_failures_total",
			Help: "WebSocket upgrade attempts that failed",
		},
	)
)
